// RTCP reporting handle backchannel сессии.
//
// Reporter отвечает за обратную связь с клиентом по RFC 3550: собирает
// статистику принятых RTP пакетов (потери, jitter, extended sequence number),
// периодически отправляет Receiver Report вместе с SDES CNAME и передает
// отчеты клиента зарегистрированному обработчику.
//
// Все методы, кроме конструктора, вызываются в цикле событий.
package rtp

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/rtsp_backchannel/pkg/eventloop"
)

// DefaultReportInterval интервал отправки RTCP по умолчанию (RFC 3550 рекомендует 5 секунд)
const DefaultReportInterval = 5 * time.Second

// sourceInactivity через этот интервал без пакетов источник не попадает в отчет
const sourceInactivity = 30 * time.Second

// ClientReport отчет клиента, полученный по RTCP
type ClientReport struct {
	SSRC       uint32                 // SSRC отправителя отчета
	Sender     bool                   // true для Sender Report
	Reports    []rtcp.ReceptionReport // Reception report blocks
	SenderInfo *rtcp.SenderReport     // Заполнен для Sender Report
	Received   time.Time              // Время получения
}

// ReportFunc обработчик отчетов клиента
type ReportFunc func(report ClientReport)

// ReporterConfig конфигурация RTCP reporting handle
type ReporterConfig struct {
	SSRC      uint32        // Локальный SSRC, 0 = случайный
	CNAME     string        // SDES CNAME
	Interval  time.Duration // Интервал отправки, 0 = DefaultReportInterval
	ClockRate uint32        // Частота RTP для расчета jitter
}

// SourceStatistics статистика приема от одного SSRC
type SourceStatistics struct {
	PacketsReceived uint64
	OctetsReceived  uint64
	PacketsLost     uint32
	FractionLost    uint8
	Jitter          uint32
	HighestSeqNum   uint32 // Extended highest sequence number
	LastActivity    time.Time
}

type sourceState struct {
	stats SourceStatistics

	baseSeq uint16
	maxSeq  uint16
	cycles  uint32

	expectedPrior uint32
	receivedPrior uint32

	transit    int64
	jitter     float64
	hasTransit bool

	lastSR     uint32
	lastSRTime time.Time
}

// Reporter RTCP reporting handle одной сессии
type Reporter struct {
	config ReporterConfig
	writer RTCPWriter
	loop   *eventloop.Loop
	log    *logrus.Entry
	epoch  time.Time

	onReport ReportFunc
	sources  map[uint32]*sourceState
	timer    *eventloop.Timer
	closed   bool

	reportsSent uint64
}

// NewReporter создает reporting handle, отправляющий отчеты через writer
func NewReporter(loop *eventloop.Loop, writer RTCPWriter, config ReporterConfig, log *logrus.Entry) (*Reporter, error) {
	if writer == nil {
		return nil, fmt.Errorf("RTCP writer обязателен")
	}
	if config.Interval < 0 {
		return nil, fmt.Errorf("неверный интервал RTCP: %v", config.Interval)
	}
	if config.Interval == 0 {
		config.Interval = DefaultReportInterval
	}
	for config.SSRC == 0 {
		config.SSRC = rand.Uint32()
	}
	if config.CNAME == "" {
		config.CNAME = fmt.Sprintf("backchannel-%08x", config.SSRC)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Reporter{
		config:  config,
		writer:  writer,
		loop:    loop,
		log:     log.WithField("component", "rtcp").WithField("ssrc", config.SSRC),
		epoch:   time.Now(),
		sources: make(map[uint32]*sourceState),
	}, nil
}

// SSRC возвращает локальный SSRC
func (r *Reporter) SSRC() uint32 {
	return r.config.SSRC
}

// SetReportHandler регистрирует обработчик отчетов клиента
func (r *Reporter) SetReportHandler(fn ReportFunc) {
	r.onReport = fn
}

// Start запускает периодическую отправку отчетов
func (r *Reporter) Start() {
	if r.closed || r.timer != nil {
		return
	}
	r.timer = r.loop.AfterFunc(r.config.Interval, r.tick)
}

func (r *Reporter) tick() {
	if r.closed {
		return
	}
	if err := r.SendReport(); err != nil {
		r.log.WithError(err).Debug("не удалось отправить RTCP отчет")
	}
	r.timer.Reset(r.config.Interval)
}

// SendReport немедленно отправляет составной пакет RR + SDES
func (r *Reporter) SendReport() error {
	if r.closed {
		return fmt.Errorf("reporting handle закрыт")
	}

	data, err := rtcp.Marshal(r.buildCompound())
	if err != nil {
		return fmt.Errorf("ошибка кодирования RTCP: %w", err)
	}
	if err := r.writer.WriteRTCP(data); err != nil {
		return err
	}
	r.reportsSent++
	return nil
}

// ReportsSent возвращает число отправленных отчетов
func (r *Reporter) ReportsSent() uint64 {
	return r.reportsSent
}

func (r *Reporter) buildCompound() []rtcp.Packet {
	now := time.Now()
	rr := &rtcp.ReceiverReport{SSRC: r.config.SSRC}

	for ssrc, src := range r.sources {
		if now.Sub(src.stats.LastActivity) > sourceInactivity {
			continue
		}
		// RFC 3550: в одном RR не более 31 блока
		if len(rr.Reports) == 31 {
			break
		}
		rr.Reports = append(rr.Reports, r.receptionReport(ssrc, src, now))
	}

	sdes := &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{{
			Source: r.config.SSRC,
			Items:  []rtcp.SourceDescriptionItem{{Type: rtcp.SDESCNAME, Text: r.config.CNAME}},
		}},
	}
	return []rtcp.Packet{rr, sdes}
}

// receptionReport формирует блок отчета по RFC 3550 Appendix A.3
func (r *Reporter) receptionReport(ssrc uint32, src *sourceState, now time.Time) rtcp.ReceptionReport {
	extendedMax := src.cycles<<16 | uint32(src.maxSeq)
	expected := extendedMax - uint32(src.baseSeq) + 1
	received := uint32(src.stats.PacketsReceived)

	var lost uint32
	if expected > received {
		lost = expected - received
	}

	expectedInterval := expected - src.expectedPrior
	receivedInterval := received - src.receivedPrior
	src.expectedPrior = expected
	src.receivedPrior = received

	var fraction uint8
	if expectedInterval > 0 && expectedInterval > receivedInterval {
		fraction = CalculateFractionLost(expectedInterval, receivedInterval)
	}

	src.stats.PacketsLost = lost
	src.stats.FractionLost = fraction
	src.stats.HighestSeqNum = extendedMax

	var dlsr uint32
	if !src.lastSRTime.IsZero() {
		dlsr = uint32(now.Sub(src.lastSRTime).Seconds() * 65536)
	}

	return rtcp.ReceptionReport{
		SSRC:               ssrc,
		FractionLost:       fraction,
		TotalLost:          lost & 0xFFFFFF,
		LastSequenceNumber: extendedMax,
		Jitter:             src.stats.Jitter,
		LastSenderReport:   src.lastSR,
		Delay:              dlsr,
	}
}

// ObserveRTP обновляет статистику источника по принятому RTP пакету
func (r *Reporter) ObserveRTP(packet *rtp.Packet) {
	if r.closed {
		return
	}

	now := time.Now()
	seq := packet.SequenceNumber
	src, exists := r.sources[packet.SSRC]
	if !exists {
		src = &sourceState{baseSeq: seq, maxSeq: seq}
		r.sources[packet.SSRC] = src
	} else if delta := seq - src.maxSeq; delta > 0 && delta < 0x8000 {
		// Переход через 65535 увеличивает счетчик циклов
		if seq < src.maxSeq {
			src.cycles++
		}
		src.maxSeq = seq
	}

	// Jitter по RFC 3550 Appendix A.8 в единицах RTP timestamp
	if r.config.ClockRate > 0 {
		arrival := int64(now.Sub(r.epoch).Seconds() * float64(r.config.ClockRate))
		transit := arrival - int64(packet.Timestamp)
		if src.hasTransit {
			src.jitter = CalculateJitter(transit, src.transit, src.jitter)
			src.stats.Jitter = uint32(src.jitter)
		}
		src.transit = transit
		src.hasTransit = true
	}

	src.stats.PacketsReceived++
	src.stats.OctetsReceived += uint64(len(packet.Payload))
	src.stats.LastActivity = now
}

// HandleIncoming разбирает RTCP пакет клиента
func (r *Reporter) HandleIncoming(data []byte) error {
	if r.closed {
		return nil
	}

	packets, err := rtcp.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("ошибка парсинга RTCP: %w", err)
	}

	now := time.Now()
	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.SenderReport:
			if src, ok := r.sources[p.SSRC]; ok {
				src.lastSR = uint32(p.NTPTime >> 16)
				src.lastSRTime = now
			}
			r.notify(ClientReport{SSRC: p.SSRC, Sender: true, Reports: p.Reports, SenderInfo: p, Received: now})
		case *rtcp.ReceiverReport:
			r.notify(ClientReport{SSRC: p.SSRC, Reports: p.Reports, Received: now})
		case *rtcp.Goodbye:
			r.log.WithField("sources", p.Sources).Debug("клиент отправил BYE")
		}
	}
	return nil
}

func (r *Reporter) notify(report ClientReport) {
	if r.onReport != nil {
		r.onReport(report)
	}
}

// Statistics возвращает копию статистики по источникам
func (r *Reporter) Statistics() map[uint32]SourceStatistics {
	stats := make(map[uint32]SourceStatistics, len(r.sources))
	for ssrc, src := range r.sources {
		stats[ssrc] = src.stats
	}
	return stats
}

// Close останавливает отчеты и отправляет BYE. Идемпотентен.
func (r *Reporter) Close() {
	if r.closed {
		return
	}

	if r.timer != nil {
		r.timer.Stop()
	}

	bye, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.ReceiverReport{SSRC: r.config.SSRC},
		&rtcp.Goodbye{Sources: []uint32{r.config.SSRC}},
	})
	if err == nil {
		if err := r.writer.WriteRTCP(bye); err != nil {
			r.log.WithError(err).Debug("не удалось отправить BYE")
		}
	}

	r.closed = true
	r.onReport = nil
}
