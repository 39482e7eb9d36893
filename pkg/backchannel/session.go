package backchannel

import (
	"context"
	"fmt"
	"time"

	"github.com/looplab/fsm"
	pionrtp "github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/rtsp_backchannel/pkg/eventloop"
	"github.com/arzzra/rtsp_backchannel/pkg/media"
	"github.com/arzzra/rtsp_backchannel/pkg/rtp"
)

// Состояния сессии
const (
	StateCreated        = "created"
	StateTransportBound = "transport_bound"
	StateStreaming      = "streaming"
	StateClosed         = "closed"
)

// SessionConfig зависимости и параметры сессии
type SessionConfig struct {
	ID                uint32
	Format            media.Format
	VariableRate      uint32
	Control           string
	InactivityTimeout time.Duration
	ReportInterval    time.Duration
	CNAME             string
	MaxFrameSize      int

	Loop      *eventloop.Loop
	Allocator *rtp.PortAllocator
	Queue     *FrameQueue
	Metrics   *Metrics
	Log       *logrus.Entry

	// NewSink создает приемник сессии, по умолчанию NewReceiver
	NewSink func(ReceiverConfig) Sink

	// OnEnded вызывается после завершения потока по таймауту или закрытию транспорта
	OnEnded func(s *Session, reason string)
}

// Session backchannel сессия одного клиента.
// Методы вызываются в цикле событий.
type Session struct {
	config    SessionConfig
	transport Transport
	machine   *fsm.FSM
	log       *logrus.Entry
	createdAt time.Time

	sink        Sink
	reporter    *rtp.Reporter
	source      rtp.FrameSource
	channel     *rtp.ChannelSource
	rtcpReg     bool
	onAlternate func([]byte)

	removeAlternate func()
}

// Open проверяет запрос и привязывает транспорт.
// UDP занимает пару портов, TCP только запоминает каналы соединения.
func Open(config SessionConfig, req SetupRequest) (*Session, SetupResult, error) {
	if config.Loop == nil || config.Queue == nil {
		return nil, SetupResult{}, fmt.Errorf("сессия требует цикл событий и очередь")
	}
	if config.Metrics == nil {
		config.Metrics = NewMetrics()
	}
	if config.NewSink == nil {
		config.NewSink = func(rc ReceiverConfig) Sink { return NewReceiver(rc) }
	}
	log := config.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	s := &Session{
		config:      config,
		createdAt:   time.Now(),
		onAlternate: req.OnAlternateBytes,
		log: log.WithFields(logrus.Fields{
			"session_id": config.ID,
			"format":     config.Format.String(),
		}),
	}
	s.machine = fsm.NewFSM(
		StateCreated,
		fsm.Events{
			{Name: "bind", Src: []string{StateCreated}, Dst: StateTransportBound},
			{Name: "start", Src: []string{StateTransportBound}, Dst: StateStreaming},
			{Name: "close", Src: []string{StateCreated, StateTransportBound, StateStreaming}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.WithFields(logrus.Fields{
					"from": e.Src,
					"to":   e.Dst,
				}).Debug("Смена состояния сессии")
			},
		},
	)

	transport, result, err := bindTransport(config.ID, req, config.Allocator)
	if err != nil {
		s.event("close")
		return nil, SetupResult{}, err
	}
	s.transport = transport
	s.log = s.log.WithField("transport", TransportName(transport))

	if t, ok := transport.(*UDPTransport); ok {
		if err := t.Ports.Tune(); err != nil {
			s.log.WithError(err).Debug("Не удалось применить параметры сокетов")
		}
	}

	s.event("bind")
	s.log.WithFields(logrus.Fields{
		"server_rtp":  result.ServerRTPPort,
		"server_rtcp": result.ServerRTCPPort,
		"channels":    fmt.Sprintf("%d-%d", result.RTPChannel, result.RTCPChannel),
	}).Info("Транспорт сессии привязан")
	return s, result, nil
}

func (s *Session) event(name string) {
	if err := s.machine.Event(context.Background(), name); err != nil {
		s.log.WithError(err).WithField("event", name).Debug("Переход не выполнен")
	}
}

// ID возвращает идентификатор сессии
func (s *Session) ID() uint32 { return s.config.ID }

// Format возвращает формат сессии
func (s *Session) Format() media.Format { return s.config.Format }

// State возвращает состояние сессии
func (s *Session) State() string { return s.machine.Current() }

// Transport возвращает транспорт сессии
func (s *Session) Transport() Transport { return s.transport }

// Reporter возвращает RTCP reporting handle, nil до Start или если его не удалось создать
func (s *Session) Reporter() *rtp.Reporter { return s.reporter }

// Sink возвращает приемник сессии
func (s *Session) Sink() Sink { return s.sink }

// MediaDescription описывает backchannel дорожку сессии для SDP
func (s *Session) MediaDescription() (*sdp.MediaDescription, error) {
	return s.config.Format.MediaDescription(s.config.Control, s.config.VariableRate)
}

// Start запускает прием потока клиента.
// onReport получает RTCP отчеты клиента.
func (s *Session) Start(onReport rtp.ReportFunc) error {
	switch s.State() {
	case StateClosed:
		return media.NewError(media.ErrorCodeSessionClosed, s.config.ID, "сессия закрыта")
	case StateStreaming:
		return nil
	}

	s.startReporter(onReport)

	source, err := s.attachEndpoint()
	if err != nil {
		s.stopReporter()
		return media.WrapError(media.ErrorCodeStreamStartFailure, s.config.ID, "настройка транспорта", err)
	}
	s.source = source

	if s.reporter != nil {
		if err := s.reporter.SendReport(); err != nil {
			s.log.WithError(err).Debug("Первый RTCP отчет не отправлен")
		}
		s.reporter.Start()
	}

	s.sink = s.config.NewSink(ReceiverConfig{
		SessionID:         s.config.ID,
		Format:            s.config.Format,
		Source:            source,
		Queue:             s.config.Queue,
		Loop:              s.config.Loop,
		InactivityTimeout: s.config.InactivityTimeout,
		MaxFrameSize:      s.config.MaxFrameSize,
		Metrics:           s.config.Metrics,
		Log:               s.log,
		OnEnded:           s.onEnded,
	})
	if err := s.sink.StartPlaying(); err != nil {
		s.stopReporter()
		return media.WrapError(media.ErrorCodeStreamStartFailure, s.config.ID, "запуск приемника", err)
	}

	s.event("start")
	s.log.Info("Прием backchannel запущен")
	return nil
}

func (s *Session) startReporter(onReport rtp.ReportFunc) {
	var writer rtp.RTCPWriter
	switch t := s.transport.(type) {
	case *UDPTransport:
		writer = t.Ports.RTCPWriter()
	case *TCPTransport:
		writer = t.Conn.ChannelWriter(t.RTCPChannel)
	default:
		panic(fmt.Sprintf("неизвестный транспорт %T", t))
	}

	reporter, err := rtp.NewReporter(s.config.Loop, writer, rtp.ReporterConfig{
		CNAME:     s.config.CNAME,
		Interval:  s.config.ReportInterval,
		ClockRate: s.config.Format.ClockRate(s.config.VariableRate),
	}, s.log)
	if err != nil {
		s.log.WithError(err).Warn("RTCP отчеты отключены")
		return
	}
	reporter.SetReportHandler(onReport)
	s.reporter = reporter
}

func (s *Session) stopReporter() {
	if s.reporter != nil {
		s.reporter.Close()
		s.reporter = nil
	}
}

// attachEndpoint регистрирует адреса клиента или каналы соединения
func (s *Session) attachEndpoint() (rtp.FrameSource, error) {
	var observer func(*pionrtp.Packet)
	var onRTCP func([]byte)
	if reporter := s.reporter; reporter != nil {
		observer = reporter.ObserveRTP
		onRTCP = func(data []byte) {
			if err := reporter.HandleIncoming(data); err != nil {
				s.log.WithError(err).Debug("Ошибка разбора RTCP клиента")
			}
		}
	}

	switch t := s.transport.(type) {
	case *UDPTransport:
		if err := t.Ports.AddDestination(t.ClientIP, t.ClientRTPPort, t.ClientRTCPPort); err != nil {
			return nil, err
		}
		source := rtp.NewUDPSource(t.Ports, s.config.Loop, s.log)
		source.SetPacketObserver(observer)
		source.SetRTCPHandler(onRTCP)
		source.Start()
		return source, nil

	case *TCPTransport:
		source := rtp.NewChannelSource(t.Conn, t.RTPChannel, s.config.Loop, s.log)
		source.SetPacketObserver(observer)
		if err := source.Attach(); err != nil {
			return nil, err
		}
		s.channel = source

		if onRTCP != nil {
			if err := t.Conn.RegisterChannel(t.RTCPChannel, onRTCP, nil); err != nil {
				source.Detach()
				s.channel = nil
				return nil, err
			}
			s.rtcpReg = true
		}
		s.removeAlternate = t.Conn.SetAlternateByteHandler(s.alternateHandler())
		t.Conn.Start()
		return source, nil

	default:
		panic(fmt.Sprintf("неизвестный транспорт %T", t))
	}
}

func (s *Session) alternateHandler() func([]byte) {
	if s.onAlternate != nil {
		return s.onAlternate
	}
	return func(data []byte) {
		s.log.WithField("size", len(data)).Debug("Данные RTSP в interleaved потоке")
	}
}

func (s *Session) onEnded(reason string) {
	if s.config.OnEnded != nil {
		s.config.OnEnded(s, reason)
	}
}

// Close освобождает ресурсы: reporting handle, приемник, транспорт.
// Безопасен в любом состоянии, повторный вызов ничего не делает.
func (s *Session) Close() error {
	if s.State() == StateClosed {
		return nil
	}
	s.event("close")

	s.stopReporter()

	if s.sink != nil {
		s.sink.StopPlaying()
	}

	var err error
	switch t := s.transport.(type) {
	case *UDPTransport:
		err = t.Ports.Close()
	case *TCPTransport:
		if s.channel != nil {
			s.channel.Detach()
		}
		if s.rtcpReg {
			t.Conn.UnregisterChannel(t.RTCPChannel)
			s.rtcpReg = false
		}
		if s.removeAlternate != nil {
			s.removeAlternate()
			s.removeAlternate = nil
		}
		t.Conn.ReleaseChannels(t.RTPChannel, t.RTCPChannel)
	case nil:
	default:
		panic(fmt.Sprintf("неизвестный транспорт %T", t))
	}

	s.config.Metrics.sessionDuration.Observe(time.Since(s.createdAt).Seconds())
	s.log.Info("Сессия закрыта")
	return err
}
