package backchannel

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/rtsp_backchannel/pkg/eventloop"
	"github.com/arzzra/rtsp_backchannel/pkg/media"
	"github.com/arzzra/rtsp_backchannel/pkg/rtp"
)

// DefaultInactivityTimeout время тишины до завершения сессии
const DefaultInactivityTimeout = 5 * time.Second

// DefaultMaxFrameSize размер буфера приема кадра
const DefaultMaxFrameSize = 2048

// Sink возможности приемника, доступные сессии
type Sink interface {
	StartPlaying() error
	StopPlaying()
	IsActive() bool
}

// ReceiverConfig параметры приемника
type ReceiverConfig struct {
	SessionID         uint32
	Format            media.Format
	Source            rtp.FrameSource
	Queue             *FrameQueue
	Loop              *eventloop.Loop
	InactivityTimeout time.Duration
	MaxFrameSize      int
	Metrics           *Metrics
	Log               *logrus.Entry

	// OnEnded вызывается в цикле событий после таймаута или закрытия источника
	OnEnded func(reason string)
}

// Receiver забирает кадры из источника и ставит их в очередь воркера.
// Все методы вызываются в цикле событий.
type Receiver struct {
	config ReceiverConfig
	log    *logrus.Entry
	buf    []byte
	timer  *eventloop.Timer

	playing  bool
	stopped  bool
	stopSent bool

	frames uint64
	empty  uint64
}

// NewReceiver создает приемник
func NewReceiver(config ReceiverConfig) *Receiver {
	if config.InactivityTimeout <= 0 {
		config.InactivityTimeout = DefaultInactivityTimeout
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}
	if config.Metrics == nil {
		config.Metrics = NewMetrics()
	}
	log := config.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Receiver{
		config: config,
		log:    log.WithField("component", "receiver"),
		buf:    make([]byte, config.MaxFrameSize),
	}
}

// StartPlaying запускает прием и таймер неактивности
func (r *Receiver) StartPlaying() error {
	if r.stopped {
		return media.NewError(media.ErrorCodeSessionClosed, r.config.SessionID, "приемник остановлен")
	}
	if r.playing {
		return nil
	}
	if r.config.Source == nil || r.config.Queue == nil {
		return media.NewError(media.ErrorCodeStreamStartFailure, r.config.SessionID, "приемник не настроен")
	}

	r.playing = true
	r.timer = r.config.Loop.AfterFunc(r.config.InactivityTimeout, r.expire)
	r.requestNext()

	r.log.WithField("timeout", r.config.InactivityTimeout).Debug("Прием запущен")
	return nil
}

// StopPlaying отменяет таймер и отключается от источника. Идемпотентен.
// Если прием шел, в очередь ставится stop маркер сессии.
func (r *Receiver) StopPlaying() {
	r.stop(StopReasonClose)
}

// IsActive сообщает, идет ли прием
func (r *Receiver) IsActive() bool {
	return r.playing
}

// FramesReceived возвращает число поставленных в очередь кадров
func (r *Receiver) FramesReceived() uint64 {
	return r.frames
}

func (r *Receiver) stop(reason string) {
	if r.stopped {
		return
	}
	wasPlaying := r.playing
	r.playing = false
	r.stopped = true

	if r.timer != nil {
		r.timer.Stop()
	}
	if r.config.Source != nil {
		r.config.Source.StopGettingFrames()
	}
	if wasPlaying {
		r.sendStop(reason)
	}

	r.log.WithFields(logrus.Fields{
		"reason": reason,
		"frames": r.frames,
		"empty":  r.empty,
	}).Debug("Прием остановлен")
}

// sendStop ставит stop маркер, не более одного за жизнь сессии
func (r *Receiver) sendStop(reason string) {
	if r.stopSent {
		return
	}
	r.stopSent = true
	r.config.Queue.Enqueue(media.NewStopFrame(r.config.SessionID, r.config.Format))
	r.config.Metrics.stopMarkers.WithLabelValues(reason).Inc()
}

func (r *Receiver) requestNext() {
	r.config.Source.GetNextFrame(r.buf, r.onData, r.onClose)
}

func (r *Receiver) onData(size, truncated int, ts time.Time) {
	if !r.playing {
		return
	}

	if truncated > 0 {
		r.config.Metrics.truncatedPackets.Inc()
		r.log.WithFields(logrus.Fields{
			"size":      size,
			"truncated": truncated,
		}).Warn("Кадр обрезан")
	}

	if size > 0 {
		r.config.Queue.Enqueue(media.NewDataFrame(r.config.SessionID, r.config.Format, r.buf[:size], ts))
		r.config.Metrics.framesEnqueued.Inc()
		r.frames++
		r.timer.Reset(r.config.InactivityTimeout)
	} else {
		// Пустой кадр не считается активностью
		r.empty++
	}

	r.requestNext()
}

func (r *Receiver) onClose() {
	r.end(StopReasonTransport)
}

func (r *Receiver) expire() {
	r.end(StopReasonTimeout)
}

func (r *Receiver) end(reason string) {
	if !r.playing {
		return
	}
	r.log.WithField("reason", reason).Info("Поток клиента завершен")

	r.sendStop(reason)
	r.stop(reason)
	if r.config.OnEnded != nil {
		r.config.OnEnded(reason)
	}
}
