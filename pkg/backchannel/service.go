package backchannel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/rtsp_backchannel/pkg/audio"
	"github.com/arzzra/rtsp_backchannel/pkg/config"
	"github.com/arzzra/rtsp_backchannel/pkg/eventloop"
	"github.com/arzzra/rtsp_backchannel/pkg/media"
	"github.com/arzzra/rtsp_backchannel/pkg/rtp"
)

// shutdownTimeout ограничивает закрытие сессий при остановке
const shutdownTimeout = 5 * time.Second

// Output приемник PCM, которым владеет сервис
type Output interface {
	PCMOutput
	Open() error
	Close() error
}

// Service связывает цикл событий, менеджеры форматов и воркер
type Service struct {
	config   config.Config
	log      *logrus.Entry
	loop     *eventloop.Loop
	queue    *FrameQueue
	codecs   audio.CodecChannels
	output   Output
	worker   *Worker
	metrics  *Metrics
	managers map[media.Format]*Manager
	formats  []media.Format
	binder   rtp.Binder
	ids      atomic.Uint32
}

// ServiceOption изменяет зависимости сервиса
type ServiceOption func(*Service)

// WithOutput заменяет выход PCM
func WithOutput(output Output) ServiceOption {
	return func(s *Service) { s.output = output }
}

// WithCodecs заменяет каналы кодека
func WithCodecs(codecs audio.CodecChannels) ServiceOption {
	return func(s *Service) { s.codecs = codecs }
}

// WithBinder заменяет привязку UDP сокетов
func WithBinder(binder rtp.Binder) ServiceOption {
	return func(s *Service) { s.binder = binder }
}

// NewService создает сервис по конфигурации
func NewService(cfg config.Config, log *logrus.Logger, opts ...ServiceOption) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	entry := logrus.NewEntry(log).WithField("service", "backchannel")

	formats, err := cfg.Backchannel.ParsedFormats()
	if err != nil {
		return nil, err
	}

	s := &Service{
		config:   cfg,
		log:      entry,
		loop:     eventloop.New(entry),
		queue:    NewFrameQueue(),
		metrics:  NewMetrics(),
		managers: make(map[media.Format]*Manager),
		formats:  formats,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue.observeDepth(func(n int) { s.metrics.queueDepth.Set(float64(n)) })

	if s.codecs == nil {
		s.codecs = audio.NewSoftwareCodecs(cfg.Backchannel.L16Rate, entry)
	}
	if s.output == nil {
		opener := audio.FileOpener(cfg.Audio.OutputPath)
		if cfg.Audio.CreateFIFO {
			opener = audio.FIFOOpener(cfg.Audio.OutputPath, true, cfg.Audio.WriteTimeout)
		}
		s.output = audio.NewPipeOutput(opener, entry)
	}

	allocatorConfig := rtp.PortAllocatorConfig{
		BindIP:    net.ParseIP(cfg.Server.BindIP),
		StartPort: cfg.Server.RTPPortStart,
		RTCPMux:   cfg.Server.RTCPMux,
		Socket: rtp.SocketOptions{
			RecvBuffer: cfg.Server.RecvBuffer,
			DSCP:       cfg.Server.DSCP,
		},
		Binder: s.binder,
	}
	allocator, err := rtp.NewPortAllocator(allocatorConfig)
	if err != nil {
		return nil, fmt.Errorf("распределитель портов: %w", err)
	}

	s.worker, err = NewWorker(WorkerConfig{
		Queue:         s.queue,
		Codecs:        s.codecs,
		Output:        s.output,
		OutputRate:    cfg.Audio.OutputRate,
		BlockDuration: cfg.Audio.BlockDuration,
		Metrics:       s.metrics,
		Log:           entry,
	})
	if err != nil {
		return nil, err
	}

	for _, format := range formats {
		s.managers[format] = NewManager(ManagerConfig{
			Format:            format,
			VariableRate:      uint32(cfg.Backchannel.L16Rate),
			Control:           cfg.Backchannel.Control,
			InactivityTimeout: cfg.Backchannel.InactivityTimeout,
			ReportInterval:    cfg.Backchannel.ReportInterval,
			CNAME:             cfg.Backchannel.CNAME,
			MaxFrameSize:      cfg.Backchannel.MaxFrameSize,
		}, s.loop, allocator, s.queue, &s.ids, s.metrics, entry)
	}

	return s, nil
}

// Manager возвращает менеджер формата
func (s *Service) Manager(format media.Format) (*Manager, bool) {
	m, ok := s.managers[format]
	return m, ok
}

// Loop возвращает цикл событий. Методы менеджеров вызываются через него.
func (s *Service) Loop() *eventloop.Loop {
	return s.loop
}

// Metrics возвращает метрики сервиса
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// MetricsHandler возвращает HTTP обработчик метрик
func (s *Service) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// Run запускает цикл событий и воркер и ждет отмены ctx.
// При остановке сессии закрываются в цикле, затем освобождаются
// каналы кодека и выход.
func (s *Service) Run(ctx context.Context) error {
	for _, format := range s.formats {
		if err := s.codecs.CreateChannel(format.ChannelID(), format); err != nil {
			s.destroyChannels()
			return fmt.Errorf("канал кодека %s: %w", format, err)
		}
	}
	if err := s.output.Open(); err != nil {
		// Выход откроется заново при смене сессии
		s.log.WithError(err).Warn("Выход PCM пока недоступен")
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.loop.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("цикл событий: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.worker.Run(workerCtx)
	})

	s.log.WithField("formats", len(s.formats)).Info("Сервис backchannel запущен")
	<-gctx.Done()

	s.shutdown()
	stopWorker()
	stopLoop()
	err := g.Wait()

	s.destroyChannels()
	if closeErr := s.output.Close(); closeErr != nil {
		s.log.WithError(closeErr).Warn("Ошибка закрытия выхода PCM")
	}
	s.log.Info("Сервис backchannel остановлен")
	return err
}

// shutdown закрывает сессии в цикле событий
func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := s.loop.Do(ctx, func() {
		for _, format := range s.formats {
			s.managers[format].CloseAll()
		}
	})
	if err != nil {
		s.log.WithError(err).Warn("Сессии не закрыты")
	}
}

func (s *Service) destroyChannels() {
	for _, format := range s.formats {
		if _, ok := s.codecs.Decoder(format.ChannelID()); !ok {
			continue
		}
		if err := s.codecs.DestroyChannel(format.ChannelID()); err != nil {
			s.log.WithError(err).Warn("Ошибка удаления канала кодека")
		}
	}
}
