package backchannel

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/rtsp_backchannel/pkg/audio"
	"github.com/arzzra/rtsp_backchannel/pkg/media"
	"github.com/arzzra/rtsp_backchannel/pkg/ringbuffer"
)

const (
	// DefaultOutputRate частота PCM на выходе
	DefaultOutputRate = 16000

	// DefaultBlockDuration длительность блока записи PCM
	DefaultBlockDuration = 20 * time.Millisecond

	// stageDuration емкость буфера PCM воркера
	stageDuration = time.Second
)

// PCMOutput приемник PCM воркера
type PCMOutput interface {
	Write(samples []int16) error
	Reopen() error
	Suspended() bool
}

// WorkerConfig параметры воркера
type WorkerConfig struct {
	Queue         *FrameQueue
	Codecs        audio.CodecChannels
	Output        PCMOutput
	OutputRate    int
	BlockDuration time.Duration
	Metrics       *Metrics
	Log           *logrus.Entry
}

// Worker разбирает очередь кадров: выбирает активную сессию,
// декодирует, приводит частоту и пишет PCM блоками.
type Worker struct {
	config  WorkerConfig
	log     *logrus.Entry
	arbiter *Arbiter

	stage      *ringbuffer.RingBuffer
	blockBytes int
	block      []byte
	samples    []int16
}

// NewWorker создает воркер
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Queue == nil || config.Codecs == nil || config.Output == nil {
		return nil, fmt.Errorf("воркер требует очередь, каналы кодека и выход")
	}
	if config.OutputRate <= 0 {
		config.OutputRate = DefaultOutputRate
	}
	if config.BlockDuration <= 0 {
		config.BlockDuration = DefaultBlockDuration
	}
	if config.Metrics == nil {
		config.Metrics = NewMetrics()
	}
	log := config.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	blockSamples := int(int64(config.OutputRate) * int64(config.BlockDuration) / int64(time.Second))
	if blockSamples <= 0 {
		return nil, fmt.Errorf("блок PCM %v слишком мал для %d Гц", config.BlockDuration, config.OutputRate)
	}
	stageBytes := int(int64(config.OutputRate)*int64(stageDuration)/int64(time.Second)) * 2
	if stageBytes < blockSamples*2 {
		stageBytes = blockSamples * 2
	}
	stage, err := ringbuffer.New(stageBytes)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		config:     config,
		log:        log.WithField("component", "worker"),
		arbiter:    NewArbiter(),
		stage:      stage,
		blockBytes: blockSamples * 2,
		block:      make([]byte, stageBytes),
		samples:    make([]int16, stageBytes/2),
	}
	w.arbiter.onPreempt = func(from, to uint32) {
		config.Metrics.preemptions.Inc()
		w.log.WithFields(logrus.Fields{
			"from": from,
			"to":   to,
		}).Info("Сессия вытеснена")
	}
	return w, nil
}

// Arbiter возвращает арбитр воркера. Используется только из горутины воркера.
func (w *Worker) Arbiter() *Arbiter {
	return w.arbiter
}

// Run разбирает очередь до отмены ctx. Кадры, уже стоящие в очереди,
// обрабатываются до выхода. Ошибки кадров не прерывают работу.
func (w *Worker) Run(ctx context.Context) error {
	w.log.WithFields(logrus.Fields{
		"output_rate": w.config.OutputRate,
		"block":       w.config.BlockDuration,
	}).Info("Воркер запущен")

	for {
		frame, err := w.config.Queue.Dequeue(ctx)
		if err != nil {
			w.flush()
			w.log.Info("Воркер остановлен")
			return nil
		}
		w.handle(frame)
	}
}

func (w *Worker) handle(frame *media.Frame) {
	switch w.arbiter.Admit(frame) {
	case DecisionDiscard:
		w.config.Metrics.framesDiscarded.Inc()
		return
	case DecisionEnd:
		w.flush()
		w.resetDecoder(frame.Format)
		w.log.WithField("session_id", frame.SessionID).Debug("Сессия завершена")
		return
	case DecisionSwitch:
		w.switchTo(frame)
	case DecisionProcess:
	}
	w.process(frame)
}

// switchTo дописывает остаток предыдущей сессии и готовит тракт к новой
func (w *Worker) switchTo(frame *media.Frame) {
	w.flush()
	w.resetDecoder(frame.Format)

	if w.config.Output.Suspended() {
		if err := w.config.Output.Reopen(); err != nil {
			w.log.WithError(err).Warn("Выход PCM недоступен")
		} else {
			w.log.Info("Выход PCM открыт заново")
		}
	}
	w.log.WithFields(logrus.Fields{
		"session_id": frame.SessionID,
		"format":     frame.Format.String(),
	}).Info("Активная сессия")
}

func (w *Worker) resetDecoder(format media.Format) {
	if decoder, ok := w.config.Codecs.Decoder(format.ChannelID()); ok {
		decoder.Reset()
	}
}

func (w *Worker) process(frame *media.Frame) {
	decoder, ok := w.config.Codecs.Decoder(frame.Format.ChannelID())
	if !ok {
		w.config.Metrics.framesDiscarded.Inc()
		w.log.WithField("format", frame.Format.String()).Warn("Нет канала кодека")
		return
	}

	pcm, rate, err := decoder.Decode(frame.Payload)
	if err != nil {
		w.config.Metrics.decodeErrors.WithLabelValues(frame.Format.String()).Inc()
		w.log.WithError(err).WithField("session_id", frame.SessionID).Debug("Кадр не декодирован")
		return
	}

	resampled, err := audio.Resample(pcm, rate, w.config.OutputRate)
	if err != nil {
		w.config.Metrics.decodeErrors.WithLabelValues(frame.Format.String()).Inc()
		w.log.WithError(err).Warn("Ошибка преобразования частоты")
		return
	}

	w.stagePCM(resampled)
	w.config.Metrics.framesProcessed.Inc()
}

// stagePCM кладет отсчеты в буфер и пишет полные блоки
func (w *Worker) stagePCM(samples []int16) {
	for len(samples) > 0 {
		n := min(len(samples), w.stage.Free()/2)
		buf := w.block[:n*2]
		for i, s := range samples[:n] {
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
		}
		if err := w.stage.Push(buf); err != nil {
			w.log.WithError(err).Warn("Переполнение буфера PCM")
			return
		}
		samples = samples[n:]

		for w.stage.Size() >= w.blockBytes {
			w.writeStaged(w.blockBytes)
		}
	}
}

// flush пишет неполный блок
func (w *Worker) flush() {
	if size := w.stage.Size() &^ 1; size > 0 {
		w.writeStaged(size)
	}
	w.stage.Reset()
}

func (w *Worker) writeStaged(size int) {
	buf := w.block[:size]
	if err := w.stage.Fetch(buf); err != nil {
		w.log.WithError(err).Warn("Ошибка чтения буфера PCM")
		return
	}

	samples := w.samples[:size/2]
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}

	wasSuspended := w.config.Output.Suspended()
	if err := w.config.Output.Write(samples); err != nil {
		w.config.Metrics.outputErrors.Inc()
		if !wasSuspended {
			w.log.WithError(err).Warn("Запись PCM приостановлена")
		}
	}
}
