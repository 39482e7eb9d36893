package audio

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/rtsp_backchannel/pkg/media"
)

// Opener открывает приемник PCM
type Opener func() (io.WriteCloser, error)

// DefaultWriteTimeout ограничивает запись в канал без читателя
const DefaultWriteTimeout = 200 * time.Millisecond

// PipeOutput пишет PCM 16 бит little-endian в приемник.
// После ошибки записи выход приостанавливается до Reopen.
type PipeOutput struct {
	open Opener
	log  *logrus.Entry

	mutex     sync.Mutex
	writer    io.WriteCloser
	suspended bool
	closed    bool
	written   uint64
	buf       []byte
}

// NewPipeOutput создает выход. Приемник открывается в Open.
func NewPipeOutput(open Opener, log *logrus.Entry) *PipeOutput {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PipeOutput{open: open, log: log.WithField("component", "pcm_output")}
}

// Open открывает приемник. Ошибка оставляет выход приостановленным.
func (o *PipeOutput) Open() error {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.openLocked()
}

func (o *PipeOutput) openLocked() error {
	if o.closed {
		return media.NewError(media.ErrorCodeOutputUnavailable, 0, "выход закрыт")
	}
	if o.writer != nil {
		return nil
	}

	writer, err := o.open()
	if err != nil {
		o.suspended = true
		return media.WrapError(media.ErrorCodeOutputUnavailable, 0, "открытие выхода PCM", err)
	}
	o.writer = writer
	o.suspended = false
	o.log.Debug("Выход PCM открыт")
	return nil
}

// Write пишет отсчеты. Приостановленный выход возвращает ErrOutputUnavailable.
func (o *PipeOutput) Write(samples []int16) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if o.closed || o.suspended || o.writer == nil {
		return media.NewError(media.ErrorCodeOutputUnavailable, 0, "выход PCM недоступен")
	}

	size := len(samples) * 2
	if cap(o.buf) < size {
		o.buf = make([]byte, size)
	}
	buf := o.buf[:size]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}

	if _, err := o.writer.Write(buf); err != nil {
		o.suspendLocked()
		return media.WrapError(media.ErrorCodeOutputUnavailable, 0, "запись PCM", err)
	}
	o.written += uint64(size)
	return nil
}

func (o *PipeOutput) suspendLocked() {
	o.suspended = true
	if o.writer != nil {
		if err := o.writer.Close(); err != nil {
			o.log.WithError(err).Debug("Ошибка закрытия приемника PCM")
		}
		o.writer = nil
	}
}

// Reopen закрывает текущий приемник и открывает его заново
func (o *PipeOutput) Reopen() error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if o.closed {
		return media.NewError(media.ErrorCodeOutputUnavailable, 0, "выход закрыт")
	}
	o.suspendLocked()
	return o.openLocked()
}

// Suspended сообщает, приостановлен ли выход
func (o *PipeOutput) Suspended() bool {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.suspended
}

// BytesWritten возвращает число записанных байт
func (o *PipeOutput) BytesWritten() uint64 {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.written
}

// Close закрывает выход. Повторный вызов безопасен.
func (o *PipeOutput) Close() error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if o.closed {
		return nil
	}
	o.closed = true

	var err error
	if o.writer != nil {
		err = o.writer.Close()
		o.writer = nil
	}
	return err
}

// deadlineWriter ограничивает каждую запись по времени
type deadlineWriter struct {
	file    *os.File
	timeout time.Duration
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	if w.timeout > 0 {
		// Файлы без поллера не поддерживают дедлайны
		if err := w.file.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil && !errors.Is(err, os.ErrNoDeadline) {
			return 0, err
		}
	}
	return w.file.Write(p)
}

func (w *deadlineWriter) Close() error {
	return w.file.Close()
}

// FIFOOpener открывает именованный канал на запись без блокировки.
// Без читателя открытие завершается ошибкой. create создает канал при отсутствии.
func FIFOOpener(path string, create bool, writeTimeout time.Duration) Opener {
	return func() (io.WriteCloser, error) {
		if create {
			if err := ensureFIFO(path); err != nil {
				return nil, err
			}
		}
		file, err := openFIFOWriter(path)
		if err != nil {
			return nil, err
		}
		return &deadlineWriter{file: file, timeout: writeTimeout}, nil
	}
}

// FileOpener открывает обычный файл на дозапись
func FileOpener(path string) Opener {
	return func() (io.WriteCloser, error) {
		return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	}
}
