package backchannel

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtsp_backchannel/pkg/eventloop"
	"github.com/arzzra/rtsp_backchannel/pkg/media"
	"github.com/arzzra/rtsp_backchannel/pkg/rtp"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(log)
}

func runLoop(t *testing.T) *eventloop.Loop {
	t.Helper()

	loop := eventloop.New(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return loop
}

// onLoop выполняет fn в цикле событий
func onLoop(t *testing.T, loop *eventloop.Loop, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, loop.Do(ctx, fn))
}

// drainQueue извлекает все кадры без ожидания
func drainQueue(q *FrameQueue) []*media.Frame {
	var frames []*media.Frame
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for {
		frame, err := q.Dequeue(ctx)
		if err != nil {
			return frames
		}
		frames = append(frames, frame)
	}
}

// fakeSource источник кадров, управляемый тестом из цикла событий
type fakeSource struct {
	buf      []byte
	onData   rtp.DataFunc
	onClose  func()
	requests int
	stops    int
}

func (f *fakeSource) GetNextFrame(buf []byte, onData rtp.DataFunc, onClose func()) {
	f.buf = buf
	f.onData = onData
	f.onClose = onClose
	f.requests++
}

func (f *fakeSource) StopGettingFrames() {
	f.onData = nil
	f.onClose = nil
	f.stops++
}

func (f *fakeSource) deliver(data []byte) {
	onData := f.onData
	if onData == nil {
		return
	}
	f.onData = nil
	n := copy(f.buf, data)
	onData(n, len(data)-n, time.Now())
}

func (f *fakeSource) close() {
	if onClose := f.onClose; onClose != nil {
		f.onClose = nil
		onClose()
	}
}

// fakeOutput приемник PCM в памяти
type fakeOutput struct {
	mutex     sync.Mutex
	samples   []int16
	writes    int
	fail      bool
	suspended bool
	reopens   int
	opened    bool
	closed    bool
}

func (o *fakeOutput) Open() error {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.opened = true
	return nil
}

func (o *fakeOutput) Write(samples []int16) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.fail {
		o.suspended = true
	}
	if o.suspended {
		return media.NewError(media.ErrorCodeOutputUnavailable, 0, "приостановлен")
	}
	o.samples = append(o.samples, samples...)
	o.writes++
	return nil
}

func (o *fakeOutput) Reopen() error {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.reopens++
	o.suspended = false
	return nil
}

func (o *fakeOutput) Suspended() bool {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.suspended
}

func (o *fakeOutput) Close() error {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.closed = true
	return nil
}

func (o *fakeOutput) sampleCount() int {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return len(o.samples)
}

func (o *fakeOutput) setFail(fail bool) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.fail = fail
}

func interleavedFrame(channel uint8, payload []byte) []byte {
	frame := make([]byte, 4+len(payload))
	frame[0] = '$'
	frame[1] = channel
	binary.BigEndian.PutUint16(frame[2:], uint16(len(payload)))
	copy(frame[4:], payload)
	return frame
}
