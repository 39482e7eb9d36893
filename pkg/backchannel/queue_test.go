package backchannel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtsp_backchannel/pkg/media"
)

var timeZero time.Time

func TestFrameQueueOrder(t *testing.T) {
	q := NewFrameQueue()
	for i := uint32(1); i <= 3; i++ {
		q.Enqueue(media.NewDataFrame(i, media.FormatPCMA, []byte{byte(i)}, timeZero))
	}
	q.Enqueue(media.NewStopFrame(1, media.FormatPCMA))
	assert.Equal(t, 4, q.Len())

	frames := drainQueue(q)
	require.Len(t, frames, 4)
	for i, frame := range frames[:3] {
		assert.Equal(t, uint32(i+1), frame.SessionID)
		assert.False(t, frame.Stop)
	}
	assert.True(t, frames[3].Stop)
	assert.Zero(t, q.Len())
}

func TestFrameQueueDequeueWaits(t *testing.T) {
	q := NewFrameQueue()

	got := make(chan *media.Frame, 1)
	go func() {
		frame, err := q.Dequeue(context.Background())
		if err == nil {
			got <- frame
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(media.NewStopFrame(7, media.FormatOpus))

	select {
	case frame := <-got:
		assert.Equal(t, uint32(7), frame.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue не дождался кадра")
	}
}

func TestFrameQueueDequeueCancel(t *testing.T) {
	q := NewFrameQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	frame, err := q.Dequeue(ctx)
	assert.Nil(t, frame)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFrameQueueConcurrentProducers(t *testing.T) {
	q := NewFrameQueue()
	const producers, perProducer = 4, 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(media.NewDataFrame(id, media.FormatPCMU, []byte{byte(i)}, timeZero))
			}
		}(uint32(p + 1))
	}
	wg.Wait()

	// Порядок внутри одной сессии сохраняется
	next := make(map[uint32]byte)
	frames := drainQueue(q)
	require.Len(t, frames, producers*perProducer)
	for _, frame := range frames {
		assert.Equal(t, next[frame.SessionID], frame.Payload[0])
		next[frame.SessionID]++
	}
}
