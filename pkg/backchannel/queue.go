package backchannel

import (
	"context"
	"sync"

	"github.com/arzzra/rtsp_backchannel/pkg/media"
)

// FrameQueue очередь кадров между приемниками в цикле событий и воркером.
// Enqueue не блокируется, порядок кадров сохраняется.
type FrameQueue struct {
	mutex  sync.Mutex
	frames []*media.Frame
	notify chan struct{}
	depth  func(int)
}

// NewFrameQueue создает пустую очередь
func NewFrameQueue() *FrameQueue {
	return &FrameQueue{notify: make(chan struct{}, 1)}
}

// Enqueue добавляет кадр в конец очереди
func (q *FrameQueue) Enqueue(frame *media.Frame) {
	q.mutex.Lock()
	q.frames = append(q.frames, frame)
	n := len(q.frames)
	depth := q.depth
	q.mutex.Unlock()

	if depth != nil {
		depth(n)
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue извлекает первый кадр, ожидая его появления или отмены ctx
func (q *FrameQueue) Dequeue(ctx context.Context) (*media.Frame, error) {
	for {
		q.mutex.Lock()
		if len(q.frames) > 0 {
			frame := q.frames[0]
			q.frames[0] = nil
			q.frames = q.frames[1:]
			n := len(q.frames)
			depth := q.depth
			q.mutex.Unlock()

			if depth != nil {
				depth(n)
			}
			return frame, nil
		}
		q.mutex.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len возвращает число кадров в очереди
func (q *FrameQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.frames)
}

// observeDepth устанавливает наблюдателя длины очереди
func (q *FrameQueue) observeDepth(fn func(int)) {
	q.mutex.Lock()
	q.depth = fn
	q.mutex.Unlock()
}
