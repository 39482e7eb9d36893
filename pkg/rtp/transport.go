package rtp

import (
	"time"

	"github.com/arzzra/rtsp_backchannel/pkg/eventloop"
)

// DataFunc вызывается при доставке кадра. size - число байт, записанных в
// буфер запроса, truncated - число отброшенных байт, не поместившихся в буфер.
type DataFunc func(size, truncated int, ts time.Time)

// FrameSource источник кадров backchannel канала.
//
// Одновременно может быть не более одного запроса. Обработчики вызываются
// в цикле событий, после доставки следующий кадр нужно запросить заново.
type FrameSource interface {
	// GetNextFrame запрашивает следующий кадр в buf
	GetNextFrame(buf []byte, onData DataFunc, onClose func())

	// StopGettingFrames отменяет текущий запрос, идемпотентен
	StopGettingFrames()
}

// DefaultMaxPending число кадров, ожидающих запроса, сверх которого старые
// кадры отбрасываются
const DefaultMaxPending = 64

type pendingFrame struct {
	payload []byte
	ts      time.Time
}

// frameDelivery общая логика доставки для источников кадров. Все методы
// вызываются только в цикле событий.
type frameDelivery struct {
	loop *eventloop.Loop

	buf     []byte
	onData  DataFunc
	onClose func()

	pending    []pendingFrame
	maxPending int
	dropped    uint64
	closed     bool
	scheduled  bool
}

func newFrameDelivery(loop *eventloop.Loop) *frameDelivery {
	return &frameDelivery{loop: loop, maxPending: DefaultMaxPending}
}

func (d *frameDelivery) request(buf []byte, onData DataFunc, onClose func()) {
	d.buf = buf
	d.onData = onData
	d.onClose = onClose

	if len(d.pending) > 0 || d.closed {
		d.schedule()
	}
}

func (d *frameDelivery) stop() {
	d.buf = nil
	d.onData = nil
	d.onClose = nil
}

// push принимает кадр от транспорта
func (d *frameDelivery) push(payload []byte, ts time.Time) {
	if d.closed {
		return
	}
	if len(d.pending) >= d.maxPending {
		d.pending = d.pending[1:]
		d.dropped++
	}
	d.pending = append(d.pending, pendingFrame{payload: payload, ts: ts})
	if d.onData != nil {
		d.schedule()
	}
}

// close сообщает о закрытии транспорта
func (d *frameDelivery) close() {
	if d.closed {
		return
	}
	d.closed = true
	if d.onClose != nil {
		d.schedule()
	}
}

// schedule откладывает доставку отдельной задачей, чтобы обработчик мог
// запросить следующий кадр без рекурсии
func (d *frameDelivery) schedule() {
	if d.scheduled {
		return
	}
	d.scheduled = true
	d.loop.Post(d.flush)
}

func (d *frameDelivery) flush() {
	d.scheduled = false

	if d.onData != nil && len(d.pending) > 0 {
		frame := d.pending[0]
		d.pending[0] = pendingFrame{}
		d.pending = d.pending[1:]

		size := copy(d.buf, frame.payload)
		truncated := len(frame.payload) - size
		onData := d.onData
		d.stop()
		onData(size, truncated, frame.ts)
		return
	}

	if d.closed && d.onClose != nil && len(d.pending) == 0 {
		onClose := d.onClose
		d.stop()
		onClose()
	}
}
