// Package ringbuffer реализует кольцевой буфер байт фиксированной емкости.
//
// Буфер используется как промежуточное хранилище между моментом получения
// payload и его потреблением, когда границы доставки не совпадают с
// границами кадров кодека (например, неполные отсчеты L16 или блоки PCM
// фиксированного размера на выходе).
//
// Буфер не растет: запись сверх свободного места отклоняется с ErrOverflow,
// чтение сверх накопленного отклоняется с ErrUnderflow. Данные при этом не
// усекаются молча.
//
// RingBuffer не потокобезопасен. Каждый экземпляр принадлежит одному
// владельцу (воркеру или декодеру).
package ringbuffer

import (
	"errors"
	"fmt"
)

var (
	// ErrOverflow возвращается при попытке записать больше, чем есть свободного места
	ErrOverflow = errors.New("ringbuffer: переполнение")

	// ErrUnderflow возвращается при попытке прочитать больше, чем накоплено
	ErrUnderflow = errors.New("ringbuffer: недостаточно данных")
)

// RingBuffer кольцевой буфер байт
type RingBuffer struct {
	data []byte
	head int // позиция чтения
	tail int // позиция записи
	size int // количество накопленных байт
}

// New создает буфер заданной емкости
func New(capacity int) (*RingBuffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ringbuffer: емкость должна быть положительной: %d", capacity)
	}
	return &RingBuffer{data: make([]byte, capacity)}, nil
}

// Push копирует data в буфер целиком либо не копирует ничего
func (rb *RingBuffer) Push(data []byte) error {
	n := len(data)
	if n > rb.Free() {
		return fmt.Errorf("%w: запись %d байт, свободно %d", ErrOverflow, n, rb.Free())
	}
	if n == 0 {
		return nil
	}

	// Первая часть до конца массива, остаток с начала
	first := copy(rb.data[rb.tail:], data)
	if first < n {
		copy(rb.data, data[first:])
	}

	rb.tail = (rb.tail + n) % len(rb.data)
	rb.size += n
	return nil
}

// Fetch извлекает ровно len(out) байт в порядке записи
func (rb *RingBuffer) Fetch(out []byte) error {
	if err := rb.Peek(out); err != nil {
		return err
	}
	rb.advance(len(out))
	return nil
}

// Peek копирует len(out) байт без извлечения
func (rb *RingBuffer) Peek(out []byte) error {
	n := len(out)
	if n > rb.size {
		return fmt.Errorf("%w: чтение %d байт, доступно %d", ErrUnderflow, n, rb.size)
	}
	if n == 0 {
		return nil
	}

	first := copy(out, rb.data[rb.head:min(rb.head+n, len(rb.data))])
	if first < n {
		copy(out[first:], rb.data[:n-first])
	}
	return nil
}

// Discard отбрасывает n байт с начала буфера
func (rb *RingBuffer) Discard(n int) error {
	if n < 0 || n > rb.size {
		return fmt.Errorf("%w: отбросить %d байт, доступно %d", ErrUnderflow, n, rb.size)
	}
	rb.advance(n)
	return nil
}

func (rb *RingBuffer) advance(n int) {
	rb.head = (rb.head + n) % len(rb.data)
	rb.size -= n
	if rb.size == 0 {
		// Пустой буфер: выравниваем курсоры, чтобы следующие записи не переносились
		rb.head, rb.tail = 0, 0
	}
}

// Reset очищает буфер
func (rb *RingBuffer) Reset() {
	rb.head, rb.tail, rb.size = 0, 0, 0
}

// IsEmpty проверяет отсутствие данных
func (rb *RingBuffer) IsEmpty() bool { return rb.size == 0 }

// Size возвращает количество накопленных байт
func (rb *RingBuffer) Size() int { return rb.size }

// Free возвращает количество свободных байт
func (rb *RingBuffer) Free() int { return len(rb.data) - rb.size }

// Cap возвращает емкость буфера
func (rb *RingBuffer) Cap() int { return len(rb.data) }
