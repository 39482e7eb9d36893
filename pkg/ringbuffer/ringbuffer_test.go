package ringbuffer

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidCapacity(t *testing.T) {
	_, err := New(0)
	require.Error(t, err)

	_, err = New(-5)
	require.Error(t, err)
}

func TestPushFetchRoundTrip(t *testing.T) {
	rb, err := New(16)
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"пустые данные", []byte{}},
		{"один байт", []byte{0x42}},
		{"половина емкости", bytes.Repeat([]byte{0xAB}, 8)},
		{"вся емкость", []byte("0123456789abcdef")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, rb.Push(tt.data))
			out := make([]byte, len(tt.data))
			require.NoError(t, rb.Fetch(out))
			assert.Equal(t, tt.data, out)
			assert.True(t, rb.IsEmpty())
		})
	}
}

func TestPushOverflowIsRejected(t *testing.T) {
	rb, err := New(8)
	require.NoError(t, err)

	require.NoError(t, rb.Push([]byte("12345")))
	err = rb.Push([]byte("6789"))
	require.ErrorIs(t, err, ErrOverflow)

	// Отклоненная запись не изменяет содержимое
	assert.Equal(t, 5, rb.Size())
	out := make([]byte, 5)
	require.NoError(t, rb.Fetch(out))
	assert.Equal(t, []byte("12345"), out)
}

func TestFetchUnderflowIsRejected(t *testing.T) {
	rb, err := New(8)
	require.NoError(t, err)

	require.NoError(t, rb.Push([]byte("abc")))
	err = rb.Fetch(make([]byte, 4))
	require.ErrorIs(t, err, ErrUnderflow)
	assert.Equal(t, 3, rb.Size())
}

func TestWrapAcrossBoundary(t *testing.T) {
	rb, err := New(8)
	require.NoError(t, err)

	require.NoError(t, rb.Push([]byte("abcdef")))
	out := make([]byte, 4)
	require.NoError(t, rb.Fetch(out))
	assert.Equal(t, []byte("abcd"), out)

	// tail=6, head=4: запись 6 байт переносится через границу
	require.NoError(t, rb.Push([]byte("ghijkl")))
	assert.Equal(t, 8, rb.Size())
	assert.Equal(t, 0, rb.Free())

	out = make([]byte, 8)
	require.NoError(t, rb.Fetch(out))
	assert.Equal(t, []byte("efghijkl"), out)
}

func TestPeekAndDiscard(t *testing.T) {
	rb, err := New(4)
	require.NoError(t, err)

	require.NoError(t, rb.Push([]byte{1, 2, 3}))
	peek := make([]byte, 2)
	require.NoError(t, rb.Peek(peek))
	assert.Equal(t, []byte{1, 2}, peek)
	assert.Equal(t, 3, rb.Size())

	require.NoError(t, rb.Discard(1))
	require.ErrorIs(t, rb.Discard(3), ErrUnderflow)

	out := make([]byte, 2)
	require.NoError(t, rb.Fetch(out))
	assert.Equal(t, []byte{2, 3}, out)
}

// TestFIFOAgainstReference сверяет буфер с эталонной очередью на случайной
// последовательности операций в пределах емкости
func TestFIFOAgainstReference(t *testing.T) {
	const capacity = 37
	rb, err := New(capacity)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	var reference []byte
	var next byte

	for i := 0; i < 5000; i++ {
		if rng.Intn(2) == 0 {
			n := rng.Intn(capacity + 1)
			chunk := make([]byte, n)
			for j := range chunk {
				chunk[j] = next
				next++
			}
			err := rb.Push(chunk)
			if n > capacity-len(reference) {
				require.ErrorIs(t, err, ErrOverflow)
				next -= byte(n)
				continue
			}
			require.NoError(t, err)
			reference = append(reference, chunk...)
		} else {
			n := rng.Intn(capacity + 1)
			out := make([]byte, n)
			err := rb.Fetch(out)
			if n > len(reference) {
				require.ErrorIs(t, err, ErrUnderflow)
				continue
			}
			require.NoError(t, err)
			require.Equal(t, reference[:n], out)
			reference = reference[n:]
		}
		require.Equal(t, len(reference), rb.Size())
		require.LessOrEqual(t, rb.Size(), rb.Cap())
	}
}

func TestReset(t *testing.T) {
	rb, err := New(4)
	require.NoError(t, err)
	require.NoError(t, rb.Push([]byte{9, 9, 9}))
	rb.Reset()
	assert.True(t, rb.IsEmpty())
	assert.Equal(t, 4, rb.Free())
}
