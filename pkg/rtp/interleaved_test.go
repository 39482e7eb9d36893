package rtp

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func interleavedFrame(channel uint8, payload []byte) []byte {
	frame := make([]byte, 4+len(payload))
	frame[0] = '$'
	frame[1] = channel
	binary.BigEndian.PutUint16(frame[2:], uint16(len(payload)))
	copy(frame[4:], payload)
	return frame
}

func TestInterleavedDemux(t *testing.T) {
	loop := runLoop(t)
	server, client := net.Pipe()
	defer client.Close()

	conn := NewInterleavedConn(server, loop, testLogger())
	defer conn.Close()

	rtpData := make(chan []byte, 4)
	rtcpData := make(chan []byte, 4)
	alternate := make(chan []byte, 4)
	require.NoError(t, conn.RegisterChannel(0, func(b []byte) { rtpData <- b }, nil))
	require.NoError(t, conn.RegisterChannel(1, func(b []byte) { rtcpData <- b }, nil))
	conn.SetAlternateByteHandler(func(b []byte) { alternate <- b })
	conn.Start()

	go func() {
		var stream []byte
		stream = append(stream, interleavedFrame(0, []byte{1, 2, 3})...)
		stream = append(stream, []byte("GET_PARAMETER rtsp://cam RTSP/1.0\r\n\r\n")...)
		stream = append(stream, interleavedFrame(1, []byte{9, 9})...)
		stream = append(stream, interleavedFrame(5, []byte{7})...)
		_, _ = client.Write(stream)
	}()

	select {
	case b := <-rtpData:
		assert.Equal(t, []byte{1, 2, 3}, b)
	case <-time.After(2 * time.Second):
		t.Fatal("RTP канал не доставлен")
	}

	var text []byte
	require.Eventually(t, func() bool {
		select {
		case b := <-alternate:
			text = append(text, b...)
		default:
		}
		return string(text) == "GET_PARAMETER rtsp://cam RTSP/1.0\r\n\r\n"
	}, 2*time.Second, time.Millisecond)

	select {
	case b := <-rtcpData:
		assert.Equal(t, []byte{9, 9}, b)
	case <-time.After(2 * time.Second):
		t.Fatal("RTCP канал не доставлен")
	}
}

func TestInterleavedChannelInUse(t *testing.T) {
	loop := runLoop(t)
	server, client := net.Pipe()
	defer client.Close()

	conn := NewInterleavedConn(server, loop, testLogger())
	defer conn.Close()

	require.NoError(t, conn.RegisterChannel(2, func([]byte) {}, nil))
	assert.Error(t, conn.RegisterChannel(2, func([]byte) {}, nil))
	assert.True(t, conn.ChannelInUse(2))

	conn.UnregisterChannel(2)
	conn.UnregisterChannel(2)
	assert.False(t, conn.ChannelInUse(2))
	assert.NoError(t, conn.RegisterChannel(2, func([]byte) {}, nil))
	assert.Nil(t, conn.TLSState())
}

func TestInterleavedWrite(t *testing.T) {
	loop := runLoop(t)
	server, client := net.Pipe()
	defer client.Close()

	conn := NewInterleavedConn(server, loop, testLogger())
	defer conn.Close()

	read := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 7)
		_, err := io.ReadFull(client, buf)
		if err == nil {
			read <- buf
		}
	}()

	require.NoError(t, conn.ChannelWriter(3).WriteRTCP([]byte{0xAA, 0xBB, 0xCC}))
	select {
	case frame := <-read:
		assert.Equal(t, interleavedFrame(3, []byte{0xAA, 0xBB, 0xCC}), frame)
	case <-time.After(2 * time.Second):
		t.Fatal("кадр не записан")
	}

	assert.Error(t, conn.WriteInterleaved(0, make([]byte, MaxInterleavedPayload+1)))
}

func TestChannelSource(t *testing.T) {
	loop := runLoop(t)
	server, client := net.Pipe()

	conn := NewInterleavedConn(server, loop, testLogger())
	defer conn.Close()

	source := NewChannelSource(conn, 0, loop, testLogger())
	require.NoError(t, source.Attach())
	require.NoError(t, source.Attach())
	assert.True(t, conn.ChannelInUse(0))
	conn.Start()

	first := interleavedFrame(0, marshalRTP(t, 1, []byte{5, 6, 7}))
	second := interleavedFrame(0, marshalRTP(t, 2, []byte{8}))
	writer := bufio.NewWriter(client)
	go func() {
		_, _ = writer.Write(first)
		// Слишком короткий кадр отбрасывается
		_, _ = writer.Write(interleavedFrame(0, []byte{1, 2}))
		_, _ = writer.Write(second)
		_ = writer.Flush()
	}()

	d, ok := requestFrame(t, loop, source, 64)
	require.True(t, ok)
	assert.Equal(t, []byte{5, 6, 7}, d.data)

	d, ok = requestFrame(t, loop, source, 64)
	require.True(t, ok)
	assert.Equal(t, []byte{8}, d.data)

	// Закрытие RTSP соединения клиентом завершает источник
	go func() {
		time.Sleep(20 * time.Millisecond)
		client.Close()
	}()
	_, ok = requestFrame(t, loop, source, 64)
	assert.False(t, ok)

	require.NoError(t, loop.Do(context.Background(), source.Detach))
	assert.False(t, conn.ChannelInUse(0))
}

// deadlineConn считает вызовы установки deadline на соединении
type deadlineConn struct {
	net.Conn
	deadlines atomic.Int32
}

func (c *deadlineConn) SetDeadline(t time.Time) error {
	c.deadlines.Add(1)
	return c.Conn.SetDeadline(t)
}

func (c *deadlineConn) SetWriteDeadline(t time.Time) error {
	c.deadlines.Add(1)
	return c.Conn.SetWriteDeadline(t)
}

func TestInterleavedWriteKeepsOwnerConnection(t *testing.T) {
	loop := runLoop(t)
	server, client := net.Pipe()
	defer client.Close()

	owned := &deadlineConn{Conn: server}
	conn := NewInterleavedConn(owned, loop, testLogger())
	defer conn.Close()

	rr := []byte{0x80, 201, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01}
	require.NoError(t, conn.ChannelWriter(1).WriteRTCP(rr))

	buf := make([]byte, 4+len(rr))
	_, err := io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, interleavedFrame(1, rr), buf)
	assert.Zero(t, owned.deadlines.Load(), "deadline соединения принадлежит RTSP движку")

	// Ответ движка после секундной паузы проходит по тому же соединению
	time.Sleep(1100 * time.Millisecond)
	response := []byte("RTSP/1.0 200 OK\r\nCSeq: 3\r\n\r\n")
	read := make(chan []byte, 1)
	go func() {
		got := make([]byte, len(response))
		if _, err := io.ReadFull(client, got); err == nil {
			read <- got
		}
	}()
	_, err = server.Write(response)
	require.NoError(t, err)

	select {
	case got := <-read:
		assert.Equal(t, response, got)
	case <-time.After(2 * time.Second):
		t.Fatal("ответ RTSP не доставлен")
	}
}

func TestInterleavedWriteDoesNotBlockLoop(t *testing.T) {
	loop := runLoop(t)
	server, client := net.Pipe()
	defer client.Close()

	// Клиент ничего не читает
	conn := NewInterleavedConn(server, loop, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var full int
	require.NoError(t, loop.Do(ctx, func() {
		for i := 0; i < DefaultWriteQueueSize+5; i++ {
			if err := conn.WriteInterleaved(1, []byte{0x80, 201, 0, 1}); err != nil {
				assert.ErrorIs(t, err, ErrWriteQueueFull)
				full++
			}
		}
	}))
	assert.Positive(t, full)
	assert.Equal(t, uint64(full), conn.WritesDropped())

	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.WriteInterleaved(1, []byte{1}), net.ErrClosed)
}

func TestInterleavedChannelReservation(t *testing.T) {
	loop := runLoop(t)
	server, client := net.Pipe()
	defer client.Close()

	conn := NewInterleavedConn(server, loop, testLogger())
	defer conn.Close()

	require.NoError(t, conn.ReserveChannels(0, 1))
	assert.True(t, conn.ChannelInUse(0))
	assert.True(t, conn.ChannelInUse(1))

	// Резерв выполняется целиком или не выполняется
	assert.Error(t, conn.ReserveChannels(1, 2))
	assert.False(t, conn.ChannelInUse(2))
	assert.Error(t, conn.ReserveChannels(3, 3))
	assert.False(t, conn.ChannelInUse(3))

	require.NoError(t, conn.RegisterChannel(0, func([]byte) {}, nil))
	assert.Error(t, conn.RegisterChannel(0, func([]byte) {}, nil))

	conn.UnregisterChannel(0)
	assert.True(t, conn.ChannelInUse(0), "снятие обработчиков не освобождает резерв")
	require.NoError(t, conn.RegisterChannel(0, func([]byte) {}, nil))

	conn.ReleaseChannels(0, 1)
	conn.ReleaseChannels(0, 1)
	assert.False(t, conn.ChannelInUse(0))
	assert.False(t, conn.ChannelInUse(1))
	assert.NoError(t, conn.ReserveChannels(0, 1))
}

func TestInterleavedAlternateHandlerRemove(t *testing.T) {
	loop := runLoop(t)
	server, client := net.Pipe()
	defer client.Close()

	conn := NewInterleavedConn(server, loop, testLogger())
	defer conn.Close()

	first := make(chan []byte, 8)
	second := make(chan []byte, 8)
	conn.SetAlternateByteHandler(func(b []byte) { first <- b })
	removeSecond := conn.SetAlternateByteHandler(func(b []byte) { second <- b })
	conn.Start()

	receive := func(ch chan []byte, want string) {
		t.Helper()
		var text []byte
		require.Eventually(t, func() bool {
			select {
			case b := <-ch:
				text = append(text, b...)
			default:
			}
			return string(text) == want
		}, 2*time.Second, time.Millisecond)
	}

	_, err := client.Write([]byte("OPTIONS 1"))
	require.NoError(t, err)
	receive(second, "OPTIONS 1")

	removeSecond()
	removeSecond()

	_, err = client.Write([]byte("OPTIONS 2"))
	require.NoError(t, err)
	receive(first, "OPTIONS 2")
	assert.Empty(t, second)
}
