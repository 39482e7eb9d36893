package rtp

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/rtsp_backchannel/pkg/eventloop"
)

// interleavedMagic первый байт interleaved кадра RTSP (RFC 2326, 10.12)
const interleavedMagic = '$'

// MaxInterleavedPayload максимальный размер payload interleaved кадра
const MaxInterleavedPayload = 0xFFFF

// DefaultWriteQueueSize число исходящих кадров, ожидающих записи в соединение
const DefaultWriteQueueSize = 64

// ErrWriteQueueFull очередь записи переполнена, кадр отброшен
var ErrWriteQueueFull = errors.New("очередь записи interleaved соединения переполнена")

type channelHandler struct {
	onData   func([]byte)
	onClose  func()
	reserved bool // канал занят сессией с момента SETUP
}

type alternateHandler struct {
	id uint64
	fn func([]byte)
}

// InterleavedConn демультиплексор RTSP соединения с interleaved RTP/RTCP.
//
// Соединением владеет RTSP движок: сессии резервируют и снимают каналы,
// но никогда не закрывают само соединение и не меняют его deadline.
// Байты вне '$' кадров (RTSP запросы клиента) передаются обработчику
// alternate bytes. Исходящие кадры пишет отдельная горутина, поэтому
// запись из цикла событий не блокируется медленным клиентом.
type InterleavedConn struct {
	conn net.Conn
	loop *eventloop.Loop
	log  *logrus.Entry

	mutex        sync.Mutex
	channels     map[uint8]*channelHandler
	alternates   []alternateHandler
	alternateSeq uint64
	closed       bool
	readDone     bool

	outbound  chan []byte
	done      chan struct{}
	doneOnce  sync.Once
	startOnce sync.Once
	dropped   atomic.Uint64
}

// NewInterleavedConn создает демультиплексор. Чтение начинается после Start,
// горутина записи запускается сразу.
func NewInterleavedConn(conn net.Conn, loop *eventloop.Loop, log *logrus.Entry) *InterleavedConn {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &InterleavedConn{
		conn:     conn,
		loop:     loop,
		log:      log.WithField("component", "interleaved").WithField("remote", conn.RemoteAddr().String()),
		channels: make(map[uint8]*channelHandler),
		outbound: make(chan []byte, DefaultWriteQueueSize),
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Start запускает горутину чтения
func (c *InterleavedConn) Start() {
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

// TLSState возвращает состояние TLS, если RTSP работает поверх TLS
func (c *InterleavedConn) TLSState() *tls.ConnectionState {
	tlsConn, ok := c.conn.(*tls.Conn)
	if !ok {
		return nil
	}
	state := tlsConn.ConnectionState()
	return &state
}

// RemoteAddr возвращает адрес клиента
func (c *InterleavedConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ReserveChannels занимает каналы за сессией. Либо резервируются все
// каналы, либо ни один.
func (c *InterleavedConn) ReserveChannels(channels ...uint8) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed || c.readDone {
		return fmt.Errorf("соединение закрыто")
	}
	seen := make(map[uint8]bool, len(channels))
	for _, ch := range channels {
		if _, exists := c.channels[ch]; exists || seen[ch] {
			return fmt.Errorf("канал %d уже используется", ch)
		}
		seen[ch] = true
	}
	for _, ch := range channels {
		c.channels[ch] = &channelHandler{reserved: true}
	}
	return nil
}

// ReleaseChannels освобождает каналы вместе с обработчиками, идемпотентен
func (c *InterleavedConn) ReleaseChannels(channels ...uint8) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, ch := range channels {
		delete(c.channels, ch)
	}
}

// RegisterChannel регистрирует обработчики канала. Зарезервированный канал
// получает обработчики, канал с обработчиками повторно не регистрируется.
func (c *InterleavedConn) RegisterChannel(channel uint8, onData func([]byte), onClose func()) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed || c.readDone {
		return fmt.Errorf("канал %d: соединение закрыто", channel)
	}
	if h, exists := c.channels[channel]; exists {
		if !h.reserved || h.onData != nil || h.onClose != nil {
			return fmt.Errorf("канал %d уже используется", channel)
		}
		h.onData, h.onClose = onData, onClose
		return nil
	}
	c.channels[channel] = &channelHandler{onData: onData, onClose: onClose}
	return nil
}

// UnregisterChannel снимает обработчики канала, идемпотентен.
// Резерв канала сохраняется до ReleaseChannels.
func (c *InterleavedConn) UnregisterChannel(channel uint8) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	h, exists := c.channels[channel]
	if !exists {
		return
	}
	if h.reserved {
		h.onData, h.onClose = nil, nil
		return
	}
	delete(c.channels, channel)
}

// ChannelInUse проверяет, занят ли канал
func (c *InterleavedConn) ChannelInUse(channel uint8) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_, exists := c.channels[channel]
	return exists
}

// SetAlternateByteHandler устанавливает обработчик байтов вне interleaved кадров.
// Возвращенная функция снимает обработчик, после чего снова действует
// установленный ранее.
func (c *InterleavedConn) SetAlternateByteHandler(fn func([]byte)) (remove func()) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.alternateSeq++
	id := c.alternateSeq
	c.alternates = append(c.alternates, alternateHandler{id: id, fn: fn})

	return func() {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		for i, h := range c.alternates {
			if h.id == id {
				c.alternates = append(c.alternates[:i], c.alternates[i+1:]...)
				return
			}
		}
	}
}

func (c *InterleavedConn) currentAlternate() func([]byte) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(c.alternates) == 0 {
		return nil
	}
	return c.alternates[len(c.alternates)-1].fn
}

// WriteInterleaved ставит payload канала в очередь записи и не блокируется.
// При переполненной очереди кадр отбрасывается с ErrWriteQueueFull.
func (c *InterleavedConn) WriteInterleaved(channel uint8, payload []byte) error {
	if len(payload) > MaxInterleavedPayload {
		return fmt.Errorf("payload %d байт не помещается в interleaved кадр", len(payload))
	}

	frame := base.InterleavedFrame{Channel: int(channel), Payload: payload}
	data, err := frame.Marshal()
	if err != nil {
		return fmt.Errorf("кадр канала %d: %w", channel, err)
	}

	select {
	case <-c.done:
		return fmt.Errorf("запись в канал %d: %w", channel, net.ErrClosed)
	default:
	}

	select {
	case c.outbound <- data:
		return nil
	default:
		c.dropped.Add(1)
		return fmt.Errorf("канал %d: %w", channel, ErrWriteQueueFull)
	}
}

// WritesDropped возвращает число кадров, отброшенных при переполненной очереди
func (c *InterleavedConn) WritesDropped() uint64 {
	return c.dropped.Load()
}

// ChannelWriter возвращает RTCPWriter, пишущий в указанный канал
func (c *InterleavedConn) ChannelWriter(channel uint8) RTCPWriter {
	return RTCPWriterFunc(func(data []byte) error {
		return c.WriteInterleaved(channel, data)
	})
}

// Close закрывает соединение. Вызывается владельцем соединения, не сессией.
func (c *InterleavedConn) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	c.mutex.Unlock()

	c.stopWriting()
	return c.conn.Close()
}

func (c *InterleavedConn) stopWriting() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *InterleavedConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.outbound:
			if _, err := c.conn.Write(data); err != nil {
				if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
					c.log.WithError(err).Warn("запись в RTSP соединение прервана")
				}
				c.stopWriting()
				return
			}
		}
	}
}

func (c *InterleavedConn) readLoop() {
	reader := bufio.NewReaderSize(c.conn, 4+MaxInterleavedPayload)

	for {
		first, err := reader.Peek(1)
		if err != nil {
			c.finish(err)
			return
		}

		if first[0] != interleavedMagic {
			c.dispatchAlternate(reader)
			continue
		}

		var frame base.InterleavedFrame
		if err := frame.Unmarshal(reader); err != nil {
			c.finish(err)
			return
		}
		channel := uint8(frame.Channel)
		payload := frame.Payload

		c.loop.Post(func() {
			c.mutex.Lock()
			var onData func([]byte)
			if h, ok := c.channels[channel]; ok {
				onData = h.onData
			}
			c.mutex.Unlock()
			if onData != nil {
				onData(payload)
			}
		})
	}
}

// dispatchAlternate передает прочитанные байты до следующего '$'
func (c *InterleavedConn) dispatchAlternate(reader *bufio.Reader) {
	peek, _ := reader.Peek(reader.Buffered())
	idx := bytes.IndexByte(peek, interleavedMagic)
	if idx < 0 {
		idx = len(peek)
	}
	data := append([]byte(nil), peek[:idx]...)
	_, _ = reader.Discard(idx)

	c.loop.Post(func() {
		if alternate := c.currentAlternate(); alternate != nil {
			alternate(data)
		}
	})
}

// finish уведомляет зарегистрированные каналы о закрытии соединения
func (c *InterleavedConn) finish(err error) {
	if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		c.log.WithError(err).Warn("чтение RTSP соединения прервано")
	}

	c.mutex.Lock()
	c.readDone = true
	c.mutex.Unlock()
	c.stopWriting()

	c.loop.Post(func() {
		c.mutex.Lock()
		handlers := make([]func(), 0, len(c.channels))
		for _, h := range c.channels {
			if h.onClose != nil {
				handlers = append(handlers, h.onClose)
			}
		}
		c.mutex.Unlock()

		for _, onClose := range handlers {
			onClose()
		}
	})
}

// ChannelSource источник кадров поверх RTP канала interleaved соединения
type ChannelSource struct {
	conn     *InterleavedConn
	channel  uint8
	log      *logrus.Entry
	delivery *frameDelivery
	onPacket func(*rtp.Packet)
	attached bool
}

// NewChannelSource создает источник для канала
func NewChannelSource(conn *InterleavedConn, channel uint8, loop *eventloop.Loop, log *logrus.Entry) *ChannelSource {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ChannelSource{
		conn:     conn,
		channel:  channel,
		log:      log.WithField("component", "channel_source").WithField("channel", channel),
		delivery: newFrameDelivery(loop),
	}
}

// SetPacketObserver устанавливает наблюдателя принятых RTP пакетов
func (s *ChannelSource) SetPacketObserver(fn func(*rtp.Packet)) {
	s.onPacket = fn
}

// Attach регистрирует RTP канал на соединении
func (s *ChannelSource) Attach() error {
	if s.attached {
		return nil
	}
	if err := s.conn.RegisterChannel(s.channel, s.handle, s.delivery.close); err != nil {
		return err
	}
	s.attached = true
	return nil
}

// Detach снимает регистрацию канала, идемпотентен
func (s *ChannelSource) Detach() {
	if !s.attached {
		return
	}
	s.attached = false
	s.conn.UnregisterChannel(s.channel)
}

// GetNextFrame реализует FrameSource
func (s *ChannelSource) GetNextFrame(buf []byte, onData DataFunc, onClose func()) {
	s.delivery.request(buf, onData, onClose)
}

// StopGettingFrames реализует FrameSource
func (s *ChannelSource) StopGettingFrames() {
	s.delivery.stop()
}

// handle вызывается в цикле событий для каждого кадра канала
func (s *ChannelSource) handle(data []byte) {
	ts := time.Now()

	// TCP не ограничен MTU, проверяется только минимальный размер
	if len(data) < MinRTPPacketSize {
		s.log.WithField("size", len(data)).Debug("отброшен кадр")
		return
	}
	packet := &rtp.Packet{}
	if err := packet.Unmarshal(data); err != nil {
		s.log.WithError(err).Debug("ошибка демаршалинга RTP пакета")
		return
	}
	if err := validateRTPHeader(&packet.Header); err != nil {
		s.log.WithError(err).Debug("невалидный RTP заголовок")
		return
	}

	if s.onPacket != nil {
		s.onPacket(packet)
	}
	// data принадлежит этому кадру, копия payload не нужна
	s.delivery.push(packet.Payload, ts)
}
