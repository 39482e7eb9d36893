package rtp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/rtsp_backchannel/pkg/eventloop"
)

// PortPair пара серверных UDP сокетов RTP/RTCP одной сессии.
// При мультиплексировании RTCP оба направления используют один сокет.
type PortPair struct {
	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn
	muxed    bool
	opts     SocketOptions

	mutex    sync.RWMutex
	rtpDest  *net.UDPAddr
	rtcpDest *net.UDPAddr
	closed   bool
}

func newPortPair(rtpConn, rtcpConn *net.UDPConn, opts SocketOptions) *PortPair {
	pair := &PortPair{rtpConn: rtpConn, rtcpConn: rtcpConn, opts: opts}
	if rtcpConn == nil {
		pair.rtcpConn = rtpConn
		pair.muxed = true
	}
	return pair
}

// Tune применяет настройки сокетов. Ошибка не мешает работе канала.
func (p *PortPair) Tune() error {
	if err := applySocketOptions(p.rtpConn, p.opts); err != nil {
		return fmt.Errorf("RTP сокет: %w", err)
	}
	if !p.muxed {
		if err := applySocketOptions(p.rtcpConn, p.opts); err != nil {
			return fmt.Errorf("RTCP сокет: %w", err)
		}
	}
	return nil
}

// RTPPort возвращает серверный RTP порт
func (p *PortPair) RTPPort() int {
	return p.rtpConn.LocalAddr().(*net.UDPAddr).Port
}

// RTCPPort возвращает серверный RTCP порт (равен RTP при мультиплексировании)
func (p *PortPair) RTCPPort() int {
	return p.rtcpConn.LocalAddr().(*net.UDPAddr).Port
}

// Muxed сообщает, что RTCP мультиплексирован на RTP сокет
func (p *PortPair) Muxed() bool {
	return p.muxed
}

// AddDestination регистрирует клиента как получателя RTCP и как
// единственный допустимый источник входящих пакетов.
// rtcpPort == 0 означает порт по умолчанию: RTP+1, либо RTP при мультиплексировании.
func (p *PortPair) AddDestination(ip net.IP, rtpPort, rtcpPort int) error {
	if ip == nil || rtpPort <= 0 || rtpPort > 65535 {
		return fmt.Errorf("неверный адрес клиента %v:%d", ip, rtpPort)
	}
	if rtcpPort == 0 {
		rtcpPort = rtpPort + 1
		if p.muxed {
			rtcpPort = rtpPort
		}
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return fmt.Errorf("пара портов закрыта")
	}
	p.rtpDest = &net.UDPAddr{IP: ip, Port: rtpPort}
	p.rtcpDest = &net.UDPAddr{IP: ip, Port: rtcpPort}
	return nil
}

// Destination возвращает зарегистрированные адреса клиента
func (p *PortPair) Destination() (rtpAddr, rtcpAddr *net.UDPAddr) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.rtpDest, p.rtcpDest
}

// RTCPWriter возвращает отправителя RTCP пакетов клиенту
func (p *PortPair) RTCPWriter() RTCPWriter {
	return RTCPWriterFunc(func(data []byte) error {
		p.mutex.RLock()
		closed := p.closed
		dest := p.rtcpDest
		p.mutex.RUnlock()

		if closed {
			return net.ErrClosed
		}
		if dest == nil {
			return fmt.Errorf("удаленный адрес не установлен")
		}
		if _, err := p.rtcpConn.WriteToUDP(data, dest); err != nil {
			return fmt.Errorf("ошибка отправки RTCP: %w", err)
		}
		return nil
	})
}

// acceptFrom проверяет, что пакет пришел от зарегистрированного клиента
func (p *PortPair) acceptFrom(addr *net.UDPAddr) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.rtpDest == nil || p.rtpDest.IP.Equal(addr.IP)
}

// Close закрывает сокеты. Идемпотентен, мультиплексированный сокет
// закрывается ровно один раз.
func (p *PortPair) Close() error {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return nil
	}
	p.closed = true
	p.mutex.Unlock()

	rtpErr := p.rtpConn.Close()
	var rtcpErr error
	if !p.muxed {
		rtcpErr = p.rtcpConn.Close()
	}
	return errors.Join(rtpErr, rtcpErr)
}

// IsClosed проверяет, закрыта ли пара
func (p *PortPair) IsClosed() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.closed
}

// UDPSource источник кадров поверх пары UDP портов.
// Горутины чтения разбирают RTP и передают payload в цикл событий.
type UDPSource struct {
	pair *PortPair
	loop *eventloop.Loop
	log  *logrus.Entry

	delivery *frameDelivery
	onPacket func(*rtp.Packet)
	onRTCP   func([]byte)

	startOnce sync.Once
	received  atomic.Uint64
	invalid   atomic.Uint64
}

// NewUDPSource создает источник. Чтение начинается после Start.
func NewUDPSource(pair *PortPair, loop *eventloop.Loop, log *logrus.Entry) *UDPSource {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &UDPSource{
		pair:     pair,
		loop:     loop,
		log:      log.WithField("component", "udp_source"),
		delivery: newFrameDelivery(loop),
	}
}

// SetPacketObserver устанавливает наблюдателя принятых RTP пакетов (статистика RTCP).
// Вызывается в цикле событий до Start.
func (s *UDPSource) SetPacketObserver(fn func(*rtp.Packet)) {
	s.onPacket = fn
}

// SetRTCPHandler устанавливает обработчик входящих RTCP пакетов клиента
func (s *UDPSource) SetRTCPHandler(fn func([]byte)) {
	s.onRTCP = fn
}

// Start запускает горутины чтения
func (s *UDPSource) Start() {
	s.startOnce.Do(func() {
		go s.readLoop(s.pair.rtpConn, false)
		if !s.pair.muxed {
			go s.readLoop(s.pair.rtcpConn, true)
		}
	})
}

// GetNextFrame реализует FrameSource
func (s *UDPSource) GetNextFrame(buf []byte, onData DataFunc, onClose func()) {
	s.delivery.request(buf, onData, onClose)
}

// StopGettingFrames реализует FrameSource
func (s *UDPSource) StopGettingFrames() {
	s.delivery.stop()
}

// Received возвращает число принятых RTP пакетов
func (s *UDPSource) Received() uint64 {
	return s.received.Load()
}

// Invalid возвращает число отброшенных пакетов
func (s *UDPSource) Invalid() uint64 {
	return s.invalid.Load()
}

func (s *UDPSource) readLoop(conn *net.UDPConn, rtcpOnly bool) {
	buffer := make([]byte, MaxRTPPacketSize)

	for {
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			classified := classifyNetworkError("UDP read", err)
			if classified.Retryable() {
				continue
			}
			if classified.Type != ErrorTypeClosed {
				s.log.WithError(classified).Warn("чтение сокета прервано")
			}
			if !rtcpOnly {
				s.loop.Post(s.delivery.close)
			}
			return
		}
		ts := time.Now()

		if !s.pair.acceptFrom(addr) {
			s.invalid.Add(1)
			continue
		}

		if rtcpOnly || (s.pair.muxed && IsRTCPPacket(buffer[:n])) {
			data := make([]byte, n)
			copy(data, buffer[:n])
			s.loop.Post(func() {
				if s.onRTCP != nil {
					s.onRTCP(data)
				}
			})
			continue
		}

		packet, err := s.parse(buffer[:n])
		if err != nil {
			s.invalid.Add(1)
			s.log.WithError(err).Debug("отброшен пакет")
			continue
		}
		s.received.Add(1)

		s.loop.Post(func() {
			if s.onPacket != nil {
				s.onPacket(packet)
			}
			s.delivery.push(packet.Payload, ts)
		})
	}
}

// parse разбирает RTP пакет и копирует payload из буфера чтения
func (s *UDPSource) parse(data []byte) (*rtp.Packet, error) {
	if err := validatePacketSize(len(data)); err != nil {
		return nil, fmt.Errorf("невалидный размер пакета: %w", err)
	}

	packet := &rtp.Packet{}
	if err := packet.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("ошибка демаршалинга RTP пакета: %w", err)
	}
	if err := validateRTPHeader(&packet.Header); err != nil {
		return nil, fmt.Errorf("невалидный RTP заголовок: %w", err)
	}

	payload := make([]byte, len(packet.Payload))
	copy(payload, packet.Payload)
	packet.Payload = payload
	packet.Header.Extensions = nil
	packet.Header.CSRC = nil
	return packet, nil
}
