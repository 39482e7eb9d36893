package rtp

import (
	"fmt"
	"net"
	"sync"

	"github.com/arzzra/rtsp_backchannel/pkg/media"
)

// Binder открывает UDP сокет на порту. Подменяется в тестах.
type Binder func(ip net.IP, port int) (*net.UDPConn, error)

// ListenUDP Binder по умолчанию
func ListenUDP(ip net.IP, port int) (*net.UDPConn, error) {
	return net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
}

// PortAllocatorConfig конфигурация выделения серверных портов
type PortAllocatorConfig struct {
	BindIP    net.IP        // Адрес привязки, nil = все интерфейсы
	StartPort int           // Первый проверяемый порт
	RTCPMux   bool          // RTCP мультиплексирован на RTP порт (RFC 5761)
	Socket    SocketOptions // Настройки сокетов
	Binder    Binder        // nil = ListenUDP
}

// DefaultPortAllocatorConfig возвращает конфигурацию по умолчанию
func DefaultPortAllocatorConfig() PortAllocatorConfig {
	return PortAllocatorConfig{
		StartPort: 6970,
		Socket:    DefaultSocketOptions(),
	}
}

// Validate проверяет конфигурацию
func (c PortAllocatorConfig) Validate() error {
	if c.StartPort <= 0 || c.StartPort > 65535 {
		return fmt.Errorf("неверный стартовый порт: %d", c.StartPort)
	}
	return c.Socket.Validate()
}

// PortAllocator подбирает пару серверных портов RTP/RTCP.
//
// Поиск начинается со стартового порта. Если привязать пару не удалось,
// следующая попытка идет с шагом 2, либо 1 при мультиплексировании RTCP.
// Когда счетчик выходит за 65535, выделение завершается ErrPortExhaustion.
// Уникальность портов среди живых сессий обеспечивается тем, что сокеты
// остаются привязанными все время жизни сессии.
type PortAllocator struct {
	config PortAllocatorConfig
	bind   Binder
	mutex  sync.Mutex
}

// NewPortAllocator создает аллокатор портов
func NewPortAllocator(config PortAllocatorConfig) (*PortAllocator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация портов: %w", err)
	}
	bind := config.Binder
	if bind == nil {
		bind = ListenUDP
	}
	return &PortAllocator{config: config, bind: bind}, nil
}

// Muxed сообщает, мультиплексируется ли RTCP
func (pa *PortAllocator) Muxed() bool {
	return pa.config.RTCPMux
}

// Allocate привязывает новую пару портов
func (pa *PortAllocator) Allocate(sessionID uint32) (*PortPair, error) {
	pa.mutex.Lock()
	defer pa.mutex.Unlock()

	step := 2
	if pa.config.RTCPMux {
		step = 1
	}

	for port := pa.config.StartPort; port <= 65535; port += step {
		rtpConn, err := pa.bind(pa.config.BindIP, port)
		if err != nil {
			continue
		}

		if pa.config.RTCPMux {
			return newPortPair(rtpConn, nil, pa.config.Socket), nil
		}

		if port+1 > 65535 {
			rtpConn.Close()
			break
		}
		rtcpConn, err := pa.bind(pa.config.BindIP, port+1)
		if err != nil {
			rtpConn.Close()
			continue
		}
		return newPortPair(rtpConn, rtcpConn, pa.config.Socket), nil
	}

	return nil, media.NewError(media.ErrorCodePortExhaustion, sessionID,
		fmt.Sprintf("нет свободной пары портов начиная с %d", pa.config.StartPort))
}
