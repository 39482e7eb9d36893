package backchannel

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/arzzra/rtsp_backchannel/pkg/media"
	"github.com/arzzra/rtsp_backchannel/pkg/rtp"
)

// Protocol транспорт, запрошенный клиентом в SETUP
type Protocol int

const (
	ProtocolUDP Protocol = iota
	ProtocolTCP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolUDP:
		return "udp"
	case ProtocolTCP:
		return "tcp"
	default:
		return fmt.Sprintf("Protocol(%d)", int(p))
	}
}

// Transport транспорт сессии. Вариант фиксируется при SETUP:
// *UDPTransport или *TCPTransport.
type Transport interface {
	transport()
}

// UDPTransport пара серверных UDP портов и адрес клиента
type UDPTransport struct {
	ClientIP       net.IP
	ClientRTPPort  int
	ClientRTCPPort int
	Ports          *rtp.PortPair
}

// TCPTransport каналы interleaved RTSP соединения.
// Соединение принадлежит RTSP серверу и сессией не закрывается.
type TCPTransport struct {
	Conn        *rtp.InterleavedConn
	RTPChannel  uint8
	RTCPChannel uint8
	TLS         *tls.ConnectionState
}

func (*UDPTransport) transport() {}
func (*TCPTransport) transport() {}

// TransportName возвращает имя варианта транспорта
func TransportName(t Transport) string {
	switch t.(type) {
	case *UDPTransport:
		return ProtocolUDP.String()
	case *TCPTransport:
		return ProtocolTCP.String()
	default:
		panic(fmt.Sprintf("неизвестный транспорт %T", t))
	}
}

// SetupRequest параметры транспорта из запроса SETUP
type SetupRequest struct {
	Protocol Protocol

	// UDP
	ClientIP       net.IP
	ClientRTPPort  int
	ClientRTCPPort int

	// TCP
	Interleaved      *rtp.InterleavedConn
	RTPChannel       uint8
	RTCPChannel      uint8
	OnAlternateBytes func([]byte)
}

// Validate проверяет запрос на соответствие выбранному транспорту
func (r SetupRequest) Validate() error {
	switch r.Protocol {
	case ProtocolUDP:
		if r.ClientIP == nil {
			return fmt.Errorf("не указан адрес клиента")
		}
		if r.ClientRTPPort <= 0 || r.ClientRTPPort > 65535 {
			return fmt.Errorf("неверный RTP порт клиента: %d", r.ClientRTPPort)
		}
		if r.ClientRTCPPort < 0 || r.ClientRTCPPort > 65535 {
			return fmt.Errorf("неверный RTCP порт клиента: %d", r.ClientRTCPPort)
		}
	case ProtocolTCP:
		if r.Interleaved == nil {
			return fmt.Errorf("нет interleaved соединения")
		}
		if r.RTPChannel == r.RTCPChannel {
			return fmt.Errorf("RTP и RTCP используют один канал %d", r.RTPChannel)
		}
		for _, ch := range []uint8{r.RTPChannel, r.RTCPChannel} {
			if r.Interleaved.ChannelInUse(ch) {
				return fmt.Errorf("канал %d уже используется", ch)
			}
		}
	default:
		return fmt.Errorf("неизвестный транспорт %s", r.Protocol)
	}
	return nil
}

// SetupResult ответ на SETUP
type SetupResult struct {
	SessionID uint32
	Protocol  Protocol

	// UDP
	ServerRTPPort  int
	ServerRTCPPort int
	RTCPMux        bool

	// TCP
	RTPChannel  uint8
	RTCPChannel uint8
}

// bindTransport создает транспорт сессии по запросу
func bindTransport(sessionID uint32, req SetupRequest, allocator *rtp.PortAllocator) (Transport, SetupResult, error) {
	if err := req.Validate(); err != nil {
		return nil, SetupResult{}, media.WrapError(media.ErrorCodeInvalidTransportRequest, sessionID,
			"неверный запрос транспорта", err)
	}

	result := SetupResult{SessionID: sessionID, Protocol: req.Protocol}

	if req.Protocol == ProtocolTCP {
		// каналы занимаются на SETUP, чтобы две живые сессии не разделили их
		if err := req.Interleaved.ReserveChannels(req.RTPChannel, req.RTCPChannel); err != nil {
			return nil, SetupResult{}, media.WrapError(media.ErrorCodeInvalidTransportRequest, sessionID,
				"каналы interleaved соединения", err)
		}
		result.RTPChannel = req.RTPChannel
		result.RTCPChannel = req.RTCPChannel
		return &TCPTransport{
			Conn:        req.Interleaved,
			RTPChannel:  req.RTPChannel,
			RTCPChannel: req.RTCPChannel,
			TLS:         req.Interleaved.TLSState(),
		}, result, nil
	}

	if allocator == nil {
		return nil, SetupResult{}, media.NewError(media.ErrorCodeInvalidTransportRequest, sessionID,
			"UDP транспорт не настроен")
	}
	pair, err := allocator.Allocate(sessionID)
	if err != nil {
		return nil, SetupResult{}, err
	}

	result.ServerRTPPort = pair.RTPPort()
	result.ServerRTCPPort = pair.RTCPPort()
	result.RTCPMux = pair.Muxed()
	return &UDPTransport{
		ClientIP:       req.ClientIP,
		ClientRTPPort:  req.ClientRTPPort,
		ClientRTCPPort: req.ClientRTCPPort,
		Ports:          pair,
	}, result, nil
}
