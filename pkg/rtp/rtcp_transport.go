package rtp

// RTCPWriter отправляет сериализованные RTCP пакеты клиенту
type RTCPWriter interface {
	WriteRTCP(data []byte) error
}

// RTCPWriterFunc адаптер функции к RTCPWriter
type RTCPWriterFunc func(data []byte) error

// WriteRTCP реализует RTCPWriter
func (f RTCPWriterFunc) WriteRTCP(data []byte) error {
	return f(data)
}

// IsRTCPPacket определяет RTCP пакет при мультиплексировании RTP/RTCP на
// одном порту. По RFC 5761 диапазон типов 192-223 не пересекается с
// payload type RTP (с учетом marker бита).
func IsRTCPPacket(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	version := (data[0] >> 6) & 0x03
	packetType := data[1]
	return version == 2 && packetType >= 192 && packetType <= 223
}
