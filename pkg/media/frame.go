package media

import (
	"fmt"
	"time"
)

// Frame единица принятого аудио (BackchannelFrame) либо маркер остановки.
//
// Кадр создается приемником, принадлежит очереди до извлечения и потребляется
// воркером ровно один раз. Маркер остановки имеет пустой payload.
type Frame struct {
	SessionID uint32
	Format    Format
	Payload   []byte
	Timestamp time.Time // Presentation timestamp доставки
	Stop      bool
}

// NewDataFrame создает кадр с копией payload
func NewDataFrame(sessionID uint32, format Format, payload []byte, ts time.Time) *Frame {
	data := make([]byte, len(payload))
	copy(data, payload)
	return &Frame{
		SessionID: sessionID,
		Format:    format,
		Payload:   data,
		Timestamp: ts,
	}
}

// NewStopFrame создает маркер окончания сессии
func NewStopFrame(sessionID uint32, format Format) *Frame {
	return &Frame{
		SessionID: sessionID,
		Format:    format,
		Timestamp: time.Now(),
		Stop:      true,
	}
}

func (f *Frame) String() string {
	if f.Stop {
		return fmt.Sprintf("stop(session=%d, %s)", f.SessionID, f.Format)
	}
	return fmt.Sprintf("frame(session=%d, %s, %d байт)", f.SessionID, f.Format, len(f.Payload))
}
