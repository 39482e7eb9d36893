package audio

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/rtsp_backchannel/pkg/media"
)

// CodecChannels управляет каналами кодека, по одному на формат
type CodecChannels interface {
	CreateChannel(id int, format media.Format) error
	DestroyChannel(id int) error
	Decoder(id int) (Decoder, bool)
}

// SoftwareCodecs программная реализация CodecChannels
type SoftwareCodecs struct {
	variableRate int
	log          *logrus.Entry

	mutex    sync.RWMutex
	channels map[int]Decoder
}

// NewSoftwareCodecs создает набор каналов. variableRate задает частоту L16.
func NewSoftwareCodecs(variableRate int, log *logrus.Entry) *SoftwareCodecs {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &SoftwareCodecs{
		variableRate: variableRate,
		log:          log.WithField("component", "codecs"),
		channels:     make(map[int]Decoder),
	}
}

// CreateChannel создает канал с декодером формата
func (c *SoftwareCodecs) CreateChannel(id int, format media.Format) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.channels[id]; exists {
		return fmt.Errorf("канал кодека %d уже существует", id)
	}

	decoder, err := NewDecoder(format, c.variableRate)
	if err != nil {
		return fmt.Errorf("канал кодека %d: %w", id, err)
	}
	c.channels[id] = decoder

	c.log.WithFields(logrus.Fields{
		"channel": id,
		"format":  format.String(),
	}).Debug("Канал кодека создан")
	return nil
}

// DestroyChannel удаляет канал
func (c *SoftwareCodecs) DestroyChannel(id int) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.channels[id]; !exists {
		return fmt.Errorf("канал кодека %d не найден", id)
	}
	delete(c.channels, id)
	c.log.WithField("channel", id).Debug("Канал кодека удален")
	return nil
}

// Decoder возвращает декодер канала
func (c *SoftwareCodecs) Decoder(id int) (Decoder, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	decoder, ok := c.channels[id]
	return decoder, ok
}

// Channels возвращает число открытых каналов
func (c *SoftwareCodecs) Channels() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.channels)
}
