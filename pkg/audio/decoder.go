// Package audio содержит программный аудио тракт backchannel воркера:
// декодеры форматов, преобразование частоты дискретизации, каналы кодека
// и выход PCM в именованный канал.
package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/arzzra/rtsp_backchannel/pkg/media"
	"github.com/arzzra/rtsp_backchannel/pkg/ringbuffer"
)

// Decoder декодирует payload кадров одного формата в моно PCM 16 бит
type Decoder interface {
	// Format возвращает формат декодера
	Format() media.Format

	// Decode декодирует payload и возвращает отсчеты и их частоту
	Decode(payload []byte) (samples []int16, rate int, err error)

	// Reset сбрасывает состояние между сессиями
	Reset()
}

// NewDecoder создает декодер формата. variableRate задает частоту L16.
func NewDecoder(format media.Format, variableRate int) (Decoder, error) {
	switch format {
	case media.FormatPCMU:
		return &G711Decoder{format: format, table: &ulawTable}, nil
	case media.FormatPCMA:
		return &G711Decoder{format: format, table: &alawTable}, nil
	case media.FormatL16:
		return NewL16Decoder(variableRate)
	case media.FormatOpus:
		return NewOpusDecoder(), nil
	default:
		return nil, media.NewError(media.ErrorCodeUnsupportedFormat, 0,
			fmt.Sprintf("нет декодера для формата %s", format))
	}
}

// G711Decoder декодер G.711 μ-law / A-law (ITU-T G.711)
type G711Decoder struct {
	format media.Format
	table  *[256]int16
}

// Format реализует Decoder
func (d *G711Decoder) Format() media.Format { return d.format }

// Decode реализует Decoder
func (d *G711Decoder) Decode(payload []byte) ([]int16, int, error) {
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = d.table[b]
	}
	return out, 8000, nil
}

// Reset реализует Decoder. G.711 не хранит состояние.
func (d *G711Decoder) Reset() {}

var (
	ulawTable [256]int16
	alawTable [256]int16
)

func init() {
	for i := 0; i < 256; i++ {
		ulawTable[i] = ulawToLinear(byte(i))
		alawTable[i] = alawToLinear(byte(i))
	}
}

func ulawToLinear(u byte) int16 {
	const bias = 0x84

	u = ^u
	t := (int(u&0x0F) << 3) + bias
	t <<= (u & 0x70) >> 4
	if u&0x80 != 0 {
		return int16(bias - t)
	}
	return int16(t - bias)
}

func alawToLinear(a byte) int16 {
	a ^= 0x55
	t := int(a&0x0F) << 4
	seg := (a & 0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}

// l16StageSize емкость буфера выравнивания L16
const l16StageSize = 4096

// L16Decoder декодер Linear PCM 16 бит big-endian (RFC 3551).
// Нечетный хвостовой байт кадра сохраняется до следующего кадра.
type L16Decoder struct {
	rate    int
	stage   *ringbuffer.RingBuffer
	scratch []byte
}

// NewL16Decoder создает декодер L16 с заданной частотой
func NewL16Decoder(rate int) (*L16Decoder, error) {
	if rate <= 0 {
		return nil, media.NewError(media.ErrorCodeUnsupportedFormat, 0,
			fmt.Sprintf("неверная частота L16: %d", rate))
	}
	stage, err := ringbuffer.New(l16StageSize)
	if err != nil {
		return nil, err
	}
	return &L16Decoder{rate: rate, stage: stage, scratch: make([]byte, l16StageSize)}, nil
}

// Format реализует Decoder
func (d *L16Decoder) Format() media.Format { return media.FormatL16 }

// Decode реализует Decoder
func (d *L16Decoder) Decode(payload []byte) ([]int16, int, error) {
	out := make([]int16, 0, (len(payload)+d.stage.Size())/2)

	for len(payload) > 0 {
		n := min(len(payload), d.stage.Free())
		if err := d.stage.Push(payload[:n]); err != nil {
			return nil, 0, media.WrapError(media.ErrorCodeDecode, 0, "буфер L16", err)
		}
		payload = payload[n:]

		pairs := d.stage.Size() / 2
		buf := d.scratch[:pairs*2]
		if err := d.stage.Fetch(buf); err != nil {
			return nil, 0, media.WrapError(media.ErrorCodeDecode, 0, "буфер L16", err)
		}
		for i := 0; i < pairs; i++ {
			out = append(out, int16(binary.BigEndian.Uint16(buf[2*i:])))
		}
	}

	return out, d.rate, nil
}

// Pending возвращает число байт, ожидающих пары
func (d *L16Decoder) Pending() int {
	return d.stage.Size()
}

// Reset реализует Decoder
func (d *L16Decoder) Reset() {
	d.stage.Reset()
}
