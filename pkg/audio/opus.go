package audio

import (
	"fmt"

	"github.com/pion/opus"

	"github.com/arzzra/rtsp_backchannel/pkg/media"
)

const (
	// opusUpsampleFactor декодер pion/opus повторяет каждый отсчет SILK трижды,
	// широкополосный поток на выходе имеет частоту 48 кГц
	opusUpsampleFactor = 3

	// opusMaxPacketMs максимальная длительность Opus пакета (RFC 6716)
	opusMaxPacketMs = 120

	// opusOutputSize буфер S16LE для пакета максимальной длительности в стерео
	opusOutputSize = opusMaxPacketMs * 48 * 2 * 2
)

// silkFrameMs длительность кадра SILK по младшим битам конфигурации TOC
var silkFrameMs = [4]int{10, 20, 40, 60}

// OpusDecoder декодер Opus на pion/opus. Поддерживается только режим SILK.
type OpusDecoder struct {
	decoder *opus.Decoder
	output  []byte
}

// NewOpusDecoder создает декодер Opus
func NewOpusDecoder() *OpusDecoder {
	decoder := opus.NewDecoder()
	return &OpusDecoder{
		decoder: &decoder,
		output:  make([]byte, opusOutputSize),
	}
}

// Format реализует Decoder
func (d *OpusDecoder) Format() media.Format { return media.FormatOpus }

// Decode реализует Decoder. Стерео сводится в моно.
func (d *OpusDecoder) Decode(payload []byte) ([]int16, int, error) {
	frames, frameMs, err := parseOpusTOC(payload)
	if err != nil {
		return nil, 0, media.WrapError(media.ErrorCodeDecode, 0, "заголовок Opus", err)
	}
	if frames*frameMs > opusMaxPacketMs {
		return nil, 0, media.NewError(media.ErrorCodeDecode, 0,
			fmt.Sprintf("длительность пакета Opus %d мс больше %d мс", frames*frameMs, opusMaxPacketMs))
	}

	bandwidth, isStereo, err := d.decoder.Decode(payload, d.output)
	if err != nil {
		return nil, 0, media.WrapError(media.ErrorCodeDecode, 0, "декодирование Opus", err)
	}

	rate := bandwidth.SampleRate() * opusUpsampleFactor
	samples := frames * frameMs * rate / 1000

	channels := 1
	if isStereo {
		channels = 2
	}
	if samples*channels*2 > len(d.output) {
		return nil, 0, media.NewError(media.ErrorCodeDecode, 0, "выход Opus больше буфера")
	}

	pcm := make([]int16, samples)
	for i := range pcm {
		if channels == 1 {
			pcm[i] = int16(d.output[i*2]) | int16(d.output[i*2+1])<<8
			continue
		}
		off := i * 4
		left := int32(int16(d.output[off]) | int16(d.output[off+1])<<8)
		right := int32(int16(d.output[off+2]) | int16(d.output[off+3])<<8)
		pcm[i] = int16((left + right) / 2)
	}

	return pcm, rate, nil
}

// Reset реализует Decoder
func (d *OpusDecoder) Reset() {
	decoder := opus.NewDecoder()
	d.decoder = &decoder
}

// parseOpusTOC возвращает число кадров и длительность кадра в мс (RFC 6716, 3.1).
// Режимы CELT и Hybrid отклоняются.
func parseOpusTOC(payload []byte) (frames, frameMs int, err error) {
	if len(payload) == 0 {
		return 0, 0, fmt.Errorf("пустой пакет")
	}

	toc := payload[0]
	config := int(toc >> 3)
	if config > 11 {
		return 0, 0, fmt.Errorf("конфигурация %d не SILK", config)
	}
	frameMs = silkFrameMs[config&0x03]

	switch toc & 0x03 {
	case 0:
		frames = 1
	case 1, 2:
		frames = 2
	case 3:
		if len(payload) < 2 {
			return 0, 0, fmt.Errorf("нет байта числа кадров")
		}
		frames = int(payload[1] & 0x3F)
		if frames == 0 {
			return 0, 0, fmt.Errorf("нулевое число кадров")
		}
	}

	return frames, frameMs, nil
}
