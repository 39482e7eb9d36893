package media

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// BackchannelDirection атрибут направления backchannel трека в DESCRIBE ответе сервера.
// По соглашению ONVIF трек обратного канала помечается как sendonly.
const BackchannelDirection = "sendonly"

// MediaDescription формирует описание backchannel трека для SDP.
// control - значение атрибута a=control, variableRate - частота для L16.
func (f Format) MediaDescription(control string, variableRate uint32) (*sdp.MediaDescription, error) {
	if !f.Valid() {
		return nil, NewError(ErrorCodeUnsupportedFormat, 0, fmt.Sprintf("неизвестный формат %d", int(f)))
	}

	rate := f.ClockRate(variableRate)
	if rate == 0 {
		return nil, NewError(ErrorCodeUnsupportedFormat, 0, fmt.Sprintf("частота формата %s не задана", f))
	}

	var channels uint16
	if f == FormatOpus {
		channels = 2 // RFC 7587: rtpmap opus всегда /48000/2
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: 0},
			Protos: []string{"RTP", "AVP"},
		},
	}
	md = md.WithCodec(f.PayloadType(), f.MIME(), rate, channels, "")
	if control != "" {
		md = md.WithValueAttribute("control", control)
	}
	return md.WithPropertyAttribute(BackchannelDirection), nil
}

// FormatFromMediaDescription определяет формат и частоту по описанию медиа клиента.
// Предпочитается первый формат из m= строки, для которого известен rtpmap или статический payload type.
func FormatFromMediaDescription(md *sdp.MediaDescription) (Format, uint32, error) {
	if md == nil {
		return 0, 0, NewError(ErrorCodeUnsupportedFormat, 0, "пустое описание медиа")
	}

	rtpmaps := make(map[string]string)
	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		pt, enc, ok := strings.Cut(attr.Value, " ")
		if ok {
			rtpmaps[pt] = enc
		}
	}

	for _, pt := range md.MediaName.Formats {
		if enc, ok := rtpmaps[pt]; ok {
			parts := strings.Split(enc, "/")
			f, found := FormatByMIME(parts[0])
			if !found {
				continue
			}
			rate := f.ClockRate(0)
			if len(parts) > 1 {
				parsed, err := strconv.ParseUint(parts[1], 10, 32)
				if err != nil {
					return 0, 0, WrapError(ErrorCodeUnsupportedFormat, 0, "неверная частота в rtpmap "+enc, err)
				}
				rate = uint32(parsed)
			}
			return f, rate, nil
		}

		// Статические payload type RFC 3551 допускаются без rtpmap
		num, err := strconv.ParseUint(pt, 10, 8)
		if err != nil || num >= 96 {
			continue
		}
		if f, found := FormatByPayloadType(uint8(num)); found {
			return f, f.ClockRate(0), nil
		}
	}

	return 0, 0, NewError(ErrorCodeUnsupportedFormat, 0,
		fmt.Sprintf("нет поддерживаемого формата среди %v", md.MediaName.Formats))
}
