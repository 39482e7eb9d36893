// Package media содержит модель данных backchannel: таблицу аудио форматов,
// кадр BackchannelFrame и таксономию ошибок.
//
// Таблица форматов неизменяема и общая для всего процесса. Формат ищется по
// идентичности, по RTP payload type или по MIME токену из SDP.
package media

import (
	"fmt"
	"strings"
)

// Format идентичность кодека backchannel канала
type Format int

const (
	FormatPCMU Format = iota // G.711 μ-law
	FormatPCMA               // G.711 A-law
	FormatL16                // Linear PCM 16 бит, частота задается конфигурацией
	FormatOpus               // Opus
)

// FormatInfo описание формата
type FormatInfo struct {
	Name        string // Отображаемое имя
	PayloadType uint8  // RTP payload type (RFC 3551 или динамический)
	ClockRate   uint32 // Частота тактирования, 0 для форматов с переменной частотой
	MIME        string // Токен для rtpmap
	ChannelID   int    // Номер канала аппаратного кодека
}

var formatTable = [...]FormatInfo{
	FormatPCMU: {Name: "G.711 mu-law", PayloadType: 0, ClockRate: 8000, MIME: "PCMU", ChannelID: 0},
	FormatPCMA: {Name: "G.711 A-law", PayloadType: 8, ClockRate: 8000, MIME: "PCMA", ChannelID: 1},
	FormatL16:  {Name: "Linear PCM 16", PayloadType: 96, ClockRate: 0, MIME: "L16", ChannelID: 2},
	FormatOpus: {Name: "Opus", PayloadType: 97, ClockRate: 48000, MIME: "opus", ChannelID: 3},
}

// Formats возвращает все поддерживаемые форматы в порядке номеров каналов
func Formats() []Format {
	return []Format{FormatPCMU, FormatPCMA, FormatL16, FormatOpus}
}

// Valid проверяет, что формат присутствует в таблице
func (f Format) Valid() bool {
	return f >= 0 && int(f) < len(formatTable)
}

// Info возвращает описание формата
func (f Format) Info() FormatInfo {
	if !f.Valid() {
		return FormatInfo{Name: "unknown", ChannelID: -1}
	}
	return formatTable[f]
}

func (f Format) String() string {
	if !f.Valid() {
		return fmt.Sprintf("Format(%d)", int(f))
	}
	return formatTable[f].MIME
}

// PayloadType возвращает RTP payload type
func (f Format) PayloadType() uint8 { return f.Info().PayloadType }

// MIME возвращает токен формата для rtpmap
func (f Format) MIME() string { return f.Info().MIME }

// ChannelID возвращает номер канала кодека
func (f Format) ChannelID() int { return f.Info().ChannelID }

// IsVariableRate сообщает, что частота формата задается конфигурацией
func (f Format) IsVariableRate() bool {
	return f.Valid() && formatTable[f].ClockRate == 0
}

// ClockRate возвращает частоту тактирования. Для форматов с переменной частотой
// возвращается variableRate из конфигурации.
func (f Format) ClockRate(variableRate uint32) uint32 {
	if f.IsVariableRate() {
		return variableRate
	}
	return f.Info().ClockRate
}

// FormatByPayloadType ищет формат по RTP payload type
func FormatByPayloadType(pt uint8) (Format, bool) {
	for i, info := range formatTable {
		if info.PayloadType == pt {
			return Format(i), true
		}
	}
	return 0, false
}

// FormatByMIME ищет формат по MIME токену без учета регистра
func FormatByMIME(mime string) (Format, bool) {
	for i, info := range formatTable {
		if strings.EqualFold(info.MIME, mime) {
			return Format(i), true
		}
	}
	return 0, false
}
