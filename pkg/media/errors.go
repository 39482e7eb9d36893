package media

import (
	"errors"
	"fmt"
)

// ErrorCode определяет типизированные коды ошибок backchannel.
// Позволяет классифицировать ошибки по уровню и обрабатывать их соответствующим образом.
type ErrorCode int

const (
	// Ошибки уровня сессии (возвращаются RTSP движку как ошибка SETUP/PLAY)
	ErrorCodeInvalidTransportRequest ErrorCode = iota + 2000
	ErrorCodePortExhaustion
	ErrorCodeStreamStartFailure
	ErrorCodeSessionClosed

	// Ошибки уровня воркера (восстанавливаются локально)
	ErrorCodeDecode
	ErrorCodeOutputUnavailable
	ErrorCodeUnsupportedFormat
)

// String возвращает строковое представление кода ошибки
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeInvalidTransportRequest:
		return "InvalidTransportRequest"
	case ErrorCodePortExhaustion:
		return "PortExhaustion"
	case ErrorCodeStreamStartFailure:
		return "StreamStartFailure"
	case ErrorCodeSessionClosed:
		return "SessionClosed"
	case ErrorCodeDecode:
		return "DecodeError"
	case ErrorCodeOutputUnavailable:
		return "OutputUnavailable"
	case ErrorCodeUnsupportedFormat:
		return "UnsupportedFormat"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// Error базовая ошибка backchannel.
// Содержит код, идентификатор сессии для сопоставления с логами и обернутую причину.
type Error struct {
	Code      ErrorCode
	Message   string
	SessionID uint32
	Wrapped   error
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.SessionID != 0 {
		msg = fmt.Sprintf("[backchannel:%s] сессия %d: %s", e.Code, e.SessionID, msg)
	} else {
		msg = fmt.Sprintf("[backchannel:%s] %s", e.Code, msg)
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap возвращает обернутую ошибку
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду, что позволяет использовать errors.Is с сентинелами ниже
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Сентинелы для errors.Is
var (
	ErrInvalidTransportRequest = &Error{Code: ErrorCodeInvalidTransportRequest}
	ErrPortExhaustion          = &Error{Code: ErrorCodePortExhaustion}
	ErrStreamStartFailure      = &Error{Code: ErrorCodeStreamStartFailure}
	ErrSessionClosed           = &Error{Code: ErrorCodeSessionClosed}
	ErrDecode                  = &Error{Code: ErrorCodeDecode}
	ErrOutputUnavailable       = &Error{Code: ErrorCodeOutputUnavailable}
	ErrUnsupportedFormat       = &Error{Code: ErrorCodeUnsupportedFormat}
)

// NewError создает ошибку с кодом и сообщением
func NewError(code ErrorCode, sessionID uint32, message string) *Error {
	return &Error{Code: code, SessionID: sessionID, Message: message}
}

// WrapError оборачивает существующую ошибку
func WrapError(code ErrorCode, sessionID uint32, message string, err error) *Error {
	return &Error{Code: code, SessionID: sessionID, Message: message, Wrapped: err}
}

// HasErrorCode проверяет, содержит ли цепочка ошибок указанный код
func HasErrorCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsSessionLevel сообщает, что ошибка прерывает только конкретную сессию
func IsSessionLevel(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case ErrorCodeInvalidTransportRequest, ErrorCodePortExhaustion,
		ErrorCodeStreamStartFailure, ErrorCodeSessionClosed:
		return true
	}
	return false
}

// IsRecoverable определяет, восстанавливается ли воркер после ошибки без участия сессии
func IsRecoverable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case ErrorCodeDecode, ErrorCodeOutputUnavailable, ErrorCodeUnsupportedFormat:
		return true
	}
	return false
}
