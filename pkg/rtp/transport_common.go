// Package rtp содержит тонкие адаптеры транспорта backchannel канала.
//
// Это не RTP стек: здесь нет переупорядочивания, jitter буфера и управления
// перегрузкой. Пакет предоставляет ровно то, что требуется сессии:
//   - выделение пары UDP портов RTP/RTCP и регистрацию клиента как получателя
//   - источник кадров поверх UDP сокета или канала interleaved TCP
//   - демультиплексирование '$' кадров RTSP соединения
//   - RTCP reporting handle (Receiver Report + SDES)
//
// Горутины чтения сокетов не трогают состояние сессий: все обработчики
// доставляются как задачи eventloop.Loop.
package rtp

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/pion/rtp"
)

// Общие константы транспортов
const (
	// VoiceOptimizedRecvBuffer размер SO_RCVBUF для голосового трафика
	// 64KB достаточно для буферизации ~3.2 секунд G.711 (20ms пакеты)
	VoiceOptimizedRecvBuffer = 65535

	// VoiceOptimizedSendBuffer размер SO_SNDBUF, RTCP трафик невелик
	VoiceOptimizedSendBuffer = 16384

	// DSCP значения для QoS согласно RFC 4594
	DSCPExpeditedForwarding = 46 // EF для интерактивного аудио
	DSCPBestEffort          = 0
)

// Ограничения на входящие пакеты согласно RFC 3550
const (
	MinRTPPacketSize   = 12
	MaxRTPPacketSize   = 1500
	ExpectedRTPVersion = 2
)

// SocketOptions параметры UDP сокетов backchannel
type SocketOptions struct {
	RecvBuffer int // SO_RCVBUF, 0 = VoiceOptimizedRecvBuffer
	DSCP       int // DSCP маркировка исходящего RTCP (0 = не менять)
}

// DefaultSocketOptions возвращает параметры по умолчанию
func DefaultSocketOptions() SocketOptions {
	return SocketOptions{
		RecvBuffer: VoiceOptimizedRecvBuffer,
		DSCP:       DSCPExpeditedForwarding,
	}
}

// Validate проверяет корректность параметров сокета
func (o SocketOptions) Validate() error {
	if o.RecvBuffer < 0 {
		return fmt.Errorf("размер буфера не может быть отрицательным")
	}
	if o.DSCP < 0 || o.DSCP > 63 {
		return fmt.Errorf("DSCP должен быть в диапазоне 0-63")
	}
	return nil
}

// applySocketOptions применяет системные настройки к UDP сокету.
// Ошибки платформы не фатальны для работы канала и возвращаются для логирования.
func applySocketOptions(conn *net.UDPConn, opts SocketOptions) error {
	if conn == nil {
		return fmt.Errorf("соединение не может быть nil")
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("не удалось получить системный сокет: %w", err)
	}

	var sockOptErr error
	err = rawConn.Control(func(fd uintptr) {
		recv := opts.RecvBuffer
		if recv == 0 {
			recv = VoiceOptimizedRecvBuffer
		}
		if err := setSockOptBuffers(fd, recv, VoiceOptimizedSendBuffer); err != nil {
			sockOptErr = fmt.Errorf("ошибка установки буферов: %w", err)
			return
		}
		if opts.DSCP > 0 {
			if err := setSockOptDSCP(fd, opts.DSCP); err != nil {
				sockOptErr = fmt.Errorf("ошибка установки DSCP: %w", err)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("ошибка управления сокетом: %w", err)
	}

	return sockOptErr
}

// validatePacketSize проверяет размер пакета
func validatePacketSize(size int) error {
	if size < MinRTPPacketSize {
		return fmt.Errorf("пакет слишком мал: %d байт (минимум %d)", size, MinRTPPacketSize)
	}
	if size > MaxRTPPacketSize {
		return fmt.Errorf("пакет слишком велик: %d байт (максимум %d)", size, MaxRTPPacketSize)
	}
	return nil
}

// validateRTPHeader проверяет корректность RTP заголовка согласно RFC 3550
func validateRTPHeader(header *rtp.Header) error {
	if header.Version != ExpectedRTPVersion {
		return fmt.Errorf("неподдерживаемая версия RTP: %d (ожидается %d)", header.Version, ExpectedRTPVersion)
	}
	if header.PayloadType > 127 {
		return fmt.Errorf("невалидный payload type: %d", header.PayloadType)
	}
	return nil
}

// NetworkErrorType тип сетевой ошибки
type NetworkErrorType int

const (
	ErrorTypeTemporary  NetworkErrorType = iota // Временная ошибка, чтение продолжается
	ErrorTypeClosed                             // Сокет закрыт владельцем
	ErrorTypeConnection                         // Разрыв соединения
	ErrorTypePermanent                          // Постоянная ошибка
)

// ClassifiedError сетевая ошибка с классификацией
type ClassifiedError struct {
	Type      NetworkErrorType
	Operation string
	Err       error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v (type: %s)", e.Operation, e.Err, e.typeString())
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Retryable сообщает, можно ли продолжать чтение после ошибки
func (e *ClassifiedError) Retryable() bool {
	return e.Type == ErrorTypeTemporary
}

func (e *ClassifiedError) typeString() string {
	switch e.Type {
	case ErrorTypeTemporary:
		return "temporary"
	case ErrorTypeClosed:
		return "closed"
	case ErrorTypeConnection:
		return "connection"
	default:
		return "permanent"
	}
}

// classifyNetworkError анализирует ошибку чтения сокета
func classifyNetworkError(operation string, err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	classified := &ClassifiedError{Operation: operation, Err: err, Type: ErrorTypePermanent}

	var netErr net.Error
	switch {
	case errors.Is(err, net.ErrClosed):
		classified.Type = ErrorTypeClosed
	case errors.As(err, &netErr) && netErr.Timeout():
		classified.Type = ErrorTypeTemporary
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		// ICMP port unreachable от предыдущей отправки RTCP приходит как ECONNREFUSED
		classified.Type = ErrorTypeTemporary
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		classified.Type = ErrorTypeConnection
	}

	return classified
}
