//go:build linux

package rtp

import (
	"golang.org/x/sys/unix"
)

// setSockOptBuffers устанавливает размеры буферов сокета (Linux)
func setSockOptBuffers(fd uintptr, recv, send int) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recv); err != nil {
		return err
	}
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, send)
}

// setSockOptDSCP устанавливает DSCP маркировку для QoS (Linux)
func setSockOptDSCP(fd uintptr, dscp int) error {
	// DSCP находится в старших 6 битах TOS
	tos := dscp << 2

	if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
		// В контейнерах опция может быть недоступна, для канала это не критично
		return nil
	}
	// Для IPv4 сокета IPV6_TCLASS вернет ошибку, ее игнорируем
	_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	// SO_PRIORITY 6 соответствует интерактивному аудио
	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, 6)
	return nil
}
