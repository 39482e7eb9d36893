//go:build darwin

package rtp

import (
	"golang.org/x/sys/unix"
)

// setSockOptBuffers устанавливает размеры буферов сокета (macOS)
func setSockOptBuffers(fd uintptr, recv, send int) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recv); err != nil {
		return err
	}
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, send)
}

// setSockOptDSCP устанавливает DSCP маркировку (macOS поддерживает только IP_TOS)
func setSockOptDSCP(fd uintptr, dscp int) error {
	_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, dscp<<2)
	// SO_NOSIGPIPE защищает от SIGPIPE при записи в закрытый сокет
	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)
	return nil
}
