//go:build !linux && !darwin

package rtp

// На прочих платформах используются системные значения по умолчанию

func setSockOptBuffers(fd uintptr, recv, send int) error {
	return nil
}

func setSockOptDSCP(fd uintptr, dscp int) error {
	return nil
}
