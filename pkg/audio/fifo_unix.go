//go:build unix

package audio

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ensureFIFO создает именованный канал, если путь свободен
func ensureFIFO(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if info.Mode()&os.ModeNamedPipe == 0 {
			return fmt.Errorf("%s существует и не является именованным каналом", path)
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := unix.Mkfifo(path, 0o660); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return nil
}

// openFIFOWriter открывает канал с O_NONBLOCK. Без читателя вернется ENXIO.
func openFIFOWriter(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0)
}
