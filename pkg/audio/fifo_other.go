//go:build !unix

package audio

import (
	"fmt"
	"os"
)

func ensureFIFO(path string) error {
	return fmt.Errorf("именованные каналы не поддерживаются: %s", path)
}

func openFIFOWriter(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY, 0)
}
