//go:build linux

package disk

import (
	"os"
	"syscall"
)

// syncFile flushes file data without forcing a metadata update.
func syncFile(file *os.File) error {
	return syscall.Fdatasync(int(file.Fd()))
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return syscall.Fsync(int(dir.Fd()))
}
