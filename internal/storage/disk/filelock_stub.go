//go:build !unix

package disk

import (
	"fmt"
	"os"
)

// fileLock on non-Unix platforms only holds the lock file open; the
// in-process mutexes provide the serialisation.
type fileLock struct {
	file *os.File
}

func acquireFileLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	return &fileLock{file: f}, nil
}

func (l *fileLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}
