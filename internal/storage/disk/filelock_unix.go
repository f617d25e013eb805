//go:build unix

package disk

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

type fileLock struct {
	file *os.File
}

// acquireFileLock opens path and blocks until an exclusive fcntl write lock
// is held on it. The lock is shared with other processes on the same host
// and, on NFSv4, across hosts.
func acquireFileLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	flock := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &flock); err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: lock record: %w", err)
	}
	return &fileLock{file: f}, nil
}

func (l *fileLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	flock := unix.Flock_t{Type: unix.F_UNLCK, Whence: 0}
	err := unix.FcntlFlock(l.file.Fd(), unix.F_SETLK, &flock)
	closeErr := l.file.Close()
	if err != nil {
		return fmt.Errorf("disk: unlock record: %w", err)
	}
	return closeErr
}
