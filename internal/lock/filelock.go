package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// Mode selects a shared or exclusive file lock.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// FileLock is a held flock on a file.
type FileLock struct {
	f    *os.File
	mode Mode
}

// pollInterval bounds how long a cancelled Acquire may keep waiting.
const pollInterval = 10 * time.Millisecond

// Acquire takes a lock on path in mode, waiting until it is free or ctx is
// done. Any number of Shared holders may coexist; Exclusive excludes all.
func Acquire(ctx context.Context, path string, mode Mode) (*FileLock, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, err
	}

	how := syscall.LOCK_SH
	if mode == Exclusive {
		how = syscall.LOCK_EX
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		err := syscall.Flock(int(f.Fd()), how|syscall.LOCK_NB)
		if err == nil {
			return &FileLock{f: f, mode: mode}, nil
		}
		if !errors.Is(err, syscall.EWOULDBLOCK) && !errors.Is(err, syscall.EINTR) {
			_ = f.Close()
			return nil, fmt.Errorf("acquire %s lock: %w", mode, err)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, fmt.Errorf("acquire %s lock: %w", mode, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *FileLock) Mode() Mode { return l.mode }

// Release drops the lock. It is safe to call more than once.
func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
