// Package lockfile provides per-run mutual exclusion. Exactly one loop may
// drive a given run; a resume while the original process is still alive must
// fail fast instead of racing it.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrAlreadyLocked indicates the lock is held by another process.
	ErrAlreadyLocked = errors.New("lock already held")
)

type Lock struct {
	path string
	f    *os.File
}

// AcquireRunLock takes the exclusive lock for a run id under dir.
func AcquireRunLock(dir string, runID string) (*Lock, error) {
	dir = strings.TrimSpace(dir)
	runID = strings.TrimSpace(runID)
	if dir == "" || runID == "" {
		return nil, errors.New("missing lock dir or run id")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return Acquire(filepath.Join(dir, runID+".lock"))
}

func Acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	// Best-effort: write pid for troubleshooting.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	// Unlock first; close always.
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
