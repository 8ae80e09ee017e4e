// Package lock serializes evaluation across evolve processes sharing one
// workspace.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// ErrHeld is returned by TryAcquire when another process holds the lock.
var ErrHeld = errors.New("evaluation lock held by another process")

// Lock is an exclusive advisory file lock.
type Lock struct {
	file *os.File
}

// Path returns the evaluation lock path inside an evolve workspace.
func Path(workspaceDir string) string {
	return filepath.Join(workspaceDir, "locks", "evaluate.lock")
}

// Acquire blocks until the evaluation lock is held.
func Acquire(workspaceDir string) (*Lock, error) {
	return acquire(workspaceDir, syscall.LOCK_EX)
}

// TryAcquire takes the evaluation lock without blocking. It returns ErrHeld
// when the lock is busy.
func TryAcquire(workspaceDir string) (*Lock, error) {
	return acquire(workspaceDir, syscall.LOCK_EX|syscall.LOCK_NB)
}

func acquire(workspaceDir string, how int) (*Lock, error) {
	path := Path(workspaceDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(file.Fd()), how); err != nil {
		_ = file.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("lock %s: %w", filepath.Base(path), err)
	}
	return &Lock{file: file}, nil
}

// Release releases the lock. It is safe on a nil lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	defer func() { l.file = nil }()
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}
