package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// UpdateLock is the process-wide advisory lock file guarding against two
// agent processes racing on the same storage. The in-process txnMu already
// serializes transactions within one process; this extends the guarantee
// across processes via flock on the configured path. An empty path disables
// the lock (single-process deployments).
type UpdateLock struct {
	path string
	file *os.File
}

// NewUpdateLock builds an UpdateLock for path. The lock is not acquired
// until Acquire is called.
func NewUpdateLock(path string) *UpdateLock {
	return &UpdateLock{path: path}
}

// Acquire takes the exclusive advisory lock, blocking until the holder
// releases it. The lock file is created if absent.
func (l *UpdateLock) Acquire() error {
	if l == nil || l.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("orchestrator: create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("orchestrator: open update lock %s: %w", l.path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return fmt.Errorf("orchestrator: flock %s: %w", l.path, err)
	}
	l.file = f
	return nil
}

// TryAcquire takes the lock without blocking, reporting whether it was
// obtained.
func (l *UpdateLock) TryAcquire() (bool, error) {
	if l == nil || l.path == "" {
		return true, nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("orchestrator: create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("orchestrator: open update lock %s: %w", l.path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("orchestrator: flock %s: %w", l.path, err)
	}
	l.file = f
	return true, nil
}

// Release drops the lock. Safe to call when the lock was never acquired.
func (l *UpdateLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	cerr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("orchestrator: unlock %s: %w", l.path, err)
	}
	return cerr
}
