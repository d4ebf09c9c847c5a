// Package lockfile guards against two agent processes serving the same
// state directory. The lock is advisory, per-directory, and released on
// process exit.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another agent already holds the lock.
var ErrLocked = errors.New("agent lock already held by another process")

// Lock is a held instance lock.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the instance lock in dir without blocking. The directory is
// created if missing.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir %s: %w", dir, err)
	}
	fl := flock.New(filepath.Join(dir, "agent.lock"))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring agent lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
