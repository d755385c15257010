// Package runlock keeps two patch runs from touching the same inventory.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrHeld is returned when another process owns the lock.
var ErrHeld = errors.New("another run holds the lock")

// Lock is an exclusive, non-blocking flock on a file. The file is left in
// place after Release.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the lock at path or fails immediately with ErrHeld.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire flock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", path, ErrHeld)
	}
	return &Lock{fl: fl}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.fl.Path()
}

// Release drops the lock.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release flock %s: %w", l.fl.Path(), err)
	}
	return nil
}
