// Package instance guards against two gateways driving the same tool at once.
package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("another gateway instance is already running")

type Lock struct {
	fl *flock.Flock
}

// Acquire takes the lock file at path without blocking.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (lock file: %s)", ErrLocked, path)
	}
	return &Lock{fl: fl}, nil
}

func (l *Lock) Path() string {
	return l.fl.Path()
}

func (l *Lock) Release() error {
	return l.fl.Unlock()
}
