// Package lockfile creates the exclusive lock file other build tools check
// before touching the compiler output
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
)

// ErrLocked is returned when the lock file already exists
var ErrLocked = errors.New("lock file already exists")

// Lock is a held lock file
type Lock struct {
	path string
	once sync.Once
	err  error
}

// Acquire creates path exclusively and writes the current pid into it
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}

	_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}
	return &Lock{path: path}, nil
}

// Path returns the lock file location
func (l *Lock) Path() string {
	return l.path
}

// Release removes the lock file. Only the first call has an effect.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.err = fmt.Errorf("failed to remove lock file: %w", err)
		}
	})
	return l.err
}
