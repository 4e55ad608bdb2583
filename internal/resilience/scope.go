package resilience

import (
	"errors"
	"os"
	"sync"
)

// Scope collects the resources of one invocation and releases them in reverse order.
// It implements domain.Scope.
type Scope struct {
	mu       sync.Mutex
	releases []func() error
	closed   bool
}

// NewScope creates an empty scope.
func NewScope() *Scope {
	return &Scope{}
}

// Defer registers a release function. Registering on a closed scope releases immediately.
func (s *Scope) Defer(release func() error) {
	if release == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = release()
		return
	}
	s.releases = append(s.releases, release)
	s.mu.Unlock()
}

// TempDir creates a directory that is removed when the scope closes.
func (s *Scope) TempDir(pattern string) (string, error) {
	dir, err := os.MkdirTemp("", pattern)
	if err != nil {
		return "", err
	}
	s.Defer(func() error { return os.RemoveAll(dir) })
	return dir, nil
}

// Close runs every release function, last registered first, and joins their errors.
// Every release runs even if an earlier one fails or panics.
func (s *Scope) Close() error {
	s.mu.Lock()
	releases := s.releases
	s.releases = nil
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for i := len(releases) - 1; i >= 0; i-- {
		if err := safeRelease(releases[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func safeRelease(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return fn()
}
