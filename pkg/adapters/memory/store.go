package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/aretw0/sluice/pkg/domain"
)

// Store implements ports.StateStore in memory.
// Each commit swaps in a new copy-on-write snapshot, so readers never block writers
// for longer than a pointer copy. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	snap domain.Snapshot
}

// Option configures a Store.
type Option func(*Store)

// WithSnapshot seeds the store, typically from a checkpoint.
func WithSnapshot(snap domain.Snapshot) Option {
	return func(s *Store) {
		s.snap = snap
	}
}

// NewStore creates a new in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{snap: domain.NewSnapshot(0, nil, nil, nil)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns the current snapshot.
func (s *Store) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap, nil
}

// Get returns a single key from the current snapshot.
func (s *Store) Get(ctx context.Context, key string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if key == domain.ErrorKey {
		if rec := s.snap.Error(); rec != nil {
			return rec, true, nil
		}
		return nil, false, nil
	}
	v, ok := s.snap.Get(key)
	return v, ok, nil
}

// Commit applies the patch atomically.
func (s *Store) Commit(ctx context.Context, c domain.Commit) (domain.CommitResult, error) {
	if err := c.Check(); err != nil {
		return domain.CommitResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(c.Patch) == 0 {
		return domain.CommitResult{Version: s.snap.Version()}, nil
	}
	if c.Guard != nil {
		if key, stale := s.snap.SupersededAfter(c.Guard.Version, c.Guard.Keys); stale {
			return domain.CommitResult{}, fmt.Errorf("%w: %q changed after version %d", domain.ErrStale, key, c.Guard.Version)
		}
	}

	res := domain.CommitResult{Version: s.snap.Version() + 1, ClearedError: s.snap.Error() != nil}
	s.snap = s.snap.Apply(c.Patch, res.Version)
	return res, nil
}

// CommitError replaces the error channel without bumping the version.
func (s *Store) CommitError(ctx context.Context, rec domain.ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = s.snap.WithError(&rec)
	return nil
}
