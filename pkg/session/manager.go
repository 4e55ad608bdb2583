package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/sluice"
	"github.com/aretw0/sluice/internal/logging"
	"github.com/aretw0/sluice/pkg/adapters/memory"
	"github.com/aretw0/sluice/pkg/domain"
	"github.com/aretw0/sluice/pkg/ports"
)

// DefaultLockTTL bounds how long a distributed lock survives a crashed holder.
const DefaultLockTTL = 30 * time.Second

// Factory builds the engine of a session, seeded with its restored snapshot
// (an empty snapshot for a new session). Stages are registered by the factory.
type Factory func(sessionID string, snap domain.Snapshot) (*sluice.Engine, error)

// MemoryFactory returns a Factory creating engines over in-memory stores.
// setup registers the stages of each new engine.
func MemoryFactory(setup func(*sluice.Engine) error, opts ...sluice.Option) Factory {
	return func(sessionID string, snap domain.Snapshot) (*sluice.Engine, error) {
		all := append([]sluice.Option{
			sluice.WithStore(memory.NewStore(memory.WithSnapshot(snap))),
			sluice.WithName(sessionID),
		}, opts...)
		eng, err := sluice.New(all...)
		if err != nil {
			return nil, err
		}
		if setup != nil {
			if err := setup(eng); err != nil {
				_ = eng.Close(context.Background())
				return nil, err
			}
		}
		return eng, nil
	}
}

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Manager orchestrates session engines, ensuring safe concurrent operations.
// It uses Reference Counting to garbage collect unused locks.
type Manager struct {
	factory     Factory
	checkpoints ports.CheckpointStore

	mu       sync.Mutex            // Global lock for the maps
	locks    map[string]*lockEntry // Map of active locks
	sessions map[string]*sluice.Engine

	locker  ports.DistributedLocker // Optional distributed locker
	lockTTL time.Duration
	logger  *slog.Logger
}

// Option configures the Manager.
type Option func(*Manager)

// WithCheckpoints sets where session snapshots are persisted. Defaults to memory.
func WithCheckpoints(store ports.CheckpointStore) Option {
	return func(m *Manager) {
		m.checkpoints = store
	}
}

// WithLocker enables distributed locking.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithLockTTL sets the expiry of distributed locks.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.lockTTL = ttl
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a new Session Manager building engines with factory.
func NewManager(factory Factory, opts ...Option) *Manager {
	m := &Manager{
		factory:  factory,
		locks:    make(map[string]*lockEntry),
		sessions: make(map[string]*sluice.Engine),
		lockTTL:  DefaultLockTTL,
		logger:   logging.NewNop(), // Default to no-op
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.checkpoints == nil {
		m.checkpoints = memory.NewCheckpoints()
	}
	return m
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock the entry.mu, and then call release(sessionID) after unlocking.
func (m *Manager) acquire(sessionID string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[sessionID]
	if !exists {
		entry = &lockEntry{}
		m.locks[sessionID] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[sessionID]
	if !exists {
		return
	}

	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, sessionID)
	}
}

func (m *Manager) cached(sessionID string) (*sluice.Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eng, ok := m.sessions[sessionID]
	return eng, ok
}

func (m *Manager) forget(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Open returns the engine of a session, creating it on first use.
// A new engine starts from the session's last checkpoint, or empty if there is none.
func (m *Manager) Open(ctx context.Context, sessionID string) (*sluice.Engine, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if eng, ok := m.cached(sessionID); ok {
		return eng, nil
	}

	var eng *sluice.Engine
	err := m.WithLock(ctx, sessionID, func(ctx context.Context) error {
		if cached, ok := m.cached(sessionID); ok {
			eng = cached
			return nil
		}

		snap, err := m.checkpoints.Load(ctx, sessionID)
		switch {
		case errors.Is(err, domain.ErrSessionNotFound):
			snap = domain.Snapshot{}
		case err != nil:
			return fmt.Errorf("failed to load checkpoint: %w", err)
		default:
			m.logger.Debug("session restored", "session_id", sessionID, "version", snap.Version())
		}

		eng, err = m.factory(sessionID, snap)
		if err != nil {
			return fmt.Errorf("failed to create session engine: %w", err)
		}

		m.mu.Lock()
		m.sessions[sessionID] = eng
		m.mu.Unlock()
		return nil
	})
	return eng, err
}

// Checkpoint persists the current state of an open session.
// Runs in flight are not awaited; use the engine's Wait first for a quiescent checkpoint.
func (m *Manager) Checkpoint(ctx context.Context, sessionID string) error {
	return m.WithLock(ctx, sessionID, func(ctx context.Context) error {
		eng, ok := m.cached(sessionID)
		if !ok {
			return fmt.Errorf("%w: %s is not open", domain.ErrSessionNotFound, sessionID)
		}
		return m.save(ctx, sessionID, eng)
	})
}

func (m *Manager) save(ctx context.Context, sessionID string, eng *sluice.Engine) error {
	snap, err := eng.Snapshot(ctx)
	if err != nil {
		return err
	}
	if err := m.checkpoints.Save(ctx, sessionID, snap); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Close drains the session engine, writes a final checkpoint and evicts it.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	return m.WithLock(ctx, sessionID, func(ctx context.Context) error {
		eng, ok := m.cached(sessionID)
		if !ok {
			return nil
		}
		closeErr := eng.Close(ctx)
		saveErr := m.save(ctx, sessionID, eng)
		m.forget(sessionID)
		return errors.Join(closeErr, saveErr)
	})
}

// Delete discards a session: its engine is closed without a checkpoint and
// the stored checkpoint is removed.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	return m.WithLock(ctx, sessionID, func(ctx context.Context) error {
		var closeErr error
		if eng, ok := m.cached(sessionID); ok {
			closeErr = eng.Close(ctx)
			m.forget(sessionID)
		}
		return errors.Join(closeErr, m.checkpoints.Delete(ctx, sessionID))
	})
}

// Shutdown closes every open session, checkpointing each.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, id := range m.Active() {
		if err := m.Close(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Active lists the open sessions in sorted order.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns the sessions with a stored checkpoint.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	return m.checkpoints.List(ctx)
}

// WithLock executes a function while holding the lock for the session.
func (m *Manager) WithLock(ctx context.Context, sessionID string, fn func(context.Context) error) error {
	entry := m.acquire(sessionID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(sessionID)
	}()

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, sessionID, m.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("Failed to release distributed lock (will expire via TTL)",
					"session_id", sessionID,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}
