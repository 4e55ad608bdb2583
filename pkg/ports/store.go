package ports

import (
	"context"

	"github.com/aretw0/sluice/pkg/domain"
)

// StateStore is the single source of truth for pipeline state.
//
// Implementations serialize commits: a Snapshot never observes a half-applied patch,
// and every non-empty commit advances the version by exactly one.
type StateStore interface {
	// Snapshot returns an immutable view of the whole store.
	Snapshot(ctx context.Context) (domain.Snapshot, error)

	// Get returns the current value of a single key.
	// The reserved error key yields the current *domain.ErrorRecord, if any.
	Get(ctx context.Context, key string) (any, bool, error)

	// Commit merges c.Patch into the store and returns the new version.
	//
	// It fails with *domain.ContractViolationError if the patch writes a key outside
	// c.Allowed or the reserved error key, and with domain.ErrStale if c.Guard is set
	// and one of its keys changed after the guard version. A successful commit clears
	// the error channel and reports in ClearedError whether a record was there, as seen
	// inside the commit. An empty patch changes nothing and returns the current version.
	Commit(ctx context.Context, c domain.Commit) (domain.CommitResult, error)

	// CommitError replaces the error channel. The data version is not bumped.
	CommitError(ctx context.Context, rec domain.ErrorRecord) error
}

// CheckpointStore persists state snapshots per session.
// This allows a dashboard session to survive a process restart.
type CheckpointStore interface {
	// Save persists the snapshot for a given session ID.
	Save(ctx context.Context, sessionID string, snap domain.Snapshot) error

	// Load retrieves the snapshot for a given session ID.
	// Returns domain.ErrSessionNotFound if the session does not exist.
	Load(ctx context.Context, sessionID string) (domain.Snapshot, error)

	// Delete removes the snapshot for a given session ID.
	Delete(ctx context.Context, sessionID string) error

	// List returns all active session IDs.
	List(ctx context.Context) ([]string, error)
}
