package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aretw0/sluice/pkg/domain"
)

// Checkpoints implements ports.CheckpointStore in memory.
// Snapshots are immutable, so they are stored as-is. Safe for concurrent use.
type Checkpoints struct {
	data map[string]domain.Snapshot
	mu   sync.RWMutex
}

// NewCheckpoints creates an empty checkpoint store.
func NewCheckpoints() *Checkpoints {
	return &Checkpoints{
		data: make(map[string]domain.Snapshot),
	}
}

// Save stores the snapshot.
func (c *Checkpoints) Save(ctx context.Context, sessionID string, snap domain.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[sessionID] = snap
	return nil
}

// Load retrieves a snapshot.
func (c *Checkpoints) Load(ctx context.Context, sessionID string) (domain.Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.data[sessionID]
	if !ok {
		return domain.Snapshot{}, domain.ErrSessionNotFound
	}
	return snap, nil
}

// Delete removes the snapshot.
func (c *Checkpoints) Delete(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, sessionID)
	return nil
}

// List returns the stored session IDs in sorted order.
func (c *Checkpoints) List(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sessions := make([]string, 0, len(c.data))
	for id := range c.data {
		sessions = append(sessions, id)
	}
	sort.Strings(sessions)
	return sessions, nil
}
