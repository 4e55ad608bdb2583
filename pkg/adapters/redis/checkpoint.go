package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/sluice/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// noExpiry is the index score of checkpoints saved without a TTL (2100-01-01).
const noExpiry = 4102444800

// Checkpoints implements ports.CheckpointStore using Redis.
// Snapshots are stored as JSON with an optional TTL; a sorted set indexes the live
// sessions by expiry so List can prune lazily.
type Checkpoints struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewCheckpoints creates a checkpoint store on an existing client.
func NewCheckpoints(client *backend.Client, opts ...Option) *Checkpoints {
	o := newOptions(opts)
	return &Checkpoints{
		client: client,
		prefix: o.prefix + "checkpoint:",
		ttl:    o.ttl,
		now:    time.Now,
	}
}

func (c *Checkpoints) key(sessionID string) string {
	return c.prefix + sessionID
}

func (c *Checkpoints) indexKey() string {
	return c.prefix + "index"
}

// Save persists the snapshot and refreshes its index entry.
func (c *Checkpoints) Save(ctx context.Context, sessionID string, snap domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	score := float64(c.now().Add(c.ttl).Unix())
	if c.ttl == 0 {
		score = noExpiry
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.key(sessionID), data, c.ttl)
	pipe.ZAdd(ctx, c.indexKey(), backend.Z{Score: score, Member: sessionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

// Load retrieves the snapshot.
func (c *Checkpoints) Load(ctx context.Context, sessionID string) (domain.Snapshot, error) {
	val, err := c.client.Get(ctx, c.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return domain.Snapshot{}, domain.ErrSessionNotFound
		}
		return domain.Snapshot{}, fmt.Errorf("failed to get from redis: %w", err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// Delete removes the checkpoint and its index entry.
func (c *Checkpoints) Delete(ctx context.Context, sessionID string) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.key(sessionID))
	pipe.ZRem(ctx, c.indexKey(), sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// List prunes expired index entries and returns the remaining sessions.
func (c *Checkpoints) List(ctx context.Context) ([]string, error) {
	now := float64(c.now().Unix())
	err := c.client.ZRemRangeByScore(ctx, c.indexKey(), "-inf", fmt.Sprintf("%f", now)).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to prune expired sessions: %w", err)
	}

	sessions, err := c.client.ZRange(ctx, c.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}
