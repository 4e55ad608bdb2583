package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/aretw0/sluice/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// commitScript applies a patch atomically.
//
// KEYS: values hash, modified hash, version counter, error record.
// ARGV: guard version (-1 for none), guard key count n, n guard keys, then key/value pairs.
// Returns {version, "", cleared} on success, cleared being 1 when an error record was
// removed, or {-1, key, 0} when a guard key was superseded.
var commitScript = backend.NewScript(`
local guard = tonumber(ARGV[1])
local n = tonumber(ARGV[2])
if guard >= 0 then
  for i = 1, n do
    local m = tonumber(redis.call('HGET', KEYS[2], ARGV[2 + i]) or '0')
    if m > guard then
      return {-1, ARGV[2 + i], 0}
    end
  end
end
local v = redis.call('INCR', KEYS[3])
for i = 3 + n, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
  redis.call('HSET', KEYS[2], ARGV[i], v)
end
local cleared = redis.call('DEL', KEYS[4])
return {v, '', cleared}
`)

// Store implements ports.StateStore on Redis.
// Values are stored JSON-encoded, so readers get the JSON shapes back
// (float64 numbers, []any, map[string]any).
type Store struct {
	client *backend.Client
	prefix string
}

// NewStore creates a state store on an existing client.
// Use WithPrefix to keep several stores (e.g. one per session) on one server.
func NewStore(client *backend.Client, opts ...Option) *Store {
	o := newOptions(opts)
	return &Store{client: client, prefix: o.prefix + "state:"}
}

func (s *Store) valuesKey() string   { return s.prefix + "values" }
func (s *Store) modifiedKey() string { return s.prefix + "modified" }
func (s *Store) versionKey() string  { return s.prefix + "version" }
func (s *Store) errorKey() string    { return s.prefix + "error" }

// Snapshot reads the whole store inside MULTI/EXEC so it never observes a partial commit.
func (s *Store) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	var (
		verCmd      *backend.StringCmd
		valuesCmd   *backend.MapStringStringCmd
		modifiedCmd *backend.MapStringStringCmd
		errCmd      *backend.StringCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		verCmd = pipe.Get(ctx, s.versionKey())
		valuesCmd = pipe.HGetAll(ctx, s.valuesKey())
		modifiedCmd = pipe.HGetAll(ctx, s.modifiedKey())
		errCmd = pipe.Get(ctx, s.errorKey())
		return nil
	})
	if err != nil && !errors.Is(err, backend.Nil) {
		return domain.Snapshot{}, fmt.Errorf("failed to read state from redis: %w", err)
	}

	version, err := readVersion(verCmd)
	if err != nil {
		return domain.Snapshot{}, err
	}

	rawValues := valuesCmd.Val()
	values := make(map[string]any, len(rawValues))
	for k, raw := range rawValues {
		v, err := decodeValue(raw)
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("key %q: %w", k, err)
		}
		values[k] = v
	}

	modified := make(map[string]domain.Version, len(modifiedCmd.Val()))
	for k, raw := range modifiedCmd.Val() {
		m, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("key %q: bad modification version %q", k, raw)
		}
		modified[k] = domain.Version(m)
	}

	rec, err := readError(errCmd)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return domain.NewSnapshot(version, values, modified, rec), nil
}

// Get reads a single key.
func (s *Store) Get(ctx context.Context, key string) (any, bool, error) {
	if key == domain.ErrorKey {
		rec, err := readError(s.client.Get(ctx, s.errorKey()))
		if err != nil || rec == nil {
			return nil, false, err
		}
		return rec, true, nil
	}

	raw, err := s.client.HGet(ctx, s.valuesKey(), key).Result()
	if errors.Is(err, backend.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %q from redis: %w", key, err)
	}
	v, err := decodeValue(raw)
	if err != nil {
		return nil, false, fmt.Errorf("key %q: %w", key, err)
	}
	return v, true, nil
}

// Commit runs the commit script.
func (s *Store) Commit(ctx context.Context, c domain.Commit) (domain.CommitResult, error) {
	if err := c.Check(); err != nil {
		return domain.CommitResult{}, err
	}
	if len(c.Patch) == 0 {
		v, err := readVersion(s.client.Get(ctx, s.versionKey()))
		return domain.CommitResult{Version: v}, err
	}

	guard := int64(-1)
	var guardKeys []string
	if c.Guard != nil {
		guard = int64(c.Guard.Version)
		guardKeys = c.Guard.Keys
	}

	args := make([]any, 0, 2+len(guardKeys)+2*len(c.Patch))
	args = append(args, guard, len(guardKeys))
	for _, k := range guardKeys {
		args = append(args, k)
	}
	for _, k := range c.Patch.Keys() {
		data, err := json.Marshal(c.Patch[k])
		if err != nil {
			return domain.CommitResult{}, fmt.Errorf("failed to marshal %q: %w", k, err)
		}
		args = append(args, k, string(data))
	}

	keys := []string{s.valuesKey(), s.modifiedKey(), s.versionKey(), s.errorKey()}
	res, err := commitScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return domain.CommitResult{}, fmt.Errorf("failed to commit to redis: %w", err)
	}
	if len(res) != 3 {
		return domain.CommitResult{}, fmt.Errorf("unexpected commit reply %v", res)
	}
	v, ok := res[0].(int64)
	cleared, ok2 := res[2].(int64)
	if !ok || !ok2 {
		return domain.CommitResult{}, fmt.Errorf("unexpected commit reply %v", res)
	}
	if v < 0 {
		return domain.CommitResult{}, fmt.Errorf("%w: %q changed after version %d", domain.ErrStale, res[1], guard)
	}
	return domain.CommitResult{Version: domain.Version(v), ClearedError: cleared > 0}, nil
}

// CommitError overwrites the error record.
func (s *Store) CommitError(ctx context.Context, rec domain.ErrorRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal error record: %w", err)
	}
	if err := s.client.Set(ctx, s.errorKey(), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write error record: %w", err)
	}
	return nil
}

// Clear removes every key of this store. Used when a session is discarded.
func (s *Store) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.valuesKey(), s.modifiedKey(), s.versionKey(), s.errorKey()).Err()
}

func readVersion(cmd *backend.StringCmd) (domain.Version, error) {
	raw, err := cmd.Result()
	if errors.Is(err, backend.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read version: %w", err)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad version %q: %w", raw, err)
	}
	return domain.Version(v), nil
}

func readError(cmd *backend.StringCmd) (*domain.ErrorRecord, error) {
	raw, err := cmd.Result()
	if errors.Is(err, backend.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read error record: %w", err)
	}
	var rec domain.ErrorRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal error record: %w", err)
	}
	return &rec, nil
}

func decodeValue(raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return v, nil
}
