package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/sluice/pkg/adapters/redis"
	"github.com/aretw0/sluice/pkg/domain"
	"github.com/aretw0/sluice/pkg/ports"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_Contract(t *testing.T) {
	_, client := setup(t)
	n := 0
	ports.RunStateStoreContract(t, func(t *testing.T) ports.StateStore {
		n++
		return redis.NewStore(client, redis.WithPrefix("contract:"+string(rune('a'+n))+":"))
	})
}

func TestRedisStore_Layout(t *testing.T) {
	mr, client := setup(t)
	store := redis.NewStore(client, redis.WithPrefix("app:s1:"))
	ctx := context.Background()

	_, err := store.Commit(ctx, domain.Commit{Patch: domain.Patch{"qc": 42.5}, Allowed: []string{"qc"}})
	require.NoError(t, err)

	assert.Equal(t, "42.5", mr.HGet("app:s1:state:values", "qc"))
	assert.Equal(t, "1", mr.HGet("app:s1:state:modified", "qc"))
	v, err := mr.Get("app:s1:state:version")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	require.NoError(t, store.Clear(ctx))
	assert.False(t, mr.Exists("app:s1:state:values"))
}

func TestRedisStore_SharedBetweenInstances(t *testing.T) {
	_, client := setup(t)
	a := redis.NewStore(client, redis.WithPrefix("shared:"))
	b := redis.NewStore(client, redis.WithPrefix("shared:"))
	ctx := context.Background()

	_, err := a.Commit(ctx, domain.Commit{Patch: domain.Patch{"in": "x"}, Allowed: []string{"in"}})
	require.NoError(t, err)
	_, err = b.Commit(ctx, domain.Commit{Patch: domain.Patch{"in": "y"}, Allowed: []string{"in"}})
	require.NoError(t, err)

	// A run on instance a computed from version 1 must not land after b's write.
	_, err = a.Commit(ctx, domain.Commit{
		Patch:   domain.Patch{"out": "from x"},
		Allowed: []string{"out"},
		Guard:   &domain.Guard{Keys: []string{"in"}, Version: 1},
	})
	assert.ErrorIs(t, err, domain.ErrStale)
}

func TestRedisCheckpoints_Contract(t *testing.T) {
	_, client := setup(t)
	ports.RunCheckpointStoreContract(t, redis.NewCheckpoints(client))
}

func TestRedisCheckpoints_TTL(t *testing.T) {
	mr, client := setup(t)
	store := redis.NewCheckpoints(client, redis.WithTTL(time.Second))
	ctx := context.Background()
	sessionID := "session-ttl"

	snap := domain.NewSnapshot(0, nil, nil, nil).Apply(domain.Patch{"foo": "bar"}, 1)
	require.NoError(t, store.Save(ctx, sessionID, snap))

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, sessions, sessionID)

	mr.FastForward(2 * time.Second)
	_, err = store.Load(ctx, sessionID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	// The index is pruned on List once its score is in the past.
	time.Sleep(1200 * time.Millisecond)
	sessions, err = store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestRedisCheckpoints_Prefix(t *testing.T) {
	mr, client := setup(t)
	store := redis.NewCheckpoints(client, redis.WithPrefix("custom:app:"))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "my-session", domain.NewSnapshot(0, nil, nil, nil)))

	assert.True(t, mr.Exists("custom:app:checkpoint:my-session"))
	assert.True(t, mr.Exists("custom:app:checkpoint:index"))
}

func TestRedisLocker_LockUnlock(t *testing.T) {
	mr, client := setup(t)
	locker := redis.NewLocker(client, redis.WithPrefix("test:"))
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "resource1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:resource1"), "Lock key should be set in Redis")

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("test:lock:resource1"), "Lock key should be removed after unlock")
}

func TestRedisLocker_Contention(t *testing.T) {
	mr, client := setup(t)
	locker1 := redis.NewLocker(client, redis.WithPrefix("test:"))
	locker2 := redis.NewLocker(client, redis.WithPrefix("test:"))
	ctx := context.Background()
	key := "shared-resource"

	unlock1, err := locker1.Lock(ctx, key, 5*time.Second)
	require.NoError(t, err)

	ctxTimeout, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_, err = locker2.Lock(ctxTimeout, key, 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, unlock1(ctx))

	unlock2, err := locker2.Lock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	defer func() { _ = unlock2(ctx) }()
	assert.True(t, mr.Exists("test:lock:shared-resource"))
}

func TestRedisLocker_StaleUnlockKeepsNewOwner(t *testing.T) {
	mr, client := setup(t)
	locker := redis.NewLocker(client)
	ctx := context.Background()

	unlockOld, err := locker.Lock(ctx, "k", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	unlockNew, err := locker.Lock(ctx, "k", 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, unlockOld(ctx))
	assert.True(t, mr.Exists("sluice:lock:k"), "an expired holder must not release the new lock")
	require.NoError(t, unlockNew(ctx))
}
