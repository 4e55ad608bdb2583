package ports

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/sluice/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStateStoreContract runs a suite of tests to verify that a StateStore implementation
// adheres to the defined interface contract. newStore must return an empty store.
//
// Values are compared after a JSON round trip, so the suite only uses strings, float64,
// []any and map[string]any.
func RunStateStoreContract(t *testing.T, newStore func(t *testing.T) StateStore) {
	ctx := context.Background()

	t.Run("Empty Snapshot", func(t *testing.T) {
		store := newStore(t)
		snap, err := store.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.Version(0), snap.Version())
		assert.Zero(t, snap.Len())
		assert.Nil(t, snap.Error())
	})

	t.Run("Commit and Read", func(t *testing.T) {
		store := newStore(t)
		res, err := store.Commit(ctx, domain.Commit{
			Patch:   domain.Patch{"raw_upload": "x", "qc": 42.0},
			Allowed: []string{"raw_upload", "qc"},
			Author:  "trigger",
		})
		require.NoError(t, err)
		assert.Equal(t, domain.Version(1), res.Version)
		assert.False(t, res.ClearedError)

		val, ok, err := store.Get(ctx, "raw_upload")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "x", val)

		_, ok, err = store.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)

		snap, err := store.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.Version(1), snap.Version())
		assert.Equal(t, []string{"qc", "raw_upload"}, snap.Keys())
		assert.Equal(t, domain.Version(1), snap.Modified("qc"))
	})

	t.Run("Versions Increase By One", func(t *testing.T) {
		store := newStore(t)
		for i := 1; i <= 3; i++ {
			res, err := store.Commit(ctx, domain.Commit{Patch: domain.Patch{"k": float64(i)}, Allowed: []string{"k"}})
			require.NoError(t, err)
			assert.Equal(t, domain.Version(i), res.Version)
		}
	})

	t.Run("Whole Value Replacement", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Commit(ctx, domain.Commit{
			Patch:   domain.Patch{"parsed": map[string]any{"a": "1", "b": "2"}, "other": "kept"},
			Allowed: []string{"parsed", "other"},
		})
		require.NoError(t, err)
		_, err = store.Commit(ctx, domain.Commit{
			Patch:   domain.Patch{"parsed": map[string]any{"c": "3"}},
			Allowed: []string{"parsed"},
		})
		require.NoError(t, err)

		snap, err := store.Snapshot(ctx)
		require.NoError(t, err)
		parsed, _ := snap.Get("parsed")
		assert.Equal(t, map[string]any{"c": "3"}, parsed)
		other, _ := snap.Get("other")
		assert.Equal(t, "kept", other)
		assert.Equal(t, domain.Version(1), snap.Modified("other"))
		assert.Equal(t, domain.Version(2), snap.Modified("parsed"))
	})

	t.Run("Snapshots Are Immutable", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Commit(ctx, domain.Commit{Patch: domain.Patch{"k": "old"}, Allowed: []string{"k"}})
		require.NoError(t, err)
		before, err := store.Snapshot(ctx)
		require.NoError(t, err)

		_, err = store.Commit(ctx, domain.Commit{Patch: domain.Patch{"k": "new", "j": "added"}, Allowed: []string{"k", "j"}})
		require.NoError(t, err)

		val, _ := before.Get("k")
		assert.Equal(t, "old", val)
		assert.False(t, before.Has("j"))
		assert.Equal(t, domain.Version(1), before.Version())
	})

	t.Run("Contract Violation", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Commit(ctx, domain.Commit{
			Patch:   domain.Patch{"result": "ok", "sneaky": "no"},
			Allowed: []string{"result"},
			Author:  "solve",
		})
		require.ErrorIs(t, err, domain.ErrContractViolation)
		var cv *domain.ContractViolationError
		require.ErrorAs(t, err, &cv)
		assert.Equal(t, []string{"sneaky"}, cv.Undeclared)
		assert.Equal(t, "solve", cv.Author)

		_, err = store.Commit(ctx, domain.Commit{
			Patch:   domain.Patch{domain.ErrorKey: "forged"},
			Allowed: []string{domain.ErrorKey},
		})
		require.ErrorIs(t, err, domain.ErrContractViolation)

		snap, err := store.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.Version(0), snap.Version())
		assert.Zero(t, snap.Len())
	})

	t.Run("Empty Patch Is A No-Op", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Commit(ctx, domain.Commit{Patch: domain.Patch{"k": "v"}, Allowed: []string{"k"}})
		require.NoError(t, err)
		res, err := store.Commit(ctx, domain.Commit{Patch: domain.Patch{}, Allowed: []string{"k"}})
		require.NoError(t, err)
		assert.Equal(t, domain.Version(1), res.Version)
	})

	t.Run("Guarded Commit", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Commit(ctx, domain.Commit{Patch: domain.Patch{"in": "x"}, Allowed: []string{"in"}})
		require.NoError(t, err)

		// Inputs unchanged since version 1: accepted.
		_, err = store.Commit(ctx, domain.Commit{
			Patch:   domain.Patch{"out": "from x"},
			Allowed: []string{"out"},
			Guard:   &domain.Guard{Keys: []string{"in"}, Version: 1},
		})
		require.NoError(t, err)

		_, err = store.Commit(ctx, domain.Commit{Patch: domain.Patch{"in": "y"}, Allowed: []string{"in"}})
		require.NoError(t, err)

		// Computed from version 2, but "in" changed at version 3.
		_, err = store.Commit(ctx, domain.Commit{
			Patch:   domain.Patch{"out": "from x again"},
			Allowed: []string{"out"},
			Guard:   &domain.Guard{Keys: []string{"in"}, Version: 2},
		})
		require.ErrorIs(t, err, domain.ErrStale)

		val, _, err := store.Get(ctx, "out")
		require.NoError(t, err)
		assert.Equal(t, "from x", val)
	})

	t.Run("Error Channel", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Commit(ctx, domain.Commit{Patch: domain.Patch{"k": "v"}, Allowed: []string{"k"}})
		require.NoError(t, err)

		rec := domain.ErrorRecord{
			Stage:   "solve",
			Kind:    domain.KindRetriesExhausted,
			Message: "boom",
			RunID:   "run-1",
			Version: 1,
			At:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		}
		require.NoError(t, store.CommitError(ctx, rec))

		snap, err := store.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.Version(1), snap.Version(), "error writes do not bump the version")
		require.NotNil(t, snap.Error())
		assert.Equal(t, "solve", snap.Error().Stage)
		assert.Equal(t, domain.KindRetriesExhausted, snap.Error().Kind)
		assert.True(t, rec.At.Equal(snap.Error().At))

		val, ok, err := store.Get(ctx, domain.ErrorKey)
		require.NoError(t, err)
		require.True(t, ok)
		got, isRec := val.(*domain.ErrorRecord)
		require.True(t, isRec)
		assert.Equal(t, "boom", got.Message)

		_, err = store.Commit(ctx, domain.Commit{Patch: domain.Patch{"k": "w"}, Allowed: []string{"k"}})
		require.NoError(t, err)
		snap, err = store.Snapshot(ctx)
		require.NoError(t, err)
		assert.Nil(t, snap.Error(), "a successful commit clears the error channel")
	})

	t.Run("Commit Reports Cleared Error", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CommitError(ctx, domain.ErrorRecord{Stage: "solve", Kind: domain.KindPermanent, Message: "boom"}))

		// An empty patch leaves the record in place.
		res, err := store.Commit(ctx, domain.Commit{Patch: domain.Patch{}, Allowed: []string{"k"}})
		require.NoError(t, err)
		assert.False(t, res.ClearedError)

		res, err = store.Commit(ctx, domain.Commit{Patch: domain.Patch{"k": "v"}, Allowed: []string{"k"}})
		require.NoError(t, err)
		assert.Equal(t, domain.Version(1), res.Version)
		assert.True(t, res.ClearedError)

		res, err = store.Commit(ctx, domain.Commit{Patch: domain.Patch{"k": "w"}, Allowed: []string{"k"}})
		require.NoError(t, err)
		assert.False(t, res.ClearedError, "the record is cleared once")
	})

	t.Run("Replay Is Idempotent", func(t *testing.T) {
		store := newStore(t)
		c := domain.Commit{Patch: domain.Patch{"a": "1", "b": []any{"x"}}, Allowed: []string{"a", "b"}}
		_, err := store.Commit(ctx, c)
		require.NoError(t, err)
		first, err := store.Snapshot(ctx)
		require.NoError(t, err)
		_, err = store.Commit(ctx, c)
		require.NoError(t, err)
		second, err := store.Snapshot(ctx)
		require.NoError(t, err)

		assert.Equal(t, first.Values(), second.Values())
		assert.Equal(t, first.Version()+1, second.Version())
	})

	t.Run("Concurrent Commits", func(t *testing.T) {
		store := newStore(t)
		const writers = 8
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := string(rune('a' + i))
				_, err := store.Commit(ctx, domain.Commit{Patch: domain.Patch{key: "v"}, Allowed: []string{key}})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		snap, err := store.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.Version(writers), snap.Version())
		assert.Equal(t, writers, snap.Len())
	})
}

// RunCheckpointStoreContract runs a suite of tests to verify that a CheckpointStore
// implementation adheres to the defined interface contract.
func RunCheckpointStoreContract(t *testing.T, store CheckpointStore) {
	ctx := context.Background()
	sessionID := "contract-test-session-" + time.Now().Format("20060102150405")

	sample := domain.NewSnapshot(3,
		map[string]any{"raw_upload": "x", "qc": 42.0},
		map[string]domain.Version{"raw_upload": 1, "qc": 3},
		&domain.ErrorRecord{Stage: "solve", Kind: domain.KindPermanent, Message: "bad input", Version: 3},
	)

	t.Run("Save and Load", func(t *testing.T) {
		err := store.Save(ctx, sessionID, sample)
		require.NoError(t, err, "Save should not return error")

		loaded, err := store.Load(ctx, sessionID)
		require.NoError(t, err, "Load should not return error")
		assert.Equal(t, domain.Version(3), loaded.Version())
		assert.Equal(t, sample.Values(), loaded.Values())
		assert.Equal(t, domain.Version(1), loaded.Modified("raw_upload"))
		require.NotNil(t, loaded.Error())
		assert.Equal(t, "bad input", loaded.Error().Message)
	})

	t.Run("Save Overwrites", func(t *testing.T) {
		next := sample.Apply(domain.Patch{"qc": 50.0}, 4)
		require.NoError(t, store.Save(ctx, sessionID, next))

		loaded, err := store.Load(ctx, sessionID)
		require.NoError(t, err)
		assert.Equal(t, domain.Version(4), loaded.Version())
		qc, _ := loaded.Get("qc")
		assert.Equal(t, 50.0, qc)
		assert.Nil(t, loaded.Error())
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.Load(ctx, "non-existent-"+sessionID)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, sessionID, sample))

		err := store.Delete(ctx, sessionID)
		require.NoError(t, err, "Delete should not return error")

		_, err = store.Load(ctx, sessionID)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound, "Load after Delete should return ErrSessionNotFound")
	})

	t.Run("List", func(t *testing.T) {
		id1 := sessionID + "-1"
		id2 := sessionID + "-2"
		require.NoError(t, store.Save(ctx, id1, sample))
		require.NoError(t, store.Save(ctx, id2, sample))

		defer func() {
			_ = store.Delete(ctx, id1)
			_ = store.Delete(ctx, id2)
		}()

		sessions, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, sessions, id1)
		assert.Contains(t, sessions, id2)
	})
}
