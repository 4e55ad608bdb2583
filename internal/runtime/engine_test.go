package runtime_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/sluice/internal/runtime"
	"github.com/aretw0/sluice/pkg/adapters/memory"
	"github.com/aretw0/sluice/pkg/domain"
	"github.com/aretw0/sluice/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newEngine(t *testing.T, opts ...runtime.Option) (*runtime.Engine, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	opts = append([]runtime.Option{runtime.WithSleep(noSleep)}, opts...)
	e := runtime.NewEngine(store, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e, store
}

func settle(t *testing.T, e *runtime.Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))
}

func snapshot(t *testing.T, store *memory.Store) domain.Snapshot {
	t.Helper()
	snap, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func upper(in, out string, calls *atomic.Int32) domain.Body {
	return func(ctx context.Context, input domain.Input) (domain.Patch, error) {
		calls.Add(1)
		v, _ := input.Snapshot.Get(in)
		return domain.Patch{out: strings.ToUpper(fmt.Sprint(v))}, nil
	}
}

func TestEngine_Chain(t *testing.T) {
	e, store := newEngine(t)
	var aCalls, bCalls atomic.Int32

	require.NoError(t, e.Register(domain.Stage{
		Name: "A", Watches: []string{"raw_upload"}, Outputs: []string{"parsed"},
		Body: upper("raw_upload", "parsed", &aCalls),
	}))
	require.NoError(t, e.Register(domain.Stage{
		Name: "B", Watches: []string{"parsed"}, Outputs: []string{"result"},
		Body: func(ctx context.Context, in domain.Input) (domain.Patch, error) {
			bCalls.Add(1)
			v, _ := in.Snapshot.Get("parsed")
			return domain.Patch{"result": v.(string) + "!"}, nil
		},
	}))

	v, err := e.Trigger(context.Background(), domain.Patch{"raw_upload": "x"})
	require.NoError(t, err)
	assert.Equal(t, domain.Version(1), v)
	settle(t, e)

	snap := snapshot(t, store)
	result, _ := snap.Get("result")
	assert.Equal(t, "X!", result)
	assert.Equal(t, int32(1), aCalls.Load())
	assert.Equal(t, int32(1), bCalls.Load())
	assert.Nil(t, snap.Error())
	assert.Equal(t, domain.Version(3), snap.Version())

	stages := e.Stages()
	require.Len(t, stages, 2)
	require.NotNil(t, stages[1].LastRun)
	assert.Equal(t, domain.RunCommitted, stages[1].LastRun.Status)
	assert.Equal(t, []string{"result"}, stages[1].LastRun.Keys)
}

func TestEngine_RetriesExhausted(t *testing.T) {
	e, store := newEngine(t)
	var calls atomic.Int32

	require.NoError(t, e.Register(domain.Stage{
		Name: "C", Watches: []string{"in"}, Outputs: []string{"out"},
		Policy: domain.Policy{MaxAttempts: 3},
		Body: func(ctx context.Context, in domain.Input) (domain.Patch, error) {
			calls.Add(1)
			return nil, domain.Transient(errors.New("solver timeout"))
		},
	}))

	_, err := e.Trigger(context.Background(), domain.Patch{"in": 1.0})
	require.NoError(t, err)
	settle(t, e)

	assert.Equal(t, int32(3), calls.Load())
	rec := snapshot(t, store).Error()
	require.NotNil(t, rec)
	assert.Equal(t, domain.KindRetriesExhausted, rec.Kind)
	assert.Equal(t, "C", rec.Stage)

	last := e.Stages()[0].LastRun
	require.NotNil(t, last)
	assert.Equal(t, domain.RunFailed, last.Status)
	assert.Equal(t, 3, last.Attempts)
}

func TestEngine_LatestWins(t *testing.T) {
	var (
		mu       sync.Mutex
		seen     []string
		statuses []domain.RunStatus
	)
	hooks := domain.LifecycleHooks{
		OnRunFinish: func(ctx context.Context, rec domain.RunRecord) {
			mu.Lock()
			defer mu.Unlock()
			statuses = append(statuses, rec.Status)
		},
	}
	e, store := newEngine(t, runtime.WithLifecycleHooks(hooks))

	started := make(chan struct{})
	release := make(chan struct{})
	var first sync.Once

	require.NoError(t, e.Register(domain.Stage{
		Name: "A", Watches: []string{"raw_upload"}, Outputs: []string{"parsed"},
		Body: func(ctx context.Context, in domain.Input) (domain.Patch, error) {
			v, _ := in.Snapshot.Get("raw_upload")
			mu.Lock()
			seen = append(seen, v.(string))
			mu.Unlock()
			first.Do(func() {
				close(started)
				<-release
			})
			return domain.Patch{"parsed": strings.ToUpper(v.(string))}, nil
		},
	}))

	ctx := context.Background()
	_, err := e.Trigger(ctx, domain.Patch{"raw_upload": "w"})
	require.NoError(t, err)
	<-started

	// A is busy with "w": both writes queue, and "y" replaces "x".
	_, err = e.Trigger(ctx, domain.Patch{"raw_upload": "x"})
	require.NoError(t, err)
	_, err = e.Trigger(ctx, domain.Patch{"raw_upload": "y"})
	require.NoError(t, err)
	close(release)
	settle(t, e)

	assert.Equal(t, []string{"w", "y"}, seen, "the body never sees the superseded value")
	parsed, _ := snapshot(t, store).Get("parsed")
	assert.Equal(t, "Y", parsed)

	// "x" was dropped before starting and the "w" result was discarded at commit.
	assert.ElementsMatch(t, []domain.RunStatus{domain.RunStale, domain.RunStale, domain.RunCommitted}, statuses)
}

func TestEngine_ContractViolation(t *testing.T) {
	e, store := newEngine(t)
	var downstream atomic.Int32

	require.NoError(t, e.Register(domain.Stage{
		Name: "sneaky", Watches: []string{"in"}, Outputs: []string{"out"},
		Body: func(ctx context.Context, in domain.Input) (domain.Patch, error) {
			return domain.Patch{"out": 1.0, "other": 2.0}, nil
		},
	}))
	require.NoError(t, e.Register(domain.Stage{
		Name: "down", Watches: []string{"out"}, Outputs: []string{"final"},
		Body: upper("out", "final", &downstream),
	}))

	_, err := e.Trigger(context.Background(), domain.Patch{"in": "go"})
	require.NoError(t, err)
	settle(t, e)

	snap := snapshot(t, store)
	assert.False(t, snap.Has("out"))
	assert.False(t, snap.Has("other"))
	require.NotNil(t, snap.Error())
	assert.Equal(t, domain.KindContractViolation, snap.Error().Kind)
	assert.Zero(t, downstream.Load())
}

func TestEngine_ValidationGate(t *testing.T) {
	e, store := newEngine(t)
	var calls atomic.Int32

	require.NoError(t, e.Register(domain.Stage{
		Name:    "solve",
		Watches: []string{"qc"},
		Reads:   []string{"layers"},
		Outputs: []string{"result"},
		Schema:  schema.Schema{"qc": schema.Range(0, 100)}.Checks(),
		Body: func(ctx context.Context, in domain.Input) (domain.Patch, error) {
			calls.Add(1)
			return domain.Patch{"result": "ok"}, nil
		},
	}))

	ctx := context.Background()
	_, err := e.Trigger(ctx, domain.Patch{"qc": 50.0})
	require.NoError(t, err)
	settle(t, e)

	rec := snapshot(t, store).Error()
	require.NotNil(t, rec)
	assert.Equal(t, domain.KindValidation, rec.Kind)
	assert.Contains(t, rec.Message, "layers")

	_, err = e.Trigger(ctx, domain.Patch{"layers": []any{"sand"}})
	require.NoError(t, err)
	_, err = e.Trigger(ctx, domain.Patch{"qc": 150.0})
	require.NoError(t, err)
	settle(t, e)

	rec = snapshot(t, store).Error()
	require.NotNil(t, rec)
	assert.Contains(t, rec.Message, "above maximum")
	assert.Zero(t, calls.Load(), "the body never runs on invalid input")

	_, err = e.Trigger(ctx, domain.Patch{"qc": 42.0})
	require.NoError(t, err)
	settle(t, e)

	snap := snapshot(t, store)
	assert.Equal(t, int32(1), calls.Load())
	assert.Nil(t, snap.Error(), "a successful commit clears the error channel")
	result, _ := snap.Get("result")
	assert.Equal(t, "ok", result)
}

func TestEngine_CircuitOpen(t *testing.T) {
	e, store := newEngine(t)
	var calls atomic.Int32

	require.NoError(t, e.Register(domain.Stage{
		Name: "flaky", Watches: []string{"in"}, Outputs: []string{"out"},
		Policy: domain.Policy{MaxAttempts: 1, FailureThreshold: 2, CoolDown: time.Hour},
		Body: func(ctx context.Context, in domain.Input) (domain.Patch, error) {
			calls.Add(1)
			return nil, errors.New("broken")
		},
	}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := e.Trigger(ctx, domain.Patch{"in": float64(i)})
		require.NoError(t, err)
		settle(t, e)
	}

	assert.Equal(t, int32(2), calls.Load())
	rec := snapshot(t, store).Error()
	require.NotNil(t, rec)
	assert.Equal(t, domain.KindCircuitOpen, rec.Kind)
	assert.Equal(t, domain.CircuitOpen, e.Stages()[0].Circuit)
}

func TestEngine_CircuitOpensMidRetry(t *testing.T) {
	e, store := newEngine(t)
	var calls atomic.Int32

	// The breaker trips before the retry budget is spent.
	require.NoError(t, e.Register(domain.Stage{
		Name: "flaky", Watches: []string{"in"}, Outputs: []string{"out"},
		Policy: domain.Policy{MaxAttempts: 5, FailureThreshold: 2, CoolDown: time.Hour},
		Body: func(ctx context.Context, in domain.Input) (domain.Patch, error) {
			calls.Add(1)
			return nil, domain.Transient(errors.New("down"))
		},
	}))

	_, err := e.Trigger(context.Background(), domain.Patch{"in": "x"})
	require.NoError(t, err)
	settle(t, e)

	assert.Equal(t, int32(2), calls.Load())
	rec := snapshot(t, store).Error()
	require.NotNil(t, rec)
	assert.Equal(t, domain.KindCircuitOpen, rec.Kind)

	info := e.Stages()[0]
	assert.Equal(t, domain.CircuitOpen, info.Circuit)
	require.NotNil(t, info.LastRun)
	assert.Equal(t, domain.RunFailed, info.LastRun.Status)
	assert.Equal(t, 2, info.LastRun.Attempts)
}

func TestEngine_NoPropagationOnFailure(t *testing.T) {
	e, store := newEngine(t)
	var downstream atomic.Int32

	require.NoError(t, e.Register(domain.Stage{
		Name: "A", Watches: []string{"raw_upload"}, Outputs: []string{"parsed"},
		Body: func(ctx context.Context, in domain.Input) (domain.Patch, error) {
			return nil, domain.Permanent(errors.New("cannot parse"))
		},
	}))
	require.NoError(t, e.Register(domain.Stage{
		Name: "B", Watches: []string{"parsed"}, Outputs: []string{"result"},
		Body: upper("parsed", "result", &downstream),
	}))

	_, err := e.Trigger(context.Background(), domain.Patch{"raw_upload": "x"})
	require.NoError(t, err)
	settle(t, e)

	snap := snapshot(t, store)
	assert.Zero(t, downstream.Load())
	assert.Equal(t, domain.Version(1), snap.Version(), "error writes do not bump the version")
	require.NotNil(t, snap.Error())
	assert.Equal(t, domain.KindPermanent, snap.Error().Kind)
}

func TestEngine_EmptyPatchIsNoUpdate(t *testing.T) {
	e, store := newEngine(t)
	var downstream atomic.Int32

	require.NoError(t, e.Register(domain.Stage{
		Name: "A", Watches: []string{"in"}, Outputs: []string{"mid"},
		Body: func(ctx context.Context, in domain.Input) (domain.Patch, error) {
			return domain.Patch{}, nil
		},
	}))
	require.NoError(t, e.Register(domain.Stage{
		Name: "B", Watches: []string{"mid"}, Outputs: []string{"out"},
		Body: upper("mid", "out", &downstream),
	}))

	_, err := e.Trigger(context.Background(), domain.Patch{"in": "x"})
	require.NoError(t, err)
	settle(t, e)

	assert.Equal(t, domain.Version(1), snapshot(t, store).Version())
	assert.Zero(t, downstream.Load())
	assert.Equal(t, domain.RunCommitted, e.Stages()[0].LastRun.Status)
}

func TestEngine_PerStageMutualExclusion(t *testing.T) {
	e, _ := newEngine(t)
	var running, peak, calls atomic.Int32

	require.NoError(t, e.Register(domain.Stage{
		Name: "S", Watches: []string{"in"}, Outputs: []string{"out"},
		Body: func(ctx context.Context, in domain.Input) (domain.Patch, error) {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			calls.Add(1)
			time.Sleep(5 * time.Millisecond)
			v, _ := in.Snapshot.Get("in")
			return domain.Patch{"out": v}, nil
		},
	}))

	for i := 0; i < 20; i++ {
		_, err := e.Trigger(context.Background(), domain.Patch{"in": float64(i)})
		require.NoError(t, err)
	}
	settle(t, e)

	assert.Equal(t, int32(1), peak.Load())
	assert.Less(t, calls.Load(), int32(20), "bursts coalesce")
}

func TestEngine_IndependentStagesRunConcurrently(t *testing.T) {
	e, store := newEngine(t)
	var arrived sync.WaitGroup
	arrived.Add(2)
	both := make(chan struct{})
	go func() {
		arrived.Wait()
		close(both)
	}()

	rendezvous := func(out string) domain.Body {
		return func(ctx context.Context, in domain.Input) (domain.Patch, error) {
			arrived.Done()
			select {
			case <-both:
				return domain.Patch{out: true}, nil
			case <-time.After(2 * time.Second):
				return nil, errors.New("stages did not overlap")
			}
		}
	}
	require.NoError(t, e.Register(domain.Stage{Name: "left", Watches: []string{"a"}, Outputs: []string{"l"}, Body: rendezvous("l")}))
	require.NoError(t, e.Register(domain.Stage{Name: "right", Watches: []string{"b"}, Outputs: []string{"r"}, Body: rendezvous("r")}))

	_, err := e.Trigger(context.Background(), domain.Patch{"a": 1.0, "b": 2.0})
	require.NoError(t, err)
	settle(t, e)

	snap := snapshot(t, store)
	assert.Nil(t, snap.Error())
	assert.True(t, snap.Has("l"))
	assert.True(t, snap.Has("r"))
}

func TestEngine_BodySeesOnlyDeclaredInputs(t *testing.T) {
	e, _ := newEngine(t)
	var keys []string

	require.NoError(t, e.Register(domain.Stage{
		Name: "S", Watches: []string{"in"}, Reads: []string{"cfg"}, Outputs: []string{"out"},
		Optional: []string{"cfg"},
		Body: func(ctx context.Context, in domain.Input) (domain.Patch, error) {
			keys = in.Snapshot.Keys()
			return nil, nil
		},
	}))

	ctx := context.Background()
	_, err := e.Trigger(ctx, domain.Patch{"secret": "s", "cfg": "c"})
	require.NoError(t, err)
	_, err = e.Trigger(ctx, domain.Patch{"in": "x"})
	require.NoError(t, err)
	settle(t, e)

	assert.Equal(t, []string{"cfg", "in"}, keys)
}

func TestEngine_TriggerRules(t *testing.T) {
	e, _ := newEngine(t)
	require.NoError(t, e.Register(domain.Stage{
		Name: "A", Watches: []string{"in"}, Outputs: []string{"out"},
		Body: func(ctx context.Context, in domain.Input) (domain.Patch, error) { return nil, nil },
	}))
	ctx := context.Background()

	_, err := e.Trigger(ctx, domain.Patch{"out": "forged"})
	assert.ErrorIs(t, err, domain.ErrContractViolation)
	_, err = e.Trigger(ctx, domain.Patch{domain.ErrorKey: "forged"})
	assert.ErrorIs(t, err, domain.ErrContractViolation)

	v, err := e.Trigger(ctx, domain.Patch{})
	require.NoError(t, err)
	assert.Equal(t, domain.Version(0), v)

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, e.Close(closeCtx))
	_, err = e.Trigger(ctx, domain.Patch{"in": "late"})
	assert.ErrorIs(t, err, domain.ErrEngineClosed)
}

type recorder struct {
	mu      sync.Mutex
	changes []domain.Change
}

func (r *recorder) Publish(changes ...domain.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, changes...)
}

func TestEngine_PublishesChanges(t *testing.T) {
	rec := &recorder{}
	var commits atomic.Int32
	e, _ := newEngine(t,
		runtime.WithPublisher(rec),
		runtime.WithLifecycleHooks(domain.LifecycleHooks{
			OnCommit: func(ctx context.Context, ev domain.CommitEvent) { commits.Add(1) },
		}),
	)
	fail := true
	require.NoError(t, e.Register(domain.Stage{
		Name: "A", Watches: []string{"in"}, Outputs: []string{"out"},
		Body: func(ctx context.Context, in domain.Input) (domain.Patch, error) {
			if fail {
				return nil, errors.New("nope")
			}
			return domain.Patch{"out": "ok"}, nil
		},
	}))

	ctx := context.Background()
	_, err := e.Trigger(ctx, domain.Patch{"in": "1"})
	require.NoError(t, err)
	settle(t, e)
	fail = false
	_, err = e.Trigger(ctx, domain.Patch{"in": "2"})
	require.NoError(t, err)
	settle(t, e)

	var keys []string
	for _, c := range rec.changes {
		keys = append(keys, c.Key)
	}
	assert.Equal(t, []string{"in", "error", "in", "error", "out"}, keys)
	assert.NotNil(t, rec.changes[1].Error)
	assert.Nil(t, rec.changes[3].Error, "the error channel was cleared")
	assert.Equal(t, int32(3), commits.Load())
}

func TestEngine_ClearsRestoredError(t *testing.T) {
	restored := domain.NewSnapshot(1, map[string]any{"k": 1.0}, map[string]domain.Version{"k": 1},
		&domain.ErrorRecord{Stage: "solve", Kind: domain.KindPermanent, Message: "boom", Version: 1})
	store := memory.NewStore(memory.WithSnapshot(restored))
	rec := &recorder{}
	e := runtime.NewEngine(store, runtime.WithSleep(noSleep), runtime.WithPublisher(rec))
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	v, err := e.Trigger(context.Background(), domain.Patch{"k": 2.0})
	require.NoError(t, err)
	settle(t, e)

	assert.Nil(t, snapshot(t, store).Error())
	require.Len(t, rec.changes, 2)
	assert.Equal(t, "k", rec.changes[0].Key)
	assert.Equal(t, domain.ErrorKey, rec.changes[1].Key)
	assert.Nil(t, rec.changes[1].Error)
	assert.Equal(t, v, rec.changes[1].Version)
}

func TestEngine_PublishesInVersionOrder(t *testing.T) {
	rec := &recorder{}
	e, _ := newEngine(t, runtime.WithPublisher(rec))

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Trigger(ctx, domain.Patch{fmt.Sprintf("in%d", i%5): float64(i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	settle(t, e)

	require.Len(t, rec.changes, 50)
	for i, c := range rec.changes {
		assert.Equal(t, domain.Version(i+1), c.Version)
	}
}
