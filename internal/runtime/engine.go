package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/sluice/internal/logging"
	"github.com/aretw0/sluice/internal/resilience"
	"github.com/aretw0/sluice/pkg/domain"
	"github.com/aretw0/sluice/pkg/ports"
	"github.com/aretw0/sluice/pkg/registry"
	"github.com/google/uuid"
)

// TriggerAuthor is the author recorded for external input commits.
const TriggerAuthor = "trigger"

// Engine is the scheduler. It reacts to committed changes by running the stages that
// watch them, one run at a time per stage, and commits their patches back to the store.
type Engine struct {
	store    ports.StateStore
	registry *registry.Registry

	logger        *slog.Logger
	hooks         domain.LifecycleHooks
	publisher     Publisher
	defaultPolicy domain.Policy
	sleep         resilience.SleepFunc
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	lanes  map[string]*lane
	active int
	idle   chan struct{}
	closed bool

	// pubMu spans each store write and its publication.
	pubMu sync.Mutex
}

// request asks a stage to run against state at or after version.
type request struct {
	version domain.Version
	queued  time.Time
}

// lane serializes the runs of one stage. At most one run executes and at most one
// request waits; a newer request replaces the waiting one.
type lane struct {
	stage   domain.Stage
	invoker *resilience.Invoker
	running bool
	pending *request
	last    *domain.RunRecord
}

// NewEngine creates a scheduler over store.
func NewEngine(store ports.StateStore, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		logger:        logging.NewNop(),
		defaultPolicy: domain.DefaultPolicy(),
		sleep:         resilience.Sleep,
		now:           time.Now,
		lanes:         make(map[string]*lane),
		idle:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	close(e.idle)
	e.registry = registry.NewRegistry(registry.WithDefaultPolicy(e.defaultPolicy))
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Registry exposes the stage registry for introspection.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Store returns the underlying state store.
func (e *Engine) Store() ports.StateStore { return e.store }

// Register validates and adds a stage.
func (e *Engine) Register(st domain.Stage) error {
	if err := e.registry.Register(st); err != nil {
		return err
	}
	registered, _ := e.registry.Lookup(st.Name)

	breaker := resilience.NewBreaker(st.Name, registered.Policy.FailureThreshold, registered.Policy.CoolDown,
		resilience.WithClock(e.now),
		resilience.OnStateChange(func(from, to domain.CircuitState) {
			e.logger.Warn("circuit state changed", "stage", st.Name, "from", from, "to", to)
			if e.hooks.OnCircuit != nil {
				e.hooks.OnCircuit(e.ctx, domain.CircuitEvent{Stage: st.Name, From: from, To: to})
			}
		}),
	)
	inv := resilience.NewInvoker(st.Name, registered.Policy, breaker,
		resilience.WithSleep(e.sleep),
		resilience.WithLogger(e.logger),
		resilience.OnAttempt(func(ev domain.AttemptEvent) {
			if e.hooks.OnAttempt != nil {
				e.hooks.OnAttempt(e.ctx, ev)
			}
		}),
	)

	e.mu.Lock()
	e.lanes[st.Name] = &lane{stage: registered, invoker: inv}
	e.mu.Unlock()

	e.logger.Debug("stage registered", "stage", st.Name, "watches", registered.Watches, "outputs", registered.Outputs)
	return nil
}

// Trigger commits external inputs and schedules the stages watching them.
// Keys owned by a stage and the reserved error key cannot be written this way.
func (e *Engine) Trigger(ctx context.Context, patch domain.Patch) (domain.Version, error) {
	if err := e.acquire(); err != nil {
		return 0, err
	}
	defer e.release()

	var owned []string
	for _, key := range patch.Keys() {
		if _, ok := e.registry.Owner(key); ok || key == domain.ErrorKey {
			owned = append(owned, key)
		}
	}
	if len(owned) > 0 {
		err := &domain.ContractViolationError{Author: TriggerAuthor, Undeclared: owned}
		e.logger.ErrorContext(ctx, "trigger rejected", "keys", owned, "error", err)
		return 0, err
	}

	if len(patch) == 0 {
		snap, err := e.store.Snapshot(ctx)
		return snap.Version(), err
	}

	version, err := e.commit(ctx, domain.Commit{Patch: patch, Allowed: patch.Keys(), Author: TriggerAuthor})
	if err != nil {
		return 0, fmt.Errorf("commit trigger: %w", err)
	}

	e.committed(ctx, TriggerAuthor, patch.Keys(), version)
	return version, nil
}

// Wait blocks until no stage is running or queued.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	idle := e.idle
	e.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting triggers, waits for in-flight runs (and the dependents they
// schedule) to finish, then cancels the engine context.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	err := e.Wait(ctx)
	e.cancel()
	return err
}

// Stages reports every registered stage in registration order.
func (e *Engine) Stages() []domain.StageInfo {
	names := e.registry.Names()
	out := make([]domain.StageInfo, 0, len(names))

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range names {
		l, ok := e.lanes[name]
		if !ok {
			continue
		}
		info := domain.StageInfo{
			Name:     name,
			Watches:  l.stage.Watches,
			Reads:    l.stage.Reads,
			Outputs:  l.stage.Outputs,
			Policy:   l.stage.Policy,
			Circuit:  l.invoker.Breaker().State(),
			Failures: l.invoker.Breaker().Failures(),
			Running:  l.running,
			Pending:  l.pending != nil,
		}
		if l.last != nil {
			last := *l.last
			info.LastRun = &last
		}
		out = append(out, info)
	}
	return out
}

// acquire marks the engine busy for the duration of a trigger.
func (e *Engine) acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.ErrEngineClosed
	}
	e.busy()
	return nil
}

func (e *Engine) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.done()
}

// busy and done must be called with e.mu held.
func (e *Engine) busy() {
	if e.active == 0 {
		e.idle = make(chan struct{})
	}
	e.active++
}

func (e *Engine) done() {
	e.active--
	if e.active == 0 {
		close(e.idle)
	}
}

// commit writes c to the store and publishes its changes, including the cleared
// error record when the store reports one. Changes go out in version order.
func (e *Engine) commit(ctx context.Context, c domain.Commit) (domain.Version, error) {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()

	res, err := e.store.Commit(ctx, c)
	if err != nil {
		return 0, err
	}

	keys := c.Patch.Keys()
	changes := make([]domain.Change, 0, len(keys)+1)
	for _, k := range keys {
		changes = append(changes, domain.Change{Key: k, Value: c.Patch[k], Version: res.Version})
	}
	if res.ClearedError {
		changes = append(changes, domain.Change{Key: domain.ErrorKey, Version: res.Version})
	}
	e.publish(changes...)
	return res.Version, nil
}

// committed reports a successful commit and schedules its dependents.
func (e *Engine) committed(ctx context.Context, author string, keys []string, version domain.Version) {
	if e.hooks.OnCommit != nil {
		e.hooks.OnCommit(ctx, domain.CommitEvent{Author: author, Version: version, Keys: keys})
	}
	e.schedule(version, e.registry.Watchers(keys...))
}

func (e *Engine) publish(changes ...domain.Change) {
	if e.publisher != nil && len(changes) > 0 {
		e.publisher.Publish(changes...)
	}
}

// schedule queues a run of each named stage for version.
func (e *Engine) schedule(version domain.Version, names []string) {
	var replaced []domain.RunRecord

	e.mu.Lock()
	for _, name := range names {
		l, ok := e.lanes[name]
		if !ok {
			continue
		}
		req := &request{version: version, queued: e.now()}
		if !l.running {
			l.running = true
			e.busy()
			go e.drain(l, req)
			continue
		}
		if l.pending != nil {
			replaced = append(replaced, domain.RunRecord{
				ID:      uuid.NewString(),
				Stage:   name,
				Status:  domain.RunStale,
				Trigger: l.pending.version,
				Started: l.pending.queued,
			})
		}
		l.pending = req
	}
	e.mu.Unlock()

	for _, rec := range replaced {
		e.logger.Debug("request superseded before start", "stage", rec.Stage, "version", rec.Trigger)
		if e.hooks.OnRunFinish != nil {
			e.hooks.OnRunFinish(e.ctx, rec)
		}
	}
}

// drain executes requests for one lane until none is pending.
func (e *Engine) drain(l *lane, req *request) {
	for req != nil {
		rec := e.execute(l, req)

		e.mu.Lock()
		l.last = &rec
		req = l.pending
		l.pending = nil
		if req == nil {
			l.running = false
			e.done()
		}
		e.mu.Unlock()
	}
}

// execute performs one run: staleness check, validation, invocation, commit.
func (e *Engine) execute(l *lane, req *request) (rec domain.RunRecord) {
	ctx := e.ctx
	st := &l.stage
	inputs := st.Inputs()

	rec = domain.RunRecord{
		ID:      uuid.NewString(),
		Stage:   st.Name,
		Status:  domain.RunPending,
		Trigger: req.version,
		Started: e.now(),
	}
	log := e.logger.With("stage", st.Name, "run_id", rec.ID)
	if e.hooks.OnRunStart != nil {
		e.hooks.OnRunStart(ctx, rec)
	}
	defer func() {
		rec.Duration = e.now().Sub(rec.Started)
		if e.hooks.OnRunFinish != nil {
			e.hooks.OnRunFinish(ctx, rec)
		}
	}()

	prepare := func(ctx context.Context, attempt int) (domain.Snapshot, error) {
		rec.Status = domain.RunValidating
		snap, err := e.store.Snapshot(ctx)
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
		}
		if key, stale := snap.SupersededAfter(req.version, st.Watches); stale {
			return domain.Snapshot{}, fmt.Errorf("%w: %q changed after version %d", domain.ErrStale, key, req.version)
		}
		view := snap.Restrict(inputs...)
		rec.Observed = snap.Version()
		if err := Validate(st, view); err != nil {
			return domain.Snapshot{}, err
		}
		rec.Status = domain.RunRunning
		return view, nil
	}

	res, err := l.invoker.Invoke(ctx, resilience.Call{RunID: rec.ID, Prepare: prepare, Body: st.Body})
	rec.Attempts = res.Attempts
	if err != nil {
		return e.fail(ctx, log, rec, err)
	}

	if len(res.Patch) == 0 {
		rec.Status = domain.RunCommitted
		rec.Result = rec.Observed
		log.DebugContext(ctx, "stage returned no update")
		return rec
	}

	version, err := e.commit(ctx, domain.Commit{
		Patch:   res.Patch,
		Allowed: st.Outputs,
		Author:  st.Name,
		Guard:   &domain.Guard{Keys: st.Watches, Version: res.Snapshot.Version()},
	})
	if err != nil {
		return e.fail(ctx, log, rec, err)
	}

	rec.Status = domain.RunCommitted
	rec.Result = version
	rec.Keys = res.Patch.Keys()
	log.DebugContext(ctx, "stage committed", "version", version, "keys", rec.Keys, "attempts", rec.Attempts)

	e.committed(ctx, st.Name, rec.Keys, version)
	return rec
}

// fail turns a run error into a final status and, unless the run was merely
// superseded or shut down, an error-channel record.
func (e *Engine) fail(ctx context.Context, log *slog.Logger, rec domain.RunRecord, err error) domain.RunRecord {
	rec.Err = err.Error()

	if errors.Is(err, domain.ErrStale) {
		rec.Status = domain.RunStale
		log.DebugContext(ctx, "run discarded as stale", "reason", err)
		return rec
	}

	rec.Status = domain.RunFailed
	kind := domain.KindOf(err)
	if kind == domain.KindCanceled {
		log.InfoContext(ctx, "run canceled", "error", err)
		return rec
	}

	if kind == domain.KindContractViolation {
		log.ErrorContext(ctx, "stage broke its output contract", "error", err)
	} else {
		log.WarnContext(ctx, "stage failed", "kind", kind, "attempts", rec.Attempts, "error", err)
	}

	errRec := domain.ErrorRecord{
		Stage:   rec.Stage,
		Kind:    kind,
		Message: err.Error(),
		RunID:   rec.ID,
		Version: rec.Observed,
		At:      e.now(),
	}
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	// The engine context may already be canceled; the error must still land.
	if cerr := e.store.CommitError(context.WithoutCancel(ctx), errRec); cerr != nil {
		log.ErrorContext(ctx, "failed to record stage error", "error", cerr)
		return rec
	}
	e.publish(domain.Change{Key: domain.ErrorKey, Version: rec.Observed, Error: &errRec})
	return rec
}
