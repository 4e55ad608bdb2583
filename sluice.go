package sluice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/sluice/internal/logging"
	"github.com/aretw0/sluice/internal/resilience"
	"github.com/aretw0/sluice/internal/runtime"
	"github.com/aretw0/sluice/pkg/adapters/memory"
	"github.com/aretw0/sluice/pkg/domain"
	"github.com/aretw0/sluice/pkg/ports"
	"github.com/aretw0/sluice/pkg/registry"
	"github.com/aretw0/sluice/pkg/stream"
)

// Engine is the high-level entry point for the Sluice library.
// It wires a state store, the scheduler and the presentation hub together.
type Engine struct {
	runtime *runtime.Engine
	store   ports.StateStore
	hub     *stream.Hub

	stages        []domain.Stage
	hooks         domain.LifecycleHooks
	logger        *slog.Logger
	defaultPolicy *domain.Policy
	buffer        int
	sleep         resilience.SleepFunc
	now           func() time.Time
	Name          string
}

// Option defines a functional option for configuring the Engine.
type Option func(*Engine)

// WithStore sets the state store. Defaults to an empty in-memory store.
func WithStore(store ports.StateStore) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithStages registers stages during New.
func WithStages(stages ...domain.Stage) Option {
	return func(e *Engine) {
		e.stages = append(e.stages, stages...)
	}
}

// WithLifecycleHooks registers observability hooks.
// Calling it more than once joins the hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(e *Engine) {
		e.hooks = domain.Join(e.hooks, hooks)
	}
}

// WithLogger sets a custom structured logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithDefaultPolicy sets the policy filling zero fields of every stage policy.
func WithDefaultPolicy(p domain.Policy) Option {
	return func(e *Engine) {
		e.defaultPolicy = &p
	}
}

// WithSubscriberBuffer sets the channel capacity of each subscription.
func WithSubscriberBuffer(n int) Option {
	return func(e *Engine) {
		e.buffer = n
	}
}

// WithSleep replaces the wait between retries. Tests use it to skip backoff.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		e.sleep = fn
	}
}

// WithClock replaces time.Now for run records and circuit breakers.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithName labels the engine, e.g. with a session or pipeline name. The name is added to every log line.
func WithName(name string) Option {
	return func(e *Engine) {
		e.Name = name
	}
}

// New initializes a new Sluice Engine.
func New(opts ...Option) (*Engine, error) {
	eng := &Engine{}
	for _, opt := range opts {
		opt(eng)
	}

	if eng.logger == nil {
		eng.logger = logging.NewNop()
	}
	if eng.Name != "" {
		eng.logger = eng.logger.With("engine", eng.Name)
	}
	if eng.store == nil {
		eng.store = memory.NewStore()
	}

	hubOpts := []stream.Option{stream.WithLogger(eng.logger)}
	if eng.buffer > 0 {
		hubOpts = append(hubOpts, stream.WithBuffer(eng.buffer))
	}
	eng.hub = stream.NewHub(hubOpts...)

	runtimeOpts := []runtime.Option{
		runtime.WithLogger(eng.logger),
		runtime.WithLifecycleHooks(eng.hooks),
		runtime.WithPublisher(eng.hub),
	}
	if eng.defaultPolicy != nil {
		runtimeOpts = append(runtimeOpts, runtime.WithDefaultPolicy(*eng.defaultPolicy))
	}
	if eng.sleep != nil {
		runtimeOpts = append(runtimeOpts, runtime.WithSleep(eng.sleep))
	}
	if eng.now != nil {
		runtimeOpts = append(runtimeOpts, runtime.WithClock(eng.now))
	}
	eng.runtime = runtime.NewEngine(eng.store, runtimeOpts...)

	for _, st := range eng.stages {
		if err := eng.runtime.Register(st); err != nil {
			return nil, err
		}
	}
	eng.stages = nil

	return eng, nil
}

// Register validates a stage descriptor and adds it to the registry.
func (e *Engine) Register(st domain.Stage) error {
	return e.runtime.Register(st)
}

// Trigger writes an external input and schedules every stage watching key.
// It returns once the input is committed; stage runs happen asynchronously.
func (e *Engine) Trigger(ctx context.Context, key string, value any) (domain.Version, error) {
	return e.runtime.Trigger(ctx, domain.Patch{key: value})
}

// TriggerPatch writes several external inputs in one commit.
func (e *Engine) TriggerPatch(ctx context.Context, patch domain.Patch) (domain.Version, error) {
	return e.runtime.Trigger(ctx, patch)
}

// Read returns the current value of key from the store.
// Reading domain.ErrorKey yields the last *domain.ErrorRecord, if any.
func (e *Engine) Read(ctx context.Context, key string) (any, bool, error) {
	return e.store.Get(ctx, key)
}

// Snapshot returns the whole current state.
func (e *Engine) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return snap, nil
}

// Subscribe streams changes of the given keys (all keys if none are given).
// The returned function cancels the subscription and closes the channel.
func (e *Engine) Subscribe(keys ...string) (<-chan domain.Change, func()) {
	return e.hub.Subscribe(keys...)
}

// Stages describes every registered stage with its circuit state and last run.
func (e *Engine) Stages() []domain.StageInfo {
	return e.runtime.Stages()
}

// Registry returns the stage registry for introspection tools.
func (e *Engine) Registry() *registry.Registry {
	return e.runtime.Registry()
}

// Store returns the underlying state store.
func (e *Engine) Store() ports.StateStore {
	return e.store
}

// Wait blocks until no stage is running or pending.
func (e *Engine) Wait(ctx context.Context) error {
	return e.runtime.Wait(ctx)
}

// Close stops accepting triggers, waits for in-flight runs and releases the engine.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}
