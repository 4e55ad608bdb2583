package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/sluice/internal/logging"
	"github.com/aretw0/sluice/pkg/domain"
)

// PanicError is returned when a stage body or a release function panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// PrepareFunc runs before every attempt. It returns the snapshot the attempt should see,
// or an error (validation failure, superseded inputs) that ends the run without calling
// the body.
type PrepareFunc func(ctx context.Context, attempt int) (domain.Snapshot, error)

// Call is one stage run handed to the Invoker.
type Call struct {
	RunID   string
	Prepare PrepareFunc
	Body    domain.Body
}

// Result describes what the Invoker did.
type Result struct {
	Patch domain.Patch
	// Snapshot is the snapshot the last attempt observed.
	Snapshot domain.Snapshot
	// Attempts counts body invocations.
	Attempts int
}

// Invoker applies a stage's policy and breaker around its body.
type Invoker struct {
	stage     string
	policy    domain.Policy
	breaker   *Breaker
	sleep     SleepFunc
	logger    *slog.Logger
	onAttempt func(domain.AttemptEvent)
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(fn SleepFunc) InvokerOption {
	return func(i *Invoker) {
		i.sleep = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) InvokerOption {
	return func(i *Invoker) {
		i.logger = l
	}
}

// OnAttempt registers a callback fired after every body invocation.
func OnAttempt(fn func(domain.AttemptEvent)) InvokerOption {
	return func(i *Invoker) {
		i.onAttempt = fn
	}
}

// NewInvoker creates an invoker for one stage.
func NewInvoker(stage string, policy domain.Policy, breaker *Breaker, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		stage:   stage,
		policy:  policy.WithDefaults(domain.DefaultPolicy()),
		breaker: breaker,
		sleep:   Sleep,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Breaker returns the breaker guarding this stage.
func (i *Invoker) Breaker() *Breaker { return i.breaker }

// Invoke runs the call until it succeeds, fails permanently, exhausts its attempts or
// is rejected by the breaker.
//
// Before every attempt Prepare is consulted, then the breaker. Transient failures are
// retried with exponential backoff; every failure counts toward the breaker.
func (i *Invoker) Invoke(ctx context.Context, call Call) (Result, error) {
	var (
		res     Result
		last    error
		waited  time.Duration
		attempt int
	)

	for attempt = 1; attempt <= i.policy.MaxAttempts; attempt++ {
		snap, err := call.Prepare(ctx, attempt)
		if err != nil {
			return res, err
		}
		res.Snapshot = snap

		if err := i.breaker.Allow(); err != nil {
			return res, err
		}

		res.Attempts = attempt
		patch, err := i.attempt(ctx, call, snap, attempt)
		if err == nil {
			i.breaker.Success()
			i.emit(call.RunID, attempt, nil, 0)
			res.Patch = patch
			return res, nil
		}

		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// Shutdown, not a stage failure.
			i.breaker.Cancel()
			i.emit(call.RunID, attempt, err, 0)
			return res, err
		}

		i.breaker.Failure()
		last = err

		if !domain.IsTransient(err) {
			i.emit(call.RunID, attempt, err, 0)
			return res, err
		}
		if attempt == i.policy.MaxAttempts {
			i.emit(call.RunID, attempt, err, 0)
			break
		}

		delay := i.policy.Backoff(attempt)
		if i.policy.MaxElapsed > 0 && waited+delay > i.policy.MaxElapsed {
			i.logger.DebugContext(ctx, "backoff budget spent", "stage", i.stage, "waited", waited)
			i.emit(call.RunID, attempt, err, 0)
			break
		}

		i.emit(call.RunID, attempt, err, delay)
		i.logger.DebugContext(ctx, "retrying stage", "stage", i.stage, "attempt", attempt, "delay", delay, "error", err)
		if err := i.sleep(ctx, delay); err != nil {
			return res, err
		}
		waited += delay
	}

	return res, &domain.RetriesExhaustedError{Stage: i.stage, Attempts: res.Attempts, Last: last}
}

// attempt runs the body once inside a fresh scope. Panics become permanent errors.
func (i *Invoker) attempt(ctx context.Context, call Call, snap domain.Snapshot, attempt int) (patch domain.Patch, err error) {
	scope := NewScope()
	defer func() {
		if cerr := scope.Close(); cerr != nil {
			i.logger.WarnContext(ctx, "stage cleanup failed", "stage", i.stage, "run_id", call.RunID, "error", cerr)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			patch = nil
			err = domain.Permanent(&PanicError{Value: r})
			i.logger.ErrorContext(ctx, "stage body panicked", "stage", i.stage, "run_id", call.RunID, "panic", r)
		}
	}()

	return call.Body(ctx, domain.Input{
		Snapshot: snap,
		Scope:    scope,
		Attempt:  attempt,
		RunID:    call.RunID,
		Stage:    i.stage,
	})
}

func (i *Invoker) emit(runID string, attempt int, err error, delay time.Duration) {
	if i.onAttempt == nil {
		return
	}
	i.onAttempt(domain.AttemptEvent{
		Stage:   i.stage,
		RunID:   runID,
		Attempt: attempt,
		Err:     err,
		Delay:   delay,
	})
}
