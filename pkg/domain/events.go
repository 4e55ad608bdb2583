package domain

import (
	"context"
	"time"
)

// RunStatus is the lifecycle state of one scheduled execution.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunValidating RunStatus = "validating"
	RunRunning    RunStatus = "running"
	RunCommitted  RunStatus = "committed"
	RunFailed     RunStatus = "failed"
	RunStale      RunStatus = "stale" // Superseded by a newer request; result (if any) discarded
)

// Final reports whether the status ends a run.
func (s RunStatus) Final() bool {
	return s == RunCommitted || s == RunFailed || s == RunStale
}

// CircuitState is the per-stage circuit breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// RunRecord describes a single execution of a stage.
type RunRecord struct {
	ID       string        `json:"id"`
	Stage    string        `json:"stage"`
	Status   RunStatus     `json:"status"`
	Trigger  Version       `json:"trigger_version"`
	Observed Version       `json:"observed_version,omitempty"`
	Result   Version       `json:"result_version,omitempty"`
	Attempts int           `json:"attempts"`
	Keys     []string      `json:"keys,omitempty"`
	Err      string        `json:"error,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// Change is delivered to presentation subscribers after a commit or an error-channel write.
type Change struct {
	Key     string       `json:"key"`
	Value   any          `json:"value,omitempty"`
	Version Version      `json:"version"`
	Error   *ErrorRecord `json:"error,omitempty"`
}

// AttemptEvent reports the outcome of one invocation attempt of a stage body.
type AttemptEvent struct {
	Stage   string
	RunID   string
	Attempt int
	Err     error
	Delay   time.Duration // Backoff before the next attempt; zero if none follows
}

// CommitEvent reports a successful state commit.
type CommitEvent struct {
	Author  string
	Version Version
	Keys    []string
}

// CircuitEvent reports a circuit breaker transition.
type CircuitEvent struct {
	Stage string
	From  CircuitState
	To    CircuitState
}

// LifecycleHooks defines callbacks for engine observability.
type LifecycleHooks struct {
	OnRunStart  func(context.Context, RunRecord)
	OnRunFinish func(context.Context, RunRecord)
	OnAttempt   func(context.Context, AttemptEvent)
	OnCommit    func(context.Context, CommitEvent)
	OnCircuit   func(context.Context, CircuitEvent)
}

// Join returns hooks calling every non-nil callback of each argument in order.
func Join(hooks ...LifecycleHooks) LifecycleHooks {
	var out LifecycleHooks
	for _, h := range hooks {
		h := h
		out.OnRunStart = chain(out.OnRunStart, h.OnRunStart)
		out.OnRunFinish = chain(out.OnRunFinish, h.OnRunFinish)
		out.OnAttempt = chain(out.OnAttempt, h.OnAttempt)
		out.OnCommit = chain(out.OnCommit, h.OnCommit)
		out.OnCircuit = chain(out.OnCircuit, h.OnCircuit)
	}
	return out
}

func chain[T any](a, b func(context.Context, T)) func(context.Context, T) {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(ctx context.Context, ev T) {
		a(ctx, ev)
		b(ctx, ev)
	}
}

// StageInfo is a point-in-time view of a registered stage for presentation.
type StageInfo struct {
	Name     string       `json:"name"`
	Watches  []string     `json:"watches"`
	Reads    []string     `json:"reads,omitempty"`
	Outputs  []string     `json:"outputs"`
	Policy   Policy       `json:"policy"`
	Circuit  CircuitState `json:"circuit"`
	Failures int          `json:"consecutive_failures"`
	Running  bool         `json:"running"`
	Pending  bool         `json:"pending"`
	LastRun  *RunRecord   `json:"last_run,omitempty"`
}
