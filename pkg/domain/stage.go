package domain

import (
	"context"
	"fmt"
	"time"
)

// Scope collects resources acquired during one invocation of a stage body.
// Everything registered is released when the invocation returns, on every exit path,
// in reverse acquisition order.
type Scope interface {
	// Defer registers a release function.
	Defer(release func() error)
	// TempDir creates a scratch directory that is removed when the invocation ends.
	TempDir(pattern string) (string, error)
}

// Input is what a stage body receives for one attempt.
type Input struct {
	// Snapshot is restricted to the stage's watched and read-only keys.
	Snapshot Snapshot
	Scope    Scope
	Attempt  int
	RunID    string
	Stage    string
}

// Body is an externally supplied stage computation.
// A nil error means the patch is committed; a non-nil error means the patch is ignored.
// An empty patch is a "no update" result.
type Body func(ctx context.Context, in Input) (Patch, error)

// Predicate is an extra precondition evaluated by the validation gate.
type Predicate func(Snapshot) error

// KeyCheck validates a single state value. pkg/schema types satisfy it.
type KeyCheck interface {
	Validate(value any) error
}

// Stage describes a named unit of computation and its state contract.
type Stage struct {
	Name string
	// Watches is the trigger set: a change to any of these keys schedules the stage.
	Watches []string
	// Reads are consulted but never trigger the stage.
	Reads []string
	// Optional lists watched or read keys that may be absent at validation time.
	Optional []string
	// Outputs are exactly the keys the stage may write.
	Outputs []string
	Policy  Policy
	// Schema checks the values of present input keys.
	Schema map[string]KeyCheck
	// Validate runs after presence and schema checks.
	Validate Predicate
	Body     Body
}

// Inputs returns watched keys followed by read-only keys, without duplicates.
func (s *Stage) Inputs() []string {
	seen := make(map[string]struct{}, len(s.Watches)+len(s.Reads))
	out := make([]string, 0, len(s.Watches)+len(s.Reads))
	for _, k := range append(append([]string{}, s.Watches...), s.Reads...) {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// IsOptional reports whether key may be missing.
func (s *Stage) IsOptional(key string) bool {
	for _, k := range s.Optional {
		if k == key {
			return true
		}
	}
	return false
}

// Policy is the per-stage resilience configuration.
type Policy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay" mapstructure:"max_delay"`
	// MaxElapsed caps the total backoff of one run. Zero means no cap beyond MaxDelay per wait.
	MaxElapsed       time.Duration `json:"max_elapsed" yaml:"max_elapsed" mapstructure:"max_elapsed"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CoolDown         time.Duration `json:"cool_down" yaml:"cool_down" mapstructure:"cool_down"`
}

// DefaultPolicy returns the policy applied to zero-valued fields.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      3,
		BaseDelay:        200 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
	}
}

// WithDefaults fills zero fields from def.
func (p Policy) WithDefaults(def Policy) Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = def.MaxElapsed
	}
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = def.FailureThreshold
	}
	if p.CoolDown <= 0 {
		p.CoolDown = def.CoolDown
	}
	return p
}

// Check reports inconsistent settings.
func (p Policy) Check() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("max_attempts must be at least 1, got %d", p.MaxAttempts)
	case p.FailureThreshold < 1:
		return fmt.Errorf("failure_threshold must be at least 1, got %d", p.FailureThreshold)
	case p.BaseDelay < 0 || p.MaxDelay < 0 || p.CoolDown < 0 || p.MaxElapsed < 0:
		return fmt.Errorf("durations must not be negative")
	case p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay:
		return fmt.Errorf("base_delay %s exceeds max_delay %s", p.BaseDelay, p.MaxDelay)
	}
	return nil
}

// Backoff returns the wait after the given failed attempt (1-based):
// BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
