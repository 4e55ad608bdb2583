package resilience

import (
	"sync"
	"time"

	"github.com/aretw0/sluice/pkg/domain"
)

// Breaker is a per-stage circuit breaker.
//
// CLOSED counts consecutive failures and opens at the threshold. OPEN rejects calls until
// the cool-down has elapsed, then admits a single HALF_OPEN trial whose outcome either
// closes the circuit or re-opens it with a fresh cool-down.
type Breaker struct {
	mu        sync.Mutex
	stage     string
	threshold int
	coolDown  time.Duration
	now       func() time.Time
	onChange  func(from, to domain.CircuitState)

	state    domain.CircuitState
	failures int
	openedAt time.Time
	trial    bool
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// OnStateChange registers a callback for transitions. It runs outside the breaker lock.
func OnStateChange(fn func(from, to domain.CircuitState)) BreakerOption {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// NewBreaker creates a closed breaker.
func NewBreaker(stage string, threshold int, coolDown time.Duration, opts ...BreakerOption) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	b := &Breaker{
		stage:     stage,
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
		state:     domain.CircuitClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. A rejection is a *domain.CircuitOpenError
// and does not count as a failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var from domain.CircuitState
	changed := false
	var err error

	switch b.state {
	case domain.CircuitOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.coolDown {
			err = &domain.CircuitOpenError{Stage: b.stage, RetryAfter: b.coolDown - elapsed}
			break
		}
		from, changed = b.state, true
		b.state = domain.CircuitHalfOpen
		b.trial = true
	case domain.CircuitHalfOpen:
		if b.trial {
			err = &domain.CircuitOpenError{Stage: b.stage}
			break
		}
		b.trial = true
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, domain.CircuitHalfOpen)
	}
	return err
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.trial = false
	b.state = domain.CircuitClosed
	b.mu.Unlock()

	if from != domain.CircuitClosed {
		b.notify(from, domain.CircuitClosed)
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case domain.CircuitHalfOpen:
		b.open()
	case domain.CircuitClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.open()
		}
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// Cancel releases a half-open trial whose call was abandoned without an outcome.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trial = false
}

// State returns the current state. An OPEN breaker whose cool-down elapsed still
// reports OPEN until the next Allow.
func (b *Breaker) State() domain.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// open must be called with the lock held.
func (b *Breaker) open() {
	b.state = domain.CircuitOpen
	b.openedAt = b.now()
	b.trial = false
	b.failures = 0
}

func (b *Breaker) notify(from, to domain.CircuitState) {
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
