package runtime

import (
	"log/slog"
	"time"

	"github.com/aretw0/sluice/internal/resilience"
	"github.com/aretw0/sluice/pkg/domain"
)

// Publisher receives every change the engine makes to the store.
// Implementations must not block.
type Publisher interface {
	Publish(changes ...domain.Change)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithLifecycleHooks registers observability callbacks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(e *Engine) {
		e.hooks = hooks
	}
}

// WithPublisher routes store changes to presentation subscribers.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithDefaultPolicy sets the policy applied to zero fields of registered stages.
func WithDefaultPolicy(p domain.Policy) Option {
	return func(e *Engine) {
		e.defaultPolicy = p
	}
}

// WithSleep replaces the backoff wait of every stage.
func WithSleep(fn resilience.SleepFunc) Option {
	return func(e *Engine) {
		e.sleep = fn
	}
}

// WithClock replaces time.Now for breakers and run records.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}
