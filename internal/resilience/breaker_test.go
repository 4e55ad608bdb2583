package resilience_test

import (
	"sync"
	"testing"
	"time"

	"github.com/aretw0/sluice/internal/resilience"
	"github.com/aretw0/sluice/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestBreaker_Lifecycle(t *testing.T) {
	clock := newClock()
	var transitions []string
	b := resilience.NewBreaker("solve", 3, 10*time.Second,
		resilience.WithClock(clock.Now),
		resilience.OnStateChange(func(from, to domain.CircuitState) {
			transitions = append(transitions, string(from)+"->"+string(to))
		}),
	)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Failure()
	}
	assert.Equal(t, domain.CircuitClosed, b.State())
	assert.Equal(t, 2, b.Failures())

	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, domain.CircuitOpen, b.State())

	clock.Advance(4 * time.Second)
	err := b.Allow()
	var open *domain.CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, 6*time.Second, open.RetryAfter)

	clock.Advance(6 * time.Second)
	require.NoError(t, b.Allow(), "cool-down elapsed: one trial is admitted")
	assert.Equal(t, domain.CircuitHalfOpen, b.State())
	assert.Error(t, b.Allow(), "only a single trial runs while half-open")

	b.Failure()
	assert.Equal(t, domain.CircuitOpen, b.State())
	clock.Advance(9 * time.Second)
	assert.Error(t, b.Allow(), "a failed trial resets the cool-down")

	clock.Advance(time.Second)
	require.NoError(t, b.Allow())
	b.Success()
	assert.Equal(t, domain.CircuitClosed, b.State())
	assert.NoError(t, b.Allow())

	assert.Equal(t, []string{
		"closed->open",
		"open->half_open",
		"half_open->open",
		"open->half_open",
		"half_open->closed",
	}, transitions)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := resilience.NewBreaker("s", 2, time.Second)
	b.Failure()
	b.Success()
	b.Failure()
	assert.Equal(t, domain.CircuitClosed, b.State())
	assert.Equal(t, 1, b.Failures())
}

func TestBreaker_CancelReleasesTrial(t *testing.T) {
	clock := newClock()
	b := resilience.NewBreaker("s", 1, time.Second, resilience.WithClock(clock.Now))
	b.Failure()
	clock.Advance(time.Second)

	require.NoError(t, b.Allow())
	b.Cancel()
	assert.NoError(t, b.Allow(), "an abandoned trial does not block the next one")
}
