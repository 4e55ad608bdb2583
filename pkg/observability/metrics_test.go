package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aretw0/sluice/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Hooks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := m.Hooks()
	ctx := context.Background()

	run := domain.RunRecord{ID: "r1", Stage: "total"}
	h.OnRunStart(ctx, run)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Running))

	h.OnAttempt(ctx, domain.AttemptEvent{Stage: "total", Attempt: 1, Err: domain.Transient(errors.New("timeout"))})
	h.OnAttempt(ctx, domain.AttemptEvent{Stage: "total", Attempt: 2})
	h.OnCommit(ctx, domain.CommitEvent{Author: "total", Version: 7, Keys: []string{"sum"}})

	run.Status = domain.RunCommitted
	run.Duration = 20 * time.Millisecond
	h.OnRunFinish(ctx, run)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.Running))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("total", "committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attempts.WithLabelValues("total", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attempts.WithLabelValues("total", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commits.WithLabelValues("total")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.Version))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RunDuration))
}

func TestMetrics_CoalescedRunDoesNotTouchInFlight(t *testing.T) {
	m := NewMetrics(nil)
	h := m.Hooks()

	h.OnRunFinish(context.Background(), domain.RunRecord{ID: "never-started", Stage: "s", Status: domain.RunStale})

	assert.Equal(t, 0.0, testutil.ToFloat64(m.Running))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("s", "stale")))
	assert.Equal(t, 0, testutil.CollectAndCount(m.RunDuration))
}

func TestMetrics_Circuit(t *testing.T) {
	m := NewMetrics(nil)
	h := m.Hooks()
	ctx := context.Background()

	h.OnCircuit(ctx, domain.CircuitEvent{Stage: "s", From: domain.CircuitClosed, To: domain.CircuitOpen})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Circuit.WithLabelValues("s")))

	h.OnCircuit(ctx, domain.CircuitEvent{Stage: "s", From: domain.CircuitOpen, To: domain.CircuitHalfOpen})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Circuit.WithLabelValues("s")))

	h.OnCircuit(ctx, domain.CircuitEvent{Stage: "s", From: domain.CircuitHalfOpen, To: domain.CircuitClosed})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Circuit.WithLabelValues("s")))
}

func TestNewMetrics_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	require.Panics(t, func() { NewMetrics(reg) }, "duplicate registration must fail")
}
