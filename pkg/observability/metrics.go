package observability

import (
	"context"
	"sync"

	"github.com/aretw0/sluice/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sluice"

// Metrics holds the collectors updated by the engine hooks.
type Metrics struct {
	Runs        *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	Attempts    *prometheus.CounterVec
	Commits     *prometheus.CounterVec
	Version     prometheus.Gauge
	Circuit     *prometheus.GaugeVec
	Running     prometheus.Gauge

	started sync.Map // run ID -> struct{}
}

// NewMetrics creates the collectors and registers them with reg (skipped when reg is nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished stage runs by final status.",
		}, []string{"stage", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of stage runs, from dispatch to final status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Stage body invocations by outcome.",
		}, []string{"stage", "outcome"}),
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Successful state commits by author.",
		}, []string{"author"}),
		Version: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state_version",
			Help:      "Last committed data version.",
		}),
		Circuit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per stage (0 closed, 1 half-open, 2 open).",
		}, []string{"stage"}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Stage runs currently executing.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Runs, m.RunDuration, m.Attempts, m.Commits, m.Version, m.Circuit, m.Running)
	}
	return m
}

// Hooks returns lifecycle hooks that record into m.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnRunStart: func(_ context.Context, r domain.RunRecord) {
			m.started.Store(r.ID, struct{}{})
			m.Running.Inc()
		},
		OnRunFinish: func(_ context.Context, r domain.RunRecord) {
			m.Runs.WithLabelValues(r.Stage, string(r.Status)).Inc()
			// Coalesced requests finish STALE without ever starting.
			if _, ok := m.started.LoadAndDelete(r.ID); ok {
				m.Running.Dec()
				m.RunDuration.WithLabelValues(r.Stage).Observe(r.Duration.Seconds())
			}
		},
		OnAttempt: func(_ context.Context, ev domain.AttemptEvent) {
			outcome := "ok"
			if ev.Err != nil {
				outcome = string(domain.KindOf(ev.Err))
			}
			m.Attempts.WithLabelValues(ev.Stage, outcome).Inc()
		},
		OnCommit: func(_ context.Context, ev domain.CommitEvent) {
			m.Commits.WithLabelValues(ev.Author).Inc()
			m.Version.Set(float64(ev.Version))
		},
		OnCircuit: func(_ context.Context, ev domain.CircuitEvent) {
			m.Circuit.WithLabelValues(ev.Stage).Set(circuitValue(ev.To))
		},
	}
}

func circuitValue(s domain.CircuitState) float64 {
	switch s {
	case domain.CircuitHalfOpen:
		return 1
	case domain.CircuitOpen:
		return 2
	}
	return 0
}
