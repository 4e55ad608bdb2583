/*
Package sluice is a reactive pipeline engine: named stages recompute derived state
whenever the keys they watch change, in the style of a dashboard callback graph.

It separates three concerns. The state store holds versioned key/value data and the
error channel. Stages are pure-ish functions from a restricted snapshot to a patch,
with a declared contract (watched keys, read-only keys, outputs). The presentation
side only reads the store or subscribes to changes.

# Guarantees

  - Each output key has exactly one owning stage; writes outside the declared outputs are rejected.
  - A stage never runs concurrently with itself; a burst of triggers collapses to the newest one.
  - A result computed from inputs that changed in the meantime is discarded, never committed.
  - Failures do not propagate: dependents of a failed stage are not scheduled, and the
    failure is recorded under the reserved "error" key.
  - Transient failures are retried with exponential backoff; repeated failures open a
    per-stage circuit breaker.

# Usage

	eng, err := sluice.New()
	if err != nil {
		log.Fatal(err)
	}
	defer eng.Close(context.Background())

	err = eng.Register(domain.Stage{
		Name:    "total",
		Watches: []string{"price", "qty"},
		Outputs: []string{"total"},
		Body: func(ctx context.Context, in domain.Input) (domain.Patch, error) {
			price, _ := in.Snapshot.Get("price")
			qty, _ := in.Snapshot.Get("qty")
			return domain.Patch{"total": price.(float64) * qty.(float64)}, nil
		},
	})

	updates, cancel := eng.Subscribe("total", domain.ErrorKey)
	defer cancel()

	eng.TriggerPatch(ctx, domain.Patch{"price": 2.5, "qty": 4.0})
	change := <-updates // total = 10

Stages may also be external commands declared in a YAML pipeline, see
pkg/adapters/process. State can live in memory or in Redis (pkg/adapters/redis), and
pkg/session runs one engine per user session with checkpoints.
*/
package sluice
