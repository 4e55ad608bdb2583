/*
Package observability exports engine activity as Prometheus metrics.

Metrics are fed exclusively through domain.LifecycleHooks, so the engine has no
dependency on Prometheus:

	m := observability.NewMetrics(prometheus.DefaultRegisterer)
	eng := sluice.New(sluice.WithLifecycleHooks(m.Hooks()))

Expose them with promhttp.Handler().
*/
package observability
