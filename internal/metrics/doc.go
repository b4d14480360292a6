// Package metrics provides build pipeline observability hooks.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so metrics collection never needs nil checks:
//
//	orch := orchestrator.New(store, q, registry, strat, orchestrator.Options{
//	    Recorder: metrics.NewPrometheusRecorder(reg),
//	})
//
// The Prometheus implementation registers its collectors on a caller supplied
// registry; HTTPHandler exposes that registry for scraping.
package metrics
