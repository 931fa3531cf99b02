// Package metrics records session loop observations.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so nothing has to check for a nil recorder. When
// --metrics-listen (or metrics.listen) is set the CLI swaps in a
// PrometheusRecorder and serves its registry on /metrics:
//
//	reg := prometheus.NewRegistry()
//	rec := metrics.NewPrometheusRecorder(reg)
//	srv := metrics.NewServer(":9464", reg)
package metrics
