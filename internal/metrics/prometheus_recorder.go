package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	runDuration     prom.Histogram
	compileDuration prom.Histogram
	runOutcome      *prom.CounterVec
	preamble        *prom.CounterVec
	receivedBytes   prom.Counter
	sourceRetries   prom.Counter
}

// compileBuckets cover a warm incremental run up to a cold multi-pass build.
var compileBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

// NewPrometheusRecorder constructs the metrics and registers them with reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		runDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "texstream",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a session iteration, archive upload to output promotion",
			Buckets:   compileBuckets,
		}),
		compileDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "texstream",
			Name:      "compile_duration_seconds",
			Help:      "Remote compile time as reported by the orchestrator",
			Buckets:   compileBuckets,
		}),
		runOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "texstream",
			Name:      "run_outcomes_total",
			Help:      "Session iterations by outcome",
		}, []string{"outcome"}),
		preamble: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "texstream",
			Name:      "preamble_total",
			Help:      "Runs that reused the primed preamble versus recompiled it",
		}, []string{"result"}),
		receivedBytes: prom.NewCounter(prom.CounterOpts{
			Namespace: "texstream",
			Name:      "received_bytes_total",
			Help:      "Output bytes received over the block stream",
		}),
		sourceRetries: prom.NewCounter(prom.CounterOpts{
			Namespace: "texstream",
			Name:      "source_retries_total",
			Help:      "Iterations that waited for a vanished source to reappear",
		}),
	}
	reg.MustRegister(pr.runDuration, pr.compileDuration, pr.runOutcome, pr.preamble, pr.receivedBytes, pr.sourceRetries)
	return pr
}

func (p *PrometheusRecorder) ObserveRunDuration(d time.Duration) {
	if p == nil || p.runDuration == nil {
		return
	}
	p.runDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveCompileDuration(d time.Duration) {
	if p == nil || p.compileDuration == nil {
		return
	}
	p.compileDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncRunOutcome(outcome OutcomeLabel) {
	if p == nil || p.runOutcome == nil {
		return
	}
	p.runOutcome.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncPreamble(reused bool) {
	if p == nil || p.preamble == nil {
		return
	}
	res := "recompiled"
	if reused {
		res = "reused"
	}
	p.preamble.WithLabelValues(res).Inc()
}

func (p *PrometheusRecorder) AddReceivedBytes(n int64) {
	if p == nil || p.receivedBytes == nil || n <= 0 {
		return
	}
	p.receivedBytes.Add(float64(n))
}

func (p *PrometheusRecorder) IncSourceRetry() {
	if p == nil || p.sourceRetries == nil {
		return
	}
	p.sourceRetries.Inc()
}
