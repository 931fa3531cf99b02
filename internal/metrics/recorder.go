package metrics

import "time"

// OutcomeLabel enumerates session iteration outcomes for counters.
type OutcomeLabel string

const (
	// OutcomeSuccess is a run whose compiler exited 0 and whose output was promoted.
	OutcomeSuccess OutcomeLabel = "success"
	// OutcomeCompilerFailed is a run whose compiler exited non-zero.
	OutcomeCompilerFailed OutcomeLabel = "compiler_failed"
	// OutcomeTransient is a run the remote side could not carry out (exit 4).
	OutcomeTransient OutcomeLabel = "transient"
	// OutcomeStreamError is a run whose output stream broke off.
	OutcomeStreamError OutcomeLabel = "stream_error"
	OutcomeCanceled    OutcomeLabel = "canceled"
)

// Recorder defines observability hooks for the session loop. Implementations
// may forward to Prometheus; NoopRecorder is used when metrics are off.
type Recorder interface {
	ObserveRunDuration(d time.Duration)
	ObserveCompileDuration(d time.Duration)
	IncRunOutcome(outcome OutcomeLabel)
	IncPreamble(reused bool)
	AddReceivedBytes(n int64)
	IncSourceRetry()
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveRunDuration(time.Duration)     {}
func (NoopRecorder) ObserveCompileDuration(time.Duration) {}
func (NoopRecorder) IncRunOutcome(OutcomeLabel)           {}
func (NoopRecorder) IncPreamble(bool)                     {}
func (NoopRecorder) AddReceivedBytes(int64)               {}
func (NoopRecorder) IncSourceRetry()                      {}
