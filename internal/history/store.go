package history

import (
	"context"
	"time"
)

// Run is one session iteration as seen from the local side.
type Run struct {
	ID        int64
	SessionID string
	Job       string
	Host      string
	Started   time.Time
	Duration  time.Duration
	// Exit is the compiler exit status, or -1 when the run never reached the compiler.
	Exit       int
	Outcome    string
	Bytes      int64
	Recompiled bool
}

// Summary aggregates the runs of one job.
type Summary struct {
	Runs        int
	Succeeded   int
	Recompiled  int
	MeanElapsed time.Duration
	Last        time.Time
}

// Store persists and lists runs.
type Store interface {
	// Record appends r and returns its id.
	Record(ctx context.Context, r Run) (int64, error)

	// Latest returns up to limit runs, newest first. An empty job matches every job.
	Latest(ctx context.Context, job string, limit int) ([]Run, error)

	// Summarize aggregates all runs of job.
	Summarize(ctx context.Context, job string) (Summary, error)

	// Close closes the store and releases resources.
	Close() error
}
