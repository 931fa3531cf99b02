package session

import (
	"sync"
	"time"
)

// Baseline is the freshness lower bound: files modified before it are
// already current on the remote side. It never moves backwards.
type Baseline struct {
	mu sync.Mutex
	t  time.Time
}

// Since returns the current baseline. The zero value means nothing is
// current yet.
func (b *Baseline) Since() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.t
}

// Advance moves the baseline to t unless that would move it backwards. It
// reports whether the baseline changed.
func (b *Baseline) Advance(t time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !t.After(b.t) {
		return false
	}
	b.t = t
	return true
}
