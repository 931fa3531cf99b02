// Package watch blocks until a set of files has changed and settled.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/texstream/internal/logfields"
)

// DefaultInterval is used for both polling and the settle threshold.
const DefaultInterval = 200 * time.Millisecond

// Watcher waits for changes to a file set.
type Watcher struct {
	interval time.Duration
	clock    clockwork.Clock
	notify   bool
	logger   *slog.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithInterval sets the polling and settle interval.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithClock replaces the clock.
func WithClock(c clockwork.Clock) Option {
	return func(w *Watcher) { w.clock = c }
}

// WithoutNotify forces mtime polling.
func WithoutNotify() Option {
	return func(w *Watcher) { w.notify = false }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// New creates a Watcher.
func New(opts ...Option) *Watcher {
	w := &Watcher{
		interval: DefaultInterval,
		clock:    clockwork.NewRealClock(),
		notify:   true,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Wait blocks until one of paths changes and then all of them settle.
func (w *Watcher) Wait(ctx context.Context, paths []string) error {
	start := w.clock.Now()

	detected := false
	if w.notify {
		ok, err := w.waitNotify(ctx, paths, start)
		if err != nil {
			return err
		}
		detected = ok
	}
	if !detected {
		if err := w.waitPoll(ctx, paths, start); err != nil {
			return err
		}
	}
	return w.Settle(ctx, paths)
}

// waitNotify returns false without error when notifications are unavailable
// and the caller should poll instead.
func (w *Watcher) waitNotify(ctx context.Context, paths []string, start time.Time) (bool, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Debug("File notifications unavailable, polling", logfields.Error(err))
		return false, nil
	}
	defer func() { _ = fw.Close() }()

	names := make(map[string]bool, len(paths))
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return false, nil
		}
		names[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			w.logger.Debug("Watch registration failed, polling",
				logfields.Path(dir),
				logfields.Error(err))
			return false, nil
		}
		dirs[dir] = true
	}

	// A write that landed before registration would otherwise be missed.
	if ChangedSince(paths, start) {
		return true, nil
	}

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return false, nil
			}
			if !names[filepath.Clean(event.Name)] {
				continue
			}
			// A bare touch only raises Chmod; it counts once the mtime moved.
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) ||
				ChangedSince([]string{event.Name}, start) {
				w.logger.Debug("Change detected", logfields.Path(event.Name), slog.String("op", event.Op.String()))
				return true, nil
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return false, nil
			}
			w.logger.Warn("File watcher error, falling back to polling", logfields.Error(err))
			return false, nil
		}
	}
}

func (w *Watcher) waitPoll(ctx context.Context, paths []string, start time.Time) error {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if ChangedSince(paths, start) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

// Settle blocks until a full pass finds every file older than one interval.
func (w *Watcher) Settle(ctx context.Context, paths []string) error {
	for {
		if Settled(paths, w.clock.Now(), w.interval) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.clock.After(w.interval):
		}
	}
}

// ChangedSince reports whether any file was modified after t.
func ChangedSince(paths []string, t time.Time) bool {
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && info.ModTime().After(t) {
			return true
		}
	}
	return false
}

// Settled reports whether no file was modified within interval of now.
// Files that cannot be stat'ed do not block settling.
func Settled(paths []string, now time.Time, interval time.Duration) bool {
	threshold := now.Add(-interval)
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if info.ModTime().After(threshold) {
			return false
		}
	}
	return true
}
