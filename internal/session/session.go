package session

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/texstream/internal/archive"
	"git.home.luguber.info/inful/texstream/internal/config"
	"git.home.luguber.info/inful/texstream/internal/deps"
	ferrors "git.home.luguber.info/inful/texstream/internal/foundation/errors"
	"git.home.luguber.info/inful/texstream/internal/history"
	"git.home.luguber.info/inful/texstream/internal/logfields"
	"git.home.luguber.info/inful/texstream/internal/metrics"
	"git.home.luguber.info/inful/texstream/internal/orchestrator"
	"git.home.luguber.info/inful/texstream/internal/retry"
	"git.home.luguber.info/inful/texstream/internal/statusline"
	"git.home.luguber.info/inful/texstream/internal/transport"
	"git.home.luguber.info/inful/texstream/internal/watch"
)

const teardownTimeout = 30 * time.Second

// Waiter blocks until the dependency set changes and settles.
type Waiter interface {
	Wait(ctx context.Context, paths []string) error
	// Settle only waits for files that already changed to stop changing.
	Settle(ctx context.Context, paths []string) error
}

// Scanner computes the dependency set of a root document.
type Scanner interface {
	Scan(root string) ([]string, error)
}

// Session drives one document against one remote channel.
type Session struct {
	channel  transport.Channel
	cfg      *config.Config
	scanner  Scanner
	waiter   Waiter
	recorder metrics.Recorder
	history  history.Store
	clock    clockwork.Clock
	logger   *slog.Logger
	diag     io.Writer
	id       string
}

// Option configures a Session.
type Option func(*Session)

func WithScanner(sc Scanner) Option {
	return func(s *Session) { s.scanner = sc }
}

func WithWaiter(w Waiter) Option {
	return func(s *Session) { s.waiter = w }
}

func WithRecorder(r metrics.Recorder) Option {
	return func(s *Session) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithHistory records every iteration in store.
func WithHistory(store history.Store) Option {
	return func(s *Session) { s.history = store }
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Session) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDiagnostics sets where compiler diagnostics are shown.
func WithDiagnostics(w io.Writer) Option {
	return func(s *Session) { s.diag = w }
}

func WithSessionID(id string) Option {
	return func(s *Session) { s.id = id }
}

// New creates a Session. The watcher and scanner are built from cfg unless
// replaced by options.
func New(ch transport.Channel, cfg *config.Config, opts ...Option) *Session {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Session{
		channel:  ch,
		cfg:      cfg,
		recorder: metrics.NoopRecorder{},
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		diag:     os.Stderr,
		id:       uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.scanner == nil {
		s.scanner = deps.New(deps.WithLogger(s.logger))
	}
	if s.waiter == nil {
		wopts := []watch.Option{
			watch.WithInterval(cfg.Watch.PollInterval),
			watch.WithClock(s.clock),
			watch.WithLogger(s.logger),
		}
		if cfg.Watch.DisableNotify {
			wopts = append(wopts, watch.WithoutNotify())
		}
		s.waiter = watch.New(wopts...)
	}
	return s
}

// ID returns the session id recorded in history.
func (s *Session) ID() string { return s.id }

// Run resolves source, bootstraps the remote side and rebuilds on every
// settled change until ctx is canceled. It returns the exit status of the
// last compiler run. Only setup errors end the loop early; teardown runs on
// every path.
func (s *Session) Run(ctx context.Context, source string) (int, error) {
	doc, err := ResolveSource(source)
	if err != nil {
		return 0, err
	}
	l := &loop{
		Session: s,
		doc:     doc,
		format:  archive.FormatFor(s.cfg.Remote.Compress.Enabled(s.channel.Networked())),
		logger: s.logger.With(
			logfields.SessionID(s.id),
			logfields.Job(doc.Job),
			logfields.Host(s.channel.String())),
	}
	l.clearMarkers()
	defer l.teardown()

	files, err := s.scanner.Scan(doc.Path)
	if err != nil {
		return 0, ferrors.WrapError(err, ferrors.CategorySetup, "scan dependencies").
			Fatal().
			WithContext("path", doc.Path).
			Build()
	}
	if err := l.bootstrap(ctx, files); err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		return 0, err
	}

	for iter := 1; ; iter++ {
		if iter > 1 {
			if err := l.waitForChange(ctx); err != nil {
				if ctx.Err() != nil {
					return l.last, nil
				}
				return l.last, ferrors.WrapError(err, ferrors.CategoryRuntime, "wait for changes").Build()
			}
		}
		if err := l.ensureSource(ctx); err != nil {
			if ctx.Err() != nil {
				return l.last, nil
			}
			return l.last, err
		}
		if err := l.build(ctx, iter); err != nil {
			return l.last, err
		}
		if ctx.Err() != nil {
			return l.last, nil
		}
	}
}

// loop is the state of one Run.
type loop struct {
	*Session
	doc    Document
	format archive.Format
	logger *slog.Logger

	workdir  string
	baseline Baseline
	// known is the dependency set the remote side has received.
	known map[string]bool
	files []string
	// snapshot is the time the latest upload was taken.
	snapshot time.Time
	last     int
}

func (l *loop) paths() []string {
	out := make([]string, len(l.files))
	for i, f := range l.files {
		out[i] = l.doc.Abs(f)
	}
	return out
}

// waitForChange skips straight to settling when something changed while the
// previous build ran.
func (l *loop) waitForChange(ctx context.Context) error {
	paths := l.paths()
	if watch.ChangedSince(paths, l.snapshot) {
		l.logger.Debug("Sources changed during the previous build")
		return l.waiter.Settle(ctx, paths)
	}
	return l.waiter.Wait(ctx, paths)
}

// ensureSource grants a vanished source document one short recheck; editors
// that save by delete and rename leave it missing for a moment.
func (l *loop) ensureSource(ctx context.Context) error {
	check := func() error {
		_, err := os.Stat(l.doc.Path)
		return err
	}
	if check() == nil {
		return nil
	}
	l.recorder.IncSourceRetry()
	l.logger.Warn("Source document vanished, rechecking", logfields.Path(l.doc.Path))
	err := retry.VanishedSourcePolicy().Do(ctx, l.clock, check, func(err error) bool {
		return errors.Is(err, fs.ErrNotExist)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ferrors.WrapError(err, ferrors.CategorySetup, "source document vanished").
		Fatal().
		WithContext("path", l.doc.Path).
		Build()
}

// bootstrap uploads the full dependency set and learns the remote working
// directory.
func (l *loop) bootstrap(ctx context.Context, files []string) error {
	inv := orchestrator.Invocation{
		Action: orchestrator.ActionBootstrap,
		Job:    l.doc.Job,
		Format: l.format,
		Helper: l.cfg.Helper(),
	}
	env, err := inv.Env()
	if err != nil {
		return err
	}

	snapshot := l.clock.Now()
	var workdir string
	res := l.exchange(ctx, env, files, archive.Options{Compress: l.format.Compressed()},
		func(r io.Reader) error {
			_, err := io.Copy(io.Discard, r)
			return err
		},
		func(ev statusline.Event) {
			if ev.Kind == statusline.KindWorkdir {
				workdir = ev.Dir
			}
		},
		l.diag)
	// Record the directory first so teardown removes it even on failure.
	l.workdir = workdir

	if res.runErr != nil {
		return ferrors.WrapError(res.runErr, ferrors.CategorySetup, "remote bootstrap failed").
			Fatal().
			WithContext("host", l.channel.String()).
			WithContext("exit_status", transport.ExitCode(res.runErr)).
			Build()
	}
	if res.streamErr != nil {
		return ferrors.WrapError(res.streamErr, ferrors.CategorySetup, "initial upload failed").Fatal().Build()
	}
	if workdir == "" {
		return ferrors.SetupError("remote side did not report a working directory").
			WithContext("host", l.channel.String()).
			Build()
	}

	l.files = files
	l.known = setOf(files)
	l.snapshot = snapshot
	l.baseline.Advance(snapshot)
	l.logger.Info("Remote session ready",
		logfields.Workdir(workdir),
		logfields.Files(res.upload.Files),
		logfields.Bytes(res.upload.Bytes))
	return nil
}

// teardown removes local markers and, best effort, the remote working
// directory.
func (l *loop) teardown() {
	l.clearMarkers()
	if l.workdir == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	inv := orchestrator.Invocation{Action: orchestrator.ActionTeardown, Job: l.doc.Job, Dir: l.workdir}
	env, err := inv.Env()
	if err == nil {
		err = l.channel.Run(ctx, transport.Invocation{
			Env:    env,
			Stdin:  strings.NewReader(""),
			Stdout: io.Discard,
			Stderr: l.diag,
		})
	}
	if err != nil {
		l.logger.Warn("Remote teardown failed", logfields.Workdir(l.workdir), logfields.Error(err))
		return
	}
	l.logger.Debug("Remote working directory removed", logfields.Workdir(l.workdir))
}

// clearMarkers removes the pending output and the stamp, including ones a
// crashed session left behind.
func (l *loop) clearMarkers() {
	for _, p := range []string{l.doc.Pending(), l.doc.Stamp()} {
		if err := removeIfExists(p); err != nil {
			l.logger.Warn("Removing marker file failed", logfields.Path(p), logfields.Error(err))
		}
	}
}

func setOf(files []string) map[string]bool {
	m := make(map[string]bool, len(files))
	for _, f := range files {
		m[f] = true
	}
	return m
}
