// Package orchestrator is the remote half of texstream. Each remote
// invocation bootstraps, builds in, or tears down one working directory.
//
// A build streams the output file back while the compiler runs, reuses the
// compiler primed with the cached preamble when neither the preamble nor the
// class/style/config files changed, and otherwise aborts it and starts over.
// Auxiliary files are snapshotted before the run and restored when the run is
// aborted or fails.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"git.home.luguber.info/inful/texstream/internal/archive"
	"git.home.luguber.info/inful/texstream/internal/blocksync"
	"git.home.luguber.info/inful/texstream/internal/compiler"
	"git.home.luguber.info/inful/texstream/internal/config"
	ferrors "git.home.luguber.info/inful/texstream/internal/foundation/errors"
	"git.home.luguber.info/inful/texstream/internal/logfields"
	"git.home.luguber.info/inful/texstream/internal/statusline"
	"git.home.luguber.info/inful/texstream/internal/workspace"
)

// Files kept in the workspace state directory.
const (
	StagedPreambleFile = "preamble.next"
	HelperFile         = "helper.yaml"
)

// startFailedStatus is reported when the compiler cannot be started at all.
const startFailedStatus = 127

// Orchestrator runs builds in remote working directories.
type Orchestrator struct {
	compiler compiler.Compiler
	helper   config.HelperConfig
	out      io.Writer
	events   *statusline.Emitter
	clock    clockwork.Clock
	logger   *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the clock.
func WithClock(c clockwork.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates an Orchestrator. out carries the block stream; events carries
// status lines and diagnostics.
func New(comp compiler.Compiler, helper config.HelperConfig, out io.Writer, events *statusline.Emitter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		compiler: comp,
		helper:   helper,
		out:      out,
		events:   events,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Bootstrap creates the working directory for job and unpacks the initial
// archive into it. All failures are setup errors.
func (o *Orchestrator) Bootstrap(_ context.Context, job string, src io.Reader, format archive.Format) (string, error) {
	m := newMachine(StateBootstrapping, o.logger.With(logfields.Job(job)))
	ws := workspace.NewManager(o.helper.BaseDir, job).WithLogger(o.logger)
	if err := ws.Create(); err != nil {
		return "", err
	}
	sum, err := archive.Extract(src, ws.Path(), format.Compressed())
	if err != nil {
		_ = ws.Cleanup()
		return "", ferrors.WrapError(err, ferrors.CategorySetup, "unpack initial archive").Fatal().Build()
	}
	encoded, err := config.EncodeHelper(o.helper)
	if err == nil {
		err = os.WriteFile(ws.StatePath(HelperFile), []byte(encoded+"\n"), 0o644)
	}
	if err != nil {
		_ = ws.Cleanup()
		return "", ferrors.WrapError(err, ferrors.CategorySetup, "install helper configuration").Fatal().Build()
	}
	if err := m.Transition(StateBootstrapping, StateReady); err != nil {
		return "", ferrors.WrapError(err, ferrors.CategoryInternal, "bootstrap").Build()
	}
	o.logger.Info("Workspace bootstrapped",
		logfields.Workdir(ws.Path()),
		logfields.Files(sum.Files),
		logfields.Bytes(sum.Bytes))
	o.emit(statusline.Workdir(ws.Path()))
	return ws.Path(), nil
}

// BuildRequest describes one build invocation.
type BuildRequest struct {
	Dir     string
	Job     string
	Archive io.Reader
	Format  archive.Format
	// First is set for the first build of a session; no primed compiler exists.
	First bool
}

// BuildResult reports what a build did.
type BuildResult struct {
	Exit       int
	Elapsed    time.Duration
	Reused     bool
	Recompiled bool
	Stream     blocksync.Stats
}

// Build runs one compile iteration. Compiler failures are reported through
// Exit and the finished event; returned errors are remote or transport errors.
func (o *Orchestrator) Build(ctx context.Context, req BuildRequest) (*BuildResult, error) {
	ws, err := workspace.Open(req.Dir, req.Job)
	if err != nil {
		return nil, err
	}
	dir := ws.Path()
	logger := o.logger.With(logfields.Job(req.Job), logfields.Workdir(dir))
	ws.WithLogger(logger)
	m := newMachine(StateReady, logger)

	final := make(chan struct{})
	var finalOnce sync.Once
	signalFinal := func() { finalOnce.Do(func() { close(final) }) }

	sender := blocksync.NewSender(filepath.Join(dir, req.Job+".pdf"), o.out,
		blocksync.WithBlockSize(o.helper.Sync.BlockSize),
		blocksync.WithPassDelay(o.helper.Sync.PassDelay),
		blocksync.WithClock(o.clock),
		blocksync.WithLogger(logger))
	sendCtx, cancelSend := context.WithCancel(ctx)
	defer cancelSend()
	g, gctx := errgroup.WithContext(sendCtx)
	g.Go(func() error { return sender.Run(gctx, final) })
	senderJoined := false
	defer func() {
		if !senderJoined {
			cancelSend()
			_ = g.Wait()
		}
	}()

	oldFP, err := StyleFingerprint(dir)
	if err != nil {
		return nil, asRemote(err, "fingerprint style files")
	}
	sum, err := archive.Extract(req.Archive, dir, req.Format.Compressed())
	if err != nil {
		return nil, asRemote(err, "unpack archive")
	}
	newFP, err := StyleFingerprint(dir)
	if err != nil {
		return nil, asRemote(err, "fingerprint style files")
	}
	// Taken after unpacking so restores never revert uploaded files.
	snap, err := CaptureAux(dir, req.Job)
	if err != nil {
		return nil, asRemote(err, "capture auxiliary snapshot")
	}
	o.emit(statusline.Started(o.clock.Now()))
	logger.Debug("Archive unpacked", logfields.Files(sum.Files), logfields.Bytes(sum.Bytes))

	src, err := os.ReadFile(filepath.Join(dir, req.Job+".tex"))
	if err != nil {
		return nil, asRemote(err, "read document")
	}
	preamble, body := SplitPreamble(src)
	if err := os.WriteFile(ws.StatePath(StagedPreambleFile), preamble, 0o644); err != nil {
		return nil, asRemote(err, "write staged preamble")
	}

	if err := m.Transition(StateReady, StateCompiling); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryInternal, "build").Build()
	}
	res := &BuildResult{}
	compileStart := o.clock.Now()
	code, err := o.compile(ctx, m, ws, req, snap, preamble, body, oldFP != newFP, res)
	if err != nil {
		return nil, err
	}
	res.Exit = code
	res.Elapsed = o.clock.Since(compileStart)

	from := m.State()
	if err := m.Transition(from, StateCompleted); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryInternal, "build").Build()
	}
	if err := promote(ws); err != nil {
		return nil, err
	}

	signalFinal()
	sendErr := g.Wait()
	senderJoined = true
	res.Stream = sender.Stats()

	if code != 0 {
		if err := snap.Restore(); err != nil {
			logger.Warn("Restoring auxiliary files failed", logfields.Error(err))
		}
	}
	if err := o.compiler.Prime(ctx, dir, req.Job); err != nil {
		logger.Warn("Priming compiler failed", logfields.Error(err))
	}

	logger.Info("Build finished",
		logfields.ExitStatus(code),
		logfields.Duration(res.Elapsed),
		logfields.Records(res.Stream.Records),
		logfields.Bytes(res.Stream.Bytes),
		slog.Bool("reused", res.Reused),
		slog.Bool("recompiled", res.Recompiled))
	done := statusline.Finished(code, res.Elapsed)
	done.Reused = res.Reused
	o.emit(done)

	if sendErr != nil {
		return res, ferrors.WrapError(sendErr, ferrors.CategoryTransport, "stream output").
			OnNextChange().Build()
	}
	return res, nil
}

// compile runs the compiler for one build and returns its exit status.
func (o *Orchestrator) compile(ctx context.Context, m *machine, ws *workspace.Manager, req BuildRequest,
	snap *AuxSnapshot, preamble, body []byte, styleChanged bool, res *BuildResult,
) (int, error) {
	dir := ws.Path()
	diag := o.events.Diagnostics()

	if !req.First {
		primed, ok, err := o.compiler.Resume(ctx, dir, req.Job, diag)
		if err != nil {
			o.logger.Warn("Resuming primed compiler failed", logfields.Error(err))
			ok = false
		}
		if ok {
			cached, _ := os.ReadFile(ws.StatePath(compiler.PreambleFile))
			preambleChanged := !bytes.Equal(cached, preamble)
			if !preambleChanged && !styleChanged {
				res.Reused = true
				return o.run(ctx, primed, body)
			}

			o.emit(statusline.Recompile(recompileReason(preambleChanged, styleChanged)))
			if err := m.Transition(StateCompiling, StateAborting); err != nil {
				return 0, ferrors.WrapError(err, ferrors.CategoryInternal, "build").Build()
			}
			if err := primed.Abort(); err != nil {
				o.logger.Debug("Abort write failed", logfields.Error(err))
			}
			if _, err := primed.Wait(ctx); err != nil {
				o.logger.Warn("Waiting for aborted compiler failed", logfields.Error(err))
				_ = o.compiler.Stop(dir)
			}
			if err := promote(ws); err != nil {
				return 0, err
			}
			if err := snap.Restore(); err != nil {
				return 0, asRemote(err, "restore auxiliary files")
			}
			if err := m.Transition(StateAborting, StateRecompiling); err != nil {
				return 0, ferrors.WrapError(err, ferrors.CategoryInternal, "build").Build()
			}
			res.Recompiled = true
		}
	}

	proc, err := o.compiler.Start(ctx, dir, req.Job, diag)
	if err != nil {
		o.logger.Error("Compiler did not start", logfields.Error(err))
		return startFailedStatus, nil
	}
	full := make([]byte, 0, len(preamble)+len(body))
	full = append(append(full, preamble...), body...)
	return o.run(ctx, proc, full)
}

func (o *Orchestrator) run(ctx context.Context, proc compiler.Process, input []byte) (int, error) {
	if err := proc.Feed(input); err != nil {
		o.logger.Debug("Compiler stopped reading input", logfields.Error(err))
	}
	if err := proc.CloseInput(); err != nil {
		o.logger.Debug("Closing compiler input failed", logfields.Error(err))
	}
	code, err := proc.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		o.logger.Warn("Compiler wait failed", logfields.Error(err))
	}
	return code, nil
}

func recompileReason(preambleChanged, styleChanged bool) string {
	switch {
	case preambleChanged && styleChanged:
		return "preamble and style files changed"
	case preambleChanged:
		return "preamble changed"
	default:
		return "style files changed"
	}
}

// promote makes the staged preamble the live cache.
func promote(ws *workspace.Manager) error {
	err := os.Rename(ws.StatePath(StagedPreambleFile), ws.StatePath(compiler.PreambleFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return asRemote(err, "promote staged preamble")
	}
	return nil
}

// Teardown stops the primed compiler and removes the working directory. A
// directory that is already gone is not an error.
func (o *Orchestrator) Teardown(dir, job string) error {
	if err := o.compiler.Stop(dir); err != nil {
		o.logger.Warn("Stopping compiler failed", logfields.Error(err))
	}
	ws, err := workspace.Open(dir, job)
	if err != nil {
		if ferrors.HasCategory(err, ferrors.CategoryRemote) {
			return nil
		}
		return err
	}
	return ws.WithLogger(o.logger).Cleanup()
}

func (o *Orchestrator) emit(ev statusline.Event) {
	if err := o.events.Emit(ev); err != nil {
		o.logger.Warn("Status event lost", slog.String("event", string(ev.Kind)), logfields.Error(err))
	}
}

// asRemote classifies err as a remote error unless it already carries a
// category.
func asRemote(err error, message string) error {
	if _, ok := ferrors.AsClassified(err); ok {
		return err
	}
	return ferrors.WrapError(err, ferrors.CategoryRemote, message).OnNextChange().Build()
}
