package session

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"git.home.luguber.info/inful/texstream/internal/archive"
	"git.home.luguber.info/inful/texstream/internal/blocksync"
	ferrors "git.home.luguber.info/inful/texstream/internal/foundation/errors"
	"git.home.luguber.info/inful/texstream/internal/history"
	"git.home.luguber.info/inful/texstream/internal/logfields"
	"git.home.luguber.info/inful/texstream/internal/metrics"
	"git.home.luguber.info/inful/texstream/internal/orchestrator"
	"git.home.luguber.info/inful/texstream/internal/statusline"
	"git.home.luguber.info/inful/texstream/internal/transport"
)

// progress collects the status events of one build. Events arrive on the
// demultiplexing goroutine and are read after the exchange has joined it.
type progress struct {
	started    bool
	finished   bool
	exit       int
	reused     bool
	recompiled bool
	compile    time.Duration
}

// build runs one iteration. Only setup errors are returned; everything else
// is logged and the loop waits for the next change.
func (l *loop) build(ctx context.Context, iter int) error {
	logger := l.logger.With(logfields.Iteration(iter))

	files, err := l.scanner.Scan(l.doc.Path)
	if err != nil {
		logger.Warn("Dependency scan failed, keeping previous set", logfields.Error(err))
		files = l.files
	}
	always := make(map[string]bool)
	for _, f := range files {
		if !l.known[f] {
			always[f] = true
		}
	}
	l.files = files

	inv := orchestrator.Invocation{
		Action: orchestrator.ActionBuild,
		Job:    l.doc.Job,
		Dir:    l.workdir,
		Format: l.format,
		First:  iter == 1,
		Helper: l.cfg.Helper(),
	}
	env, err := inv.Env()
	if err != nil {
		return err
	}

	// Until a run has started remotely diagnostics are shown as they arrive;
	// afterwards they are held back and shown only when the run fails.
	live := !exists(l.doc.Stamp())
	var held bytes.Buffer
	var diag io.Writer = &held
	if live {
		diag = l.diag
	}

	if err := removeIfExists(l.doc.Pending()); err != nil {
		logger.Warn("Removing stale pending output failed", logfields.Error(err))
	}

	snapshot := l.clock.Now()
	l.snapshot = snapshot
	began := snapshot
	prog := &progress{}
	var stream blocksync.Result
	receiver := blocksync.NewReceiver(l.doc.Pending())

	res := l.exchange(ctx, env, files,
		archive.Options{Since: l.baseline.Since(), Always: always, Compress: l.format.Compressed()},
		func(r io.Reader) error {
			var err error
			stream, err = receiver.Run(r)
			return err
		},
		func(ev statusline.Event) { l.observe(ev, prog, snapshot, logger) },
		diag)
	elapsed := l.clock.Since(began)

	if prog.started {
		for _, f := range files {
			l.known[f] = true
		}
	}
	if prog.finished {
		l.last = prog.exit
	}

	outcome := l.settle(ctx, res, prog, stream, logger)
	if !live && outcome != metrics.OutcomeSuccess && outcome != metrics.OutcomeCanceled {
		_, _ = l.diag.Write(held.Bytes())
	}
	l.record(prog, outcome, began, elapsed, stream.Bytes, logger)

	if code := transport.ExitCode(res.runErr); code == orchestrator.ExitSetup {
		return ferrors.WrapError(res.runErr, ferrors.CategorySetup, "remote build setup failed").
			Fatal().
			WithContext("host", l.channel.String()).
			Build()
	}
	return nil
}

// observe applies one status event. It runs on the demultiplexing goroutine.
func (l *loop) observe(ev statusline.Event, prog *progress, snapshot time.Time, logger *slog.Logger) {
	switch ev.Kind {
	case statusline.KindStarted:
		prog.started = true
		l.baseline.Advance(snapshot)
		if err := touchStamp(l.doc.Stamp(), l.baseline.Since()); err != nil {
			logger.Warn("Updating stamp file failed", logfields.Path(l.doc.Stamp()), logfields.Error(err))
		}
		if ev.At != nil {
			logger.Debug("Remote run started", slog.Time("remote_time", *ev.At))
		}
	case statusline.KindRecompile:
		prog.recompiled = true
		logger.Info("Recompiling preamble", logfields.Reason(ev.Reason))
	case statusline.KindFinished:
		prog.finished = true
		prog.exit = ev.ExitStatus()
		prog.reused = ev.Reused
		prog.compile = time.Duration(ev.ElapsedMS) * time.Millisecond
	}
}

// settle promotes or discards the pending output and classifies the build.
func (l *loop) settle(ctx context.Context, res exchangeResult, prog *progress, stream blocksync.Result, logger *slog.Logger) metrics.OutcomeLabel {
	pending := l.doc.Pending()
	discard := func() {
		if err := removeIfExists(pending); err != nil {
			logger.Warn("Removing pending output failed", logfields.Error(err))
		}
	}

	switch {
	case ctx.Err() != nil:
		discard()
		return metrics.OutcomeCanceled
	case res.runErr != nil:
		discard()
		logger.Warn("Remote build failed, waiting for next change",
			logfields.ExitStatus(transport.ExitCode(res.runErr)),
			logfields.Error(res.runErr))
		return metrics.OutcomeTransient
	case res.streamErr != nil, !stream.Complete, !prog.finished:
		discard()
		err := res.streamErr
		if err == nil {
			err = ferrors.TransportError("output stream ended without completion").Build()
		}
		logger.Warn("Output stream broken, waiting for next change", logfields.Error(err))
		return metrics.OutcomeStreamError
	case prog.exit != 0:
		discard()
		logger.Warn("Compilation failed, previous output kept", logfields.ExitStatus(prog.exit))
		return metrics.OutcomeCompilerFailed
	}

	if err := os.Rename(pending, l.doc.Output()); err != nil {
		logger.Error("Promoting output failed", logfields.Path(l.doc.Output()), logfields.Error(err))
		discard()
		return metrics.OutcomeStreamError
	}
	logger.Info("Output updated",
		logfields.Path(l.doc.Output()),
		logfields.Duration(prog.compile),
		logfields.Records(stream.Records),
		logfields.Bytes(stream.Bytes),
		slog.Bool("reused", prog.reused),
		slog.Bool("recompiled", prog.recompiled))
	return metrics.OutcomeSuccess
}

// record feeds metrics and the run history.
func (l *loop) record(prog *progress, outcome metrics.OutcomeLabel, began time.Time, elapsed time.Duration, received int64, logger *slog.Logger) {
	l.recorder.ObserveRunDuration(elapsed)
	l.recorder.IncRunOutcome(outcome)
	l.recorder.AddReceivedBytes(received)
	if prog.finished {
		l.recorder.ObserveCompileDuration(prog.compile)
		if prog.reused || prog.recompiled {
			l.recorder.IncPreamble(prog.reused)
		}
	}

	if l.history == nil {
		return
	}
	exit := -1
	if prog.finished {
		exit = prog.exit
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := l.history.Record(ctx, history.Run{
		SessionID:  l.id,
		Job:        l.doc.Job,
		Host:       l.channel.String(),
		Started:    began,
		Duration:   elapsed,
		Exit:       exit,
		Outcome:    string(outcome),
		Bytes:      received,
		Recompiled: prog.recompiled,
	})
	if err != nil {
		logger.Warn("Recording run history failed", logfields.Error(err))
	}
}
