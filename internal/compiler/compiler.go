// Package compiler drives the typesetting engine.
//
// A compiler is started with a job name and fed the document on its standard
// input. The line "x" aborts the run; exit status zero means success. Between
// runs a compiler can be primed: a detached host process starts it, feeds the
// cached preamble and then waits on a FIFO for the body of the next run.
package compiler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	ferrors "git.home.luguber.info/inful/texstream/internal/foundation/errors"
	"git.home.luguber.info/inful/texstream/internal/logfields"
)

// AbortLine is written to the compiler input to abort a run.
const AbortLine = "x\n"

// Process is a running compiler.
type Process interface {
	Feed(data []byte) error
	// Abort writes the abort line and closes the input.
	Abort() error
	CloseInput() error
	// Wait returns the exit status once the compiler has exited.
	Wait(ctx context.Context) (int, error)
}

// Compiler starts, primes and resumes compiler processes in a working directory.
type Compiler interface {
	Start(ctx context.Context, dir, job string, diag io.Writer) (Process, error)
	// Prime leaves a compiler loaded with the cached preamble for the next run.
	Prime(ctx context.Context, dir, job string) error
	// Resume attaches to the primed compiler. ok is false when none is alive.
	Resume(ctx context.Context, dir, job string, diag io.Writer) (Process, bool, error)
	Stop(dir string) error
}

// Exec runs an external command honoring the compiler contract.
type Exec struct {
	command    []string
	hostBinary string
	clock      clockwork.Clock
	poll       time.Duration
	attach     time.Duration
	logger     *slog.Logger

	// spawn launches the detached host; replaced in tests.
	spawn func(dir, job string) (int, error)
}

// Option configures Exec.
type Option func(*Exec)

// WithHostBinary sets the texstream executable used for the compiler host.
func WithHostBinary(path string) Option {
	return func(e *Exec) { e.hostBinary = path }
}

// WithClock replaces the clock used for status polling.
func WithClock(c clockwork.Clock) Option {
	return func(e *Exec) { e.clock = c }
}

// WithPollInterval sets how often a resumed run checks for completion.
func WithPollInterval(d time.Duration) Option {
	return func(e *Exec) {
		if d > 0 {
			e.poll = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Exec) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExec returns a Compiler running command with -jobname=<job> appended.
func NewExec(command []string, opts ...Option) *Exec {
	e := &Exec{
		command: append([]string(nil), command...),
		clock:   clockwork.NewRealClock(),
		poll:    50 * time.Millisecond,
		attach:  30 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.hostBinary == "" {
		if self, err := os.Executable(); err == nil {
			e.hostBinary = self
		}
	}
	e.spawn = e.spawnHost
	return e
}

// Argv returns the compiler argv for job.
func Argv(command []string, job string) []string {
	argv := append([]string(nil), command...)
	return append(argv, "-jobname="+job)
}

// Start runs a fresh compiler in dir with output copied to diag.
func (e *Exec) Start(ctx context.Context, dir, job string, diag io.Writer) (Process, error) {
	if len(e.command) == 0 {
		return nil, ferrors.ConfigError("compiler command is empty").Build()
	}
	argv := Argv(e.command, job)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = diag
	cmd.Stderr = diag
	cmd.WaitDelay = time.Second
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryInternal, "compiler stdin pipe").Build()
	}
	if err := cmd.Start(); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryCompiler, "start compiler").
			WithContext("command", argv[0]).
			Build()
	}
	e.logger.Debug("Compiler started",
		logfields.Workdir(dir),
		logfields.Job(job),
		slog.Int("pid", cmd.Process.Pid))

	p := &execProcess{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func (p *execProcess) Feed(data []byte) error {
	_, err := p.stdin.Write(data)
	return err
}

func (p *execProcess) Abort() error {
	_, werr := io.WriteString(p.stdin, AbortLine)
	cerr := p.CloseInput()
	if werr != nil && !errors.Is(werr, os.ErrClosed) && !errors.Is(werr, syscall.EPIPE) {
		return werr
	}
	return cerr
}

func (p *execProcess) CloseInput() error {
	var err error
	p.closeOnce.Do(func() { err = p.stdin.Close() })
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

func (p *execProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return exitStatus(p.err)
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		<-p.done
		return -1, ctx.Err()
	}
}

// exitStatus maps a Wait error to a process exit status. Signals map to
// 128+signal as a shell would report them.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return ee.ExitCode(), nil
	}
	return -1, ferrors.WrapError(err, ferrors.CategoryCompiler, "wait for compiler").Build()
}
