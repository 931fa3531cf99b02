package compiler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	ferrors "git.home.luguber.info/inful/texstream/internal/foundation/errors"
	"git.home.luguber.info/inful/texstream/internal/logfields"
	"git.home.luguber.info/inful/texstream/internal/workspace"
)

// Files of the primed compiler host, inside the workspace state directory.
const (
	PreambleFile = "preamble.tex"
	FIFOFile     = "compiler.in"
	PIDFile      = "compiler.pid"
	StatusFile   = "compiler.status"
	LogFile      = "compiler.log"
)

func statePath(dir, name string) string {
	return filepath.Join(dir, workspace.StateDir, name)
}

// Prime launches a detached compiler host for the next run. Any previous
// host is stopped first.
func (e *Exec) Prime(_ context.Context, dir, job string) error {
	if err := e.Stop(dir); err != nil {
		e.logger.Warn("Stopping previous compiler host failed", logfields.Error(err))
	}
	for _, name := range []string{StatusFile, LogFile, FIFOFile} {
		if err := os.Remove(statePath(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return ferrors.WrapError(err, ferrors.CategoryFileSystem, "clear compiler host state").
				WithContext("path", name).Build()
		}
	}
	if err := unix.Mkfifo(statePath(dir, FIFOFile), 0o600); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "create compiler FIFO").Build()
	}

	pid, err := e.spawn(dir, job)
	if err != nil {
		return err
	}
	if err := os.WriteFile(statePath(dir, PIDFile), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "write compiler host pid").Build()
	}
	e.logger.Debug("Compiler primed", logfields.Workdir(dir), logfields.Job(job), "pid", pid)
	return nil
}

func (e *Exec) spawnHost(dir, job string) (int, error) {
	if e.hostBinary == "" {
		return 0, ferrors.SetupError("cannot locate texstream executable for the compiler host").Build()
	}
	args := append([]string{"compiler-host", "--dir", dir, "--job", job, "--"}, e.command...)
	cmd := exec.Command(e.hostBinary, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, ferrors.WrapError(err, ferrors.CategoryCompiler, "start compiler host").Build()
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}

// Resume attaches to the primed compiler of dir.
func (e *Exec) Resume(ctx context.Context, dir, job string, diag io.Writer) (Process, bool, error) {
	pid, ok := readPID(dir)
	if !ok || !alive(pid) {
		return nil, false, nil
	}
	if _, err := os.Stat(statePath(dir, StatusFile)); err == nil {
		// The primed compiler already gave up on the preamble.
		_ = e.Stop(dir)
		return nil, false, nil
	}

	fifo, err := e.openFIFO(ctx, statePath(dir, FIFOFile), pid)
	if err != nil {
		return nil, false, err
	}
	if fifo == nil {
		_ = e.Stop(dir)
		return nil, false, nil
	}
	e.logger.Debug("Resumed primed compiler", logfields.Workdir(dir), logfields.Job(job), "pid", pid)
	return &hostProcess{e: e, dir: dir, pid: pid, fifo: fifo, diag: diag}, true, nil
}

// openFIFO waits for the host to open the read end. It returns nil when the
// host exits first.
func (e *Exec) openFIFO(ctx context.Context, path string, pid int) (*os.File, error) {
	deadline := e.clock.Now().Add(e.attach)
	for {
		fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err == nil {
			if err := unix.SetNonblock(fd, false); err != nil {
				_ = unix.Close(fd)
				return nil, ferrors.WrapError(err, ferrors.CategoryInternal, "configure compiler FIFO").Build()
			}
			return os.NewFile(uintptr(fd), path), nil
		}
		if !errors.Is(err, unix.ENXIO) {
			return nil, ferrors.WrapError(err, ferrors.CategoryCompiler, "open compiler FIFO").Build()
		}
		if !alive(pid) || e.clock.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.clock.After(e.poll):
		}
	}
}

// Stop terminates the compiler host of dir and its compiler.
func (e *Exec) Stop(dir string) error {
	pid, ok := readPID(dir)
	if !ok {
		return nil
	}
	defer func() { _ = os.Remove(statePath(dir, PIDFile)) }()
	if !alive(pid) {
		return nil
	}
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return ferrors.WrapError(err, ferrors.CategoryRuntime, "stop compiler host").
			WithContext("pid", pid).Build()
	}
	e.logger.Debug("Compiler host stopped", logfields.Workdir(dir), "pid", pid)
	return nil
}

func readPID(dir string) (int, bool) {
	data, err := os.ReadFile(statePath(dir, PIDFile))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// hostProcess is a run fed through the compiler host FIFO.
type hostProcess struct {
	e    *Exec
	dir  string
	pid  int
	fifo *os.File
	diag io.Writer

	closeOnce sync.Once
	logOff    int64
}

func (p *hostProcess) Feed(data []byte) error {
	_, err := p.fifo.Write(data)
	return err
}

func (p *hostProcess) Abort() error {
	_, werr := io.WriteString(p.fifo, AbortLine)
	cerr := p.CloseInput()
	if werr != nil && !errors.Is(werr, syscall.EPIPE) && !errors.Is(werr, os.ErrClosed) {
		return werr
	}
	return cerr
}

func (p *hostProcess) CloseInput() error {
	var err error
	p.closeOnce.Do(func() { err = p.fifo.Close() })
	return err
}

// Wait streams the host log to diag until the status file appears.
func (p *hostProcess) Wait(ctx context.Context) (int, error) {
	statusPath := statePath(p.dir, StatusFile)
	for {
		p.drainLog()
		if code, ok := readStatus(statusPath); ok {
			p.drainLog()
			return code, nil
		}
		if !alive(p.pid) {
			// Status is written before the host exits; one more look settles the race.
			if code, ok := readStatus(statusPath); ok {
				p.drainLog()
				return code, nil
			}
			return -1, ferrors.CompilerError("compiler host exited without a status").
				WithContext("pid", p.pid).Build()
		}
		select {
		case <-ctx.Done():
			_ = p.CloseInput()
			return -1, ctx.Err()
		case <-p.e.clock.After(p.e.poll):
		}
	}
}

func (p *hostProcess) drainLog() {
	if p.diag == nil {
		return
	}
	f, err := os.Open(statePath(p.dir, LogFile))
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(p.logOff, io.SeekStart); err != nil {
		return
	}
	n, _ := io.Copy(p.diag, f)
	p.logOff += n
}

func readStatus(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return code, true
}

func writeStatus(path string, code int) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d\n", code)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
