package compiler

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"

	ferrors "git.home.luguber.info/inful/texstream/internal/foundation/errors"
	"git.home.luguber.info/inful/texstream/internal/logfields"
)

// RunHost is the body of the detached compiler host. It starts the compiler,
// feeds it the cached preamble, then forwards the FIFO into the compiler
// input until the writer closes it. The exit status is written to the status
// file before RunHost returns.
func RunHost(ctx context.Context, dir, job string, command []string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if len(command) == 0 {
		return ferrors.ConfigError("compiler command is empty").Build()
	}

	logf, err := os.OpenFile(statePath(dir, LogFile), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "open compiler log").Build()
	}
	defer func() { _ = logf.Close() }()

	preamble, err := os.ReadFile(statePath(dir, PreambleFile))
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "read cached preamble").Build()
	}

	argv := Argv(command, job)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = logf
	cmd.Stderr = logf
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryInternal, "compiler stdin pipe").Build()
	}
	if err := cmd.Start(); err != nil {
		_ = writeStatus(statePath(dir, StatusFile), 127)
		return ferrors.WrapError(err, ferrors.CategoryCompiler, "start compiler").Build()
	}

	fed := make(chan error, 1)
	go func() {
		_, err := stdin.Write(preamble)
		fed <- err
	}()

	// Blocks until the next run opens the write end.
	fifo, err := os.OpenFile(statePath(dir, FIFOFile), os.O_RDONLY, 0)
	if err != nil {
		_ = stdin.Close()
		code, _ := exitStatus(cmd.Wait())
		_ = writeStatus(statePath(dir, StatusFile), code)
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "open compiler FIFO").Build()
	}
	if err := <-fed; err != nil {
		logger.Debug("Compiler stopped reading the preamble", logfields.Error(err))
	}
	if _, err := io.Copy(stdin, fifo); err != nil {
		// Keep the writer from blocking on a full FIFO.
		_, _ = io.Copy(io.Discard, fifo)
	}
	_ = fifo.Close()
	_ = stdin.Close()

	code, werr := exitStatus(cmd.Wait())
	if werr != nil {
		logger.Warn("Compiler wait failed", logfields.Error(werr))
	}
	if err := writeStatus(statePath(dir, StatusFile), code); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "write compiler status").Build()
	}
	logger.Debug("Compiler host finished", logfields.Job(job), logfields.ExitStatus(code))
	return nil
}
