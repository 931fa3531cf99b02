// Package transport runs the remote half of texstream over ssh or, for the
// same-host sentinel, as a local child process.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"

	ferrors "git.home.luguber.info/inful/texstream/internal/foundation/errors"
)

// LocalHost selects the same-host channel.
const LocalHost = "-"

// waitDelay bounds how long pipe copying may outlive a killed child.
const waitDelay = 2 * time.Second

// Invocation is one run of the remote command.
type Invocation struct {
	Env    map[string]string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Channel executes the remote command.
type Channel interface {
	Run(ctx context.Context, inv Invocation) error
	// Networked reports whether data crosses a network link.
	Networked() bool
	String() string
}

// ExitError reports a nonzero exit of the remote command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command exited with status %d", e.Code)
}

// ExitCode extracts the remote exit status from err, or -1.
func ExitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return -1
}

// New returns the channel for host.
func New(host string, sshCommand []string, remoteBinary string) (Channel, error) {
	if host == LocalHost {
		self, err := os.Executable()
		if err != nil {
			return nil, ferrors.WrapError(err, ferrors.CategorySetup, "locate texstream executable").Build()
		}
		return &Local{Binary: self}, nil
	}
	if host == "" || strings.HasPrefix(host, "-") {
		return nil, ferrors.ValidationError(fmt.Sprintf("invalid host %q", host)).Build()
	}
	if len(sshCommand) == 0 {
		return nil, ferrors.ConfigError("remote.ssh is empty").Build()
	}
	return &SSH{Host: host, Command: sshCommand, RemoteBinary: remoteBinary}, nil
}

// SSH reaches the remote side through an ssh client.
type SSH struct {
	Host         string
	Command      []string
	RemoteBinary string
}

func (s *SSH) Networked() bool { return true }

func (s *SSH) String() string { return s.Host }

// Args returns the full client argv for inv.
func (s *SSH) Args(inv Invocation) []string {
	args := append([]string(nil), s.Command...)
	return append(args, s.Host, RemoteCommandLine(s.RemoteBinary, inv.Env))
}

func (s *SSH) Run(ctx context.Context, inv Invocation) error {
	argv := s.Args(inv)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	err := run(cmd, inv)
	// ssh reserves 255 for its own failures.
	if ExitCode(err) == 255 {
		return ferrors.WrapError(err, ferrors.CategoryTransport, "ssh connection failed").
			OnNextChange().
			WithContext("host", s.Host).
			Build()
	}
	return err
}

// Local runs the remote side as a child process on this host.
type Local struct {
	Binary string
}

func (l *Local) Networked() bool { return false }

func (l *Local) String() string { return LocalHost }

func (l *Local) Run(ctx context.Context, inv Invocation) error {
	cmd := exec.CommandContext(ctx, l.Binary, "remote")
	cmd.Env = append(os.Environ(), envList(inv.Env)...)
	return run(cmd, inv)
}

func run(cmd *exec.Cmd, inv Invocation) error {
	cmd.Stdin = inv.Stdin
	cmd.Stdout = inv.Stdout
	cmd.Stderr = inv.Stderr
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() >= 0 {
		return &ExitError{Code: ee.ExitCode()}
	}
	return ferrors.WrapError(err, ferrors.CategoryTransport, "run remote command").
		OnNextChange().
		WithContext("command", cmd.Path).
		Build()
}

// RemoteCommandLine renders the shell command executed by the remote login
// shell: env assignments followed by the remote subcommand.
func RemoteCommandLine(binary string, env map[string]string) string {
	var b strings.Builder
	b.WriteString("env")
	for _, kv := range envList(env) {
		b.WriteByte(' ')
		b.WriteString(shellescape.Quote(kv))
	}
	b.WriteByte(' ')
	b.WriteString(shellescape.Quote(binary))
	b.WriteString(" remote")
	return b.String()
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
