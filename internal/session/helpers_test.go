package session

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/texstream/internal/compiler"
	"git.home.luguber.info/inful/texstream/internal/orchestrator"
	"git.home.luguber.info/inful/texstream/internal/transport"
)

// inProcess runs the remote entry point in this process.
type inProcess struct {
	comp compiler.Compiler

	mu      sync.Mutex
	actions []string
	workdir string
	// fail lists exit codes returned instead of running the next builds.
	fail []int
	// uploads lists the archive members of every executed build.
	uploads [][]member
}

type member struct {
	name  string
	mtime time.Time
}

func (c *inProcess) Run(ctx context.Context, inv transport.Invocation) error {
	action := inv.Env[orchestrator.EnvAction]
	c.mu.Lock()
	c.actions = append(c.actions, action)
	if dir := inv.Env[orchestrator.EnvDir]; dir != "" {
		c.workdir = dir
	}
	var code int
	failing := false
	if action == orchestrator.ActionBuild && len(c.fail) > 0 {
		code, c.fail = c.fail[0], c.fail[1:]
		failing = true
	}
	c.mu.Unlock()

	if !failing {
		lookup := func(k string) (string, bool) {
			v, ok := inv.Env[k]
			return v, ok
		}
		var sent bytes.Buffer
		code = orchestrator.RunRemote(ctx, lookup, io.TeeReader(inv.Stdin, &sent), inv.Stdout, inv.Stderr,
			orchestrator.RemoteOptions{Compiler: c.comp})
		if action == orchestrator.ActionBuild {
			members := listMembers(&sent)
			c.mu.Lock()
			c.uploads = append(c.uploads, members)
			c.mu.Unlock()
		}
	}
	if code != 0 {
		return &transport.ExitError{Code: code}
	}
	return nil
}

func (c *inProcess) Networked() bool { return false }

func (c *inProcess) String() string { return "in-process" }

func (c *inProcess) builds() [][]member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]member(nil), c.uploads...)
}

// listMembers reads the uncompressed tar the remote side consumed.
func listMembers(r io.Reader) []member {
	var out []member
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err != nil {
			return out
		}
		out = append(out, member{name: hdr.Name, mtime: hdr.ModTime})
	}
}

func (c *inProcess) seen() ([]string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.actions...), c.workdir
}

// echoCompiler writes its whole input to <job>.pdf. Input containing FAIL
// exits 1 with a diagnostic instead.
type echoCompiler struct{}

func (echoCompiler) Start(_ context.Context, dir, job string, diag io.Writer) (compiler.Process, error) {
	return &echoProcess{dir: dir, job: job, diag: diag}, nil
}

func (echoCompiler) Prime(context.Context, string, string) error { return nil }

func (echoCompiler) Resume(context.Context, string, string, io.Writer) (compiler.Process, bool, error) {
	return nil, false, nil
}

func (echoCompiler) Stop(string) error { return nil }

type echoProcess struct {
	dir   string
	job   string
	diag  io.Writer
	input bytes.Buffer
	code  int
}

func (p *echoProcess) Feed(data []byte) error {
	p.input.Write(data)
	return nil
}

func (p *echoProcess) Abort() error {
	p.code = 2
	return nil
}

func (p *echoProcess) CloseInput() error {
	if p.code != 0 {
		return nil
	}
	if strings.Contains(p.input.String(), "FAIL") {
		fmt.Fprintf(p.diag, "./%s.tex:3: Undefined control sequence.\n", p.job)
		p.code = 1
		return nil
	}
	fmt.Fprintf(p.diag, "Output written on %s.pdf\n", p.job)
	return os.WriteFile(filepath.Join(p.dir, p.job+".pdf"), p.input.Bytes(), 0o644)
}

func (p *echoProcess) Wait(context.Context) (int, error) {
	return p.code, nil
}

// stepWaiter hands control to the test between iterations.
type stepWaiter struct {
	entered chan struct{}
	proceed chan struct{}
}

func newStepWaiter() *stepWaiter {
	return &stepWaiter{entered: make(chan struct{}), proceed: make(chan struct{})}
}

func (w *stepWaiter) Wait(ctx context.Context, _ []string) error {
	select {
	case w.entered <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-w.proceed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *stepWaiter) Settle(ctx context.Context, paths []string) error {
	return w.Wait(ctx, paths)
}

// awaitIteration blocks until the session finished an iteration.
func (w *stepWaiter) awaitIteration(t *testing.T) {
	t.Helper()
	select {
	case <-w.entered:
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish the iteration")
	}
}

func (w *stepWaiter) next(t *testing.T) {
	t.Helper()
	select {
	case w.proceed <- struct{}{}:
	case <-time.After(10 * time.Second):
		t.Fatal("session is not waiting")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// writeFile writes content and sets the mtime explicitly, so change
// detection does not depend on filesystem timestamp granularity.
func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}
