package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"git.home.luguber.info/inful/texstream/internal/compiler"
	"git.home.luguber.info/inful/texstream/internal/workspace"
)

// fakeCompiler stands in for the typesetting engine. A run writes its whole
// input to <job>.pdf and "aux:<input>" to <job>.aux; input containing FAIL
// exits 1 after writing a corrupt aux file and a stray toc.
type fakeCompiler struct {
	mu      sync.Mutex
	primed  map[string]*fakeProcess
	starts  int
	resumes int
	aborts  int
	inputs  []string
	// auxAtStart records <job>.aux as each fresh run found it.
	auxAtStart []string
}

func newFakeCompiler() *fakeCompiler {
	return &fakeCompiler{primed: make(map[string]*fakeProcess)}
}

func (f *fakeCompiler) Start(_ context.Context, dir, job string, diag io.Writer) (compiler.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	aux, _ := os.ReadFile(filepath.Join(dir, job+".aux"))
	f.auxAtStart = append(f.auxAtStart, string(aux))
	return &fakeProcess{owner: f, dir: dir, job: job, diag: diag}, nil
}

func (f *fakeCompiler) Prime(_ context.Context, dir, job string) error {
	preamble, err := os.ReadFile(filepath.Join(dir, workspace.StateDir, compiler.PreambleFile))
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakeProcess{owner: f, dir: dir, job: job}
	p.input.Write(preamble)
	f.primed[dir] = p
	return nil
}

func (f *fakeCompiler) Resume(_ context.Context, dir, _ string, diag io.Writer) (compiler.Process, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.primed[dir]
	if !ok {
		return nil, false, nil
	}
	delete(f.primed, dir)
	f.resumes++
	p.diag = diag
	return p, true, nil
}

func (f *fakeCompiler) Stop(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.primed, dir)
	return nil
}

func (f *fakeCompiler) counts() (starts, resumes, aborts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.resumes, f.aborts
}

func (f *fakeCompiler) lastInput() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inputs) == 0 {
		return ""
	}
	return f.inputs[len(f.inputs)-1]
}

type fakeProcess struct {
	owner   *fakeCompiler
	dir     string
	job     string
	diag    io.Writer
	input   bytes.Buffer
	aborted bool
	code    int
	done    bool
}

func (p *fakeProcess) Feed(data []byte) error {
	p.input.Write(data)
	return nil
}

func (p *fakeProcess) Abort() error {
	p.aborted = true
	p.owner.mu.Lock()
	p.owner.aborts++
	p.owner.mu.Unlock()
	// An aborted run may leave a half-written aux file behind.
	_ = os.WriteFile(filepath.Join(p.dir, p.job+".aux"), []byte("half-written"), 0o644)
	return p.CloseInput()
}

func (p *fakeProcess) CloseInput() error {
	if p.done {
		return nil
	}
	p.done = true
	if p.aborted {
		p.code = 2
		return nil
	}
	in := p.input.String()
	p.owner.mu.Lock()
	p.owner.inputs = append(p.owner.inputs, in)
	p.owner.mu.Unlock()

	if p.diag != nil {
		fmt.Fprintf(p.diag, "fake: compiling %s\n", p.job)
	}
	if bytes.Contains(p.input.Bytes(), []byte("FAIL")) {
		_ = os.WriteFile(filepath.Join(p.dir, p.job+".aux"), []byte("corrupt"), 0o644)
		_ = os.WriteFile(filepath.Join(p.dir, p.job+".toc"), []byte("stray"), 0o644)
		p.code = 1
		return nil
	}
	if err := os.WriteFile(filepath.Join(p.dir, p.job+".pdf"), []byte(in), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(p.dir, p.job+".aux"), []byte("aux:"+in), 0o644)
}

func (p *fakeProcess) Wait(context.Context) (int, error) {
	return p.code, nil
}
