package orchestrator

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/texstream/internal/archive"
	"git.home.luguber.info/inful/texstream/internal/blocksync"
	"git.home.luguber.info/inful/texstream/internal/compiler"
	"git.home.luguber.info/inful/texstream/internal/config"
	ferrors "git.home.luguber.info/inful/texstream/internal/foundation/errors"
	"git.home.luguber.info/inful/texstream/internal/statusline"
	"git.home.luguber.info/inful/texstream/internal/workspace"
)

const (
	testPreamble = "\\documentclass{article}\n\\usepackage{local}\n\\begin{document}"
	testBody     = "\nHello.\n\\end{document}\n"
)

type harness struct {
	t      *testing.T
	comp   *fakeCompiler
	o      *Orchestrator
	src    string
	dir    string
	out    bytes.Buffer
	events bytes.Buffer
	mtime  time.Time
	files  []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		comp:  newFakeCompiler(),
		src:   t.TempDir(),
		mtime: time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC),
		files: []string{"paper.tex", "local.sty"},
	}
	helper := config.HelperConfig{
		Sync:     config.SyncConfig{BlockSize: 64, PassDelay: 2 * time.Millisecond},
		Compiler: config.CompilerConfig{Command: []string{"fakelatex"}},
		BaseDir:  t.TempDir(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.o = New(h.comp, helper, &h.out, statusline.NewEmitter(&h.events), WithLogger(logger))
	h.write("paper.tex", testPreamble+testBody)
	h.write("local.sty", `\ProvidesPackage{local}`)
	return h
}

func (h *harness) write(rel, content string) {
	h.t.Helper()
	path := filepath.Join(h.src, rel)
	require.NoError(h.t, os.WriteFile(path, []byte(content), 0o644))
	h.mtime = h.mtime.Add(time.Second)
	require.NoError(h.t, os.Chtimes(path, h.mtime, h.mtime))
}

func (h *harness) archive() io.Reader {
	h.t.Helper()
	var buf bytes.Buffer
	_, err := archive.Write(&buf, h.src, h.files, archive.Options{})
	require.NoError(h.t, err)
	return &buf
}

func (h *harness) bootstrap() {
	h.t.Helper()
	dir, err := h.o.Bootstrap(context.Background(), "paper", h.archive(), archive.FormatTar)
	require.NoError(h.t, err)
	h.dir = dir
}

func (h *harness) build(first bool) *BuildResult {
	h.t.Helper()
	h.out.Reset()
	h.events.Reset()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := h.o.Build(ctx, BuildRequest{
		Dir:     h.dir,
		Job:     "paper",
		Archive: h.archive(),
		Format:  archive.FormatTar,
		First:   first,
	})
	require.NoError(h.t, err)
	return res
}

func (h *harness) received() (blocksync.Result, string) {
	h.t.Helper()
	dst := filepath.Join(h.t.TempDir(), "paper.pdf.new")
	res, err := blocksync.NewReceiver(dst).Run(bytes.NewReader(h.out.Bytes()))
	require.NoError(h.t, err)
	data, err := os.ReadFile(dst)
	require.NoError(h.t, err)
	return res, string(data)
}

func (h *harness) statusEvents() []statusline.Event {
	var evs []statusline.Event
	require.NoError(h.t, statusline.Demux(bytes.NewReader(h.events.Bytes()), func(ev statusline.Event) {
		evs = append(evs, ev)
	}, io.Discard))
	return evs
}

func (h *harness) kinds() []statusline.Kind {
	var kinds []statusline.Kind
	for _, ev := range h.statusEvents() {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (h *harness) readWork(rel string) string {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(h.dir, rel))
	require.NoError(h.t, err)
	return string(data)
}

func TestBootstrap(t *testing.T) {
	h := newHarness(t)
	h.bootstrap()

	require.True(t, strings.HasPrefix(filepath.Base(h.dir), "texstream-paper-"))
	require.Equal(t, testPreamble+testBody, h.readWork("paper.tex"))

	helper, err := config.DecodeHelper(h.readWork(filepath.Join(workspace.StateDir, HelperFile)))
	require.NoError(t, err)
	require.Equal(t, 64, helper.Sync.BlockSize)

	evs := h.statusEvents()
	require.Len(t, evs, 1)
	require.Equal(t, statusline.KindWorkdir, evs[0].Kind)
	require.Equal(t, h.dir, evs[0].Dir)
}

func TestBuildFirstRunStreamsOutput(t *testing.T) {
	h := newHarness(t)
	h.bootstrap()

	res := h.build(true)
	require.Equal(t, 0, res.Exit)
	require.False(t, res.Reused)
	require.False(t, res.Recompiled)

	stream, pdf := h.received()
	require.True(t, stream.Complete)
	require.Equal(t, testPreamble+testBody, pdf)

	require.Equal(t, testPreamble, h.readWork(filepath.Join(workspace.StateDir, compiler.PreambleFile)))
	_, err := os.Stat(filepath.Join(h.dir, workspace.StateDir, StagedPreambleFile))
	require.True(t, os.IsNotExist(err))

	require.Equal(t, []statusline.Kind{statusline.KindStarted, statusline.KindFinished}, h.kinds())
	evs := h.statusEvents()
	require.Equal(t, 0, evs[1].ExitStatus())
	require.Contains(t, h.events.String(), "fake: compiling paper")
}

func TestBuildReusesPrimedCompiler(t *testing.T) {
	h := newHarness(t)
	h.bootstrap()
	h.build(true)

	h.write("paper.tex", testPreamble+"\nSecond draft.\n\\end{document}\n")
	res := h.build(false)

	require.Equal(t, 0, res.Exit)
	require.True(t, res.Reused)
	require.False(t, res.Recompiled)
	starts, resumes, aborts := h.comp.counts()
	require.Equal(t, 1, starts)
	require.Equal(t, 1, resumes)
	require.Zero(t, aborts)
	require.Equal(t, testPreamble+"\nSecond draft.\n\\end{document}\n", h.comp.lastInput())
	require.NotContains(t, h.kinds(), statusline.KindRecompile)

	_, pdf := h.received()
	require.Contains(t, pdf, "Second draft.")
}

func TestBuildPreambleChangeAbortsOnce(t *testing.T) {
	h := newHarness(t)
	h.bootstrap()
	h.build(true)
	firstAux := h.readWork("paper.aux")

	changed := strings.Replace(testPreamble, "article", "report", 1)
	h.write("paper.tex", changed+testBody)
	res := h.build(false)

	require.Equal(t, 0, res.Exit)
	require.True(t, res.Recompiled)
	require.False(t, res.Reused)
	starts, resumes, aborts := h.comp.counts()
	require.Equal(t, 2, starts)
	require.Equal(t, 1, resumes)
	require.Equal(t, 1, aborts)
	require.Equal(t, changed+testBody, h.comp.lastInput())

	// The restarted run saw the restored aux file, not the aborted run's leftovers.
	require.Equal(t, firstAux, h.comp.auxAtStart[len(h.comp.auxAtStart)-1])

	evs := h.statusEvents()
	require.Equal(t, []statusline.Kind{statusline.KindStarted, statusline.KindRecompile, statusline.KindFinished}, h.kinds())
	require.Equal(t, "preamble changed", evs[1].Reason)
	require.Equal(t, changed, h.readWork(filepath.Join(workspace.StateDir, compiler.PreambleFile)))

	// The following run reuses the new preamble.
	res = h.build(false)
	require.True(t, res.Reused)
	_, _, aborts = h.comp.counts()
	require.Equal(t, 1, aborts)
}

func TestBuildStyleChangeAbortsOnce(t *testing.T) {
	h := newHarness(t)
	h.bootstrap()
	h.build(true)

	h.write("local.sty", `\ProvidesPackage{local}[v2]`)
	res := h.build(false)

	require.True(t, res.Recompiled)
	_, _, aborts := h.comp.counts()
	require.Equal(t, 1, aborts)
	evs := h.statusEvents()
	require.Equal(t, statusline.KindRecompile, evs[1].Kind)
	require.Equal(t, "style files changed", evs[1].Reason)
}

func TestBuildFailureRestoresAuxiliaryFiles(t *testing.T) {
	h := newHarness(t)
	h.bootstrap()
	h.build(true)
	before := h.readWork("paper.aux")

	h.write("paper.tex", testPreamble+"\nFAIL\n\\end{document}\n")
	res := h.build(false)

	require.Equal(t, 1, res.Exit)
	require.Equal(t, before, h.readWork("paper.aux"))
	_, err := os.Stat(filepath.Join(h.dir, "paper.toc"))
	require.True(t, os.IsNotExist(err), "aux files absent before the run must be removed")

	evs := h.statusEvents()
	require.Equal(t, 1, evs[len(evs)-1].ExitStatus())

	// The previous output is still streamed unchanged.
	stream, pdf := h.received()
	require.True(t, stream.Complete)
	require.Equal(t, testPreamble+testBody, pdf)
}

func TestBuildKeepsUploadedBibliographyAcrossAbort(t *testing.T) {
	h := newHarness(t)
	h.write("paper.bbl", "bbl v1")
	h.files = append(h.files, "paper.bbl")
	h.bootstrap()
	h.build(true)

	h.write("paper.bbl", "bbl v2")
	h.write("paper.tex", strings.Replace(testPreamble, "article", "report", 1)+testBody)
	res := h.build(false)

	require.True(t, res.Recompiled)
	require.Equal(t, 0, res.Exit)
	require.Equal(t, "bbl v2", h.readWork("paper.bbl"))
}

func TestBuildKeepsUploadedBibliographyAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.write("paper.bbl", "bbl v1")
	h.files = append(h.files, "paper.bbl")
	h.bootstrap()
	h.build(true)
	before := h.readWork("paper.aux")

	h.write("paper.bbl", "bbl v2")
	h.write("paper.tex", testPreamble+"\nFAIL\n\\end{document}\n")
	res := h.build(false)

	require.Equal(t, 1, res.Exit)
	require.Equal(t, "bbl v2", h.readWork("paper.bbl"))
	require.Equal(t, before, h.readWork("paper.aux"))
}

func TestBuildWithoutPrimedCompilerStartsFresh(t *testing.T) {
	h := newHarness(t)
	h.bootstrap()
	h.build(true)
	require.NoError(t, h.comp.Stop(h.dir))

	res := h.build(false)
	require.False(t, res.Reused)
	require.False(t, res.Recompiled)
	starts, _, aborts := h.comp.counts()
	require.Equal(t, 2, starts)
	require.Zero(t, aborts)
}

func TestBuildMissingWorkdir(t *testing.T) {
	h := newHarness(t)
	h.bootstrap()
	require.NoError(t, os.RemoveAll(h.dir))

	_, err := h.o.Build(context.Background(), BuildRequest{
		Dir: h.dir, Job: "paper", Archive: h.archive(), Format: archive.FormatTar,
	})
	require.Error(t, err)
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryRemote))
}

func TestBuildCorruptArchive(t *testing.T) {
	h := newHarness(t)
	h.bootstrap()

	_, err := h.o.Build(context.Background(), BuildRequest{
		Dir: h.dir, Job: "paper", Archive: strings.NewReader("not a tar stream at all, but long enough to be read as a header block"), Format: archive.FormatTarZstd,
	})
	require.Error(t, err)
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryRemote))
}

func TestTeardown(t *testing.T) {
	h := newHarness(t)
	h.bootstrap()
	h.build(true)

	require.NoError(t, h.o.Teardown(h.dir, "paper"))
	_, err := os.Stat(h.dir)
	require.True(t, os.IsNotExist(err))
	require.NoError(t, h.o.Teardown(h.dir, "paper"))
}
