// Package deps discovers the files a LaTeX document depends on.
//
// The scan is heuristic: it recognizes include-like commands line by line,
// follows graphics search paths, and learns one-argument wrapper macros around
// recognized commands. It never expands macros.
package deps

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	ferrors "git.home.luguber.info/inful/texstream/internal/foundation/errors"
	"git.home.luguber.info/inful/texstream/internal/logfields"
)

// BuiltinCommands are the include-like commands every scan starts with.
var BuiltinCommands = []string{
	"input", "include", "subfile",
	"includegraphics", "includepdf", "includesvg", "includestandalone",
	"lstinputlisting", "verbatiminput", "inputminted",
	"bibliography", "addbibresource", "bibliographystyle",
	"documentclass", "usepackage", "RequirePackage", "LoadClass",
}

// Extensions are tried in order against every argument and search prefix.
var Extensions = []string{
	"", ".tex", ".ltx", ".cls", ".sty", ".cfg", ".clo", ".def",
	".bib", ".bst", ".bbl",
	".pdf", ".png", ".jpg", ".jpeg", ".eps", ".ps", ".mps", ".svg",
	".pgf", ".tikz",
}

var documentLike = map[string]bool{
	".tex": true, ".ltx": true, ".cls": true, ".sty": true, ".cfg": true,
	".clo": true, ".def": true, ".pgf": true, ".tikz": true,
}

var (
	commandRe      = regexp.MustCompile(`\\([A-Za-z@]+)\*?\s*(?:\[[^\]]*\]\s*)*\{([^{}]*)\}`)
	defineRe       = regexp.MustCompile(`\\(?:re|provide|new)command\*?\s*\{?\\([A-Za-z@]+)\}?\s*\[1\]`)
	graphicsPathRe = regexp.MustCompile(`\\graphicspath\s*\{((?:\s*\{[^{}]*\})+)\s*\}`)
	braceGroupRe   = regexp.MustCompile(`\{([^{}]*)\}`)
	animateRe      = regexp.MustCompile(`\\animategraphics\s*(?:\[[^\]]*\])?\s*\{[^{}]*\}\s*\{([^{}]*)\}`)
)

// Scanner computes dependency sets.
type Scanner struct {
	extra  []string
	logger *slog.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithCommands recognizes additional include-like command names.
func WithCommands(names ...string) Option {
	return func(s *Scanner) {
		for _, n := range names {
			n = strings.TrimPrefix(strings.TrimSpace(n), `\`)
			if n != "" {
				s.extra = append(s.extra, n)
			}
		}
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Scanner.
func New(opts ...Option) *Scanner {
	s := &Scanner{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan is shorthand for New().Scan(root).
func Scan(root string) ([]string, error) {
	return New().Scan(root)
}

// scan holds the state of a single traversal.
type scan struct {
	base     string
	job      string
	commands map[string]bool
	search   []string
	seen     map[string]bool
	queued   map[string]bool
	queue    []string
	out      []string
	emitted  map[string]bool
}

// Scan returns the dependency set of the document at root: paths relative to
// the root's directory in discovery order, root first, each once.
func (s *Scanner) Scan(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryFileSystem, "stat root document").
			WithContext("path", root).
			Build()
	}
	if !info.Mode().IsRegular() {
		return nil, ferrors.ValidationError("root document is not a regular file").
			WithContext("path", root).
			Build()
	}

	name := filepath.Base(root)
	st := &scan{
		base:     filepath.Dir(root),
		job:      strings.TrimSuffix(name, filepath.Ext(name)),
		commands: make(map[string]bool, len(BuiltinCommands)+len(s.extra)),
		search:   []string{""},
		seen:     make(map[string]bool),
		queued:   make(map[string]bool),
		emitted:  make(map[string]bool),
	}
	for _, c := range BuiltinCommands {
		st.commands[c] = true
	}
	for _, c := range s.extra {
		st.commands[c] = true
	}

	st.add(name)
	st.queued[name] = true
	st.queue = append(st.queue, name)
	for len(st.queue) > 0 {
		next := st.queue[0]
		st.queue = st.queue[1:]
		if st.seen[next] {
			continue
		}
		st.seen[next] = true
		st.scanFile(next)
	}

	bbl := st.job + ".bbl"
	if isRegular(filepath.Join(st.base, bbl)) {
		st.add(bbl)
	}

	s.logger.Debug("Dependency scan complete",
		logfields.Path(root),
		logfields.Files(len(st.out)))
	return st.out, nil
}

func (st *scan) scanFile(rel string) {
	f, err := os.Open(filepath.Join(st.base, rel))
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		st.scanLine(stripComment(sc.Text()))
	}
}

func (st *scan) scanLine(line string) {
	if line == "" || !strings.Contains(line, `\`) {
		return
	}

	if m := defineRe.FindStringSubmatch(line); m != nil && st.wrapsRecognized(line) {
		st.commands[m[1]] = true
	}

	for _, m := range graphicsPathRe.FindAllStringSubmatch(line, -1) {
		for _, g := range braceGroupRe.FindAllStringSubmatch(m[1], -1) {
			if p := strings.TrimSpace(g[1]); p != "" {
				st.search = append(st.search, p)
			}
		}
	}

	for _, m := range commandRe.FindAllStringSubmatch(line, -1) {
		if !st.commands[m[1]] {
			continue
		}
		for _, arg := range strings.Split(m[2], ",") {
			st.resolve(strings.TrimSpace(arg))
		}
	}

	for _, m := range animateRe.FindAllStringSubmatch(line, -1) {
		st.glob(strings.TrimSpace(m[1]))
	}
}

// wrapsRecognized reports whether line applies a recognized command to #1.
func (st *scan) wrapsRecognized(line string) bool {
	for _, m := range commandRe.FindAllStringSubmatch(line, -1) {
		if st.commands[m[1]] && strings.Contains(m[2], "#1") {
			return true
		}
	}
	return false
}

func (st *scan) resolve(arg string) {
	if arg == "" || strings.Contains(arg, "#") {
		return
	}
	for _, prefix := range st.search {
		for _, ext := range Extensions {
			rel := filepath.Clean(filepath.Join(prefix, arg+ext))
			if !filepath.IsLocal(rel) || !isRegular(filepath.Join(st.base, rel)) {
				continue
			}
			st.record(rel)
		}
	}
}

func (st *scan) glob(prefix string) {
	if prefix == "" || strings.Contains(prefix, "#") {
		return
	}
	for _, sp := range st.search {
		pattern := filepath.Join(st.base, sp, escapeGlob(prefix)) + "*"
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			rel, err := filepath.Rel(st.base, m)
			if err != nil || !filepath.IsLocal(rel) || !isRegular(m) {
				continue
			}
			st.record(rel)
		}
	}
}

// record adds rel to the output and queues it when it is document-like.
func (st *scan) record(rel string) {
	if !st.add(rel) {
		return
	}
	if documentLike[strings.ToLower(filepath.Ext(rel))] && !st.queued[rel] {
		st.queued[rel] = true
		st.queue = append(st.queue, rel)
	}
}

func (st *scan) add(rel string) bool {
	if rel == st.job+".pdf" || st.emitted[rel] {
		return false
	}
	st.emitted[rel] = true
	st.out = append(st.out, filepath.ToSlash(rel))
	return true
}

// stripComment drops everything from the first unescaped percent sign.
func stripComment(line string) string {
	for i := 0; i < len(line); i++ {
		if line[i] != '%' {
			continue
		}
		bs := 0
		for j := i - 1; j >= 0 && line[j] == '\\'; j-- {
			bs++
		}
		if bs%2 == 0 {
			return line[:i]
		}
	}
	return line
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`)
	return r.Replace(s)
}

func isRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
