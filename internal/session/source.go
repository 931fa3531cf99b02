package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ferrors "git.home.luguber.info/inful/texstream/internal/foundation/errors"
)

// SourceExt is the extension every root document carries.
const SourceExt = ".tex"

// Document is the root source of a session.
type Document struct {
	// Path is the resolved source file.
	Path string
	// Dir holds the source and every file the session writes locally.
	Dir string
	// Job is the base name without extension.
	Job string
}

// ResolveSource maps a command-line argument to the root document. An exact
// file wins, otherwise <arg>.tex is tried; a trailing dot completes to .tex.
// When both <arg> and <arg>.tex exist the argument is ambiguous.
func ResolveSource(arg string) (Document, error) {
	if arg == "" {
		return Document{}, ferrors.SetupError("no source document given").Build()
	}
	if base := filepath.Base(arg); strings.HasSuffix(arg, ".") && base != "." && base != ".." {
		arg += strings.TrimPrefix(SourceExt, ".")
	}

	exact := isRegular(arg)
	withExt := !strings.HasSuffix(arg, SourceExt) && isRegular(arg+SourceExt)
	var path string
	switch {
	case exact && withExt:
		return Document{}, ferrors.SetupError(fmt.Sprintf("%s is ambiguous: both %s and %s exist", arg, arg, arg+SourceExt)).
			WithContext("path", arg).
			Build()
	case exact:
		path = arg
	case withExt:
		path = arg + SourceExt
	default:
		return Document{}, ferrors.SetupError(fmt.Sprintf("source document %s not found", arg)).
			WithContext("path", arg).
			Build()
	}
	if filepath.Ext(path) != SourceExt {
		return Document{}, ferrors.SetupError(fmt.Sprintf("source document %s must have the %s extension", path, SourceExt)).
			WithContext("path", path).
			Build()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return Document{}, ferrors.WrapError(err, ferrors.CategorySetup, "resolve source path").
			WithContext("path", path).
			Build()
	}
	return Document{
		Path: abs,
		Dir:  filepath.Dir(abs),
		Job:  strings.TrimSuffix(filepath.Base(abs), SourceExt),
	}, nil
}

// Output is the promoted output file.
func (d Document) Output() string {
	return filepath.Join(d.Dir, d.Job+".pdf")
}

// Pending receives the output stream of the run in flight.
func (d Document) Pending() string {
	return filepath.Join(d.Dir, ".texstream-"+d.Job+".pdf.new")
}

// Stamp carries the freshness baseline as its mtime. Its presence means at
// least one run has started on the remote side.
func (d Document) Stamp() string {
	return filepath.Join(d.Dir, ".texstream-"+d.Job+".stamp")
}

// Abs resolves a dependency path relative to the document directory.
func (d Document) Abs(rel string) string {
	return filepath.Join(d.Dir, rel)
}

func isRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
