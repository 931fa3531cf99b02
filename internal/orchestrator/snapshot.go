package orchestrator

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/texstream/internal/archive"
	ferrors "git.home.luguber.info/inful/texstream/internal/foundation/errors"
)

// AuxExtensions are the compiler's cross-run state files.
var AuxExtensions = []string{".aux", ".bbl", ".toc", ".lof", ".lot", ".out"}

// AuxSnapshot holds the auxiliary files of a job as they were before a run.
type AuxSnapshot struct {
	dir    string
	data   []byte
	absent []string
}

// CaptureAux records the current auxiliary files of job in dir.
func CaptureAux(dir, job string) (*AuxSnapshot, error) {
	s := &AuxSnapshot{dir: dir}
	var present []string
	for _, ext := range AuxExtensions {
		name := job + ext
		info, err := os.Stat(filepath.Join(dir, name))
		switch {
		case err == nil && info.Mode().IsRegular():
			present = append(present, name)
		case err == nil || errors.Is(err, fs.ErrNotExist):
			s.absent = append(s.absent, name)
		default:
			return nil, ferrors.WrapError(err, ferrors.CategoryFileSystem, "stat auxiliary file").
				WithContext("path", name).Build()
		}
	}

	var buf bytes.Buffer
	if _, err := archive.Write(&buf, dir, present, archive.Options{}); err != nil {
		return nil, err
	}
	s.data = buf.Bytes()
	return s, nil
}

// Restore rewrites the captured files and removes those that were absent.
func (s *AuxSnapshot) Restore() error {
	for _, name := range s.absent {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return ferrors.WrapError(err, ferrors.CategoryFileSystem, "remove auxiliary file").
				WithContext("path", name).Build()
		}
	}
	_, err := archive.Extract(bytes.NewReader(s.data), s.dir, false)
	return err
}

// Absent lists the auxiliary files that did not exist at capture time.
func (s *AuxSnapshot) Absent() []string { return s.absent }
