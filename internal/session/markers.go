package session

import (
	"errors"
	"io/fs"
	"os"
	"time"
)

// touchStamp creates the stamp file if needed and sets its mtime to t.
func touchStamp(path string, t time.Time) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chtimes(path, t, t)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// removeIfExists deletes path; a missing file is not an error.
func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
