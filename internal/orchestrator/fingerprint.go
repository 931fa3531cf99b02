package orchestrator

import (
	"encoding/binary"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"git.home.luguber.info/inful/texstream/internal/workspace"
)

var styleExtensions = map[string]bool{".cls": true, ".sty": true, ".cfg": true}

// StyleFingerprint hashes name, mtime and size of every class, style and
// config file under dir. Any change to those files changes the fingerprint.
func StyleFingerprint(dir string) (uint64, error) {
	type entry struct {
		name  string
		mtime int64
		size  int64
	}
	var entries []entry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == workspace.StateDir && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !styleExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		entries = append(entries, entry{name: filepath.ToSlash(rel), mtime: info.ModTime().UnixNano(), size: info.Size()})
		return nil
	})
	if err != nil {
		return 0, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	h := xxhash.New()
	var num [8]byte
	for _, e := range entries {
		_, _ = h.WriteString(e.name)
		_, _ = h.Write([]byte{0})
		binary.BigEndian.PutUint64(num[:], uint64(e.mtime))
		_, _ = h.Write(num[:])
		binary.BigEndian.PutUint64(num[:], uint64(e.size))
		_, _ = h.Write(num[:])
	}
	return h.Sum64(), nil
}
