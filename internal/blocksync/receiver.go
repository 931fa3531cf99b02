package blocksync

import (
	"bufio"
	"errors"
	"io"
	"os"

	ferrors "git.home.luguber.info/inful/texstream/internal/foundation/errors"
)

// Result describes a received stream.
type Result struct {
	// Complete reports whether the terminating record was seen.
	Complete bool
	Size     int64
	Records  int
	Bytes    int64
}

// Receiver applies a record stream to a local file.
type Receiver struct {
	path string
}

// NewReceiver returns a Receiver writing to path.
func NewReceiver(path string) *Receiver {
	return &Receiver{path: path}
}

// Run consumes records from r until the stream ends. The file is created if
// needed and is not truncated on open.
func (r *Receiver) Run(src io.Reader) (Result, error) {
	var res Result
	f, err := os.OpenFile(r.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return res, ferrors.WrapError(err, ferrors.CategoryFileSystem, "open output file").
			WithContext("path", r.path).
			Build()
	}

	br := bufio.NewReader(src)
	for {
		off, data, err := ReadRecord(br)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = f.Close()
			return res, err
		}
		if len(data) == 0 {
			if err := f.Truncate(off); err != nil {
				_ = f.Close()
				return res, ferrors.WrapError(err, ferrors.CategoryFileSystem, "truncate output file").Build()
			}
			res.Complete = true
			res.Size = off
			continue
		}
		res.Complete = false
		res.Records++
		res.Bytes += int64(len(data))
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			_ = f.Close()
			return res, ferrors.WrapError(err, ferrors.CategoryFileSystem, "seek output file").Build()
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return res, ferrors.WrapError(err, ferrors.CategoryFileSystem, "write output file").Build()
		}
	}
	return res, f.Close()
}
