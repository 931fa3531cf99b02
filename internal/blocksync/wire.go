package blocksync

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	ferrors "git.home.luguber.info/inful/texstream/internal/foundation/errors"
)

const (
	offsetSize = 8
	// maxPayload bounds a data sub-record so a corrupt length cannot exhaust memory.
	maxPayload = 64 << 20
)

// WriteRecord writes one offset/data record pair.
func WriteRecord(w io.Writer, offset int64, data []byte) error {
	var off [offsetSize]byte
	binary.BigEndian.PutUint64(off[:], uint64(offset))
	if err := writeSub(w, off[:]); err != nil {
		return err
	}
	return writeSub(w, data)
}

func writeSub(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadRecord reads one record pair. It returns io.EOF when the stream ends
// cleanly before an offset sub-record; any other truncation is a transport error.
func ReadRecord(r io.Reader) (int64, []byte, error) {
	off, err := readSub(r, offsetSize)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, io.EOF
		}
		return 0, nil, malformed("offset", err)
	}
	if len(off) != offsetSize {
		return 0, nil, malformed("offset", fmt.Errorf("offset field has %d bytes", len(off)))
	}
	data, err := readSub(r, maxPayload)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, malformed("data", err)
	}
	return int64(binary.BigEndian.Uint64(off)), data, nil
}

// readSub returns io.EOF only if no header byte could be read.
func readSub(r io.Reader, limit uint32) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > limit {
		return nil, fmt.Errorf("length %d exceeds limit %d", n, limit)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

func malformed(field string, err error) error {
	return ferrors.WrapError(err, ferrors.CategoryTransport, "malformed block record").
		OnNextChange().
		WithContext("field", field).
		Build()
}
