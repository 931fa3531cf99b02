package blocksync

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/texstream/internal/logfields"
)

const (
	DefaultBlockSize = 16 << 10
	DefaultPassDelay = 100 * time.Millisecond
)

// Stats summarizes what a Sender has emitted so far.
type Stats struct {
	Passes  int
	Records int
	Bytes   int64
}

// Sender streams a file that is being rewritten in place.
type Sender struct {
	path      string
	out       *bufio.Writer
	blockSize int
	passDelay time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger

	blocks map[int64]uint64
	buf    []byte
	stats  Stats
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithBlockSize sets the chunk size. Values below one are ignored.
func WithBlockSize(n int) SenderOption {
	return func(s *Sender) {
		if n > 0 {
			s.blockSize = n
		}
	}
}

// WithPassDelay sets the pause between passes.
func WithPassDelay(d time.Duration) SenderOption {
	return func(s *Sender) { s.passDelay = d }
}

// WithClock replaces the clock used to pace passes.
func WithClock(c clockwork.Clock) SenderOption {
	return func(s *Sender) { s.clock = c }
}

// WithLogger sets the logger used for per-pass debug output.
func WithLogger(l *slog.Logger) SenderOption {
	return func(s *Sender) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSender creates a Sender reading path and writing records to w.
func NewSender(path string, w io.Writer, opts ...SenderOption) *Sender {
	s := &Sender{
		path:      path,
		out:       bufio.NewWriter(w),
		blockSize: DefaultBlockSize,
		passDelay: DefaultPassDelay,
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		blocks:    make(map[int64]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.buf = make([]byte, s.blockSize)
	return s
}

// Stats returns counters for the records emitted so far. It must not be
// called concurrently with Run.
func (s *Sender) Stats() Stats { return s.stats }

// Run performs passes over the file until final is closed, then performs one
// last pass and writes the terminating record. If the file never appeared the
// stream ends without a terminator.
func (s *Sender) Run(ctx context.Context, final <-chan struct{}) error {
	for {
		last := closed(final)
		size, err := s.pass(last)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if last {
				s.logger.Debug("Output never appeared", logfields.Path(s.path))
				return s.out.Flush()
			}
		case err != nil:
			return err
		case last:
			if err := WriteRecord(s.out, size, nil); err != nil {
				return err
			}
			s.logger.Debug("Stream complete",
				logfields.Path(s.path),
				logfields.Bytes(size),
				logfields.Records(s.stats.Records))
			return s.out.Flush()
		}
		if err := s.out.Flush(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-final:
		case <-s.clock.After(s.passDelay):
		}
	}
}

// pass reads the whole file and emits every chunk whose fingerprint changed.
// Short trailing chunks are held back unless last is set. It returns the
// number of bytes read.
func (s *Sender) pass(last bool) (int64, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	s.stats.Passes++
	var off int64
	for {
		n, err := io.ReadFull(f, s.buf)
		if n > 0 && (n == s.blockSize || last) {
			chunk := s.buf[:n]
			sum := xxhash.Sum64(chunk)
			if prev, ok := s.blocks[off]; !ok || prev != sum {
				if werr := WriteRecord(s.out, off, chunk); werr != nil {
					return off, werr
				}
				s.blocks[off] = sum
				s.stats.Records++
				s.stats.Bytes += int64(n)
			}
		}
		off += int64(n)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return off, nil
		}
		if err != nil {
			return off, err
		}
	}
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
