package blocksync

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/texstream/internal/foundation/errors"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// rewriteInPlace overwrites data at off without truncating, like a compiler
// patching an xref table.
func rewriteInPlace(t *testing.T, path string, off int64, data []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(data, off)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func receive(t *testing.T, stream []byte, dst string) Result {
	t.Helper()
	res, err := NewReceiver(dst).Run(bytes.NewReader(stream))
	require.NoError(t, err)
	return res
}

func TestWireRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRecord(&buf, 42, []byte("hello")))
	require.NoError(t, WriteRecord(&buf, 7, nil))

	raw := buf.Bytes()
	require.Equal(t, uint32(8), binary.BigEndian.Uint32(raw[0:4]))
	require.Equal(t, uint64(42), binary.BigEndian.Uint64(raw[4:12]))
	require.Equal(t, uint32(5), binary.BigEndian.Uint32(raw[12:16]))

	r := bytes.NewReader(raw)
	off, data, err := ReadRecord(r)
	require.NoError(t, err)
	require.Equal(t, int64(42), off)
	require.Equal(t, []byte("hello"), data)

	off, data, err = ReadRecord(r)
	require.NoError(t, err)
	require.Equal(t, int64(7), off)
	require.Empty(t, data)

	_, _, err = ReadRecord(r)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadRecordShortReads(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRecord(&buf, 0, []byte("payload")))
	raw := buf.Bytes()

	for _, cut := range []int{2, 4, 10, 12, 14, len(raw) - 1} {
		_, _, err := ReadRecord(bytes.NewReader(raw[:cut]))
		require.Error(t, err, "cut at %d", cut)
		require.NotErrorIs(t, err, io.EOF, "cut at %d", cut)
		require.True(t, ferrors.HasCategory(err, ferrors.CategoryTransport), "cut at %d", cut)
	}
}

func TestReadRecordRejectsBadOffsetLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSub(&buf, []byte{1, 2, 3}))
	require.NoError(t, writeSub(&buf, []byte("x")))
	_, _, err := ReadRecord(&buf)
	require.Error(t, err)
}

func TestSenderReceiverConverge(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "doc.pdf")
	dst := filepath.Join(dir, "doc.pdf.new")

	initial := bytes.Repeat([]byte("a"), 10)
	writeFile(t, src, initial)

	var stream bytes.Buffer
	s := NewSender(src, &stream, WithBlockSize(4))

	// Non-final pass: the 2-byte tail is held back.
	n, err := s.pass(false)
	require.NoError(t, err)
	require.Equal(t, int64(10), n)
	require.NoError(t, s.out.Flush())
	require.Equal(t, 2, s.Stats().Records)

	// Rewrite the middle and grow the file.
	rewriteInPlace(t, src, 3, []byte("XYZ"))
	f, err := os.OpenFile(src, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("tail!"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, s.Run(context.Background(), closedChan()))

	res := receive(t, stream.Bytes(), dst)
	require.True(t, res.Complete)
	require.Equal(t, int64(15), res.Size)

	want, err := os.ReadFile(src)
	require.NoError(t, err)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSenderShrinkTruncatesReceiver(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "doc.pdf")
	dst := filepath.Join(dir, "out.pdf")

	writeFile(t, src, bytes.Repeat([]byte("b"), 32))
	var stream bytes.Buffer
	s := NewSender(src, &stream, WithBlockSize(8))
	_, err := s.pass(false)
	require.NoError(t, err)

	writeFile(t, src, []byte("short"))
	require.NoError(t, s.Run(context.Background(), closedChan()))

	res := receive(t, stream.Bytes(), dst)
	require.True(t, res.Complete)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "short", string(got))
}

func TestSenderUnchangedPassEmitsNothing(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "doc.pdf")
	writeFile(t, src, bytes.Repeat([]byte("c"), 64))

	var stream bytes.Buffer
	s := NewSender(src, &stream, WithBlockSize(16))
	_, err := s.pass(true)
	require.NoError(t, err)
	require.NoError(t, s.out.Flush())
	first := stream.Len()
	require.Equal(t, 4, s.Stats().Records)

	_, err = s.pass(true)
	require.NoError(t, err)
	require.NoError(t, s.out.Flush())
	require.Equal(t, first, stream.Len())
	require.Equal(t, 4, s.Stats().Records)
	require.Equal(t, 2, s.Stats().Passes)
}

func TestSenderMissingFileFinal(t *testing.T) {
	var stream bytes.Buffer
	s := NewSender(filepath.Join(t.TempDir(), "never.pdf"), &stream)
	require.NoError(t, s.Run(context.Background(), closedChan()))
	require.Zero(t, stream.Len())

	res := receive(t, stream.Bytes(), filepath.Join(t.TempDir(), "out.pdf"))
	require.False(t, res.Complete)
}

func TestSenderHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSender(filepath.Join(t.TempDir(), "later.pdf"), io.Discard, WithPassDelay(time.Hour))
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, make(chan struct{})) }()
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("sender did not stop on cancellation")
	}
}

func TestReceiverIdempotentReplay(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "doc.pdf")
	writeFile(t, src, []byte("0123456789abcdef"))

	var stream bytes.Buffer
	require.NoError(t, NewSender(src, &stream, WithBlockSize(4)).Run(context.Background(), closedChan()))

	// Applying the same records twice leaves the same file.
	doubled := append(append([]byte{}, stream.Bytes()...), stream.Bytes()...)
	dst := filepath.Join(dir, "out.pdf")
	res := receive(t, doubled, dst)
	require.True(t, res.Complete)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "0123456789abcdef", string(got))
}

// TestConcurrentRewrites streams a file while another goroutine keeps
// rewriting it in place; after the final pass the copy matches exactly.
func TestConcurrentRewrites(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "doc.pdf")
	dst := filepath.Join(dir, "out.pdf")
	writeFile(t, src, bytes.Repeat([]byte{'.'}, 100))

	pr, pw := io.Pipe()
	final := make(chan struct{})
	s := NewSender(src, pw, WithBlockSize(32), WithPassDelay(time.Millisecond))

	var wg sync.WaitGroup
	var sendErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		sendErr = s.Run(context.Background(), final)
		_ = pw.CloseWithError(sendErr)
	}()

	var res Result
	var recvErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, recvErr = NewReceiver(dst).Run(pr)
	}()

	rng := rand.New(rand.NewSource(1))
	size := 100
	for i := 0; i < 50; i++ {
		off := rng.Intn(size)
		chunk := bytes.Repeat([]byte{byte('a' + i%26)}, 1+rng.Intn(40))
		rewriteInPlace(t, src, int64(off), chunk)
		if off+len(chunk) > size {
			size = off + len(chunk)
		}
		time.Sleep(200 * time.Microsecond)
	}
	require.NoError(t, os.Truncate(src, int64(size-7)))
	close(final)
	wg.Wait()

	require.NoError(t, sendErr)
	require.NoError(t, recvErr)
	require.True(t, res.Complete)

	want, err := os.ReadFile(src)
	require.NoError(t, err)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
