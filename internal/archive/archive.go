// Package archive moves dependency sets between hosts as tar streams,
// optionally zstd compressed, preserving modification times.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	ferrors "git.home.luguber.info/inful/texstream/internal/foundation/errors"
)

// Format names the archive encoding passed to the remote side.
type Format string

const (
	FormatTar     Format = "tar"
	FormatTarZstd Format = "tar.zst"
)

// ParseFormat validates a format flag value.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatTar, FormatTarZstd:
		return Format(s), nil
	default:
		return "", ferrors.ValidationError(fmt.Sprintf("unknown archive format %q", s)).Build()
	}
}

// FormatFor returns the format for the given compression choice.
func FormatFor(compress bool) Format {
	if compress {
		return FormatTarZstd
	}
	return FormatTar
}

// Compressed reports whether the format is zstd compressed.
func (f Format) Compressed() bool { return f == FormatTarZstd }

// Options control which files Write includes.
type Options struct {
	// Since skips files modified before it. The zero value includes everything.
	Since time.Time
	// Always lists files included regardless of Since.
	Always map[string]bool
	Compress bool
}

// Summary counts what an archive operation touched.
type Summary struct {
	Files   int
	Skipped int
	Bytes   int64
}

// Write streams files (relative to baseDir) to w. Missing and non-regular
// files are skipped.
func Write(w io.Writer, baseDir string, files []string, opts Options) (Summary, error) {
	var sum Summary
	out := w
	var enc *zstd.Encoder
	if opts.Compress {
		var err error
		enc, err = zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return sum, ferrors.WrapError(err, ferrors.CategoryInternal, "create zstd encoder").Build()
		}
		out = enc
	}

	tw := tar.NewWriter(out)
	for _, rel := range files {
		n, err := addFile(tw, baseDir, rel, opts)
		if err != nil {
			if enc != nil {
				_ = enc.Close()
			}
			return sum, err
		}
		if n < 0 {
			sum.Skipped++
			continue
		}
		sum.Files++
		sum.Bytes += n
	}
	if err := tw.Close(); err != nil {
		return sum, ferrors.WrapError(err, ferrors.CategoryTransport, "finish archive").Build()
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return sum, ferrors.WrapError(err, ferrors.CategoryTransport, "finish compressed archive").Build()
		}
	}
	return sum, nil
}

// addFile returns -1 when the file was skipped.
func addFile(tw *tar.Writer, baseDir, rel string, opts Options) (int64, error) {
	path := filepath.Join(baseDir, filepath.FromSlash(rel))
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return -1, nil
		}
		return 0, ferrors.WrapError(err, ferrors.CategoryFileSystem, "stat archive member").
			WithContext("path", rel).Build()
	}
	if !info.Mode().IsRegular() {
		return -1, nil
	}
	if !opts.Since.IsZero() && info.ModTime().Before(opts.Since) && !opts.Always[rel] {
		return -1, nil
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, ferrors.WrapError(err, ferrors.CategoryFileSystem, "build tar header").
			WithContext("path", rel).Build()
	}
	hdr.Name = filepath.ToSlash(rel)
	hdr.Format = tar.FormatPAX
	hdr.Uname, hdr.Gname = "", ""

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return -1, nil
		}
		return 0, ferrors.WrapError(err, ferrors.CategoryFileSystem, "open archive member").
			WithContext("path", rel).Build()
	}
	defer func() { _ = f.Close() }()

	if err := tw.WriteHeader(hdr); err != nil {
		return 0, ferrors.WrapError(err, ferrors.CategoryTransport, "write tar header").Build()
	}
	n, err := io.CopyN(tw, f, hdr.Size)
	if err != nil {
		return n, ferrors.WrapError(err, ferrors.CategoryTransport, "write tar member").
			WithContext("path", rel).Build()
	}
	return n, nil
}

// Extract unpacks an archive into destDir, restoring modification times.
// Entries with absolute paths or parent references are rejected.
func Extract(r io.Reader, destDir string, compressed bool) (Summary, error) {
	var sum Summary
	in := r
	if compressed {
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return sum, ferrors.WrapError(err, ferrors.CategoryRemote, "create zstd decoder").Build()
		}
		defer dec.Close()
		in = dec
	}

	tr := tar.NewReader(in)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return sum, nil
		}
		if err != nil {
			return sum, ferrors.WrapError(err, ferrors.CategoryRemote, "read archive").Build()
		}

		name := filepath.FromSlash(hdr.Name)
		if !filepath.IsLocal(name) {
			return sum, ferrors.ValidationError("archive entry escapes destination").
				WithContext("path", hdr.Name).Build()
		}
		target := filepath.Join(destDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return sum, extractErr(err, hdr.Name)
			}
		case tar.TypeReg:
			n, err := writeMember(tr, target, hdr)
			if err != nil {
				return sum, err
			}
			sum.Files++
			sum.Bytes += n
		default:
			sum.Skipped++
		}
	}
}

func writeMember(r io.Reader, target string, hdr *tar.Header) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, extractErr(err, hdr.Name)
	}
	mode := hdr.FileInfo().Mode().Perm() | 0o200
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, extractErr(err, hdr.Name)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, extractErr(err, hdr.Name)
	}
	if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
		return n, extractErr(err, hdr.Name)
	}
	return n, nil
}

func extractErr(err error, name string) error {
	return ferrors.WrapError(err, ferrors.CategoryRemote, "unpack archive member").
		WithContext("path", name).Build()
}
