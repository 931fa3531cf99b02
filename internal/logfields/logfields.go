package logfields

import (
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
)

// Canonical log field name constants to avoid drift across packages.
const (
	KeySessionID  = "session_id"
	KeyJob        = "job"
	KeyPath       = "path"
	KeyWorkdir    = "workdir"
	KeyHost       = "host"
	KeyStage      = "stage"
	KeyState      = "state"
	KeyIteration  = "iteration"
	KeyDurationMS = "duration_ms"
	KeyExitStatus = "exit_status"
	KeyBytes      = "bytes"
	KeyRecords    = "records"
	KeyFiles      = "files"
	KeyReason     = "reason"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func SessionID(id string) slog.Attr   { return slog.String(KeySessionID, id) }
func Job(name string) slog.Attr       { return slog.String(KeyJob, name) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func Workdir(dir string) slog.Attr    { return slog.String(KeyWorkdir, dir) }
func Host(h string) slog.Attr         { return slog.String(KeyHost, h) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func State(s string) slog.Attr        { return slog.String(KeyState, s) }
func Iteration(n int) slog.Attr       { return slog.Int(KeyIteration, n) }
func ExitStatus(code int) slog.Attr   { return slog.Int(KeyExitStatus, code) }
func Records(n int) slog.Attr         { return slog.Int(KeyRecords, n) }
func Files(n int) slog.Attr           { return slog.Int(KeyFiles, n) }
func Reason(r string) slog.Attr       { return slog.String(KeyReason, r) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }

// Duration renders d in milliseconds under the canonical duration key.
func Duration(d time.Duration) slog.Attr {
	return DurationMS(float64(d.Microseconds()) / 1000)
}

// Bytes renders a byte count in human-readable form (e.g. "1.2 MB").
func Bytes(n int64) slog.Attr {
	if n < 0 {
		n = 0
	}
	return slog.String(KeyBytes, humanize.Bytes(uint64(n)))
}

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
