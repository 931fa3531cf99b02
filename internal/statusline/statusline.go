// Package statusline carries remote status events over the diagnostic
// channel, so the binary output stream stays free of text.
package statusline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

// Prefix marks a status line. Every other line is a human diagnostic.
const Prefix = "@@texstream "

// Kind identifies a status event.
type Kind string

const (
	KindWorkdir   Kind = "workdir"
	KindStarted   Kind = "started"
	KindRecompile Kind = "recompile"
	KindFinished  Kind = "finished"
)

// Event is one status line.
type Event struct {
	Kind      Kind       `json:"event"`
	Dir       string     `json:"dir,omitempty"`
	At        *time.Time `json:"at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Exit      *int       `json:"exit,omitempty"`
	ElapsedMS int64      `json:"elapsed_ms,omitempty"`
	// Reused is set on finished events when the primed compiler was kept.
	Reused bool `json:"reused,omitempty"`
}

func Workdir(dir string) Event { return Event{Kind: KindWorkdir, Dir: dir} }

func Started(at time.Time) Event { return Event{Kind: KindStarted, At: &at} }

func Recompile(reason string) Event { return Event{Kind: KindRecompile, Reason: reason} }

func Finished(exit int, elapsed time.Duration) Event {
	return Event{Kind: KindFinished, Exit: &exit, ElapsedMS: elapsed.Milliseconds()}
}

// ExitStatus returns the exit status of a finished event, or -1.
func (e Event) ExitStatus() int {
	if e.Exit == nil {
		return -1
	}
	return *e.Exit
}

// Emitter writes events to a writer shared with other diagnostic output.
// Diagnostics written through Diagnostics are forwarded in whole lines, so a
// status line never lands in the middle of compiler output.
type Emitter struct {
	mu      sync.Mutex
	w       io.Writer
	partial []byte
}

// NewEmitter returns an Emitter writing to w.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// Diagnostics returns a writer for human-readable output sharing the channel.
func (e *Emitter) Diagnostics() io.Writer {
	return diagWriter{e}
}

type diagWriter struct{ e *Emitter }

func (d diagWriter) Write(p []byte) (int, error) {
	e := d.e
	e.mu.Lock()
	defer e.mu.Unlock()
	e.partial = append(e.partial, p...)
	i := bytes.LastIndexByte(e.partial, '\n')
	if i < 0 {
		return len(p), nil
	}
	if _, err := e.w.Write(e.partial[:i+1]); err != nil {
		return 0, err
	}
	e.partial = append(e.partial[:0], e.partial[i+1:]...)
	return len(p), nil
}

// Flush writes any buffered partial diagnostic line.
func (e *Emitter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.partial) == 0 {
		return nil
	}
	_, err := e.w.Write(append(e.partial, '\n'))
	e.partial = e.partial[:0]
	return err
}

// Emit writes ev as a single line.
func (e *Emitter) Emit(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	line := make([]byte, 0, len(Prefix)+len(data)+1)
	line = append(line, Prefix...)
	line = append(line, data...)
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(line)
	return err
}

// Parse decodes a status line. ok is false for diagnostic lines.
func Parse(line string) (Event, bool) {
	rest, found := strings.CutPrefix(strings.TrimRight(line, "\r\n"), Prefix)
	if !found {
		return Event{}, false
	}
	var ev Event
	if err := json.Unmarshal([]byte(rest), &ev); err != nil || ev.Kind == "" {
		return Event{}, false
	}
	return ev, true
}

// Demux reads r line by line, passing status events to onEvent and copying
// everything else to diag. It returns when r is exhausted.
func Demux(r io.Reader, onEvent func(Event), diag io.Writer) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if ev, ok := Parse(line); ok {
				onEvent(ev)
			} else if diag != nil {
				if _, werr := io.WriteString(diag, line); werr != nil {
					return werr
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
