package session

import (
	"context"
	"errors"
	"io"

	"golang.org/x/sync/errgroup"

	"git.home.luguber.info/inful/texstream/internal/archive"
	"git.home.luguber.info/inful/texstream/internal/logfields"
	"git.home.luguber.info/inful/texstream/internal/statusline"
	"git.home.luguber.info/inful/texstream/internal/transport"
)

// exchangeResult separates the ways one remote invocation can fail.
type exchangeResult struct {
	upload archive.Summary
	// runErr is the remote exit status or a channel failure.
	runErr error
	// streamErr is an upload or receive failure.
	streamErr error
}

// exchange runs one remote invocation. An archive of files is streamed to
// its stdin, its stdout goes to receive and its stderr is split into status
// events and diagnostics.
func (l *loop) exchange(ctx context.Context, env map[string]string, files []string, opts archive.Options,
	receive func(io.Reader) error, onEvent func(statusline.Event), diag io.Writer,
) exchangeResult {
	archR, archW := io.Pipe()
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	var res exchangeResult
	var g errgroup.Group
	g.Go(func() error {
		sum, err := archive.Write(archW, l.doc.Dir, files, opts)
		res.upload = sum
		_ = archW.CloseWithError(err)
		if errors.Is(err, io.ErrClosedPipe) {
			// The remote side stopped reading; its exit status tells why.
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := receive(outR)
		// Keep draining so the remote side never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, outR)
		return err
	})
	g.Go(func() error {
		if err := statusline.Demux(errR, onEvent, diag); err != nil {
			l.logger.Debug("Reading remote diagnostics failed", logfields.Error(err))
		}
		_, _ = io.Copy(io.Discard, errR)
		return nil
	})

	res.runErr = l.channel.Run(ctx, transport.Invocation{
		Env:    env,
		Stdin:  archR,
		Stdout: outW,
		Stderr: errW,
	})
	_ = archR.Close()
	_ = outW.Close()
	_ = errW.Close()
	res.streamErr = g.Wait()
	return res
}
