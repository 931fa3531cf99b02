package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	ferrors "git.home.luguber.info/inful/texstream/internal/foundation/errors"
	"git.home.luguber.info/inful/texstream/internal/history"
)

// HistoryCmd lists recorded compile runs.
type HistoryCmd struct {
	Job   string `help:"Only show runs of this job"`
	Limit int    `short:"n" default:"20" help:"Number of runs to show"`
}

func (h *HistoryCmd) Run(g *Global, root *CLI) error {
	cfg, err := root.LoadConfig(g)
	if err != nil {
		return err
	}
	if cfg.History.Disabled {
		return ferrors.ConfigError("run history is disabled").Build()
	}
	store, err := history.NewSQLiteStore(cfg.History.Path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	runs, err := store.Latest(ctx, h.Job, h.Limit)
	if err != nil {
		return err
	}

	out := g.out()
	if len(runs) == 0 {
		_, err := fmt.Fprintln(out, "no runs recorded")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STARTED\tJOB\tHOST\tOUTCOME\tEXIT\tDURATION\tRECEIVED\tPREAMBLE")
	for _, r := range runs {
		exit := "-"
		if r.Exit >= 0 {
			exit = fmt.Sprint(r.Exit)
		}
		preamble := "reused"
		if r.Recompiled {
			preamble = "recompiled"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(r.Started),
			r.Job,
			r.Host,
			r.Outcome,
			exit,
			r.Duration.Round(time.Millisecond),
			humanize.Bytes(uint64(r.Bytes)),
			preamble)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if h.Job == "" {
		return nil
	}
	sum, err := store.Summarize(ctx, h.Job)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "\n%s: %d runs, %d succeeded, %d preamble recompiles, mean %s\n",
		h.Job, sum.Runs, sum.Succeeded, sum.Recompiled, sum.MeanElapsed.Round(time.Millisecond))
	return err
}
