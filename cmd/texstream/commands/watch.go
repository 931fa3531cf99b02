package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"git.home.luguber.info/inful/texstream/internal/config"
	"git.home.luguber.info/inful/texstream/internal/deps"
	"git.home.luguber.info/inful/texstream/internal/history"
	"git.home.luguber.info/inful/texstream/internal/logfields"
	"git.home.luguber.info/inful/texstream/internal/metrics"
	"git.home.luguber.info/inful/texstream/internal/session"
	"git.home.luguber.info/inful/texstream/internal/transport"
)

// WatchCmd implements the default command.
type WatchCmd struct {
	Host    string   `arg:"" help:"Remote host, or - to compile on this machine"`
	Source  string   `arg:"" help:"Root LaTeX document (the .tex suffix may be omitted)"`
	Command []string `name:"command" help:"Additional include-like LaTeX commands to follow (repeatable)"`
	Poll    bool     `help:"Poll for changes instead of using filesystem notifications"`
}

func (w *WatchCmd) Run(g *Global, root *CLI) error {
	cfg, err := root.LoadConfig(g)
	if err != nil {
		return err
	}
	if w.Poll {
		cfg.Watch.DisableNotify = true
	}

	ch, err := transport.New(w.Host, cfg.Remote.SSH, cfg.Remote.Binary)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	opts := []session.Option{
		session.WithLogger(g.Logger),
		session.WithScanner(deps.New(deps.WithCommands(w.Command...), deps.WithLogger(g.Logger))),
	}

	if cfg.Metrics.Listen != "" {
		reg := prom.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, session.WithRecorder(metrics.NewPrometheusRecorder(reg)))
		srv := metrics.NewServer(cfg.Metrics.Listen, reg)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				g.Logger.Warn("Metrics endpoint stopped", logfields.Error(err))
			}
		}()
		defer shutdown(srv)
		g.Logger.Info("Serving metrics", "addr", cfg.Metrics.Listen, "path", metrics.Path)
	}

	if store := openHistory(g, cfg); store != nil {
		defer func() { _ = store.Close() }()
		opts = append(opts, session.WithHistory(store))
	}

	s := session.New(ch, cfg, opts...)
	g.Logger.Debug("Starting session", logfields.SessionID(s.ID()), logfields.Host(ch.String()))
	last, err := s.Run(ctx, w.Source)
	if err != nil {
		return err
	}
	g.ExitCode = last
	return nil
}

// openHistory returns nil when history is disabled or unavailable; a broken
// history database never stops a session.
func openHistory(g *Global, cfg *config.Config) history.Store {
	if cfg.History.Disabled {
		return nil
	}
	store, err := history.NewSQLiteStore(cfg.History.Path)
	if err != nil {
		g.Logger.Warn("Run history unavailable", logfields.Path(cfg.History.Path), logfields.Error(err))
		return nil
	}
	return store
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
