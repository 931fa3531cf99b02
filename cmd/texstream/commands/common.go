package commands

import (
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/texstream/internal/config"
)

// Global carries state shared by all subcommands.
type Global struct {
	Logger *slog.Logger
	// ExitCode is the process exit status when a command completes without error.
	ExitCode int
	// Out receives command output; stdout when nil.
	Out io.Writer
}

func (g *Global) out() io.Writer {
	if g.Out == nil {
		return os.Stdout
	}
	return g.Out
}

// CLI definition & global flags.
type CLI struct {
	Config        string           `short:"c" help:"Configuration file path (default: $XDG_CONFIG_HOME/texstream/config.yaml)" type:"path"`
	Verbose       bool             `short:"v" help:"Enable verbose logging"`
	MetricsListen string           `name:"metrics-listen" help:"Serve prometheus metrics on this address (e.g. :9464)"`
	Version       kong.VersionFlag `name:"version" help:"Show version and exit"`

	Watch        WatchCmd        `cmd:"" default:"withargs" help:"Compile SOURCE on HOST on every change and stream the PDF back (default command)"`
	Deps         DepsCmd         `cmd:"" help:"List the files a document depends on"`
	History      HistoryCmd      `cmd:"" help:"Show recent compile runs"`
	Remote       RemoteCmd       `cmd:"" hidden:"" help:"Remote side of a session (reads TEXSTREAM_* from the environment)"`
	CompilerHost CompilerHostCmd `cmd:"" name:"compiler-host" hidden:"" help:"Keep a compiler primed between runs"`
}

// AfterApply runs after flag parsing; sets up logging before any config is read.
func (c *CLI) AfterApply(g *Global) error {
	level := config.NormalizeLogLevel(os.Getenv(config.EnvLogLevel)).SlogLevel()
	if c.Verbose {
		level = slog.LevelDebug
	}
	format := config.NormalizeLogFormat(os.Getenv(config.EnvLogFormat))
	g.Logger = newLogger(os.Stderr, level, format)
	slog.SetDefault(g.Logger)
	return nil
}

// LoadConfig reads the configuration, applies global flag overrides and
// reconfigures logging from it.
func (c *CLI) LoadConfig(g *Global) (*config.Config, error) {
	path, explicit := c.Config, c.Config != ""
	if !explicit {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path, explicit)
	if err != nil {
		return nil, err
	}
	if c.MetricsListen != "" {
		cfg.Metrics.Listen = c.MetricsListen
	}

	level := cfg.Logging.Level.SlogLevel()
	if c.Verbose {
		level = slog.LevelDebug
	}
	g.Logger = newLogger(os.Stderr, level, cfg.Logging.Format)
	slog.SetDefault(g.Logger)
	return cfg, nil
}

func newLogger(w io.Writer, level slog.Level, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
