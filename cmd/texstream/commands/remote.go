package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"git.home.luguber.info/inful/texstream/internal/compiler"
	"git.home.luguber.info/inful/texstream/internal/orchestrator"
)

// RemoteCmd is executed on the compile host by the local session. All
// parameters arrive in TEXSTREAM_* environment variables.
type RemoteCmd struct{}

func (r *RemoteCmd) Run(g *Global, _ *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	g.ExitCode = orchestrator.RunRemote(ctx, os.LookupEnv, os.Stdin, os.Stdout, os.Stderr, orchestrator.RemoteOptions{})
	return nil
}

// CompilerHostCmd keeps a compiler waiting on its FIFO between builds.
type CompilerHostCmd struct {
	Dir     string   `required:"" type:"existingdir" help:"Remote working directory"`
	Job     string   `required:"" help:"Job name"`
	Command []string `arg:"" passthrough:"" help:"Compiler command"`
}

func (c *CompilerHostCmd) Run(g *Global, _ *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	return compiler.RunHost(ctx, c.Dir, c.Job, c.Command, g.Logger)
}
