package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/texstream/cmd/texstream/commands"
	ferrors "git.home.luguber.info/inful/texstream/internal/foundation/errors"
	"git.home.luguber.info/inful/texstream/internal/version"
)

func main() {
	cli := &commands.CLI{}
	globals := &commands.Global{}
	parser, err := kong.New(cli,
		kong.Name("texstream"),
		kong.Description("Continuously compile a LaTeX document on a remote host and stream the PDF back."),
		kong.UsageOnError(),
		kong.Vars{"version": version.String()},
		kong.Bind(globals),
	)
	if err != nil {
		panic(err)
	}

	kctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "texstream: %v\n", err)
		os.Exit(1)
	}
	if err := kctx.Run(globals, cli); err != nil {
		os.Exit(ferrors.NewCLIErrorAdapter(cli.Verbose, slog.Default()).Report(err))
	}
	os.Exit(globals.ExitCode)
}
