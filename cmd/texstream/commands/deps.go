package commands

import (
	"fmt"

	"git.home.luguber.info/inful/texstream/internal/deps"
	"git.home.luguber.info/inful/texstream/internal/session"
)

// DepsCmd prints the dependency set the session would upload.
type DepsCmd struct {
	Source  string   `arg:"" help:"Root LaTeX document"`
	Command []string `name:"command" help:"Additional include-like LaTeX commands to follow (repeatable)"`
}

func (d *DepsCmd) Run(g *Global, _ *CLI) error {
	doc, err := session.ResolveSource(d.Source)
	if err != nil {
		return err
	}
	files, err := deps.New(deps.WithCommands(d.Command...), deps.WithLogger(g.Logger)).Scan(doc.Path)
	if err != nil {
		return err
	}
	out := g.out()
	for _, f := range files {
		if _, err := fmt.Fprintln(out, f); err != nil {
			return err
		}
	}
	return nil
}
