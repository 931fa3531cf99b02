package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"git.home.luguber.info/inful/texstream/internal/archive"
	"git.home.luguber.info/inful/texstream/internal/compiler"
	"git.home.luguber.info/inful/texstream/internal/config"
	ferrors "git.home.luguber.info/inful/texstream/internal/foundation/errors"
	"git.home.luguber.info/inful/texstream/internal/logfields"
	"git.home.luguber.info/inful/texstream/internal/statusline"
)

// Environment passed from the local side to the remote invocation.
const (
	EnvAction  = "TEXSTREAM_ACTION"
	EnvJob     = "TEXSTREAM_JOB"
	EnvDir     = "TEXSTREAM_DIR"
	EnvArchive = "TEXSTREAM_ARCHIVE"
	EnvFirst   = "TEXSTREAM_FIRST"
	EnvHelper  = "TEXSTREAM_HELPER"
)

// Actions selected by EnvAction.
const (
	ActionBootstrap = "bootstrap"
	ActionBuild     = "build"
	ActionTeardown  = "teardown"
)

// Exit statuses of the remote invocation.
const (
	ExitOK        = 0
	ExitSetup     = 3
	ExitTransient = 4
)

// Invocation is the decoded remote environment.
type Invocation struct {
	Action string
	Job    string
	Dir    string
	Format archive.Format
	First  bool
	Helper config.HelperConfig
}

// ParseEnv decodes the remote environment. Missing values are setup errors:
// they mean the channel failed to propagate the environment.
func ParseEnv(lookup func(string) (string, bool)) (*Invocation, error) {
	get := func(name string) (string, error) {
		v, ok := lookup(name)
		if !ok || v == "" {
			return "", ferrors.SetupError(fmt.Sprintf("environment variable %s not propagated to remote side", name)).
				WithContext("variable", name).Build()
		}
		return v, nil
	}

	inv := &Invocation{}
	var err error
	if inv.Action, err = get(EnvAction); err != nil {
		return nil, err
	}
	switch inv.Action {
	case ActionBootstrap, ActionBuild, ActionTeardown:
	default:
		return nil, ferrors.SetupError(fmt.Sprintf("unknown remote action %q", inv.Action)).Build()
	}
	if inv.Job, err = get(EnvJob); err != nil {
		return nil, err
	}
	if inv.Action != ActionBootstrap {
		if inv.Dir, err = get(EnvDir); err != nil {
			return nil, err
		}
	}
	if inv.Action == ActionTeardown {
		return inv, nil
	}

	raw, err := get(EnvArchive)
	if err != nil {
		return nil, err
	}
	if inv.Format, err = archive.ParseFormat(raw); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategorySetup, "archive format").Build()
	}
	helper, err := get(EnvHelper)
	if err != nil {
		return nil, err
	}
	if inv.Helper, err = config.DecodeHelper(helper); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategorySetup, "decode helper configuration").Build()
	}
	if inv.Action == ActionBuild {
		first, err := get(EnvFirst)
		if err != nil {
			return nil, err
		}
		switch first {
		case "1":
			inv.First = true
		case "0":
		default:
			return nil, ferrors.SetupError(fmt.Sprintf("invalid %s %q", EnvFirst, first)).Build()
		}
	}
	return inv, nil
}

// Env renders inv as the environment for a remote invocation.
func (inv *Invocation) Env() (map[string]string, error) {
	env := map[string]string{
		EnvAction: inv.Action,
		EnvJob:    inv.Job,
	}
	if inv.Dir != "" {
		env[EnvDir] = inv.Dir
	}
	if inv.Action == ActionTeardown {
		return env, nil
	}
	helper, err := config.EncodeHelper(inv.Helper)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryInternal, "encode helper configuration").Build()
	}
	env[EnvHelper] = helper
	env[EnvArchive] = string(inv.Format)
	if inv.Action == ActionBuild {
		env[EnvFirst] = "0"
		if inv.First {
			env[EnvFirst] = "1"
		}
	}
	return env, nil
}

// RemoteOptions replaces collaborators of RunRemote.
type RemoteOptions struct {
	// Compiler overrides the compiler built from the helper configuration.
	Compiler compiler.Compiler
}

// RunRemote is the entry point of the remote subcommand. stdin carries the
// archive, stdout the block stream and stderr status lines and diagnostics.
func RunRemote(ctx context.Context, lookup func(string) (string, bool), stdin io.Reader, stdout, stderr io.Writer, opts RemoteOptions) int {
	events := statusline.NewEmitter(stderr)
	defer func() { _ = events.Flush() }()

	inv, err := ParseEnv(lookup)
	if err != nil {
		fmt.Fprintf(events.Diagnostics(), "texstream remote: %v\n", err)
		return ExitSetup
	}

	level := inv.Helper.LogLevel.SlogLevel()
	if inv.Action == ActionTeardown {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(events.Diagnostics(), &slog.HandlerOptions{Level: level})).
		With(logfields.Stage(inv.Action))

	comp := opts.Compiler
	if comp == nil {
		comp = compiler.NewExec(inv.Helper.Compiler.Command, compiler.WithLogger(logger))
	}
	o := New(comp, inv.Helper, stdout, events, WithLogger(logger))

	switch inv.Action {
	case ActionBootstrap:
		_, err = o.Bootstrap(ctx, inv.Job, stdin, inv.Format)
	case ActionBuild:
		_, err = o.Build(ctx, BuildRequest{
			Dir:     inv.Dir,
			Job:     inv.Job,
			Archive: stdin,
			Format:  inv.Format,
			First:   inv.First,
		})
	case ActionTeardown:
		err = o.Teardown(inv.Dir, inv.Job)
	}
	if err == nil {
		return ExitOK
	}
	logger.Error("Remote action failed", logfields.Error(err))
	return exitCodeFor(inv.Action, err)
}

func exitCodeFor(action string, err error) int {
	if action == ActionBootstrap {
		return ExitSetup
	}
	switch ferrors.GetCategory(err) {
	case ferrors.CategorySetup, ferrors.CategoryConfig:
		return ExitSetup
	default:
		return ExitTransient
	}
}
