package orchestrator

import (
	"fmt"
	"log/slog"

	"git.home.luguber.info/inful/texstream/internal/logfields"
)

// State is a phase of one remote invocation.
type State string

const (
	StateBootstrapping State = "Bootstrapping"
	StateReady         State = "Ready"
	StateCompiling     State = "Compiling"
	StateAborting      State = "Aborting"
	StateRecompiling   State = "Recompiling"
	StateCompleted     State = "Completed"
)

// IsTerminal reports whether no further transition is allowed.
func IsTerminal(s State) bool {
	return s == StateCompleted
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case StateBootstrapping:
		return to == StateReady
	case StateReady:
		return to == StateCompiling
	case StateCompiling:
		return to == StateCompleted || to == StateAborting
	case StateAborting:
		return to == StateRecompiling
	case StateRecompiling:
		return to == StateCompleted
	default:
		return false
	}
}

// machine tracks the state of one invocation and logs every transition.
type machine struct {
	state  State
	logger *slog.Logger
}

func newMachine(initial State, logger *slog.Logger) *machine {
	return &machine{state: initial, logger: logger}
}

// Transition moves from the expected state to the next one.
func (m *machine) Transition(from, to State) error {
	if m.state != from {
		return fmt.Errorf("invalid transition: expected %s, got %s", from, m.state)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition: %s -> %s", from, to)
	}
	m.state = to
	m.logger.Debug("Build state changed", logfields.State(string(to)), slog.String("from", string(from)))
	return nil
}

func (m *machine) State() State { return m.state }
