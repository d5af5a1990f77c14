package handshake

import (
	"fmt"

	"github.com/ooni/minirfb/internal/model"
	"github.com/ooni/minirfb/internal/runtimex"
)

// transitionTable maps each state to the states it may move to. The edge
// to [model.Close] is implicit for every non-terminal state.
type transitionTable map[model.ProtocolState][]model.ProtocolState

// handshakeTransitions is the fixed handshake sequence.
var handshakeTransitions = transitionTable{
	model.Disconnected:        {model.Protocol},
	model.Protocol:            {model.SecurityInit},
	model.SecurityInit:        {model.AuthenticationTypes},
	model.AuthenticationTypes: {model.Authenticating, model.AccessControl},
	model.Authenticating:      {model.AccessControl},
	model.AccessControl:       {model.FramebufferInit},
	model.FramebufferInit:     {model.Running},
	model.Running:             {},
}

// isTerminal returns whether no transition leaves the given state.
func isTerminal(s model.ProtocolState) bool {
	return s == model.Running || s == model.Close
}

// validate checks that the table only uses the known states, that every
// edge moves forward and that every non-terminal state can leave.
func (tt transitionTable) validate() error {
	for from := model.Disconnected; from <= model.Running; from++ {
		edges, found := tt[from]
		if !found {
			return fmt.Errorf("%w: no entry for %s", ErrInvalidTransition, from)
		}
		if !isTerminal(from) && len(edges) <= 0 {
			return fmt.Errorf("%w: %s is a dead end", ErrInvalidTransition, from)
		}
		for _, to := range edges {
			if to <= from || to > model.Close {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
			}
		}
	}
	for from := range tt {
		if from < model.Disconnected || from >= model.Close {
			return fmt.Errorf("%w: unexpected entry for %s", ErrInvalidTransition, from)
		}
	}
	return nil
}

// fsm tracks the current state and refuses transitions missing from
// its table. The zero value is invalid; use [newFSM].
type fsm struct {
	table   transitionTable
	current model.ProtocolState
}

// newFSM creates a [fsm] in the [model.Disconnected] state. This function
// panics if the table is invalid.
func newFSM(table transitionTable) *fsm {
	runtimex.PanicOnError(table.validate(), "handshake: bad transition table")
	return &fsm{table: table, current: model.Disconnected}
}

// canMove returns whether we can move from the current state to next.
func (f *fsm) canMove(next model.ProtocolState) bool {
	if next == model.Close {
		return f.current != model.Close
	}
	for _, to := range f.table[f.current] {
		if to == next {
			return true
		}
	}
	return false
}

// move performs the transition or returns [ErrInvalidTransition].
func (f *fsm) move(next model.ProtocolState) error {
	if !f.canMove(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f.current, next)
	}
	f.current = next
	return nil
}
