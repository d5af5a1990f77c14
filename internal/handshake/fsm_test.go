package handshake

import (
	"errors"
	"testing"

	"github.com/ooni/minirfb/internal/model"
	"github.com/ooni/minirfb/internal/rfbtest"
)

func TestTransitionTable_validate(t *testing.T) {
	copyTable := func() transitionTable {
		out := transitionTable{}
		for from, edges := range handshakeTransitions {
			out[from] = append([]model.ProtocolState{}, edges...)
		}
		return out
	}

	tests := []struct {
		name    string
		mutate  func(tt transitionTable)
		wantErr error
	}{{
		name:    "the handshake table is valid",
		mutate:  func(tt transitionTable) {},
		wantErr: nil,
	}, {
		name: "backward edges are invalid",
		mutate: func(tt transitionTable) {
			tt[model.AccessControl] = append(tt[model.AccessControl], model.Authenticating)
		},
		wantErr: ErrInvalidTransition,
	}, {
		name: "self loops are invalid",
		mutate: func(tt transitionTable) {
			tt[model.Protocol] = append(tt[model.Protocol], model.Protocol)
		},
		wantErr: ErrInvalidTransition,
	}, {
		name:    "missing states are invalid",
		mutate:  func(tt transitionTable) { delete(tt, model.SecurityInit) },
		wantErr: ErrInvalidTransition,
	}, {
		name:    "dead ends are invalid",
		mutate:  func(tt transitionTable) { tt[model.FramebufferInit] = nil },
		wantErr: ErrInvalidTransition,
	}, {
		name:    "leaving Close is invalid",
		mutate:  func(tt transitionTable) { tt[model.Close] = []model.ProtocolState{model.Running} },
		wantErr: ErrInvalidTransition,
	}, {
		name:    "unknown states are invalid",
		mutate:  func(tt transitionTable) { tt[model.ProtocolState(42)] = nil },
		wantErr: ErrInvalidTransition,
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := copyTable()
			tt.mutate(table)
			if err := table.validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("newFSM panics with an invalid table", func(t *testing.T) {
		rfbtest.AssertPanic(t, func() {
			newFSM(transitionTable{})
		})
	})
}

func TestFSM_move(t *testing.T) {
	allStates := []model.ProtocolState{
		model.Disconnected, model.Protocol, model.SecurityInit,
		model.AuthenticationTypes, model.Authenticating, model.AccessControl,
		model.FramebufferInit, model.Running, model.Close,
	}
	allowed := map[[2]model.ProtocolState]bool{}
	for from, edges := range handshakeTransitions {
		for _, to := range edges {
			allowed[[2]model.ProtocolState{from, to}] = true
		}
	}

	for _, from := range allStates {
		for _, to := range allStates {
			want := allowed[[2]model.ProtocolState{from, to}] || (to == model.Close && from != model.Close)
			f := newFSM(handshakeTransitions)
			f.current = from
			err := f.move(to)
			if want && err != nil {
				t.Errorf("%s -> %s: unexpected error %v", from, to, err)
			}
			if !want && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", from, to, err)
			}
			if want && f.current != to {
				t.Errorf("%s -> %s: state is %s", from, to, f.current)
			}
			if !want && f.current != from {
				t.Errorf("%s -> %s: state changed to %s", from, to, f.current)
			}
		}
	}
}
