package handshake

import "errors"

var (
	// ErrProtocolViolation means the client sent bytes we cannot accept in
	// the current state, or an arbiter broke its contract.
	ErrProtocolViolation = errors.New("handshake: protocol violation")

	// ErrAuthenticationFailure means the authentication arbiter reported
	// a final failure.
	ErrAuthenticationFailure = errors.New("handshake: authentication failure")

	// ErrAccessDenied means the access control arbiter did not grant access.
	ErrAccessDenied = errors.New("handshake: access denied")

	// ErrInvalidTransition means the state machine attempted a transition
	// missing from its transition table.
	ErrInvalidTransition = errors.New("handshake: invalid transition")
)
