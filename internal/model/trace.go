package model

import (
	"fmt"
	"time"
)

// HandshakeTracer allows to collect traces for a given handshake. A HandshakeTracer can be optionally
// added to the server configuration, and it will be propagated to every connection.
type HandshakeTracer interface {
	// TimeNow allows to inject time for deterministic tests.
	TimeNow() time.Time

	// OnStateChange is called for each transition in the state machine.
	OnStateChange(session string, state ProtocolState)

	// OnIncomingData is called when handshake bytes are consumed.
	OnIncomingData(session string, stage ProtocolState, data []byte)

	// OnOutgoingData is called when handshake bytes are written.
	OnOutgoingData(session string, stage ProtocolState, data []byte)

	// OnHandshakeDone is called when a client reaches [Running].
	OnHandshakeDone(session string, remoteAddr string)
}

// Direction is one of two directions of the handshake bytes.
type Direction int

const (
	// DirectionIncoming marks received bytes.
	DirectionIncoming = Direction(iota)

	// DirectionOutgoing marks sent bytes.
	DirectionOutgoing
)

var _ fmt.Stringer = Direction(0)

// String implements fmt.Stringer
func (d Direction) String() string {
	switch d {
	case DirectionIncoming:
		return "recv"
	case DirectionOutgoing:
		return "send"
	default:
		return "undefined"
	}
}

// DummyTracer is a no-op implementation of [HandshakeTracer] that does nothing
// but can be safely passed as a default implementation.
type DummyTracer struct{}

// TimeNow allows to manipulate time for deterministic tests.
func (dt *DummyTracer) TimeNow() time.Time { return time.Now() }

// OnStateChange is called for each transition in the state machine.
func (dt *DummyTracer) OnStateChange(string, ProtocolState) {}

// OnIncomingData is called when handshake bytes are consumed.
func (dt *DummyTracer) OnIncomingData(string, ProtocolState, []byte) {}

// OnOutgoingData is called when handshake bytes are written.
func (dt *DummyTracer) OnOutgoingData(string, ProtocolState, []byte) {}

// OnHandshakeDone is called when a client reaches [Running].
func (dt *DummyTracer) OnHandshakeDone(string, string) {}

// Assert that DummyTracer implements [HandshakeTracer].
var _ HandshakeTracer = &DummyTracer{}
