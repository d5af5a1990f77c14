// Package tracex implements a handshake tracer that can be passed to the server
// config to observe handshake events.
package tracex

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/ooni/minirfb/internal/model"
	"github.com/ooni/minirfb/internal/optional"
)

const (
	handshakeEventStateChange = iota
	handshakeEventDataIn
	handshakeEventDataOut
	handshakeEventDone
)

// HandshakeEventType indicates which event we logged.
type HandshakeEventType int

// Ensure that it implements the Stringer interface.
var _ fmt.Stringer = HandshakeEventType(0)

// String implements fmt.Stringer
func (e HandshakeEventType) String() string {
	switch e {
	case handshakeEventStateChange:
		return "state"
	case handshakeEventDataIn:
		return "data_in"
	case handshakeEventDataOut:
		return "data_out"
	case handshakeEventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is a handshake event collected by this [model.HandshakeTracer].
type Event struct {
	// EventType is the type for this event.
	EventType string `json:"operation"`

	// Stage is the handshake state we're in.
	Stage string `json:"stage"`

	// AtTime is the time for this event, relative to the start time.
	AtTime float64 `json:"t"`

	// SessionID identifies the connection.
	SessionID string `json:"session_id"`

	// Tags is an array of tags that can be useful to interpret this event, like the contents of the data.
	Tags []string `json:"tags"`

	// LoggedData is optional metadata about the bytes exchanged.
	LoggedData optional.Value[LoggedData] `json:"data"`

	// RemoteAddr is the client address, set once the handshake is done.
	RemoteAddr string `json:"remote_addr,omitempty"`

	// TransactionID is an optional index identifying one particular trace.
	TransactionID int64 `json:"transaction_id,omitempty"`
}

func newEvent(etype HandshakeEventType, session string, st model.ProtocolState, t time.Time, t0 time.Time, txid int64) *Event {
	return &Event{
		EventType:     etype.String(),
		Stage:         st.String(),
		AtTime:        t.Sub(t0).Seconds(),
		SessionID:     session,
		Tags:          make([]string, 0),
		LoggedData:    optional.None[LoggedData](),
		TransactionID: txid,
	}
}

// Tracer implements [model.HandshakeTracer]. It is safe to share a Tracer
// among all the connections of a server.
type Tracer struct {
	// events is the array of handshake events.
	events []*Event

	// mu guards access to the events.
	mu sync.Mutex

	// transactionID is an optional index that will be added to any events produced by this tracer.
	transactionID int64

	// zeroTime is the time when we started tracing.
	zeroTime time.Time
}

var _ model.HandshakeTracer = &Tracer{}

// NewTracer returns a Tracer with the passed start time.
func NewTracer(start time.Time) *Tracer {
	return &Tracer{
		zeroTime: start,
	}
}

// NewTracerWithTransactionID returns a Tracer with the passed start time and the given
// identifier, which is added to all the events.
func NewTracerWithTransactionID(start time.Time, txid int64) *Tracer {
	return &Tracer{
		transactionID: txid,
		zeroTime:      start,
	}
}

// TimeNow allows to manipulate time for deterministic tests.
func (t *Tracer) TimeNow() time.Time {
	return time.Now()
}

// OnStateChange is called for each transition in the state machine.
func (t *Tracer) OnStateChange(session string, state model.ProtocolState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := newEvent(handshakeEventStateChange, session, state, t.TimeNow(), t.zeroTime, t.transactionID)
	t.events = append(t.events, e)
}

// OnIncomingData is called when handshake bytes are consumed.
func (t *Tracer) OnIncomingData(session string, stage model.ProtocolState, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := newEvent(handshakeEventDataIn, session, stage, t.TimeNow(), t.zeroTime, t.transactionID)
	e.LoggedData = logData(data, model.DirectionIncoming)
	maybeAddTagsFromData(e, stage, data)
	t.events = append(t.events, e)
}

// OnOutgoingData is called when handshake bytes are written.
func (t *Tracer) OnOutgoingData(session string, stage model.ProtocolState, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := newEvent(handshakeEventDataOut, session, stage, t.TimeNow(), t.zeroTime, t.transactionID)
	e.LoggedData = logData(data, model.DirectionOutgoing)
	maybeAddTagsFromData(e, stage, data)
	t.events = append(t.events, e)
}

// OnHandshakeDone is called when a client reaches Running.
func (t *Tracer) OnHandshakeDone(session string, remoteAddr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := newEvent(handshakeEventDone, session, model.Running, t.TimeNow(), t.zeroTime, t.transactionID)
	e.RemoteAddr = remoteAddr
	t.events = append(t.events, e)
}

// Trace returns a structured log containing a copy of the array of [Event].
func (t *Tracer) Trace() []*Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Event{}, t.events...)
}

// Session returns the events of the given session.
func (t *Tracer) Session(session string) []*Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := []*Event{}
	for _, e := range t.events {
		if e.SessionID == session {
			out = append(out, e)
		}
	}
	return out
}

func logData(data []byte, direction model.Direction) optional.Value[LoggedData] {
	return optional.Some(LoggedData{
		Direction: direction.String(),
		Size:      len(data),
	})
}

// LoggedData tracks metadata about the bytes exchanged during a handshake.
type LoggedData struct {
	Direction string `json:"operation"`

	// Size is the number of bytes.
	Size int `json:"size"`
}

// maybeAddTagsFromData attempts to derive meaningful tags from
// the data, and adds them to the tag array in the passed event.
func maybeAddTagsFromData(e *Event, stage model.ProtocolState, data []byte) {
	switch {
	case len(data) <= 0:
		return
	case bytes.HasPrefix(data, []byte("RFB ")):
		e.Tags = append(e.Tags, "protocol_version")
	case stage == model.SecurityInit && len(data) == 1:
		e.Tags = append(e.Tags, fmt.Sprintf("security_type_%d", data[0]))
	case stage == model.Authenticating && len(data) == 4 && bytes.Equal(data, []byte{0, 0, 0, 0}):
		e.Tags = append(e.Tags, "auth_ok")
	case stage == model.FramebufferInit && len(data) == 1:
		e.Tags = append(e.Tags, "client_init")
	case stage == model.FramebufferInit:
		e.Tags = append(e.Tags, "server_init")
	}
}
