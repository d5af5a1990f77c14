// Package handshake implements the server side of the Veyon flavour of the
// RFB handshake.
//
// A [Protocol] drives a single connection from the version exchange to the
// Running state. It never blocks and never reads from the network: the
// owner feeds it the bytes it receives with [Protocol.Feed], forwards the
// access control notifications with [Protocol.OnAccessControlFinished] and
// calls [Protocol.Pump] until no further progress is possible.
package handshake

import (
	"fmt"
	"io"
	"net"

	"github.com/ooni/minirfb/internal/framing"
	"github.com/ooni/minirfb/internal/model"
	"github.com/ooni/minirfb/internal/optional"
	"github.com/ooni/minirfb/internal/runtimex"
	"github.com/ooni/minirfb/internal/session"
	"github.com/ooni/minirfb/pkg/config"
)

// Conn is the connection we write to. The [Protocol] closes it on error.
type Conn interface {
	io.Writer
	io.Closer
}

// Authenticator is the authentication arbiter.
type Authenticator interface {
	// SupportedAuthTypes returns the auth types we advertise.
	SupportedAuthTypes() []model.AuthType

	// IsSupported returns whether we accept the given auth type.
	IsSupported(at model.AuthType) bool

	// ProcessMessage advances the client authentication with msg, writing
	// any reply to w, and returns the resulting state.
	ProcessMessage(client *model.Client, msg *framing.Message, w io.Writer) model.AuthState
}

// AccessController is the access control arbiter.
type AccessController interface {
	// AddClient registers the client and returns its state. The final
	// decision is later delivered to inbox.
	AddClient(client *model.Client, inbox chan<- *model.Notification) model.AccessControlState
}

// Options contains the collaborators of a [Protocol].
type Options struct {
	// Authenticator is the MANDATORY authentication arbiter.
	Authenticator Authenticator

	// AccessController is the MANDATORY access control arbiter.
	AccessController AccessController

	// Inbox is the MANDATORY channel where AccessController delivers the
	// decision about this client.
	Inbox chan<- *model.Notification

	// SessionID labels this connection in traces.
	SessionID string
}

// Protocol is the handshake state machine of a single connection. The
// zero value is invalid; use [New]. This struct is NOT concurrency safe:
// it must be driven by a single goroutine.
type Protocol struct {
	auth      Authenticator
	access    AccessController
	buf       []byte
	client    *model.Client
	closed    bool
	conn      Conn
	fsm       *fsm
	inbox     chan<- *model.Notification
	init      *session.Initializer
	logger    model.Logger
	reason    error
	sessionID string
	tracer    model.HandshakeTracer
}

// New creates a [Protocol] for the given client in the Disconnected state.
func New(cfg *config.Config, client *model.Client, conn Conn, opts Options) *Protocol {
	runtimex.Assert(client != nil, "handshake: nil client")
	runtimex.Assert(conn != nil, "handshake: nil conn")
	runtimex.Assert(opts.Authenticator != nil, "handshake: nil authenticator")
	runtimex.Assert(opts.AccessController != nil, "handshake: nil access controller")
	runtimex.Assert(opts.Inbox != nil, "handshake: nil inbox")
	return &Protocol{
		auth:      opts.Authenticator,
		access:    opts.AccessController,
		buf:       []byte{},
		client:    client,
		closed:    false,
		conn:      conn,
		fsm:       newFSM(handshakeTransitions),
		inbox:     opts.Inbox,
		init:      &session.Initializer{},
		logger:    cfg.Logger(),
		reason:    nil,
		sessionID: opts.SessionID,
		tracer:    cfg.Tracer(),
	}
}

// Start sends our version line. It does nothing unless we are Disconnected.
func (p *Protocol) Start() {
	if p.fsm.current != model.Disconnected {
		return
	}
	p.apply(advance(model.Protocol, 0, FormatVersion(VersionMajor, VersionMinor)))
}

// Feed appends bytes received from the client.
func (p *Protocol) Feed(data []byte) {
	if p.fsm.current == model.Close {
		return
	}
	p.buf = append(p.buf, data...)
}

// SetServerInit stores the server init payload sent in FramebufferInit.
func (p *Protocol) SetServerInit(payload []byte) {
	p.init.Set(payload)
}

// Advance performs at most one state transition and returns whether it did.
func (p *Protocol) Advance() bool {
	switch p.fsm.current {
	case model.Disconnected:
		return false

	case model.Protocol:
		return p.apply(stepProtocol(p.buf))

	case model.SecurityInit:
		return p.apply(stepSecurityInit(p.buf, p.auth.SupportedAuthTypes()))

	case model.AuthenticationTypes:
		return p.advanceAuthenticationTypes()

	case model.Authenticating:
		return p.advanceAuthenticating()

	case model.AccessControl:
		return p.advanceAccessControl()

	case model.FramebufferInit:
		return p.apply(stepFramebufferInit(p.buf, p.init.Payload()))

	case model.Running:
		return false

	default:
		p.closeConn()
		return false
	}
}

// Pump calls [Protocol.Advance] until it makes no progress and returns the
// number of transitions performed.
func (p *Protocol) Pump() int {
	count := 0
	for p.Advance() {
		count++
	}
	return count
}

// OnAccessControlFinished handles the decision about a client. Decisions
// about other clients, or arriving outside of AccessControl, are ignored.
// It returns whether the handshake made progress.
func (p *Protocol) OnAccessControlFinished(n *model.Notification) bool {
	if n == nil || n.ClientID != p.client.ID {
		return false
	}
	if p.fsm.current != model.AccessControl {
		p.logger.Debugf("handshake: client %d: ignoring access control %s in %s", p.client.ID, n.State, p.fsm.current)
		return false
	}
	if !n.State.IsFinal() {
		p.logger.Warnf("handshake: client %d: ignoring non-final access control %s", p.client.ID, n.State)
		return false
	}
	p.client.AccessControlState = n.State
	return p.Pump() > 0
}

// Abort closes the connection because of an event that happened outside
// of the handshake, e.g., the client went away.
func (p *Protocol) Abort(err error) {
	if p.fsm.current == model.Close {
		return
	}
	p.closeWithError(err)
}

// State returns the current state.
func (p *Protocol) State() model.ProtocolState {
	return p.fsm.current
}

// Client returns the connection state.
func (p *Protocol) Client() *model.Client {
	return p.client
}

// Closed returns whether the handshake reached the Close state.
func (p *Protocol) Closed() bool {
	return p.fsm.current == model.Close
}

// CloseReason returns why we closed the connection, or nil.
func (p *Protocol) CloseReason() error {
	return p.reason
}

// Buffered returns a copy of the bytes received and not consumed. After
// Running they belong to the session.
func (p *Protocol) Buffered() []byte {
	return append([]byte{}, p.buf...)
}

func (p *Protocol) advanceAuthenticationTypes() bool {
	s, choice := stepAuthenticationTypes(p.buf, p.auth.IsSupported)
	if s.kind != stepAdvance {
		return p.apply(s)
	}
	p.client.AuthType = optional.Some(choice.authType)
	if choice.authType == model.AuthTypeNone {
		p.logger.Warnf("handshake: client %d (%s): skipping authentication", p.client.ID, p.client.HostAddress)
		return p.apply(s)
	}
	p.client.Username = choice.username
	if !p.apply(s) {
		return false
	}
	// let the scheme initialize itself, e.g., by sending a challenge
	p.client.AuthState = p.auth.ProcessMessage(p.client, &framing.Message{}, &stageWriter{p})
	return true
}

func (p *Protocol) advanceAuthenticating() bool {
	for {
		switch p.client.AuthState {
		case model.AuthFinishedSuccess, model.AuthFinishedFail:
			return p.apply(authDecision(p.client.AuthState))
		}
		msg, n, s, ready := receiveMessage(p.buf)
		if !ready {
			return p.apply(s)
		}
		p.consume(model.Authenticating, n)
		p.client.AuthState = p.auth.ProcessMessage(p.client, msg, &stageWriter{p})
		if p.Closed() {
			return false
		}
		if p.client.AuthState != model.AuthInProgress {
			return p.apply(authDecision(p.client.AuthState))
		}
	}
}

func (p *Protocol) advanceAccessControl() bool {
	switch p.client.AccessControlState {
	case model.AccessControlInit, model.AccessControlWaiting:
		p.client.AccessControlState = p.access.AddClient(p.client, p.inbox)
		p.logger.Debugf("handshake: client %d: access control %s", p.client.ID, p.client.AccessControlState)
	}
	return p.apply(accessDecision(p.client.AccessControlState))
}

// apply applies a step and returns whether we moved to another state.
func (p *Protocol) apply(s step) bool {
	switch s.kind {
	case stepNeedMore:
		return false
	case stepInvalid:
		p.closeWithError(s.err)
		return false
	}
	stage := p.fsm.current
	if err := p.fsm.move(s.next); err != nil {
		p.closeWithError(err)
		return false
	}
	p.consume(stage, s.consume)
	p.onStateChange(stage)
	for _, data := range s.emit {
		if !p.write(stage, data) {
			return false
		}
	}
	if s.next == model.Running {
		p.logger.Infof("handshake: client %d (%s@%s): running", p.client.ID, p.client.Username, p.client.HostAddress)
		p.tracer.OnHandshakeDone(p.sessionID, p.client.HostAddress)
	}
	return true
}

func (p *Protocol) consume(stage model.ProtocolState, n int) {
	if n <= 0 {
		return
	}
	p.tracer.OnIncomingData(p.sessionID, stage, p.buf[:n])
	p.buf = p.buf[n:]
}

func (p *Protocol) onStateChange(previous model.ProtocolState) {
	p.client.ProtocolState = p.fsm.current
	p.logger.Debugf("handshake: client %d: %s -> %s", p.client.ID, previous, p.fsm.current)
	p.tracer.OnStateChange(p.sessionID, p.fsm.current)
}

// write writes data and closes the connection on error.
func (p *Protocol) write(stage model.ProtocolState, data []byte) bool {
	if p.closed {
		return false
	}
	p.tracer.OnOutgoingData(p.sessionID, stage, data)
	if _, err := p.conn.Write(data); err != nil {
		p.closeWithError(fmt.Errorf("handshake: write: %w", err))
		return false
	}
	return true
}

func (p *Protocol) closeWithError(err error) {
	if p.reason == nil {
		p.reason = err
	}
	p.logger.Warnf("handshake: client %d (%s): %s", p.client.ID, p.client.HostAddress, err.Error())
	if p.fsm.current != model.Close {
		previous := p.fsm.current
		runtimex.PanicOnError(p.fsm.move(model.Close), "handshake: cannot close")
		p.onStateChange(previous)
	}
	p.closeConn()
}

func (p *Protocol) closeConn() {
	if p.closed {
		return
	}
	p.closed = true
	if err := p.conn.Close(); err != nil {
		p.logger.Debugf("handshake: client %d: close: %s", p.client.ID, err.Error())
	}
}

// stageWriter lets the authentication arbiter write through the [Protocol].
type stageWriter struct {
	p *Protocol
}

var _ io.Writer = &stageWriter{}

// Write implements io.Writer.
func (sw *stageWriter) Write(data []byte) (int, error) {
	p := sw.p
	if p.closed {
		return 0, net.ErrClosed
	}
	p.tracer.OnOutgoingData(p.sessionID, p.fsm.current, data)
	count, err := p.conn.Write(data)
	if err != nil {
		p.closeWithError(fmt.Errorf("handshake: write: %w", err))
	}
	return count, err
}
