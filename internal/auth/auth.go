// Package auth implements the server side of the pluggable authentication
// schemes negotiated after the security type.
//
// The [Manager] advertises the configured schemes and drives, for each
// client, the scheme-specific message exchange. Each call returns the
// resulting [model.AuthState] explicitly; the manager never touches the
// caller's connection state.
package auth

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ooni/minirfb/internal/framing"
	"github.com/ooni/minirfb/internal/model"
)

var (
	// ErrUnsupportedAuthType means the client chose a scheme we do not serve.
	ErrUnsupportedAuthType = errors.New("auth: unsupported auth type")

	// ErrBadMessage means the client sent a message we cannot interpret.
	ErrBadMessage = errors.New("auth: bad message")

	// ErrDenied means the credentials were checked and rejected.
	ErrDenied = errors.New("auth: denied")
)

// Request describes the client being authenticated.
type Request struct {
	ClientID    model.ClientID
	Username    string
	HostAddress string
}

// Exchange is the per-client state of a scheme-specific exchange.
type Exchange interface {
	// Step processes a message and returns the new state and an optional
	// reply. The first call receives an empty message.
	Step(msg *framing.Message) (model.AuthState, *framing.Message, error)
}

// Method is a pluggable authentication scheme.
type Method interface {
	// Type returns the identifier we advertise.
	Type() model.AuthType

	// NewExchange starts an exchange for the given client.
	NewExchange(req Request) Exchange
}

// Manager is the authentication arbiter shared by all the connections.
// The zero value is invalid; use [NewManager]. This struct is concurrency safe.
type Manager struct {
	logger    model.Logger
	methods   map[model.AuthType]Method
	order     []model.AuthType
	mu        sync.Mutex
	exchanges map[model.ClientID]Exchange
}

// NewManager creates a [Manager] serving the given methods, advertised in
// the given order. Duplicate methods are ignored.
func NewManager(logger model.Logger, methods ...Method) *Manager {
	m := &Manager{
		logger:    logger,
		methods:   make(map[model.AuthType]Method),
		order:     []model.AuthType{},
		mu:        sync.Mutex{},
		exchanges: make(map[model.ClientID]Exchange),
	}
	for _, method := range methods {
		if _, found := m.methods[method.Type()]; found {
			logger.Warnf("auth: ignoring duplicate method %s", method.Type())
			continue
		}
		m.methods[method.Type()] = method
		m.order = append(m.order, method.Type())
	}
	return m
}

// SupportedAuthTypes returns the advertised auth types.
func (m *Manager) SupportedAuthTypes() []model.AuthType {
	return append([]model.AuthType{}, m.order...)
}

// IsSupported returns whether we serve the given auth type.
func (m *Manager) IsSupported(at model.AuthType) bool {
	_, found := m.methods[at]
	return found
}

// ProcessMessage advances the authentication of client with msg, writing
// any scheme-specific reply to w, and returns the resulting state.
func (m *Manager) ProcessMessage(client *model.Client, msg *framing.Message, w io.Writer) model.AuthState {
	ex, err := m.exchangeFor(client)
	if err != nil {
		m.logger.Warnf("auth: client %d: %s", client.ID, err.Error())
		return model.AuthFinishedFail
	}

	state, reply, err := ex.Step(msg)
	if err != nil {
		m.logger.Warnf("auth: client %d (%s@%s): %s", client.ID, client.Username, client.HostAddress, err.Error())
		state = model.AuthFinishedFail
	}

	if reply != nil && state != model.AuthFinishedFail {
		if err := writeMessage(w, reply); err != nil {
			m.logger.Warnf("auth: client %d: cannot send reply: %s", client.ID, err.Error())
			state = model.AuthFinishedFail
		}
	}

	switch state {
	case model.AuthFinishedSuccess, model.AuthFinishedFail:
		m.Forget(client.ID)
	}
	m.logger.Debugf("auth: client %d: %s", client.ID, state)
	return state
}

// Forget drops any exchange state for the given client.
func (m *Manager) Forget(id model.ClientID) {
	defer m.mu.Unlock()
	m.mu.Lock()
	delete(m.exchanges, id)
}

func (m *Manager) exchangeFor(client *model.Client) (Exchange, error) {
	defer m.mu.Unlock()
	m.mu.Lock()
	if ex, found := m.exchanges[client.ID]; found {
		return ex, nil
	}
	if client.AuthType.IsNone() {
		return nil, fmt.Errorf("%w: no auth type chosen", ErrUnsupportedAuthType)
	}
	method, found := m.methods[client.AuthType.Unwrap()]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAuthType, client.AuthType.Unwrap())
	}
	ex := method.NewExchange(Request{
		ClientID:    client.ID,
		Username:    client.Username,
		HostAddress: client.HostAddress,
	})
	m.exchanges[client.ID] = ex
	return ex, nil
}

func writeMessage(w io.Writer, msg *framing.Message) error {
	raw, err := msg.Marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}
