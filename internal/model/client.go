package model

import (
	"sync/atomic"

	"github.com/ooni/minirfb/internal/optional"
)

// ClientID is a stable numeric handle identifying a connection
// across the components that need to refer to it.
type ClientID uint64

// lastClientID is the last ClientID handed out by [NewClientID].
var lastClientID atomic.Uint64

// NewClientID returns a process-wide unique [ClientID].
func NewClientID() ClientID {
	return ClientID(lastClientID.Add(1))
}

// Client is the state of a single connection going through the handshake.
//
// A Client is confined to the goroutine driving its connection. Arbiters
// never mutate it: they return or notify the states that the driving
// goroutine then stores here.
type Client struct {
	// ID identifies this client.
	ID ClientID

	// ProtocolState is the current handshake state.
	ProtocolState ProtocolState

	// AccessControlState is the last access control state we learned.
	AccessControlState AccessControlState

	// AuthState is the last authentication state we learned.
	AuthState AuthState

	// AuthType is the scheme chosen by the client, once known.
	AuthType optional.Value[AuthType]

	// Username is the user name sent along with the auth type.
	Username string

	// HostAddress is the peer address, without port.
	HostAddress string
}

// NewClient creates a [Client] in the initial state.
func NewClient(id ClientID, hostAddress string) *Client {
	return &Client{
		ID:                 id,
		ProtocolState:      Disconnected,
		AccessControlState: AccessControlInit,
		AuthState:          AuthNotStarted,
		AuthType:           optional.None[AuthType](),
		HostAddress:        hostAddress,
	}
}
