package model

import (
	"errors"
	"fmt"
	"strings"
)

// ProtocolState is the state of the server-side handshake.
type ProtocolState int

const (
	// Disconnected means the connection was accepted but nothing was sent yet.
	Disconnected = ProtocolState(iota)

	// Protocol means we sent our version line and wait for the client's one.
	Protocol

	// SecurityInit means we sent the security types and wait for the choice.
	SecurityInit

	// AuthenticationTypes means we sent the auth types and wait for the choice.
	AuthenticationTypes

	// Authenticating means a scheme-specific exchange is in progress.
	Authenticating

	// AccessControl means we wait for the access control decision.
	AccessControl

	// FramebufferInit means we wait for the client init message.
	FramebufferInit

	// Running means the handshake completed.
	Running

	// Close means the connection was torn down.
	Close
)

// String maps a [ProtocolState] to a string.
func (ps ProtocolState) String() string {
	switch ps {
	case Disconnected:
		return "Disconnected"
	case Protocol:
		return "Protocol"
	case SecurityInit:
		return "SecurityInit"
	case AuthenticationTypes:
		return "AuthenticationTypes"
	case Authenticating:
		return "Authenticating"
	case AccessControl:
		return "AccessControl"
	case FramebufferInit:
		return "FramebufferInit"
	case Running:
		return "Running"
	case Close:
		return "Close"
	default:
		return "Invalid"
	}
}

// AccessControlState is the state of the access control decision for a client.
type AccessControlState int

const (
	// AccessControlInit means the client was never registered.
	AccessControlInit = AccessControlState(iota)

	// AccessControlPending means a decision is being taken for this client.
	AccessControlPending

	// AccessControlWaiting means the client is queued behind another decision.
	AccessControlWaiting

	// AccessControlSuccessful means access was granted.
	AccessControlSuccessful

	// AccessControlFailed means access was denied.
	AccessControlFailed
)

// String maps an [AccessControlState] to a string.
func (s AccessControlState) String() string {
	switch s {
	case AccessControlInit:
		return "Init"
	case AccessControlPending:
		return "Pending"
	case AccessControlWaiting:
		return "Waiting"
	case AccessControlSuccessful:
		return "Successful"
	case AccessControlFailed:
		return "Failed"
	default:
		return "Invalid"
	}
}

// IsFinal returns whether the decision cannot change anymore.
func (s AccessControlState) IsFinal() bool {
	return s == AccessControlSuccessful || s == AccessControlFailed
}

// AuthState is the state of a client's authentication.
type AuthState int

const (
	// AuthNotStarted means no scheme-specific message was processed yet.
	AuthNotStarted = AuthState(iota)

	// AuthInProgress means the exchange needs more messages.
	AuthInProgress

	// AuthFinishedSuccess means the client authenticated.
	AuthFinishedSuccess

	// AuthFinishedFail means the client failed to authenticate.
	AuthFinishedFail
)

// String maps an [AuthState] to a string.
func (s AuthState) String() string {
	switch s {
	case AuthNotStarted:
		return "NotStarted"
	case AuthInProgress:
		return "InProgress"
	case AuthFinishedSuccess:
		return "FinishedSuccess"
	case AuthFinishedFail:
		return "FinishedFail"
	default:
		return "Invalid"
	}
}

// AuthType identifies a pluggable authentication scheme.
type AuthType int32

const (
	// AuthTypeInvalid is never advertised nor accepted.
	AuthTypeInvalid = AuthType(iota)

	// AuthTypeNone skips authentication altogether.
	AuthTypeNone

	// AuthTypeHostWhiteList authenticates by peer address.
	AuthTypeHostWhiteList

	// AuthTypeKeyFile authenticates by signing a server challenge.
	AuthTypeKeyFile

	// AuthTypeLogon authenticates with username and password.
	AuthTypeLogon

	// AuthTypeToken authenticates with a shared token.
	AuthTypeToken
)

// String maps an [AuthType] to a string.
func (at AuthType) String() string {
	switch at {
	case AuthTypeNone:
		return "none"
	case AuthTypeHostWhiteList:
		return "hostwhitelist"
	case AuthTypeKeyFile:
		return "keyfile"
	case AuthTypeLogon:
		return "logon"
	case AuthTypeToken:
		return "token"
	default:
		return "invalid"
	}
}

// ErrUnknownAuthType is returned when parsing an unknown auth type name.
var ErrUnknownAuthType = errors.New("unknown auth type")

// NewAuthTypeFromString parses an auth type name as returned by [AuthType.String].
func NewAuthTypeFromString(s string) (AuthType, error) {
	for at := AuthTypeNone; at <= AuthTypeToken; at++ {
		if strings.EqualFold(s, at.String()) {
			return at, nil
		}
	}
	return AuthTypeInvalid, fmt.Errorf("%w: %q", ErrUnknownAuthType, s)
}
