package handshake

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ooni/minirfb/internal/framing"
	"github.com/ooni/minirfb/internal/model"
)

const (
	// VersionMajor is the RFB major version we speak.
	VersionMajor = 3

	// VersionMinor is the RFB minor version we speak.
	VersionMinor = 8

	// VersionSize is the size of the version line.
	VersionSize = 12

	// SecTypeVeyon is the only security type we support.
	SecTypeVeyon = 40

	// ClientInitSize is the size of the client init message.
	ClientInitSize = 1
)

// authOK is the rfbVncAuthOK status code.
var authOK = []byte{0x00, 0x00, 0x00, 0x00}

// securityTypes is the list of security types we advertise.
var securityTypes = []byte{0x01, SecTypeVeyon}

// stepKind is the outcome of a step.
type stepKind int

const (
	// stepNeedMore means the state needs more data or an external event.
	stepNeedMore = stepKind(iota)

	// stepInvalid means the connection must be closed.
	stepInvalid

	// stepAdvance means the state machine moves to the next state.
	stepAdvance
)

// step is the result of running a state handler against the bytes that
// are currently buffered. Handlers are pure: the [Protocol] applies the
// step by consuming bytes, writing the emitted ones and moving state.
type step struct {
	kind    stepKind
	err     error
	next    model.ProtocolState
	consume int
	emit    [][]byte
}

func needMore() step {
	return step{kind: stepNeedMore}
}

func invalid(err error) step {
	return step{kind: stepInvalid, err: err}
}

func advance(next model.ProtocolState, consume int, emit ...[]byte) step {
	return step{kind: stepAdvance, next: next, consume: consume, emit: emit}
}

// FormatVersion returns the version line for the given version.
func FormatVersion(major, minor int) []byte {
	return []byte(fmt.Sprintf("RFB %03d.%03d\n", major, minor))
}

// errBadVersion indicates a malformed version line.
var errBadVersion = errors.New("malformed version line")

// ParseVersion parses a version line formatted like [FormatVersion].
func ParseVersion(line []byte) (int, int, error) {
	if len(line) != VersionSize || !bytes.HasPrefix(line, []byte("RFB ")) ||
		line[7] != '.' || line[11] != '\n' {
		return 0, 0, fmt.Errorf("%w: %q", errBadVersion, line)
	}
	major, ok := parseDigits(line[4:7])
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", errBadVersion, line)
	}
	minor, ok := parseDigits(line[8:11])
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", errBadVersion, line)
	}
	return major, minor, nil
}

func parseDigits(b []byte) (int, bool) {
	v := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + int(c-'0')
	}
	return v, true
}

// stepProtocol waits for the client version line.
func stepProtocol(buf []byte) step {
	if len(buf) < VersionSize {
		return needMore()
	}
	if len(buf) > VersionSize {
		return invalid(fmt.Errorf("%w: got %d bytes for the version line", ErrProtocolViolation, len(buf)))
	}
	if _, _, err := ParseVersion(buf); err != nil {
		return invalid(fmt.Errorf("%w: %s", ErrProtocolViolation, err.Error()))
	}
	return advance(model.SecurityInit, VersionSize, securityTypes)
}

// stepSecurityInit waits for the chosen security type.
func stepSecurityInit(buf []byte, authTypes []model.AuthType) step {
	if len(buf) < 1 {
		return needMore()
	}
	if buf[0] != SecTypeVeyon {
		return invalid(fmt.Errorf("%w: unsupported security type %d", ErrProtocolViolation, buf[0]))
	}
	msg := framing.NewMessage(framing.Int(int32(len(authTypes))))
	for _, at := range authTypes {
		msg.Write(framing.Int(int32(at)))
	}
	raw, err := msg.Marshal()
	if err != nil {
		return invalid(fmt.Errorf("%w: %s", ErrProtocolViolation, err.Error()))
	}
	return advance(model.AuthenticationTypes, 1, raw)
}

// authChoice is what the client sends in AuthenticationTypes.
type authChoice struct {
	authType model.AuthType
	username string
}

// stepAuthenticationTypes waits for the chosen auth type and username.
func stepAuthenticationTypes(buf []byte, isSupported func(model.AuthType) bool) (step, authChoice) {
	choice := authChoice{}
	msg, n, s, ready := receiveMessage(buf)
	if !ready {
		return s, choice
	}
	at, err := msg.ReadInt()
	if err != nil {
		return invalid(fmt.Errorf("%w: auth type: %s", ErrProtocolViolation, err.Error())), choice
	}
	choice.authType = model.AuthType(at)
	if choice.authType == model.AuthTypeInvalid || !isSupported(choice.authType) {
		return invalid(fmt.Errorf("%w: unsupported auth type %d", ErrProtocolViolation, at)), choice
	}
	if choice.authType == model.AuthTypeNone {
		return advance(model.AccessControl, n), choice
	}
	if msg.Remaining() > 0 {
		username, err := msg.ReadString()
		if err != nil {
			return invalid(fmt.Errorf("%w: username: %s", ErrProtocolViolation, err.Error())), choice
		}
		choice.username = username
	}
	ack, err := (&framing.Message{}).Marshal()
	if err != nil {
		return invalid(fmt.Errorf("%w: %s", ErrProtocolViolation, err.Error())), choice
	}
	return advance(model.Authenticating, n, ack), choice
}

// receiveMessage decodes the first framed message in buf. When the
// message is not ready, the returned step tells the caller what to do.
func receiveMessage(buf []byte) (*framing.Message, int, step, bool) {
	ready, err := framing.IsReadyForReceive(buf)
	if err != nil {
		return nil, 0, invalid(fmt.Errorf("%w: %s", ErrProtocolViolation, err.Error())), false
	}
	if !ready {
		return nil, 0, needMore(), false
	}
	msg, n, err := framing.Receive(buf)
	if err != nil {
		return nil, 0, invalid(fmt.Errorf("%w: %s", ErrProtocolViolation, err.Error())), false
	}
	return msg, n, step{}, true
}

// authDecision maps the authentication state to a step.
func authDecision(state model.AuthState) step {
	switch state {
	case model.AuthFinishedSuccess:
		return advance(model.AccessControl, 0, authOK)
	case model.AuthFinishedFail:
		return invalid(ErrAuthenticationFailure)
	case model.AuthInProgress:
		return needMore()
	case model.AuthNotStarted:
		return invalid(fmt.Errorf("%w: authentication did not start", ErrProtocolViolation))
	default:
		return invalid(fmt.Errorf("%w: unknown auth state %d", ErrProtocolViolation, state))
	}
}

// accessDecision maps the access control state to a step.
func accessDecision(state model.AccessControlState) step {
	switch state {
	case model.AccessControlSuccessful:
		return advance(model.FramebufferInit, 0)
	case model.AccessControlPending, model.AccessControlWaiting:
		return needMore()
	case model.AccessControlFailed:
		return invalid(ErrAccessDenied)
	case model.AccessControlInit:
		return invalid(fmt.Errorf("%w: client not registered", ErrAccessDenied))
	default:
		return invalid(fmt.Errorf("%w: unknown access control state %d", ErrAccessDenied, state))
	}
}

// stepFramebufferInit waits for the server init payload and the client init.
func stepFramebufferInit(buf []byte, serverInit []byte) step {
	if len(serverInit) <= 0 || len(buf) < ClientInitSize {
		return needMore()
	}
	return advance(model.Running, ClientInitSize, serverInit)
}
