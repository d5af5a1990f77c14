package auth

import (
	"crypto/ed25519"
	"crypto/subtle"
	"fmt"
	"net/netip"

	"golang.org/x/crypto/bcrypt"

	"github.com/ooni/minirfb/internal/bytesx"
	"github.com/ooni/minirfb/internal/framing"
	"github.com/ooni/minirfb/internal/model"
)

// ChallengeSize is the size of the random challenge sent by [KeyFile].
const ChallengeSize = 128

// None is the scheme that skips authentication. The handshake never asks
// it to run an exchange, but it must be registered to be advertised.
type None struct{}

var _ Method = None{}

// Type implements Method.
func (None) Type() model.AuthType { return model.AuthTypeNone }

// NewExchange implements Method.
func (None) NewExchange(Request) Exchange { return noneExchange{} }

type noneExchange struct{}

func (noneExchange) Step(*framing.Message) (model.AuthState, *framing.Message, error) {
	return model.AuthFinishedSuccess, nil, nil
}

// HostWhiteList authenticates clients connecting from the given networks.
// The decision is taken as soon as the exchange starts.
type HostWhiteList struct {
	Networks []netip.Prefix
}

var _ Method = &HostWhiteList{}

// Type implements Method.
func (h *HostWhiteList) Type() model.AuthType { return model.AuthTypeHostWhiteList }

// NewExchange implements Method.
func (h *HostWhiteList) NewExchange(req Request) Exchange {
	return &hostWhiteListExchange{networks: h.Networks, host: req.HostAddress}
}

type hostWhiteListExchange struct {
	networks []netip.Prefix
	host     string
}

func (ex *hostWhiteListExchange) Step(*framing.Message) (model.AuthState, *framing.Message, error) {
	addr, err := netip.ParseAddr(ex.host)
	if err != nil {
		return model.AuthFinishedFail, nil, fmt.Errorf("%w: host %q: %s", ErrDenied, ex.host, err.Error())
	}
	if ContainsAddr(ex.networks, addr) {
		return model.AuthFinishedSuccess, nil, nil
	}
	return model.AuthFinishedFail, nil, fmt.Errorf("%w: host %s not in white list", ErrDenied, addr)
}

// ContainsAddr returns whether addr belongs to any of the networks.
func ContainsAddr(networks []netip.Prefix, addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, network := range networks {
		if network.Contains(addr) {
			return true
		}
	}
	return false
}

// Token authenticates clients knowing a shared token. After the
// exchange started the client sends [String token].
type Token struct {
	Token string
}

var _ Method = &Token{}

// Type implements Method.
func (t *Token) Type() model.AuthType { return model.AuthTypeToken }

// NewExchange implements Method.
func (t *Token) NewExchange(Request) Exchange {
	return &tokenExchange{token: t.Token}
}

type tokenExchange struct {
	token   string
	started bool
}

func (ex *tokenExchange) Step(msg *framing.Message) (model.AuthState, *framing.Message, error) {
	if !ex.started {
		ex.started = true
		return model.AuthInProgress, nil, nil
	}
	got, err := msg.ReadString()
	if err != nil {
		return model.AuthFinishedFail, nil, fmt.Errorf("%w: %s", ErrBadMessage, err.Error())
	}
	if ex.token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(ex.token)) != 1 {
		return model.AuthFinishedFail, nil, fmt.Errorf("%w: wrong token", ErrDenied)
	}
	return model.AuthFinishedSuccess, nil, nil
}

// Logon authenticates users with a password. Users maps each user name to
// a bcrypt hash. After the exchange started the client sends [String password].
type Logon struct {
	Users map[string][]byte
}

var _ Method = &Logon{}

// Type implements Method.
func (l *Logon) Type() model.AuthType { return model.AuthTypeLogon }

// NewExchange implements Method.
func (l *Logon) NewExchange(req Request) Exchange {
	return &logonExchange{hash: l.Users[req.Username], username: req.Username}
}

type logonExchange struct {
	hash     []byte
	username string
	started  bool
}

func (ex *logonExchange) Step(msg *framing.Message) (model.AuthState, *framing.Message, error) {
	if !ex.started {
		ex.started = true
		return model.AuthInProgress, nil, nil
	}
	password, err := msg.ReadString()
	if err != nil {
		return model.AuthFinishedFail, nil, fmt.Errorf("%w: %s", ErrBadMessage, err.Error())
	}
	if len(ex.hash) == 0 {
		return model.AuthFinishedFail, nil, fmt.Errorf("%w: unknown user %q", ErrDenied, ex.username)
	}
	if err := bcrypt.CompareHashAndPassword(ex.hash, []byte(password)); err != nil {
		return model.AuthFinishedFail, nil, fmt.Errorf("%w: %s", ErrDenied, err.Error())
	}
	return model.AuthFinishedSuccess, nil, nil
}

// KeyFile authenticates users owning the private key matching the public
// key configured for their user name. The server sends [ByteArray challenge]
// and the client answers with [ByteArray signature].
type KeyFile struct {
	Keys map[string]ed25519.PublicKey
}

var _ Method = &KeyFile{}

// Type implements Method.
func (k *KeyFile) Type() model.AuthType { return model.AuthTypeKeyFile }

// NewExchange implements Method.
func (k *KeyFile) NewExchange(req Request) Exchange {
	return &keyFileExchange{key: k.Keys[req.Username], username: req.Username}
}

type keyFileExchange struct {
	key       ed25519.PublicKey
	username  string
	challenge []byte
}

// genChallengeFn allows to mock the challenge in tests.
var genChallengeFn = bytesx.GenRandomBytes

func (ex *keyFileExchange) Step(msg *framing.Message) (model.AuthState, *framing.Message, error) {
	if ex.challenge == nil {
		if len(ex.key) != ed25519.PublicKeySize {
			return model.AuthFinishedFail, nil, fmt.Errorf("%w: no key for user %q", ErrDenied, ex.username)
		}
		challenge, err := genChallengeFn(ChallengeSize)
		if err != nil {
			return model.AuthFinishedFail, nil, err
		}
		ex.challenge = challenge
		return model.AuthInProgress, framing.NewMessage(framing.ByteArray(challenge)), nil
	}
	signature, err := msg.ReadByteArray()
	if err != nil {
		return model.AuthFinishedFail, nil, fmt.Errorf("%w: %s", ErrBadMessage, err.Error())
	}
	if !ed25519.Verify(ex.key, ex.challenge, signature) {
		return model.AuthFinishedFail, nil, fmt.Errorf("%w: bad signature", ErrDenied)
	}
	return model.AuthFinishedSuccess, nil, nil
}
