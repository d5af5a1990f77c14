package session

import (
	"context"
)

// Provider produces the server init payload for a new connection. The
// payload may take a while to be available, e.g. until the framebuffer
// has been grabbed for the first time.
type Provider interface {
	ServerInit(ctx context.Context) ([]byte, error)
}

// StaticProvider always returns the serialization of the same [ServerInit].
type StaticProvider struct {
	Init ServerInit
}

var _ Provider = &StaticProvider{}

// ServerInit implements Provider.
func (sp *StaticProvider) ServerInit(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return sp.Init.Marshal()
}
