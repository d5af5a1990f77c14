package networkio

import (
	"context"
	"net"

	"golang.org/x/net/netutil"
)

// ListenTCP listens on the given TCP address. When maxClients is positive,
// Accept blocks while maxClients accepted conns are still open.
func ListenTCP(ctx context.Context, address string, maxClients int) (net.Listener, error) {
	lc := &net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return newListener(ln, maxClients), nil
}

// listener wraps accepted conns with [closeOnceConn].
type listener struct {
	net.Listener
}

func newListener(ln net.Listener, maxClients int) *listener {
	if maxClients > 0 {
		ln = netutil.LimitListener(ln, maxClients)
	}
	return &listener{ln}
}

// Accept implements net.Listener
func (ln *listener) Accept() (net.Conn, error) {
	conn, err := ln.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return newCloseOnceConn(conn), nil
}
