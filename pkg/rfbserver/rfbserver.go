// Package rfbserver contains the public server API.
package rfbserver

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"github.com/ooni/minirfb/internal/access"
	"github.com/ooni/minirfb/internal/auth"
	"github.com/ooni/minirfb/internal/model"
	"github.com/ooni/minirfb/internal/networkio"
	"github.com/ooni/minirfb/internal/server"
	"github.com/ooni/minirfb/internal/session"
	"github.com/ooni/minirfb/pkg/config"
)

// We're creating type aliases to expose the internal types on the public API.
type (
	// SessionHandler runs the RFB session of a client that completed the handshake.
	SessionHandler = server.SessionHandler

	// Client is the state of a connection.
	Client = model.Client

	// Approver takes the interactive access decisions.
	Approver = access.Approver

	// ApproverFunc adapts a function to [Approver].
	ApproverFunc = access.ApproverFunc

	// ApprovalRequest describes the client an [Approver] is asked about.
	ApprovalRequest = access.Request

	// Choice is the answer of an [Approver].
	Choice = access.Choice

	// Provider produces the server init payload.
	Provider = session.Provider
)

// The choices an [Approver] can make.
const (
	ChoiceNo     = access.ChoiceNo
	ChoiceYes    = access.ChoiceYes
	ChoiceAlways = access.ChoiceAlways
	ChoiceNever  = access.ChoiceNever
)

// Options contains the optional collaborators of a [Server].
type Options struct {
	// Approver answers the access rules asking for approval. When nil,
	// those clients are denied.
	Approver Approver

	// Handler runs the sessions. When nil, we use [HoldSession].
	Handler SessionHandler

	// Provider produces the server init payload. When nil, we describe
	// the desktop configured in the [config.ServerOptions].
	Provider Provider
}

// HoldSession keeps the connection open until the client goes away.
func HoldSession(ctx context.Context, conn net.Conn, client *model.Client) {
	io.Copy(io.Discard, conn)
}

// Server is a running RFB server.
type Server struct {
	access    *access.Manager
	cancel    context.CancelFunc
	closeOnce sync.Once
	eg        *errgroup.Group
	listeners []net.Listener
	srv       *server.Server
}

// Start starts a server listening on the endpoints configured in the
// [config.ServerOptions] of cfg, and returns it. Call [Server.Close] to stop it.
func Start(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	so := cfg.ServerOptions()
	if err := so.Validate(); err != nil {
		return nil, err
	}
	methods, err := so.AuthMethods()
	if err != nil {
		return nil, err
	}
	accessConfig, err := so.AccessConfig()
	if err != nil {
		return nil, err
	}
	accessConfig.Approver = opts.Approver

	listeners, err := listen(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("rfbserver: listen")
		return nil, err
	}

	if opts.Provider == nil {
		opts.Provider = &session.StaticProvider{Init: *so.ServerInit()}
	}
	if opts.Handler == nil {
		opts.Handler = HoldSession
	}
	accessManager := access.NewManager(cfg.Logger(), accessConfig)
	srv := server.New(cfg, server.Options{
		Auth:     auth.NewManager(cfg.Logger(), methods...),
		Access:   accessManager,
		Provider: opts.Provider,
		Handler:  opts.Handler,
	})

	ctx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, ln := range listeners {
		ln := ln
		eg.Go(func() error {
			return srv.Serve(egCtx, ln)
		})
	}
	return &Server{
		access:    accessManager,
		cancel:    cancel,
		closeOnce: sync.Once{},
		eg:        eg,
		listeners: listeners,
		srv:       srv,
	}, nil
}

func listen(ctx context.Context, cfg *config.Config) ([]net.Listener, error) {
	so := cfg.ServerOptions()
	listeners := []net.Listener{}
	closeAll := func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}
	if so.Listen != "" {
		ln, err := networkio.ListenTCP(ctx, so.Listen, so.MaxClients)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, ln)
	}
	if so.WebSocket != "" {
		ln, err := networkio.ListenWebSocket(ctx, cfg.Logger(), so.WebSocket, so.MaxClients)
		if err != nil {
			closeAll()
			return nil, err
		}
		listeners = append(listeners, ln)
	}
	if len(listeners) <= 0 {
		return nil, errors.New("rfbserver: nothing to listen on")
	}
	return listeners, nil
}

// Addr returns the address of the first listener.
func (s *Server) Addr() net.Addr {
	return s.listeners[0].Addr()
}

// Addrs returns the addresses of all the listeners, TCP first.
func (s *Server) Addrs() []net.Addr {
	out := []net.Addr{}
	for _, ln := range s.listeners {
		out = append(out, ln.Addr())
	}
	return out
}

// Handle drives a connection accepted elsewhere. It TAKES OWNERSHIP of
// conn and returns why the handshake failed, or nil.
func (s *Server) Handle(ctx context.Context, conn net.Conn) error {
	return s.srv.Handle(ctx, conn)
}

// Wait blocks until all the listeners stopped, returning the first error.
func (s *Server) Wait() error {
	return s.eg.Wait()
}

// Close stops the listeners and tears down all the connections.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		// the accept loops must be gone before we wait for the drivers
		err = s.eg.Wait()
		s.srv.Close()
		s.access.Close()
	})
	return err
}
