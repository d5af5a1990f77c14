// Package server accepts RFB clients and drives their handshakes.
//
// Each accepted connection gets its own goroutine driving a
// [handshake.Protocol] and its own [networkio.Service] workers. The driver
// wakes up when the network delivers bytes, when the access manager
// delivers a decision, when the server init payload becomes available,
// or when the connection is shutting down.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/ooni/minirfb/internal/access"
	"github.com/ooni/minirfb/internal/auth"
	"github.com/ooni/minirfb/internal/handshake"
	"github.com/ooni/minirfb/internal/model"
	"github.com/ooni/minirfb/internal/networkio"
	"github.com/ooni/minirfb/internal/runtimex"
	"github.com/ooni/minirfb/internal/session"
	"github.com/ooni/minirfb/internal/workers"
	"github.com/ooni/minirfb/pkg/config"
)

// SessionHandler runs the RFB session of a client that completed the
// handshake. It owns conn, whose first bytes are the ones the client sent
// right after the client init message. The session ends when it returns.
type SessionHandler func(ctx context.Context, conn net.Conn, client *model.Client)

// Options contains the collaborators of a [Server].
type Options struct {
	// Auth is the MANDATORY authentication manager.
	Auth *auth.Manager

	// Access is the MANDATORY access control manager.
	Access *access.Manager

	// Provider is the MANDATORY source of the server init payload.
	Provider session.Provider

	// Handler is the MANDATORY session handler.
	Handler SessionHandler
}

// Server drives the handshakes of the connections it serves. The zero
// value is invalid; use [New].
type Server struct {
	access   *access.Manager
	auth     *auth.Manager
	config   *config.Config
	handler  SessionHandler
	logger   model.Logger
	manager  *workers.Manager
	provider session.Provider

	// mu makes starting a driver atomic with respect to Close.
	mu sync.Mutex
}

// New creates a new [Server].
func New(cfg *config.Config, opts Options) *Server {
	runtimex.Assert(opts.Auth != nil, "server: nil Auth")
	runtimex.Assert(opts.Access != nil, "server: nil Access")
	runtimex.Assert(opts.Provider != nil, "server: nil Provider")
	runtimex.Assert(opts.Handler != nil, "server: nil Handler")
	return &Server{
		access:   opts.Access,
		auth:     opts.Auth,
		config:   cfg,
		handler:  opts.Handler,
		logger:   cfg.Logger(),
		manager:  workers.NewManager(cfg.Logger()),
		provider: opts.Provider,
	}
}

// Serve accepts connections from ln until ln fails or the server is
// closed. It always closes ln. Closing the server is not an error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	done := make(chan any)
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.manager.ShouldShutdown():
		case <-done:
		}
		ln.Close()
	}()

	s.logger.Infof("server: listening on %s", ln.Addr().String())
	for {
		// POSSIBLY BLOCK until a client connects
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.manager.ShouldShutdown():
				return nil
			default:
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		if !s.startDriver(ctx, conn) {
			return nil
		}
	}
}

// startDriver starts the driver for conn unless the server is closing, in
// which case it closes conn and returns false.
func (s *Server) startDriver(ctx context.Context, conn net.Conn) bool {
	defer s.mu.Unlock()
	s.mu.Lock()
	select {
	case <-s.manager.ShouldShutdown():
		conn.Close()
		return false
	default:
	}
	s.manager.StartWorker(func() {
		workerName := fmt.Sprintf("server: driver for %s", conn.RemoteAddr().String())
		defer s.manager.OnWorkerDone(workerName)
		s.Handle(ctx, conn)
	})
	return true
}

// Close stops accepting connections, tears down the ongoing ones, and
// waits for their drivers to return. No driver starts once Close returns.
func (s *Server) Close() error {
	s.mu.Lock()
	s.manager.StartShutdown()
	s.mu.Unlock()
	s.manager.WaitWorkersShutdown()
	return nil
}

// Handle drives the handshake over conn and then runs the session. It
// TAKES OWNERSHIP of conn and returns once conn has been closed. The
// return value is the reason why the handshake failed, or nil if the
// handshake completed.
func (s *Server) Handle(ctx context.Context, conn net.Conn) error {
	client := model.NewClient(model.NewClientID(), hostAddress(conn.RemoteAddr()))
	sessionID := uuid.NewString()
	s.logger.Infof("server: client %d (%s): connected, session %s", client.ID, client.HostAddress, sessionID)

	manager := workers.NewManager(s.logger)
	chunksUp := make(chan []byte)
	svc := &networkio.Service{ChunksUp: &chunksUp}
	conn = svc.StartWorkers(s.config, manager, conn)

	d := &driver{
		chunksUp:  chunksUp,
		inbox:     make(chan *model.Notification, 1),
		manager:   manager,
		serverCtx: ctx,
		srv:       s,
	}
	manager.StartWorker(d.watchWorker)
	d.initc = d.startServerInit()

	d.proto = handshake.New(s.config, client, &driverConn{Conn: conn, manager: manager}, handshake.Options{
		Authenticator:    s.auth,
		AccessController: s.access,
		Inbox:            d.inbox,
		SessionID:        sessionID,
	})
	defer func() {
		s.access.RemoveClient(client.ID)
		s.auth.Forget(client.ID)
	}()

	if err := d.run(); err != nil {
		manager.StartShutdown()
		manager.WaitWorkersShutdown()
		return err
	}

	sc := networkio.NewSessionConn(conn, d.proto.Buffered(), chunksUp, manager)
	s.handler(ctx, sc, client)
	sc.Close()
	manager.WaitWorkersShutdown()
	s.logger.Infof("server: client %d (%s): session done", client.ID, client.HostAddress)
	return nil
}

// driver is the state of the goroutine driving a single handshake.
type driver struct {
	chunksUp  <-chan []byte
	inbox     chan *model.Notification
	initc     <-chan initResult
	manager   *workers.Manager
	proto     *handshake.Protocol
	serverCtx context.Context
	srv       *Server
}

// initResult is the outcome of fetching the server init payload.
type initResult struct {
	payload []byte
	err     error
}

// run drives the handshake until Running or Close.
func (d *driver) run() error {
	d.proto.Start()
	d.proto.Pump()

	for !d.proto.Closed() && d.proto.State() != model.Running {
		// POSSIBLY BLOCK until something wakes us up
		select {
		case chunk := <-d.chunksUp:
			d.proto.Feed(chunk)
			d.proto.Pump()

		case n := <-d.inbox:
			d.proto.OnAccessControlFinished(n)

		case res := <-d.initc:
			d.initc = nil
			if res.err != nil {
				d.proto.Abort(fmt.Errorf("server: server init: %w", res.err))
				continue
			}
			d.proto.SetServerInit(res.payload)
			d.proto.Pump()

		case <-d.manager.ShouldShutdown():
			d.proto.Abort(d.shutdownReason())
		}
	}

	if d.proto.Closed() {
		if err := d.proto.CloseReason(); err != nil {
			return err
		}
		return net.ErrClosed
	}
	return nil
}

func (d *driver) shutdownReason() error {
	if err := d.serverCtx.Err(); err != nil {
		return err
	}
	select {
	case <-d.srv.manager.ShouldShutdown():
		return errServerClosed
	default:
		return net.ErrClosed
	}
}

// errServerClosed indicates we are closing a conn because the server is closing.
var errServerClosed = errors.New("server: closed")

// watchWorker shuts down the connection workers when the server is
// shutting down or the context is done.
func (d *driver) watchWorker() {
	workerName := "server: watchWorker"
	defer d.manager.OnWorkerDone(workerName)

	select {
	case <-d.serverCtx.Done():
	case <-d.srv.manager.ShouldShutdown():
	case <-d.manager.ShouldShutdown():
		return
	}
	d.manager.StartShutdown()
}

// startServerInit fetches the server init payload in the background.
func (d *driver) startServerInit() <-chan initResult {
	out := make(chan initResult, 1)
	ctx, cancel := context.WithCancel(d.serverCtx)
	d.manager.StartWorker(func() {
		workerName := "server: serverInitWorker"
		defer d.manager.OnWorkerDone(workerName)
		defer cancel()
		go func() {
			select {
			case <-d.manager.ShouldShutdown():
				cancel()
			case <-ctx.Done():
			}
		}()
		// POSSIBLY BLOCK until the desktop is ready
		payload, err := d.srv.provider.ServerInit(ctx)
		out <- initResult{payload: payload, err: err}
	})
	return out
}

// driverConn is the [handshake.Conn] used by the handshake. Closing it
// tears down the connection workers, which close the socket.
type driverConn struct {
	net.Conn
	manager *workers.Manager
}

var _ handshake.Conn = &driverConn{}

// Close implements handshake.Conn
func (dc *driverConn) Close() error {
	dc.manager.StartShutdown()
	return nil
}

// hostAddress returns the address of the peer without the port.
func hostAddress(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
