package networkio

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ooni/minirfb/internal/model"
	"github.com/ooni/minirfb/internal/workers"
)

// WebSocketSubprotocol is the subprotocol spoken by websockify-style clients.
const WebSocketSubprotocol = "binary"

// webSocketListener is a [net.Listener] accepting RFB clients tunneled
// over websocket binary messages.
type webSocketListener struct {
	conns     chan net.Conn
	closeOnce sync.Once
	ln        net.Listener
	logger    model.Logger
	manager   *workers.Manager
	server    *http.Server
	upgrader  *websocket.Upgrader
}

// ListenWebSocket listens for websocket clients on the given TCP address,
// serving any path. See [ListenTCP] for the meaning of maxClients.
func ListenWebSocket(ctx context.Context, logger model.Logger, address string, maxClients int) (net.Listener, error) {
	lc := &net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	wl := &webSocketListener{
		conns:     make(chan net.Conn),
		closeOnce: sync.Once{},
		ln:        newListener(ln, maxClients),
		logger:    logger,
		manager:   workers.NewManager(logger),
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{WebSocketSubprotocol},
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
	wl.server = &http.Server{
		Handler:           wl,
		ReadHeaderTimeout: 10 * time.Second,
	}
	wl.manager.StartWorker(wl.serveWorker)
	return wl, nil
}

func (wl *webSocketListener) serveWorker() {
	workerName := fmt.Sprintf("%s: serveWorker", serviceName)

	defer func() {
		wl.manager.OnWorkerDone(workerName)
		wl.manager.StartShutdown()
	}()

	// POSSIBLY BLOCK serving HTTP until the listener is closed
	if err := wl.server.Serve(wl.ln); err != nil && err != http.ErrServerClosed {
		wl.logger.Warnf("%s: %s", workerName, err.Error())
	}
}

// ServeHTTP upgrades the request and hands the conn to Accept.
func (wl *webSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := wl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wl.logger.Debugf("%s: upgrade: %s", serviceName, err.Error())
		return
	}
	conn := newCloseOnceConn(newWebSocketConn(wsConn))

	// POSSIBLY BLOCK until someone accepts the conn
	select {
	case wl.conns <- conn:
	case <-wl.manager.ShouldShutdown():
		conn.Close()
	}
}

// Accept implements net.Listener
func (wl *webSocketListener) Accept() (net.Conn, error) {
	select {
	case conn := <-wl.conns:
		return conn, nil
	case <-wl.manager.ShouldShutdown():
		return nil, net.ErrClosed
	}
}

// Close implements net.Listener
func (wl *webSocketListener) Close() error {
	var err error
	wl.closeOnce.Do(func() {
		wl.manager.StartShutdown()
		err = wl.server.Close()
		wl.manager.WaitWorkersShutdown()
	})
	return err
}

// Addr implements net.Listener
func (wl *webSocketListener) Addr() net.Addr {
	return wl.ln.Addr()
}

// webSocketConn adapts a websocket conn to a byte stream. Each Write is
// sent as a binary message; Read returns message bytes in order, across
// message boundaries.
type webSocketConn struct {
	conn   *websocket.Conn
	reader io.Reader
	wmu    sync.Mutex
}

var _ net.Conn = &webSocketConn{}

func newWebSocketConn(conn *websocket.Conn) *webSocketConn {
	return &webSocketConn{conn: conn}
}

// Read implements net.Conn
func (c *webSocketConn) Read(b []byte) (int, error) {
	for {
		if c.reader == nil {
			kind, reader, err := c.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
				continue
			}
			c.reader = reader
		}
		n, err := c.reader.Read(b)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write implements net.Conn
func (c *webSocketConn) Write(b []byte) (int, error) {
	defer c.wmu.Unlock()
	c.wmu.Lock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close implements net.Conn
func (c *webSocketConn) Close() error {
	return c.conn.Close()
}

// LocalAddr implements net.Conn
func (c *webSocketConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr implements net.Conn
func (c *webSocketConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline implements net.Conn
func (c *webSocketConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

// SetReadDeadline implements net.Conn
func (c *webSocketConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline implements net.Conn
func (c *webSocketConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
