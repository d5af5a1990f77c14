package networkio

import (
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ooni/minirfb/internal/workers"
)

// SessionConn is the [net.Conn] handed over to the RFB session once the
// handshake completed. Reads return the bytes the handshake did not
// consume, then the chunks moved up by the [Service] workers. Writes go
// straight to the conn.
type SessionConn struct {
	conn     net.Conn
	deadline time.Time
	manager  *workers.Manager
	mu       sync.Mutex
	pending  []byte
	rmu      sync.Mutex
	up       <-chan []byte
}

var _ net.Conn = &SessionConn{}

// NewSessionConn creates a [SessionConn] over the conn returned by
// [Service.StartWorkers]. The pending bytes are returned by Read before
// any chunk received from up.
func NewSessionConn(conn net.Conn, pending []byte, up <-chan []byte, manager *workers.Manager) *SessionConn {
	return &SessionConn{
		conn:    conn,
		manager: manager,
		pending: pending,
		up:      up,
	}
}

// Read implements net.Conn
func (sc *SessionConn) Read(b []byte) (int, error) {
	defer sc.rmu.Unlock()
	sc.rmu.Lock()
	if len(sc.pending) <= 0 {
		chunk, err := sc.next()
		if err != nil {
			return 0, err
		}
		sc.pending = chunk
	}
	count := copy(b, sc.pending)
	sc.pending = sc.pending[count:]
	return count, nil
}

func (sc *SessionConn) next() ([]byte, error) {
	var timeout <-chan time.Time
	if deadline := sc.readDeadline(); !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	// POSSIBLY BLOCK until the moveUpWorker delivers a chunk
	select {
	case chunk := <-sc.up:
		return chunk, nil
	case <-sc.manager.ShouldShutdown():
		// drain what the worker delivered before the shutdown
		select {
		case chunk := <-sc.up:
			return chunk, nil
		default:
			return nil, io.EOF
		}
	case <-timeout:
		return nil, os.ErrDeadlineExceeded
	}
}

// Write implements net.Conn
func (sc *SessionConn) Write(b []byte) (int, error) {
	return sc.conn.Write(b)
}

// Close implements net.Conn
func (sc *SessionConn) Close() error {
	sc.manager.StartShutdown()
	return sc.conn.Close()
}

// LocalAddr implements net.Conn
func (sc *SessionConn) LocalAddr() net.Addr {
	return sc.conn.LocalAddr()
}

// RemoteAddr implements net.Conn
func (sc *SessionConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}

// SetDeadline implements net.Conn
func (sc *SessionConn) SetDeadline(t time.Time) error {
	sc.SetReadDeadline(t)
	return sc.conn.SetWriteDeadline(t)
}

// SetReadDeadline implements net.Conn
func (sc *SessionConn) SetReadDeadline(t time.Time) error {
	defer sc.mu.Unlock()
	sc.mu.Lock()
	sc.deadline = t
	return nil
}

// SetWriteDeadline implements net.Conn
func (sc *SessionConn) SetWriteDeadline(t time.Time) error {
	return sc.conn.SetWriteDeadline(t)
}

func (sc *SessionConn) readDeadline() time.Time {
	defer sc.mu.Unlock()
	sc.mu.Lock()
	return sc.deadline
}
