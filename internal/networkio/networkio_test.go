package networkio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/ooni/minirfb/internal/model"
	"github.com/ooni/minirfb/internal/rfbtest"
	"github.com/ooni/minirfb/internal/workers"
	"github.com/ooni/minirfb/pkg/config"
)

func TestCloseOnceConn(t *testing.T) {
	var count atomic.Int64
	conn := newCloseOnceConn(&rfbtest.Conn{
		MockClose: func() error {
			count.Add(1)
			return net.ErrClosed
		},
	})
	for i := 0; i < 4; i++ {
		if err := conn.Close(); !errors.Is(err, net.ErrClosed) {
			t.Fatalf("expected the first error, got %v", err)
		}
	}
	if count.Load() != 1 {
		t.Fatalf("underlying Close called %d times", count.Load())
	}
}

// startService starts the workers on one end of a pipe and returns the
// conn to write to and the other end.
func startService(t *testing.T) (*Service, *workers.Manager, net.Conn, net.Conn) {
	t.Helper()
	logger := model.NewTestLogger()
	manager := workers.NewManager(logger)
	up := make(chan []byte)
	svc := &Service{ChunksUp: &up}
	server, client := net.Pipe()
	conn := svc.StartWorkers(config.NewConfig(config.WithLogger(logger)), manager, server)
	t.Cleanup(func() {
		client.Close()
		manager.StartShutdown()
		manager.WaitWorkersShutdown()
	})
	return svc, manager, conn, client
}

func TestService(t *testing.T) {
	t.Run("bytes written by the peer move up", func(t *testing.T) {
		svc, _, _, client := startService(t)
		go client.Write([]byte("RFB 003.008\n"))
		select {
		case chunk := <-*svc.ChunksUp:
			if string(chunk) != "RFB 003.008\n" {
				t.Fatalf("unexpected chunk %q", chunk)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	})

	t.Run("writes reach the peer", func(t *testing.T) {
		_, _, conn, client := startService(t)
		go conn.Write([]byte{1, 40})
		buf := make([]byte, 2)
		if _, err := io.ReadFull(client, buf); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]byte{1, 40}, buf); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("the peer closing shuts down the workers", func(t *testing.T) {
		_, manager, _, client := startService(t)
		client.Close()
		select {
		case <-manager.ShouldShutdown():
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
		manager.WaitWorkersShutdown()
	})

	t.Run("shutting down closes the conn and unblocks writes", func(t *testing.T) {
		_, manager, conn, client := startService(t)
		errc := make(chan error, 1)
		go func() {
			// nobody reads this write
			_, err := conn.Write([]byte("RFB 003.008\n"))
			errc <- err
		}()
		manager.StartShutdown()
		manager.WaitWorkersShutdown()
		if err := <-errc; err == nil {
			t.Fatal("expected the pending write to fail")
		}
		if _, err := client.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
			t.Fatalf("expected EOF, got %v", err)
		}
	})
}

func TestSessionConn(t *testing.T) {
	newConn := func() (*SessionConn, chan []byte, chan []byte, *workers.Manager) {
		manager := workers.NewManager(model.NewTestLogger())
		up := make(chan []byte, 4)
		down := make(chan []byte, 4)
		underlying := &rfbtest.Conn{
			MockWrite: func(b []byte) (int, error) {
				down <- append([]byte{}, b...)
				return len(b), nil
			},
			MockClose:            func() error { return nil },
			MockSetWriteDeadline: func(time.Time) error { return nil },
			MockRemoteAddr:       func() net.Addr { return rfbtest.NewTCPAddr("10.0.0.1:5555") },
		}
		sc := NewSessionConn(underlying, []byte("ab"), up, manager)
		return sc, up, down, manager
	}

	t.Run("pending bytes come first", func(t *testing.T) {
		sc, up, _, _ := newConn()
		up <- []byte("cdef")
		got := make([]byte, 6)
		if _, err := io.ReadFull(sc, got); err != nil {
			t.Fatal(err)
		}
		if string(got) != "abcdef" {
			t.Fatalf("unexpected %q", got)
		}
	})

	t.Run("writes go to the conn", func(t *testing.T) {
		sc, _, down, _ := newConn()
		if _, err := sc.Write([]byte("xy")); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(<-down, []byte("xy")) {
			t.Fatal("unexpected chunk")
		}
	})

	t.Run("read deadline", func(t *testing.T) {
		sc, _, _, _ := newConn()
		sc.Read(make([]byte, 2))
		sc.SetDeadline(time.Now().Add(10 * time.Millisecond))
		if _, err := sc.Read(make([]byte, 1)); !errors.Is(err, os.ErrDeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	})

	t.Run("EOF after the chunks delivered before shutdown", func(t *testing.T) {
		sc, up, _, manager := newConn()
		sc.Read(make([]byte, 2))
		up <- []byte("z")
		manager.StartShutdown()
		got, err := io.ReadAll(sc)
		if err != nil || string(got) != "z" {
			t.Fatalf("got %q, %v", got, err)
		}
	})

	t.Run("close shuts down the workers", func(t *testing.T) {
		sc, _, _, manager := newConn()
		sc.Close()
		select {
		case <-manager.ShouldShutdown():
		default:
			t.Fatal("expected shutdown")
		}
		if sc.RemoteAddr().String() != "10.0.0.1:5555" {
			t.Fatal("unexpected remote addr")
		}
	})
}

func TestListenTCP(t *testing.T) {
	ln, err := ListenTCP(context.Background(), "127.0.0.1:0", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	first, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	accepted, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := accepted.(*closeOnceConn); !ok {
		t.Fatalf("unexpected conn type %T", accepted)
	}

	second, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	acceptedc := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			acceptedc <- conn
		}
	}()
	select {
	case <-acceptedc:
		t.Fatal("the limit should block the second accept")
	case <-time.After(50 * time.Millisecond):
	}

	accepted.Close()
	accepted.Close()
	select {
	case conn := <-acceptedc:
		conn.Close()
	case <-time.After(time.Second):
		t.Fatal("closing the first conn should unblock accept")
	}
}

func TestListenWebSocket(t *testing.T) {
	ln, err := ListenWebSocket(context.Background(), model.NewTestLogger(), "127.0.0.1:0", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	dialer := &websocket.Dialer{Subprotocols: []string{WebSocketSubprotocol}}
	client, _, err := dialer.Dial("ws://"+ln.Addr().String()+"/websockify", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if client.Subprotocol() != WebSocketSubprotocol {
		t.Fatalf("unexpected subprotocol %q", client.Subprotocol())
	}

	conn, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	t.Run("reads cross message boundaries", func(t *testing.T) {
		client.WriteMessage(websocket.BinaryMessage, []byte("RFB 003"))
		client.WriteMessage(websocket.BinaryMessage, []byte(".008\n"))
		got := make([]byte, 12)
		if _, err := io.ReadFull(conn, got); err != nil {
			t.Fatal(err)
		}
		if string(got) != "RFB 003.008\n" {
			t.Fatalf("unexpected %q", got)
		}
	})

	t.Run("writes are binary messages", func(t *testing.T) {
		if _, err := conn.Write([]byte{1, 40}); err != nil {
			t.Fatal(err)
		}
		kind, data, err := client.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if kind != websocket.BinaryMessage || !bytes.Equal(data, []byte{1, 40}) {
			t.Fatalf("got %d %v", kind, data)
		}
	})

	t.Run("accept fails after close", func(t *testing.T) {
		ln.Close()
		if _, err := ln.Accept(); !errors.Is(err, net.ErrClosed) {
			t.Fatalf("expected net.ErrClosed, got %v", err)
		}
	})
}
