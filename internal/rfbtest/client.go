package rfbtest

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/ooni/minirfb/internal/framing"
	"github.com/ooni/minirfb/internal/model"
)

// Framed returns the serialization of a message containing values. This
// function panics on error.
func Framed(values ...framing.Value) []byte {
	raw, err := framing.NewMessage(values...).Marshal()
	if err != nil {
		panic(err)
	}
	return raw
}

// ChooseAuthType returns the message a client sends to choose at. The
// username is omitted for [model.AuthTypeNone].
func ChooseAuthType(at model.AuthType, username string) []byte {
	if at == model.AuthTypeNone {
		return Framed(framing.Int(int32(at)))
	}
	return Framed(framing.Int(int32(at)), framing.String(username))
}

// Client is a scripted RFB client used to test servers.
type Client struct {
	// Conn is the connection to the server.
	Conn net.Conn

	// Timeout bounds each read. Zero means five seconds.
	Timeout time.Duration
}

func (c *Client) deadline() time.Time {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return time.Now().Add(timeout)
}

// ReadExactly reads exactly n bytes.
func (c *Client) ReadExactly(n int) ([]byte, error) {
	c.Conn.SetReadDeadline(c.deadline())
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.Conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadMessage reads a framed message.
func (c *Client) ReadMessage() (*framing.Message, error) {
	header, err := c.ReadExactly(framing.HeaderSize)
	if err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint32(header))
	body, err := c.ReadExactly(size)
	if err != nil {
		return nil, err
	}
	msg, _, err := framing.Receive(append(header, body...))
	return msg, err
}

// Write writes data to the server.
func (c *Client) Write(data []byte) error {
	c.Conn.SetWriteDeadline(c.deadline())
	_, err := c.Conn.Write(data)
	return err
}

// Negotiate performs the handshake up to the auth type choice included,
// returning the auth types the server advertised.
func (c *Client) Negotiate(secType byte, at model.AuthType, username string) ([]model.AuthType, error) {
	version, err := c.ReadExactly(12)
	if err != nil {
		return nil, fmt.Errorf("version: %w", err)
	}
	if err := c.Write(version); err != nil {
		return nil, err
	}
	secTypes, err := c.ReadExactly(2)
	if err != nil {
		return nil, fmt.Errorf("security types: %w", err)
	}
	if secTypes[0] != 1 {
		return nil, fmt.Errorf("unexpected security types %v", secTypes)
	}
	if err := c.Write([]byte{secType}); err != nil {
		return nil, err
	}
	msg, err := c.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("auth types: %w", err)
	}
	count, err := msg.ReadInt()
	if err != nil {
		return nil, err
	}
	authTypes := []model.AuthType{}
	for i := int32(0); i < count; i++ {
		v, err := msg.ReadInt()
		if err != nil {
			return nil, err
		}
		authTypes = append(authTypes, model.AuthType(v))
	}
	if err := c.Write(ChooseAuthType(at, username)); err != nil {
		return nil, err
	}
	return authTypes, nil
}
