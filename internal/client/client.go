// Package client speaks the filemesh wire protocol to trackers and storage
// nodes. A Conn is not safe for concurrent use; each goroutine dials its
// own.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/filemesh/filemesh/pkg/proto"
)

// DefaultTimeout bounds each read and write when no timeout is given.
const DefaultTimeout = 30 * time.Second

// Conn is a connection to a tracker or storage node.
type Conn struct {
	raw  net.Conn
	conn *proto.Conn
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(c, timeout), nil
}

// New wraps an established connection.
func New(c net.Conn, timeout time.Duration) *Conn {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Conn{raw: c, conn: proto.NewConn(c, timeout)}
}

// Close closes the connection without sending QUIT.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// LocalIP returns the local address of the connection, which is how the
// remote end identifies this node.
func (c *Conn) LocalIP() string {
	return addrIP(c.raw.LocalAddr())
}

// RemoteIP returns the peer's address.
func (c *Conn) RemoteIP() string {
	return addrIP(c.raw.RemoteAddr())
}

func addrIP(a net.Addr) string {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}

// call sends one request and returns the response body.
func (c *Conn) call(cmd proto.Cmd, body []byte) ([]byte, error) {
	if err := proto.WritePacket(c.conn, cmd, proto.StatusOK, body); err != nil {
		return nil, err
	}
	resp, err := proto.ReceiveResponse(c.conn, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	return resp, nil
}

// Quit tells the peer the session is over. No response is expected.
func (c *Conn) Quit() error {
	return proto.WriteHeader(c.conn, proto.CmdQuit, proto.StatusOK, 0)
}
