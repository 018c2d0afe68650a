package transport

import (
	"net"
	"time"

	"github.com/marcestarlet/embroker/metrics"
	"github.com/marcestarlet/embroker/packet"
)

// Conn framed client connection.
// Protocol differences are confined to implementations of this interface
type Conn interface {
	ReadFrame() (packet.Frame, error)
	WriteFrame(packet.Frame) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	RemoteAddr() net.Addr
	// Protocol of listener connection came from
	Protocol() string
	Close() error
}

// Handler serves accepted connection until it is closed
type Handler interface {
	OnConnection(Conn) error
}

// HandlerFunc adapts function to Handler
type HandlerFunc func(Conn) error

// OnConnection calls f(conn)
func (f HandlerFunc) OnConnection(conn Conn) error {
	return f(conn)
}

// conn is wrapper to net.Conn
// implemented to encapsulate bytes statistic
type conn struct {
	net.Conn
	stat metrics.Bytes
}

func newConn(cn net.Conn, stat metrics.Bytes) *conn {
	return &conn{
		Conn: cn,
		stat: stat,
	}
}

// Read ...
func (c *conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.stat.OnRecv(n)
	}

	return n, err
}

// Write ...
func (c *conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.stat.OnSent(n)
	}

	return n, err
}
