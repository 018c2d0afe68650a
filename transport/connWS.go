package transport

import (
	"github.com/gobwas/ws/wsutil"
)

// wsConn stream view of websocket binary messages
type wsConn struct {
	*conn
	rem []byte
}

// Read ...
func (c *wsConn) Read(b []byte) (int, error) {
	var n int
	if len(c.rem) > 0 {
		n = copy(b, c.rem)
		c.rem = c.rem[n:]
		c.stat.OnRecv(n)
		return n, nil
	}

	data, err := wsutil.ReadClientBinary(c.Conn)
	if err != nil {
		return 0, err
	}

	n = copy(b, data)
	if n < len(data) {
		c.rem = data[n:]
	}

	c.stat.OnRecv(n)

	return n, nil
}

// Write ...
func (c *wsConn) Write(b []byte) (int, error) {
	err := wsutil.WriteServerBinary(c.Conn, b)
	n := 0
	if err == nil {
		n = len(b)
		c.stat.OnSent(n)
	}

	return n, err
}
