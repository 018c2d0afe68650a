package transport

import (
	"bufio"
	"sync"

	"github.com/marcestarlet/embroker/configuration"
	"github.com/marcestarlet/embroker/packet"
)

// connTCP generic broker frames over stream connection
type connTCP struct {
	*conn
	r       *bufio.Reader
	maxSize uint32
	wLock   sync.Mutex
}

var _ Conn = (*connTCP)(nil)

func newConnTCP(cn *conn, maxSize uint32) *connTCP {
	return &connTCP{
		conn:    cn,
		r:       bufio.NewReader(cn),
		maxSize: maxSize,
	}
}

// ReadFrame ...
func (c *connTCP) ReadFrame() (packet.Frame, error) {
	return packet.ReadFrame(c.r, c.maxSize)
}

// WriteFrame ...
func (c *connTCP) WriteFrame(f packet.Frame) error {
	buf, err := packet.Encode(f)
	if err != nil {
		return err
	}

	c.wLock.Lock()
	defer c.wLock.Unlock()

	_, err = c.conn.Write(buf)
	return err
}

// Protocol ...
func (c *connTCP) Protocol() string {
	return configuration.TransportTCP
}
