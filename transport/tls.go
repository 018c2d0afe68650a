package transport

import (
	"crypto/tls"
	"net"

	"github.com/marcestarlet/embroker/types"
)

// listen binds tcp endpoint and wraps it into TLS when config is given.
// Bind failures are reported as *types.BindError
func listen(protocol, addr string, config *tls.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &types.BindError{Transport: protocol, Addr: addr, Err: err}
	}

	if config != nil {
		ln = tls.NewListener(ln, config)
	}

	return ln, nil
}
