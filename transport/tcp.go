package transport

import (
	"net"

	"github.com/marcestarlet/embroker/configuration"
	"github.com/marcestarlet/embroker/types"
)

type tcp struct {
	baseConfig

	listener net.Listener
	wrap     func(net.Conn) Conn
}

// NewTCP create new stream transport. Protocol selects framing:
// TransportTCP speaks generic broker frames, TransportMQTT speaks MQTT 3.1.1
func NewTCP(config *Config, internal *InternalConfig) (Provider, error) {
	base, err := newBaseConfig(config, internal)
	if err != nil {
		return nil, err
	}

	l := &tcp{baseConfig: base}

	switch config.Protocol {
	case configuration.TransportTCP:
		l.wrap = func(cn net.Conn) Conn {
			return newConnTCP(newConn(cn, l.stat), l.MaxPacketSize)
		}
	case configuration.TransportMQTT:
		l.wrap = func(cn net.Conn) Conn {
			return newConnMQTT(newConn(cn, l.stat), configuration.TransportMQTT, l.MaxPacketSize)
		}
	default:
		return nil, types.ConfigError("listeners.transports", "unsupported stream protocol %q", config.Protocol)
	}

	if l.listener, err = listen(config.Protocol, l.hostPort(), config.TLS); err != nil {
		return nil, err
	}

	l.bound(l.listener.Addr())

	return l, nil
}

// Close tcp listener
func (l *tcp) Close() error {
	return l.stop(l.listener.Close)
}

// Serve start serving connections
func (l *tcp) Serve() error {
	return l.serve(l.listener, l.wrap)
}
