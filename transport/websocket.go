package transport

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"time"

	gws "github.com/gobwas/ws"

	"github.com/marcestarlet/embroker/configuration"
)

var subProtocolRegexp = regexp.MustCompile(`^mqtt(([vV])(3.1|3.1.1))?$`)

type ws struct {
	baseConfig

	listener net.Listener
	http     *http.Server
	up       gws.HTTPUpgrader
}

// NewWS create new websocket transport speaking MQTT 3.1.1 in binary messages
func NewWS(config *Config, internal *InternalConfig) (Provider, error) {
	base, err := newBaseConfig(config, internal)
	if err != nil {
		return nil, err
	}

	l := &ws{baseConfig: base}

	path := config.Path
	if len(path) == 0 {
		path = "/"
	} else if path[0] != '/' {
		path = "/" + path
	}

	if l.listener, err = listen(config.Protocol, l.hostPort(), config.TLS); err != nil {
		return nil, err
	}

	l.bound(l.listener.Addr())

	mux := http.NewServeMux()
	mux.Handle(path, l)

	l.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// first offered MQTT subprotocol wins
	l.up.Protocol = func(proto string) bool {
		return subProtocolRegexp.MatchString(proto)
	}

	return l, nil
}

func (l *ws) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	proto := r.Header.Get("Sec-WebSocket-Protocol")
	if proto == "" {
		http.Error(w, "bad \"Sec-WebSocket-Protocol\"", http.StatusBadRequest)
		return
	}

	if l.limiter != nil && !l.limiter.Allow() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	cn, _, _, err := l.up.Upgrade(r, w)
	if err != nil {
		l.log.Errorw("Upgrade error", "remote", r.RemoteAddr, "error", err)
		return
	}

	l.handleConnection(newConnMQTT(&wsConn{conn: newConn(cn, l.stat)}, configuration.TransportWS, l.MaxPacketSize))
}

// Serve ...
func (l *ws) Serve() error {
	if err := l.http.Serve(l.listener); err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Close websocket listener
func (l *ws) Close() error {
	return l.stop(func() error {
		ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ctxCancel()

		return l.http.Shutdown(ctx)
	})
}
