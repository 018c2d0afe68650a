package server

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/marcestarlet/embroker/configuration"
	"github.com/marcestarlet/embroker/transport"
	"github.com/marcestarlet/embroker/types"
)

// transportConfig resolves listener settings of named transport
func transportConfig(lCfg *configuration.ListenersConfig, name string) (*transport.Config, error) {
	cfg := lCfg.Transports[name]

	host := lCfg.DefaultAddr
	if len(cfg.Host) > 0 {
		host = cfg.Host
	}

	config := &transport.Config{
		Protocol:    name,
		Host:        host,
		Port:        cfg.Port,
		Path:        cfg.Path,
		AcceptRate:  cfg.AcceptRate,
		AcceptBurst: cfg.AcceptBurst,
	}

	if name == configuration.TransportWS && len(config.Path) == 0 {
		config.Path = "/mqtt"
	}

	if cfg.TLS != nil {
		tlsConfig, err := cfg.TLS.LoadConfig()
		if err != nil {
			return nil, types.ConfigError("listeners.transports."+name+".tls", "%s", err.Error())
		}

		config.TLS = tlsConfig
	}

	return config, nil
}

// bindListeners binds every configured transport. Bind failures are fatal unless
// listeners.tolerateFailures is set and at least one listener got bound
func (s *Server) bindListeners(handler transport.Handler) ([]transport.Provider, error) {
	lCfg := &s.config.Broker.Listeners

	names := make([]string, 0, len(lCfg.Transports))
	for name := range lCfg.Transports {
		names = append(names, name)
	}
	sort.Strings(names)

	s.mu.RLock()
	internal := &transport.InternalConfig{
		Handler:       handler,
		Metrics:       s.config.Metrics,
		Pool:          s.pool,
		MaxPacketSize: lCfg.MaxPacketSize,
	}
	s.mu.RUnlock()

	var listeners []transport.Provider
	var lastErr error

	closeAll := func() {
		for _, l := range listeners {
			l.Close() // nolint: errcheck
		}
	}

	for _, name := range names {
		config, err := transportConfig(lCfg, name)
		if err != nil {
			closeAll()
			return nil, err
		}

		var l transport.Provider
		if name == configuration.TransportWS {
			l, err = transport.NewWS(config, internal)
		} else {
			l, err = transport.NewTCP(config, internal)
		}

		if err != nil {
			var bindErr *types.BindError
			if lCfg.TolerateFailures && errors.As(err, &bindErr) {
				s.log.Warnw("Listener skipped", "transport", name, "error", err)
				lastErr = err
				continue
			}

			closeAll()
			return nil, err
		}

		listeners = append(listeners, l)
	}

	if len(listeners) == 0 {
		if lastErr == nil {
			lastErr = types.ConfigError("listeners.transports", "no listener configured")
		}

		return nil, lastErr
	}

	return listeners, nil
}
