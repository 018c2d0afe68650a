package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/marcestarlet/embroker/types"
)

type monitor struct {
	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

func (m *monitor) addr() net.Addr {
	return m.listener.Addr()
}

// startMonitor serves /live, /ready and /metrics when monitoring.addr is set
func (s *Server) startMonitor() error {
	addr := s.config.Broker.Monitoring.Addr
	if len(addr) == 0 {
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &types.BindError{Transport: "monitoring", Addr: addr, Err: err}
	}

	m := &monitor{
		mux:      http.NewServeMux(),
		listener: ln,
		done:     make(chan struct{}),
	}

	m.mux.Handle("/live", s.config.Health)
	m.mux.Handle("/ready", s.config.Health)
	m.mux.Handle("/metrics", s.config.Metrics.Handler())

	m.server = &http.Server{
		Handler:           m.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		defer close(m.done)

		if e := m.server.Serve(ln); e != nil && e != http.ErrServerClosed {
			s.log.Errorw("Monitoring endpoint failed", "addr", addr, "error", e)
		}
	}()

	s.mu.Lock()
	s.monitor = m
	s.mu.Unlock()

	s.log.Infow("Monitoring endpoint", "addr", ln.Addr().String())

	return nil
}

func (s *Server) stopMonitor() {
	s.mu.Lock()
	m := s.monitor
	s.monitor = nil
	s.mu.Unlock()

	if m == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.server.Shutdown(ctx); err != nil {
		s.log.Warnw("Stop monitoring endpoint", "error", err)
	}

	<-m.done
}
