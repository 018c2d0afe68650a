// Package server supervises broker lifecycle: it builds persistence, topic
// registry, session manager and delivery engine from configuration, binds
// listeners and tears everything down in order on Stop.
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/troian/healthcheck"
	"go.uber.org/zap"

	"github.com/marcestarlet/embroker/configuration"
	"github.com/marcestarlet/embroker/delivery"
	"github.com/marcestarlet/embroker/metrics"
	"github.com/marcestarlet/embroker/persistence"
	"github.com/marcestarlet/embroker/persistence/types"
	"github.com/marcestarlet/embroker/sessions"
	"github.com/marcestarlet/embroker/systree"
	"github.com/marcestarlet/embroker/topics"
	"github.com/marcestarlet/embroker/transport"
	"github.com/marcestarlet/embroker/types"
)

// State of broker lifecycle
type State int32

// Lifecycle states
const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

var stateNames = [...]string{
	"STOPPED",
	"STARTING",
	"RUNNING",
	"STOPPING",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}

	return "UNKNOWN"
}

// Config of broker
type Config struct {
	// Broker validated configuration. Defaults are used when nil
	Broker *configuration.Config

	// Metrics allocated per broker when nil
	Metrics metrics.IFace

	// Health receives readiness and per listener liveness checks.
	// Allocated when nil
	Health healthcheck.Handler

	// TransportStatus user provided callback to track transport status
	// If not set than defaults to mock function
	TransportStatus func(id string, status string)
}

// Server broker supervisor
type Server struct {
	config Config
	log    *zap.SugaredLogger
	state  atomic.Int32

	// lock serializes Start and Stop
	lock sync.Mutex

	// mu guards components read by running broker API
	mu        sync.RWMutex
	store     persistenceTypes.Provider
	topics    topics.Provider
	sessions  *sessions.Manager
	engine    *delivery.Engine
	pool      types.Pool
	listeners []transport.Provider
	monitor   *monitor
	sysTree   *systree.Tree

	wgListeners sync.WaitGroup
}

// New allocates stopped broker
func New(config Config) (*Server, error) {
	if config.Broker == nil {
		config.Broker = configuration.DefaultConfig()
	}

	if err := config.Broker.Validate(); err != nil {
		return nil, err
	}

	if config.Metrics == nil {
		config.Metrics = metrics.New(config.Broker.Broker.Name)
	}

	if config.Health == nil {
		config.Health = healthcheck.NewHandler()
	}

	if config.TransportStatus == nil {
		config.TransportStatus = func(string, string) {}
	}

	s := &Server{
		config: config,
		log:    configuration.GetLogger().Named("server"),
	}

	err := s.config.Health.AddReadinessCheck("broker", func() error {
		if st := s.State(); st != StateRunning {
			return errors.Wrapf(types.ErrNotRunning, "state %s", st)
		}

		return nil
	})
	if err != nil {
		s.log.Warnw("Couldn't add readiness check", "name", "broker", "error", err)
	}

	return s, nil
}

// State current lifecycle state
func (s *Server) State() State {
	return State(s.state.Load())
}

// Health checks handler serving /live and /ready
func (s *Server) Health() healthcheck.Handler {
	return s.config.Health
}

// Metrics of broker
func (s *Server) Metrics() metrics.IFace {
	return s.config.Metrics
}

// Addrs bound listener addresses keyed by transport name
func (s *Server) Addrs() map[string]net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addrs := make(map[string]net.Addr, len(s.listeners))
	for _, l := range s.listeners {
		addrs[l.Protocol()] = l.Addr()
	}

	return addrs
}

// MonitoringAddr bound address of /live, /ready and /metrics endpoint. nil if disabled
func (s *Server) MonitoringAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.monitor == nil {
		return nil
	}

	return s.monitor.addr()
}

// Publish message on behalf of embedding application. Same guarantees as
// PUBLISH received from client
func (s *Server) Publish(ctx context.Context, topic string, payload []byte, qos types.QosType, retain bool) (uint64, error) {
	if s.State() != StateRunning {
		return 0, types.ErrNotRunning
	}

	s.mu.RLock()
	engine := s.engine
	s.mu.RUnlock()

	if engine == nil {
		return 0, types.ErrNotRunning
	}

	return engine.Publish(ctx, topic, payload, qos, retain)
}

// Start builds components and binds listeners. No-op while running.
// Failed start leaves broker stopped and is not retried
func (s *Server) Start() error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		switch s.State() {
		case StateRunning:
			return nil
		case StateStarting:
			return types.ErrAlreadyStarting
		default:
			return errors.Wrap(types.ErrNotRunning, "broker is stopping")
		}
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.log.Infow("Starting broker", "name", s.config.Broker.Broker.Name)

	if err := s.start(); err != nil {
		s.log.Errorw("Couldn't start broker", "error", err)
		s.teardown(false) // nolint: errcheck
		s.state.Store(int32(StateStopped))

		return err
	}

	s.state.Store(int32(StateRunning))

	for name, addr := range s.Addrs() {
		s.log.Infow("Listening", "transport", name, "addr", addr.String())
	}

	return nil
}

func (s *Server) start() error {
	cfg := s.config.Broker

	persistConfig, err := persistence.NewConfig(cfg.Persistence.Type, cfg.Persistence.Enabled, cfg.Persistence.Dir)
	if err != nil {
		return err
	}

	store, err := persistence.New(persistConfig)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.store = store
	s.mu.Unlock()

	deliveries, err := store.Deliveries()
	if err != nil {
		return types.PersistenceError(err)
	}

	sessionsStore, err := store.Sessions()
	if err != nil {
		return types.PersistenceError(err)
	}

	subsStore, err := store.Subscriptions()
	if err != nil {
		return types.PersistenceError(err)
	}

	retained, err := store.Retained()
	if err != nil {
		return types.PersistenceError(err)
	}

	topicsConfig := topics.NewConfig()
	topicsConfig.Name = cfg.Broker.Name
	topicsConfig.Persist = retained
	topicsConfig.MetricsSubs = s.config.Metrics.Subs()
	topicsConfig.MetricsDeliveries = s.config.Metrics.Deliveries()
	topicsConfig.MaxQoS = types.QosType(cfg.Delivery.MaxQoS)

	topicsMgr, err := topics.New(topicsConfig)
	if err != nil {
		return err
	}

	sessionsMgr, err := sessions.NewManager(sessions.Config{
		Topics:        topicsMgr,
		Deliveries:    deliveries,
		Sessions:      sessionsStore,
		Subscriptions: subsStore,
		Metrics:       s.config.Metrics.Clients(),
		Timing: sessions.Timing{
			RetryInterval: cfg.Delivery.RetryInterval,
			AckTimeout:    cfg.Delivery.AckTimeout,
			MaxRetries:    cfg.Delivery.MaxRetries,
			MaxInflight:   cfg.Delivery.MaxInflight,
		},
		Expiry: cfg.Sessions.Expiry,
	})
	if err != nil {
		topicsMgr.Shutdown() // nolint: errcheck
		return err
	}

	engineConfig := delivery.Config{
		Sessions:       sessionsMgr,
		Topics:         topicsMgr,
		Deliveries:     deliveries,
		Metrics:        s.config.Metrics.Deliveries(),
		Packets:        s.config.Metrics.Packets(),
		RetryInterval:  cfg.Delivery.RetryInterval,
		OfflineQoS0:    cfg.Delivery.OfflineQoS0,
		WriteTimeout:   cfg.Delivery.WriteTimeout,
		ConnectTimeout: cfg.Sessions.ConnectTimeout,
		KeepAlive:      cfg.Sessions.KeepAlive,
	}

	if c, ok := store.(persistenceTypes.Compactor); ok {
		engineConfig.Compactor = c
	}

	engine, err := delivery.New(engineConfig)
	if err != nil {
		sessionsMgr.Shutdown() // nolint: errcheck
		topicsMgr.Shutdown()   // nolint: errcheck
		return err
	}

	s.mu.Lock()
	s.topics = topicsMgr
	s.sessions = sessionsMgr
	s.engine = engine
	if cfg.Listeners.MaxConnections > 0 {
		s.pool = types.NewPool(cfg.Listeners.MaxConnections, 0)
	}
	s.mu.Unlock()

	listeners, err := s.bindListeners(engine)
	if err != nil {
		return err
	}

	if err = s.startMonitor(); err != nil {
		for _, l := range listeners {
			l.Close() // nolint: errcheck
		}
		return err
	}

	s.mu.Lock()
	s.listeners = listeners
	s.mu.Unlock()

	for _, l := range listeners {
		s.serve(l)
	}

	return s.startSysTree(engine, sessionsMgr)
}

func (s *Server) startSysTree(engine *delivery.Engine, sessionsMgr *sessions.Manager) error {
	cfg := s.config.Broker
	if cfg.Monitoring.SysInterval <= 0 {
		return nil
	}

	tree, err := systree.New(systree.Config{
		Broker:    cfg.Broker.Name,
		Version:   cfg.Version,
		Interval:  cfg.Monitoring.SysInterval,
		Publisher: engine,
		Stats: systree.Stats{
			ClientsConnected: func() uint64 {
				var n uint64
				for _, sess := range sessionsMgr.Sessions() {
					if sess.Online() {
						n++
					}
				}
				return n
			},
			SessionsTotal: func() uint64 {
				return uint64(sessionsMgr.Count())
			},
			LastSequence: engine.LastSequence,
		},
	})
	if err != nil {
		return err
	}

	tree.Start()

	s.mu.Lock()
	s.sysTree = tree
	s.mu.Unlock()

	return nil
}

func (s *Server) serve(l transport.Provider) {
	id := l.Protocol() + "://" + l.Addr().String()

	check := "listener:" + l.Protocol()
	err := s.config.Health.AddLivenessCheck(check, func() error {
		if e := l.Alive(); e != nil {
			return e
		}

		return healthcheck.TCPDialCheck(l.Addr().String(), 1*time.Second)()
	})
	if err != nil {
		s.log.Warnw("Couldn't add liveness check", "name", check, "error", err)
	}

	s.wgListeners.Add(1)
	go func() {
		defer s.wgListeners.Done()

		s.config.TransportStatus(id, "started")

		status := "stopped"
		if e := l.Serve(); e != nil {
			s.log.Errorw("Listener failed", "listener", id, "error", e)
			status = e.Error()
		}

		s.config.TransportStatus(id, status)
	}()
}

// Stop drains publishes within delivery.drainTimeout, closes listeners,
// connections and persistence. Pending deliveries stay persisted
func (s *Server) Stop() error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		switch s.State() {
		case StateStarting:
			return types.ErrAlreadyStarting
		case StateStopping:
			// wait for concurrent stop
			s.lock.Lock()
			s.lock.Unlock() // nolint: staticcheck
		}

		return nil
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.log.Infow("Stopping broker", "name", s.config.Broker.Broker.Name)

	err := s.teardown(true)

	s.state.Store(int32(StateStopped))

	s.log.Info("Broker stopped")

	return err
}

// teardown releases everything start managed to allocate
func (s *Server) teardown(drain bool) error {
	s.mu.RLock()
	engine := s.engine
	listeners := s.listeners
	tree := s.sysTree
	s.mu.RUnlock()

	if tree != nil {
		tree.Stop()
	}

	if drain && engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.Broker.Delivery.DrainTimeout)
		if err := engine.Drain(ctx); err != nil {
			s.log.Warnw("Drain incomplete, pending deliveries stay persisted", "error", err)
		}
		cancel()
	}

	// listeners first so no new connection shows up while engine goes down
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			s.log.Errorw("Close listener", "listener", l.Protocol(), "error", err)
		}

		if err := s.config.Health.RemoveLivenessCheck("listener:" + l.Protocol()); err != nil {
			s.log.Warnw("Couldn't remove liveness check", "name", "listener:"+l.Protocol(), "error", err)
		}
	}

	s.wgListeners.Wait()

	s.stopMonitor()

	if engine != nil {
		if err := engine.Shutdown(); err != nil {
			s.log.Errorw("Stop delivery engine", "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessions != nil {
		if err := s.sessions.Shutdown(); err != nil {
			s.log.Errorw("Stop session manager", "error", err)
		}
	}

	if s.topics != nil {
		if err := s.topics.Shutdown(); err != nil {
			s.log.Errorw("Stop topics manager", "error", err)
		}
	}

	if s.pool != nil {
		_ = s.pool.Close()
	}

	var err error
	if s.store != nil {
		if err = s.store.Shutdown(); err != nil {
			s.log.Errorw("Close persistence", "error", err)
			err = types.PersistenceError(err)
		}
	}

	s.store = nil
	s.topics = nil
	s.sessions = nil
	s.engine = nil
	s.pool = nil
	s.listeners = nil
	s.sysTree = nil

	return err
}
