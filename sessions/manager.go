package sessions

import (
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/marcestarlet/embroker/configuration"
	"github.com/marcestarlet/embroker/metrics"
	"github.com/marcestarlet/embroker/persistence/types"
	"github.com/marcestarlet/embroker/topics"
	"github.com/marcestarlet/embroker/types"
)

var (
	// ErrSessionActive session has attached connection
	ErrSessionActive = errors.New("session is active")
)

// Config manager configuration
type Config struct {
	// Topics manager for all the client subscriptions
	Topics topics.Provider

	Deliveries    persistenceTypes.Deliveries
	Sessions      persistenceTypes.Sessions
	Subscriptions persistenceTypes.Subscriptions

	Metrics metrics.Clients

	Timing Timing

	// Expiry of offline durable sessions. 0 keeps them until Expire
	Expiry time.Duration
}

type nopClients struct{}

func (nopClients) OnConnected()        {}
func (nopClients) OnDisconnected(bool) {}
func (nopClients) OnResumed()          {}
func (nopClients) OnTakeover()         {}
func (nopClients) OnExpired(int)       {}
func (nopClients) OnRejected()         {}

// Manager of client sessions
type Manager struct {
	config Config
	log    *zap.SugaredLogger

	lock     sync.Mutex
	sessions map[string]*Session

	quit     chan struct{}
	wgExpiry sync.WaitGroup
}

// NewManager alloc new manager and restore durable sessions with their subscriptions.
// Restored sessions stay offline until their client connects
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Topics == nil || cfg.Deliveries == nil || cfg.Sessions == nil || cfg.Subscriptions == nil {
		return nil, errors.New("sessions: incomplete config")
	}

	if cfg.Metrics == nil {
		cfg.Metrics = nopClients{}
	}

	m := &Manager{
		config:   cfg,
		log:      configuration.GetLogger().Named("sessions"),
		sessions: make(map[string]*Session),
		quit:     make(chan struct{}),
	}

	now := time.Now()

	err := cfg.Sessions.Load(func(id string, state *persistenceTypes.SessionState) error {
		s := newSession(id, false, cfg.Timing)
		s.disconnected = state.Disconnected
		if s.disconnected.IsZero() {
			s.disconnected = now
		}

		m.sessions[id] = s
		return nil
	})
	if err != nil {
		return nil, types.PersistenceError(err)
	}

	err = cfg.Subscriptions.Load(func(id string, filter string, qos types.QosType) error {
		s, ok := m.sessions[id]
		if !ok {
			s = newSession(id, false, cfg.Timing)
			s.disconnected = now
			m.sessions[id] = s
		}

		granted, _, e := cfg.Topics.Subscribe(id, filter, qos)
		if e != nil {
			m.log.Warnw("Skip persisted subscription", "ClientID", id, "filter", filter, "error", e)
			return nil
		}

		s.subs[filter] = granted
		return nil
	})
	if err != nil {
		return nil, types.PersistenceError(err)
	}

	if len(m.sessions) > 0 {
		m.log.Infow("Restored durable sessions", "count", len(m.sessions))
	}

	if cfg.Expiry > 0 {
		m.wgExpiry.Add(1)
		go m.expiryWorker()
	}

	return m, nil
}

// Connect creates or resumes session of client id.
// Empty id is replaced by generated one for clean sessions and rejected for durable ones.
// Active session with same id is taken over, its connection closed
func (m *Manager) Connect(clientID string, clean bool, conn io.Closer) (*Session, bool, error) {
	select {
	case <-m.quit:
		return nil, false, types.ErrNotRunning
	default:
	}

	if len(clientID) == 0 {
		if !clean {
			m.config.Metrics.OnRejected()
			return nil, false, types.ErrInvalidClientID
		}

		clientID = uuid.NewString()
	}

	// serialize access to multiple connects
	m.lock.Lock()
	defer m.lock.Unlock()

	now := time.Now()
	present := false

	s, ok := m.sessions[clientID]
	if ok {
		if prev := s.Conn(); prev != nil {
			m.log.Infow("Session takeover", "ClientID", clientID, "error", types.ErrSessionConflict)
			m.config.Metrics.OnTakeover()

			// old connection loop exits on closed transport; its Disconnect is ignored
			// since connection no longer owns the session
			if s.detach(prev, now) {
				m.config.Metrics.OnDisconnected(false)
			}

			if err := prev.Close(); err != nil {
				m.log.Debugw("Close taken over connection", "ClientID", clientID, "error", err)
			}
		} else if !s.clean {
			m.config.Metrics.OnResumed()
		}

		if clean || s.clean {
			if err := m.purge(s); err != nil {
				return nil, false, err
			}
			ok = false
		} else {
			present = true
		}
	}

	if !ok {
		s = newSession(clientID, clean, m.config.Timing)

		if !clean {
			if err := m.config.Sessions.Store(clientID, &persistenceTypes.SessionState{}); err != nil {
				return nil, false, types.PersistenceError(err)
			}
		}

		m.sessions[clientID] = s
	}

	s.attach(conn, now)
	m.config.Metrics.OnConnected()

	m.log.Debugw("Session connected", "ClientID", clientID, "clean", clean, "present", present)

	return s, present, nil
}

// Disconnect detaches connection from session. Clean sessions are destroyed with their
// subscriptions and pending deliveries, durable ones stay and keep collecting deliveries.
// Calls with connection which no longer owns the session are ignored
func (m *Manager) Disconnect(clientID string, conn io.Closer) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	s, ok := m.sessions[clientID]
	if !ok {
		return nil
	}

	now := time.Now()
	if !s.detach(conn, now) {
		return nil
	}

	if s.clean {
		m.config.Metrics.OnDisconnected(false)
		return m.purge(s)
	}

	m.config.Metrics.OnDisconnected(true)

	if err := m.config.Sessions.Store(clientID, &persistenceTypes.SessionState{Disconnected: now}); err != nil {
		return types.PersistenceError(err)
	}

	m.log.Debugw("Session suspended", "ClientID", clientID)

	return nil
}

// Expire destroys offline session
func (m *Manager) Expire(clientID string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	s, ok := m.sessions[clientID]
	if !ok {
		return types.ErrNotFound
	}

	if s.Online() {
		return ErrSessionActive
	}

	if err := m.purge(s); err != nil {
		return err
	}

	m.config.Metrics.OnExpired(1)

	return nil
}

// purge removes session and everything it owns. Must be called with m.lock held
func (m *Manager) purge(s *Session) error {
	delete(m.sessions, s.id)

	m.config.Topics.UnSubscribeAll(s.id)
	s.destroy()

	var err error
	if e := m.config.Deliveries.Purge(s.id); e != nil {
		err = types.PersistenceError(e)
	}

	if !s.clean {
		if e := m.config.Subscriptions.Wipe(s.id); e != nil && err == nil {
			err = types.PersistenceError(e)
		}

		if e := m.config.Sessions.Delete(s.id); e != nil && err == nil {
			err = types.PersistenceError(e)
		}
	}

	if err != nil {
		m.log.Errorw("Purge session", "ClientID", s.id, "error", err)
	}

	return err
}

// Subscribe registers filter for session and persists it for durable sessions.
// Returns granted QoS and retained messages matching filter
func (m *Manager) Subscribe(s *Session, filter string, qos types.QosType) (types.QosType, []*types.Message, error) {
	granted, retained, err := m.config.Topics.Subscribe(s.id, filter, qos)
	if err != nil {
		return types.QosFailure, nil, err
	}

	s.lock.Lock()
	s.subs[filter] = granted
	s.lock.Unlock()

	if !s.clean {
		if err = m.config.Subscriptions.Store(s.id, filter, granted); err != nil {
			m.log.Errorw("Persist subscription", "ClientID", s.id, "filter", filter, "error", err)
		}
	}

	return granted, retained, nil
}

// Unsubscribe removes filter of session
func (m *Manager) Unsubscribe(s *Session, filter string) error {
	if err := m.config.Topics.UnSubscribe(s.id, filter); err != nil {
		return err
	}

	s.lock.Lock()
	delete(s.subs, filter)
	s.lock.Unlock()

	if !s.clean {
		if err := m.config.Subscriptions.Delete(s.id, filter); err != nil {
			m.log.Errorw("Delete persisted subscription", "ClientID", s.id, "filter", filter, "error", err)
		}
	}

	return nil
}

// Get session by client id
func (m *Manager) Get(clientID string) (*Session, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	s, ok := m.sessions[clientID]
	return s, ok
}

// Sessions snapshot ordered by client id
func (m *Manager) Sessions() []*Session {
	m.lock.Lock()
	res := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		res = append(res, s)
	}
	m.lock.Unlock()

	sort.Slice(res, func(i, j int) bool { return res[i].id < res[j].id })

	return res
}

// Count sessions
func (m *Manager) Count() int {
	m.lock.Lock()
	defer m.lock.Unlock()

	return len(m.sessions)
}

// Shutdown closes every attached connection. Durable state stays in persistence
func (m *Manager) Shutdown() error {
	select {
	case <-m.quit:
		return nil
	default:
	}

	close(m.quit)
	m.wgExpiry.Wait()

	for _, s := range m.Sessions() {
		if conn := s.Conn(); conn != nil {
			conn.Close() // nolint: errcheck
		}
	}

	return nil
}

func (m *Manager) expiryWorker() {
	defer m.wgExpiry.Done()

	period := m.config.Expiry / 2
	if period > time.Second {
		period = time.Second
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-m.quit:
			return
		case now := <-ticker.C:
			m.expireBefore(now.Add(-m.config.Expiry))
		}
	}
}

func (m *Manager) expireBefore(deadline time.Time) {
	m.lock.Lock()
	defer m.lock.Unlock()

	count := 0
	for id, s := range m.sessions {
		since, offline := s.offlineSince()
		if !offline || s.clean || since.After(deadline) {
			continue
		}

		m.log.Infow("Session expired", "ClientID", id, "offline", since)
		m.purge(s) // nolint: errcheck
		count++
	}

	if count > 0 {
		m.config.Metrics.OnExpired(count)
	}
}
