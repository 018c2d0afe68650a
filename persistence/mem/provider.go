package mem

import (
	"github.com/marcestarlet/embroker/persistence/types"
	"github.com/marcestarlet/embroker/types"
)

type dbStatus struct {
	done chan struct{}
}

func (s *dbStatus) isOpen() error {
	select {
	case <-s.done:
		return persistenceTypes.ErrNotOpen
	default:
	}

	return nil
}

type impl struct {
	status dbStatus

	d    deliveries
	s    sessions
	subs subscriptions
	r    retained
}

// New allocate new persistence provider of in memory type.
// Nothing survives process restart
func New(config *persistenceTypes.MemConfig) (persistenceTypes.Provider, error) {
	if config == nil {
		return nil, persistenceTypes.ErrInvalidArgs
	}

	pl := &impl{}

	pl.status.done = make(chan struct{})

	pl.d = deliveries{
		status:  &pl.status,
		records: make(map[string]map[uint64]*persistenceTypes.Record),
	}

	pl.s = sessions{
		status:   &pl.status,
		sessions: make(map[string]persistenceTypes.SessionState),
	}

	pl.subs = subscriptions{
		status: &pl.status,
		subs:   make(map[string]map[string]byte),
	}

	pl.r = retained{
		status:   &pl.status,
		messages: make(map[string]*types.Message),
	}

	return pl, nil
}

// Deliveries
func (p *impl) Deliveries() (persistenceTypes.Deliveries, error) {
	if err := p.status.isOpen(); err != nil {
		return nil, err
	}

	return &p.d, nil
}

// Sessions
func (p *impl) Sessions() (persistenceTypes.Sessions, error) {
	if err := p.status.isOpen(); err != nil {
		return nil, err
	}

	return &p.s, nil
}

// Subscriptions
func (p *impl) Subscriptions() (persistenceTypes.Subscriptions, error) {
	if err := p.status.isOpen(); err != nil {
		return nil, err
	}

	return &p.subs, nil
}

// Retained
func (p *impl) Retained() (persistenceTypes.Retained, error) {
	if err := p.status.isOpen(); err != nil {
		return nil, err
	}

	return &p.r, nil
}

// Shutdown provider
func (p *impl) Shutdown() error {
	if err := p.status.isOpen(); err != nil {
		return err
	}

	close(p.status.done)

	return nil
}
