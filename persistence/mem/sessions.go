package mem

import (
	"sync"

	"github.com/marcestarlet/embroker/persistence/types"
	"github.com/marcestarlet/embroker/types"
)

type sessions struct {
	status *dbStatus

	lock     sync.Mutex
	sessions map[string]persistenceTypes.SessionState
}

// Store session state
func (s *sessions) Store(id string, state *persistenceTypes.SessionState) error {
	if err := s.status.isOpen(); err != nil {
		return err
	}

	if state == nil {
		return persistenceTypes.ErrInvalidArgs
	}

	s.lock.Lock()
	s.sessions[id] = *state
	s.lock.Unlock()

	return nil
}

// Load
func (s *sessions) Load(load func(string, *persistenceTypes.SessionState) error) error {
	if err := s.status.isOpen(); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	for id, state := range s.sessions {
		st := state
		if err := load(id, &st); err != nil {
			return err
		}
	}

	return nil
}

// Delete
func (s *sessions) Delete(id string) error {
	if err := s.status.isOpen(); err != nil {
		return err
	}

	s.lock.Lock()
	delete(s.sessions, id)
	s.lock.Unlock()

	return nil
}

type subscriptions struct {
	status *dbStatus

	lock sync.Mutex
	subs map[string]map[string]byte
}

// Store
func (s *subscriptions) Store(id string, filter string, qos types.QosType) error {
	if err := s.status.isOpen(); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	sess, ok := s.subs[id]
	if !ok {
		sess = make(map[string]byte)
		s.subs[id] = sess
	}

	sess[filter] = byte(qos)

	return nil
}

// Load
func (s *subscriptions) Load(load func(string, string, types.QosType) error) error {
	if err := s.status.isOpen(); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	for id, sess := range s.subs {
		for filter, qos := range sess {
			if err := load(id, filter, types.QosType(qos)); err != nil {
				return err
			}
		}
	}

	return nil
}

// Delete
func (s *subscriptions) Delete(id string, filter string) error {
	if err := s.status.isOpen(); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if sess, ok := s.subs[id]; ok {
		delete(sess, filter)
		if len(sess) == 0 {
			delete(s.subs, id)
		}
	}

	return nil
}

// Wipe
func (s *subscriptions) Wipe(id string) error {
	if err := s.status.isOpen(); err != nil {
		return err
	}

	s.lock.Lock()
	delete(s.subs, id)
	s.lock.Unlock()

	return nil
}
