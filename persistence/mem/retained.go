package mem

import (
	"sync"

	"github.com/marcestarlet/embroker/persistence/types"
	"github.com/marcestarlet/embroker/types"
)

type retained struct {
	status *dbStatus

	lock     sync.Mutex
	messages map[string]*types.Message
}

// Store
func (r *retained) Store(msg *types.Message) error {
	if err := r.status.isOpen(); err != nil {
		return err
	}

	if msg == nil {
		return persistenceTypes.ErrInvalidArgs
	}

	r.lock.Lock()
	r.messages[msg.Topic] = msg.Copy()
	r.lock.Unlock()

	return nil
}

// Delete
func (r *retained) Delete(topic string) error {
	if err := r.status.isOpen(); err != nil {
		return err
	}

	r.lock.Lock()
	delete(r.messages, topic)
	r.lock.Unlock()

	return nil
}

// Load
func (r *retained) Load() ([]*types.Message, error) {
	if err := r.status.isOpen(); err != nil {
		return nil, err
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	res := make([]*types.Message, 0, len(r.messages))
	for _, m := range r.messages {
		res = append(res, m.Copy())
	}

	return res, nil
}
