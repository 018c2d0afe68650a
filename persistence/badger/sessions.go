package badger

import (
	"encoding/binary"
	"encoding/json"

	"github.com/dgraph-io/badger/v4"

	"github.com/marcestarlet/embroker/persistence/types"
	"github.com/marcestarlet/embroker/types"
)

type sessions struct {
	db *dbStatus
}

func (s *sessions) Store(id string, state *persistenceTypes.SessionState) error {
	if state == nil {
		return persistenceTypes.ErrInvalidArgs
	}

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	return s.db.update(func(txn *badger.Txn) error {
		return txn.Set(append(append([]byte{}, prefixSessions...), id...), data)
	})
}

func (s *sessions) Load(load func(string, *persistenceTypes.SessionState) error) error {
	return s.db.view(func(txn *badger.Txn) error {
		return forEach(txn, prefixSessions, func(key, val []byte) error {
			state := &persistenceTypes.SessionState{}
			if err := json.Unmarshal(val, state); err != nil {
				return persistenceTypes.ErrBrokenEntry
			}

			return load(string(key[len(prefixSessions):]), state)
		})
	})
}

func (s *sessions) Delete(id string) error {
	return s.db.update(func(txn *badger.Txn) error {
		return txn.Delete(append(append([]byte{}, prefixSessions...), id...))
	})
}

type subscriptions struct {
	db *dbStatus
}

func (s *subscriptions) Store(id string, filter string, qos types.QosType) error {
	return s.db.update(func(txn *badger.Txn) error {
		return txn.Set(append(sessionPrefix(prefixSubscriptions, id), filter...), []byte{byte(qos)})
	})
}

func (s *subscriptions) Load(load func(string, string, types.QosType) error) error {
	return s.db.view(func(txn *badger.Txn) error {
		return forEach(txn, prefixSubscriptions, func(key, val []byte) error {
			rest := key[len(prefixSubscriptions):]
			if len(rest) < 2 || len(val) != 1 {
				return persistenceTypes.ErrBrokenEntry
			}

			l := int(binary.BigEndian.Uint16(rest))
			if len(rest) < 2+l {
				return persistenceTypes.ErrBrokenEntry
			}

			return load(string(rest[2:2+l]), string(rest[2+l:]), types.QosType(val[0]))
		})
	})
}

func (s *subscriptions) Delete(id string, filter string) error {
	return s.db.update(func(txn *badger.Txn) error {
		return txn.Delete(append(sessionPrefix(prefixSubscriptions, id), filter...))
	})
}

func (s *subscriptions) Wipe(id string) error {
	return s.db.update(func(txn *badger.Txn) error {
		for _, k := range keys(txn, sessionPrefix(prefixSubscriptions, id), 0) {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
}

type retained struct {
	db *dbStatus
}

func retainedKey(topic string) []byte {
	return append(append([]byte{}, prefixRetained...), topic...)
}

func (r *retained) Store(msg *types.Message) error {
	if msg == nil {
		return persistenceTypes.ErrInvalidArgs
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return r.db.update(func(txn *badger.Txn) error {
		return txn.Set(retainedKey(msg.Topic), data)
	})
}

func (r *retained) Delete(topic string) error {
	return r.db.update(func(txn *badger.Txn) error {
		return txn.Delete(retainedKey(topic))
	})
}

func (r *retained) Load() ([]*types.Message, error) {
	var res []*types.Message

	err := r.db.view(func(txn *badger.Txn) error {
		return forEach(txn, prefixRetained, func(_, val []byte) error {
			msg := &types.Message{}
			if err := json.Unmarshal(val, msg); err != nil {
				return persistenceTypes.ErrBrokenEntry
			}

			res = append(res, msg)
			return nil
		})
	})

	return res, err
}
