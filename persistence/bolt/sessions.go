package bolt

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

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

	return s.db.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(id), data)
	})
}

func (s *sessions) Load(load func(string, *persistenceTypes.SessionState) error) error {
	return s.db.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			state := &persistenceTypes.SessionState{}
			if err := json.Unmarshal(v, state); err != nil {
				return persistenceTypes.ErrBrokenEntry
			}

			return load(string(k), state)
		})
	})
}

func (s *sessions) Delete(id string) error {
	return s.db.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(id))
	})
}

// subscriptions nested bucket per session, filter -> granted QoS
type subscriptions struct {
	db *dbStatus
}

func (s *subscriptions) Store(id string, filter string, qos types.QosType) error {
	return s.db.update(func(tx *bolt.Tx) error {
		sess, err := tx.Bucket(bucketSubscriptions).CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return err
		}

		return sess.Put([]byte(filter), []byte{byte(qos)})
	})
}

func (s *subscriptions) Load(load func(string, string, types.QosType) error) error {
	return s.db.view(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketSubscriptions)

		return root.ForEach(func(id, v []byte) error {
			sess := root.Bucket(id)
			if sess == nil {
				return nil
			}

			return sess.ForEach(func(filter, qos []byte) error {
				if len(qos) != 1 {
					return persistenceTypes.ErrBrokenEntry
				}

				return load(string(id), string(filter), types.QosType(qos[0]))
			})
		})
	})
}

func (s *subscriptions) Delete(id string, filter string) error {
	return s.db.update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketSubscriptions)

		sess := root.Bucket([]byte(id))
		if sess == nil {
			return nil
		}

		if err := sess.Delete([]byte(filter)); err != nil {
			return err
		}

		if k, _ := sess.Cursor().First(); k == nil {
			return root.DeleteBucket([]byte(id))
		}

		return nil
	})
}

func (s *subscriptions) Wipe(id string) error {
	return s.db.update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketSubscriptions)
		if root.Bucket([]byte(id)) == nil {
			return nil
		}

		return root.DeleteBucket([]byte(id))
	})
}
