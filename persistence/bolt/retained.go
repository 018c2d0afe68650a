package bolt

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/marcestarlet/embroker/persistence/types"
	"github.com/marcestarlet/embroker/types"
)

type retained struct {
	db *dbStatus
}

// Store replaces retained message of the topic
func (r *retained) Store(msg *types.Message) error {
	if msg == nil {
		return persistenceTypes.ErrInvalidArgs
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return r.db.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRetained).Put([]byte(msg.Topic), data)
	})
}

func (r *retained) Delete(topic string) error {
	return r.db.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRetained).Delete([]byte(topic))
	})
}

func (r *retained) Load() ([]*types.Message, error) {
	var res []*types.Message

	err := r.db.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRetained).ForEach(func(k, v []byte) error {
			msg := &types.Message{}
			if err := json.Unmarshal(v, msg); err != nil {
				return persistenceTypes.ErrBrokenEntry
			}

			res = append(res, msg)
			return nil
		})
	})

	return res, err
}
