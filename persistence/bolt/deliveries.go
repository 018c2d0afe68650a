package bolt

import (
	"encoding/binary"
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/marcestarlet/embroker/persistence/types"
)

// deliveries keeps one bucket per session, keyed by big-endian sequence id,
// so cursor order equals sequence order
type deliveries struct {
	db *dbStatus
}

func (d *deliveries) Append(records ...*persistenceTypes.Record) error {
	for _, r := range records {
		if err := persistenceTypes.ValidRecord(r); err != nil {
			return err
		}
	}

	return d.db.update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketDeliveries)
		meta := tx.Bucket(bucketMeta)

		var last uint64
		if v := meta.Get(keyLastSeq); len(v) == 8 {
			last = binary.BigEndian.Uint64(v)
		}

		for _, r := range records {
			sess, err := root.CreateBucketIfNotExists([]byte(r.SessionID))
			if err != nil {
				return err
			}

			data, err := json.Marshal(r)
			if err != nil {
				return err
			}

			if err = sess.Put(itob64(r.Seq()), data); err != nil {
				return err
			}

			if r.Seq() > last {
				last = r.Seq()
			}
		}

		return meta.Put(keyLastSeq, itob64(last))
	})
}

func (d *deliveries) Ack(sessionID string, seq uint64) (bool, error) {
	found := false

	err := d.db.update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketDeliveries)

		sess := root.Bucket([]byte(sessionID))
		if sess == nil {
			return nil
		}

		key := itob64(seq)
		if sess.Get(key) == nil {
			return nil
		}

		found = true
		if err := sess.Delete(key); err != nil {
			return err
		}

		// drop empty session bucket to keep file compact
		if k, _ := sess.Cursor().First(); k == nil {
			return root.DeleteBucket([]byte(sessionID))
		}

		return nil
	})

	return found, err
}

func (d *deliveries) SetState(sessionID string, seq uint64, state persistenceTypes.State, attempts int) error {
	return d.db.update(func(tx *bolt.Tx) error {
		sess := tx.Bucket(bucketDeliveries).Bucket([]byte(sessionID))
		if sess == nil {
			return persistenceTypes.ErrNotFound
		}

		key := itob64(seq)
		v := sess.Get(key)
		if v == nil {
			return persistenceTypes.ErrNotFound
		}

		r := &persistenceTypes.Record{}
		if err := json.Unmarshal(v, r); err != nil {
			return persistenceTypes.ErrBrokenEntry
		}

		r.State = state
		r.Attempts = attempts

		data, err := json.Marshal(r)
		if err != nil {
			return err
		}

		return sess.Put(key, data)
	})
}

func loadBucket(b *bolt.Bucket, res *[]*persistenceTypes.Record) error {
	return b.ForEach(func(k, v []byte) error {
		r := &persistenceTypes.Record{}
		if err := json.Unmarshal(v, r); err != nil || r.Message == nil {
			return persistenceTypes.ErrBrokenEntry
		}

		*res = append(*res, r)
		return nil
	})
}

func (d *deliveries) Load(sessionID string) ([]*persistenceTypes.Record, error) {
	var res []*persistenceTypes.Record

	err := d.db.view(func(tx *bolt.Tx) error {
		sess := tx.Bucket(bucketDeliveries).Bucket([]byte(sessionID))
		if sess == nil {
			return nil
		}

		return loadBucket(sess, &res)
	})

	return res, err
}

func (d *deliveries) Recover() ([]*persistenceTypes.Record, error) {
	var res []*persistenceTypes.Record

	err := d.db.view(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketDeliveries)

		return root.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}

			return loadBucket(root.Bucket(k), &res)
		})
	})

	if err != nil {
		return nil, err
	}

	persistenceTypes.SortRecords(res)

	return res, nil
}

func (d *deliveries) Purge(sessionID string) error {
	return d.db.update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketDeliveries)
		if root.Bucket([]byte(sessionID)) == nil {
			return nil
		}

		return root.DeleteBucket([]byte(sessionID))
	})
}

func (d *deliveries) LastSequence() (uint64, error) {
	var last uint64

	err := d.db.view(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyLastSeq); len(v) == 8 {
			last = binary.BigEndian.Uint64(v)
		}

		return nil
	})

	return last, err
}

func (d *deliveries) Reserve(seq uint64) error {
	return d.db.update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keyLastSeq); len(v) == 8 && binary.BigEndian.Uint64(v) >= seq {
			return nil
		}

		return meta.Put(keyLastSeq, itob64(seq))
	})
}
