package badger

import (
	"encoding/binary"
	"encoding/json"

	"github.com/dgraph-io/badger/v4"

	"github.com/marcestarlet/embroker/persistence/types"
	"github.com/marcestarlet/embroker/types"
)

// purgeBatch delivery references deleted per transaction
const purgeBatch = 1000

// deliveries stores message body once per sequence id under b/{seq} with a
// reference counter under c/{seq}. Per session entries hold delivery state only,
// so fan-out of large payload stays far below transaction size limit
type deliveries struct {
	db *dbStatus
}

// deliveryRef per session part of record
type deliveryRef struct {
	QoS      types.QosType          `json:"qos"`
	State    persistenceTypes.State `json:"state"`
	Attempts int                    `json:"attempts"`
}

func seqKey(prefix []byte, seq uint64) []byte {
	key := make([]byte, 0, len(prefix)+8)
	key = append(key, prefix...)
	return binary.BigEndian.AppendUint64(key, seq)
}

// parseDeliveryKey splits d/{len}{sid}{seq}
func parseDeliveryKey(key []byte) (string, uint64, error) {
	rest := key[len(prefixDeliveries):]
	if len(rest) < 2 {
		return "", 0, persistenceTypes.ErrBrokenEntry
	}

	l := int(binary.BigEndian.Uint16(rest))
	rest = rest[2:]
	if len(rest) != l+8 {
		return "", 0, persistenceTypes.ErrBrokenEntry
	}

	return string(rest[:l]), binary.BigEndian.Uint64(rest[l:]), nil
}

func getUint64(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return 0, nil
	} else if err != nil {
		return 0, err
	}

	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return persistenceTypes.ErrBrokenEntry
		}

		v = binary.BigEndian.Uint64(val)
		return nil
	})

	return v, err
}

func lastSequence(txn *badger.Txn) (uint64, error) {
	return getUint64(txn, keyLastSeq)
}

// release drops one reference to body of seq, body goes with the last one
func release(txn *badger.Txn, seq uint64) error {
	refs, err := getUint64(txn, seqKey(prefixRefs, seq))
	if err != nil {
		return err
	}

	if refs <= 1 {
		if err = txn.Delete(seqKey(prefixRefs, seq)); err != nil {
			return err
		}

		return txn.Delete(seqKey(prefixBodies, seq))
	}

	return txn.Set(seqKey(prefixRefs, seq), binary.BigEndian.AppendUint64(nil, refs-1))
}

func (d *deliveries) Append(records ...*persistenceTypes.Record) error {
	for _, r := range records {
		if err := persistenceTypes.ValidRecord(r); err != nil {
			return err
		}
	}

	return d.db.update(func(txn *badger.Txn) error {
		last, err := lastSequence(txn)
		if err != nil {
			return err
		}

		added := make(map[uint64]uint64)
		bodies := make(map[uint64]*types.Message)
		var order []uint64

		for _, r := range records {
			key := deliveryKey(r.SessionID, r.Seq())

			if _, err = txn.Get(key); err == nil {
				// same delivery appended twice keeps one reference
				continue
			} else if err != badger.ErrKeyNotFound {
				return err
			}

			data, err := json.Marshal(&deliveryRef{QoS: r.QoS, State: r.State, Attempts: r.Attempts})
			if err != nil {
				return err
			}

			if err = txn.Set(key, data); err != nil {
				return err
			}

			if _, ok := added[r.Seq()]; !ok {
				order = append(order, r.Seq())
				bodies[r.Seq()] = r.Message
			}
			added[r.Seq()]++

			if r.Seq() > last {
				last = r.Seq()
			}
		}

		for _, seq := range order {
			refs, err := getUint64(txn, seqKey(prefixRefs, seq))
			if err != nil {
				return err
			}

			if refs == 0 {
				data, err := json.Marshal(bodies[seq])
				if err != nil {
					return err
				}

				if err = txn.Set(seqKey(prefixBodies, seq), data); err != nil {
					return err
				}
			}

			if err = txn.Set(seqKey(prefixRefs, seq), binary.BigEndian.AppendUint64(nil, refs+added[seq])); err != nil {
				return err
			}
		}

		return txn.Set(keyLastSeq, binary.BigEndian.AppendUint64(nil, last))
	})
}

func (d *deliveries) Ack(sessionID string, seq uint64) (bool, error) {
	found := false

	err := d.db.update(func(txn *badger.Txn) error {
		key := deliveryKey(sessionID, seq)

		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}

		found = true
		if err := txn.Delete(key); err != nil {
			return err
		}

		return release(txn, seq)
	})

	return found, err
}

func (d *deliveries) SetState(sessionID string, seq uint64, state persistenceTypes.State, attempts int) error {
	return d.db.update(func(txn *badger.Txn) error {
		key := deliveryKey(sessionID, seq)

		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return persistenceTypes.ErrNotFound
		} else if err != nil {
			return err
		}

		ref := &deliveryRef{}
		if err = item.Value(func(val []byte) error {
			return json.Unmarshal(val, ref)
		}); err != nil {
			return persistenceTypes.ErrBrokenEntry
		}

		ref.State = state
		ref.Attempts = attempts

		data, err := json.Marshal(ref)
		if err != nil {
			return err
		}

		return txn.Set(key, data)
	})
}

// decodeRecord joins delivery references with their message bodies.
// Records of one sequence id share message
func decodeRecord(txn *badger.Txn, res *[]*persistenceTypes.Record) func(key, val []byte) error {
	bodies := make(map[uint64]*types.Message)

	return func(key, val []byte) error {
		sid, seq, err := parseDeliveryKey(key)
		if err != nil {
			return err
		}

		ref := &deliveryRef{}
		if err = json.Unmarshal(val, ref); err != nil {
			return persistenceTypes.ErrBrokenEntry
		}

		msg, ok := bodies[seq]
		if !ok {
			item, err := txn.Get(seqKey(prefixBodies, seq))
			if err == badger.ErrKeyNotFound {
				return persistenceTypes.ErrBrokenEntry
			} else if err != nil {
				return err
			}

			msg = &types.Message{}
			if err = item.Value(func(v []byte) error {
				return json.Unmarshal(v, msg)
			}); err != nil {
				return persistenceTypes.ErrBrokenEntry
			}

			bodies[seq] = msg
		}

		*res = append(*res, &persistenceTypes.Record{
			SessionID: sid,
			Message:   msg,
			QoS:       ref.QoS,
			State:     ref.State,
			Attempts:  ref.Attempts,
		})

		return nil
	}
}

func (d *deliveries) Load(sessionID string) ([]*persistenceTypes.Record, error) {
	var res []*persistenceTypes.Record

	err := d.db.view(func(txn *badger.Txn) error {
		return forEach(txn, sessionPrefix(prefixDeliveries, sessionID), decodeRecord(txn, &res))
	})

	return res, err
}

func (d *deliveries) Recover() ([]*persistenceTypes.Record, error) {
	var res []*persistenceTypes.Record

	err := d.db.view(func(txn *badger.Txn) error {
		return forEach(txn, prefixDeliveries, decodeRecord(txn, &res))
	})

	if err != nil {
		return nil, err
	}

	persistenceTypes.SortRecords(res)

	return res, nil
}

// Purge deletes references in batches so that backlog of any size fits
// transaction limits. Interrupted purge leaves a consistent shorter backlog
func (d *deliveries) Purge(sessionID string) error {
	prefix := sessionPrefix(prefixDeliveries, sessionID)

	for {
		count := 0

		err := d.db.update(func(txn *badger.Txn) error {
			batch := keys(txn, prefix, purgeBatch)
			count = len(batch)

			for _, k := range batch {
				_, seq, err := parseDeliveryKey(k)
				if err != nil {
					return err
				}

				if err = txn.Delete(k); err != nil {
					return err
				}

				if err = release(txn, seq); err != nil {
					return err
				}
			}

			return nil
		})

		if err != nil {
			return err
		}

		if count < purgeBatch {
			return nil
		}
	}
}

func (d *deliveries) LastSequence() (uint64, error) {
	var last uint64

	err := d.db.view(func(txn *badger.Txn) error {
		var err error
		last, err = lastSequence(txn)
		return err
	})

	return last, err
}

func (d *deliveries) Reserve(seq uint64) error {
	return d.db.update(func(txn *badger.Txn) error {
		last, err := lastSequence(txn)
		if err != nil || last >= seq {
			return err
		}

		return txn.Set(keyLastSeq, binary.BigEndian.AppendUint64(nil, seq))
	})
}
