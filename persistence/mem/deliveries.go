package mem

import (
	"sync"

	"github.com/marcestarlet/embroker/persistence/types"
)

type deliveries struct {
	status *dbStatus

	lock    sync.Mutex
	records map[string]map[uint64]*persistenceTypes.Record
	lastSeq uint64
}

func copyRecord(r *persistenceTypes.Record) *persistenceTypes.Record {
	cp := *r
	cp.Message = r.Message.Copy()
	return &cp
}

// Append
func (d *deliveries) Append(records ...*persistenceTypes.Record) error {
	if err := d.status.isOpen(); err != nil {
		return err
	}

	for _, r := range records {
		if err := persistenceTypes.ValidRecord(r); err != nil {
			return err
		}
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	for _, r := range records {
		sess, ok := d.records[r.SessionID]
		if !ok {
			sess = make(map[uint64]*persistenceTypes.Record)
			d.records[r.SessionID] = sess
		}

		sess[r.Seq()] = copyRecord(r)

		if r.Seq() > d.lastSeq {
			d.lastSeq = r.Seq()
		}
	}

	return nil
}

// Ack
func (d *deliveries) Ack(sessionID string, seq uint64) (bool, error) {
	if err := d.status.isOpen(); err != nil {
		return false, err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	sess, ok := d.records[sessionID]
	if !ok {
		return false, nil
	}

	if _, ok = sess[seq]; !ok {
		return false, nil
	}

	delete(sess, seq)
	if len(sess) == 0 {
		delete(d.records, sessionID)
	}

	return true, nil
}

// SetState
func (d *deliveries) SetState(sessionID string, seq uint64, state persistenceTypes.State, attempts int) error {
	if err := d.status.isOpen(); err != nil {
		return err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	r, ok := d.records[sessionID][seq]
	if !ok {
		return persistenceTypes.ErrNotFound
	}

	r.State = state
	r.Attempts = attempts

	return nil
}

// Load
func (d *deliveries) Load(sessionID string) ([]*persistenceTypes.Record, error) {
	if err := d.status.isOpen(); err != nil {
		return nil, err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	var res []*persistenceTypes.Record
	for _, r := range d.records[sessionID] {
		res = append(res, copyRecord(r))
	}

	persistenceTypes.SortRecords(res)

	return res, nil
}

// Recover
func (d *deliveries) Recover() ([]*persistenceTypes.Record, error) {
	if err := d.status.isOpen(); err != nil {
		return nil, err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	var res []*persistenceTypes.Record
	for _, sess := range d.records {
		for _, r := range sess {
			res = append(res, copyRecord(r))
		}
	}

	persistenceTypes.SortRecords(res)

	return res, nil
}

// Purge
func (d *deliveries) Purge(sessionID string) error {
	if err := d.status.isOpen(); err != nil {
		return err
	}

	d.lock.Lock()
	delete(d.records, sessionID)
	d.lock.Unlock()

	return nil
}

// LastSequence
func (d *deliveries) LastSequence() (uint64, error) {
	if err := d.status.isOpen(); err != nil {
		return 0, err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	return d.lastSeq, nil
}

func (d *deliveries) Reserve(seq uint64) error {
	if err := d.status.isOpen(); err != nil {
		return err
	}

	d.lock.Lock()
	if seq > d.lastSeq {
		d.lastSeq = seq
	}
	d.lock.Unlock()

	return nil
}
