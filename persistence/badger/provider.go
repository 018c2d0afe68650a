package badger

import (
	"encoding/binary"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/marcestarlet/embroker/persistence/types"
)

// Key layout. Session ids are length prefixed so that a prefix scan of one
// session never runs into another session sharing leading characters:
//   - deliveries:    d/{len}{sid}{seq}
//   - bodies:        b/{seq}
//   - body refs:     c/{seq}
//   - sessions:      s/{sid}
//   - subscriptions: u/{len}{sid}{filter}
//   - retained:      r/{topic}
//   - last sequence: m/lastSeq
var (
	prefixDeliveries    = []byte("d/")
	prefixBodies        = []byte("b/")
	prefixRefs          = []byte("c/")
	prefixSessions      = []byte("s/")
	prefixSubscriptions = []byte("u/")
	prefixRetained      = []byte("r/")

	keyLastSeq = []byte("m/lastSeq")
)

// gcDiscardRatio rewrite value log file when at least half of it is garbage
const gcDiscardRatio = 0.5

type dbStatus struct {
	db   *badger.DB
	done chan struct{}
	lock sync.RWMutex
	// serializes writers, lastSeq is read-modify-write
	wlock sync.Mutex
}

func (s *dbStatus) acquire() error {
	s.lock.RLock()

	select {
	case <-s.done:
		s.lock.RUnlock()
		return persistenceTypes.ErrNotOpen
	default:
	}

	return nil
}

func (s *dbStatus) release() {
	s.lock.RUnlock()
}

func (s *dbStatus) update(fn func(txn *badger.Txn) error) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	s.wlock.Lock()
	defer s.wlock.Unlock()

	return s.db.Update(fn)
}

func (s *dbStatus) view(fn func(txn *badger.Txn) error) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	return s.db.View(fn)
}

type impl struct {
	db dbStatus

	d    deliveries
	s    sessions
	subs subscriptions
	r    retained
}

var _ persistenceTypes.Compactor = (*impl)(nil)

// New allocate new persistence provider of badgerDB type
func New(config *persistenceTypes.BadgerConfig) (persistenceTypes.Provider, error) {
	if config == nil || config.Dir == "" {
		return nil, persistenceTypes.ErrInvalidArgs
	}

	opts := badger.DefaultOptions(config.Dir)
	opts.Logger = nil
	opts.SyncWrites = config.SyncWrites
	opts.NumVersionsToKeep = 1

	pl := &impl{
		db: dbStatus{
			done: make(chan struct{}),
		},
	}

	var err error
	if pl.db.db, err = badger.Open(opts); err != nil {
		return nil, err
	}

	pl.d = deliveries{db: &pl.db}
	pl.s = sessions{db: &pl.db}
	pl.subs = subscriptions{db: &pl.db}
	pl.r = retained{db: &pl.db}

	return pl, nil
}

func (p *impl) check() error {
	if err := p.db.acquire(); err != nil {
		return err
	}
	p.db.release()

	return nil
}

// Deliveries
func (p *impl) Deliveries() (persistenceTypes.Deliveries, error) {
	if err := p.check(); err != nil {
		return nil, err
	}

	return &p.d, nil
}

// Sessions
func (p *impl) Sessions() (persistenceTypes.Sessions, error) {
	if err := p.check(); err != nil {
		return nil, err
	}

	return &p.s, nil
}

// Subscriptions
func (p *impl) Subscriptions() (persistenceTypes.Subscriptions, error) {
	if err := p.check(); err != nil {
		return nil, err
	}

	return &p.subs, nil
}

// Retained
func (p *impl) Retained() (persistenceTypes.Retained, error) {
	if err := p.check(); err != nil {
		return nil, err
	}

	return &p.r, nil
}

// Compact runs one value log garbage collection round.
// Acked records leave stale entries in the append-only value log until rewritten
func (p *impl) Compact() error {
	if err := p.db.acquire(); err != nil {
		return err
	}
	defer p.db.release()

	err := p.db.db.RunValueLogGC(gcDiscardRatio)
	if err == badger.ErrNoRewrite || err == badger.ErrRejected {
		return nil
	}

	return err
}

// Shutdown provider
func (p *impl) Shutdown() error {
	p.db.lock.Lock()
	defer p.db.lock.Unlock()

	select {
	case <-p.db.done:
		return persistenceTypes.ErrNotOpen
	default:
	}

	close(p.db.done)

	return p.db.db.Close()
}

func sessionPrefix(prefix []byte, id string) []byte {
	key := make([]byte, 0, len(prefix)+2+len(id))
	key = append(key, prefix...)
	key = binary.BigEndian.AppendUint16(key, uint16(len(id)))
	return append(key, id...)
}

func deliveryKey(id string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(sessionPrefix(prefixDeliveries, id), seq)
}

// keys collects up to limit keys under prefix, limit 0 means all
func keys(txn *badger.Txn, prefix []byte, limit int) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	var res [][]byte
	for it.Rewind(); it.Valid() && (limit == 0 || len(res) < limit); it.Next() {
		res = append(res, it.Item().KeyCopy(nil))
	}

	return res
}

// forEach walks values under prefix in key order
func forEach(txn *badger.Txn, prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		key := item.Key()

		if err := item.Value(func(val []byte) error {
			return fn(key, val)
		}); err != nil {
			return err
		}
	}

	return nil
}
