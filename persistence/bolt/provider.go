package bolt

import (
	"encoding/binary"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/marcestarlet/embroker/persistence/types"
)

var (
	bucketDeliveries    = []byte("deliveries")
	bucketMeta          = []byte("meta")
	bucketRetained      = []byte("retained")
	bucketSessions      = []byte("sessions")
	bucketSubscriptions = []byte("subscriptions")

	keyLastSeq = []byte("lastSeq")
)

type dbStatus struct {
	db   *bolt.DB
	done chan struct{}
	// lock is held for reading by every transaction and for writing by Shutdown
	lock sync.RWMutex
}

// acquire checks store is open and blocks Shutdown until release
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

func (s *dbStatus) update(fn func(tx *bolt.Tx) error) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	return s.db.Update(fn)
}

func (s *dbStatus) view(fn func(tx *bolt.Tx) error) error {
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

// New allocate new persistence provider of boltDB type
func New(config *persistenceTypes.BoltDBConfig) (persistenceTypes.Provider, error) {
	if config == nil || config.File == "" {
		return nil, persistenceTypes.ErrInvalidArgs
	}

	pl := &impl{
		db: dbStatus{
			done: make(chan struct{}),
		},
	}

	var err error
	if pl.db.db, err = bolt.Open(config.File, 0600, &bolt.Options{Timeout: time.Second}); err != nil {
		return nil, err
	}

	pl.d = deliveries{db: &pl.db}
	pl.s = sessions{db: &pl.db}
	pl.subs = subscriptions{db: &pl.db}
	pl.r = retained{db: &pl.db}

	err = pl.db.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDeliveries, bucketMeta, bucketRetained, bucketSessions, bucketSubscriptions} {
			if _, e := tx.CreateBucketIfNotExists(b); e != nil {
				return e
			}
		}

		return nil
	})

	if err != nil {
		pl.db.db.Close() // nolint: errcheck
		return nil, err
	}

	return pl, nil
}

// Deliveries
func (p *impl) Deliveries() (persistenceTypes.Deliveries, error) {
	if err := p.db.acquire(); err != nil {
		return nil, err
	}
	p.db.release()

	return &p.d, nil
}

// Sessions
func (p *impl) Sessions() (persistenceTypes.Sessions, error) {
	if err := p.db.acquire(); err != nil {
		return nil, err
	}
	p.db.release()

	return &p.s, nil
}

// Subscriptions
func (p *impl) Subscriptions() (persistenceTypes.Subscriptions, error) {
	if err := p.db.acquire(); err != nil {
		return nil, err
	}
	p.db.release()

	return &p.subs, nil
}

// Retained
func (p *impl) Retained() (persistenceTypes.Retained, error) {
	if err := p.db.acquire(); err != nil {
		return nil, err
	}
	p.db.release()

	return &p.r, nil
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

// itob64 returns an 8-byte big endian representation of v.
func itob64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
