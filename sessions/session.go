package sessions

import (
	"io"
	"sort"
	"sync"
	"time"

	"github.com/marcestarlet/embroker/persistence/types"
	"github.com/marcestarlet/embroker/types"
)

// Timing of outbound delivery window
type Timing struct {
	// RetryInterval between retransmissions of unacknowledged frame
	RetryInterval time.Duration
	// AckTimeout wait after last retransmission before delivery is dropped
	AckTimeout time.Duration
	// MaxRetries retransmissions of one frame
	MaxRetries int
	// MaxInflight sent but unacknowledged QoS 1/2 deliveries, 0 unlimited
	MaxInflight int
}

// Outbound snapshot of delivery to be written by connection loop
type Outbound struct {
	Message *types.Message
	QoS     types.QosType
	// State StateReleased means PUBREL must be written instead of PUBLISH
	State persistenceTypes.State
	Dup   bool
	// Attempts made including this one
	Attempts int
	// First delivery just moved from queue into inflight window
	First bool
}

type inflight struct {
	rec *persistenceTypes.Record
	due time.Time
}

// Session state of one client id
type Session struct {
	id     string
	clean  bool
	timing Timing

	lock         sync.Mutex
	conn         io.Closer
	notify       chan struct{}
	disconnected time.Time
	destroyed    bool

	subs map[string]types.QosType

	// queue not yet written records ordered by sequence id
	queue    []*persistenceTypes.Record
	inflight map[uint64]*inflight

	// received inbound QoS 2 ids waiting for PUBREL
	received map[uint64]struct{}
}

func newSession(id string, clean bool, timing Timing) *Session {
	return &Session{
		id:       id,
		clean:    clean,
		timing:   timing,
		notify:   make(chan struct{}, 1),
		subs:     make(map[string]types.QosType),
		inflight: make(map[uint64]*inflight),
		received: make(map[uint64]struct{}),
	}
}

// ID client id
func (s *Session) ID() string {
	return s.id
}

// Clean session does not survive disconnect
func (s *Session) Clean() bool {
	return s.clean
}

// Online session has attached connection
func (s *Session) Online() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.conn != nil
}

// Owned reports conn is the connection currently attached
func (s *Session) Owned(conn io.Closer) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.conn != nil && s.conn == conn
}

// Conn attached connection or nil
func (s *Session) Conn() io.Closer {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.conn
}

// Notify channel of current attachment. Signalled when there is something to write
func (s *Session) Notify() <-chan struct{} {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.notify
}

// Subscriptions filters with granted QoS
func (s *Session) Subscriptions() map[string]types.QosType {
	s.lock.Lock()
	defer s.lock.Unlock()

	res := make(map[string]types.QosType, len(s.subs))
	for f, q := range s.subs {
		res[f] = q
	}

	return res
}

func (s *Session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// attach connection. Returns previous one if session was taken over
func (s *Session) attach(conn io.Closer, now time.Time) io.Closer {
	s.lock.Lock()
	defer s.lock.Unlock()

	prev := s.conn
	s.conn = conn
	s.notify = make(chan struct{}, 1)
	s.disconnected = time.Time{}

	// everything sent over previous connection is due right away with fresh retry budget
	for _, e := range s.inflight {
		e.rec.Attempts = 0
		e.due = now
	}

	s.signal()

	return prev
}

// detach connection if it is the attached one
func (s *Session) detach(conn io.Closer, now time.Time) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.conn == nil || s.conn != conn {
		return false
	}

	s.conn = nil
	s.disconnected = now

	return true
}

// Enqueue records for delivery, keeping sequence order.
// Returns false if session has been destroyed
func (s *Session) Enqueue(records ...*persistenceTypes.Record) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.destroyed {
		return false
	}

	for _, r := range records {
		if _, ok := s.inflight[r.Seq()]; ok {
			continue
		}

		n := len(s.queue)
		if n == 0 || s.queue[n-1].Seq() < r.Seq() {
			s.queue = append(s.queue, r)
			continue
		}

		i := sort.Search(n, func(i int) bool { return s.queue[i].Seq() >= r.Seq() })
		if s.queue[i].Seq() == r.Seq() {
			continue
		}

		s.queue = append(s.queue, nil)
		copy(s.queue[i+1:], s.queue[i:])
		s.queue[i] = r
	}

	if s.conn != nil {
		s.signal()
	}

	return true
}

// Wake signals connection loop if session is online
func (s *Session) Wake() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.conn != nil {
		s.signal()
	}
}

func (e *inflight) snapshot(dup bool) Outbound {
	return Outbound{
		Message:  e.rec.Message,
		QoS:      e.rec.QoS,
		State:    e.rec.State,
		Dup:      dup,
		Attempts: e.rec.Attempts,
	}
}

// Outgoing returns what conn has to write now: due retransmissions first,
// then queued records as long as inflight window allows. Returns nothing
// when conn is not the attached connection
func (s *Session) Outgoing(conn io.Closer, now time.Time) []Outbound {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.conn == nil || s.conn != conn {
		return nil
	}

	var res []Outbound

	for _, seq := range s.inflightIDs() {
		e := s.inflight[seq]
		if e.due.After(now) || e.rec.Attempts > s.timing.MaxRetries {
			continue
		}

		e.rec.Attempts++
		e.due = s.nextDue(e.rec.Attempts, now)

		res = append(res, e.snapshot(e.rec.State == persistenceTypes.StateSent))
	}

	for len(s.queue) > 0 {
		rec := s.queue[0]

		if rec.QoS > types.QoS0 && s.timing.MaxInflight > 0 && len(s.inflight) >= s.timing.MaxInflight {
			break
		}

		s.queue[0] = nil
		s.queue = s.queue[1:]

		if rec.QoS == types.QoS0 {
			res = append(res, Outbound{Message: rec.Message, QoS: types.QoS0, State: persistenceTypes.StateSent, Attempts: 1, First: true})
			continue
		}

		// recovered records were written before restart
		dup := rec.State == persistenceTypes.StateSent
		if rec.State == persistenceTypes.StateUnsent {
			rec.State = persistenceTypes.StateSent
		}

		rec.Attempts = 1
		e := &inflight{rec: rec, due: s.nextDue(1, now)}
		s.inflight[rec.Seq()] = e

		o := e.snapshot(dup)
		o.First = true
		res = append(res, o)
	}

	return res
}

func (s *Session) nextDue(attempts int, now time.Time) time.Time {
	if attempts > s.timing.MaxRetries {
		return now.Add(s.timing.AckTimeout)
	}

	return now.Add(s.timing.RetryInterval)
}

func (s *Session) inflightIDs() []uint64 {
	ids := make([]uint64, 0, len(s.inflight))
	for seq := range s.inflight {
		ids = append(ids, seq)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// Acknowledge completes delivery on PUBACK (QoS 1) or PUBCOMP (QoS 2).
// Returns false for unknown id or id in unexpected state
func (s *Session) Acknowledge(seq uint64, qos types.QosType) (*persistenceTypes.Record, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	e, ok := s.inflight[seq]
	if !ok || e.rec.QoS != qos {
		return nil, false
	}

	if qos == types.QoS2 && e.rec.State != persistenceTypes.StateReleased {
		return nil, false
	}

	delete(s.inflight, seq)
	e.rec.State = persistenceTypes.StateAcked

	if len(s.queue) > 0 {
		s.signal()
	}

	return e.rec, true
}

// Release moves QoS 2 delivery to released state on PUBREC.
// Returns true if PUBREL has to be written, duplicate PUBREC included
func (s *Session) Release(seq uint64, now time.Time) (*persistenceTypes.Record, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	e, ok := s.inflight[seq]
	if !ok || e.rec.QoS != types.QoS2 {
		return nil, false
	}

	if e.rec.State != persistenceTypes.StateReleased {
		e.rec.State = persistenceTypes.StateReleased
		e.rec.Attempts = 1
	}

	e.due = s.nextDue(e.rec.Attempts, now)

	return e.rec, true
}

// Expired removes deliveries that exhausted retry budget.
// Offline sessions keep everything until resumed
func (s *Session) Expired(now time.Time) []*persistenceTypes.Record {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.conn == nil {
		return nil
	}

	var res []*persistenceTypes.Record
	for _, seq := range s.inflightIDs() {
		e := s.inflight[seq]
		if e.rec.Attempts > s.timing.MaxRetries && !e.due.After(now) {
			delete(s.inflight, seq)
			res = append(res, e.rec)
		}
	}

	return res
}

// HasDue reports some inflight delivery has to be retransmitted
func (s *Session) HasDue(now time.Time) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.conn == nil {
		return false
	}

	for _, e := range s.inflight {
		if !e.due.After(now) && e.rec.Attempts <= s.timing.MaxRetries {
			return true
		}
	}

	return false
}

// Pending queued and inflight deliveries
func (s *Session) Pending() (queued int, inflight int) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.queue), len(s.inflight)
}

// ReceiveInbound remembers QoS 2 id of publisher. Returns false for duplicate
func (s *Session) ReceiveInbound(id uint64) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.received[id]; ok {
		return false
	}

	s.received[id] = struct{}{}
	return true
}

// ReleaseInbound forgets QoS 2 id of publisher on PUBREL
func (s *Session) ReleaseInbound(id uint64) {
	s.lock.Lock()
	delete(s.received, id)
	s.lock.Unlock()
}

// destroy drops every pending delivery
func (s *Session) destroy() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.destroyed = true
	s.queue = nil
	s.inflight = make(map[uint64]*inflight)
	s.received = make(map[uint64]struct{})
	s.subs = make(map[string]types.QosType)
}

func (s *Session) offlineSince() (time.Time, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.disconnected, s.conn == nil
}
