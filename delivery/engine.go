// Package delivery routes published messages to subscribed sessions and runs
// the per-connection protocol loop: QoS 1 and QoS 2 handshakes, retransmission
// of unacknowledged deliveries and retained message hand-off on subscribe.
package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/marcestarlet/embroker/configuration"
	"github.com/marcestarlet/embroker/metrics"
	"github.com/marcestarlet/embroker/packet"
	"github.com/marcestarlet/embroker/persistence/types"
	"github.com/marcestarlet/embroker/sessions"
	"github.com/marcestarlet/embroker/topics"
	"github.com/marcestarlet/embroker/types"
)

const (
	defaultCompactInterval = time.Minute
	minSweepInterval       = 10 * time.Millisecond

	// seqBlock sequence ids reserved in persistence at once
	seqBlock = 1024
)

// Config of delivery engine
type Config struct {
	Sessions   *sessions.Manager
	Topics     topics.Provider
	Deliveries persistenceTypes.Deliveries

	// Compactor reclaims persistence space, optional
	Compactor       persistenceTypes.Compactor
	CompactInterval time.Duration

	Metrics metrics.Deliveries
	Packets metrics.Packets

	// RetryInterval period of retransmit sweep
	RetryInterval time.Duration

	// OfflineQoS0 queue QoS 0 deliveries for offline durable sessions
	OfflineQoS0 bool

	// ConnectTimeout wait for CONNECT after accept
	ConnectTimeout time.Duration

	// KeepAlive used when client does not request one. 0 disables
	KeepAlive time.Duration

	// WriteTimeout closes connection of client not reading its frames. 0 disables
	WriteTimeout time.Duration
}

// Engine delivery engine
type Engine struct {
	config Config
	log    *zap.SugaredLogger

	// pubLock orders sequence assignment, persistence append and queueing
	pubLock  sync.Mutex
	seq      uint64
	reserved uint64

	drainLock sync.Mutex
	draining  bool
	closed    bool
	inflight  sync.WaitGroup

	quit    chan struct{}
	wgSweep sync.WaitGroup
	wgConns sync.WaitGroup
	once    sync.Once
}

// New creates engine, requeues persisted deliveries into restored sessions and
// starts the retransmit sweep
func New(config Config) (*Engine, error) {
	if config.Sessions == nil || config.Topics == nil || config.Deliveries == nil {
		return nil, errors.New("delivery: incomplete config")
	}

	if config.RetryInterval <= 0 {
		return nil, types.ConfigError("delivery.retryInterval", "must be positive")
	}

	if config.Metrics == nil {
		config.Metrics = nopDeliveries{}
	}

	if config.Packets == nil {
		config.Packets = nopPackets{}
	}

	if config.CompactInterval <= 0 {
		config.CompactInterval = defaultCompactInterval
	}

	e := &Engine{
		config: config,
		log:    configuration.GetLogger().Named("delivery"),
		quit:   make(chan struct{}),
	}

	if err := e.recover(); err != nil {
		return nil, err
	}

	e.wgSweep.Add(1)
	go e.sweepWorker()

	return e, nil
}

func (e *Engine) recover() error {
	last, err := e.config.Deliveries.LastSequence()
	if err != nil {
		return types.PersistenceError(err)
	}

	for _, msg := range e.config.Topics.Retained(topics.MWC) {
		if msg.Seq > last {
			last = msg.Seq
		}
	}

	e.seq = last
	e.reserved = last

	records, err := e.config.Deliveries.Recover()
	if err != nil {
		return types.PersistenceError(err)
	}

	bySession := make(map[string][]*persistenceTypes.Record)
	var order []string
	for _, r := range records {
		if _, ok := bySession[r.SessionID]; !ok {
			order = append(order, r.SessionID)
		}
		bySession[r.SessionID] = append(bySession[r.SessionID], r)
	}

	restored := 0
	for _, id := range order {
		s, ok := e.config.Sessions.Get(id)
		if !ok || s.Clean() || !s.Enqueue(bySession[id]...) {
			// session gone while its records were being appended
			e.log.Debugw("Purge orphan deliveries", "ClientID", id, "count", len(bySession[id]))
			if err = e.config.Deliveries.Purge(id); err != nil {
				return types.PersistenceError(err)
			}
			continue
		}

		restored += len(bySession[id])
	}

	if restored > 0 {
		e.log.Infow("Recovered pending deliveries", "count", restored, "sessions", len(order), "lastSeq", last)
	}

	return nil
}

func (e *Engine) enter() error {
	e.drainLock.Lock()
	defer e.drainLock.Unlock()

	if e.draining {
		return types.ErrNotRunning
	}

	e.inflight.Add(1)
	return nil
}

// Publish assigns next sequence id and fans message out to every matching session.
// Returns after deliveries of QoS 1 and 2 have been appended to persistence and
// everything has been queued, not after subscribers acknowledged.
// Fails with ErrPersistenceIO if append failed, nothing is delivered in that case
func (e *Engine) Publish(ctx context.Context, topic string, payload []byte, qos types.QosType, retain bool) (uint64, error) {
	if !qos.IsValid() {
		return 0, types.ErrInvalidQoS
	}

	if err := topics.ValidateTopic(topic); err != nil {
		return 0, err
	}

	if err := e.enter(); err != nil {
		return 0, err
	}
	defer e.inflight.Done()

	e.pubLock.Lock()
	defer e.pubLock.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// sequence is consumed even if publish fails below
	e.seq++
	seq := e.seq
	e.reserve(seq)

	msg := &types.Message{
		Seq:       seq,
		Topic:     topic,
		QoS:       qos,
		Retain:    retain,
		Published: time.Now(),
	}

	if len(payload) > 0 {
		msg.Payload = make([]byte, len(payload))
		copy(msg.Payload, payload)
	}

	if retain {
		if err := e.config.Topics.Retain(msg); err != nil {
			if qos > types.QoS0 {
				return 0, err
			}

			e.log.Warnw("Couldn't retain message", "topic", topic, "error", err)
		}
	}

	// subscribers known at publish time receive it as live message
	live := *msg
	live.Retain = false

	var targets []*sessions.Session
	var records []*persistenceTypes.Record
	var persist []*persistenceTypes.Record

	for _, sub := range e.config.Topics.Matches(topic) {
		s, ok := e.config.Sessions.Get(sub.SessionID)
		if !ok {
			continue
		}

		eff := types.MinQoS(qos, sub.QoS)
		if eff == types.QoS0 && !e.config.OfflineQoS0 && !s.Online() {
			e.config.Metrics.OnDropped("offline")
			continue
		}

		rec := &persistenceTypes.Record{
			SessionID: sub.SessionID,
			Message:   &live,
			QoS:       eff,
			State:     persistenceTypes.StateUnsent,
		}

		targets = append(targets, s)
		records = append(records, rec)
		if eff > types.QoS0 {
			persist = append(persist, rec)
		}
	}

	if len(persist) > 0 {
		if err := e.config.Deliveries.Append(persist...); err != nil {
			e.log.Errorw("Couldn't persist deliveries", "topic", topic, "seq", seq, "error", err)
			return 0, types.PersistenceError(err)
		}
	}

	for i, s := range targets {
		rec := records[i]
		if !s.Enqueue(rec) && rec.QoS > types.QoS0 {
			// session purged concurrently, its store entries must not outlive it
			if _, err := e.config.Deliveries.Ack(rec.SessionID, seq); err != nil {
				e.log.Warnw("Couldn't remove delivery of purged session", "ClientID", rec.SessionID, "seq", seq, "error", err)
			}
		}
	}

	e.config.Metrics.OnPublished(qos)

	return seq, nil
}

// reserve persists high-water mark ahead of seq so ids of messages never
// persisted are not handed out again after restart
func (e *Engine) reserve(seq uint64) {
	if seq <= e.reserved {
		return
	}

	mark := seq + seqBlock - 1
	if err := e.config.Deliveries.Reserve(mark); err != nil {
		e.log.Warnw("Couldn't reserve sequence ids", "seq", seq, "error", err)
		return
	}

	e.reserved = mark
}

// subscribe registers filter and queues its retained messages inside ordered
// publish section. Concurrent publish on matching topic reaches session either
// as retained copy or as live message, never both
func (e *Engine) subscribe(s *sessions.Session, filter string, qos types.QosType) (types.QosType, int, error) {
	e.pubLock.Lock()
	defer e.pubLock.Unlock()

	granted, msgs, err := e.config.Sessions.Subscribe(s, filter, qos)
	if err != nil {
		return types.QosFailure, 0, err
	}

	e.deliverRetained(s, granted, msgs)

	return granted, len(msgs), nil
}

// deliverRetained queues retained messages to session that just subscribed with granted QoS
func (e *Engine) deliverRetained(s *sessions.Session, granted types.QosType, msgs []*types.Message) {
	for _, msg := range msgs {
		eff := types.MinQoS(msg.QoS, granted)
		rec := &persistenceTypes.Record{
			SessionID: s.ID(),
			Message:   msg,
			QoS:       eff,
			State:     persistenceTypes.StateUnsent,
		}

		if eff > types.QoS0 {
			if err := e.config.Deliveries.Append(rec); err != nil {
				e.log.Errorw("Couldn't persist retained delivery", "ClientID", s.ID(), "topic", msg.Topic, "error", err)
				continue
			}
		}

		s.Enqueue(rec)
	}
}

// Drain refuses new publishes and waits until publishes in progress complete and
// online sessions have written out their queues, or ctx is done
func (e *Engine) Drain(ctx context.Context) error {
	e.drainLock.Lock()
	e.draining = true
	e.drainLock.Unlock()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	ticker := time.NewTicker(minSweepInterval)
	defer ticker.Stop()

	for {
		pending := 0
		for _, s := range e.config.Sessions.Sessions() {
			if s.Online() {
				q, _ := s.Pending()
				pending += q
			}
		}

		if pending == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			e.log.Warnw("Drain incomplete", "queued", pending)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown stops sweep and every connection loop. Pending deliveries stay in persistence
func (e *Engine) Shutdown() error {
	e.once.Do(func() {
		e.drainLock.Lock()
		e.draining = true
		e.closed = true
		close(e.quit)
		e.drainLock.Unlock()

		e.wgSweep.Wait()

		// loops blocked writing to stalled clients see quit only after their conn is gone
		for _, s := range e.config.Sessions.Sessions() {
			if conn := s.Conn(); conn != nil {
				conn.Close() // nolint: errcheck
			}
		}

		e.wgConns.Wait()
	})

	return nil
}

// LastSequence last assigned sequence id
func (e *Engine) LastSequence() uint64 {
	e.pubLock.Lock()
	defer e.pubLock.Unlock()

	return e.seq
}

func (e *Engine) sweepWorker() {
	defer e.wgSweep.Done()

	period := e.config.RetryInterval / 2
	if period < minSweepInterval {
		period = minSweepInterval
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	compact := time.NewTicker(e.config.CompactInterval)
	defer compact.Stop()

	for {
		select {
		case <-e.quit:
			return
		case now := <-ticker.C:
			e.sweep(now)
		case <-compact.C:
			if e.config.Compactor != nil {
				if err := e.config.Compactor.Compact(); err != nil {
					e.log.Warnw("Persistence compaction", "error", err)
				}
			}
		}
	}
}

// sweep drops deliveries that exhausted retry budget and wakes connections
// having retransmissions due
func (e *Engine) sweep(now time.Time) {
	for _, s := range e.config.Sessions.Sessions() {
		expired := s.Expired(now)
		for _, rec := range expired {
			e.log.Warnw("Delivery dropped",
				"ClientID", s.ID(),
				"seq", rec.Seq(),
				"qos", rec.QoS,
				"attempts", rec.Attempts,
				"error", types.ErrDeliveryTimeout)

			if _, err := e.config.Deliveries.Ack(s.ID(), rec.Seq()); err != nil {
				e.log.Errorw("Couldn't remove expired delivery", "ClientID", s.ID(), "seq", rec.Seq(), "error", err)
			}

			e.config.Metrics.OnDropped("timeout")
			e.config.Metrics.OnSubInflight(1)
		}

		if len(expired) > 0 {
			if conn := s.Conn(); conn != nil {
				conn.Close() // nolint: errcheck
			}
			continue
		}

		if s.HasDue(now) {
			s.Wake()
		}
	}
}

type nopDeliveries struct{}

func (nopDeliveries) OnPublished(types.QosType) {}
func (nopDeliveries) OnDelivered(types.QosType) {}
func (nopDeliveries) OnRetransmit()             {}
func (nopDeliveries) OnDropped(string)          {}
func (nopDeliveries) OnAddInflight(int)         {}
func (nopDeliveries) OnSubInflight(int)         {}
func (nopDeliveries) OnAddRetain()              {}
func (nopDeliveries) OnSubRetain()              {}

type nopPackets struct{}

func (nopPackets) OnSent(packet.Type) {}
func (nopPackets) OnRecv(packet.Type) {}
func (nopPackets) OnRejected(int)     {}
