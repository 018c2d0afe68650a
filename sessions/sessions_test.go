package sessions

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marcestarlet/embroker/persistence/mem"
	"github.com/marcestarlet/embroker/persistence/types"
	"github.com/marcestarlet/embroker/topics"
	"github.com/marcestarlet/embroker/types"
)

type fakeConn struct {
	closed atomic.Bool
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

var testTiming = Timing{
	RetryInterval: time.Second,
	AckTimeout:    2 * time.Second,
	MaxRetries:    2,
}

type fixture struct {
	store  persistenceTypes.Provider
	topics topics.Provider
	cfg    Config
}

func newFixture(t *testing.T) *fixture {
	store, err := mem.New(&persistenceTypes.MemConfig{})
	require.NoError(t, err)

	f := &fixture{store: store}
	f.topics, err = topics.New(topics.NewConfig())
	require.NoError(t, err)

	f.cfg = Config{Topics: f.topics, Timing: testTiming}
	f.cfg.Deliveries, err = store.Deliveries()
	require.NoError(t, err)
	f.cfg.Sessions, err = store.Sessions()
	require.NoError(t, err)
	f.cfg.Subscriptions, err = store.Subscriptions()
	require.NoError(t, err)

	return f
}

func (f *fixture) manager(t *testing.T) *Manager {
	m, err := NewManager(f.cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown() }) // nolint: errcheck
	return m
}

func record(sid string, seq uint64, qos types.QosType) *persistenceTypes.Record {
	return &persistenceTypes.Record{
		SessionID: sid,
		QoS:       qos,
		Message:   &types.Message{Seq: seq, Topic: "a/b", Payload: []byte("x"), QoS: qos},
	}
}

func seqsOf(out []Outbound) []uint64 {
	var res []uint64
	for _, o := range out {
		res = append(res, o.Message.Seq)
	}

	return res
}

func TestConnectClean(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)

	conn := &fakeConn{}
	s, present, err := m.Connect("c1", true, conn)
	require.NoError(t, err)
	require.False(t, present)
	require.True(t, s.Online())

	_, _, err = m.Subscribe(s, "a/+", types.QoS1)
	require.NoError(t, err)
	require.Len(t, f.topics.Matches("a/b"), 1)

	s.Enqueue(record("c1", 1, types.QoS1))
	require.NoError(t, f.cfg.Deliveries.Append(record("c1", 1, types.QoS1)))

	require.NoError(t, m.Disconnect("c1", conn))

	_, ok := m.Get("c1")
	require.False(t, ok)
	require.Empty(t, f.topics.Matches("a/b"))

	records, err := f.cfg.Deliveries.Load("c1")
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestConnectDurable(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)

	conn := &fakeConn{}
	s, present, err := m.Connect("c1", false, conn)
	require.NoError(t, err)
	require.False(t, present)

	_, _, err = m.Subscribe(s, "a/#", types.QoS2)
	require.NoError(t, err)

	require.NoError(t, m.Disconnect("c1", conn))

	s2, ok := m.Get("c1")
	require.True(t, ok)
	require.Same(t, s, s2)
	require.False(t, s.Online())
	require.Len(t, f.topics.Matches("a/b"), 1)

	s.Enqueue(record("c1", 5, types.QoS1))

	conn2 := &fakeConn{}
	s2, present, err = m.Connect("c1", false, conn2)
	require.NoError(t, err)
	require.True(t, present)
	require.Same(t, s, s2)

	out := s2.Outgoing(conn2, time.Now())
	require.Equal(t, []uint64{5}, seqsOf(out))
}

func TestCleanConnectDiscardsDurableState(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)

	conn := &fakeConn{}
	s, _, err := m.Connect("c1", false, conn)
	require.NoError(t, err)
	_, _, err = m.Subscribe(s, "a/b", types.QoS1)
	require.NoError(t, err)
	require.NoError(t, f.cfg.Deliveries.Append(record("c1", 1, types.QoS1)))
	require.NoError(t, m.Disconnect("c1", conn))

	s2, present, err := m.Connect("c1", true, &fakeConn{})
	require.NoError(t, err)
	require.False(t, present)
	require.NotSame(t, s, s2)
	require.Empty(t, s2.Subscriptions())
	require.Empty(t, f.topics.Matches("a/b"))

	records, err := f.cfg.Deliveries.Load("c1")
	require.NoError(t, err)
	require.Empty(t, records)

	require.NoError(t, f.cfg.Subscriptions.Load(func(string, string, types.QosType) error {
		t.Fatal("subscriptions must be wiped")
		return nil
	}))
}

func TestTakeover(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)

	old := &fakeConn{}
	s, _, err := m.Connect("c1", false, old)
	require.NoError(t, err)

	newConn := &fakeConn{}
	s2, present, err := m.Connect("c1", false, newConn)
	require.NoError(t, err)
	require.True(t, present)
	require.Same(t, s, s2)
	require.True(t, old.closed.Load())
	require.False(t, newConn.closed.Load())

	// late disconnect of replaced connection is ignored
	require.NoError(t, m.Disconnect("c1", old))
	require.True(t, s.Online())
	require.True(t, s.Owned(newConn))
	require.False(t, s.Owned(old))
	require.Nil(t, s.Outgoing(old, time.Now()))
}

func TestEmptyClientID(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)

	s, _, err := m.Connect("", true, &fakeConn{})
	require.NoError(t, err)
	require.NotEmpty(t, s.ID())

	s2, _, err := m.Connect("", true, &fakeConn{})
	require.NoError(t, err)
	require.NotEqual(t, s.ID(), s2.ID())

	_, _, err = m.Connect("", false, &fakeConn{})
	require.Equal(t, types.ErrInvalidClientID, err)
}

func TestExpire(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)

	conn := &fakeConn{}
	s, _, err := m.Connect("c1", false, conn)
	require.NoError(t, err)
	_, _, err = m.Subscribe(s, "a/b", types.QoS1)
	require.NoError(t, err)

	require.Equal(t, ErrSessionActive, m.Expire("c1"))
	require.NoError(t, m.Disconnect("c1", conn))
	require.NoError(t, m.Expire("c1"))
	require.Equal(t, types.ErrNotFound, m.Expire("c1"))
	require.Empty(t, f.topics.Matches("a/b"))
}

func TestExpiryWorker(t *testing.T) {
	f := newFixture(t)
	f.cfg.Expiry = 50 * time.Millisecond
	m := f.manager(t)

	conn := &fakeConn{}
	_, _, err := m.Connect("c1", false, conn)
	require.NoError(t, err)
	_, _, err = m.Connect("c2", false, &fakeConn{})
	require.NoError(t, err)
	require.NoError(t, m.Disconnect("c1", conn))

	require.Eventually(t, func() bool {
		_, ok := m.Get("c1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := m.Get("c2")
	require.True(t, ok)
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)

	conn := &fakeConn{}
	s, _, err := m.Connect("c1", false, conn)
	require.NoError(t, err)
	_, _, err = m.Subscribe(s, "a/+", types.QoS1)
	require.NoError(t, err)
	_, _, err = m.Subscribe(s, "b", types.QoS2)
	require.NoError(t, err)
	require.NoError(t, m.Unsubscribe(s, "b"))
	_, _, err = m.Connect("c2", false, &fakeConn{})
	require.NoError(t, err)
	require.NoError(t, m.Shutdown())

	// fresh registry, same persistence
	f.topics, err = topics.New(topics.NewConfig())
	require.NoError(t, err)
	f.cfg.Topics = f.topics

	m = f.manager(t)
	require.Equal(t, 2, m.Count())

	restored, ok := m.Get("c1")
	require.True(t, ok)
	require.False(t, restored.Online())
	require.Equal(t, map[string]types.QosType{"a/+": types.QoS1}, restored.Subscriptions())
	require.Equal(t, []topics.Subscription{{SessionID: "c1", QoS: types.QoS1}}, f.topics.Matches("a/x"))

	_, present, err := m.Connect("c1", false, &fakeConn{})
	require.NoError(t, err)
	require.True(t, present)
}

func TestShutdown(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)

	conn := &fakeConn{}
	_, _, err := m.Connect("c1", true, conn)
	require.NoError(t, err)

	require.NoError(t, m.Shutdown())
	require.True(t, conn.closed.Load())

	_, _, err = m.Connect("c2", true, &fakeConn{})
	require.Equal(t, types.ErrNotRunning, err)
}
