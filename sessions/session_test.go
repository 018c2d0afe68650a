package sessions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marcestarlet/embroker/persistence/types"
	"github.com/marcestarlet/embroker/types"
)

func attached(timing Timing) (*Session, *fakeConn, time.Time) {
	s := newSession("c1", false, timing)
	conn := &fakeConn{}
	now := time.Unix(1000, 0)
	s.attach(conn, now)

	return s, conn, now
}

func TestEnqueueOrder(t *testing.T) {
	s, conn, now := attached(testTiming)

	s.Enqueue(record("c1", 3, types.QoS1), record("c1", 1, types.QoS1))
	s.Enqueue(record("c1", 2, types.QoS0), record("c1", 3, types.QoS1))

	out := s.Outgoing(conn, now)
	require.Equal(t, []uint64{1, 2, 3}, seqsOf(out))
	require.False(t, out[0].Dup)

	queued, inflight := s.Pending()
	require.Equal(t, 0, queued)
	require.Equal(t, 2, inflight)
}

func TestNotify(t *testing.T) {
	s, _, _ := attached(testTiming)

	notify := s.Notify()
	<-notify // attach signals

	s.Enqueue(record("c1", 1, types.QoS0))

	select {
	case <-notify:
	default:
		t.Fatal("enqueue must signal")
	}
}

func TestInflightWindow(t *testing.T) {
	timing := testTiming
	timing.MaxInflight = 2
	s, conn, now := attached(timing)

	for seq := uint64(1); seq <= 5; seq++ {
		s.Enqueue(record("c1", seq, types.QoS1))
	}

	require.Equal(t, []uint64{1, 2}, seqsOf(s.Outgoing(conn, now)))
	require.Empty(t, s.Outgoing(conn, now))

	_, ok := s.Acknowledge(1, types.QoS1)
	require.True(t, ok)
	require.Equal(t, []uint64{3}, seqsOf(s.Outgoing(conn, now)))
}

func TestRetransmitAndExpire(t *testing.T) {
	s, conn, now := attached(testTiming)

	s.Enqueue(record("c1", 1, types.QoS1))
	out := s.Outgoing(conn, now)
	require.Len(t, out, 1)
	require.Equal(t, 1, out[0].Attempts)

	require.False(t, s.HasDue(now.Add(500*time.Millisecond)))
	require.True(t, s.HasDue(now.Add(time.Second)))

	// two retransmissions, marked dup
	now = now.Add(time.Second)
	out = s.Outgoing(conn, now)
	require.Len(t, out, 1)
	require.True(t, out[0].Dup)
	require.Equal(t, 2, out[0].Attempts)

	now = now.Add(time.Second)
	out = s.Outgoing(conn, now)
	require.Len(t, out, 1)
	require.Equal(t, 3, out[0].Attempts)

	// budget exhausted, waiting ack timeout
	now = now.Add(time.Second)
	require.Empty(t, s.Outgoing(conn, now))
	require.Empty(t, s.Expired(now))

	now = now.Add(time.Second)
	expired := s.Expired(now)
	require.Len(t, expired, 1)
	require.Equal(t, uint64(1), expired[0].Seq())

	_, inflight := s.Pending()
	require.Equal(t, 0, inflight)
}

func TestQoS2Flow(t *testing.T) {
	s, conn, now := attached(testTiming)

	s.Enqueue(record("c1", 7, types.QoS2))
	s.Outgoing(conn, now)

	// PUBCOMP before PUBREC is ignored
	_, ok := s.Acknowledge(7, types.QoS2)
	require.False(t, ok)

	rec, ok := s.Release(7, now)
	require.True(t, ok)
	require.Equal(t, persistenceTypes.StateReleased, rec.State)

	// duplicate PUBREC still answered
	_, ok = s.Release(7, now)
	require.True(t, ok)

	// PUBREL retransmission
	out := s.Outgoing(conn, now.Add(time.Second))
	require.Len(t, out, 1)
	require.Equal(t, persistenceTypes.StateReleased, out[0].State)

	rec, ok = s.Acknowledge(7, types.QoS2)
	require.True(t, ok)
	require.Equal(t, persistenceTypes.StateAcked, rec.State)

	_, ok = s.Acknowledge(7, types.QoS2)
	require.False(t, ok)
}

func TestAckWrongQoS(t *testing.T) {
	s, conn, now := attached(testTiming)

	s.Enqueue(record("c1", 1, types.QoS1))
	s.Outgoing(conn, now)

	_, ok := s.Release(1, now)
	require.False(t, ok)
	_, ok = s.Acknowledge(1, types.QoS2)
	require.False(t, ok)
	_, ok = s.Acknowledge(99, types.QoS1)
	require.False(t, ok)
}

func TestResumeResends(t *testing.T) {
	s, conn, now := attached(testTiming)

	s.Enqueue(record("c1", 1, types.QoS1), record("c1", 2, types.QoS1))
	require.Len(t, s.Outgoing(conn, now), 2)

	require.True(t, s.detach(conn, now))
	s.Enqueue(record("c1", 3, types.QoS1))

	conn2 := &fakeConn{}
	s.attach(conn2, now)

	out := s.Outgoing(conn2, now)
	require.Equal(t, []uint64{1, 2, 3}, seqsOf(out))
	require.True(t, out[0].Dup)
	require.True(t, out[1].Dup)
	require.False(t, out[2].Dup)
}

func TestRecoveredRecords(t *testing.T) {
	s, conn, now := attached(testTiming)

	sent := record("c1", 1, types.QoS1)
	sent.State = persistenceTypes.StateSent
	released := record("c1", 2, types.QoS2)
	released.State = persistenceTypes.StateReleased

	s.Enqueue(sent, released)

	out := s.Outgoing(conn, now)
	require.Len(t, out, 2)
	require.True(t, out[0].Dup)
	require.Equal(t, persistenceTypes.StateReleased, out[1].State)
}

func TestInboundDedup(t *testing.T) {
	s := newSession("c1", true, testTiming)

	require.True(t, s.ReceiveInbound(1))
	require.False(t, s.ReceiveInbound(1))
	s.ReleaseInbound(1)
	require.True(t, s.ReceiveInbound(1))
}

func TestOfflineKeepsInflight(t *testing.T) {
	s, conn, now := attached(testTiming)

	s.Enqueue(record("c1", 1, types.QoS1))
	s.Outgoing(conn, now)
	require.True(t, s.detach(conn, now))

	require.Empty(t, s.Expired(now.Add(time.Hour)))
	require.False(t, s.HasDue(now.Add(time.Hour)))

	s.destroy()
	require.False(t, s.Enqueue(record("c1", 2, types.QoS1)))
}
