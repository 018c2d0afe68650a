package systree

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/marcestarlet/embroker/types"
)

type published struct {
	topic   string
	payload string
	qos     types.QosType
	retain  bool
}

type recorder struct {
	lock sync.Mutex
	msgs []published
	err  error
}

func (r *recorder) Publish(_ context.Context, topic string, payload []byte, qos types.QosType, retain bool) (uint64, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.err != nil {
		return 0, r.err
	}

	r.msgs = append(r.msgs, published{topic, string(payload), qos, retain})
	return uint64(len(r.msgs)), nil
}

func (r *recorder) byTopic() map[string]published {
	r.lock.Lock()
	defer r.lock.Unlock()

	m := make(map[string]published)
	for _, p := range r.msgs {
		m[p.topic] = p
	}

	return m
}

func (r *recorder) count() int {
	r.lock.Lock()
	defer r.lock.Unlock()

	return len(r.msgs)
}

func TestConfig(t *testing.T) {
	_, err := New(Config{Interval: time.Second})
	require.True(t, errors.Is(err, types.ErrConfig))

	_, err = New(Config{Publisher: &recorder{}})
	require.True(t, errors.Is(err, types.ErrConfig))
}

func TestPublishesTree(t *testing.T) {
	rec := &recorder{}

	tr, err := New(Config{
		Broker:    "b1",
		Version:   "v1.2.3",
		Interval:  20 * time.Millisecond,
		Publisher: rec,
		Stats: Stats{
			ClientsConnected: func() uint64 { return 3 },
			LastSequence:     func() uint64 { return 42 },
		},
	})
	require.NoError(t, err)

	require.ElementsMatch(t, []string{
		"$SYS/embroker/b1/version",
		"$SYS/embroker/b1/uptime",
		"$SYS/embroker/b1/datetime",
		"$SYS/embroker/b1/clients/connected",
		"$SYS/embroker/b1/messages/lastSequence",
	}, tr.Topics())

	tr.Start()
	defer tr.Stop()

	msgs := rec.byTopic()
	require.Equal(t, published{"$SYS/embroker/b1/version", "v1.2.3", types.QoS0, true}, msgs["$SYS/embroker/b1/version"])
	require.Equal(t, "3", msgs["$SYS/embroker/b1/clients/connected"].payload)
	require.Equal(t, "42", msgs["$SYS/embroker/b1/messages/lastSequence"].payload)

	_, err = time.Parse(time.RFC3339, msgs["$SYS/embroker/b1/datetime"].payload)
	require.NoError(t, err)

	first := rec.count()
	require.Eventually(t, func() bool { return rec.count() > first }, time.Second, 5*time.Millisecond)

	tr.Stop()
	stopped := rec.count()
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, stopped, rec.count())
}

func TestPublishFailureStopsRound(t *testing.T) {
	rec := &recorder{err: types.ErrNotRunning}

	tr, err := New(Config{Broker: "b", Interval: time.Hour, Publisher: rec})
	require.NoError(t, err)

	tr.Start()
	tr.Stop()

	require.Zero(t, rec.count())
}
