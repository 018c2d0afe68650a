package types

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolBoundsWorkers(t *testing.T) {
	p := NewPool(1, 0)
	defer p.Close() // nolint: errcheck

	release := make(chan struct{})
	started := make(chan struct{})

	err := p.Schedule(func() {
		close(started)
		<-release
	})
	require.NoError(t, err)

	<-started

	err = p.ScheduleTimeout(50*time.Millisecond, func() {})
	require.Equal(t, ErrScheduleTimeout, err)

	close(release)

	done := make(chan struct{})
	require.Eventually(t, func() bool {
		return p.ScheduleTimeout(50*time.Millisecond, func() { close(done) }) == nil
	}, time.Second, 10*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task not executed")
	}
}

func TestPoolUnbounded(t *testing.T) {
	p := NewPool(0, 0)

	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Schedule(wg.Done))
	}
	wg.Wait()

	require.NoError(t, p.Close())
	require.Equal(t, ErrPoolClosed, p.Schedule(func() {}))
}
