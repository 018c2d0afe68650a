package types

import (
	"time"

	"github.com/pkg/errors"
)

// ErrScheduleTimeout returned by Pool when no worker got free in time
var ErrScheduleTimeout = errors.New("pool: schedule timed out")

// ErrPoolClosed pool does not accept tasks anymore
var ErrPoolClosed = errors.New("pool: closed")

// Pool bounds amount of goroutines serving connections.
// Each accepted connection occupies one worker for its lifetime
type Pool interface {
	Schedule(task func()) error
	ScheduleTimeout(timeout time.Duration, task func()) error
	Close() error
}

type pool struct {
	quit chan struct{}
	sem  chan struct{}
	work chan func()
}

// NewPool creates pool with at most size workers and a hand-off queue of given length.
// size <= 0 means unbounded
func NewPool(size, queue int) Pool {
	p := &pool{
		quit: make(chan struct{}),
		work: make(chan func(), queue),
	}

	if size > 0 {
		p.sem = make(chan struct{}, size)
	}

	return p
}

// Schedule blocks until task is handed to a worker
func (p *pool) Schedule(task func()) error {
	return p.schedule(task, nil)
}

// ScheduleTimeout same as Schedule but gives up after timeout
func (p *pool) ScheduleTimeout(timeout time.Duration, task func()) error {
	t := time.NewTimer(timeout)
	defer t.Stop()

	return p.schedule(task, t.C)
}

// Close stops handing out tasks. Running tasks are not interrupted
func (p *pool) Close() error {
	select {
	case <-p.quit:
	default:
		close(p.quit)
	}

	return nil
}

func (p *pool) schedule(task func(), timeout <-chan time.Time) error {
	select {
	case <-p.quit:
		return ErrPoolClosed
	default:
	}

	if p.sem == nil {
		go task()
		return nil
	}

	select {
	case <-p.quit:
		return ErrPoolClosed
	case <-timeout:
		return ErrScheduleTimeout
	case p.work <- task:
		return nil
	case p.sem <- struct{}{}:
		go p.worker(task)
		return nil
	}
}

func (p *pool) worker(task func()) {
	defer func() {
		<-p.sem
	}()

	task()

	for {
		select {
		case t := <-p.work:
			t()
		case <-p.quit:
			return
		default:
			return
		}
	}
}
