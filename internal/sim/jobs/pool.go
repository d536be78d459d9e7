// Package jobs runs CPU-bound work on a fixed set of background workers.
// Submission and completion checks never block the caller.
package jobs

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull = errors.New("jobs: queue full")
	ErrClosed    = errors.New("jobs: pool closed")
)

type Pool struct {
	queue chan func()
	g     errgroup.Group

	mu     sync.RWMutex
	closed bool

	running   atomic.Int64
	completed atomic.Uint64
	panics    atomic.Uint64
}

// NewPool starts workers goroutines fed by a queue of the given capacity.
// Non-positive values fall back to 1.
func NewPool(workers, queue int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 1
	}
	p := &Pool{queue: make(chan func(), queue)}
	for i := 0; i < workers; i++ {
		p.g.Go(func() error {
			for fn := range p.queue {
				p.running.Add(1)
				fn()
				p.running.Add(-1)
				p.completed.Add(1)
			}
			return nil
		})
	}
	return p
}

type Stats struct {
	Queued    int
	Running   int64
	Completed uint64
	Panics    uint64
}

func (p *Pool) Stats() Stats {
	return Stats{
		Queued:    len(p.queue),
		Running:   p.running.Load(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}

// Close stops accepting work, lets queued jobs finish and waits for the
// workers to exit.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	return p.g.Wait()
}

func (p *Pool) enqueue(fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Task is the completion slot of one submitted job.
type Task[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Submit queues fn. It returns ErrQueueFull instead of waiting when the queue
// has no room. A panic inside fn is reported as the task's error.
func Submit[T any](p *Pool, fn func() (T, error)) (*Task[T], error) {
	t := &Task[T]{done: make(chan struct{})}
	err := p.enqueue(func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				t.err = fmt.Errorf("jobs: panic: %v\n%s", r, debug.Stack())
			}
		}()
		t.val, t.err = fn()
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Poll reports the result if the job has finished. It never waits.
func (t *Task[T]) Poll() (val T, done bool, err error) {
	select {
	case <-t.done:
		return t.val, true, t.err
	default:
		var zero T
		return zero, false, nil
	}
}

// Wait blocks until the job finishes. Intended for tools and tests, not the
// tick loop.
func (t *Task[T]) Wait() (T, error) {
	<-t.done
	return t.val, t.err
}
