// Package pool provides a bounded worker pool and a join barrier over it.
package pool

import (
	"errors"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"
)

// ErrClosed is returned for tasks submitted after Close.
var ErrClosed = errors.New("pool: closed")

const queueFactor = 4

// Pool runs submitted tasks on a fixed number of goroutines.
type Pool struct {
	tasks   chan func()
	stop    chan struct{}
	workers sync.WaitGroup
	busy    atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// New starts a pool of size workers.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		tasks: make(chan func(), size*queueFactor),
		stop:  make(chan struct{}),
	}
	p.workers.Add(size)
	for i := 0; i < size; i++ {
		go p.runWorker()
	}
	return p
}

func (p *Pool) runWorker() {
	defer p.workers.Done()
	for {
		select {
		case task := <-p.tasks:
			p.run(task)
		case <-p.stop:
			// tasks accepted before Close still run
			for {
				select {
				case task := <-p.tasks:
					p.run(task)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(task func()) {
	p.busy.Inc()
	defer p.busy.Dec()
	task()
}

// Busy returns the number of tasks currently running.
func (p *Pool) Busy() int64 {
	return p.busy.Load()
}

// submit blocks while the queue is full. Tasks must not submit to the pool
// they run on.
func (p *Pool) submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.tasks <- task
	return nil
}

// Close rejects new tasks, waits for the accepted ones to run and stops the
// workers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stop)
	p.mu.Unlock()
	p.workers.Wait()
}

// Group is a set of tasks submitted together, whose completion can be awaited
// with Wait. A Group must not be reused after Wait returns.
type Group struct {
	p   *Pool
	wg  sync.WaitGroup
	mu  sync.Mutex
	err *multierror.Error
}

// Group returns a new, empty group on the pool.
func (p *Pool) Group() *Group {
	return &Group{p: p}
}

// Go submits fn. Its error, if any, is reported by Wait.
func (g *Group) Go(fn func() error) {
	g.wg.Add(1)
	err := g.p.submit(func() {
		defer g.wg.Done()
		if err := fn(); err != nil {
			g.record(err)
		}
	})
	if err != nil {
		g.record(err)
		g.wg.Done()
	}
}

func (g *Group) record(err error) {
	g.mu.Lock()
	g.err = multierror.Append(g.err, err)
	g.mu.Unlock()
}

// Wait blocks until every submitted task has returned and returns their
// errors combined.
func (g *Group) Wait() error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err.ErrorOrNil()
}
