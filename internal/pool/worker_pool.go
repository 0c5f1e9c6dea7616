package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrClosed      = errors.New("worker pool closed")
	ErrBacklogFull = errors.New("worker pool backlog full")
)

// Task is a unit of work handed to a worker. Tasks own their error
// handling; the pool only guards against panics.
type Task func(ctx context.Context)

type job struct {
	ctx  context.Context
	task Task
}

// WorkerPool runs tasks on goroutines spawned on demand up to a fixed
// cap. Idle workers retire after a timeout, keeping one alive so a
// quiet pool costs a single goroutine.
type WorkerPool struct {
	cap       int32
	jobs      chan job
	quit      chan struct{}
	wg        sync.WaitGroup
	running   atomic.Int32
	closed    atomic.Bool
	idleAfter time.Duration
	onPanic   func(any)
}

// Option adjusts a WorkerPool at construction.
type Option func(*WorkerPool)

// WithIdleTimeout sets how long a surplus worker waits for work before
// retiring. Default one minute.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *WorkerPool) {
		if d > 0 {
			p.idleAfter = d
		}
	}
}

// WithPanicHook observes recovered task panics. Without a hook a panic
// is swallowed after recovery.
func WithPanicHook(fn func(any)) Option {
	return func(p *WorkerPool) { p.onPanic = fn }
}

// NewWorkerPool creates a pool of at most workers goroutines with a
// backlog-deep task queue.
func NewWorkerPool(workers, backlog int, opts ...Option) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if backlog < 0 {
		backlog = 0
	}
	p := &WorkerPool{
		cap:       int32(workers),
		jobs:      make(chan job, backlog),
		quit:      make(chan struct{}),
		idleAfter: time.Minute,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit hands the task to a worker without blocking, spawning one when
// the pool is below capacity. ErrBacklogFull reports a saturated pool;
// the caller decides whether to retry, shed or run the task inline.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrClosed
	}

	j := job{ctx: ctx, task: task}
	select {
	case p.jobs <- j:
		p.grow()
		return nil
	case <-p.quit:
		return ErrClosed
	default:
	}

	// Backlog full. A worker slot below the cap buys one retry.
	if !p.grow() {
		return ErrBacklogFull
	}
	select {
	case p.jobs <- j:
		return nil
	case <-p.quit:
		return ErrClosed
	default:
		return ErrBacklogFull
	}
}

// grow starts a worker when the pool is below capacity.
func (p *WorkerPool) grow() bool {
	for {
		n := p.running.Load()
		if n >= p.cap {
			return false
		}
		if p.running.CompareAndSwap(n, n+1) {
			p.wg.Add(1)
			go p.work()
			return true
		}
	}
}

func (p *WorkerPool) work() {
	defer p.wg.Done()

	idle := time.NewTimer(p.idleAfter)
	defer idle.Stop()

	for {
		select {
		case j := <-p.jobs:
			p.run(j)
			idle.Reset(p.idleAfter)

		case <-p.quit:
			// Drain the backlog, then exit.
			for {
				select {
				case j := <-p.jobs:
					p.run(j)
				default:
					p.running.Add(-1)
					return
				}
			}

		case <-idle.C:
			// Take one last look at the backlog before retiring.
			select {
			case j := <-p.jobs:
				p.run(j)
				idle.Reset(p.idleAfter)
				continue
			default:
			}
			// The CAS serializes retirement so the last worker stays.
			if n := p.running.Load(); n > 1 && p.running.CompareAndSwap(n, n-1) {
				return
			}
			idle.Reset(p.idleAfter)
		}
	}
}

func (p *WorkerPool) run(j job) {
	defer func() {
		if r := recover(); r != nil && p.onPanic != nil {
			p.onPanic(r)
		}
	}()
	j.task(j.ctx)
}

// Close stops admissions, runs the queued backlog and waits for every
// worker to exit. Safe to call more than once.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.quit)
	p.wg.Wait()
}

// Workers reports the live worker count.
func (p *WorkerPool) Workers() int {
	return int(p.running.Load())
}

// Backlog reports the queued, not yet claimed task count.
func (p *WorkerPool) Backlog() int {
	return len(p.jobs)
}
