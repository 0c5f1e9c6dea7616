package flow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is reported by Next once a closed buffer has been fully
// drained.
var ErrClosed = errors.New("buffer is closed")

// Tuning thresholds: grow when a tenth of offers are refused, shrink
// when the buffer sits under a quarter full and refusals are rare.
const (
	growRefusedRate   = 0.10
	shrinkRefusedRate = 0.01
	shrinkFill        = 0.25
)

// Config bounds an adaptive buffer. Zero fields take defaults.
type Config struct {
	Initial int           `json:"initial" yaml:"initial"`
	Min     int           `json:"min" yaml:"min"`
	Max     int           `json:"max" yaml:"max"`
	Window  time.Duration `json:"window" yaml:"window"`
}

func (c Config) normalized() Config {
	if c.Initial <= 0 {
		c.Initial = 64
	}
	if c.Min <= 0 {
		c.Min = 16
	}
	if c.Min > c.Initial {
		c.Min = c.Initial
	}
	if c.Max <= 0 {
		c.Max = 4096
	}
	if c.Max < c.Initial {
		c.Max = c.Initial
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Second
	}
	return c
}

// Buffer is a bounded handoff queue whose capacity follows load: it
// doubles when producers keep hitting a full buffer and halves when it
// sits mostly empty. Any number of producers feed it with Offer; one
// consumer drains it with Next, and capacity adjusts on that side
// between receives.
type Buffer[T any] struct {
	cfg  Config
	done chan struct{}

	mu       sync.RWMutex
	ch       chan T
	size     int
	closed   bool
	lastTune time.Time

	accepted atomic.Int64
	refused  atomic.Int64
}

// NewBuffer builds an adaptive buffer within cfg's bounds.
func NewBuffer[T any](cfg Config) *Buffer[T] {
	cfg = cfg.normalized()
	return &Buffer[T]{
		cfg:      cfg,
		done:     make(chan struct{}),
		ch:       make(chan T, cfg.Initial),
		size:     cfg.Initial,
		lastTune: time.Now(),
	}
}

// Offer attempts a non-blocking handoff. A full or closed buffer
// refuses the value; refusals feed the grow heuristic.
func (b *Buffer[T]) Offer(v T) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return false
	}
	select {
	case b.ch <- v:
		b.accepted.Add(1)
		return true
	default:
		b.refused.Add(1)
		return false
	}
}

// Next takes the next value, blocking while the buffer is empty. After
// Close it drains the remaining backlog before reporting ErrClosed.
func (b *Buffer[T]) Next(ctx context.Context) (T, error) {
	b.mu.RLock()
	ch := b.ch
	b.mu.RUnlock()

	select {
	case v := <-ch:
		b.maybeTune()
		return v, nil
	default:
	}

	select {
	case v := <-ch:
		b.maybeTune()
		return v, nil
	case <-b.done:
		// A final Offer may have raced Close; prefer draining.
		select {
		case v := <-ch:
			return v, nil
		default:
			var zero T
			return zero, ErrClosed
		}
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Len reports the buffered item count.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ch)
}

// Cap reports the current capacity.
func (b *Buffer[T]) Cap() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Close stops accepting offers. The backlog stays drainable through
// Next. Safe to call more than once.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

// maybeTune adjusts capacity once per window based on the offer
// pressure seen since the last adjustment. Runs on the consumer
// goroutine, so no receive can block on a retired channel.
func (b *Buffer[T]) maybeTune() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || time.Since(b.lastTune) < b.cfg.Window {
		return
	}
	b.lastTune = time.Now()

	refused := b.refused.Swap(0)
	accepted := b.accepted.Swap(0)
	offers := accepted + refused
	if offers == 0 {
		return
	}

	refusedRate := float64(refused) / float64(offers)
	fill := float64(len(b.ch)) / float64(b.size)

	switch {
	case refusedRate > growRefusedRate && b.size < b.cfg.Max:
		b.resize(min(b.size*2, b.cfg.Max))
	case fill < shrinkFill && refusedRate < shrinkRefusedRate && b.size > b.cfg.Min:
		b.resize(max(b.size/2, b.cfg.Min))
	}
}

// resize swaps in a new channel and carries the backlog over. A target
// below the backlog is raised so nothing is dropped. Caller holds b.mu.
func (b *Buffer[T]) resize(target int) {
	if pending := len(b.ch); target < pending {
		target = pending
	}
	if target == b.size {
		return
	}

	next := make(chan T, target)
	for {
		select {
		case v := <-b.ch:
			next <- v
		default:
			b.ch = next
			b.size = target
			return
		}
	}
}
