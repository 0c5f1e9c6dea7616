package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Buffers is the shared buffer pool for transient output capture, such
// as git subprocess stdout and stderr.
var Buffers = NewBufferPool(4096, 64<<10)

// BufferPool recycles byte buffers. Buffers that grew past the keep
// cap are dropped on Put so one huge payload cannot pin memory for the
// lifetime of the pool.
type BufferPool struct {
	inner   sync.Pool
	keepCap int
	gets    atomic.Int64
	news    atomic.Int64
}

// NewBufferPool builds a pool whose fresh buffers start at initCap and
// whose recycled buffers stay at or under keepCap bytes of capacity.
func NewBufferPool(initCap, keepCap int) *BufferPool {
	p := &BufferPool{keepCap: keepCap}
	p.inner.New = func() any {
		p.news.Add(1)
		b := &bytes.Buffer{}
		b.Grow(initCap)
		return b
	}
	return p
}

// Get returns an empty buffer, recycled when one is available.
func (p *BufferPool) Get() *bytes.Buffer {
	p.gets.Add(1)
	return p.inner.Get().(*bytes.Buffer)
}

// Put resets the buffer and returns it to the pool. Nil and oversized
// buffers are discarded.
func (p *BufferPool) Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > p.keepCap {
		return
	}
	b.Reset()
	p.inner.Put(b)
}

// HitRate reports the fraction of Gets served without a fresh
// allocation.
func (p *BufferPool) HitRate() float64 {
	gets := p.gets.Load()
	if gets == 0 {
		return 0
	}
	return float64(gets-p.news.Load()) / float64(gets)
}
