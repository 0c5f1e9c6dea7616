package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPool_RecyclesResetBuffers(t *testing.T) {
	p := NewBufferPool(64, 1024)

	b := p.Get()
	b.WriteString("stdout of git merge-base")
	p.Put(b)

	got := p.Get()
	assert.Same(t, b, got)
	assert.Zero(t, got.Len())
}

func TestBufferPool_DropsOversizedBuffers(t *testing.T) {
	p := NewBufferPool(16, 64)

	b := p.Get()
	b.Grow(256)
	p.Put(b)

	got := p.Get()
	assert.NotSame(t, b, got)
	assert.Zero(t, p.HitRate(), "a dropped buffer must not count as a recycle")
}

func TestBufferPool_PutNil(t *testing.T) {
	p := NewBufferPool(16, 64)
	assert.NotPanics(t, func() { p.Put(nil) })
}

func TestBufferPool_HitRate(t *testing.T) {
	p := NewBufferPool(16, 1024)
	assert.Zero(t, p.HitRate())

	first := p.Get()
	p.Put(first)
	p.Get()

	assert.InDelta(t, 0.5, p.HitRate(), 1e-9)
}

func TestBuffers_SharedPool(t *testing.T) {
	b := Buffers.Get()
	defer Buffers.Put(b)

	require.NotNil(t, b)
	assert.Zero(t, b.Len())
	assert.GreaterOrEqual(t, b.Cap(), 4096)
}
