package cache

import (
	"context"
	"sync"
	"time"
)

// Dedupe remembers which sync events have already been applied so a
// re-pushed batch is acknowledged without being applied twice. Keys are
// "agentID:seq" strings; markers expire so the set stays bounded.
type Dedupe interface {
	// MarkApplied records key as applied and reports whether it had
	// been applied before.
	MarkApplied(ctx context.Context, key string) (bool, error)
}

// =============================================================================
// In-process dedupe
// =============================================================================

// MemoryDedupe is a mutex-guarded marker set for single-node
// deployments. Expired markers are swept lazily on access.
type MemoryDedupe struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
}

// NewMemoryDedupe creates an in-process dedupe. A zero ttl keeps
// markers for an hour.
func NewMemoryDedupe(ttl time.Duration) *MemoryDedupe {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryDedupe{
		entries: make(map[string]time.Time),
		ttl:     ttl,
	}
}

// MarkApplied implements Dedupe.
func (d *MemoryDedupe) MarkApplied(_ context.Context, key string) (bool, error) {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for k, expires := range d.entries {
		if now.After(expires) {
			delete(d.entries, k)
		}
	}

	if _, ok := d.entries[key]; ok {
		return true, nil
	}
	d.entries[key] = now.Add(d.ttl)
	return false, nil
}

// Len returns the number of live markers.
func (d *MemoryDedupe) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// =============================================================================
// Redis-backed dedupe
// =============================================================================

// RedisDedupe shares markers across replicas through the cache
// manager.
type RedisDedupe struct {
	manager *Manager
	prefix  string
	ttl     time.Duration
}

// NewRedisDedupe creates a Redis-backed dedupe. Keys are stored under
// prefix; a zero ttl keeps markers for an hour.
func NewRedisDedupe(manager *Manager, prefix string, ttl time.Duration) *RedisDedupe {
	if prefix == "" {
		prefix = "gitswarm:applied:"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisDedupe{manager: manager, prefix: prefix, ttl: ttl}
}

// MarkApplied implements Dedupe.
func (d *RedisDedupe) MarkApplied(ctx context.Context, key string) (bool, error) {
	set, err := d.manager.SetNX(ctx, d.prefix+key, "1", d.ttl)
	if err != nil {
		return false, err
	}
	return !set, nil
}

var (
	_ Dedupe = (*MemoryDedupe)(nil)
	_ Dedupe = (*RedisDedupe)(nil)
)
