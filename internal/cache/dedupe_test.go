package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryDedupe_MarkApplied(t *testing.T) {
	d := NewMemoryDedupe(time.Minute)
	ctx := context.Background()

	applied, err := d.MarkApplied(ctx, "agent-1:1")
	require.NoError(t, err)
	assert.False(t, applied, "first mark should report not yet applied")

	applied, err = d.MarkApplied(ctx, "agent-1:1")
	require.NoError(t, err)
	assert.True(t, applied, "second mark should report already applied")

	// A different key is independent.
	applied, err = d.MarkApplied(ctx, "agent-1:2")
	require.NoError(t, err)
	assert.False(t, applied)

	assert.Equal(t, 2, d.Len())
}

func TestMemoryDedupe_Expiry(t *testing.T) {
	d := NewMemoryDedupe(10 * time.Millisecond)
	ctx := context.Background()

	_, err := d.MarkApplied(ctx, "agent-1:1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	applied, err := d.MarkApplied(ctx, "agent-1:1")
	require.NoError(t, err)
	assert.False(t, applied, "expired marker should not count as applied")
	assert.Equal(t, 1, d.Len())
}

func TestMemoryDedupe_Concurrent(t *testing.T) {
	d := NewMemoryDedupe(time.Minute)
	ctx := context.Background()

	// Exactly one of N concurrent markers for the same key may win.
	const workers = 16
	var wg sync.WaitGroup
	firsts := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := d.MarkApplied(ctx, "contended")
			assert.NoError(t, err)
			if !applied {
				firsts <- true
			}
		}()
	}
	wg.Wait()
	close(firsts)

	count := 0
	for range firsts {
		count++
	}
	assert.Equal(t, 1, count, "exactly one goroutine should observe first application")
}

func TestRedisDedupe_MarkApplied(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	manager, err := NewManager(Config{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	defer manager.Close()

	d := NewRedisDedupe(manager, "test:applied:", time.Minute)
	ctx := context.Background()

	applied, err := d.MarkApplied(ctx, "agent-1:1")
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = d.MarkApplied(ctx, "agent-1:1")
	require.NoError(t, err)
	assert.True(t, applied)

	// Markers live under the configured prefix.
	assert.True(t, mr.Exists("test:applied:agent-1:1"))
}

func TestRedisDedupe_MarkersShared(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	managerA, err := NewManager(Config{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	defer managerA.Close()

	managerB, err := NewManager(Config{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	defer managerB.Close()

	ctx := context.Background()
	dedupeA := NewRedisDedupe(managerA, "", time.Minute)
	dedupeB := NewRedisDedupe(managerB, "", time.Minute)

	applied, err := dedupeA.MarkApplied(ctx, "agent-9:7")
	require.NoError(t, err)
	assert.False(t, applied)

	// A second replica sees the first replica's marker.
	applied, err = dedupeB.MarkApplied(ctx, "agent-9:7")
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestRedisDedupe_ManyKeys(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	manager, err := NewManager(Config{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	defer manager.Close()

	d := NewRedisDedupe(manager, "", time.Minute)
	ctx := context.Background()

	for seq := 1; seq <= 20; seq++ {
		applied, err := d.MarkApplied(ctx, fmt.Sprintf("agent-1:%d", seq))
		require.NoError(t, err)
		assert.False(t, applied)
	}
}
