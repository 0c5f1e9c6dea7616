package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testManager(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	m, err := NewManager(Config{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	return mr, m
}

func TestNewManager_ConnectFailure(t *testing.T) {
	m, err := NewManager(Config{Addr: "localhost:1"}, zap.NewNop())

	assert.Nil(t, m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to redis at localhost:1")
}

func TestManager_SetNX(t *testing.T) {
	mr, m := testManager(t)
	ctx := context.Background()

	set, err := m.SetNX(ctx, "marker", "first", time.Minute)
	require.NoError(t, err)
	assert.True(t, set)

	// A second write is refused and the original value kept.
	set, err = m.SetNX(ctx, "marker", "second", time.Minute)
	require.NoError(t, err)
	assert.False(t, set)

	got, err := mr.Get("marker")
	require.NoError(t, err)
	assert.Equal(t, "first", got)
}

func TestManager_SetNXExpiredKeyIsFree(t *testing.T) {
	mr, m := testManager(t)
	ctx := context.Background()

	set, err := m.SetNX(ctx, "marker", "1", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, set)

	mr.FastForward(200 * time.Millisecond)

	set, err = m.SetNX(ctx, "marker", "1", 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, set, "an expired marker can be claimed again")
}

func TestManager_SetNXRace(t *testing.T) {
	_, m := testManager(t)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			set, err := m.SetNX(ctx, "contended", "x", time.Minute)
			assert.NoError(t, err)
			if set {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one writer claims the key")
}

func TestManager_Ping(t *testing.T) {
	_, m := testManager(t)

	assert.NoError(t, m.Ping(context.Background()))
}

func TestManager_PingAfterBackendGone(t *testing.T) {
	mr, m := testManager(t)

	mr.Close()
	assert.Error(t, m.Ping(context.Background()))
}

func TestManager_Close(t *testing.T) {
	_, m := testManager(t)
	ctx := context.Background()

	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "double close is a no-op")

	_, err := m.SetNX(ctx, "k", "v", time.Minute)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Ping(ctx), ErrClosed)
}

func TestManager_LivenessProbeStopsOnClose(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	m, err := NewManager(Config{Addr: mr.Addr(), PingInterval: 5 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Close())
	// The probe exits on close rather than ticking against the closed
	// client.
	time.Sleep(20 * time.Millisecond)
}
