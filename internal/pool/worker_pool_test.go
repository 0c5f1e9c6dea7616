package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkerPool_ClampsArguments(t *testing.T) {
	p := NewWorkerPool(-3, -5)
	defer p.Close()

	assert.Equal(t, int32(1), p.cap)
	assert.Equal(t, 0, cap(p.jobs))
}

func TestWorkerPool_RunsSubmittedTasks(t *testing.T) {
	p := NewWorkerPool(2, 8)
	defer p.Close()

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		err := p.Submit(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			ran.Add(1)
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, int32(8), ran.Load())
}

func TestWorkerPool_PassesSubmitContext(t *testing.T) {
	p := NewWorkerPool(1, 1)
	defer p.Close()

	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "merge-42")

	got := make(chan any, 1)
	err := p.Submit(ctx, func(ctx context.Context) {
		got <- ctx.Value(key{})
	})
	require.NoError(t, err)

	select {
	case v := <-got:
		assert.Equal(t, "merge-42", v)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestWorkerPool_BacklogFullWhenSaturated(t *testing.T) {
	p := NewWorkerPool(1, 1)
	defer p.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	err := p.Submit(context.Background(), func(ctx context.Context) {
		close(started)
		<-release
	})
	require.NoError(t, err)
	<-started

	// The worker is busy, so this one parks in the backlog.
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {}))

	err = p.Submit(context.Background(), func(ctx context.Context) {})
	assert.ErrorIs(t, err, ErrBacklogFull)
}

func TestWorkerPool_GrowsToCapacity(t *testing.T) {
	p := NewWorkerPool(2, 1)
	defer p.Close()

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	defer close(release)

	blocker := func(ctx context.Context) {
		started <- struct{}{}
		<-release
	}
	require.NoError(t, p.Submit(context.Background(), blocker))
	<-started
	require.NoError(t, p.Submit(context.Background(), blocker))
	<-started

	assert.Equal(t, 2, p.Workers())

	// Both workers are busy and the backlog holds one more.
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {}))
	err := p.Submit(context.Background(), func(ctx context.Context) {})
	assert.ErrorIs(t, err, ErrBacklogFull)
}

func TestWorkerPool_SubmitAfterClose(t *testing.T) {
	p := NewWorkerPool(1, 1)
	p.Close()

	err := p.Submit(context.Background(), func(ctx context.Context) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWorkerPool_CloseRunsBacklog(t *testing.T) {
	p := NewWorkerPool(1, 4)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
			ran.Add(1)
		}))
	}

	close(release)
	p.Close()

	assert.Equal(t, int32(3), ran.Load())
}

func TestWorkerPool_CloseIdempotent(t *testing.T) {
	p := NewWorkerPool(1, 1)
	assert.NotPanics(t, func() {
		p.Close()
		p.Close()
	})
}

func TestWorkerPool_PanicHookObservesValue(t *testing.T) {
	caught := make(chan any, 1)
	p := NewWorkerPool(1, 1, WithPanicHook(func(r any) {
		caught <- r
	}))
	defer p.Close()

	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		panic("merge backend exploded")
	}))

	select {
	case r := <-caught:
		assert.Equal(t, "merge backend exploded", r)
	case <-time.After(2 * time.Second):
		t.Fatal("panic hook never fired")
	}

	// The worker survives its task panicking.
	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool stopped running tasks after a panic")
	}
}

func TestWorkerPool_IdleWorkersRetire(t *testing.T) {
	p := NewWorkerPool(3, 3, WithIdleTimeout(15*time.Millisecond))
	defer p.Close()

	started := make(chan struct{}, 3)
	release := make(chan struct{})
	blocker := func(ctx context.Context) {
		started <- struct{}{}
		<-release
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(context.Background(), blocker))
	}
	for i := 0; i < 3; i++ {
		<-started
	}
	require.Equal(t, 3, p.Workers())

	close(release)
	require.Eventually(t, func() bool {
		return p.Workers() == 1
	}, 2*time.Second, 10*time.Millisecond, "surplus workers should retire down to one")

	// The survivor still takes work.
	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("retired pool no longer runs tasks")
	}
}

func TestWorkerPool_BacklogReportsQueuedTasks(t *testing.T) {
	p := NewWorkerPool(1, 2)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started

	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {}))
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {}))
	assert.Equal(t, 2, p.Backlog())

	close(release)
	p.Close()
	assert.Equal(t, 0, p.Backlog())
}
