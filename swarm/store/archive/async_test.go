package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alexngai/gitswarm-sub001/internal/flow"
	"github.com/alexngai/gitswarm-sub001/internal/metrics"
	"github.com/alexngai/gitswarm-sub001/swarm/store"
)

// stubSink records archived merge records in memory. When block is set,
// Archive parks until the channel closes or the context expires.
type stubSink struct {
	mu      sync.Mutex
	records []*store.MergeRecord

	err   error
	block chan struct{}
	calls atomic.Int64
}

func (s *stubSink) Archive(ctx context.Context, record *store.MergeRecord) error {
	s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *stubSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func testRecord(n int) *store.MergeRecord {
	return &store.MergeRecord{
		ID:         fmt.Sprintf("rec-%d", n),
		ProposalID: fmt.Sprintf("prop-%d", n),
		StreamID:   "stream-1",
		Backend:    store.BackendCascade,
		Operation:  "merge",
		Outcome:    "merged",
		CreatedAt:  time.Now().UTC(),
	}
}

func TestNewAsync_Defaults(t *testing.T) {
	sink := &stubSink{}
	a := NewAsync(sink, AsyncConfig{}, nil, nil)

	require.NotNil(t, a)
	assert.Equal(t, 10*time.Second, a.writeTimeout)

	require.NoError(t, a.Close(context.Background()))
}

func TestAsync_ArchivesEnqueuedRecords(t *testing.T) {
	sink := &stubSink{}
	a := NewAsync(sink, DefaultAsyncConfig(), nil, zap.NewNop())

	for i := 0; i < 5; i++ {
		a.Enqueue(testRecord(i))
	}
	require.NoError(t, a.Close(context.Background()))

	assert.Equal(t, 5, sink.count())

	stats := a.Stats()
	assert.Equal(t, int64(5), stats.Enqueued)
	assert.Equal(t, int64(5), stats.Written)
	assert.Equal(t, int64(0), stats.Dropped)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestAsync_CloseFlushesBacklog(t *testing.T) {
	sink := &stubSink{}
	a := NewAsync(sink, DefaultAsyncConfig(), nil, zap.NewNop())

	for i := 0; i < 10; i++ {
		a.Enqueue(testRecord(i))
	}

	// Close drains everything already admitted.
	require.NoError(t, a.Close(context.Background()))
	assert.Equal(t, 10, sink.count())
	assert.Equal(t, int64(10), a.Stats().Written)
}

func TestAsync_SinkFailuresCounted(t *testing.T) {
	sink := &stubSink{err: errors.New("mongo down")}
	a := NewAsync(sink, DefaultAsyncConfig(), nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		a.Enqueue(testRecord(i))
	}
	require.NoError(t, a.Close(context.Background()))

	stats := a.Stats()
	assert.Equal(t, int64(3), stats.Failed)
	assert.Equal(t, int64(0), stats.Written)
	assert.Equal(t, 0, sink.count())
}

func TestAsync_DropsWhenSaturated(t *testing.T) {
	gate := make(chan struct{})
	sink := &stubSink{block: gate}

	cfg := AsyncConfig{
		Workers:      1,
		WriteTimeout: 5 * time.Second,
		Buffer:       flow.Config{Initial: 1, Min: 1, Max: 1},
	}
	a := NewAsync(sink, cfg, nil, zap.NewNop())

	// First record occupies the single writer.
	a.Enqueue(testRecord(1))
	require.Eventually(t, func() bool { return sink.calls.Load() == 1 },
		time.Second, 5*time.Millisecond)

	// Second record parks in the worker queue.
	a.Enqueue(testRecord(2))
	require.Eventually(t, func() bool { return a.Stats().Buffered == 0 },
		time.Second, 5*time.Millisecond)

	// Third record overflows the worker queue, so the drain goroutine
	// writes it inline and blocks on the gated sink.
	a.Enqueue(testRecord(3))
	require.Eventually(t, func() bool { return sink.calls.Load() == 2 },
		time.Second, 5*time.Millisecond)

	// Fourth record sits in the admission buffer; the fifth finds it
	// full and is dropped.
	a.Enqueue(testRecord(4))
	require.Equal(t, 1, a.Stats().Buffered)
	a.Enqueue(testRecord(5))

	stats := a.Stats()
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, int64(4), stats.Enqueued)

	close(gate)
	require.NoError(t, a.Close(context.Background()))

	assert.Equal(t, 4, sink.count())
	assert.Equal(t, int64(4), a.Stats().Written)
}

func TestAsync_CloseTimeout(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	sink := &stubSink{block: gate}

	a := NewAsync(sink, DefaultAsyncConfig(), nil, zap.NewNop())

	a.Enqueue(testRecord(1))
	require.Eventually(t, func() bool { return sink.calls.Load() == 1 },
		time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := a.Close(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The parked write was cancelled rather than completed.
	assert.Equal(t, int64(1), a.Stats().Failed)
}

func TestAsync_NilReceiverAndNilRecord(t *testing.T) {
	var a *AsyncArchiver
	assert.NotPanics(t, func() { a.Enqueue(testRecord(1)) })
	assert.Equal(t, AsyncStats{}, a.Stats())
	assert.NoError(t, a.Close(context.Background()))

	sink := &stubSink{}
	real := NewAsync(sink, DefaultAsyncConfig(), nil, zap.NewNop())
	real.Enqueue(nil)
	require.NoError(t, real.Close(context.Background()))
	assert.Equal(t, int64(0), real.Stats().Enqueued)
}

func TestAsync_RecordsMetrics(t *testing.T) {
	collector := metrics.NewCollector("archive_async_metrics", zap.NewNop())
	sink := &stubSink{}
	a := NewAsync(sink, DefaultAsyncConfig(), collector, zap.NewNop())

	a.Enqueue(testRecord(1))
	a.Enqueue(testRecord(2))
	require.NoError(t, a.Close(context.Background()))

	assert.Equal(t, int64(2), a.Stats().Written)
}
