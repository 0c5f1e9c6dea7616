package archive

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/alexngai/gitswarm-sub001/internal/flow"
	"github.com/alexngai/gitswarm-sub001/internal/metrics"
	"github.com/alexngai/gitswarm-sub001/internal/pool"
	"github.com/alexngai/gitswarm-sub001/swarm/store"
)

// RecordSink is the destination for archived merge records.
type RecordSink interface {
	Archive(ctx context.Context, record *store.MergeRecord) error
}

var _ RecordSink = (*Archiver)(nil)

// AsyncConfig configures the asynchronous archive pipeline.
type AsyncConfig struct {
	// Workers caps concurrent sink writes (default: 4)
	Workers int `json:"workers" yaml:"workers"`

	// WriteTimeout bounds each sink write (default: 10s)
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// Buffer bounds the admission buffer between the merge path and
	// the writers. Zero values take the flow defaults.
	Buffer flow.Config `json:"buffer" yaml:"buffer"`
}

// DefaultAsyncConfig returns the default pipeline settings.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		Workers:      4,
		WriteTimeout: 10 * time.Second,
	}
}

// AsyncArchiver keeps archive writes off the merge path. Enqueue never
// blocks: records land in a load-adaptive buffer and a bounded worker
// pool writes them to the sink. When the buffer is full the record is
// dropped and counted; the primary store already holds the authoritative
// audit row, the archive is a mirror.
type AsyncArchiver struct {
	sink      RecordSink
	buf       *flow.Buffer[*store.MergeRecord]
	workers   *pool.WorkerPool
	collector *metrics.Collector
	logger    *zap.Logger

	writeTimeout time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	drained chan struct{}

	enqueued atomic.Int64
	written  atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

// NewAsync starts the archive pipeline in front of sink.
func NewAsync(sink RecordSink, cfg AsyncConfig, collector *metrics.Collector, logger *zap.Logger) *AsyncArchiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	log := logger.With(zap.String("component", "archive_async"))
	ctx, cancel := context.WithCancel(context.Background())
	a := &AsyncArchiver{
		sink: sink,
		buf:  flow.NewBuffer[*store.MergeRecord](cfg.Buffer),
		workers: pool.NewWorkerPool(cfg.Workers, cfg.Workers, pool.WithPanicHook(func(r any) {
			log.Error("archive write panicked", zap.Any("panic", r))
		})),
		collector:    collector,
		logger:       log,
		writeTimeout: cfg.WriteTimeout,
		baseCtx:      ctx,
		cancel:       cancel,
		drained:      make(chan struct{}),
	}

	go a.drain()
	return a
}

// Enqueue offers a merge record to the pipeline without blocking. A nil
// record or a full buffer is dropped.
func (a *AsyncArchiver) Enqueue(record *store.MergeRecord) {
	if a == nil || record == nil {
		return
	}
	if !a.buf.Offer(record) {
		a.dropped.Add(1)
		a.collector.RecordArchive("dropped")
		a.logger.Warn("archive buffer full, record dropped",
			zap.String("record_id", record.ID),
			zap.Int("buffer_cap", a.buf.Cap()),
		)
		return
	}
	a.enqueued.Add(1)
}

// drain is the single consumer of the admission buffer. It hands each
// record to the worker pool; the buffer retunes itself between
// receives.
func (a *AsyncArchiver) drain() {
	defer close(a.drained)
	for {
		record, err := a.buf.Next(a.baseCtx)
		if err != nil {
			// Closed and fully drained, or hard cancel.
			return
		}
		a.dispatch(record)
	}
}

func (a *AsyncArchiver) dispatch(record *store.MergeRecord) {
	err := a.workers.Submit(a.baseCtx, func(ctx context.Context) {
		a.write(ctx, record)
	})
	if err == nil {
		return
	}
	if errors.Is(err, pool.ErrBacklogFull) {
		// Writers saturated: absorb the backpressure on the drain
		// goroutine instead of dropping.
		a.write(a.baseCtx, record)
		return
	}
	a.dropped.Add(1)
	a.collector.RecordArchive("dropped")
}

func (a *AsyncArchiver) write(ctx context.Context, record *store.MergeRecord) {
	wctx, cancel := context.WithTimeout(ctx, a.writeTimeout)
	defer cancel()

	if err := a.sink.Archive(wctx, record); err != nil {
		a.failed.Add(1)
		a.collector.RecordArchive("failed")
		a.logger.Warn("merge record archive failed",
			zap.String("record_id", record.ID),
			zap.String("proposal_id", record.ProposalID),
			zap.Error(err),
		)
		return
	}
	a.written.Add(1)
	a.collector.RecordArchive("archived")
}

// Close stops admissions, flushes the backlog and waits for in-flight
// writes. The context bounds the flush; on expiry remaining records are
// abandoned.
func (a *AsyncArchiver) Close(ctx context.Context) error {
	if a == nil {
		return nil
	}
	a.buf.Close()

	select {
	case <-a.drained:
	case <-ctx.Done():
		a.cancel()
		<-a.drained
		a.workers.Close()
		return ctx.Err()
	}

	closed := make(chan struct{})
	go func() {
		a.workers.Close()
		close(closed)
	}()

	select {
	case <-closed:
		return nil
	case <-ctx.Done():
		// Cancel in-flight writes so the workers can exit.
		a.cancel()
		<-closed
		return ctx.Err()
	}
}

// AsyncStats is a point-in-time snapshot of the pipeline.
type AsyncStats struct {
	Enqueued  int64 `json:"enqueued"`
	Written   int64 `json:"written"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
	Buffered  int   `json:"buffered"`
	BufferCap int   `json:"buffer_cap"`
}

// Stats reports pipeline counters.
func (a *AsyncArchiver) Stats() AsyncStats {
	if a == nil {
		return AsyncStats{}
	}
	return AsyncStats{
		Enqueued:  a.enqueued.Load(),
		Written:   a.written.Load(),
		Dropped:   a.dropped.Load(),
		Failed:    a.failed.Load(),
		Buffered:  a.buf.Len(),
		BufferCap: a.buf.Cap(),
	}
}
