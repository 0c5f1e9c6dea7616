package syncqueue

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/alexngai/gitswarm-sub001/swarm/authority"
	"github.com/alexngai/gitswarm-sub001/swarm/store"
)

// fakeTransport accepts events until reject returns true for one of
// them. A non-nil err fails the whole push.
type fakeTransport struct {
	batches [][]authority.EventEnvelope
	reject  func(env authority.EventEnvelope) bool
	err     error
}

func (f *fakeTransport) PushEvents(_ context.Context, _ string, events []authority.EventEnvelope) (*authority.PushReceipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.batches = append(f.batches, events)
	for i, env := range events {
		if f.reject != nil && f.reject(env) {
			return &authority.PushReceipt{Accepted: i, Error: "rejected"}, nil
		}
	}
	return &authority.PushReceipt{Accepted: len(events)}, nil
}

func newTestQueue(t *testing.T, transport Transport) *Queue {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return New(DefaultConfig("agent-7"), st.SyncEvents(), transport, nil)
}

func enqueueTypes(t *testing.T, q *Queue, types ...store.EventType) {
	t.Helper()
	for _, et := range types {
		if _, err := q.Enqueue(context.Background(), et, map[string]string{"stream_id": "s1"}); err != nil {
			t.Fatalf("Enqueue(%s): %v", et, err)
		}
	}
}

func TestFlushEmptyQueue(t *testing.T) {
	q := newTestQueue(t, &fakeTransport{})

	res, err := q.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res.Flushed != 0 || res.Remaining != 0 || len(res.FailedTypes) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !res.Clean() {
		t.Error("empty flush must be clean")
	}
}

func TestFlushDeliversEverything(t *testing.T) {
	tr := &fakeTransport{}
	q := newTestQueue(t, tr)
	enqueueTypes(t, q, store.EventCommit, store.EventReview, store.EventActivity)

	res, err := q.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res.Flushed != 3 || !res.Clean() {
		t.Fatalf("unexpected result: %+v", res)
	}

	depth, err := q.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 0 {
		t.Errorf("depth = %d after full flush, want 0", depth)
	}

	// Delivery order follows sequence order.
	if len(tr.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(tr.batches))
	}
	for i, env := range tr.batches[0] {
		if env.Seq != uint64(i+1) {
			t.Errorf("batch[%d].Seq = %d, want %d", i, env.Seq, i+1)
		}
	}
}

func TestFlushStopsAtFirstFailure(t *testing.T) {
	tr := &fakeTransport{reject: func(env authority.EventEnvelope) bool { return env.Seq == 2 }}
	q := newTestQueue(t, tr)
	enqueueTypes(t, q, store.EventCommit, store.EventReview, store.EventActivity, store.EventSubmitReview)

	res, err := q.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res.Flushed != 1 {
		t.Errorf("Flushed = %d, want 1", res.Flushed)
	}
	if res.Remaining != 3 {
		t.Errorf("Remaining = %d, want 3", res.Remaining)
	}
	want := []store.EventType{store.EventReview, store.EventActivity, store.EventSubmitReview}
	if len(res.FailedTypes) != len(want) {
		t.Fatalf("FailedTypes = %v, want %v", res.FailedTypes, want)
	}
	for i, et := range want {
		if res.FailedTypes[i] != et {
			t.Errorf("FailedTypes[%d] = %s, want %s", i, res.FailedTypes[i], et)
		}
	}
	if !res.ReviewBlocked() {
		t.Error("undelivered review events must block")
	}

	// The failed event and everything behind it stay queued, in order.
	pending, err := q.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 3 || pending[0].Seq != 2 {
		t.Fatalf("pending after halt = %v", pending)
	}
}

func TestFlushTransportFailure(t *testing.T) {
	q := newTestQueue(t, &fakeTransport{err: errors.New("connection refused")})
	enqueueTypes(t, q, store.EventCommit, store.EventCommit, store.EventActivity)

	res, err := q.Flush(context.Background())
	if err != nil {
		t.Fatalf("transport failures are results, not errors: %v", err)
	}
	if res.Flushed != 0 || res.Remaining != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	want := []store.EventType{store.EventCommit, store.EventActivity}
	if len(res.FailedTypes) != len(want) {
		t.Fatalf("FailedTypes = %v, want distinct %v", res.FailedTypes, want)
	}
	if res.FailureReason == "" {
		t.Error("FailureReason should carry the transport error")
	}
	if res.ReviewBlocked() {
		t.Error("no review events queued, flush must not block reviews")
	}
}

func TestFlushResumesAfterRecovery(t *testing.T) {
	tr := &fakeTransport{reject: func(env authority.EventEnvelope) bool { return env.Seq == 2 }}
	q := newTestQueue(t, tr)
	enqueueTypes(t, q, store.EventCommit, store.EventReview, store.EventActivity)

	if res, err := q.Flush(context.Background()); err != nil || res.Flushed != 1 {
		t.Fatalf("first flush: res=%+v err=%v", res, err)
	}

	tr.reject = nil
	res, err := q.Flush(context.Background())
	if err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if res.Flushed != 2 || !res.Clean() {
		t.Fatalf("unexpected result: %+v", res)
	}

	// The retry starts exactly where the halt left off.
	last := tr.batches[len(tr.batches)-1]
	if last[0].Seq != 2 {
		t.Errorf("retry started at seq %d, want 2", last[0].Seq)
	}
}

func TestFlushBatches(t *testing.T) {
	tr := &fakeTransport{}
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	q := New(Config{AgentID: "agent-7", BatchSize: 2}, st.SyncEvents(), tr, nil)
	enqueueTypes(t, q, store.EventCommit, store.EventCommit, store.EventCommit, store.EventCommit, store.EventActivity)

	res, err := q.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res.Flushed != 5 || !res.Clean() {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(tr.batches) != 3 {
		t.Errorf("batches = %d, want 3", len(tr.batches))
	}
}

func TestEnqueueRejectsUnknownType(t *testing.T) {
	q := newTestQueue(t, &fakeTransport{})

	_, err := q.Enqueue(context.Background(), store.EventType("gossip"), nil)
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestReviewCritical(t *testing.T) {
	cases := []struct {
		eventType store.EventType
		critical  bool
	}{
		{store.EventReview, true},
		{store.EventSubmitReview, true},
		{store.EventCommit, false},
		{store.EventActivity, false},
		{store.EventMergeRequest, false},
	}
	for _, tc := range cases {
		if got := ReviewCritical(tc.eventType); got != tc.critical {
			t.Errorf("ReviewCritical(%s) = %v, want %v", tc.eventType, got, tc.critical)
		}
	}
}

// TestProperty_FlushAccounting checks the flush arithmetic over random
// queue sizes and failure positions: a flush halted at position k
// delivers k-1 events and leaves n-k+1 queued, and the two always sum
// to the queue size.
func TestProperty_FlushAccounting(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	cycle := []store.EventType{
		store.EventCommit,
		store.EventReview,
		store.EventActivity,
		store.EventSubmitReview,
	}

	properties.Property("flushed and remaining partition the queue", prop.ForAll(
		func(n, k int) bool {
			if k > n+1 {
				k = n + 1 // positions beyond the queue mean no failure
			}

			st := store.NewMemoryStore()
			defer st.Close()
			tr := &fakeTransport{reject: func(env authority.EventEnvelope) bool {
				return env.Seq == uint64(k)
			}}
			q := New(DefaultConfig("agent-p"), st.SyncEvents(), tr, nil)

			for i := 0; i < n; i++ {
				if _, err := q.Enqueue(context.Background(), cycle[i%len(cycle)], nil); err != nil {
					t.Logf("enqueue failed: %v", err)
					return false
				}
			}

			res, err := q.Flush(context.Background())
			if err != nil {
				t.Logf("flush failed: %v", err)
				return false
			}

			if res.Flushed+res.Remaining != n {
				t.Logf("n=%d k=%d: flushed=%d remaining=%d do not partition the queue",
					n, k, res.Flushed, res.Remaining)
				return false
			}
			if k <= n {
				if res.Flushed != k-1 || res.Remaining != n-k+1 {
					t.Logf("n=%d k=%d: got flushed=%d remaining=%d", n, k, res.Flushed, res.Remaining)
					return false
				}
				if len(res.FailedTypes) == 0 {
					t.Logf("n=%d k=%d: halted flush reported no failed types", n, k)
					return false
				}
			} else if !res.Clean() || len(res.FailedTypes) != 0 {
				t.Logf("n=%d: unhalted flush not clean: %+v", n, res)
				return false
			}
			return true
		},
		gen.IntRange(0, 40),
		gen.IntRange(1, 45),
	))

	properties.TestingRun(t)
}
