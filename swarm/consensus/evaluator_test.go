package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexngai/gitswarm-sub001/swarm/store"
	"github.com/alexngai/gitswarm-sub001/swarm/syncqueue"
)

type fakeFlusher struct {
	result *syncqueue.FlushResult
	err    error
	calls  int
}

func (f *fakeFlusher) Flush(context.Context) (*syncqueue.FlushResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.result == nil {
		return &syncqueue.FlushResult{}, nil
	}
	return f.result, nil
}

// trackingReviews counts list calls so tests can assert evaluation
// never reached the review store.
type trackingReviews struct {
	store.ReviewStore
	listed int
}

func (t *trackingReviews) ListByStream(ctx context.Context, streamID string) ([]*store.Review, error) {
	t.listed++
	return t.ReviewStore.ListByStream(ctx, streamID)
}

type seededReview struct {
	reviewer string
	verdict  store.ReviewVerdict
	human    bool
}

func seedReviews(t *testing.T, st store.Store, streamID string, reviews []seededReview) {
	t.Helper()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i, r := range reviews {
		err := st.Reviews().Save(context.Background(), &store.Review{
			StreamID:   streamID,
			ReviewerID: r.reviewer,
			Verdict:    r.verdict,
			Human:      r.human,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
}

func TestEvaluateQuorum(t *testing.T) {
	cases := []struct {
		name         string
		quorum       float64
		humanWeight  float64
		requireHuman bool
		reviews      []seededReview
		wantApproved bool
		wantScore    float64
	}{
		{
			name:         "no reviews",
			quorum:       1,
			wantApproved: false,
			wantScore:    0,
		},
		{
			name:   "two agents meet quorum",
			quorum: 2,
			reviews: []seededReview{
				{reviewer: "agent-1", verdict: store.VerdictApprove},
				{reviewer: "agent-2", verdict: store.VerdictApprove},
			},
			wantApproved: true,
			wantScore:    2,
		},
		{
			name:   "one agent short of quorum",
			quorum: 2,
			reviews: []seededReview{
				{reviewer: "agent-1", verdict: store.VerdictApprove},
			},
			wantApproved: false,
			wantScore:    1,
		},
		{
			name:        "weighted human carries quorum alone",
			quorum:      2,
			humanWeight: 2,
			reviews: []seededReview{
				{reviewer: "alice", verdict: store.VerdictApprove, human: true},
			},
			wantApproved: true,
			wantScore:    2,
		},
		{
			name:         "agents cannot satisfy human requirement",
			quorum:       2,
			requireHuman: true,
			reviews: []seededReview{
				{reviewer: "agent-1", verdict: store.VerdictApprove},
				{reviewer: "agent-2", verdict: store.VerdictApprove},
				{reviewer: "agent-3", verdict: store.VerdictApprove},
			},
			wantApproved: false,
			wantScore:    3,
		},
		{
			name:         "human requirement met",
			quorum:       2,
			requireHuman: true,
			reviews: []seededReview{
				{reviewer: "agent-1", verdict: store.VerdictApprove},
				{reviewer: "alice", verdict: store.VerdictApprove, human: true},
			},
			wantApproved: true,
			wantScore:    2,
		},
		{
			name:   "rejections do not add weight",
			quorum: 1,
			reviews: []seededReview{
				{reviewer: "agent-1", verdict: store.VerdictApprove},
				{reviewer: "agent-2", verdict: store.VerdictReject},
			},
			wantApproved: true,
			wantScore:    1,
		},
		{
			name:         "zero quorum passes vacuously",
			quorum:       0,
			wantApproved: true,
			wantScore:    0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			defer st.Close()
			seedReviews(t, st, "s1", tc.reviews)

			repo := &store.Repo{
				ID:                   "platform",
				ReviewQuorum:         tc.quorum,
				HumanReviewWeight:    tc.humanWeight,
				RequireHumanApproval: tc.requireHuman,
			}
			stream := &store.Stream{ID: "s1", RepoID: "platform"}

			e := NewEvaluator(st.Reviews(), &fakeFlusher{}, nil)
			eval, err := e.Evaluate(context.Background(), stream, repo)
			require.NoError(t, err)
			assert.Equal(t, tc.wantApproved, eval.Approved, eval.Reason)
			assert.Equal(t, tc.wantScore, eval.Score)
			assert.NotEmpty(t, eval.Reason)
		})
	}
}

func TestEvaluateLatestVerdictWins(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	// agent-1 approves, then withdraws with a rejection.
	seedReviews(t, st, "s1", []seededReview{
		{reviewer: "agent-1", verdict: store.VerdictApprove},
		{reviewer: "agent-2", verdict: store.VerdictApprove},
		{reviewer: "agent-1", verdict: store.VerdictReject},
	})

	repo := &store.Repo{ID: "platform", ReviewQuorum: 2}
	e := NewEvaluator(st.Reviews(), &fakeFlusher{}, nil)

	eval, err := e.Evaluate(context.Background(), &store.Stream{ID: "s1"}, repo)
	require.NoError(t, err)
	assert.False(t, eval.Approved)
	assert.Equal(t, 1.0, eval.Score, "the withdrawn approval must not count")
	assert.Equal(t, 1, eval.Rejections)
}

func TestEvaluateFlushesBeforeScoring(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	seedReviews(t, st, "s1", []seededReview{{reviewer: "agent-1", verdict: store.VerdictApprove}})

	flusher := &fakeFlusher{}
	e := NewEvaluator(st.Reviews(), flusher, nil)

	_, err := e.Evaluate(context.Background(), &store.Stream{ID: "s1"}, &store.Repo{ReviewQuorum: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, flusher.calls, "evaluation must flush the queue first")
}

func TestEvaluateBlocksOnUndeliveredReviews(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	reviews := &trackingReviews{ReviewStore: st.Reviews()}
	flusher := &fakeFlusher{result: &syncqueue.FlushResult{
		Flushed:     1,
		Remaining:   2,
		FailedTypes: []store.EventType{store.EventReview, store.EventCommit},
	}}
	e := NewEvaluator(reviews, flusher, nil)

	_, err := e.Evaluate(context.Background(), &store.Stream{ID: "s1"}, &store.Repo{ReviewQuorum: 1})
	require.ErrorIs(t, err, ErrStaleReviewState)
	assert.Zero(t, reviews.listed, "a blocked evaluation must not score reviews")
}

func TestEvaluateToleratesNonReviewBacklog(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	seedReviews(t, st, "s1", []seededReview{{reviewer: "agent-1", verdict: store.VerdictApprove}})

	flusher := &fakeFlusher{result: &syncqueue.FlushResult{
		Remaining:   3,
		FailedTypes: []store.EventType{store.EventCommit, store.EventActivity},
	}}
	e := NewEvaluator(st.Reviews(), flusher, nil)

	eval, err := e.Evaluate(context.Background(), &store.Stream{ID: "s1"}, &store.Repo{ReviewQuorum: 1})
	require.NoError(t, err, "non-review backlog must not block evaluation")
	assert.True(t, eval.Approved)
}

func TestEvaluateFlusherFault(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	flusher := &fakeFlusher{err: errors.New("store closed")}
	e := NewEvaluator(st.Reviews(), flusher, nil)

	_, err := e.Evaluate(context.Background(), &store.Stream{ID: "s1"}, &store.Repo{ReviewQuorum: 1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrStaleReviewState)
}

func TestEvaluateWithoutFlusher(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	seedReviews(t, st, "s1", []seededReview{{reviewer: "agent-1", verdict: store.VerdictApprove}})

	e := NewEvaluator(st.Reviews(), nil, nil)

	eval, err := e.Evaluate(context.Background(), &store.Stream{ID: "s1"}, &store.Repo{ReviewQuorum: 1})
	require.NoError(t, err)
	assert.True(t, eval.Approved)
}
