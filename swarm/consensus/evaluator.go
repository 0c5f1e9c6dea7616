package consensus

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/alexngai/gitswarm-sub001/swarm/store"
	"github.com/alexngai/gitswarm-sub001/swarm/syncqueue"
)

// ErrStaleReviewState blocks evaluation while review-critical events
// are still queued for the authority.
var ErrStaleReviewState = errors.New("consensus: review events not yet synced")

// Flusher drains the sync queue before an evaluation.
// syncqueue.Queue satisfies it.
type Flusher interface {
	Flush(ctx context.Context) (*syncqueue.FlushResult, error)
}

// Evaluation is the outcome of a consensus check. Approved is the
// verdict; the counters explain it.
type Evaluation struct {
	Approved       bool    `json:"approved"`
	Score          float64 `json:"score"`
	Quorum         float64 `json:"quorum"`
	AgentApprovals int     `json:"agent_approvals"`
	HumanApprovals int     `json:"human_approvals"`
	Rejections     int     `json:"rejections"`
	Reason         string  `json:"reason"`
}

// Evaluator computes weighted review consensus.
type Evaluator struct {
	reviews store.ReviewStore
	flusher Flusher
	logger  *zap.Logger
}

// NewEvaluator creates an evaluator. A nil flusher skips the pre-flush
// and is only appropriate for instances that never sync.
func NewEvaluator(reviews store.ReviewStore, flusher Flusher, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		reviews: reviews,
		flusher: flusher,
		logger:  logger.With(zap.String("component", "consensus")),
	}
}

// Evaluate flushes pending events and scores the stream's reviews
// against the repo's quorum. Each reviewer counts once, by their
// latest verdict: approving agents weigh 1, approving humans weigh the
// repo's human review weight. If review-critical events cannot be
// delivered the evaluation is aborted with ErrStaleReviewState before
// any scoring happens.
func (e *Evaluator) Evaluate(ctx context.Context, stream *store.Stream, repo *store.Repo) (*Evaluation, error) {
	if e.flusher != nil {
		result, err := e.flusher.Flush(ctx)
		if err != nil {
			return nil, err
		}
		if result.ReviewBlocked() {
			return nil, fmt.Errorf("%w: %d events undelivered for stream %s",
				ErrStaleReviewState, result.Remaining, stream.ID)
		}
	}

	reviews, err := e.reviews.ListByStream(ctx, stream.ID)
	if err != nil {
		return nil, err
	}

	humanWeight := repo.HumanReviewWeight
	if humanWeight <= 0 {
		humanWeight = 1
	}

	eval := &Evaluation{Quorum: repo.ReviewQuorum}
	for _, review := range latestVerdicts(reviews) {
		if review.Verdict != store.VerdictApprove {
			eval.Rejections++
			continue
		}
		if review.Human {
			eval.HumanApprovals++
			eval.Score += humanWeight
		} else {
			eval.AgentApprovals++
			eval.Score++
		}
	}

	switch {
	case eval.Score < eval.Quorum:
		eval.Reason = fmt.Sprintf("quorum not met: %.1f of %.1f", eval.Score, eval.Quorum)
	case repo.RequireHumanApproval && eval.HumanApprovals == 0:
		eval.Reason = "human approval required"
	default:
		eval.Approved = true
		eval.Reason = "quorum met"
	}

	e.logger.Debug("stream evaluated",
		zap.String("stream", stream.ID),
		zap.Bool("approved", eval.Approved),
		zap.Float64("score", eval.Score),
		zap.Float64("quorum", eval.Quorum),
		zap.String("reason", eval.Reason),
	)
	return eval, nil
}

// latestVerdicts collapses the review history to one review per
// reviewer, keeping the most recent verdict.
func latestVerdicts(reviews []*store.Review) []*store.Review {
	ordered := make([]*store.Review, len(reviews))
	copy(ordered, reviews)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	latest := make(map[string]*store.Review, len(ordered))
	order := make([]string, 0, len(ordered))
	for _, review := range ordered {
		if _, ok := latest[review.ReviewerID]; !ok {
			order = append(order, review.ReviewerID)
		}
		latest[review.ReviewerID] = review
	}

	out := make([]*store.Review, 0, len(order))
	for _, reviewer := range order {
		out = append(out, latest[reviewer])
	}
	return out
}
