package gating

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alexngai/gitswarm-sub001/swarm/authority"
	"github.com/alexngai/gitswarm-sub001/swarm/consensus"
	"github.com/alexngai/gitswarm-sub001/swarm/store"
	"github.com/alexngai/gitswarm-sub001/swarm/syncqueue"
)

// OperatingMode selects how this instance relates to a remote
// authority.
type OperatingMode string

const (
	// ModeDisconnected runs fully local governance.
	ModeDisconnected OperatingMode = "disconnected"
	// ModeSynced defers gated decisions to the remote authority.
	ModeSynced OperatingMode = "synced"
)

// Outcome is a gating verdict.
type Outcome string

const (
	// OutcomeAllowed permits the merge to execute now.
	OutcomeAllowed Outcome = "allowed"
	// OutcomeDenied refuses the merge.
	OutcomeDenied Outcome = "denied"
	// OutcomeQueued means the decision was handed off: either queued
	// for an offline authority or accepted by it for later execution.
	OutcomeQueued Outcome = "queued"
)

// Decision is the result of a gating check.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason"`
	// Source names the mechanism that decided: swarm_policy, consensus,
	// maintainer, authority, or sync_queue.
	Source string `json:"source"`
	// RemoteExecuted means the authority already performed the merge;
	// the caller must record it rather than merge again.
	RemoteExecuted bool   `json:"remote_executed,omitempty"`
	MergeRef       string `json:"merge_ref,omitempty"`
	// Evaluation carries the consensus detail for review-mode repos.
	Evaluation *consensus.Evaluation `json:"evaluation,omitempty"`
}

// Allowed reports whether the merge may execute locally now.
func (d *Decision) Allowed() bool { return d.Outcome == OutcomeAllowed }

// Config holds coordinator configuration.
type Config struct {
	// AgentID identifies this instance in authority requests and queued
	// events.
	AgentID string
	// Mode selects disconnected or synced operation. Empty defaults to
	// disconnected.
	Mode OperatingMode
}

// Coordinator runs gating checks.
type Coordinator struct {
	config    Config
	evaluator *consensus.Evaluator
	authority authority.Client
	queue     *syncqueue.Queue
	logger    *zap.Logger
}

// NewCoordinator creates a coordinator. The authority client and queue
// may be nil for disconnected instances; a synced instance without an
// authority client degrades to queueing every gated request.
func NewCoordinator(config Config, evaluator *consensus.Evaluator, auth authority.Client, queue *syncqueue.Queue, logger *zap.Logger) *Coordinator {
	if config.Mode == "" {
		config.Mode = ModeDisconnected
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		config:    config,
		evaluator: evaluator,
		authority: auth,
		queue:     queue,
		logger:    logger.With(zap.String("component", "gating")),
	}
}

// Authorize decides whether actorID may merge the stream. The error
// return is reserved for faults (store failures, stale review state);
// refusals are decisions.
func (c *Coordinator) Authorize(ctx context.Context, actorID string, stream *store.Stream, repo *store.Repo) (*Decision, error) {
	var (
		decision *Decision
		err      error
	)
	switch repo.MergeMode {
	case store.MergeModeSwarm:
		decision = &Decision{
			Outcome: OutcomeAllowed,
			Source:  "swarm_policy",
			Reason:  "swarm repos merge without review",
		}
	case store.MergeModeReview:
		decision, err = c.authorizeReview(ctx, stream, repo)
	case store.MergeModeGated:
		decision, err = c.authorizeGated(ctx, actorID, stream, repo)
	default:
		return nil, fmt.Errorf("%w: merge mode %q for repo %s", store.ErrInvalidConfig, repo.MergeMode, repo.ID)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Info("merge authorization",
		zap.String("stream", stream.ID),
		zap.String("repo", repo.ID),
		zap.String("mode", string(repo.MergeMode)),
		zap.String("outcome", string(decision.Outcome)),
		zap.String("source", decision.Source),
	)
	return decision, nil
}

func (c *Coordinator) authorizeReview(ctx context.Context, stream *store.Stream, repo *store.Repo) (*Decision, error) {
	eval, err := c.evaluator.Evaluate(ctx, stream, repo)
	if err != nil {
		return nil, err
	}
	decision := &Decision{
		Source:     "consensus",
		Reason:     eval.Reason,
		Evaluation: eval,
	}
	if eval.Approved {
		decision.Outcome = OutcomeAllowed
	} else {
		decision.Outcome = OutcomeDenied
	}
	return decision, nil
}

func (c *Coordinator) authorizeGated(ctx context.Context, actorID string, stream *store.Stream, repo *store.Repo) (*Decision, error) {
	if c.config.Mode == ModeDisconnected {
		return c.maintainerDecision(actorID, stream), nil
	}

	if c.authority == nil || !c.authority.Online(ctx) {
		return c.queueMergeRequest(ctx, actorID, stream, repo)
	}

	verdict, err := c.authority.RequestMerge(ctx, &authority.MergeRequest{
		RequestID:   uuid.New().String(),
		AgentID:     c.config.AgentID,
		RepoID:      repo.ID,
		StreamID:    stream.ID,
		Branch:      stream.Branch,
		SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		// The authority dropped offline mid-request. Queue instead of
		// deciding locally.
		if errors.Is(err, authority.ErrUnavailable) {
			return c.queueMergeRequest(ctx, actorID, stream, repo)
		}
		return nil, err
	}

	c.logger.Debug("authority verdict",
		zap.String("stream", stream.ID),
		zap.String("status", verdict.Status),
		zap.Float64("consensus", verdict.Consensus),
		zap.String("buffer_branch", verdict.BufferBranch),
	)

	decision := &Decision{Source: "authority", Reason: verdict.Reason}
	switch verdict.Status {
	case authority.DecisionMerged:
		decision.Outcome = OutcomeAllowed
		decision.RemoteExecuted = true
		decision.MergeRef = verdict.MergeRef
		if decision.Reason == "" {
			decision.Reason = "merged by authority"
		}
	case authority.DecisionDeferred:
		decision.Outcome = OutcomeQueued
		if decision.Reason == "" {
			decision.Reason = "accepted by authority for later execution"
		}
	default:
		decision.Outcome = OutcomeDenied
		if decision.Reason == "" {
			decision.Reason = "denied by authority"
		}
	}
	return decision, nil
}

// maintainerDecision is the whole of disconnected gated governance:
// only the stream's maintainer may approve the merge.
func (c *Coordinator) maintainerDecision(actorID string, stream *store.Stream) *Decision {
	switch {
	case stream.MaintainerID == "":
		return &Decision{
			Outcome: OutcomeDenied,
			Source:  "maintainer",
			Reason:  "stream has no maintainer",
		}
	case actorID != stream.MaintainerID:
		return &Decision{
			Outcome: OutcomeDenied,
			Source:  "maintainer",
			Reason:  fmt.Sprintf("only maintainer %s may approve", stream.MaintainerID),
		}
	default:
		return &Decision{
			Outcome: OutcomeAllowed,
			Source:  "maintainer",
			Reason:  "approved by stream maintainer",
		}
	}
}

// queueMergeRequest records the merge request as a durable sync event
// for delivery once the authority is reachable again.
func (c *Coordinator) queueMergeRequest(ctx context.Context, actorID string, stream *store.Stream, repo *store.Repo) (*Decision, error) {
	if c.queue == nil {
		return nil, fmt.Errorf("%w: synced instance has no sync queue", store.ErrInvalidConfig)
	}

	payload := map[string]string{
		"request_id":   uuid.New().String(),
		"repo_id":      repo.ID,
		"stream_id":    stream.ID,
		"branch":       stream.Branch,
		"requested_by": actorID,
	}
	event, err := c.queue.Enqueue(ctx, store.EventMergeRequest, payload)
	if err != nil {
		return nil, err
	}

	c.logger.Info("merge request queued for offline authority",
		zap.String("stream", stream.ID),
		zap.Uint64("seq", event.Seq),
	)
	return &Decision{
		Outcome: OutcomeQueued,
		Source:  "sync_queue",
		Reason:  "authority offline; merge request queued",
	}, nil
}
