package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/alexngai/gitswarm-sub001/api"
	"github.com/alexngai/gitswarm-sub001/internal/cache"
	"github.com/alexngai/gitswarm-sub001/internal/metrics"
	"github.com/alexngai/gitswarm-sub001/swarm/authority"
	"github.com/alexngai/gitswarm-sub001/swarm/consensus"
	"github.com/alexngai/gitswarm-sub001/swarm/executor"
	"github.com/alexngai/gitswarm-sub001/swarm/store"
)

// =============================================================================
// Federation handler
// =============================================================================

// FederationHandler serves the authority side of the federation wire
// contract: merge delegation, ordered event ingestion, and the stream
// and audit read models.
//
// Merge requests are deduplicated per repo/stream with singleflight,
// and execution is serialized per stream, so concurrent requests from
// many subordinates cannot double-merge.
type FederationHandler struct {
	store     store.Store
	evaluator *consensus.Evaluator
	executor  *executor.Executor
	dedupe    cache.Dedupe
	feed      *Feed
	metrics   *metrics.Collector
	logger    *zap.Logger

	group sync.Map // stream id -> *sync.Mutex
	sf    singleflight.Group
}

// NewFederationHandler creates the federation handler. The feed,
// dedupe and metrics collaborators may be nil; a nil dedupe disables
// idempotent re-acknowledgement.
func NewFederationHandler(st store.Store, evaluator *consensus.Evaluator, exec *executor.Executor, dedupe cache.Dedupe, feed *Feed, collector *metrics.Collector, logger *zap.Logger) *FederationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FederationHandler{
		store:     st,
		evaluator: evaluator,
		executor:  exec,
		dedupe:    dedupe,
		feed:      feed,
		metrics:   collector,
		logger:    logger.With(zap.String("component", "federation")),
	}
}

// RegisterRoutes mounts the federation endpoints on mux.
func (h *FederationHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/federation/merge-requests", h.HandleMergeRequest)
	mux.HandleFunc("POST /api/v1/federation/agents/{agent}/events", h.HandlePushEvents)
	mux.HandleFunc("GET /api/v1/federation/streams/{id}", h.HandleGetStream)
	mux.HandleFunc("GET /api/v1/federation/merge-records", h.HandleListMergeRecords)
	if h.feed != nil {
		mux.HandleFunc("GET /api/v1/federation/events/ws", h.feed.HandleEventsFeed)
	}
}

// streamLock returns the mutex serializing execution for one stream.
func (h *FederationHandler) streamLock(streamID string) *sync.Mutex {
	v, _ := h.group.LoadOrStore(streamID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// =============================================================================
// Merge delegation
// =============================================================================

// HandleMergeRequest decides and, when approved, executes a
// subordinate's merge request. The response body is the bare
// MergeDecision the subordinate client decodes.
// @Summary Request a stream merge
// @Description Decide a merge request; approved requests execute synchronously
// @Tags federation
// @Accept json
// @Produce json
// @Param request body api.MergeRequest true "Merge request"
// @Success 200 {object} api.MergeDecision "Decision"
// @Failure 400 {object} Response "Invalid request"
// @Failure 404 {object} Response "Unknown stream or repo"
// @Security BearerAuth
// @Router /api/v1/federation/merge-requests [post]
func (h *FederationHandler) HandleMergeRequest(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.MergeRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := req.Validate(); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), h.logger)
		return
	}

	// Concurrent identical requests share one decision.
	key := req.RepoID + "/" + req.StreamID
	v, err, _ := h.sf.Do(key, func() (any, error) {
		return h.decideMerge(r.Context(), &req)
	})
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	decision := v.(*api.MergeDecision)
	h.metrics.RecordMergeDecision(decision.Status)
	h.logger.Info("merge request decided",
		zap.String("agent", req.AgentID),
		zap.String("stream", req.StreamID),
		zap.String("status", decision.Status),
	)
	WriteJSON(w, http.StatusOK, decision)
}

// decideMerge runs the authority's merge pipeline: verify the stream,
// recompute consensus from authority-side reviews, and execute through
// the proposal machinery when the policy allows it.
func (h *FederationHandler) decideMerge(ctx context.Context, req *api.MergeRequest) (*api.MergeDecision, error) {
	lock := h.streamLock(req.StreamID)
	lock.Lock()
	defer lock.Unlock()

	stream, err := h.store.Streams().Get(ctx, req.StreamID)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", req.StreamID, err)
	}
	if stream.RepoID != req.RepoID {
		return nil, fmt.Errorf("%w: stream %s belongs to repo %s, not %s",
			store.ErrInvalidInput, stream.ID, stream.RepoID, req.RepoID)
	}
	repo, err := h.store.Repos().Get(ctx, stream.RepoID)
	if err != nil {
		return nil, fmt.Errorf("repo configuration %s: %w", stream.RepoID, err)
	}

	decision := &api.MergeDecision{
		RequestID:    req.RequestID,
		BufferBranch: repo.BufferBranch,
		DecidedAt:    time.Now().UTC(),
	}

	switch stream.ReviewStatus {
	case store.StreamMerged:
		// Idempotent: re-requesting a merged stream reports the merge.
		decision.Approved = true
		decision.Status = authority.DecisionMerged
		decision.Reason = "stream is already merged"
		if record := h.latestRecord(ctx, stream.ID); record != nil {
			decision.MergeRef = record.MergeRef
		}
		return decision, nil
	case store.StreamReverted:
		decision.Status = authority.DecisionDenied
		decision.Reason = "stream was reverted"
		return decision, nil
	}

	// Policy check. Swarm repos merge unconditionally; everything else
	// needs the authority-side review quorum.
	if repo.MergeMode != store.MergeModeSwarm {
		if stream.ReviewStatus == store.StreamDraft {
			decision.Status = authority.DecisionDenied
			decision.Reason = "stream has not been submitted for review"
			return decision, nil
		}
		eval, err := h.evaluator.Evaluate(ctx, stream, repo)
		if err != nil {
			return nil, err
		}
		decision.Consensus = eval.Score
		if !eval.Approved {
			decision.Status = authority.DecisionDenied
			decision.Reason = eval.Reason
			return decision, nil
		}
	}

	// Walk the stream to approved so the executor accepts it.
	if err := h.advanceToApproved(ctx, stream); err != nil {
		return nil, err
	}

	result, err := h.executeMerge(ctx, stream)
	if err != nil {
		return nil, err
	}

	if result.Executed {
		decision.Approved = true
		decision.Status = authority.DecisionMerged
		decision.Reason = "merged by authority"
		if result.Record != nil {
			decision.MergeRef = result.Record.MergeRef
		}
		h.metrics.RecordMerge(h.recordBackend(result), result.Outcome)
		return decision, nil
	}

	// Soft backend failure: the stream is parked approved_pending_merge
	// and the proposal stays passed, so a retry resumes the merge.
	decision.Approved = true
	decision.Status = authority.DecisionDeferred
	decision.Reason = fmt.Sprintf("merge deferred: %s", result.Outcome)
	return decision, nil
}

// advanceToApproved moves draft and pending streams to approved.
// Streams already approved or parked pending merge pass through.
func (h *FederationHandler) advanceToApproved(ctx context.Context, stream *store.Stream) error {
	if stream.ReviewStatus == store.StreamDraft {
		if err := h.store.Streams().UpdateStatus(ctx, stream.ID, store.StreamPending); err != nil {
			return err
		}
		stream.ReviewStatus = store.StreamPending
	}
	if stream.ReviewStatus == store.StreamPending {
		if err := h.store.Streams().UpdateStatus(ctx, stream.ID, store.StreamApproved); err != nil {
			return err
		}
		stream.ReviewStatus = store.StreamApproved
	}
	return nil
}

// executeMerge finds or creates the stream's passed merge proposal and
// runs it. Reusing a parked proposal keeps retries idempotent.
func (h *FederationHandler) executeMerge(ctx context.Context, stream *store.Stream) (*executor.ExecutionResult, error) {
	proposal, err := h.findMergeProposal(ctx, stream.ID)
	if err != nil {
		return nil, err
	}
	if proposal == nil {
		proposal = &store.CouncilProposal{
			ID:       uuid.New().String(),
			Type:     store.ProposalMergeStream,
			StreamID: stream.ID,
			VotesFor: 1,
			Status:   store.ProposalPassed,
		}
		if err := h.store.Proposals().Save(ctx, proposal); err != nil {
			return nil, err
		}
	}
	return h.executor.ExecuteProposal(ctx, proposal.ID)
}

// findMergeProposal returns the stream's passed merge proposal, if one
// exists from an earlier deferred attempt.
func (h *FederationHandler) findMergeProposal(ctx context.Context, streamID string) (*store.CouncilProposal, error) {
	passed, err := h.store.Proposals().ListByStatus(ctx, store.ProposalPassed)
	if err != nil {
		return nil, err
	}
	for _, p := range passed {
		if p.StreamID == streamID && p.Type == store.ProposalMergeStream {
			return p, nil
		}
	}
	return nil, nil
}

// latestRecord returns the newest audit record for a stream, or nil.
func (h *FederationHandler) latestRecord(ctx context.Context, streamID string) *store.MergeRecord {
	records, err := h.store.MergeRecords().List(ctx, 100)
	if err != nil {
		return nil
	}
	for _, record := range records {
		if record.StreamID == streamID {
			return record
		}
	}
	return nil
}

// recordBackend names the backend from an execution result for
// metrics, tolerating results without a record.
func (h *FederationHandler) recordBackend(result *executor.ExecutionResult) string {
	if result.Record != nil {
		return string(result.Record.Backend)
	}
	return "unknown"
}

// =============================================================================
// Event ingestion
// =============================================================================

// mergeRequestPayload is the queued form of a gated merge request,
// enqueued by subordinates while their authority was unreachable.
type mergeRequestPayload struct {
	RequestID   string `json:"request_id"`
	RepoID      string `json:"repo_id"`
	StreamID    string `json:"stream_id"`
	Branch      string `json:"branch"`
	RequestedBy string `json:"requested_by"`
}

// HandlePushEvents ingests one agent's ordered event batch. Events
// apply strictly in order; the receipt reports how many leading events
// applied and why the next one failed. Re-pushed events that were
// already applied acknowledge without reapplying.
// @Summary Push queued sync events
// @Description Apply an ordered batch of sync events for one agent
// @Tags federation
// @Accept json
// @Produce json
// @Param agent path string true "Agent ID"
// @Param request body api.EventBatch true "Ordered event batch"
// @Success 200 {object} api.PushReceipt "Applied count"
// @Failure 400 {object} Response "Invalid request"
// @Security BearerAuth
// @Router /api/v1/federation/agents/{agent}/events [post]
func (h *FederationHandler) HandlePushEvents(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	agentID := extractAgentID(r)
	if agentID == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "agent ID is required", h.logger)
		return
	}

	var batch api.EventBatch
	if err := DecodeJSONBody(w, r, &batch, h.logger); err != nil {
		return
	}

	receipt := h.applyEvents(r.Context(), agentID, batch.Events)
	h.logger.Info("event batch applied",
		zap.String("agent", agentID),
		zap.Int("batch", len(batch.Events)),
		zap.Int("accepted", receipt.Accepted),
	)
	WriteJSON(w, http.StatusOK, receipt)
}

// applyEvents walks the batch in order and stops at the first failure.
func (h *FederationHandler) applyEvents(ctx context.Context, agentID string, events []api.EventEnvelope) *api.PushReceipt {
	receipt := &api.PushReceipt{}
	var lastSeq uint64

	for i, env := range events {
		if env.AgentID != "" && env.AgentID != agentID {
			receipt.Error = fmt.Sprintf("event %d: agent %s does not match batch agent %s", i, env.AgentID, agentID)
			h.metrics.RecordEventRejected(string(env.Type))
			return receipt
		}
		if i > 0 && env.Seq <= lastSeq {
			receipt.Error = fmt.Sprintf("event %d: sequence %d out of order after %d", i, env.Seq, lastSeq)
			h.metrics.RecordEventRejected(string(env.Type))
			return receipt
		}
		lastSeq = env.Seq

		applied, err := h.alreadyApplied(ctx, agentID, env.Seq)
		if err != nil {
			receipt.Error = fmt.Sprintf("event %d: %v", i, err)
			return receipt
		}
		if applied {
			// Seen before: acknowledge without reapplying.
			receipt.Accepted = i + 1
			continue
		}

		if err := h.applyEvent(ctx, env); err != nil {
			receipt.Error = fmt.Sprintf("event %d (%s, seq %d): %v", i, env.Type, env.Seq, err)
			h.metrics.RecordEventRejected(string(env.Type))
			return receipt
		}

		receipt.Accepted = i + 1
		h.metrics.RecordEventApplied(string(env.Type))
		h.feed.Publish(env)
	}
	return receipt
}

// alreadyApplied consults the idempotency markers. Without a dedupe
// every event counts as new.
func (h *FederationHandler) alreadyApplied(ctx context.Context, agentID string, seq uint64) (bool, error) {
	if h.dedupe == nil {
		return false, nil
	}
	return h.dedupe.MarkApplied(ctx, fmt.Sprintf("%s:%d", agentID, seq))
}

// applyEvent applies one event to authority-side state.
func (h *FederationHandler) applyEvent(ctx context.Context, env api.EventEnvelope) error {
	switch env.Type {
	case store.EventSubmitReview:
		return h.applySubmitReview(ctx, env.Payload)
	case store.EventReview:
		return h.applyReview(ctx, env.Payload)
	case store.EventMergeRequest:
		return h.applyQueuedMergeRequest(ctx, env.Payload)
	case store.EventCommit, store.EventActivity:
		// Pure activity: no state change, feed broadcast only.
		return nil
	default:
		return fmt.Errorf("%w: unknown event type %q", store.ErrInvalidInput, env.Type)
	}
}

// applySubmitReview registers a stream, or moves a known one into
// review.
func (h *FederationHandler) applySubmitReview(ctx context.Context, payload json.RawMessage) error {
	var stream store.Stream
	if err := json.Unmarshal(payload, &stream); err != nil {
		return fmt.Errorf("%w: malformed stream payload: %v", store.ErrInvalidInput, err)
	}
	if stream.ID == "" || stream.RepoID == "" {
		return fmt.Errorf("%w: stream payload missing id or repo", store.ErrInvalidInput)
	}

	existing, err := h.store.Streams().Get(ctx, stream.ID)
	if errors.Is(err, store.ErrNotFound) {
		stream.ReviewStatus = store.StreamPending
		return h.store.Streams().Save(ctx, &stream)
	}
	if err != nil {
		return err
	}
	if existing.ReviewStatus == store.StreamPending {
		return nil
	}
	return h.store.Streams().UpdateStatus(ctx, stream.ID, store.StreamPending)
}

// applyReview records a reviewer's verdict against a known stream.
func (h *FederationHandler) applyReview(ctx context.Context, payload json.RawMessage) error {
	var review store.Review
	if err := json.Unmarshal(payload, &review); err != nil {
		return fmt.Errorf("%w: malformed review payload: %v", store.ErrInvalidInput, err)
	}
	if review.StreamID == "" || review.ReviewerID == "" {
		return fmt.Errorf("%w: review payload missing stream or reviewer", store.ErrInvalidInput)
	}
	if _, err := h.store.Streams().Get(ctx, review.StreamID); err != nil {
		return fmt.Errorf("stream %s: %w", review.StreamID, err)
	}
	return h.store.Reviews().Save(ctx, &review)
}

// applyQueuedMergeRequest processes a merge request queued while the
// authority was unreachable. The decision is an outcome, not an apply
// failure: a denied request still acknowledges, and the verdict
// reaches subordinates through the activity feed.
func (h *FederationHandler) applyQueuedMergeRequest(ctx context.Context, payload json.RawMessage) error {
	var queued mergeRequestPayload
	if err := json.Unmarshal(payload, &queued); err != nil {
		return fmt.Errorf("%w: malformed merge request payload: %v", store.ErrInvalidInput, err)
	}
	if queued.StreamID == "" || queued.RepoID == "" {
		return fmt.Errorf("%w: merge request payload missing stream or repo", store.ErrInvalidInput)
	}

	req := &api.MergeRequest{
		RequestID: queued.RequestID,
		AgentID:   queued.RequestedBy,
		RepoID:    queued.RepoID,
		StreamID:  queued.StreamID,
		Branch:    queued.Branch,
	}
	decision, err := h.decideMerge(ctx, req)
	if err != nil {
		return err
	}

	h.metrics.RecordMergeDecision(decision.Status)
	h.logger.Info("queued merge request decided",
		zap.String("stream", queued.StreamID),
		zap.String("requested_by", queued.RequestedBy),
		zap.String("status", decision.Status),
	)
	h.publishDecision(decision, queued.RequestedBy)
	return nil
}

// publishDecision broadcasts a merge decision on the activity feed.
func (h *FederationHandler) publishDecision(decision *api.MergeDecision, agentID string) {
	payload, err := json.Marshal(decision)
	if err != nil {
		return
	}
	h.feed.Publish(api.EventEnvelope{
		AgentID:  agentID,
		Type:     store.EventActivity,
		Payload:  payload,
		QueuedAt: time.Now().UTC(),
	})
}

// =============================================================================
// Read models
// =============================================================================

// HandleGetStream reports a stream's state, reviews and consensus.
// @Summary Get stream state
// @Description Stream lifecycle state with reviews and consensus evaluation
// @Tags federation
// @Produce json
// @Param id path string true "Stream ID"
// @Success 200 {object} Response{data=api.StreamSummary} "Stream summary"
// @Failure 404 {object} Response "Stream not found"
// @Security BearerAuth
// @Router /api/v1/federation/streams/{id} [get]
func (h *FederationHandler) HandleGetStream(w http.ResponseWriter, r *http.Request) {
	streamID := extractStreamID(r)
	if streamID == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "stream ID is required", h.logger)
		return
	}

	ctx := r.Context()
	stream, err := h.store.Streams().Get(ctx, streamID)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	repo, err := h.store.Repos().Get(ctx, stream.RepoID)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	summary := api.StreamSummary{
		Stream:    stream,
		RepoID:    repo.ID,
		MergeMode: string(repo.MergeMode),
	}

	reviews, err := h.store.Reviews().ListByStream(ctx, streamID)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	for _, review := range reviews {
		summary.Reviews = append(summary.Reviews, api.ReviewInfo{
			ReviewerID: review.ReviewerID,
			Verdict:    string(review.Verdict),
			Human:      review.Human,
			CreatedAt:  review.CreatedAt,
		})
	}

	if repo.MergeMode != store.MergeModeSwarm {
		eval, err := h.evaluator.Evaluate(ctx, stream, repo)
		if err != nil {
			WriteDomainError(w, err, h.logger)
			return
		}
		summary.Evaluation = eval
	}

	WriteSuccess(w, summary)
}

// HandleListMergeRecords lists the newest audit records.
// @Summary List merge audit records
// @Description Most recent merge/revert/promote audit entries, newest first
// @Tags federation
// @Produce json
// @Param limit query int false "Maximum records to return" default(50)
// @Success 200 {object} Response{data=api.MergeRecordList} "Audit records"
// @Security BearerAuth
// @Router /api/v1/federation/merge-records [get]
func (h *FederationHandler) HandleListMergeRecords(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be a positive integer", h.logger)
			return
		}
		limit = parsed
	}

	records, err := h.store.MergeRecords().List(r.Context(), limit)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	WriteSuccess(w, api.MergeRecordList{
		Records: records,
		Count:   len(records),
	})
}

// =============================================================================
// Path helpers
// =============================================================================

// extractAgentID pulls the agent ID from the events push path.
// Supports Go 1.22+ wildcard patterns with a manual fallback.
func extractAgentID(r *http.Request) string {
	if id := r.PathValue("agent"); id != "" {
		return id
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// api/v1/federation/agents/{agent}/events
	if len(parts) >= 6 && parts[3] == "agents" && parts[5] == "events" {
		return parts[4]
	}
	return ""
}

// extractStreamID pulls the stream ID from the stream path.
func extractStreamID(r *http.Request) string {
	if id := r.PathValue("id"); id != "" {
		return id
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/federation/streams/")
	if path != "" && path != r.URL.Path && !strings.Contains(path, "/") {
		return path
	}
	return ""
}
