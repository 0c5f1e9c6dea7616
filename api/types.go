package api

import (
	"time"

	"github.com/alexngai/gitswarm-sub001/swarm/authority"
	"github.com/alexngai/gitswarm-sub001/swarm/consensus"
	"github.com/alexngai/gitswarm-sub001/swarm/store"
)

// =============================================================================
// Response envelope
// =============================================================================

// Response is the envelope every federation endpoint that is not part
// of the subordinate wire contract wraps its payload in.
// @Description Unified API response structure
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo is the structured error carried inside a Response.
// @Description Structured error information
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"`
}

// =============================================================================
// Federation wire contract
// =============================================================================

// The merge-request and event-push bodies are shared with the
// subordinate client. The canonical definitions live in swarm/authority
// so the two sides of the wire cannot drift; these aliases exist so
// handler code and generated documentation stay inside this package.

// MergeRequest is a subordinate's request that the authority decide and
// execute a stream merge.
type MergeRequest = authority.MergeRequest

// MergeDecision is the authority's verdict: merged, deferred or denied.
type MergeDecision = authority.MergeDecision

// EventEnvelope carries one queued sync event on the wire.
type EventEnvelope = authority.EventEnvelope

// PushReceipt reports how many leading events of an ordered batch were
// applied.
type PushReceipt = authority.PushReceipt

// EventBatch is the body of an event push. Events must arrive in
// ascending sequence order; the authority applies them strictly in
// order and stops at the first failure.
// @Description Ordered sync event batch
type EventBatch struct {
	Events []EventEnvelope `json:"events"`
}

// =============================================================================
// Read model
// =============================================================================

// ReviewInfo is one reviewer's verdict as reported by the stream
// endpoint.
// @Description Review verdict summary
type ReviewInfo struct {
	// Reviewer identity
	ReviewerID string `json:"reviewer_id"`
	// Verdict is "approve" or "reject"
	Verdict string `json:"verdict"`
	// Human flags a person-authored review
	Human bool `json:"human"`
	// When the verdict was recorded
	CreatedAt time.Time `json:"created_at"`
}

// StreamSummary is the authority's view of one stream: its current
// lifecycle state, the collapsed review verdicts, and the consensus
// evaluation against the owning repo's quorum.
// @Description Stream state with reviews and consensus
type StreamSummary struct {
	Stream *store.Stream `json:"stream"`
	// RepoID and MergeMode identify the governing configuration
	RepoID    string `json:"repo_id"`
	MergeMode string `json:"merge_mode"`
	// Reviews are the verdicts on record for this stream
	Reviews []ReviewInfo `json:"reviews,omitempty"`
	// Evaluation is the current consensus verdict, present only for
	// repos whose merge mode consults reviews
	Evaluation *consensus.Evaluation `json:"evaluation,omitempty"`
}

// MergeRecordList is the audit log read model.
// @Description Merge audit records, newest first
type MergeRecordList struct {
	Records []*store.MergeRecord `json:"records"`
	Count   int                  `json:"count"`
}
