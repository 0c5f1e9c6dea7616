package authority

import (
	"encoding/json"
	"time"

	"github.com/alexngai/gitswarm-sub001/swarm/store"
)

// MergeRequest asks the authority to decide and execute a stream merge
// on behalf of a subordinate instance.
type MergeRequest struct {
	// RequestID deduplicates retries of the same request.
	RequestID string `json:"request_id"`
	// AgentID identifies the requesting subordinate.
	AgentID string `json:"agent_id"`
	// RepoID and StreamID name the stream whose merge is requested.
	RepoID   string `json:"repo_id"`
	StreamID string `json:"stream_id"`
	// Branch is the stream's working branch.
	Branch string `json:"branch,omitempty"`
	// SubmittedAt is when the subordinate created the request.
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
}

// Validate checks the request for required fields.
func (r *MergeRequest) Validate() error {
	if r.AgentID == "" {
		return ErrRequestMissingAgent
	}
	if r.RepoID == "" {
		return ErrRequestMissingRepo
	}
	if r.StreamID == "" {
		return ErrRequestMissingStream
	}
	return nil
}

// Decision statuses returned by the authority. The authority either
// merges synchronously, accepts the request for later execution, or
// denies it. There is no status under which the subordinate may merge
// locally.
const (
	DecisionMerged   = "merged"
	DecisionDeferred = "deferred"
	DecisionDenied   = "denied"
)

// MergeDecision is the authority's verdict on a merge request.
// Approved is true for DecisionMerged and DecisionDeferred. Consensus
// is the review weight the authority recomputed from its own records,
// zero when the repo's merge mode never consults reviews. BufferBranch
// echoes the governing repo's buffer branch so the subordinate can
// report where the merge landed.
type MergeDecision struct {
	RequestID    string    `json:"request_id"`
	Approved     bool      `json:"approved"`
	Status       string    `json:"status"`
	Consensus    float64   `json:"consensus,omitempty"`
	BufferBranch string    `json:"buffer_branch,omitempty"`
	MergeRef     string    `json:"merge_ref,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	DecidedAt    time.Time `json:"decided_at,omitempty"`
}

// EventEnvelope carries one queued sync event on the wire.
type EventEnvelope struct {
	Seq      uint64          `json:"seq"`
	AgentID  string          `json:"agent_id"`
	Type     store.EventType `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	QueuedAt time.Time       `json:"queued_at,omitempty"`
}

// FromStoreEvent converts a queued event to its wire form.
func FromStoreEvent(e *store.SyncEvent) EventEnvelope {
	return EventEnvelope{
		Seq:      e.Seq,
		AgentID:  e.AgentID,
		Type:     e.Type,
		Payload:  json.RawMessage(e.Payload),
		QueuedAt: e.CreatedAt,
	}
}

// ToStoreEvent converts a wire envelope back to a store event. The
// sequence number is preserved so the receiving side can detect gaps.
func (e EventEnvelope) ToStoreEvent() *store.SyncEvent {
	return &store.SyncEvent{
		Seq:       e.Seq,
		AgentID:   e.AgentID,
		Type:      e.Type,
		Payload:   []byte(e.Payload),
		CreatedAt: e.QueuedAt,
	}
}

// PushReceipt reports how much of an ordered event batch the authority
// applied. Events are applied strictly in order: Accepted counts the
// leading events that succeeded, and Error describes why the next one
// failed. Accepted equal to the batch size means the whole batch
// applied.
type PushReceipt struct {
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}
