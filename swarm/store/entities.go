package store

import (
	"time"
)

// MergeMode is a repo's merge governance policy.
type MergeMode string

const (
	// MergeModeSwarm allows any stream to be proposed for merge directly,
	// with no gating and no consensus check.
	MergeModeSwarm MergeMode = "swarm"

	// MergeModeReview requires sufficient approving review weight before
	// a merge may proceed.
	MergeModeReview MergeMode = "review"

	// MergeModeGated requires elevated approval: a local maintainer check
	// in disconnected operation, or a remote authority decision when a
	// session is present.
	MergeModeGated MergeMode = "gated"
)

// Valid reports whether the merge mode is a known value.
func (m MergeMode) Valid() bool {
	switch m {
	case MergeModeSwarm, MergeModeReview, MergeModeGated:
		return true
	}
	return false
}

// GitBackend selects the merge engine a repo's operations execute
// against.
type GitBackend string

const (
	// BackendCascade is the local cascading-merge engine operating
	// directly on repository storage.
	BackendCascade GitBackend = "cascade"

	// BackendRemoteAPI executes merge/revert/promote through an external
	// code-hosting service's request model.
	BackendRemoteAPI GitBackend = "remote-api"
)

// Valid reports whether the backend is a known value.
func (b GitBackend) Valid() bool {
	switch b {
	case BackendCascade, BackendRemoteAPI:
		return true
	}
	return false
}

// StreamStatus is the review lifecycle state of a stream. Exactly one
// authoritative status exists at any time.
type StreamStatus string

const (
	StreamDraft    StreamStatus = "draft"
	StreamPending  StreamStatus = "pending"
	StreamApproved StreamStatus = "approved"

	// StreamApprovedPendingMerge marks a stream whose governance decision
	// passed but whose merge has not yet been achieved. It is not
	// terminal: retries resume from it without re-running governance.
	StreamApprovedPendingMerge StreamStatus = "approved_pending_merge"

	StreamMerged   StreamStatus = "merged"
	StreamReverted StreamStatus = "reverted"
)

// streamTransitions is the complete legal transition table. A stream
// never reaches merged without passing through approved.
var streamTransitions = map[StreamStatus][]StreamStatus{
	StreamDraft:                {StreamPending},
	StreamPending:              {StreamApproved},
	StreamApproved:             {StreamMerged, StreamApprovedPendingMerge, StreamReverted},
	StreamApprovedPendingMerge: {StreamMerged, StreamReverted},
	StreamMerged:               {StreamReverted},
	StreamReverted:             {},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s StreamStatus) CanTransitionTo(next StreamStatus) bool {
	for _, allowed := range streamTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether the status is a known value.
func (s StreamStatus) Valid() bool {
	_, ok := streamTransitions[s]
	return ok
}

// ProposalType identifies the governance action a council proposal
// requests.
type ProposalType string

const (
	ProposalMergeStream  ProposalType = "merge_stream"
	ProposalRevertStream ProposalType = "revert_stream"
	ProposalPromote      ProposalType = "promote"
)

// Valid reports whether the proposal type is a known value.
func (t ProposalType) Valid() bool {
	switch t {
	case ProposalMergeStream, ProposalRevertStream, ProposalPromote:
		return true
	}
	return false
}

// ProposalStatus is the lifecycle state of a council proposal.
// open→passed/failed is driven by voting; passed→executed is driven
// exclusively by the proposal executor.
type ProposalStatus string

const (
	ProposalOpen     ProposalStatus = "open"
	ProposalPassed   ProposalStatus = "passed"
	ProposalFailed   ProposalStatus = "failed"
	ProposalExecuted ProposalStatus = "executed"
)

// EventType classifies a queued sync event.
type EventType string

const (
	EventReview       EventType = "review"
	EventSubmitReview EventType = "submit_review"
	EventCommit       EventType = "commit"
	EventActivity     EventType = "activity"

	// EventMergeRequest is a gated merge request queued while the remote
	// authority is unreachable.
	EventMergeRequest EventType = "merge_request"
)

// Valid reports whether the event type is a known value.
func (t EventType) Valid() bool {
	switch t {
	case EventReview, EventSubmitReview, EventCommit, EventActivity, EventMergeRequest:
		return true
	}
	return false
}

// Repo is the governance configuration for one federated project. It is
// immutable during a single proposal's lifecycle.
type Repo struct {
	ID string `json:"id" yaml:"id" gorm:"primaryKey;size:64"`

	// Name is a human-readable project identifier
	Name string `json:"name" yaml:"name" gorm:"size:255"`

	// MergeMode is the governance policy applied to merge attempts
	MergeMode MergeMode `json:"merge_mode" yaml:"merge_mode" gorm:"size:16"`

	// GitBackend selects cascade or remote-api execution
	GitBackend GitBackend `json:"git_backend" yaml:"git_backend" gorm:"size:16"`

	// BufferBranch is the staging branch streams merge into
	BufferBranch string `json:"buffer_branch" yaml:"buffer_branch" gorm:"size:255"`

	// PromoteTarget is the branch promotions fast-forward into
	PromoteTarget string `json:"promote_target" yaml:"promote_target" gorm:"size:255"`

	// RequireHumanApproval demands at least one human-authored approving
	// review in addition to the weighted quorum
	RequireHumanApproval bool `json:"require_human_approval" yaml:"require_human_approval"`

	// HumanReviewWeight multiplies the weight of reviews flagged as
	// human-authored
	HumanReviewWeight float64 `json:"human_review_weight" yaml:"human_review_weight"`

	// ReviewQuorum is the approving weight required for consensus to pass
	ReviewQuorum float64 `json:"review_quorum" yaml:"review_quorum"`

	// PluginTiers lists declared plugin identifiers, checked by
	// compatibility signaling
	PluginTiers []string `json:"plugin_tiers" yaml:"plugin_tiers" gorm:"serializer:json"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Validate checks that required governance fields are present and known.
func (r *Repo) Validate() error {
	if r.ID == "" {
		return ErrInvalidInput
	}
	if !r.MergeMode.Valid() || !r.GitBackend.Valid() {
		return ErrInvalidConfig
	}
	return nil
}

// Stream is a unit of proposed change: a long-lived branch subject to
// governance before merge.
type Stream struct {
	ID string `json:"id" gorm:"primaryKey;size:64"`

	RepoID string `json:"repo_id" gorm:"index;size:64"`

	// Branch is the git branch carrying the proposed change
	Branch string `json:"branch" gorm:"size:255"`

	Title string `json:"title" gorm:"size:255"`

	// MaintainerID identifies the stream's maintainer, consulted by the
	// gating coordinator in disconnected operation
	MaintainerID string `json:"maintainer_id" gorm:"size:64"`

	ReviewStatus StreamStatus `json:"review_status" gorm:"size:32;index"`

	// RemoteFlag carries an authority-side status signal. Under the
	// remote-api backend a revert leaves this flag as the authoritative
	// record instead of executing locally.
	RemoteFlag string `json:"remote_flag" gorm:"size:64"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Review is one reviewer's verdict on a stream.
type Review struct {
	ID string `json:"id" gorm:"primaryKey;size:64"`

	StreamID string `json:"stream_id" gorm:"index;size:64"`

	ReviewerID string `json:"reviewer_id" gorm:"size:64"`

	// Verdict is "approve" or "reject"
	Verdict ReviewVerdict `json:"verdict" gorm:"size:16"`

	// Human flags a review authored by a person rather than an agent;
	// human reviews carry the repo's HumanReviewWeight multiplier
	Human bool `json:"human"`

	CreatedAt time.Time `json:"created_at"`
}

// ReviewVerdict is a reviewer's decision.
type ReviewVerdict string

const (
	VerdictApprove ReviewVerdict = "approve"
	VerdictReject  ReviewVerdict = "reject"
)

// CouncilProposal is a governance decision request. Voting moves it
// open→passed/failed; the proposal executor alone moves it
// passed→executed and is idempotent.
type CouncilProposal struct {
	ID string `json:"id" gorm:"primaryKey;size:64"`

	Type ProposalType `json:"type" gorm:"size:32"`

	StreamID string `json:"stream_id" gorm:"index;size:64"`

	VotesFor     int `json:"votes_for"`
	VotesAgainst int `json:"votes_against"`

	Status ProposalStatus `json:"status" gorm:"size:16;index"`

	// Outcome stores the recorded execution result so replaying an
	// executed proposal returns the prior result without a backend call
	Outcome string `json:"outcome" gorm:"size:64"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncEvent is one queued unit of local activity destined for the remote
// authority. Events are acknowledged, explicitly failed, or still queued;
// they are never silently dropped and never reordered.
type SyncEvent struct {
	// Seq is the monotonically increasing per-agent sequence number,
	// assigned by the store on append
	Seq uint64 `json:"seq" gorm:"primaryKey;autoIncrement"`

	AgentID string `json:"agent_id" gorm:"index;size:64"`

	Type EventType `json:"type" gorm:"size:32"`

	// Payload is an opaque JSON document forwarded to the authority
	Payload []byte `json:"payload"`

	CreatedAt time.Time `json:"created_at"`
}

// MergeRecord is an immutable audit entry written for executed merges,
// reverts and promotions. Append-only.
type MergeRecord struct {
	ID string `json:"id" gorm:"primaryKey;size:64"`

	ProposalID string `json:"proposal_id" gorm:"index;size:64"`

	StreamID string `json:"stream_id" gorm:"size:64"`

	// Backend names the merge engine that handled the operation
	Backend GitBackend `json:"backend" gorm:"size:16"`

	// Operation is the backend capability invoked: merge, revert or
	// fast_forward_promote
	Operation string `json:"operation" gorm:"size:32"`

	// Outcome records the backend status that concluded the operation:
	// merged, reverted, promoted, not_fast_forward,
	// remote_flag_authoritative or intent_recorded
	Outcome string `json:"outcome" gorm:"size:64"`

	// MergeRef is the resulting commit or request reference, when one
	// exists
	MergeRef string `json:"merge_ref" gorm:"size:255"`

	CreatedAt time.Time `json:"created_at"`
}
