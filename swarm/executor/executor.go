package executor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/alexngai/gitswarm-sub001/swarm/backend"
	"github.com/alexngai/gitswarm-sub001/swarm/store"
)

var (
	// ErrNotExecutable means the proposal has not passed voting.
	ErrNotExecutable = errors.New("executor: proposal is not executable")

	// ErrUnknownProposalType means the proposal names no known
	// operation.
	ErrUnknownProposalType = errors.New("executor: unknown proposal type")
)

// RemoteFlagRevertRequested marks a stream whose revert now lives as a
// request on the hosting service. The remote status flag, not local
// state, is authoritative from then on.
const RemoteFlagRevertRequested = "revert_requested"

// ExecutionResult describes one execution attempt.
type ExecutionResult struct {
	Proposal *store.CouncilProposal `json:"proposal"`
	// Record is the audit entry written for this execution, if any.
	Record *store.MergeRecord `json:"record,omitempty"`
	// Outcome is the backend status that concluded the attempt.
	Outcome string `json:"outcome"`
	// Executed reports whether the backend performed the operation.
	// A proposal can complete without it: a remote revert concludes as
	// executed-by-request with the hosting service's flag authoritative.
	Executed bool `json:"executed"`
	// Replayed means the proposal had already executed and the stored
	// record was returned without a backend call.
	Replayed bool `json:"replayed,omitempty"`
	// Deferred means the backend failed softly; the proposal stays
	// passed and the operation may be retried.
	Deferred bool `json:"deferred,omitempty"`
}

// ArchiveSink receives committed audit records for mirroring into
// long-term retention. Implementations must not block: the primary
// store already holds the authoritative row when the sink is called.
type ArchiveSink interface {
	Enqueue(record *store.MergeRecord)
}

// Executor drives proposals through their backend operations.
type Executor struct {
	store    store.Store
	resolver *backend.Resolver
	archive  ArchiveSink
	logger   *zap.Logger
}

// New creates an executor over the given store and backend resolver.
func New(st store.Store, resolver *backend.Resolver, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		store:    st,
		resolver: resolver,
		logger:   logger.With(zap.String("component", "executor")),
	}
}

// WithArchiveSink mirrors every committed audit record into sink.
func (e *Executor) WithArchiveSink(sink ArchiveSink) *Executor {
	e.archive = sink
	return e
}

// ExecuteProposal executes a passed proposal. Replaying an executed
// proposal returns its recorded outcome. Missing streams or repo
// configuration fail hard; backend conflicts defer instead.
func (e *Executor) ExecuteProposal(ctx context.Context, proposalID string) (*ExecutionResult, error) {
	proposal, err := e.store.Proposals().Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	if proposal.Status == store.ProposalExecuted {
		return e.replay(ctx, proposal)
	}
	if proposal.Status != store.ProposalPassed {
		return nil, fmt.Errorf("%w: proposal %s is %s", ErrNotExecutable, proposal.ID, proposal.Status)
	}

	stream, err := e.store.Streams().Get(ctx, proposal.StreamID)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", proposal.StreamID, err)
	}
	repo, err := e.store.Repos().Get(ctx, stream.RepoID)
	if err != nil {
		return nil, fmt.Errorf("repo configuration %s: %w", stream.RepoID, err)
	}
	engine, err := e.resolver.ForRepo(repo)
	if err != nil {
		return nil, err
	}

	switch proposal.Type {
	case store.ProposalMergeStream:
		return e.executeMerge(ctx, proposal, stream, repo, engine)
	case store.ProposalRevertStream:
		return e.executeRevert(ctx, proposal, stream, repo, engine)
	case store.ProposalPromote:
		return e.executePromote(ctx, proposal, stream, repo, engine)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProposalType, proposal.Type)
	}
}

// replay returns the stored outcome of an already executed proposal.
func (e *Executor) replay(ctx context.Context, proposal *store.CouncilProposal) (*ExecutionResult, error) {
	record, err := e.store.MergeRecords().GetByProposal(ctx, proposal.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("executed proposal has no merge record",
				zap.String("proposal", proposal.ID))
			return &ExecutionResult{
				Proposal: proposal,
				Outcome:  proposal.Outcome,
				Executed: true,
				Replayed: true,
			}, nil
		}
		return nil, err
	}
	return &ExecutionResult{
		Proposal: proposal,
		Record:   record,
		Outcome:  record.Outcome,
		Executed: true,
		Replayed: true,
	}, nil
}

func (e *Executor) executeMerge(ctx context.Context, proposal *store.CouncilProposal, stream *store.Stream, repo *store.Repo, engine backend.Backend) (*ExecutionResult, error) {
	switch stream.ReviewStatus {
	case store.StreamApproved, store.StreamApprovedPendingMerge:
	case store.StreamPending:
		// A passed council vote is the governance decision; record it
		// before touching the backend.
		if err := e.store.Streams().UpdateStatus(ctx, stream.ID, store.StreamApproved); err != nil {
			return nil, err
		}
		stream.ReviewStatus = store.StreamApproved
	case store.StreamMerged:
		// A crash between the status update and the proposal update
		// leaves a merged stream behind a passed proposal. Finish the
		// bookkeeping instead of merging twice.
		if record, err := e.store.MergeRecords().GetByProposal(ctx, proposal.ID); err == nil {
			if err := e.markExecuted(ctx, proposal, record.Outcome); err != nil {
				return nil, err
			}
			return &ExecutionResult{Proposal: proposal, Record: record, Outcome: record.Outcome, Executed: true}, nil
		}
		return nil, fmt.Errorf("%w: stream %s is already merged", store.ErrInvalidTransition, stream.ID)
	default:
		return nil, fmt.Errorf("%w: cannot merge stream %s in status %s",
			store.ErrInvalidTransition, stream.ID, stream.ReviewStatus)
	}

	result, err := backend.Execute(ctx, engine, backend.OpMerge, stream, repo)
	if err != nil {
		return nil, err
	}

	if !result.Executed {
		// Soft failure. Park the stream and keep the proposal passed so
		// the merge retries once the conflict is resolved. No record is
		// written: records document executions, not attempts to merge.
		if stream.ReviewStatus != store.StreamApprovedPendingMerge {
			if err := e.store.Streams().UpdateStatus(ctx, stream.ID, store.StreamApprovedPendingMerge); err != nil {
				return nil, err
			}
		}
		e.logger.Warn("merge deferred",
			zap.String("proposal", proposal.ID),
			zap.String("stream", stream.ID),
			zap.String("status", result.Status),
		)
		return &ExecutionResult{Proposal: proposal, Outcome: result.Status, Deferred: true}, nil
	}

	if err := e.store.Streams().UpdateStatus(ctx, stream.ID, store.StreamMerged); err != nil {
		return nil, err
	}
	record, err := e.appendRecord(ctx, proposal, stream, engine, backend.OpMerge, result)
	if err != nil {
		return nil, err
	}
	if err := e.markExecuted(ctx, proposal, result.Status); err != nil {
		return nil, err
	}

	e.logger.Info("stream merged",
		zap.String("proposal", proposal.ID),
		zap.String("stream", stream.ID),
		zap.String("merge_ref", result.MergeRef),
	)
	return &ExecutionResult{Proposal: proposal, Record: record, Outcome: result.Status, Executed: true}, nil
}

func (e *Executor) executeRevert(ctx context.Context, proposal *store.CouncilProposal, stream *store.Stream, repo *store.Repo, engine backend.Backend) (*ExecutionResult, error) {
	if stream.ReviewStatus != store.StreamMerged {
		return nil, fmt.Errorf("%w: cannot revert stream %s in status %s",
			store.ErrInvalidTransition, stream.ID, stream.ReviewStatus)
	}

	result, err := backend.Execute(ctx, engine, backend.OpRevert, stream, repo)
	if err != nil {
		return nil, err
	}

	switch {
	case result.Executed:
		if err := e.store.Streams().UpdateStatus(ctx, stream.ID, store.StreamReverted); err != nil {
			return nil, err
		}
		record, err := e.appendRecord(ctx, proposal, stream, engine, backend.OpRevert, result)
		if err != nil {
			return nil, err
		}
		if err := e.markExecuted(ctx, proposal, result.Status); err != nil {
			return nil, err
		}
		e.logger.Info("stream reverted",
			zap.String("proposal", proposal.ID),
			zap.String("stream", stream.ID),
		)
		return &ExecutionResult{Proposal: proposal, Record: record, Outcome: result.Status, Executed: true}, nil

	case result.Status == backend.StatusRemoteFlagAuthoritative:
		// The hosting service owns the revert from here. Local stream
		// status stays merged; the flag records where authority moved.
		stream.RemoteFlag = RemoteFlagRevertRequested
		if err := e.store.Streams().Save(ctx, stream); err != nil {
			return nil, err
		}
		record, err := e.appendRecord(ctx, proposal, stream, engine, backend.OpRevert, result)
		if err != nil {
			return nil, err
		}
		if err := e.markExecuted(ctx, proposal, result.Status); err != nil {
			return nil, err
		}
		e.logger.Info("revert delegated to hosting service",
			zap.String("proposal", proposal.ID),
			zap.String("stream", stream.ID),
			zap.String("request_ref", result.MergeRef),
		)
		return &ExecutionResult{Proposal: proposal, Record: record, Outcome: result.Status}, nil

	default:
		// Missing merge commit or a conflicting revert: retryable.
		e.logger.Warn("revert deferred",
			zap.String("proposal", proposal.ID),
			zap.String("stream", stream.ID),
			zap.String("status", result.Status),
		)
		return &ExecutionResult{Proposal: proposal, Outcome: result.Status, Deferred: true}, nil
	}
}

func (e *Executor) executePromote(ctx context.Context, proposal *store.CouncilProposal, stream *store.Stream, repo *store.Repo, engine backend.Backend) (*ExecutionResult, error) {
	result, err := backend.Execute(ctx, engine, backend.OpFastForwardPromote, stream, repo)
	if err != nil {
		return nil, err
	}

	// Promotions always leave an audit entry, failed attempts included.
	record, err := e.appendRecord(ctx, proposal, stream, engine, backend.OpFastForwardPromote, result)
	if err != nil {
		return nil, err
	}

	if result.Executed || result.Status == backend.StatusIntentRecorded {
		if err := e.markExecuted(ctx, proposal, result.Status); err != nil {
			return nil, err
		}
		e.logger.Info("promotion concluded",
			zap.String("proposal", proposal.ID),
			zap.String("repo", repo.ID),
			zap.String("status", result.Status),
		)
		return &ExecutionResult{Proposal: proposal, Record: record, Outcome: result.Status, Executed: result.Executed}, nil
	}

	e.logger.Warn("promotion deferred",
		zap.String("proposal", proposal.ID),
		zap.String("repo", repo.ID),
		zap.String("status", result.Status),
	)
	return &ExecutionResult{Proposal: proposal, Record: record, Outcome: result.Status, Deferred: true}, nil
}

// ApplyRemoteMerge concludes a passed merge proposal whose merge the
// remote authority already executed. No backend call happens locally;
// the stream is marked merged and the authority's ref is recorded.
func (e *Executor) ApplyRemoteMerge(ctx context.Context, proposalID, mergeRef string) (*ExecutionResult, error) {
	proposal, err := e.store.Proposals().Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if proposal.Status == store.ProposalExecuted {
		return e.replay(ctx, proposal)
	}
	if proposal.Status != store.ProposalPassed || proposal.Type != store.ProposalMergeStream {
		return nil, fmt.Errorf("%w: proposal %s (%s, %s)", ErrNotExecutable, proposal.ID, proposal.Type, proposal.Status)
	}

	stream, err := e.store.Streams().Get(ctx, proposal.StreamID)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", proposal.StreamID, err)
	}
	repo, err := e.store.Repos().Get(ctx, stream.RepoID)
	if err != nil {
		return nil, fmt.Errorf("repo configuration %s: %w", stream.RepoID, err)
	}

	if err := e.store.Streams().UpdateStatus(ctx, stream.ID, store.StreamMerged); err != nil {
		return nil, err
	}
	record := &store.MergeRecord{
		ProposalID: proposal.ID,
		StreamID:   stream.ID,
		Backend:    repo.GitBackend,
		Operation:  string(backend.OpMerge),
		Outcome:    backend.StatusMerged,
		MergeRef:   mergeRef,
	}
	if err := e.store.MergeRecords().Append(ctx, record); err != nil {
		return nil, err
	}
	e.mirrorRecord(record)
	if err := e.markExecuted(ctx, proposal, backend.StatusMerged); err != nil {
		return nil, err
	}

	e.logger.Info("remote merge recorded",
		zap.String("proposal", proposal.ID),
		zap.String("stream", stream.ID),
		zap.String("merge_ref", mergeRef),
	)
	return &ExecutionResult{Proposal: proposal, Record: record, Outcome: backend.StatusMerged, Executed: true}, nil
}

func (e *Executor) appendRecord(ctx context.Context, proposal *store.CouncilProposal, stream *store.Stream, engine backend.Backend, op backend.Operation, result backend.Result) (*store.MergeRecord, error) {
	record := &store.MergeRecord{
		ProposalID: proposal.ID,
		StreamID:   stream.ID,
		Backend:    engine.Name(),
		Operation:  string(op),
		Outcome:    result.Status,
		MergeRef:   result.MergeRef,
	}
	if err := e.store.MergeRecords().Append(ctx, record); err != nil {
		return nil, err
	}
	e.mirrorRecord(record)
	return record, nil
}

// mirrorRecord offers a committed record to the archive sink, if one is
// configured.
func (e *Executor) mirrorRecord(record *store.MergeRecord) {
	if e.archive != nil {
		e.archive.Enqueue(record)
	}
}

func (e *Executor) markExecuted(ctx context.Context, proposal *store.CouncilProposal, outcome string) error {
	if err := e.store.Proposals().MarkExecuted(ctx, proposal.ID, outcome); err != nil {
		return err
	}
	proposal.Status = store.ProposalExecuted
	proposal.Outcome = outcome
	return nil
}
