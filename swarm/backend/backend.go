package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexngai/gitswarm-sub001/swarm/store"
)

// Common errors
var (
	// ErrUnknownBackend means the repo's git_backend names no registered
	// engine. This is a configuration error and fatal for the attempt.
	ErrUnknownBackend = errors.New("backend: unknown git backend")

	// ErrUnknownOperation is returned by Execute for an unrecognized
	// operation name.
	ErrUnknownOperation = errors.New("backend: unknown operation")
)

// Operation names a backend capability.
type Operation string

const (
	OpMerge              Operation = "merge"
	OpRevert             Operation = "revert"
	OpFastForwardPromote Operation = "fast_forward_promote"
)

// Result statuses. These describe what the engine did, not the stream's
// review status; the proposal executor maps them onto stream state.
const (
	StatusMerged        = "merged"
	StatusMergeConflict = "merge_conflict"
	StatusReverted      = "reverted"
	StatusRevertFailed  = "revert_failed"
	StatusPromoted      = "promoted"

	// StatusNotFastForward means the promote target could not be
	// fast-forwarded. The engine never falls back to a three-way merge.
	StatusNotFastForward = "not_fast_forward"

	// StatusRemoteFlagAuthoritative means the operation was not executed
	// in place; the remote authority's status flag carries the result.
	StatusRemoteFlagAuthoritative = "remote_flag_authoritative"

	// StatusIntentRecorded means the operation was recorded locally and
	// will be carried out by the remote side.
	StatusIntentRecorded = "intent_recorded"

	StatusRejected = "rejected"
)

// Result is the outcome of one backend operation.
type Result struct {
	// Executed reports whether the engine actually performed the
	// operation. False covers both failures (conflict, rejection) and
	// deliberate non-execution (remote revert requests, promote intent).
	Executed bool `json:"executed"`

	// Status classifies the outcome, see the Status constants
	Status string `json:"status"`

	// MergeRef is the resulting commit or request reference, when one
	// exists
	MergeRef string `json:"merge_ref,omitempty"`
}

// Backend is the capability set a merge engine implements.
type Backend interface {
	// Name identifies the engine
	Name() store.GitBackend

	// Merge merges the stream's branch into the repo's buffer branch
	Merge(ctx context.Context, stream *store.Stream, repo *store.Repo) (Result, error)

	// Revert undoes a stream's merge on the buffer branch. Engines that
	// cannot revert in place return Executed false with
	// StatusRemoteFlagAuthoritative.
	Revert(ctx context.Context, stream *store.Stream, repo *store.Repo) (Result, error)

	// FastForwardPromote advances the promote target to the buffer
	// branch, fast-forward only. A target that cannot fast-forward is a
	// distinct failure, never a three-way merge.
	FastForwardPromote(ctx context.Context, stream *store.Stream, repo *store.Repo) (Result, error)
}

// Execute dispatches a named operation on a backend. Callers that know
// the operation statically use the capability methods directly.
func Execute(ctx context.Context, b Backend, op Operation, stream *store.Stream, repo *store.Repo) (Result, error) {
	switch op {
	case OpMerge:
		return b.Merge(ctx, stream, repo)
	case OpRevert:
		return b.Revert(ctx, stream, repo)
	case OpFastForwardPromote:
		return b.FastForwardPromote(ctx, stream, repo)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
}

// Resolver maps a repo's configured git_backend to a registered engine.
type Resolver struct {
	backends map[store.GitBackend]Backend
}

// NewResolver creates a resolver with the given engines registered.
func NewResolver(backends ...Backend) *Resolver {
	r := &Resolver{backends: make(map[store.GitBackend]Backend)}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// Register adds or replaces an engine.
func (r *Resolver) Register(b Backend) {
	r.backends[b.Name()] = b
}

// ForRepo returns the engine for the repo's git_backend configuration.
func (r *Resolver) ForRepo(repo *store.Repo) (Backend, error) {
	b, ok := r.backends[repo.GitBackend]
	if !ok {
		return nil, fmt.Errorf("%w: %q for repo %s", ErrUnknownBackend, repo.GitBackend, repo.ID)
	}
	return b, nil
}
