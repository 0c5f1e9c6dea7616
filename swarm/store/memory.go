package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// memoryState is the shared backing state for all in-memory sub-stores.
type memoryState struct {
	mu     sync.RWMutex
	closed bool

	repos     map[string]*Repo
	streams   map[string]*Stream
	reviews   map[string][]*Review    // keyed by stream id
	proposals map[string]*CouncilProposal
	events    map[string][]*SyncEvent // keyed by agent id, ascending seq
	records   []*MergeRecord
	nextSeq   map[string]uint64
}

// MemoryStore is an in-memory Store for development and testing. All
// state is lost on Close.
type MemoryStore struct {
	state *memoryState
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memoryState{
			repos:     make(map[string]*Repo),
			streams:   make(map[string]*Stream),
			reviews:   make(map[string][]*Review),
			proposals: make(map[string]*CouncilProposal),
			events:    make(map[string][]*SyncEvent),
			nextSeq:   make(map[string]uint64),
		},
	}
}

func (s *MemoryStore) Repos() RepoStore               { return memoryRepos{s.state} }
func (s *MemoryStore) Streams() StreamStore           { return memoryStreams{s.state} }
func (s *MemoryStore) Reviews() ReviewStore           { return memoryReviews{s.state} }
func (s *MemoryStore) Proposals() ProposalStore       { return memoryProposals{s.state} }
func (s *MemoryStore) SyncEvents() SyncEventStore     { return memoryEvents{s.state} }
func (s *MemoryStore) MergeRecords() MergeRecordStore { return memoryRecords{s.state} }

// Ping reports whether the store is open.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	if s.state.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close marks the store closed. Subsequent calls fail with
// ErrStoreClosed.
func (s *MemoryStore) Close() error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.closed = true
	return nil
}

// --- repos ---

type memoryRepos struct{ *memoryState }

var _ RepoStore = memoryRepos{}

func (s memoryRepos) Save(ctx context.Context, repo *Repo) error {
	if err := repo.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = now()
	}
	repo.UpdatedAt = now()
	cp := *repo
	s.repos[repo.ID] = &cp
	return nil
}

func (s memoryRepos) Get(ctx context.Context, id string) (*Repo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	repo, ok := s.repos[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *repo
	return &cp, nil
}

func (s memoryRepos) List(ctx context.Context) ([]*Repo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*Repo, 0, len(s.repos))
	for _, repo := range s.repos {
		cp := *repo
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- streams ---

type memoryStreams struct{ *memoryState }

var _ StreamStore = memoryStreams{}

func (s memoryStreams) Save(ctx context.Context, stream *Stream) error {
	if stream.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if stream.ReviewStatus == "" {
		stream.ReviewStatus = StreamDraft
	}
	if stream.CreatedAt.IsZero() {
		stream.CreatedAt = now()
	}
	stream.UpdatedAt = now()
	cp := *stream
	s.streams[stream.ID] = &cp
	return nil
}

func (s memoryStreams) Get(ctx context.Context, id string) (*Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	stream, ok := s.streams[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *stream
	return &cp, nil
}

func (s memoryStreams) UpdateStatus(ctx context.Context, id string, to StreamStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	stream, ok := s.streams[id]
	if !ok {
		return ErrNotFound
	}
	if !stream.ReviewStatus.CanTransitionTo(to) {
		return ErrInvalidTransition
	}
	stream.ReviewStatus = to
	stream.UpdatedAt = now()
	return nil
}

func (s memoryStreams) ListByRepo(ctx context.Context, repoID string) ([]*Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*Stream
	for _, stream := range s.streams {
		if stream.RepoID == repoID {
			cp := *stream
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- reviews ---

type memoryReviews struct{ *memoryState }

var _ ReviewStore = memoryReviews{}

func (s memoryReviews) Save(ctx context.Context, review *Review) error {
	if review.StreamID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if review.ID == "" {
		review.ID = uuid.New().String()
	}
	if review.CreatedAt.IsZero() {
		review.CreatedAt = now()
	}
	cp := *review
	s.reviews[review.StreamID] = append(s.reviews[review.StreamID], &cp)
	return nil
}

func (s memoryReviews) ListByStream(ctx context.Context, streamID string) ([]*Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	reviews := s.reviews[streamID]
	out := make([]*Review, 0, len(reviews))
	for _, review := range reviews {
		cp := *review
		out = append(out, &cp)
	}
	return out, nil
}

// --- proposals ---

type memoryProposals struct{ *memoryState }

var _ ProposalStore = memoryProposals{}

func (s memoryProposals) Save(ctx context.Context, proposal *CouncilProposal) error {
	if proposal.ID == "" || !proposal.Type.Valid() {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if proposal.Status == "" {
		proposal.Status = ProposalOpen
	}
	if proposal.CreatedAt.IsZero() {
		proposal.CreatedAt = now()
	}
	proposal.UpdatedAt = now()
	cp := *proposal
	s.proposals[proposal.ID] = &cp
	return nil
}

func (s memoryProposals) Get(ctx context.Context, id string) (*CouncilProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	proposal, ok := s.proposals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *proposal
	return &cp, nil
}

func (s memoryProposals) MarkExecuted(ctx context.Context, id string, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	proposal, ok := s.proposals[id]
	if !ok {
		return ErrNotFound
	}
	if proposal.Status != ProposalPassed {
		return ErrInvalidInput
	}
	proposal.Status = ProposalExecuted
	proposal.Outcome = outcome
	proposal.UpdatedAt = now()
	return nil
}

func (s memoryProposals) ListByStatus(ctx context.Context, status ProposalStatus) ([]*CouncilProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*CouncilProposal
	for _, proposal := range s.proposals {
		if proposal.Status == status {
			cp := *proposal
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- sync events ---

type memoryEvents struct{ *memoryState }

var _ SyncEventStore = memoryEvents{}

func (s memoryEvents) Append(ctx context.Context, event *SyncEvent) error {
	if event.AgentID == "" || event.Type == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.nextSeq[event.AgentID]++
	event.Seq = s.nextSeq[event.AgentID]
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now()
	}
	cp := *event
	s.events[event.AgentID] = append(s.events[event.AgentID], &cp)
	return nil
}

func (s memoryEvents) Pending(ctx context.Context, agentID string) ([]*SyncEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	events := s.events[agentID]
	out := make([]*SyncEvent, 0, len(events))
	for _, event := range events {
		cp := *event
		out = append(out, &cp)
	}
	return out, nil
}

func (s memoryEvents) Ack(ctx context.Context, agentID string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	events := s.events[agentID]
	for i, event := range events {
		if event.Seq == seq {
			s.events[agentID] = append(events[:i], events[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s memoryEvents) Count(ctx context.Context, agentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	return len(s.events[agentID]), nil
}

// --- merge records ---

type memoryRecords struct{ *memoryState }

var _ MergeRecordStore = memoryRecords{}

func (s memoryRecords) Append(ctx context.Context, record *MergeRecord) error {
	if record.ProposalID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now()
	}
	cp := *record
	s.records = append(s.records, &cp)
	return nil
}

func (s memoryRecords) GetByProposal(ctx context.Context, proposalID string) (*MergeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].ProposalID == proposalID {
			cp := *s.records[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s memoryRecords) List(ctx context.Context, limit int) ([]*MergeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]*MergeRecord, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.records[i]
		out = append(out, &cp)
	}
	return out, nil
}
