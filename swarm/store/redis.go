package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed Store for distributed deployments.
// Entities are stored as JSON blobs under prefixed keys; the sync queue
// is a per-agent sorted set scored by sequence number.
//
// Writes follow the engine's single-writer model: one agent process owns
// its streams and queue, so read-modify-write sequences are not guarded
// by WATCH transactions.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "gitswarm:"
	}

	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

// NewRedisStoreFromClient wraps an existing client, used by tests.
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "gitswarm:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) Repos() RepoStore               { return redisRepos{s} }
func (s *RedisStore) Streams() StreamStore           { return redisStreams{s} }
func (s *RedisStore) Reviews() ReviewStore           { return redisReviews{s} }
func (s *RedisStore) Proposals() ProposalStore       { return redisProposals{s} }
func (s *RedisStore) SyncEvents() SyncEventStore     { return redisEvents{s} }
func (s *RedisStore) MergeRecords() MergeRecordStore { return redisRecords{s} }

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) repoKey(id string) string      { return s.keyPrefix + "repo:" + id }
func (s *RedisStore) repoIndexKey() string          { return s.keyPrefix + "repos" }
func (s *RedisStore) streamKey(id string) string    { return s.keyPrefix + "stream:" + id }
func (s *RedisStore) repoStreamsKey(r string) string { return s.keyPrefix + "repo_streams:" + r }
func (s *RedisStore) reviewsKey(st string) string   { return s.keyPrefix + "reviews:" + st }
func (s *RedisStore) proposalKey(id string) string  { return s.keyPrefix + "proposal:" + id }
func (s *RedisStore) proposalIndexKey() string      { return s.keyPrefix + "proposals" }
func (s *RedisStore) queueKey(agent string) string  { return s.keyPrefix + "queue:" + agent }
func (s *RedisStore) seqKey(agent string) string    { return s.keyPrefix + "seq:" + agent }
func (s *RedisStore) recordsKey() string            { return s.keyPrefix + "records" }
func (s *RedisStore) recordByProposalKey(p string) string {
	return s.keyPrefix + "record_by_proposal:" + p
}

func (s *RedisStore) getJSON(ctx context.Context, key string, dst any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.client.Set(ctx, key, data, 0).Err()
}

// --- repos ---

type redisRepos struct{ *RedisStore }

var _ RepoStore = redisRepos{}

func (s redisRepos) Save(ctx context.Context, repo *Repo) error {
	if err := repo.Validate(); err != nil {
		return err
	}
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = now()
	}
	repo.UpdatedAt = now()

	data, err := json.Marshal(repo)
	if err != nil {
		return fmt.Errorf("failed to marshal repo: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.repoKey(repo.ID), data, 0)
	pipe.SAdd(ctx, s.repoIndexKey(), repo.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s redisRepos) Get(ctx context.Context, id string) (*Repo, error) {
	var repo Repo
	if err := s.getJSON(ctx, s.repoKey(id), &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

func (s redisRepos) List(ctx context.Context) ([]*Repo, error) {
	ids, err := s.client.SMembers(ctx, s.repoIndexKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Repo, 0, len(ids))
	for _, id := range ids {
		repo, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, repo)
	}
	return out, nil
}

// --- streams ---

type redisStreams struct{ *RedisStore }

var _ StreamStore = redisStreams{}

func (s redisStreams) Save(ctx context.Context, stream *Stream) error {
	if stream.ID == "" {
		return ErrInvalidInput
	}
	if stream.ReviewStatus == "" {
		stream.ReviewStatus = StreamDraft
	}
	if stream.CreatedAt.IsZero() {
		stream.CreatedAt = now()
	}
	stream.UpdatedAt = now()

	data, err := json.Marshal(stream)
	if err != nil {
		return fmt.Errorf("failed to marshal stream: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.streamKey(stream.ID), data, 0)
	if stream.RepoID != "" {
		pipe.SAdd(ctx, s.repoStreamsKey(stream.RepoID), stream.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s redisStreams) Get(ctx context.Context, id string) (*Stream, error) {
	var stream Stream
	if err := s.getJSON(ctx, s.streamKey(id), &stream); err != nil {
		return nil, err
	}
	return &stream, nil
}

func (s redisStreams) UpdateStatus(ctx context.Context, id string, to StreamStatus) error {
	stream, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !stream.ReviewStatus.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, stream.ReviewStatus, to)
	}
	stream.ReviewStatus = to
	stream.UpdatedAt = now()
	return s.setJSON(ctx, s.streamKey(id), stream)
}

func (s redisStreams) ListByRepo(ctx context.Context, repoID string) ([]*Stream, error) {
	ids, err := s.client.SMembers(ctx, s.repoStreamsKey(repoID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Stream, 0, len(ids))
	for _, id := range ids {
		stream, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, stream)
	}
	return out, nil
}

// --- reviews ---

type redisReviews struct{ *RedisStore }

var _ ReviewStore = redisReviews{}

func (s redisReviews) Save(ctx context.Context, review *Review) error {
	if review.StreamID == "" {
		return ErrInvalidInput
	}
	if review.ID == "" {
		review.ID = uuid.New().String()
	}
	if review.CreatedAt.IsZero() {
		review.CreatedAt = now()
	}
	data, err := json.Marshal(review)
	if err != nil {
		return fmt.Errorf("failed to marshal review: %w", err)
	}
	return s.client.RPush(ctx, s.reviewsKey(review.StreamID), data).Err()
}

func (s redisReviews) ListByStream(ctx context.Context, streamID string) ([]*Review, error) {
	items, err := s.client.LRange(ctx, s.reviewsKey(streamID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Review, 0, len(items))
	for _, item := range items {
		var review Review
		if err := json.Unmarshal([]byte(item), &review); err != nil {
			continue
		}
		out = append(out, &review)
	}
	return out, nil
}

// --- proposals ---

type redisProposals struct{ *RedisStore }

var _ ProposalStore = redisProposals{}

func (s redisProposals) Save(ctx context.Context, proposal *CouncilProposal) error {
	if proposal.ID == "" || !proposal.Type.Valid() {
		return ErrInvalidInput
	}
	if proposal.Status == "" {
		proposal.Status = ProposalOpen
	}
	if proposal.CreatedAt.IsZero() {
		proposal.CreatedAt = now()
	}
	proposal.UpdatedAt = now()

	data, err := json.Marshal(proposal)
	if err != nil {
		return fmt.Errorf("failed to marshal proposal: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.proposalKey(proposal.ID), data, 0)
	pipe.SAdd(ctx, s.proposalIndexKey(), proposal.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s redisProposals) Get(ctx context.Context, id string) (*CouncilProposal, error) {
	var proposal CouncilProposal
	if err := s.getJSON(ctx, s.proposalKey(id), &proposal); err != nil {
		return nil, err
	}
	return &proposal, nil
}

func (s redisProposals) MarkExecuted(ctx context.Context, id string, outcome string) error {
	proposal, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if proposal.Status != ProposalPassed {
		return fmt.Errorf("%w: proposal %s is %s, not passed", ErrInvalidInput, id, proposal.Status)
	}
	proposal.Status = ProposalExecuted
	proposal.Outcome = outcome
	proposal.UpdatedAt = now()
	return s.setJSON(ctx, s.proposalKey(id), proposal)
}

func (s redisProposals) ListByStatus(ctx context.Context, status ProposalStatus) ([]*CouncilProposal, error) {
	ids, err := s.client.SMembers(ctx, s.proposalIndexKey()).Result()
	if err != nil {
		return nil, err
	}
	var out []*CouncilProposal
	for _, id := range ids {
		proposal, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if proposal.Status == status {
			out = append(out, proposal)
		}
	}
	return out, nil
}

// --- sync events ---

type redisEvents struct{ *RedisStore }

var _ SyncEventStore = redisEvents{}

func (s redisEvents) Append(ctx context.Context, event *SyncEvent) error {
	if event.AgentID == "" || event.Type == "" {
		return ErrInvalidInput
	}

	seq, err := s.client.Incr(ctx, s.seqKey(event.AgentID)).Result()
	if err != nil {
		return err
	}
	event.Seq = uint64(seq)
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return s.client.ZAdd(ctx, s.queueKey(event.AgentID), redis.Z{
		Score:  float64(event.Seq),
		Member: data,
	}).Err()
}

func (s redisEvents) Pending(ctx context.Context, agentID string) ([]*SyncEvent, error) {
	items, err := s.client.ZRange(ctx, s.queueKey(agentID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*SyncEvent, 0, len(items))
	for _, item := range items {
		var event SyncEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			continue
		}
		out = append(out, &event)
	}
	return out, nil
}

func (s redisEvents) Ack(ctx context.Context, agentID string, seq uint64) error {
	score := strconv.FormatUint(seq, 10)
	removed, err := s.client.ZRemRangeByScore(ctx, s.queueKey(agentID), score, score).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

func (s redisEvents) Count(ctx context.Context, agentID string) (int, error) {
	count, err := s.client.ZCard(ctx, s.queueKey(agentID)).Result()
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// --- merge records ---

type redisRecords struct{ *RedisStore }

var _ MergeRecordStore = redisRecords{}

func (s redisRecords) Append(ctx context.Context, record *MergeRecord) error {
	if record.ProposalID == "" {
		return ErrInvalidInput
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.LPush(ctx, s.recordsKey(), data)
	pipe.LPush(ctx, s.recordByProposalKey(record.ProposalID), data)
	_, err = pipe.Exec(ctx)
	return err
}

func (s redisRecords) GetByProposal(ctx context.Context, proposalID string) (*MergeRecord, error) {
	data, err := s.client.LIndex(ctx, s.recordByProposalKey(proposalID), 0).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var record MergeRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s redisRecords) List(ctx context.Context, limit int) ([]*MergeRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	items, err := s.client.LRange(ctx, s.recordsKey(), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*MergeRecord, 0, len(items))
	for _, item := range items {
		var record MergeRecord
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			continue
		}
		out = append(out, &record)
	}
	return out, nil
}
