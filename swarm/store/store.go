package store

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrStoreClosed       = errors.New("store is closed")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidConfig     = errors.New("invalid store configuration")
	ErrInvalidTransition = errors.New("invalid stream status transition")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeGorm   StoreType = "gorm"
	StoreTypeRedis  StoreType = "redis"
)

// StoreConfig is the base configuration for all store implementations
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type"`

	// Gorm configuration (only used when Type is "gorm")
	Gorm GormStoreConfig `json:"gorm" yaml:"gorm"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisStoreConfig `json:"redis" yaml:"redis"`
}

// GormStoreConfig contains SQL-backend configuration
type GormStoreConfig struct {
	// Driver selects the SQL dialect: "sqlite", "postgres" or "mysql"
	Driver string `json:"driver" yaml:"driver"`

	// DSN is the connection string. For sqlite this is a file path,
	// ":memory:" is accepted for tests.
	DSN string `json:"dsn" yaml:"dsn"`

	// AutoMigrate runs schema auto-migration on open. Production
	// deployments use the migrate CLI instead.
	AutoMigrate bool `json:"auto_migrate" yaml:"auto_migrate"`
}

// RedisStoreConfig contains Redis-specific configuration
type RedisStoreConfig struct {
	// Host is the Redis server host
	Host string `json:"host" yaml:"host"`

	// Port is the Redis server port
	Port int `json:"port" yaml:"port"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db"`

	// PoolSize is the connection pool size
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// KeyPrefix is the prefix for all Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type: StoreTypeMemory,
		Gorm: GormStoreConfig{
			Driver:      "sqlite",
			DSN:         "./data/gitswarm.db",
			AutoMigrate: true,
		},
		Redis: RedisStoreConfig{
			Host:      "localhost",
			Port:      6379,
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "gitswarm:",
		},
	}
}

// RepoStore persists governance configuration, one record per federated
// project. Updated in place; a repo is immutable during a proposal's
// lifecycle by convention, not enforced here.
type RepoStore interface {
	// Save creates or updates a repo configuration
	Save(ctx context.Context, repo *Repo) error

	// Get returns the repo with the given id, or ErrNotFound
	Get(ctx context.Context, id string) (*Repo, error)

	// List returns all repo configurations
	List(ctx context.Context) ([]*Repo, error)
}

// StreamStore persists streams and guards their status transitions.
type StreamStore interface {
	// Save creates or updates a stream
	Save(ctx context.Context, stream *Stream) error

	// Get returns the stream with the given id, or ErrNotFound
	Get(ctx context.Context, id string) (*Stream, error)

	// UpdateStatus transitions a stream's review status. The transition
	// must be legal per StreamStatus.CanTransitionTo, otherwise
	// ErrInvalidTransition is returned and the stream is unchanged.
	UpdateStatus(ctx context.Context, id string, to StreamStatus) error

	// ListByRepo returns all streams belonging to a repo
	ListByRepo(ctx context.Context, repoID string) ([]*Stream, error)
}

// ReviewStore persists per-stream review verdicts consumed by the
// consensus evaluator.
type ReviewStore interface {
	// Save records a review verdict
	Save(ctx context.Context, review *Review) error

	// ListByStream returns all reviews for a stream
	ListByStream(ctx context.Context, streamID string) ([]*Review, error)
}

// ProposalStore persists council proposals. The passed→executed
// transition is the proposal executor's alone.
type ProposalStore interface {
	// Save creates or updates a proposal
	Save(ctx context.Context, proposal *CouncilProposal) error

	// Get returns the proposal with the given id, or ErrNotFound
	Get(ctx context.Context, id string) (*CouncilProposal, error)

	// MarkExecuted transitions a passed proposal to executed, storing the
	// recorded outcome for idempotent replay. Returns ErrInvalidInput if
	// the proposal is not in the passed state.
	MarkExecuted(ctx context.Context, id string, outcome string) error

	// ListByStatus returns proposals in the given status
	ListByStatus(ctx context.Context, status ProposalStatus) ([]*CouncilProposal, error)
}

// SyncEventStore is the durable, strictly ordered per-agent event queue.
// Events are appended on local mutation and removed only on confirmed
// remote acknowledgement.
type SyncEventStore interface {
	// Append assigns the next sequence number and persists the event.
	// Sequence numbers are monotonically increasing per agent.
	Append(ctx context.Context, event *SyncEvent) error

	// Pending returns queued events for an agent in ascending sequence
	// order.
	Pending(ctx context.Context, agentID string) ([]*SyncEvent, error)

	// Ack removes an acknowledged event from the queue
	Ack(ctx context.Context, agentID string, seq uint64) error

	// Count returns the number of queued events for an agent
	Count(ctx context.Context, agentID string) (int, error)
}

// MergeRecordStore is the append-only merge audit log.
type MergeRecordStore interface {
	// Append writes an audit record. Records are never updated or
	// deleted.
	Append(ctx context.Context, record *MergeRecord) error

	// GetByProposal returns the most recent record for a proposal, or
	// ErrNotFound
	GetByProposal(ctx context.Context, proposalID string) (*MergeRecord, error)

	// List returns the most recent records, newest first, up to limit
	List(ctx context.Context, limit int) ([]*MergeRecord, error)
}

// Store is the composite interface every backend implements.
type Store interface {
	// Repos returns the repo configuration store
	Repos() RepoStore

	// Streams returns the stream store
	Streams() StreamStore

	// Reviews returns the review store
	Reviews() ReviewStore

	// Proposals returns the council proposal store
	Proposals() ProposalStore

	// SyncEvents returns the sync event queue store
	SyncEvents() SyncEventStore

	// MergeRecords returns the merge audit log store
	MergeRecords() MergeRecordStore

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error

	// Close closes the store and releases resources
	Close() error
}

// now is stubbed in tests that need deterministic timestamps.
var now = time.Now
