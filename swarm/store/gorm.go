package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormStore is a SQL-backed Store supporting SQLite, PostgreSQL and
// MySQL through gorm dialectors.
type GormStore struct {
	db     *gorm.DB
	tx     TxRunner
	logger *zap.Logger
}

var _ Store = (*GormStore)(nil)

// TxRunner executes fn inside a database transaction. The store's
// default runs directly on its own handle; the server swaps in the
// pool manager so contended writes retry on transient failures.
type TxRunner interface {
	Transact(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type directTx struct{ db *gorm.DB }

func (d directTx) Transact(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return d.db.WithContext(ctx).Transaction(fn)
}

// NewGormStore opens a SQL store from configuration. With AutoMigrate
// enabled the schema is created on open; production deployments run the
// migrate CLI instead and leave it off.
func NewGormStore(cfg GormStoreConfig, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: gorm store requires a dsn", ErrInvalidConfig)
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "sqlite3", "":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN)
	case "mysql", "mariadb":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &GormStore{
		db:     db,
		tx:     directTx{db},
		logger: logger.With(zap.String("component", "gorm_store")),
	}

	if cfg.AutoMigrate {
		if err := s.migrate(); err != nil {
			return nil, err
		}
	}

	s.logger.Info("sql store opened", zap.String("driver", cfg.Driver))
	return s, nil
}

// NewGormStoreFromDB wraps an already-open gorm handle, typically the
// shared pool manager's. The caller owns the handle's lifecycle; Close
// is a no-op.
func NewGormStoreFromDB(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil database handle", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &GormStore{
		db:     db,
		tx:     directTx{db},
		logger: logger.With(zap.String("component", "gorm_store")),
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithTxRunner routes the store's transactional writes through r,
// typically the pool manager's retrying runner. A nil r keeps the
// current runner.
func (s *GormStore) WithTxRunner(r TxRunner) *GormStore {
	if r != nil {
		s.tx = r
	}
	return s
}

func (s *GormStore) migrate() error {
	err := s.db.AutoMigrate(
		&Repo{},
		&Stream{},
		&Review{},
		&CouncilProposal{},
		&SyncEvent{},
		&MergeRecord{},
	)
	if err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}
	return nil
}

func (s *GormStore) Repos() RepoStore               { return gormRepos{s.db} }
func (s *GormStore) Streams() StreamStore           { return gormStreams{s.db, s.tx} }
func (s *GormStore) Reviews() ReviewStore           { return gormReviews{s.db} }
func (s *GormStore) Proposals() ProposalStore       { return gormProposals{s.db, s.tx} }
func (s *GormStore) SyncEvents() SyncEventStore     { return gormEvents{s.db} }
func (s *GormStore) MergeRecords() MergeRecordStore { return gormRecords{s.db} }

// DB exposes the underlying gorm handle for callers that share the
// connection, such as the authority API handlers.
func (s *GormStore) DB() *gorm.DB { return s.db }

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// notFound translates gorm's sentinel into the store's.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// --- repos ---

type gormRepos struct{ db *gorm.DB }

var _ RepoStore = gormRepos{}

func (s gormRepos) Save(ctx context.Context, repo *Repo) error {
	if err := repo.Validate(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(repo).Error
}

func (s gormRepos) Get(ctx context.Context, id string) (*Repo, error) {
	var repo Repo
	if err := s.db.WithContext(ctx).First(&repo, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &repo, nil
}

func (s gormRepos) List(ctx context.Context) ([]*Repo, error) {
	var repos []*Repo
	if err := s.db.WithContext(ctx).Order("id").Find(&repos).Error; err != nil {
		return nil, err
	}
	return repos, nil
}

// --- streams ---

type gormStreams struct {
	db *gorm.DB
	tx TxRunner
}

var _ StreamStore = gormStreams{}

func (s gormStreams) Save(ctx context.Context, stream *Stream) error {
	if stream.ID == "" {
		return ErrInvalidInput
	}
	if stream.ReviewStatus == "" {
		stream.ReviewStatus = StreamDraft
	}
	return s.db.WithContext(ctx).Save(stream).Error
}

func (s gormStreams) Get(ctx context.Context, id string) (*Stream, error) {
	var stream Stream
	if err := s.db.WithContext(ctx).First(&stream, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &stream, nil
}

func (s gormStreams) UpdateStatus(ctx context.Context, id string, to StreamStatus) error {
	return s.tx.Transact(ctx, func(tx *gorm.DB) error {
		var stream Stream
		if err := tx.First(&stream, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		if !stream.ReviewStatus.CanTransitionTo(to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, stream.ReviewStatus, to)
		}
		return tx.Model(&stream).Update("review_status", to).Error
	})
}

func (s gormStreams) ListByRepo(ctx context.Context, repoID string) ([]*Stream, error) {
	var streams []*Stream
	err := s.db.WithContext(ctx).Where("repo_id = ?", repoID).Order("id").Find(&streams).Error
	if err != nil {
		return nil, err
	}
	return streams, nil
}

// --- reviews ---

type gormReviews struct{ db *gorm.DB }

var _ ReviewStore = gormReviews{}

func (s gormReviews) Save(ctx context.Context, review *Review) error {
	if review.StreamID == "" {
		return ErrInvalidInput
	}
	if review.ID == "" {
		review.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Save(review).Error
}

func (s gormReviews) ListByStream(ctx context.Context, streamID string) ([]*Review, error) {
	var reviews []*Review
	err := s.db.WithContext(ctx).Where("stream_id = ?", streamID).Order("created_at").Find(&reviews).Error
	if err != nil {
		return nil, err
	}
	return reviews, nil
}

// --- proposals ---

type gormProposals struct {
	db *gorm.DB
	tx TxRunner
}

var _ ProposalStore = gormProposals{}

func (s gormProposals) Save(ctx context.Context, proposal *CouncilProposal) error {
	if proposal.ID == "" || !proposal.Type.Valid() {
		return ErrInvalidInput
	}
	if proposal.Status == "" {
		proposal.Status = ProposalOpen
	}
	return s.db.WithContext(ctx).Save(proposal).Error
}

func (s gormProposals) Get(ctx context.Context, id string) (*CouncilProposal, error) {
	var proposal CouncilProposal
	if err := s.db.WithContext(ctx).First(&proposal, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &proposal, nil
}

func (s gormProposals) MarkExecuted(ctx context.Context, id string, outcome string) error {
	return s.tx.Transact(ctx, func(tx *gorm.DB) error {
		var proposal CouncilProposal
		if err := tx.First(&proposal, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		if proposal.Status != ProposalPassed {
			return fmt.Errorf("%w: proposal %s is %s, not passed", ErrInvalidInput, id, proposal.Status)
		}
		return tx.Model(&proposal).Updates(map[string]any{
			"status":  ProposalExecuted,
			"outcome": outcome,
		}).Error
	})
}

func (s gormProposals) ListByStatus(ctx context.Context, status ProposalStatus) ([]*CouncilProposal, error) {
	var proposals []*CouncilProposal
	err := s.db.WithContext(ctx).Where("status = ?", status).Order("id").Find(&proposals).Error
	if err != nil {
		return nil, err
	}
	return proposals, nil
}

// --- sync events ---

type gormEvents struct{ db *gorm.DB }

var _ SyncEventStore = gormEvents{}

func (s gormEvents) Append(ctx context.Context, event *SyncEvent) error {
	if event.AgentID == "" || event.Type == "" {
		return ErrInvalidInput
	}
	// Seq is the auto-incremented primary key, so ordering is assigned
	// by the database and monotonic per agent.
	event.Seq = 0
	return s.db.WithContext(ctx).Create(event).Error
}

func (s gormEvents) Pending(ctx context.Context, agentID string) ([]*SyncEvent, error) {
	var events []*SyncEvent
	err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).Order("seq").Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s gormEvents) Ack(ctx context.Context, agentID string, seq uint64) error {
	res := s.db.WithContext(ctx).Where("agent_id = ? AND seq = ?", agentID, seq).Delete(&SyncEvent{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s gormEvents) Count(ctx context.Context, agentID string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&SyncEvent{}).Where("agent_id = ?", agentID).Count(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// --- merge records ---

type gormRecords struct{ db *gorm.DB }

var _ MergeRecordStore = gormRecords{}

func (s gormRecords) Append(ctx context.Context, record *MergeRecord) error {
	if record.ProposalID == "" {
		return ErrInvalidInput
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(record).Error
}

func (s gormRecords) GetByProposal(ctx context.Context, proposalID string) (*MergeRecord, error) {
	var record MergeRecord
	err := s.db.WithContext(ctx).
		Where("proposal_id = ?", proposalID).
		Order("created_at DESC").
		First(&record).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &record, nil
}

func (s gormRecords) List(ctx context.Context, limit int) ([]*MergeRecord, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var records []*MergeRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
