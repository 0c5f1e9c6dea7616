package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/alexngai/gitswarm-sub001/swarm/store"
)

// ErrDisabled is returned by New when archiving is not configured.
var ErrDisabled = errors.New("archive: not enabled")

// Config controls the MongoDB archive sink.
type Config struct {
	// Enabled turns archiving on. Leave false unless a MongoDB
	// deployment is available.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// URI is the MongoDB connection string
	URI string `json:"uri" yaml:"uri"`

	// Database is the database name (default: gitswarm)
	Database string `json:"database" yaml:"database"`

	// Collection is the collection name (default: merge_records)
	Collection string `json:"collection" yaml:"collection"`

	// ConnectTimeout bounds the initial connection attempt (default: 5s)
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
}

// DefaultConfig returns the default archive configuration, disabled.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		Database:       "gitswarm",
		Collection:     "merge_records",
		ConnectTimeout: 5 * time.Second,
	}
}

// Archiver writes merge records to MongoDB.
type Archiver struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *zap.Logger
}

// New connects to MongoDB and verifies the connection. Returns
// ErrDisabled when the config has archiving off, so callers can treat
// that case as "no archiver" without a config flag check of their own.
func New(cfg Config, logger *zap.Logger) (*Archiver, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if cfg.URI == "" {
		return nil, errors.New("archive: uri is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Database == "" {
		cfg.Database = "gitswarm"
	}
	if cfg.Collection == "" {
		cfg.Collection = "merge_records"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("archive: connect failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("archive: ping failed: %w", err)
	}

	return &Archiver{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
		logger: logger.With(zap.String("component", "archive")),
	}, nil
}

// Archive writes one merge record to the archive collection.
func (a *Archiver) Archive(ctx context.Context, record *store.MergeRecord) error {
	if record == nil {
		return errors.New("archive: nil record")
	}
	doc := bson.M{
		"record_id":   record.ID,
		"proposal_id": record.ProposalID,
		"stream_id":   record.StreamID,
		"backend":     string(record.Backend),
		"operation":   record.Operation,
		"outcome":     record.Outcome,
		"merge_ref":   record.MergeRef,
		"created_at":  record.CreatedAt,
	}
	if _, err := a.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("archive: insert failed: %w", err)
	}
	a.logger.Debug("merge record archived",
		zap.String("record_id", record.ID),
		zap.String("proposal_id", record.ProposalID),
	)
	return nil
}

// Recent returns the most recently archived records, newest first.
func (a *Archiver) Recent(ctx context.Context, limit int) ([]*store.MergeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := a.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("archive: find failed: %w", err)
	}
	defer cur.Close(ctx)

	var out []*store.MergeRecord
	for cur.Next(ctx) {
		var doc struct {
			RecordID   string    `bson:"record_id"`
			ProposalID string    `bson:"proposal_id"`
			StreamID   string    `bson:"stream_id"`
			Backend    string    `bson:"backend"`
			Operation  string    `bson:"operation"`
			Outcome    string    `bson:"outcome"`
			MergeRef   string    `bson:"merge_ref"`
			CreatedAt  time.Time `bson:"created_at"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("archive: decode failed: %w", err)
		}
		out = append(out, &store.MergeRecord{
			ID:         doc.RecordID,
			ProposalID: doc.ProposalID,
			StreamID:   doc.StreamID,
			Backend:    store.GitBackend(doc.Backend),
			Operation:  doc.Operation,
			Outcome:    doc.Outcome,
			MergeRef:   doc.MergeRef,
			CreatedAt:  doc.CreatedAt,
		})
	}
	return out, cur.Err()
}

// Close disconnects from MongoDB.
func (a *Archiver) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}
