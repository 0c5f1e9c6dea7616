package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/alexngai/gitswarm-sub001/internal/metrics"
)

// ErrClosed means the pool has been closed.
var ErrClosed = errors.New("database pool is closed")

// Transaction retry bounds. Each transient failure doubles the wait.
const (
	txAttempts = 3
	txBackoff  = 100 * time.Millisecond
)

// probeTimeout bounds each background liveness ping.
const probeTimeout = 5 * time.Second

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`

	// HealthCheckInterval is the background probe period; zero
	// disables the probe.
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultPoolConfig returns pool limits suitable for a single
// federation authority instance.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        10,
		MaxOpenConns:        100,
		ConnMaxLifetime:     time.Hour,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Validate rejects pool limits that would starve or leak connections.
func (c PoolConfig) Validate() error {
	switch {
	case c.MaxOpenConns <= 0:
		return fmt.Errorf("max_open_conns must be positive, got %d", c.MaxOpenConns)
	case c.MaxIdleConns <= 0:
		return fmt.Errorf("max_idle_conns must be positive, got %d", c.MaxIdleConns)
	case c.MaxIdleConns > c.MaxOpenConns:
		return fmt.Errorf("max_idle_conns %d exceeds max_open_conns %d", c.MaxIdleConns, c.MaxOpenConns)
	}
	return nil
}

// PoolManager bounds and observes the sql.DB pool behind the gorm
// store. It probes connectivity in the background, publishes pool
// gauges and runs transactional writes with retry for transient
// failures.
type PoolManager struct {
	name      string
	db        *gorm.DB
	sqlDB     *sql.DB
	collector *metrics.Collector
	logger    *zap.Logger
	done      chan struct{}
	closed    atomic.Bool
}

// NewPoolManager applies cfg's limits to the pool behind db and starts
// the liveness probe when an interval is set. The name labels pool
// gauges; a nil collector disables them.
func NewPoolManager(name string, db *gorm.DB, cfg PoolConfig, collector *metrics.Collector, logger *zap.Logger) (*PoolManager, error) {
	if db == nil {
		return nil, errors.New("nil gorm handle")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if name == "" {
		name = "primary"
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sql.DB behind gorm handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pm := &PoolManager{
		name:      name,
		db:        db,
		sqlDB:     sqlDB,
		collector: collector,
		logger:    logger.With(zap.String("component", "db_pool"), zap.String("database", name)),
		done:      make(chan struct{}),
	}
	if cfg.HealthCheckInterval > 0 {
		go pm.watch(cfg.HealthCheckInterval)
	}

	pm.logger.Info("database pool ready",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
	)
	return pm, nil
}

// Ping checks connectivity on the underlying pool.
func (pm *PoolManager) Ping(ctx context.Context) error {
	if pm.closed.Load() {
		return ErrClosed
	}
	return pm.sqlDB.PingContext(ctx)
}

// Stats returns the raw sql.DB pool counters.
func (pm *PoolManager) Stats() sql.DBStats {
	return pm.sqlDB.Stats()
}

// Close stops the liveness probe and closes the pool. Safe to call
// more than once.
func (pm *PoolManager) Close() error {
	if pm.closed.Swap(true) {
		return nil
	}
	close(pm.done)
	return pm.sqlDB.Close()
}

// Transact runs fn inside a transaction, committing on nil and rolling
// back on error. Transient failures (deadlocks, serialization aborts,
// dropped connections) are retried with exponential backoff; each
// attempt is its own transaction, so fn must be safe to re-run.
func (pm *PoolManager) Transact(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var last error
	for attempt := 0; attempt < txAttempts; attempt++ {
		if attempt > 0 {
			pm.logger.Warn("retrying transaction",
				zap.Int("attempt", attempt+1),
				zap.Error(last),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(txBackoff << (attempt - 1)):
			}
		}
		if pm.closed.Load() {
			return ErrClosed
		}

		start := time.Now()
		err := pm.db.WithContext(ctx).Transaction(fn)
		pm.collector.RecordDBQuery(pm.name, "transaction", time.Since(start))
		if err == nil {
			return nil
		}
		if !transient(err) {
			return err
		}
		last = err
	}
	return fmt.Errorf("transaction still failing after %d attempts: %w", txAttempts, last)
}

// watch pings the pool on a fixed interval and publishes connection
// gauges while the database is reachable.
func (pm *PoolManager) watch(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
			err := pm.sqlDB.PingContext(ctx)
			cancel()
			if err != nil {
				pm.logger.Warn("database unreachable", zap.Error(err))
				continue
			}
			stats := pm.sqlDB.Stats()
			pm.collector.RecordDBConnections(pm.name, stats.OpenConnections, stats.Idle)
		}
	}
}

// transient reports whether err looks like a failure a fresh attempt
// can clear: deadlocks, serialization aborts (SQLSTATE 40001), lock
// timeouts and dropped connections.
func transient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"deadlock",
		"serialization failure",
		"40001",
		"lock timeout",
		"lock wait timeout",
		"connection reset",
		"connection refused",
		"broken pipe",
		"bad connection",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
