package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// connectTimeout bounds the initial ping and each liveness probe.
const connectTimeout = 5 * time.Second

// ErrClosed means the manager has been closed.
var ErrClosed = errors.New("cache manager is closed")

// Config holds Redis connection settings.
type Config struct {
	Addr         string `yaml:"addr" json:"addr"`
	Password     string `yaml:"password" json:"password"`
	DB           int    `yaml:"db" json:"db"`
	MaxRetries   int    `yaml:"max_retries" json:"max_retries"`
	PoolSize     int    `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns" json:"min_idle_conns"`

	// PingInterval is the background liveness probe period; zero
	// disables the probe.
	PingInterval time.Duration `yaml:"ping_interval" json:"ping_interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
		PingInterval: 30 * time.Second,
	}
}

// Manager owns the Redis connection used for idempotency markers. The
// server holds one Manager; RedisDedupe and the readiness probe borrow
// it.
type Manager struct {
	redis  *redis.Client
	logger *zap.Logger
	done   chan struct{}
	closed atomic.Bool
}

// NewManager connects to Redis and verifies the connection before
// returning. A positive PingInterval starts a background liveness
// probe that logs when Redis becomes unreachable.
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}

	m := &Manager{
		redis:  client,
		logger: logger.With(zap.String("component", "cache")),
		done:   make(chan struct{}),
	}
	if cfg.PingInterval > 0 {
		go m.watch(cfg.PingInterval)
	}

	m.logger.Info("connected to redis", zap.String("addr", cfg.Addr))
	return m, nil
}

// SetNX stores value under key with the given TTL only if the key does
// not exist, and reports whether it was stored. This is the primitive
// behind dedupe markers; a zero ttl stores the key without expiry.
func (m *Manager) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if m.closed.Load() {
		return false, ErrClosed
	}
	set, err := m.redis.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return set, nil
}

// Ping checks the Redis connection.
func (m *Manager) Ping(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.redis.Ping(ctx).Err()
}

// Close stops the liveness probe and releases the connection. Safe to
// call more than once.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	close(m.done)
	return m.redis.Close()
}

// watch pings Redis on a fixed interval so connectivity loss shows up
// in the logs before a dedupe call fails.
func (m *Manager) watch(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
			err := m.redis.Ping(ctx).Err()
			cancel()
			if err != nil {
				m.logger.Warn("redis unreachable", zap.Error(err))
			}
		}
	}
}
