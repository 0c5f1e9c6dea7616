// =============================================================================
// Authority server lifecycle
// =============================================================================
// Wires the persistence layer, merge engines, consensus evaluator and
// federation handlers into two HTTP servers (API and metrics) and manages
// graceful shutdown.
// =============================================================================

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/alexngai/gitswarm-sub001/api/handlers"
	"github.com/alexngai/gitswarm-sub001/config"
	"github.com/alexngai/gitswarm-sub001/internal/cache"
	"github.com/alexngai/gitswarm-sub001/internal/database"
	"github.com/alexngai/gitswarm-sub001/internal/metrics"
	"github.com/alexngai/gitswarm-sub001/internal/server"
	"github.com/alexngai/gitswarm-sub001/internal/telemetry"
	"github.com/alexngai/gitswarm-sub001/swarm/backend"
	"github.com/alexngai/gitswarm-sub001/swarm/compat"
	"github.com/alexngai/gitswarm-sub001/swarm/consensus"
	"github.com/alexngai/gitswarm-sub001/swarm/executor"
	"github.com/alexngai/gitswarm-sub001/swarm/gating"
	"github.com/alexngai/gitswarm-sub001/swarm/store"
	"github.com/alexngai/gitswarm-sub001/swarm/store/archive"
)

// Server owns every long-lived component of the authority process.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	logLevel   zap.AtomicLevel
	otel       *telemetry.Providers

	httpManager    *server.Manager
	metricsManager *server.Manager

	st            store.Store
	dbPool        *database.PoolManager
	cacheManager  *cache.Manager
	archiver      *archive.Archiver
	asyncArchiver *archive.AsyncArchiver

	metricsCollector  *metrics.Collector
	federationHandler *handlers.FederationHandler
	healthHandler     *handlers.HealthHandler
	feed              *handlers.Feed

	reloader *config.Reloader

	rateLimiterCancel context.CancelFunc
	wg                sync.WaitGroup
}

// NewServer creates a server from validated configuration. configPath is
// the file the config was loaded from; it enables hot reload when set.
// logLevel is the root logger's level, adjusted when a reload changes
// Log.Level.
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, logLevel zap.AtomicLevel, otel *telemetry.Providers) *Server {
	if logger == nil {
		logger = zap.NewNop()
		logLevel = zap.NewAtomicLevel()
	}
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		logLevel:   logLevel,
		otel:       otel,
	}
}

// Start brings up every component in dependency order. On error the
// caller is expected to exit; partially started components are cleaned
// up by Shutdown.
func (s *Server) Start() error {
	s.metricsCollector = metrics.NewCollector("gitswarm", s.logger)

	if err := s.initStore(); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	if err := s.initHandlers(); err != nil {
		return fmt.Errorf("init handlers: %w", err)
	}

	s.runCompatScan()
	s.initReloader()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("Server started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("store", s.cfg.Store.Type),
	)

	return nil
}

// =============================================================================
// Persistence
// =============================================================================

func (s *Server) initStore() error {
	st, err := store.NewStore(storeConfigFromApp(s.cfg), s.logger)
	if err != nil {
		return err
	}
	s.st = st

	// The gorm backend shares its sql.DB with a pool manager: pool
	// gauges land in Prometheus, /ready can probe the database, and
	// contended writes retry through the manager's transaction runner.
	if gs, ok := st.(*store.GormStore); ok {
		pool, err := database.NewPoolManager("primary", gs.DB(), poolConfigFromApp(s.cfg.Database), s.metricsCollector, s.logger)
		if err != nil {
			return err
		}
		s.dbPool = pool
		gs.WithTxRunner(pool)
	}

	if store.StoreType(s.cfg.Store.Type) == store.StoreTypeRedis {
		mgr, err := cache.NewManager(cacheConfigFromApp(s.cfg.Redis), s.logger)
		if err != nil {
			return err
		}
		s.cacheManager = mgr
	}

	return nil
}

// =============================================================================
// Collaborators and handlers
// =============================================================================

func (s *Server) initHandlers() error {
	evaluator := consensus.NewEvaluator(s.st.Reviews(), nil, s.logger)

	engines := []backend.Backend{
		backend.NewCascade(backend.CascadeConfig{Root: s.cfg.Backends.CascadeRoot}, nil, s.logger),
	}
	if s.cfg.Backends.Hosting.BaseURL != "" {
		client := backend.NewHTTPHostingClient(
			s.cfg.Backends.Hosting.BaseURL,
			s.cfg.Backends.Hosting.Token,
			backend.WithHostingTimeout(s.cfg.Backends.Hosting.Timeout),
			backend.WithHostingRetries(s.cfg.Backends.Hosting.RetryCount, s.cfg.Backends.Hosting.RetryDelay),
			backend.WithHostingLogger(s.logger),
		)
		engines = append(engines, backend.NewRemoteAPI(client, s.logger))
	} else {
		s.logger.Info("hosting API not configured, remote-api repos are unavailable")
	}
	resolver := backend.NewResolver(engines...)

	exec := executor.New(s.st, resolver, s.logger)

	if s.cfg.Archive.Enabled {
		archiver, err := archive.New(archive.Config{
			Enabled:        true,
			URI:            s.cfg.Archive.URI,
			Database:       s.cfg.Archive.Database,
			Collection:     s.cfg.Archive.Collection,
			ConnectTimeout: s.cfg.Archive.ConnectTimeout,
		}, s.logger)
		if err != nil {
			s.logger.Warn("merge record archive unavailable", zap.Error(err))
		} else {
			s.archiver = archiver
			s.asyncArchiver = archive.NewAsync(archiver, archive.DefaultAsyncConfig(), s.metricsCollector, s.logger)
			exec = exec.WithArchiveSink(s.asyncArchiver)
		}
	}

	var dedupe cache.Dedupe
	if s.cacheManager != nil {
		dedupe = cache.NewRedisDedupe(s.cacheManager, s.cfg.Store.RedisPrefix, 0)
	} else {
		dedupe = cache.NewMemoryDedupe(0)
	}

	s.feed = handlers.NewFeed(s.logger)
	s.federationHandler = handlers.NewFederationHandler(s.st, evaluator, exec, dedupe, s.feed, s.metricsCollector, s.logger)

	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewStoreHealthCheck(s.st))
	if s.dbPool != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.dbPool.Ping))
	}
	if s.cacheManager != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("cache", s.cacheManager.Ping))
	}

	return nil
}

// runCompatScan reports repos whose declared plugins cannot run on this
// instance. Findings are logged, never fatal.
func (s *Server) runCompatScan() {
	if !s.cfg.Compat.Enabled {
		return
	}

	scanner := compat.NewScanner(s.st.Repos(), compat.NewHandlerSet(s.cfg.Compat.Handlers...), s.logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	diags, err := scanner.Scan(ctx, gating.OperatingMode(s.cfg.Agent.Mode))
	if err != nil {
		s.logger.Warn("compatibility scan failed", zap.Error(err))
		return
	}

	for _, d := range diags {
		fields := []zap.Field{
			zap.String("repo_id", d.RepoID),
			zap.String("plugin_id", d.PluginID),
			zap.String("message", d.Message),
		}
		if d.Severity == compat.SeverityWarning {
			s.logger.Warn("plugin compatibility", fields...)
		} else {
			s.logger.Info("plugin compatibility", fields...)
		}
	}
}

// =============================================================================
// Config hot reload
// =============================================================================

func (s *Server) initReloader() {
	if s.configPath == "" {
		s.logger.Debug("no config file, hot reload disabled")
		return
	}

	reloader, err := config.NewReloader(s.cfg,
		config.WithReloadLogger(s.logger),
		config.WithReloadPath(s.configPath),
	)
	if err != nil {
		s.logger.Warn("hot reload unavailable", zap.Error(err))
		return
	}

	reloader.OnReload(func(old, cur *config.Config) error {
		if old.Log.Level != cur.Log.Level {
			lvl, err := zapcore.ParseLevel(cur.Log.Level)
			if err != nil {
				return fmt.Errorf("invalid log level %q", cur.Log.Level)
			}
			s.logLevel.SetLevel(lvl)
		}
		s.logger.Info("configuration reloaded",
			zap.String("log_level", cur.Log.Level),
			zap.Int("rate_limit_rps", cur.Server.RateLimitRPS),
		)
		return nil
	})

	if err := reloader.Start(); err != nil {
		s.logger.Warn("failed to start hot reload", zap.Error(err))
		return
	}
	s.reloader = reloader
}

// =============================================================================
// HTTP servers
// =============================================================================

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	s.federationHandler.RegisterRoutes(mux)

	if s.reloader != nil {
		// The authority bearer token doubles as the admin key. Without
		// one the admin endpoints are open, which only suits dev.
		handlers.NewAdminHandler(s.reloader, s.cfg.Authority.Token, s.logger).RegisterRoutes(mux)
	}

	if s.cfg.Metrics.Enabled && s.cfg.Server.MetricsPort == 0 {
		mux.Handle(s.metricsPath(), promhttp.Handler())
	}

	rateLimiterCtx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = cancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		Observe(s.logger, s.metricsCollector, s.cfg.Telemetry.Enabled),
		CORS(s.cfg.Server.AllowedOrigins),
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst),
	}
	if s.cfg.Authority.Secret != "" || s.cfg.Authority.Token != "" {
		middlewares = append(middlewares,
			BearerAuth(s.cfg.Authority.Secret, s.cfg.Authority.Token, skipAuthPaths, s.logger))
	} else {
		s.logger.Warn("no authority secret or token configured, API is unauthenticated")
	}

	handler := Chain(mux, middlewares...)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		CertFile:        s.cfg.Server.TLSCertFile,
		KeyFile:         s.cfg.Server.TLSKeyFile,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		MaxConns:        s.cfg.Server.MaxConns,
	}, s.logger)

	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	if !s.cfg.Metrics.Enabled || s.cfg.Server.MetricsPort == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(s.metricsPath(), promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	return s.metricsManager.Start()
}

func (s *Server) metricsPath() string {
	if s.cfg.Metrics.Path != "" {
		return s.cfg.Metrics.Path
	}
	return "/metrics"
}

// =============================================================================
// Shutdown
// =============================================================================

// WaitForShutdown blocks until the API server stops, then tears down
// the remaining components.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops components in reverse dependency order. Hijacked
// websocket connections are closed through the feed because the HTTP
// server's graceful shutdown does not track them.
func (s *Server) Shutdown() {
	s.logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	if s.reloader != nil {
		s.reloader.Stop()
	}

	if s.feed != nil {
		s.feed.Close()
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	if s.asyncArchiver != nil {
		if err := s.asyncArchiver.Close(ctx); err != nil {
			s.logger.Warn("async archiver close error", zap.Error(err))
		}
	}
	if s.archiver != nil {
		if err := s.archiver.Close(ctx); err != nil {
			s.logger.Warn("archiver close error", zap.Error(err))
		}
	}

	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil {
			s.logger.Warn("cache close error", zap.Error(err))
		}
	}

	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Warn("database pool close error", zap.Error(err))
		}
	}

	if s.st != nil {
		if err := s.st.Close(); err != nil {
			s.logger.Warn("store close error", zap.Error(err))
		}
	}

	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}

	s.wg.Wait()

	s.logger.Info("Server shutdown complete")
}

// =============================================================================
// Config mapping
// =============================================================================

func storeConfigFromApp(cfg *config.Config) store.StoreConfig {
	sc := store.StoreConfig{Type: store.StoreType(cfg.Store.Type)}

	switch sc.Type {
	case store.StoreTypeGorm:
		sc.Gorm = store.GormStoreConfig{
			Driver: cfg.Database.Driver,
			DSN:    cfg.Database.DSN(),
			// sqlite is the dev backend; postgres and mysql schemas are
			// managed by the migrate CLI.
			AutoMigrate: cfg.Database.Driver == "sqlite",
		}
	case store.StoreTypeRedis:
		host, port := splitRedisAddr(cfg.Redis.Addr)
		sc.Redis = store.RedisStoreConfig{
			Host:      host,
			Port:      port,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Store.RedisPrefix,
		}
	}

	return sc
}

func cacheConfigFromApp(cfg config.RedisConfig) cache.Config {
	cc := cache.DefaultConfig()
	if cfg.Addr != "" {
		cc.Addr = cfg.Addr
	}
	cc.Password = cfg.Password
	cc.DB = cfg.DB
	if cfg.PoolSize > 0 {
		cc.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		cc.MinIdleConns = cfg.MinIdleConns
	}
	return cc
}

func poolConfigFromApp(cfg config.DatabaseConfig) database.PoolConfig {
	pc := database.DefaultPoolConfig()
	if cfg.MaxOpenConns > 0 {
		pc.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		pc.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	return pc
}

func splitRedisAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 6379
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 6379
	}
	return host, port
}
