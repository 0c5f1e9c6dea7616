package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/alexngai/gitswarm-sub001/internal/tlsutil"
)

// Config holds the listener and timeout settings for a Manager. Zero
// fields fall back to package defaults; a certificate pair switches
// the manager to HTTPS with the hardened profile from tlsutil.
type Config struct {
	Addr            string
	CertFile        string
	KeyFile         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	ShutdownTimeout time.Duration
	MaxConns        int
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * c.ReadTimeout
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = 1 << 20
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

func (c Config) tls() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

type runState int

const (
	stateIdle runState = iota
	stateRunning
	stateStopped
)

// Manager owns one http.Server from bind to drain. Start is
// non-blocking; serve failures surface on Failed or through
// WaitForShutdown. A stopped manager cannot be restarted.
type Manager struct {
	cfg    Config
	srv    *http.Server
	logger *zap.Logger
	failed chan error

	mu       sync.Mutex
	state    runState
	listener net.Listener
}

// NewManager wraps handler in a configured http.Server. The manager
// is inert until Start.
func NewManager(handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "http_server"))
	cfg = cfg.withDefaults()

	srv := &http.Server{
		Addr:           cfg.Addr,
		Handler:        handler,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
		ErrorLog:       zap.NewStdLog(logger),
	}
	if cfg.tls() {
		srv.TLSConfig = tlsutil.ServerConfig()
	}

	return &Manager{
		cfg:    cfg,
		srv:    srv,
		logger: logger,
		failed: make(chan error, 1),
	}
}

// Start binds the listener and serves in a background goroutine.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateRunning:
		return errors.New("server already started")
	case stateStopped:
		return errors.New("server is closed")
	}

	ln, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", m.cfg.Addr, err)
	}
	if m.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, m.cfg.MaxConns)
	}
	m.listener = ln
	m.state = stateRunning

	scheme := "http"
	if m.cfg.tls() {
		scheme = "https"
	}
	m.logger.Info("listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("scheme", scheme),
	)

	go m.serve(ln)
	return nil
}

func (m *Manager) serve(ln net.Listener) {
	var err error
	if m.cfg.tls() {
		err = m.srv.ServeTLS(ln, m.cfg.CertFile, m.cfg.KeyFile)
	} else {
		err = m.srv.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.logger.Error("serve failed", zap.Error(err))
		select {
		case m.failed <- err:
		default:
		}
	}
}

// Shutdown drains in-flight requests within the configured grace
// period. Idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.state == stateStopped {
		m.mu.Unlock()
		return nil
	}
	m.state = stateStopped
	m.listener = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
	defer cancel()

	m.logger.Info("draining connections")
	if err := m.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("drain connections: %w", err)
	}
	m.logger.Info("server stopped")
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM arrives or serving
// fails, then drains with the configured grace period.
func (m *Manager) WaitForShutdown() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		m.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-m.failed:
		m.logger.Error("serving stopped unexpectedly", zap.Error(err))
	}

	if err := m.Shutdown(context.Background()); err != nil {
		m.logger.Error("shutdown failed", zap.Error(err))
	}
}

// Failed surfaces asynchronous serve errors.
func (m *Manager) Failed() <-chan error {
	return m.failed
}

// Addr reports the live listener address once started, which resolves
// ":0" to the bound port. Before Start it echoes the configured
// address.
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.cfg.Addr
}

// Running reports whether the server has started and not shut down.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateRunning
}
