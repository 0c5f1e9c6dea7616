// =============================================================================
// GitSwarm entry point
// =============================================================================
// Federation authority server with health checks and Prometheus metrics.
//
// Usage:
//
//	gitswarm serve                        # start the authority
//	gitswarm serve --config config.yaml   # with a config file
//	gitswarm version                      # show build information
//	gitswarm health                       # probe a running instance
//	gitswarm migrate up                   # apply database migrations
//	gitswarm migrate down                 # roll back the last migration
//	gitswarm migrate status               # show migration status
// =============================================================================

// @title GitSwarm Federation API
// @version 1.0.0
// @description GitSwarm is a federation consensus and merge synchronization
// @description engine for code-review streams.
// @description
// @description ## Features
// @description - Merge delegation with authority-side consensus recomputation
// @description - Ordered sync event ingestion with idempotent acks
// @description - Stream and merge audit read models
// @description - Live activity feed over websocket

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Agent session token (HS256) or static bearer token

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/alexngai/gitswarm-sub001/config"
	"github.com/alexngai/gitswarm-sub001/internal/telemetry"
	"github.com/alexngai/gitswarm-sub001/internal/tlsutil"
)

// =============================================================================
// Build information (injected via ldflags)
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// Main
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch cmd := os.Args[1]; cmd {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "health":
		runHealthCheck(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "gitswarm: unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// serve command
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the YAML config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gitswarm: load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "gitswarm: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, logLevel := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting GitSwarm",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("agent_id", cfg.Agent.ID),
		zap.String("mode", cfg.Agent.Mode),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, cfg.Agent.ID, logger)
	if err != nil {
		logger.Warn("telemetry initialization failed, continuing without it", zap.Error(err))
	}

	server := NewServer(cfg, *configPath, logger, logLevel, otelProviders)

	if err := server.Start(); err != nil {
		logger.Fatal("server startup failed", zap.Error(err))
	}

	server.WaitForShutdown()

	logger.Info("GitSwarm stopped")
}

// =============================================================================
// health command
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "address of the instance to probe")
	fs.Parse(args)

	resp, err := tlsutil.Client(5 * time.Second).Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "gitswarm: health probe: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "gitswarm: health probe: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("healthy")
}

// =============================================================================
// version and help
// =============================================================================

func printVersion() {
	fmt.Printf("gitswarm %s (commit %s, built %s)\n", Version, GitCommit, BuildTime)
}

func printUsage() {
	fmt.Println(`gitswarm, the federation consensus and merge synchronization engine.

Usage:

  gitswarm serve [--config <path>]     start the federation authority
  gitswarm migrate <subcommand>        manage the database schema
  gitswarm health [--addr <url>]       probe a running instance
  gitswarm version                     print build information

Migrate subcommands:

  up            apply all pending migrations
  down          roll back the most recent migration
  steps <n>     apply n migrations, negative n rolls back
  goto <v>      migrate to schema version v
  force <v>     overwrite the recorded version without migrating
  reset         roll back every migration
  status        list every migration with its applied state
  version       print the current schema version

The serve command reads defaults, then the YAML file given with
--config, then GITSWARM_* environment variables.`)
}

// =============================================================================
// Logger initialization
// =============================================================================

// initLogger builds the root logger. The returned AtomicLevel is
// shared with the config reloader so "Log.Level" changes apply to a
// running instance.
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if lvl, err := zapcore.ParseLevel(cfg.Level); err == nil {
		level.SetLevel(lvl)
	}

	encoding := "json"
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            level,
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger, level
}
