package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete gitswarm configuration.
type Config struct {
	// Server configures the authority HTTP server.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Agent identifies this instance and its operating mode.
	Agent AgentConfig `yaml:"agent" env:"AGENT"`

	// Authority configures the remote authority client.
	Authority AuthorityConfig `yaml:"authority" env:"AUTHORITY"`

	// Store selects the persistence backend.
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Backends configures the merge engines.
	Backends BackendsConfig `yaml:"backends" env:"BACKENDS"`

	// Database configures the relational backend.
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis configures the redis backend and cache.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Archive configures the MongoDB merge record archiver.
	Archive ArchiveConfig `yaml:"archive" env:"ARCHIVE"`

	// Compat configures plugin compatibility signaling.
	Compat CompatConfig `yaml:"compat" env:"COMPAT"`

	// Log configures zap logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Telemetry configures OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// HTTP port
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics port, 0 serves metrics on the main port
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// Read timeout
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// Write timeout
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// Connection cap for the listener, 0 means unlimited
	MaxConns int `yaml:"max_conns" env:"MAX_CONNS"`
	// Per-IP rate limit in requests per second
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// Per-IP burst allowance
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// CORS allowed origins
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	// TLS certificate file; set together with the key to serve HTTPS
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	// TLS private key file
	TLSKeyFile string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// AgentConfig identifies this instance in the federation.
type AgentConfig struct {
	// ID is this instance's agent identifier
	ID string `yaml:"id" env:"ID"`
	// Mode is disconnected or synced
	Mode string `yaml:"mode" env:"MODE"`
	// Maintainer marks the operator as a stream maintainer
	Maintainer bool `yaml:"maintainer" env:"MAINTAINER"`
}

// AuthorityConfig configures the remote authority client.
type AuthorityConfig struct {
	// BaseURL of the authority, e.g. https://authority.example.com
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// Token is a static bearer token; takes precedence over Secret
	Token string `yaml:"token" env:"TOKEN"`
	// Secret is the shared HS256 secret for minted session tokens
	Secret string `yaml:"secret" env:"SECRET"`
	// Request timeout
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// Retry attempts after the first failure
	RetryCount int `yaml:"retry_count" env:"RETRY_COUNT"`
	// Base delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	// Minted session token lifetime
	SessionTTL time.Duration `yaml:"session_ttl" env:"SESSION_TTL"`
	// How long a connectivity verdict is cached
	ProbeTTL time.Duration `yaml:"probe_ttl" env:"PROBE_TTL"`
	// Timeout for the connectivity probe
	ProbeTimeout time.Duration `yaml:"probe_timeout" env:"PROBE_TIMEOUT"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Type is memory, gorm or redis
	Type string `yaml:"type" env:"TYPE"`
	// Key prefix for the redis backend
	RedisPrefix string `yaml:"redis_prefix" env:"REDIS_PREFIX"`
}

// BackendsConfig configures the merge engines.
type BackendsConfig struct {
	// CascadeRoot is the directory holding one working tree per repo
	CascadeRoot string `yaml:"cascade_root" env:"CASCADE_ROOT"`
	// Hosting configures the code-hosting API used by remote-api repos
	Hosting HostingConfig `yaml:"hosting" env:"HOSTING"`
}

// HostingConfig configures the code-hosting API client.
type HostingConfig struct {
	// BaseURL of the hosting API; empty disables the remote-api engine
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// Token is the hosting API bearer token
	Token string `yaml:"token" env:"TOKEN"`
	// Request timeout
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// Retry attempts after the first failure
	RetryCount int `yaml:"retry_count" env:"RETRY_COUNT"`
	// Base delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
}

// DatabaseConfig configures the relational database.
type DatabaseConfig struct {
	// Driver is postgres, mysql or sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// Host
	Host string `yaml:"host" env:"HOST"`
	// Port
	Port int `yaml:"port" env:"PORT"`
	// User
	User string `yaml:"user" env:"USER"`
	// Password
	Password string `yaml:"password" env:"PASSWORD"`
	// Database name, or the file path for sqlite
	Name string `yaml:"name" env:"NAME"`
	// SSL mode
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// Connection pool caps
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// Idle connection cap
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// Connection lifetime
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RedisConfig configures redis.
type RedisConfig struct {
	// Address
	Addr string `yaml:"addr" env:"ADDR"`
	// Password
	Password string `yaml:"password" env:"PASSWORD"`
	// Database number
	DB int `yaml:"db" env:"DB"`
	// Pool size
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// Minimum idle connections
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// ArchiveConfig configures the MongoDB merge record archiver.
type ArchiveConfig struct {
	// Enabled turns archiving on
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// URI is the MongoDB connection string
	URI string `yaml:"uri" env:"URI"`
	// Database name
	Database string `yaml:"database" env:"DATABASE"`
	// Collection name
	Collection string `yaml:"collection" env:"COLLECTION"`
	// Initial connection timeout
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// CompatConfig configures plugin compatibility signaling.
type CompatConfig struct {
	// Enabled runs the compatibility scan on engine open
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Handlers lists locally installed plugin handler ids
	Handlers []string `yaml:"handlers" env:"HANDLERS"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console
	Format string `yaml:"format" env:"FORMAT"`
	// Output paths
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// Annotate entries with the calling site
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// Attach stacktraces to error entries
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled serves /metrics
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Path defaults to /metrics
	Path string `yaml:"path" env:"PATH"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	// Enabled turns OTLP export on
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP gRPC endpoint
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// Service name reported on spans
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// Trace sample rate
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader builds a Config from defaults, then the YAML file, then the
// environment, in that order of precedence.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("GITSWARM").
//	    Load()
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the GITSWARM env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "GITSWARM",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration. A missing config file is not an
// error; defaults and the environment still apply.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated string slices only.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads the configuration and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from defaults and environment only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Mode constants for AgentConfig.Mode.
const (
	ModeDisconnected = "disconnected"
	ModeSynced       = "synced"
)

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}

	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, "server.tls_cert_file and server.tls_key_file must be set together")
	}

	switch c.Agent.Mode {
	case "", ModeDisconnected:
	case ModeSynced:
		if c.Authority.BaseURL == "" {
			errs = append(errs, "synced mode requires authority.base_url")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown agent mode %q", c.Agent.Mode))
	}

	switch c.Store.Type {
	case "", "memory", "redis":
	case "gorm":
		switch c.Database.Driver {
		case "sqlite", "postgres", "mysql":
		default:
			errs = append(errs, fmt.Sprintf("unknown database driver %q", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown store type %q", c.Store.Type))
	}

	if c.Authority.RetryCount < 0 {
		errs = append(errs, "authority.retry_count must not be negative")
	}

	if c.Archive.Enabled && c.Archive.URI == "" {
		errs = append(errs, "archive.enabled requires archive.uri")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the database connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
