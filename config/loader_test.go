// Loader and default configuration tests.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Default configuration ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Server defaults
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	// Agent defaults
	assert.Equal(t, "default-agent", cfg.Agent.ID)
	assert.Equal(t, ModeDisconnected, cfg.Agent.Mode)
	assert.False(t, cfg.Agent.Maintainer)

	// Authority defaults
	assert.Equal(t, 30*time.Second, cfg.Authority.Timeout)
	assert.Equal(t, 3, cfg.Authority.RetryCount)
	assert.Equal(t, 15*time.Minute, cfg.Authority.SessionTTL)

	// Store defaults
	assert.Equal(t, "memory", cfg.Store.Type)

	// Redis defaults
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)

	// Database defaults
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)

	// Log defaults
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

// --- Loader ---

func TestLoader_LoadDefaults(t *testing.T) {
	// No config file specified; defaults apply.
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "default-agent", cfg.Agent.ID)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s

agent:
  id: "test-agent"
  mode: "synced"
  maintainer: true

authority:
  base_url: "https://authority.example.com"
  timeout: 10s
  retry_count: 5

store:
  type: "redis"
  redis_prefix: "swarm"

redis:
  addr: "redis.example.com:6379"
  password: "secret"
  db: 1

compat:
  handlers:
    - lint
    - fmt

log:
  level: "debug"
  format: "console"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	// YAML values override the defaults.
	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, "test-agent", cfg.Agent.ID)
	assert.Equal(t, ModeSynced, cfg.Agent.Mode)
	assert.True(t, cfg.Agent.Maintainer)

	assert.Equal(t, "https://authority.example.com", cfg.Authority.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Authority.Timeout)
	assert.Equal(t, 5, cfg.Authority.RetryCount)

	assert.Equal(t, "redis", cfg.Store.Type)
	assert.Equal(t, "swarm", cfg.Store.RedisPrefix)

	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)

	assert.Equal(t, []string{"lint", "fmt"}, cfg.Compat.Handlers)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	envVars := map[string]string{
		"GITSWARM_SERVER_HTTP_PORT":      "7777",
		"GITSWARM_AGENT_ID":              "env-agent",
		"GITSWARM_AGENT_MODE":            "synced",
		"GITSWARM_AGENT_MAINTAINER":      "true",
		"GITSWARM_AUTHORITY_BASE_URL":    "https://env-authority:8443",
		"GITSWARM_AUTHORITY_RETRY_COUNT": "5",
		"GITSWARM_AUTHORITY_PROBE_TTL":   "30s",
		"GITSWARM_REDIS_ADDR":            "env-redis:6379",
		"GITSWARM_COMPAT_HANDLERS":       "lint, fmt,security",
		"GITSWARM_TELEMETRY_SAMPLE_RATE": "0.5",
		"GITSWARM_LOG_LEVEL":             "warn",
	}

	for k, v := range envVars {
		os.Setenv(k, v)
	}
	defer func() {
		for k := range envVars {
			os.Unsetenv(k)
		}
	}()

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	// Environment values override the defaults.
	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, "env-agent", cfg.Agent.ID)
	assert.Equal(t, ModeSynced, cfg.Agent.Mode)
	assert.True(t, cfg.Agent.Maintainer)
	assert.Equal(t, "https://env-authority:8443", cfg.Authority.BaseURL)
	assert.Equal(t, 5, cfg.Authority.RetryCount)
	assert.Equal(t, 30*time.Second, cfg.Authority.ProbeTTL)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"lint", "fmt", "security"}, cfg.Compat.Handlers)
	assert.InDelta(t, 0.5, cfg.Telemetry.SampleRate, 0.001)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
agent:
  id: "yaml-agent"
  mode: "disconnected"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	os.Setenv("GITSWARM_SERVER_HTTP_PORT", "9999")
	os.Setenv("GITSWARM_AGENT_ID", "env-agent")
	defer func() {
		os.Unsetenv("GITSWARM_SERVER_HTTP_PORT")
		os.Unsetenv("GITSWARM_AGENT_ID")
	}()

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	// Environment wins over YAML.
	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "env-agent", cfg.Agent.ID)
	// Untouched YAML values survive.
	assert.Equal(t, ModeDisconnected, cfg.Agent.Mode)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	os.Setenv("MYAPP_SERVER_HTTP_PORT", "6666")
	os.Setenv("MYAPP_AGENT_ID", "custom-prefix-agent")
	defer func() {
		os.Unsetenv("MYAPP_SERVER_HTTP_PORT")
		os.Unsetenv("MYAPP_AGENT_ID")
	}()

	cfg, err := NewLoader().
		WithEnvPrefix("MYAPP").
		Load()
	require.NoError(t, err)

	assert.Equal(t, 6666, cfg.Server.HTTPPort)
	assert.Equal(t, "custom-prefix-agent", cfg.Agent.ID)
}

func TestLoader_WithValidator(t *testing.T) {
	validator := func(cfg *Config) error {
		if cfg.Server.HTTPPort < 1024 {
			return assert.AnError
		}
		return nil
	}

	os.Setenv("GITSWARM_SERVER_HTTP_PORT", "80")
	defer os.Unsetenv("GITSWARM_SERVER_HTTP_PORT")

	_, err := NewLoader().
		WithValidator(validator).
		Load()
	assert.Error(t, err)
}

func TestLoader_NonExistentFile(t *testing.T) {
	// A missing file falls back to defaults without error.
	cfg, err := NewLoader().
		WithConfigPath("/non/existent/path/config.yaml").
		Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
server:
  http_port: [invalid
  this is not valid yaml
`
	err := os.WriteFile(configPath, []byte(invalidYAML), 0644)
	require.NoError(t, err)

	_, err = NewLoader().
		WithConfigPath(configPath).
		Load()
	assert.Error(t, err)
}

// --- Config methods ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid HTTP port (negative)",
			modify: func(c *Config) {
				c.Server.HTTPPort = -1
			},
			wantErr: true,
		},
		{
			name: "invalid HTTP port (too large)",
			modify: func(c *Config) {
				c.Server.HTTPPort = 70000
			},
			wantErr: true,
		},
		{
			name: "synced mode without authority URL",
			modify: func(c *Config) {
				c.Agent.Mode = ModeSynced
			},
			wantErr: true,
		},
		{
			name: "synced mode with authority URL",
			modify: func(c *Config) {
				c.Agent.Mode = ModeSynced
				c.Authority.BaseURL = "https://authority.example.com"
			},
			wantErr: false,
		},
		{
			name: "unknown agent mode",
			modify: func(c *Config) {
				c.Agent.Mode = "offline"
			},
			wantErr: true,
		},
		{
			name: "gorm store with sqlite driver",
			modify: func(c *Config) {
				c.Store.Type = "gorm"
				c.Database.Driver = "sqlite"
				c.Database.Name = "gitswarm.db"
			},
			wantErr: false,
		},
		{
			name: "gorm store with unknown driver",
			modify: func(c *Config) {
				c.Store.Type = "gorm"
				c.Database.Driver = "oracle"
			},
			wantErr: true,
		},
		{
			name: "unknown store type",
			modify: func(c *Config) {
				c.Store.Type = "etcd"
			},
			wantErr: true,
		},
		{
			name: "negative authority retry count",
			modify: func(c *Config) {
				c.Authority.RetryCount = -1
			},
			wantErr: true,
		},
		{
			name: "archive enabled without URI",
			modify: func(c *Config) {
				c.Archive.Enabled = true
			},
			wantErr: true,
		},
		{
			name: "archive enabled with URI",
			modify: func(c *Config) {
				c.Archive.Enabled = true
				c.Archive.URI = "mongodb://localhost:27017"
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres DSN",
			config: DatabaseConfig{
				Driver:   "postgres",
				Host:     "localhost",
				Port:     5432,
				User:     "user",
				Password: "pass",
				Name:     "dbname",
				SSLMode:  "disable",
			},
			expected: "host=localhost port=5432 user=user password=pass dbname=dbname sslmode=disable",
		},
		{
			name: "mysql DSN",
			config: DatabaseConfig{
				Driver:   "mysql",
				Host:     "localhost",
				Port:     3306,
				User:     "user",
				Password: "pass",
				Name:     "dbname",
			},
			expected: "user:pass@tcp(localhost:3306)/dbname?parseTime=true",
		},
		{
			name: "sqlite DSN",
			config: DatabaseConfig{
				Driver: "sqlite",
				Name:   "/path/to/db.sqlite",
			},
			expected: "/path/to/db.sqlite",
		},
		{
			name: "unknown driver",
			config: DatabaseConfig{
				Driver: "unknown",
			},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

// --- MustLoad ---

func TestMustLoad_Success(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8080
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		cfg := MustLoad(configPath)
		assert.Equal(t, 8080, cfg.Server.HTTPPort)
	})
}

func TestMustLoad_InvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	err := os.WriteFile(configPath, []byte("invalid: [yaml"), 0644)
	require.NoError(t, err)

	assert.Panics(t, func() {
		MustLoad(configPath)
	})
}

func TestLoadFromEnv_Function(t *testing.T) {
	os.Setenv("GITSWARM_AGENT_ID", "env-only-agent")
	defer os.Unsetenv("GITSWARM_AGENT_ID")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "env-only-agent", cfg.Agent.ID)
}
