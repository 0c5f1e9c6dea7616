package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Constructor
// =============================================================================

func TestNewReloader_NilConfig(t *testing.T) {
	_, err := NewReloader(nil)
	assert.Error(t, err)
}

func TestNewReloader_CopiesConfig(t *testing.T) {
	cfg := DefaultConfig()
	r, err := NewReloader(cfg)
	require.NoError(t, err)

	cfg.Log.Level = "mutated"

	assert.Equal(t, "info", r.Current().Log.Level)
}

func TestReloader_CurrentReturnsCopy(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	r.Current().Log.Level = "mutated"

	assert.Equal(t, "info", r.Current().Log.Level)
}

// =============================================================================
// UpdateField
// =============================================================================

func TestReloader_UpdateField(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, r.UpdateField("Log.Level", "debug"))

	assert.Equal(t, "debug", r.Current().Log.Level)

	changes := r.ChangeLog(0)
	require.Len(t, changes, 1)
	assert.Equal(t, "api", changes[0].Source)
	assert.Equal(t, "Log.Level", changes[0].Field)
	assert.Equal(t, "info", changes[0].From)
	assert.Equal(t, "debug", changes[0].To)
	assert.False(t, changes[0].Restart)
}

func TestReloader_UpdateField_NotReloadable(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	err = r.UpdateField("Store.Type", "redis")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFieldNotReloadable)
	assert.Equal(t, "memory", r.Current().Store.Type)
}

func TestReloader_UpdateField_RestartFlagged(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, r.UpdateField("Server.HTTPPort", float64(9090)))

	assert.Equal(t, 9090, r.Current().Server.HTTPPort)
	changes := r.ChangeLog(1)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Restart)
}

func TestReloader_UpdateField_DurationFromString(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, r.UpdateField("Authority.Timeout", "45s"))

	assert.Equal(t, 45*time.Second, r.Current().Authority.Timeout)
}

func TestReloader_UpdateField_DurationFromNumber(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	// JSON numbers arrive as float64 nanoseconds.
	require.NoError(t, r.UpdateField("Authority.RetryDelay", float64(2*time.Second)))

	assert.Equal(t, 2*time.Second, r.Current().Authority.RetryDelay)
}

func TestReloader_UpdateField_BadDuration(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	err = r.UpdateField("Authority.Timeout", "soon")

	require.Error(t, err)
	assert.Equal(t, 30*time.Second, r.Current().Authority.Timeout)
}

func TestReloader_UpdateField_TypeMismatch(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	err = r.UpdateField("Log.Level", 42)

	require.Error(t, err)
	assert.Equal(t, "info", r.Current().Log.Level)
}

func TestReloader_UpdateField_NullValue(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	assert.Error(t, r.UpdateField("Log.Level", nil))
}

func TestReloader_UpdateField_ValidationRejects(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	err = r.UpdateField("Server.HTTPPort", float64(0))

	require.Error(t, err)
	assert.Equal(t, 8080, r.Current().Server.HTTPPort)
}

func TestReloader_UpdateField_SensitiveRedactedInLog(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, r.UpdateField("Database.Password", "hunter2"))

	assert.Equal(t, "hunter2", r.Current().Database.Password)
	changes := r.ChangeLog(1)
	require.Len(t, changes, 1)
	assert.Equal(t, "[REDACTED]", changes[0].To)
	assert.NotContains(t, changes[0].From, "hunter2")
}

// =============================================================================
// Apply
// =============================================================================

func TestReloader_Apply_RecordsEveryDiff(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	next := DefaultConfig()
	next.Log.Level = "debug"
	next.Agent.ID = "agent-7"

	require.NoError(t, r.Apply(next, "file"))

	changes := r.ChangeLog(0)
	require.Len(t, changes, 2)
	fields := []string{changes[0].Field, changes[1].Field}
	assert.Contains(t, fields, "Log.Level")
	assert.Contains(t, fields, "Agent.ID")
	assert.Equal(t, "file", changes[0].Source)
}

func TestReloader_Apply_EqualConfigIsNoop(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, r.Apply(DefaultConfig(), "file"))

	assert.Empty(t, r.ChangeLog(0))
}

func TestReloader_Apply_ValidationRejects(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	next := DefaultConfig()
	next.Agent.Mode = "amphibious"

	err = r.Apply(next, "file")

	require.Error(t, err)
	assert.Equal(t, ModeDisconnected, r.Current().Agent.Mode)
}

func TestReloader_Apply_UnregisteredSecretRedacted(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	next := DefaultConfig()
	next.Backends.Hosting.Token = "hosting-secret"

	require.NoError(t, r.Apply(next, "file"))

	changes := r.ChangeLog(1)
	require.Len(t, changes, 1)
	assert.Equal(t, "Backends.Hosting.Token", changes[0].Field)
	assert.Equal(t, "[REDACTED]", changes[0].To)
}

// =============================================================================
// Callbacks and rollback
// =============================================================================

func TestReloader_OnReload_SeesOldAndNew(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	var gotOld, gotNew string
	r.OnReload(func(old, cur *Config) error {
		gotOld, gotNew = old.Log.Level, cur.Log.Level
		return nil
	})

	require.NoError(t, r.UpdateField("Log.Level", "warn"))

	assert.Equal(t, "info", gotOld)
	assert.Equal(t, "warn", gotNew)
}

func TestReloader_CallbackErrorRollsBack(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	r.OnReload(func(_, _ *Config) error {
		return errors.New("log sink rejected level")
	})

	err = r.UpdateField("Log.Level", "debug")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "reload rejected")
	assert.Equal(t, "info", r.Current().Log.Level)

	changes := r.ChangeLog(1)
	require.Len(t, changes, 1)
	assert.Equal(t, "rollback", changes[0].Source)
	assert.NotEmpty(t, changes[0].Error)
}

func TestReloader_CallbackPanicRollsBack(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	r.OnReload(func(_, _ *Config) error {
		panic("boom")
	})

	err = r.UpdateField("Log.Level", "debug")

	require.Error(t, err)
	assert.Equal(t, "info", r.Current().Log.Level)
}

func TestReloader_SecondCallbackVetoRestoresFirst(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	var calls int
	r.OnReload(func(_, _ *Config) error {
		calls++
		return nil
	})
	r.OnReload(func(_, _ *Config) error {
		return errors.New("no")
	})

	err = r.UpdateField("Log.Level", "debug")

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "info", r.Current().Log.Level)
}

// =============================================================================
// File reload
// =============================================================================

func TestReloader_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gitswarm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o644))

	r, err := NewReloader(DefaultConfig(), WithReloadPath(path))
	require.NoError(t, err)

	require.NoError(t, r.Reload())

	assert.Equal(t, "warn", r.Current().Log.Level)
}

func TestReloader_Reload_NoPath(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	assert.Error(t, r.Reload())
}

func TestReloader_Reload_InvalidFileKeepsCurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gitswarm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\nnot yaml {{{"), 0o644))

	r, err := NewReloader(DefaultConfig(), WithReloadPath(path))
	require.NoError(t, err)

	require.Error(t, r.Reload())
	assert.Equal(t, "info", r.Current().Log.Level)
}

func TestReloader_StartWithoutPathIsNoop(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	assert.NoError(t, r.Start())
	r.Stop()
}

func TestReloader_StartStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gitswarm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644))

	r, err := NewReloader(DefaultConfig(), WithReloadPath(path))
	require.NoError(t, err)

	require.NoError(t, r.Start())
	r.Stop()
	// Stop again is safe.
	r.Stop()
}

// =============================================================================
// Change log
// =============================================================================

func TestReloader_ChangeLogNewestFirst(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, r.UpdateField("Log.Level", "debug"))
	require.NoError(t, r.UpdateField("Log.Level", "warn"))

	changes := r.ChangeLog(0)
	require.Len(t, changes, 2)
	assert.Equal(t, "warn", changes[0].To)
	assert.Equal(t, "debug", changes[1].To)
}

func TestReloader_ChangeLogLimit(t *testing.T) {
	r, err := NewReloader(DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, r.UpdateField("Log.Level", "debug"))
	require.NoError(t, r.UpdateField("Log.Level", "warn"))

	assert.Len(t, r.ChangeLog(1), 1)
	assert.Len(t, r.ChangeLog(10), 2)
}

// =============================================================================
// Registry
// =============================================================================

func TestReloadable(t *testing.T) {
	level, ok := Reloadable("Log.Level")
	require.True(t, ok)
	assert.False(t, level.Restart)
	assert.False(t, level.Sensitive)

	port, ok := Reloadable("Server.HTTPPort")
	require.True(t, ok)
	assert.True(t, port.Restart)

	token, ok := Reloadable("Authority.Token")
	require.True(t, ok)
	assert.True(t, token.Sensitive)

	_, ok = Reloadable("Unknown.Field")
	assert.False(t, ok)
}

func TestReloader_Fields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Authority.Secret = "shh"
	r, err := NewReloader(cfg)
	require.NoError(t, err)

	fields := r.Fields()
	require.NotEmpty(t, fields)

	// Sorted by path.
	for i := 1; i < len(fields); i++ {
		assert.Less(t, fields[i-1].Path, fields[i].Path)
	}

	byPath := make(map[string]FieldStatus, len(fields))
	for _, fs := range fields {
		byPath[fs.Path] = fs
	}
	assert.Equal(t, "info", byPath["Log.Level"].Value)
	assert.Nil(t, byPath["Authority.Secret"].Value)
	assert.True(t, byPath["Authority.Secret"].Sensitive)
}

// =============================================================================
// Snapshot
// =============================================================================

func TestReloader_SnapshotRedacts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Authority.Token = "tok"
	cfg.Database.Password = "pw"
	cfg.Archive.URI = "mongodb://user:pw@host/db"
	r, err := NewReloader(cfg)
	require.NoError(t, err)

	snap := r.Snapshot()

	authority := snap["Authority"].(map[string]any)
	assert.Equal(t, "[REDACTED]", authority["Token"])

	database := snap["Database"].(map[string]any)
	assert.Equal(t, "[REDACTED]", database["Password"])

	archive := snap["Archive"].(map[string]any)
	assert.Equal(t, "[REDACTED]", archive["URI"])

	// Unset secrets stay visibly empty.
	assert.Equal(t, "", authority["Secret"])

	server := snap["Server"].(map[string]any)
	assert.Equal(t, float64(8080), server["HTTPPort"])
}
