package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	appconfig "github.com/alexngai/gitswarm-sub001/config"
)

// =============================================================================
// Types
// =============================================================================

// Migration is one schema migration and its applied state.
type Migration struct {
	Version uint
	Name    string
	Applied bool
	Dirty   bool
}

// SchemaStatus is the current schema version together with every
// migration known to the binary.
type SchemaStatus struct {
	Version    uint
	Dirty      bool
	Migrations []Migration
}

// Applied counts the migrations at or below the current version.
func (s *SchemaStatus) Applied() int {
	n := 0
	for _, m := range s.Migrations {
		if m.Applied {
			n++
		}
	}
	return n
}

// Pending counts the migrations above the current version.
func (s *SchemaStatus) Pending() int {
	return len(s.Migrations) - s.Applied()
}

// Migrator manages the federation schema.
type Migrator interface {
	// Up applies every pending migration.
	Up(ctx context.Context) error

	// Rollback undoes the most recent migration.
	Rollback(ctx context.Context) error

	// Reset undoes every migration.
	Reset(ctx context.Context) error

	// Steps applies n migrations forward, or undoes -n.
	Steps(ctx context.Context, n int) error

	// Goto migrates up or down to an exact version.
	Goto(ctx context.Context, version uint) error

	// Force records a version without running migrations. It clears
	// the dirty flag once a failed migration has been repaired by hand.
	Force(ctx context.Context, version int) error

	// Status reports the current version and the applied state of
	// every known migration. A fresh database reports version 0.
	Status(ctx context.Context) (*SchemaStatus, error)

	// Close releases the database connection.
	Close() error
}

// Option adjusts how a SchemaMigrator is opened.
type Option func(*settings)

type settings struct {
	table     string
	sourceDir string
}

// WithTable overrides the bookkeeping table, default schema_migrations.
func WithTable(name string) Option {
	return func(s *settings) { s.table = name }
}

// WithSourceDir reads migration files from a directory on disk instead
// of the set compiled into the binary.
func WithSourceDir(dir string) Option {
	return func(s *settings) { s.sourceDir = dir }
}

// =============================================================================
// SchemaMigrator
// =============================================================================

// SchemaMigrator is the golang-migrate backed Migrator.
type SchemaMigrator struct {
	files fs.FS
	db    *sql.DB
	m     *migrate.Migrate
}

var _ Migrator = (*SchemaMigrator)(nil)

// Open connects to the database and binds the dialect's migration
// files to it.
func Open(dialect Dialect, url string, opts ...Option) (*SchemaMigrator, error) {
	if url == "" {
		return nil, errors.New("database URL is empty")
	}

	s := settings{table: "schema_migrations"}
	for _, opt := range opts {
		opt(&s)
	}

	var (
		files fs.FS
		err   error
	)
	if s.sourceDir != "" {
		files = os.DirFS(s.sourceDir)
	} else if files, err = dialect.files(); err != nil {
		return nil, fmt.Errorf("embedded migrations for %s: %w", dialect, err)
	}

	src, err := iofs.New(files, ".")
	if err != nil {
		return nil, fmt.Errorf("read migration source: %w", err)
	}

	db, err := sql.Open(string(dialect), url)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	driver, err := dialect.migrateDriver(db, s.table)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bind %s migrate driver: %w", dialect, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(dialect), driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	return &SchemaMigrator{files: files, db: db, m: m}, nil
}

// OpenFromDatabase derives the dialect and connection string from the
// application's database configuration.
func OpenFromDatabase(db appconfig.DatabaseConfig, opts ...Option) (*SchemaMigrator, error) {
	dialect, err := ParseDialect(db.Driver)
	if err != nil {
		return nil, err
	}

	url := db.DSN()
	if dialect == DialectMySQL {
		// Migration files carry several statements per file, which the
		// driver rejects unless multiStatements is set.
		url += "&multiStatements=true"
	}

	return Open(dialect, url, opts...)
}

// =============================================================================
// Operations
// =============================================================================

// noChange filters migrate.ErrNoChange, which reports an already
// current schema rather than a failure.
func noChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

// Up applies every pending migration.
func (m *SchemaMigrator) Up(ctx context.Context) error {
	if err := noChange(m.m.Up()); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Rollback undoes the most recent migration.
func (m *SchemaMigrator) Rollback(ctx context.Context) error {
	if err := noChange(m.m.Steps(-1)); err != nil {
		return fmt.Errorf("roll back migration: %w", err)
	}
	return nil
}

// Reset undoes every migration.
func (m *SchemaMigrator) Reset(ctx context.Context) error {
	if err := noChange(m.m.Down()); err != nil {
		return fmt.Errorf("roll back all migrations: %w", err)
	}
	return nil
}

// Steps applies n migrations forward, or undoes -n.
func (m *SchemaMigrator) Steps(ctx context.Context, n int) error {
	if err := noChange(m.m.Steps(n)); err != nil {
		return fmt.Errorf("apply %d migration steps: %w", n, err)
	}
	return nil
}

// Goto migrates up or down to an exact version.
func (m *SchemaMigrator) Goto(ctx context.Context, version uint) error {
	if err := noChange(m.m.Migrate(version)); err != nil {
		return fmt.Errorf("migrate to version %d: %w", version, err)
	}
	return nil
}

// Force records a version without running migrations.
func (m *SchemaMigrator) Force(ctx context.Context, version int) error {
	if err := m.m.Force(version); err != nil {
		return fmt.Errorf("force version %d: %w", version, err)
	}
	return nil
}

// Status reports the current version and the applied state of every
// known migration.
func (m *SchemaMigrator) Status(ctx context.Context) (*SchemaStatus, error) {
	version, dirty, err := m.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		version, dirty, err = 0, false, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read schema version: %w", err)
	}

	known, err := listMigrations(m.files)
	if err != nil {
		return nil, err
	}

	st := &SchemaStatus{Version: version, Dirty: dirty}
	for _, mig := range known {
		st.Migrations = append(st.Migrations, Migration{
			Version: mig.Version,
			Name:    mig.Identifier,
			Applied: mig.Version <= version,
			Dirty:   dirty && mig.Version == version,
		})
	}
	return st, nil
}

// Close releases the migration source and the database connection.
func (m *SchemaMigrator) Close() error {
	srcErr, dbErr := m.m.Close()
	return errors.Join(srcErr, dbErr, m.db.Close())
}

// listMigrations walks the source directory for up migrations, letting
// the migrate source package parse names like
// 000002_create_sync_events.up.sql.
func listMigrations(files fs.FS) ([]*source.Migration, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, fmt.Errorf("read migration directory: %w", err)
	}

	var out []*source.Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		mig, err := source.Parse(entry.Name())
		if err != nil || mig.Direction != source.Up {
			continue
		}
		out = append(out, mig)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
