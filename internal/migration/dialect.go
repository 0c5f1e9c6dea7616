package migration

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"

	// SQL drivers for the supported dialects. The registered names
	// match the dialect names: lib/pq registers postgres, go-sql-driver
	// registers mysql, and modernc registers sqlite without cgo.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var embedded embed.FS

// Dialect is a SQL dialect the federation schema can be managed under.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect maps a driver name or a common alias onto a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	}
	return "", fmt.Errorf("unknown database driver %q", s)
}

func (d Dialect) String() string { return string(d) }

// files returns the dialect's migration directory compiled into the
// binary.
func (d Dialect) files() (fs.FS, error) {
	return fs.Sub(embedded, "migrations/"+string(d))
}

// migrateDriver wraps an open connection in the dialect's golang-migrate
// driver, with bookkeeping written to table.
func (d Dialect) migrateDriver(db *sql.DB, table string) (database.Driver, error) {
	switch d {
	case DialectPostgres:
		return postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
	case DialectMySQL:
		return mysql.WithInstance(db, &mysql.Config{MigrationsTable: table})
	case DialectSQLite:
		return sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: table})
	}
	return nil, fmt.Errorf("no migrate driver for dialect %q", d)
}
