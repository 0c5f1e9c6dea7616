package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/alexngai/gitswarm-sub001/config"
	"github.com/alexngai/gitswarm-sub001/internal/migration"
)

// runMigrate dispatches the migrate subcommands. Every subcommand
// accepts --config, --db-driver and --db-url; steps, goto and force
// take one positional argument before the flags.
func runMigrate(args []string) {
	if len(args) == 0 {
		printMigrateUsage()
		os.Exit(2)
	}

	sub := args[0]
	switch sub {
	case "help", "-h", "--help":
		printMigrateUsage()
		return
	case "up", "down", "steps", "goto", "force", "reset", "status", "version":
	default:
		fmt.Fprintf(os.Stderr, "gitswarm: unknown migrate subcommand %q\n\n", sub)
		printMigrateUsage()
		os.Exit(2)
	}

	args = args[1:]
	var arg string
	switch sub {
	case "steps", "goto", "force":
		if len(args) == 0 {
			fmt.Fprintf(os.Stderr, "gitswarm: migrate %s requires an argument\n", sub)
			os.Exit(2)
		}
		arg, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("migrate "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file")
	dbDriver := fs.String("db-driver", "", "database driver, overrides the configuration")
	dbURL := fs.String("db-url", "", "database connection string, requires --db-driver")
	fs.Parse(args)

	m, err := openMigrator(*configPath, *dbDriver, *dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gitswarm: %v\n", err)
		os.Exit(1)
	}
	defer m.Close()

	cli := migration.NewCLI(m, os.Stdout)
	ctx := context.Background()

	switch sub {
	case "up":
		err = cli.Up(ctx)
	case "down":
		err = cli.Rollback(ctx)
	case "reset":
		err = cli.Reset(ctx)
	case "steps":
		n, convErr := strconv.Atoi(arg)
		if convErr != nil || n == 0 {
			err = fmt.Errorf("step count must be a non-zero integer, got %q", arg)
			break
		}
		err = cli.Steps(ctx, n)
	case "goto":
		v, convErr := strconv.ParseUint(arg, 10, 32)
		if convErr != nil {
			err = fmt.Errorf("target version must be a non-negative integer, got %q", arg)
			break
		}
		err = cli.Goto(ctx, uint(v))
	case "force":
		v, convErr := strconv.Atoi(arg)
		if convErr != nil {
			err = fmt.Errorf("forced version must be an integer, got %q", arg)
			break
		}
		err = cli.Force(ctx, v)
	case "status":
		err = cli.Status(ctx)
	case "version":
		err = cli.Version(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "gitswarm: %v\n", err)
		os.Exit(1)
	}
}

// openMigrator connects through the explicit --db flags when given,
// otherwise through the loaded configuration.
func openMigrator(configPath, driver, url string) (*migration.SchemaMigrator, error) {
	if url != "" {
		if driver == "" {
			return nil, fmt.Errorf("--db-url requires --db-driver")
		}
		dialect, err := migration.ParseDialect(driver)
		if err != nil {
			return nil, err
		}
		return migration.Open(dialect, url)
	}

	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if driver != "" {
		cfg.Database.Driver = driver
	}
	return migration.OpenFromDatabase(cfg.Database)
}

func printMigrateUsage() {
	fmt.Println(`Manage the gitswarm database schema.

Usage:

  gitswarm migrate <subcommand> [arg] [--config <path>] [--db-driver <name> --db-url <url>]

Subcommands:

  up            apply all pending migrations
  down          roll back the most recent migration
  steps <n>     apply n migrations, negative n rolls back
  goto <v>      migrate up or down to schema version v
  force <v>     overwrite the recorded version without migrating
  reset         roll back every migration
  status        list every migration with its applied state
  version       print the current schema version

The database connection comes from the configuration unless both
--db-driver and --db-url are given. Supported drivers are postgres,
mysql and sqlite.

Examples:

  gitswarm migrate up --config /etc/gitswarm/config.yaml
  gitswarm migrate steps -1
  gitswarm migrate status --db-driver sqlite --db-url /var/lib/gitswarm/state.db`)
}
