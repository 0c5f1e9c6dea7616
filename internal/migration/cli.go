package migration

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
)

// CLI reports migration operations in a form fit for a terminal. The
// gitswarm migrate subcommands are thin wrappers around it.
type CLI struct {
	m   Migrator
	out io.Writer
}

// NewCLI wraps a migrator with human-readable reporting written to out.
func NewCLI(m Migrator, out io.Writer) *CLI {
	return &CLI{m: m, out: out}
}

// Up applies every pending migration, announcing the pending count
// first and the resulting version after.
func (c *CLI) Up(ctx context.Context) error {
	before, err := c.m.Status(ctx)
	if err != nil {
		return err
	}
	if before.Dirty {
		return fmt.Errorf("schema is dirty at version %d, repair it and clear the flag with force", before.Version)
	}
	if before.Pending() == 0 {
		fmt.Fprintf(c.out, "Schema up to date at version %d.\n", before.Version)
		return nil
	}

	fmt.Fprintf(c.out, "Applying %d pending migration(s)...\n", before.Pending())
	if err := c.m.Up(ctx); err != nil {
		return err
	}
	return c.reportVersion(ctx)
}

// Rollback undoes the most recent migration.
func (c *CLI) Rollback(ctx context.Context) error {
	if err := c.m.Rollback(ctx); err != nil {
		return err
	}
	fmt.Fprint(c.out, "Rolled back one migration. ")
	return c.reportVersion(ctx)
}

// Reset undoes every migration.
func (c *CLI) Reset(ctx context.Context) error {
	if err := c.m.Reset(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "Schema reset, all migrations rolled back.")
	return nil
}

// Steps applies n migrations forward, or undoes -n.
func (c *CLI) Steps(ctx context.Context, n int) error {
	if err := c.m.Steps(ctx, n); err != nil {
		return err
	}
	return c.reportVersion(ctx)
}

// Goto migrates up or down to an exact version.
func (c *CLI) Goto(ctx context.Context, version uint) error {
	if err := c.m.Goto(ctx, version); err != nil {
		return err
	}
	return c.reportVersion(ctx)
}

// Force records a version without migrating.
func (c *CLI) Force(ctx context.Context, version int) error {
	if err := c.m.Force(ctx, version); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Schema version forced to %d.\n", version)
	return nil
}

// Version prints the current schema version on one line.
func (c *CLI) Version(ctx context.Context) error {
	return c.reportVersion(ctx)
}

func (c *CLI) reportVersion(ctx context.Context) error {
	st, err := c.m.Status(ctx)
	if err != nil {
		return err
	}
	switch {
	case st.Version == 0 && !st.Dirty:
		fmt.Fprintln(c.out, "Schema at version 0, no migrations applied.")
	case st.Dirty:
		fmt.Fprintf(c.out, "Schema at version %d (dirty).\n", st.Version)
	default:
		fmt.Fprintf(c.out, "Schema at version %d.\n", st.Version)
	}
	return nil
}

// Status prints one row per known migration and a summary line.
func (c *CLI) Status(ctx context.Context) error {
	st, err := c.m.Status(ctx)
	if err != nil {
		return err
	}
	if len(st.Migrations) == 0 {
		fmt.Fprintln(c.out, "No migrations found.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATE")
	for _, m := range st.Migrations {
		fmt.Fprintf(w, "%06d\t%s\t%s\n", m.Version, m.Name, migrationState(m))
	}
	w.Flush()

	fmt.Fprintf(c.out, "\n%d migrations, %d applied, %d pending\n",
		len(st.Migrations), st.Applied(), st.Pending())
	return nil
}

func migrationState(m Migration) string {
	switch {
	case m.Dirty:
		return "dirty"
	case m.Applied:
		return "applied"
	default:
		return "pending"
	}
}
