// Package migrations embeds the schema's versioned SQL files and applies
// them with golang-migrate's database/sql driver. An embed.FS + ad-hoc
// ExecContext fallback (ApplyDirect) is kept for the quick-start path
// where pulling in a full migrate.Migrate source/driver pair is overkill
// (a single developer machine running against a throwaway database).
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var files embed.FS

// Apply runs every embedded migration through golang-migrate against db,
// returning nil if the schema is already at the latest version.
func Apply(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrations: init postgres driver: %w", err)
	}

	src, err := iofs.New(files, ".")
	if err != nil {
		return fmt.Errorf("migrations: init source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrations: init migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrations: apply: %w", err)
	}
	return nil
}

// ApplyDirect executes every embedded up-migration directly with
// ExecContext, in lexical order, bypassing golang-migrate's
// version-tracking table, for a quick-start setup where a schema_migrations
// table isn't wanted; server startup uses Apply. Every statement uses IF NOT EXISTS
// / ON CONFLICT guards so re-running it is harmless.
func ApplyDirect(ctx context.Context, db *sql.DB) error {
	entries, err := files.ReadDir(".")
	if err != nil {
		return fmt.Errorf("migrations: list: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("migrations: read %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(raw)); err != nil {
			return fmt.Errorf("migrations: apply %s: %w", name, err)
		}
	}
	return nil
}
