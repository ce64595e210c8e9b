// Package migrate applies the embedded SQLite schema migrations in version
// order. Files are named NNNN_description.sql; applied versions are recorded
// in the schema_migrations table so reruns are no-ops.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

const versionsTable = "schema_migrations"

// Run applies every embedded migration not yet recorded, oldest first. Each
// migration commits in one transaction together with its version row, so a
// failed migration leaves no partial state behind.
func Run(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + versionsTable + ` (
		version    TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`); err != nil {
		return fmt.Errorf("ensure %s: %w", versionsTable, err)
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}

	paths, err := fs.Glob(migrationsFS, "sql/[0-9][0-9][0-9][0-9]_*.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(paths)

	for _, path := range paths {
		version, name := splitFilename(path)
		if applied[version] {
			continue
		}
		body, err := fs.ReadFile(migrationsFS, path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if err := applyOne(db, version, name, string(body)); err != nil {
			return fmt.Errorf("apply %s: %w", path, err)
		}
		slog.Info("migration applied", "version", version, "name", name)
	}

	return nil
}

func splitFilename(path string) (version, name string) {
	base := strings.TrimSuffix(strings.TrimPrefix(path, "sql/"), ".sql")
	version, name, _ = strings.Cut(base, "_")
	return version, name
}

func appliedVersions(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("SELECT version FROM " + versionsTable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func applyOne(db *sql.DB, version, name, body string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(body); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO "+versionsTable+" (version, name) VALUES (?, ?)",
		version, name,
	); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
