package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"
)

var (
	// ErrMigrationMissing means the database records a version that the
	// migration files no longer contain.
	ErrMigrationMissing = errors.New("database: applied migration not found in files")

	// ErrIrreversible means the latest migration has no .down.sql file.
	ErrIrreversible = errors.New("database: migration has no down script")
)

const schemaMigrationsDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	applied_at TEXT NOT NULL
)`

// Migration is one schema change, loaded from a pair of files named
// YYYYMMDD_HHMMSS_<name>.up.sql and YYYYMMDD_HHMMSS_<name>.down.sql.
type Migration struct {
	Version string
	Name    string
	UpSQL   string
	DownSQL string
}

// MigrationRecord is a row of schema_migrations.
type MigrationRecord struct {
	Version   string
	Name      string
	AppliedAt time.Time
}

// Migrate applies pending migrations oldest first, one transaction each.
// The first failure stops the run with earlier migrations committed.
func (db *DB) Migrate(ctx context.Context, fsys fs.FS, dir string) error {
	_, pending, err := db.MigrationStatus(ctx, fsys, dir)
	if err != nil {
		return err
	}
	for _, m := range pending {
		err := db.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
				m.Version, m.Name, time.Now().UTC().Format(time.RFC3339))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s_%s: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// MigrateDown reverts the latest applied migration. With nothing applied it
// does nothing.
func (db *DB) MigrateDown(ctx context.Context, fsys fs.FS, dir string) error {
	applied, _, err := db.MigrationStatus(ctx, fsys, dir)
	if err != nil || len(applied) == 0 {
		return err
	}
	latest := applied[len(applied)-1]

	all, err := readMigrations(fsys, dir)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(all, func(m Migration) bool { return m.Version == latest.Version })
	switch {
	case i < 0:
		return fmt.Errorf("%w: %s", ErrMigrationMissing, latest.Version)
	case all[i].DownSQL == "":
		return fmt.Errorf("%w: %s", ErrIrreversible, latest.Version)
	}

	return db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, all[i].DownSQL); err != nil {
			return fmt.Errorf("reverting %s: %w", latest.Version, err)
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", latest.Version)
		return err
	})
}

// MigrationStatus splits the migrations in dir into those already applied,
// as recorded in the database, and those still pending.
func (db *DB) MigrationStatus(ctx context.Context, fsys fs.FS, dir string) (applied []MigrationRecord, pending []Migration, err error) {
	if _, err := db.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return nil, nil, fmt.Errorf("creating schema_migrations: %w", err)
	}
	if applied, err = db.appliedMigrations(ctx); err != nil {
		return nil, nil, err
	}
	all, err := readMigrations(fsys, dir)
	if err != nil {
		return nil, nil, err
	}

	done := make(map[string]struct{}, len(applied))
	for _, r := range applied {
		done[r.Version] = struct{}{}
	}
	for _, m := range all {
		if _, ok := done[m.Version]; !ok {
			pending = append(pending, m)
		}
	}
	return applied, pending, nil
}

func (db *DB) appliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := db.QueryContext(ctx, "SELECT version, name, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("reading schema_migrations: %w", err)
	}
	defer rows.Close()

	var out []MigrationRecord
	for rows.Next() {
		var r MigrationRecord
		var at string
		if err := rows.Scan(&r.Version, &r.Name, &at); err != nil {
			return nil, fmt.Errorf("reading schema_migrations: %w", err)
		}
		r.AppliedAt, _ = time.Parse(time.RFC3339, at) //nolint:errcheck // written by Migrate
		out = append(out, r)
	}
	return out, rows.Err()
}

// readMigrations loads every migration in dir, sorted by version. Files
// that do not follow the naming scheme are ignored. A nil fsys has none.
func readMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	if fsys == nil {
		return nil, nil
	}
	files, err := fs.Glob(fsys, path.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, file := range files {
		version, name, up, ok := parseMigrationFile(path.Base(file))
		if !ok {
			continue
		}
		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("reading migration: %w", err)
		}

		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if up {
			m.UpSQL = string(body)
		} else {
			m.DownSQL = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" {
			continue
		}
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b Migration) int { return strings.Compare(a.Version, b.Version) })
	return out, nil
}

// parseMigrationFile splits "20260118_120000_initial_schema.up.sql" into
// version "20260118_120000", name "initial_schema" and direction up.
func parseMigrationFile(file string) (version, name string, up, ok bool) {
	base, isSQL := strings.CutSuffix(file, ".sql")
	if !isSQL {
		return "", "", false, false
	}
	if base, up = strings.CutSuffix(base, ".up"); !up {
		var down bool
		if base, down = strings.CutSuffix(base, ".down"); !down {
			return "", "", false, false
		}
	}

	date, rest, found := strings.Cut(base, "_")
	if !found || date == "" {
		return "", "", false, false
	}
	clock, name, _ := strings.Cut(rest, "_")
	if clock == "" {
		return "", "", false, false
	}
	return date + "_" + clock, name, up, true
}
