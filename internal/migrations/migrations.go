// Package migrations applies the registry database schema: the reference
// catalog tables and the question audit log.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const (
	migrationTable = "biagent_schema_migrations"
	// lockKey serializes concurrent migrators on one registry database.
	lockKey int64 = 0x62696167656e74
)

var migrationNamePattern = regexp.MustCompile(`^([0-9]+)_(.+)\.(up|down)\.sql$`)

type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

// Status reports which embedded migrations are applied and which are pending.
type Status struct {
	Applied []int64
	Pending []int64
}

// plan is the embedded migration set next to the versions already recorded
// in the database.
type plan struct {
	migrations []migration
	applied    []int64
}

func (p plan) isApplied(version int64) bool {
	return slices.Contains(p.applied, version)
}

func (p plan) lookup(version int64) (migration, bool) {
	for _, item := range p.migrations {
		if item.Version == version {
			return item, true
		}
	}
	return migration{}, false
}

func (r *Runner) plan(ctx context.Context, db *sql.DB) (plan, error) {
	migrations, err := loadMigrations(r.fsys)
	if err != nil {
		return plan{}, err
	}
	if err := ensureMigrationTable(ctx, db); err != nil {
		return plan{}, err
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return plan{}, err
	}
	return plan{migrations: migrations, applied: applied}, nil
}

// Up applies pending migrations in version order. steps <= 0 applies all of
// them.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	p, err := r.plan(ctx, db)
	if err != nil {
		return 0, err
	}

	runCount := 0
	for _, item := range p.migrations {
		if p.isApplied(item.Version) {
			continue
		}
		if steps > 0 && runCount >= steps {
			break
		}
		err := runInTx(ctx, db, item.UpSQL,
			`INSERT INTO `+migrationTable+` (version, name) VALUES ($1, $2)`, item.Version, item.Name)
		if err != nil {
			return runCount, fmt.Errorf("apply migration %d (%s): %w", item.Version, item.Name, err)
		}
		runCount++
	}
	return runCount, nil
}

// Down rolls back the newest applied migrations. steps <= 0 rolls back one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	p, err := r.plan(ctx, db)
	if err != nil {
		return 0, err
	}

	runCount := 0
	for i := len(p.applied) - 1; i >= 0 && runCount < steps; i-- {
		version := p.applied[i]
		item, ok := p.lookup(version)
		if !ok {
			return runCount, fmt.Errorf("applied migration %d is missing from source", version)
		}
		err := runInTx(ctx, db, item.DownSQL,
			`DELETE FROM `+migrationTable+` WHERE version = $1`, item.Version)
		if err != nil {
			return runCount, fmt.Errorf("rollback migration %d (%s): %w", item.Version, item.Name, err)
		}
		runCount++
	}
	return runCount, nil
}

func (r *Runner) Status(ctx context.Context, db *sql.DB) (Status, error) {
	p, err := r.plan(ctx, db)
	if err != nil {
		return Status{}, err
	}
	status := Status{Applied: p.applied}
	for _, item := range p.migrations {
		if !p.isApplied(item.Version) {
			status.Pending = append(status.Pending, item.Version)
		}
	}
	return status, nil
}

func ensureMigrationTable(ctx context.Context, db *sql.DB) error {
	query := `
CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return nil
}

// runInTx executes script and the bookkeeping statement atomically under the
// migration advisory lock.
func runInTx(ctx context.Context, db *sql.DB, script, bookkeeping string, args ...any) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

func appliedVersions(ctx context.Context, db *sql.DB) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM `+migrationTable+` ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []int64
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied versions: %w", err)
	}
	return versions, nil
}

// loadMigrations pairs NNN_name.up.sql with NNN_name.down.sql and sorts by
// version. Files not matching the pattern are ignored.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	items := map[int64]*migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := migrationNamePattern.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version for %q: %w", entry.Name(), err)
		}
		script, err := fs.ReadFile(fsys, path.Join("sql", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}

		item, ok := items[version]
		if !ok {
			item = &migration{Version: version, Name: matches[2]}
			items[version] = item
		} else if item.Name != matches[2] {
			return nil, fmt.Errorf("migration %d has mismatched names %q and %q", version, item.Name, matches[2])
		}
		if matches[3] == "up" {
			item.UpSQL = string(script)
		} else {
			item.DownSQL = string(script)
		}
	}

	migrations := make([]migration, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.UpSQL) == "" {
			return nil, fmt.Errorf("migration %d missing up SQL", item.Version)
		}
		if strings.TrimSpace(item.DownSQL) == "" {
			return nil, fmt.Errorf("migration %d missing down SQL", item.Version)
		}
		migrations = append(migrations, *item)
	}
	slices.SortFunc(migrations, func(a, b migration) int {
		switch {
		case a.Version < b.Version:
			return -1
		case a.Version > b.Version:
			return 1
		}
		return 0
	})
	return migrations, nil
}
