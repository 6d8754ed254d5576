package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema versions tracked in PRAGMA user_version:
// 0 - baseline tables
// 1 - error_log gains order_year, order_page, order_index
// 2 - records gain thumbnail_url, has_thumbnail
const currentSchemaVersion = 2

type migration struct {
	version int
	table   string
	columns []columnDef
	extra   []string
}

type columnDef struct {
	name string
	decl string
}

var migrations = []migration{
	{
		version: 1,
		table:   "error_log",
		columns: []columnDef{
			{name: "order_year", decl: "INTEGER"},
			{name: "order_page", decl: "INTEGER"},
			{name: "order_index", decl: "INTEGER"},
		},
		extra: []string{"CREATE INDEX IF NOT EXISTS idx_error_log_year ON error_log (order_year)"},
	},
	{
		version: 2,
		table:   "records",
		columns: []columnDef{
			{name: "thumbnail_url", decl: "TEXT"},
			{name: "has_thumbnail", decl: "INTEGER NOT NULL DEFAULT 0"},
		},
		extra: []string{"CREATE INDEX IF NOT EXISTS idx_records_thumbnail_url ON records (thumbnail_url)"},
	},
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for _, m := range migrations {
		if version >= m.version {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("migrate to v%d: %w", m.version, err)
		}
		version = m.version
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	existing, err := tableColumns(ctx, tx, m.table)
	if err != nil {
		return err
	}
	for _, c := range m.columns {
		if existing[c.name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, c.name, c.decl)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", m.table, c.name, err)
		}
	}
	for _, stmt := range m.extra {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}
