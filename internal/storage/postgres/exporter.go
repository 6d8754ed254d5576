// Package postgres exports the cached order records to a Postgres reporting table.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "order_records"

// ExporterConfig controls the Postgres connection pool used for the export.
type ExporterConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// RecordExporter upserts records into a reporting table keyed by (order_no, item_id).
type RecordExporter struct {
	pool  pool
	table string
}

// NewRecordExporter connects to Postgres using cfg.
func NewRecordExporter(ctx context.Context, cfg ExporterConfig) (*RecordExporter, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("export.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordExporter{pool: p, table: table}, nil
}

// NewRecordExporterWithPool constructs an exporter from an existing pool (primarily for testing).
func NewRecordExporterWithPool(p pool, table string) (*RecordExporter, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RecordExporter{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (e *RecordExporter) Close() {
	if e == nil || e.pool == nil {
		return
	}
	e.pool.Close()
}

// EnsureTable creates the reporting table when it does not exist.
func (e *RecordExporter) EnsureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	order_no       TEXT NOT NULL,
	item_id        TEXT NOT NULL,
	title          TEXT NOT NULL,
	price          BIGINT,
	quantity       INTEGER NOT NULL,
	category       TEXT[],
	seller         TEXT,
	condition      TEXT,
	kind           TEXT NOT NULL,
	catalog_id     TEXT,
	url            TEXT,
	thumbnail_url  TEXT,
	has_thumbnail  BOOLEAN NOT NULL DEFAULT FALSE,
	order_date     DATE NOT NULL,
	order_year     INTEGER NOT NULL,
	exported_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (order_no, item_id)
)`, e.table)
	if _, err := e.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create export table: %w", err)
	}
	return nil
}

// Export upserts every record in one transaction and returns how many rows it wrote.
func (e *RecordExporter) Export(ctx context.Context, records []crawler.Record, at time.Time) (int, error) {
	if e == nil || e.pool == nil {
		return 0, fmt.Errorf("record exporter is not configured")
	}
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin export: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %s (
	order_no, item_id, title, price, quantity, category, seller, condition, kind,
	catalog_id, url, thumbnail_url, has_thumbnail, order_date, order_year, exported_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)
ON CONFLICT (order_no, item_id) DO UPDATE SET
	title = EXCLUDED.title,
	price = EXCLUDED.price,
	quantity = EXCLUDED.quantity,
	category = COALESCE(EXCLUDED.category, %s.category),
	seller = EXCLUDED.seller,
	condition = EXCLUDED.condition,
	kind = EXCLUDED.kind,
	catalog_id = EXCLUDED.catalog_id,
	url = EXCLUDED.url,
	thumbnail_url = EXCLUDED.thumbnail_url,
	has_thumbnail = EXCLUDED.has_thumbnail,
	order_date = EXCLUDED.order_date,
	order_year = EXCLUDED.order_year,
	exported_at = EXCLUDED.exported_at`, e.table, e.table)

	written := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return written, fmt.Errorf("export records: %w", err)
		}
		if _, err := tx.Exec(ctx, query, recordArgs(rec, at)...); err != nil {
			return written, fmt.Errorf("upsert record %s/%s: %w", rec.OrderNo, rec.ItemID, err)
		}
		written++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit export: %w", err)
	}
	committed = true
	return written, nil
}

func recordArgs(rec crawler.Record, at time.Time) []any {
	var category []string
	if len(rec.Category) > 0 {
		category = append([]string(nil), rec.Category...)
	}
	return []any{
		rec.OrderNo,
		rec.ItemID,
		rec.Title,
		rec.Price,
		rec.Quantity,
		category,
		rec.Seller,
		rec.Condition,
		string(rec.Kind),
		rec.CatalogID,
		rec.URL,
		rec.ThumbnailURL,
		rec.HasThumbnail,
		rec.OrderDate,
		rec.Year,
		at.UTC(),
	}
}
