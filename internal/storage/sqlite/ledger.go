package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
)

// RecordError upserts a ledger entry keyed by (URL, context). An open entry for
// the same key has its retry count incremented and its message refreshed.
func (s *Store) RecordError(ctx context.Context, rec crawler.ErrorRecord) (crawler.ErrorLogEntry, error) {
	var entry crawler.ErrorLogEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		entry, err = s.recordError(ctx, tx, rec)
		return err
	})
	return entry, err
}

func (s *Store) recordError(ctx context.Context, q querier, rec crawler.ErrorRecord) (crawler.ErrorLogEntry, error) {
	if rec.URL == "" {
		return crawler.ErrorLogEntry{}, fmt.Errorf("error url is required")
	}
	if rec.Context == "" {
		return crawler.ErrorLogEntry{}, fmt.Errorf("error context is required")
	}
	now := s.now()

	var id int64
	err := q.QueryRowContext(ctx,
		"SELECT id FROM error_log WHERE url = ? AND context = ? AND resolved = 0",
		rec.URL, string(rec.Context),
	).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := q.ExecContext(ctx, `
INSERT INTO error_log (
	url, error_type, context, message, order_no, item_name,
	order_year, order_page, order_index, retry_count, resolved, first_seen, last_seen
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, ?, ?)`,
			rec.URL, string(rec.Type), string(rec.Context), rec.Message,
			nullString(rec.OrderNo), nullString(rec.ItemName),
			nullInt(rec.Year), nullInt(rec.Page), nullInt(rec.Index),
			now, now,
		)
		if err != nil {
			return crawler.ErrorLogEntry{}, fmt.Errorf("insert error entry: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return crawler.ErrorLogEntry{}, fmt.Errorf("error entry id: %w", err)
		}
	case err != nil:
		return crawler.ErrorLogEntry{}, fmt.Errorf("lookup error entry: %w", err)
	default:
		_, err := q.ExecContext(ctx, `
UPDATE error_log SET
	retry_count = retry_count + 1,
	error_type  = ?,
	message     = ?,
	last_seen   = ?,
	order_no    = COALESCE(?, order_no),
	item_name   = COALESCE(?, item_name),
	order_year  = COALESCE(?, order_year),
	order_page  = COALESCE(?, order_page),
	order_index = COALESCE(?, order_index)
WHERE id = ?`,
			string(rec.Type), rec.Message, now,
			nullString(rec.OrderNo), nullString(rec.ItemName),
			nullInt(rec.Year), nullInt(rec.Page), nullInt(rec.Index),
			id,
		)
		if err != nil {
			return crawler.ErrorLogEntry{}, fmt.Errorf("update error entry %d: %w", id, err)
		}
	}
	return s.errorByID(ctx, q, id)
}

// ResolveError marks one entry resolved and reports whether it was open.
func (s *Store) ResolveError(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE error_log SET resolved = 1, last_seen = ? WHERE id = ? AND resolved = 0", s.now(), id)
	if err != nil {
		return false, fmt.Errorf("resolve error %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve error %d: %w", id, err)
	}
	return n > 0, nil
}

// ResolveErrorsByOrder resolves every open entry attached to orderNo.
func (s *Store) ResolveErrorsByOrder(ctx context.Context, orderNo string) (int, error) {
	return resolveByOrder(ctx, s.db, orderNo, s.now())
}

// resolveByOrder resolves the open entries of orderNo except the ids in keep.
func resolveByOrder(ctx context.Context, q querier, orderNo, now string, keep ...int64) (int, error) {
	query := "UPDATE error_log SET resolved = 1, last_seen = ? WHERE order_no = ? AND resolved = 0"
	args := []any{now, orderNo}
	if len(keep) > 0 {
		query += " AND id NOT IN (?" + strings.Repeat(", ?", len(keep)-1) + ")"
		for _, id := range keep {
			args = append(args, id)
		}
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("resolve errors for order %s: %w", orderNo, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("resolve errors for order %s: %w", orderNo, err)
	}
	return int(n), nil
}

// ResolveErrorsByURL resolves the open entry for (url, errCtx).
func (s *Store) ResolveErrorsByURL(ctx context.Context, url string, errCtx crawler.ErrorContext) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE error_log SET resolved = 1, last_seen = ? WHERE url = ? AND context = ? AND resolved = 0",
		s.now(), url, string(errCtx))
	if err != nil {
		return 0, fmt.Errorf("resolve errors for %s: %w", url, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("resolve errors for %s: %w", url, err)
	}
	return int(n), nil
}

// ListErrors returns ledger entries in insertion order.
func (s *Store) ListErrors(ctx context.Context, filter crawler.ErrorFilter) ([]crawler.ErrorLogEntry, error) {
	var (
		where []string
		args  []any
	)
	if !filter.IncludeResolved {
		where = append(where, "resolved = 0")
	}
	if filter.Context != "" {
		where = append(where, "context = ?")
		args = append(args, string(filter.Context))
	}
	query := s.errorSelect()
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list errors: %w", err)
	}
	defer rows.Close()

	var out []crawler.ErrorLogEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate errors: %w", err)
	}
	return out, nil
}

// ErrorByID loads one entry; crawler.ErrNotFound when absent.
func (s *Store) ErrorByID(ctx context.Context, id int64) (crawler.ErrorLogEntry, error) {
	return s.errorByID(ctx, s.db, id)
}

func (s *Store) errorByID(ctx context.Context, q querier, id int64) (crawler.ErrorLogEntry, error) {
	row := q.QueryRowContext(ctx, s.errorSelect()+" WHERE id = ?", id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.ErrorLogEntry{}, fmt.Errorf("error entry %d: %w", id, crawler.ErrNotFound)
	}
	return entry, err
}

// UnresolvedErrorCountByYear counts open entries tied to year directly or through its records.
func (s *Store) UnresolvedErrorCountByYear(ctx context.Context, year int) (int, error) {
	query := "SELECT COUNT(*) FROM error_log WHERE resolved = 0 AND order_no IN (SELECT order_no FROM records WHERE year = ?)"
	args := []any{year}
	if s.columns["error_log"]["order_year"] {
		query = `SELECT COUNT(*) FROM error_log WHERE resolved = 0 AND (
	order_year = ? OR order_no IN (SELECT order_no FROM records WHERE year = ?))`
		args = []any{year, year}
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unresolved errors %d: %w", year, err)
	}
	return n, nil
}

// PruneResolved deletes resolved entries last seen before the cutoff.
func (s *Store) PruneResolved(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM error_log WHERE resolved = 1 AND last_seen < ?", formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune resolved errors: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune resolved errors: %w", err)
	}
	return int(n), nil
}

func (s *Store) errorSelect() string {
	cols := []string{
		"id", "url", "error_type", "context", "message", "order_no",
		s.col("error_log", "item_name"),
		s.col("error_log", "order_year"),
		s.col("error_log", "order_page"),
		s.col("error_log", "order_index"),
		"retry_count", "resolved",
		s.col("error_log", "first_seen"),
		s.col("error_log", "last_seen"),
	}
	return "SELECT " + strings.Join(cols, ", ") + " FROM error_log"
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (crawler.ErrorLogEntry, error) {
	var (
		entry     crawler.ErrorLogEntry
		typ       string
		errCtx    string
		message   sql.NullString
		orderNo   sql.NullString
		itemName  sql.NullString
		year      sql.NullInt64
		page      sql.NullInt64
		index     sql.NullInt64
		resolved  int
		firstSeen sql.NullString
		lastSeen  sql.NullString
	)
	err := row.Scan(
		&entry.ID, &entry.URL, &typ, &errCtx, &message, &orderNo, &itemName,
		&year, &page, &index, &entry.RetryCount, &resolved, &firstSeen, &lastSeen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return entry, err
	}
	if err != nil {
		return entry, fmt.Errorf("scan error entry: %w", err)
	}
	entry.Type = crawler.ErrorType(typ)
	entry.Context = crawler.ErrorContext(errCtx)
	entry.Message = message.String
	entry.OrderNo = stringPtr(orderNo)
	entry.ItemName = stringPtr(itemName)
	entry.Year = intPtr(year)
	entry.Page = intPtr(page)
	entry.Index = intPtr(index)
	entry.Resolved = resolved == 1
	entry.FirstSeen = parseTime(firstSeen)
	entry.LastSeen = parseTime(lastSeen)
	return entry, nil
}
