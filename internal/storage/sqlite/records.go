package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
)

const orderDateLayout = "2006-01-02"

// OrderExists reports whether any record of orderNo is cached.
func (s *Store) OrderExists(ctx context.Context, orderNo string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM records WHERE order_no = ? LIMIT 1", orderNo).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup order %s: %w", orderNo, err)
	}
	return true, nil
}

// SaveOrder upserts the order's records and item-level errors in one
// transaction. Open ledger entries of the order that were not reported again
// are resolved.
func (s *Store) SaveOrder(ctx context.Context, result crawler.OrderResult) error {
	if result.OrderNo == "" {
		return fmt.Errorf("order number is required")
	}
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range result.Records {
			if rec.OrderNo != result.OrderNo {
				return fmt.Errorf("record %s does not belong to order %s", rec.OrderNo, result.OrderNo)
			}
			if err := upsertRecord(ctx, tx, rec, now); err != nil {
				return err
			}
		}
		keep := make([]int64, 0, len(result.Errors))
		for _, e := range result.Errors {
			entry, err := s.recordError(ctx, tx, e)
			if err != nil {
				return err
			}
			keep = append(keep, entry.ID)
		}
		_, err := resolveByOrder(ctx, tx, result.OrderNo, now, keep...)
		return err
	})
}

func upsertRecord(ctx context.Context, q querier, rec crawler.Record, now string) error {
	if rec.ItemID == "" {
		return fmt.Errorf("record of order %s has no item id", rec.OrderNo)
	}
	category, err := encodeCategory(rec.Category)
	if err != nil {
		return err
	}
	kind := rec.Kind
	if kind == "" {
		kind = crawler.ItemKindNormal
	}
	quantity := rec.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	var price any
	if rec.Price != nil {
		price = *rec.Price
	}
	_, err = q.ExecContext(ctx, `
INSERT INTO records (
	order_no, item_id, title, price, quantity, category, seller, condition, kind,
	catalog_id, url, thumbnail_url, has_thumbnail, order_date, year, page, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (order_no, item_id) DO UPDATE SET
	title         = excluded.title,
	price         = excluded.price,
	quantity      = excluded.quantity,
	category      = COALESCE(excluded.category, records.category),
	seller        = excluded.seller,
	condition     = excluded.condition,
	kind          = excluded.kind,
	catalog_id    = excluded.catalog_id,
	url           = excluded.url,
	thumbnail_url = COALESCE(excluded.thumbnail_url, records.thumbnail_url),
	has_thumbnail = MAX(records.has_thumbnail, excluded.has_thumbnail),
	order_date    = excluded.order_date,
	year          = excluded.year,
	page          = excluded.page,
	updated_at    = excluded.updated_at`,
		rec.OrderNo, rec.ItemID, rec.Title, price, quantity, category, rec.Seller, rec.Condition, string(kind),
		nullString(rec.CatalogID), nullString(rec.URL), nullString(rec.ThumbnailURL), boolToInt(rec.HasThumbnail),
		rec.OrderDate.Format(orderDateLayout), rec.Year, rec.Page, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert record %s/%s: %w", rec.OrderNo, rec.ItemID, err)
	}
	return nil
}

// UpdateCategory replaces the category path of one record.
func (s *Store) UpdateCategory(ctx context.Context, orderNo, itemID string, category []string) error {
	encoded, err := encodeCategory(category)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE records SET category = ?, updated_at = ? WHERE order_no = ? AND item_id = ?",
		encoded, s.now(), orderNo, itemID)
	if err != nil {
		return fmt.Errorf("update category %s/%s: %w", orderNo, itemID, err)
	}
	return expectRow(res, orderNo, itemID)
}

// MarkThumbnail records whether the record's thumbnail has been stored.
func (s *Store) MarkThumbnail(ctx context.Context, orderNo, itemID string, present bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE records SET has_thumbnail = ?, updated_at = ? WHERE order_no = ? AND item_id = ?",
		boolToInt(present), s.now(), orderNo, itemID)
	if err != nil {
		return fmt.Errorf("mark thumbnail %s/%s: %w", orderNo, itemID, err)
	}
	return expectRow(res, orderNo, itemID)
}

func expectRow(res sql.Result, orderNo, itemID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("record %s/%s: %w", orderNo, itemID, crawler.ErrNotFound)
	}
	return nil
}

// RecordByURL returns the first record whose product URL is url.
func (s *Store) RecordByURL(ctx context.Context, url string) (crawler.Record, error) {
	return s.recordWhere(ctx, "url = ?", url)
}

// RecordByThumbnailURL returns the first record whose thumbnail URL is url.
func (s *Store) RecordByThumbnailURL(ctx context.Context, url string) (crawler.Record, error) {
	if !s.columns["records"]["thumbnail_url"] {
		return crawler.Record{}, fmt.Errorf("record with thumbnail %s: %w", url, crawler.ErrNotFound)
	}
	return s.recordWhere(ctx, "thumbnail_url = ?", url)
}

func (s *Store) recordWhere(ctx context.Context, cond string, arg any) (crawler.Record, error) {
	rows, err := s.queryRecords(ctx, cond+" ORDER BY order_no, item_id LIMIT 1", arg)
	if err != nil {
		return crawler.Record{}, err
	}
	if len(rows) == 0 {
		return crawler.Record{}, fmt.Errorf("record where %s: %w", cond, crawler.ErrNotFound)
	}
	return rows[0], nil
}

// RecordsLackingThumbnail returns records with a thumbnail URL that has not been stored yet.
func (s *Store) RecordsLackingThumbnail(ctx context.Context) ([]crawler.Record, error) {
	if !s.columns["records"]["thumbnail_url"] || !s.columns["records"]["has_thumbnail"] {
		return nil, nil
	}
	return s.queryRecords(ctx,
		"thumbnail_url IS NOT NULL AND thumbnail_url <> '' AND has_thumbnail = 0 ORDER BY year, order_no, item_id")
}

// RecordsLackingCategory returns ordinary product records without a category path.
func (s *Store) RecordsLackingCategory(ctx context.Context) ([]crawler.Record, error) {
	return s.queryRecords(ctx, `kind = ? AND url IS NOT NULL AND url <> ''
	AND (category IS NULL OR category = '' OR category = '[]') ORDER BY year, order_no, item_id`,
		string(crawler.ItemKindNormal))
}

// RecordCountByYear counts cached records of year.
func (s *Store) RecordCountByYear(ctx context.Context, year int) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE year = ?", year).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records %d: %w", year, err)
	}
	return n, nil
}

func (s *Store) recordSelect() string {
	cols := []string{
		"order_no", "item_id", "title", "price", "quantity", "category", "seller", "condition", "kind",
		"catalog_id", "url",
		s.col("records", "thumbnail_url"),
		s.col("records", "has_thumbnail"),
		"order_date", "year", "page",
	}
	return "SELECT " + strings.Join(cols, ", ") + " FROM records"
}

// queryRecords runs recordSelect with an optional WHERE clause tail.
func (s *Store) queryRecords(ctx context.Context, tail string, args ...any) ([]crawler.Record, error) {
	query := s.recordSelect()
	if tail != "" {
		if strings.HasPrefix(tail, "ORDER BY") {
			query += " " + tail
		} else {
			query += " WHERE " + tail
		}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []crawler.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func scanRecord(row scanner) (crawler.Record, error) {
	var (
		rec          crawler.Record
		price        sql.NullInt64
		quantity     sql.NullInt64
		category     sql.NullString
		seller       sql.NullString
		condition    sql.NullString
		kind         sql.NullString
		catalogID    sql.NullString
		url          sql.NullString
		thumbnailURL sql.NullString
		hasThumbnail sql.NullInt64
		orderDate    sql.NullString
	)
	err := row.Scan(
		&rec.OrderNo, &rec.ItemID, &rec.Title, &price, &quantity, &category, &seller, &condition, &kind,
		&catalogID, &url, &thumbnailURL, &hasThumbnail, &orderDate, &rec.Year, &rec.Page,
	)
	if err != nil {
		return rec, fmt.Errorf("scan record: %w", err)
	}
	if price.Valid {
		p := price.Int64
		rec.Price = &p
	}
	rec.Quantity = 1
	if quantity.Valid {
		rec.Quantity = int(quantity.Int64)
	}
	rec.Category = decodeCategory(category)
	rec.Seller = seller.String
	rec.Condition = condition.String
	rec.Kind = crawler.ItemKindNormal
	if kind.Valid && kind.String != "" {
		rec.Kind = crawler.ItemKind(kind.String)
	}
	rec.CatalogID = stringPtr(catalogID)
	rec.URL = stringPtr(url)
	rec.ThumbnailURL = stringPtr(thumbnailURL)
	rec.HasThumbnail = hasThumbnail.Valid && hasThumbnail.Int64 == 1
	rec.OrderDate = parseOrderDate(orderDate)
	return rec, nil
}

func encodeCategory(category []string) (any, error) {
	if len(category) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(category)
	if err != nil {
		return nil, fmt.Errorf("encode category: %w", err)
	}
	return string(data), nil
}

// decodeCategory accepts a JSON array or, for rows written by older builds, a
// " > " separated path.
func decodeCategory(v sql.NullString) []string {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err == nil {
		if len(out) == 0 {
			return nil
		}
		return out
	}
	for _, part := range strings.Split(v.String, ">") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseOrderDate(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	if t, err := time.Parse(orderDateLayout, v.String); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, v.String); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
