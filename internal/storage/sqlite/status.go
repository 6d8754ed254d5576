package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
)

const metaYears = "years"

// Years returns the discovered years in ascending order.
func (s *Store) Years(ctx context.Context) ([]int, error) {
	raw, ok, err := s.getMeta(ctx, s.db, metaYears)
	if err != nil || !ok {
		return nil, err
	}
	var years []int
	if err := json.Unmarshal([]byte(raw), &years); err != nil {
		return nil, fmt.Errorf("decode years: %w", err)
	}
	sort.Ints(years)
	return years, nil
}

// SetYears replaces the discovered year list.
func (s *Store) SetYears(ctx context.Context, years []int) error {
	sorted := append([]int(nil), years...)
	sort.Ints(sorted)
	data, err := json.Marshal(sorted)
	if err != nil {
		return fmt.Errorf("encode years: %w", err)
	}
	return s.setMeta(ctx, s.db, metaYears, string(data))
}

// YearStatus returns the status of year; unknown years come back incomplete with a nil count.
func (s *Store) YearStatus(ctx context.Context, year int) (crawler.YearStatus, error) {
	return yearStatus(ctx, s.db, year)
}

func yearStatus(ctx context.Context, q querier, year int) (crawler.YearStatus, error) {
	status := crawler.YearStatus{Year: year}
	var (
		count    sql.NullInt64
		complete int
	)
	err := q.QueryRowContext(ctx,
		"SELECT order_count, complete FROM year_status WHERE year = ?", year,
	).Scan(&count, &complete)
	if errors.Is(err, sql.ErrNoRows) {
		return status, nil
	}
	if err != nil {
		return status, fmt.Errorf("query year status %d: %w", year, err)
	}
	status.OrderCount = intPtr(count)
	status.Complete = complete == 1
	return status, nil
}

// SetOrderCount stores the authoritative order count for year.
func (s *Store) SetOrderCount(ctx context.Context, year, count int) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO year_status (year, order_count, complete) VALUES (?, ?, 0)
ON CONFLICT (year) DO UPDATE SET order_count = excluded.order_count`, year, count)
	if err != nil {
		return fmt.Errorf("set order count %d: %w", year, err)
	}
	return nil
}

// PageComplete reports whether (year, page) is marked complete.
func (s *Store) PageComplete(ctx context.Context, year, page int) (bool, error) {
	var complete int
	err := s.db.QueryRowContext(ctx,
		"SELECT complete FROM page_status WHERE year = ? AND page = ?", year, page,
	).Scan(&complete)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query page status %d/%d: %w", year, page, err)
	}
	return complete == 1, nil
}

// CompletePage records the page's handled errors and marks it complete atomically.
func (s *Store) CompletePage(ctx context.Context, year, page int, errs []crawler.ErrorRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range errs {
			if _, err := s.recordError(ctx, tx, rec); err != nil {
				return err
			}
		}
		return markPage(ctx, tx, year, page)
	})
}

func markPage(ctx context.Context, q querier, year, page int) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO page_status (year, page, complete) VALUES (?, ?, 1)
ON CONFLICT (year, page) DO UPDATE SET complete = 1`, year, page)
	if err != nil {
		return fmt.Errorf("mark page %d/%d: %w", year, page, err)
	}
	return nil
}

// CompleteAllPages marks pages 1..pages of year complete.
func (s *Store) CompleteAllPages(ctx context.Context, year, pages int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for page := 1; page <= pages; page++ {
			if err := markPage(ctx, tx, year, page); err != nil {
				return err
			}
		}
		return nil
	})
}

// CompleteYear marks year complete when its count is known and every page is complete.
func (s *Store) CompleteYear(ctx context.Context, year int) (bool, error) {
	var done bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		status, err := yearStatus(ctx, tx, year)
		if err != nil {
			return err
		}
		if status.OrderCount == nil {
			return nil
		}
		pages := status.PageCount()
		var completed int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM page_status WHERE year = ? AND page BETWEEN 1 AND ? AND complete = 1",
			year, pages,
		).Scan(&completed); err != nil {
			return fmt.Errorf("count complete pages %d: %w", year, err)
		}
		if completed < pages {
			return nil
		}
		if _, err := tx.ExecContext(ctx, "UPDATE year_status SET complete = 1 WHERE year = ?", year); err != nil {
			return fmt.Errorf("mark year %d: %w", year, err)
		}
		done = true
		return nil
	})
	return done, err
}

// ResetYear clears the completion state of year and all of its pages.
func (s *Store) ResetYear(ctx context.Context, year int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "UPDATE year_status SET complete = 0 WHERE year = ?", year); err != nil {
			return fmt.Errorf("reset year %d: %w", year, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM page_status WHERE year = ?", year); err != nil {
			return fmt.Errorf("reset pages %d: %w", year, err)
		}
		return nil
	})
}

// IncompleteYears returns discovered years not yet marked complete.
func (s *Store) IncompleteYears(ctx context.Context) ([]int, error) {
	years, err := s.Years(ctx)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, year := range years {
		status, err := s.YearStatus(ctx, year)
		if err != nil {
			return nil, err
		}
		if !status.Complete {
			out = append(out, year)
		}
	}
	return out, nil
}

// IncompletePages returns the pages of year that still need walking. It is
// empty when the order count is unknown.
func (s *Store) IncompletePages(ctx context.Context, year int) ([]int, error) {
	status, err := s.YearStatus(ctx, year)
	if err != nil {
		return nil, err
	}
	pages := status.PageCount()
	if pages == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT page FROM page_status WHERE year = ? AND complete = 1", year)
	if err != nil {
		return nil, fmt.Errorf("query pages %d: %w", year, err)
	}
	defer rows.Close()
	done := make(map[int]bool)
	for rows.Next() {
		var page int
		if err := rows.Scan(&page); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		done[page] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	var out []int
	for page := 1; page <= pages; page++ {
		if !done[page] {
			out = append(out, page)
		}
	}
	return out, nil
}
