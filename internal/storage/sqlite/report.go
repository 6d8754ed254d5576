package sqlite

import (
	"context"
	"fmt"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
)

// Report returns every record with ledger totals. It is safe on a read-only
// store opened against an older schema.
func (s *Store) Report(ctx context.Context) (crawler.Report, error) {
	var report crawler.Report
	records, err := s.queryRecords(ctx, "ORDER BY order_date, order_no, item_id")
	if err != nil {
		return report, err
	}
	report.Records = records

	if s.hasTable("error_log") {
		if err := s.db.QueryRowContext(ctx, `
SELECT
	COALESCE(SUM(CASE WHEN resolved = 1 THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN resolved = 0 THEN 1 ELSE 0 END), 0)
FROM error_log`).Scan(&report.ResolvedErrors, &report.UnresolvedErrors); err != nil {
			return report, fmt.Errorf("count errors: %w", err)
		}
	}

	report.LastModified, err = s.LastModified(ctx)
	if err != nil {
		return report, err
	}
	return report, nil
}
