package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
	"github.com/JakeFAU/orderhist-crawler/internal/storage/sqlite"
)

// legacySchema is the shape written before thumbnails and error positions existed.
const legacySchema = `
CREATE TABLE records (
    order_no TEXT NOT NULL, item_id TEXT NOT NULL, title TEXT NOT NULL, price INTEGER,
    quantity INTEGER NOT NULL DEFAULT 1, category TEXT, seller TEXT, condition TEXT,
    kind TEXT NOT NULL DEFAULT 'normal', catalog_id TEXT, url TEXT, order_date TEXT NOT NULL,
    year INTEGER NOT NULL, page INTEGER NOT NULL DEFAULT 0, created_at TEXT NOT NULL, updated_at TEXT NOT NULL,
    PRIMARY KEY (order_no, item_id)
);
CREATE TABLE error_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT, url TEXT NOT NULL, error_type TEXT NOT NULL,
    context TEXT NOT NULL, message TEXT, order_no TEXT, item_name TEXT,
    retry_count INTEGER NOT NULL DEFAULT 1, resolved INTEGER NOT NULL DEFAULT 0,
    first_seen TEXT NOT NULL, last_seen TEXT NOT NULL
);
INSERT INTO records VALUES ('249-7', 'B0LEGACY', 'Old book', 980, 1, 'Books > Comics', NULL, NULL,
    'normal', 'B0LEGACY', 'https://shop.example/dp/B0LEGACY', '2019-11-03', 2019, 1,
    '2019-11-04T00:00:00Z', '2019-11-04T00:00:00Z');
INSERT INTO error_log (url, error_type, context, message, order_no, resolved, first_seen, last_seen)
VALUES ('https://shop.example/dp/B0LEGACY', 'fetch', 'category', 'boom', '249-7', 0,
    '2019-11-04T00:00:00Z', '2019-11-04T00:00:00Z');
`

func writeLegacyDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	_, err = db.Exec(legacySchema)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	return path
}

func TestReadOnlyToleratesLegacySchema(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := writeLegacyDB(t)

	store, err := sqlite.Open(ctx, sqlite.Config{Path: path, ReadOnly: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	report, err := store.Report(ctx)
	require.NoError(t, err)
	require.Len(t, report.Records, 1)
	rec := report.Records[0]
	assert.Equal(t, []string{"Books", "Comics"}, rec.Category)
	assert.Nil(t, rec.ThumbnailURL)
	assert.False(t, rec.HasThumbnail)
	assert.Equal(t, 1, report.UnresolvedErrors)
	assert.Nil(t, report.LastModified)

	entries, err := store.ListErrors(ctx, crawler.ErrorFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].Year)

	n, err := store.UnresolvedErrorCountByYear(ctx, 2019)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	lacking, err := store.RecordsLackingThumbnail(ctx)
	require.NoError(t, err)
	assert.Empty(t, lacking)

	years, err := store.Years(ctx)
	require.NoError(t, err)
	assert.Empty(t, years)
}

func TestOpenMigratesLegacySchema(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := writeLegacyDB(t)

	store, err := sqlite.Open(ctx, sqlite.Config{Path: path})
	require.NoError(t, err)

	rec, err := store.RecordByURL(ctx, "https://shop.example/dp/B0LEGACY")
	require.NoError(t, err)
	assert.False(t, rec.HasThumbnail)

	entry, err := store.RecordError(ctx, crawler.ErrorRecord{
		URL: "https://shop.example/dp/B0LEGACY", Type: crawler.ErrorTypeFetch, Context: crawler.ContextCategory,
		Year: intPtr(2019),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, entry.RetryCount)
	require.NotNil(t, entry.Year)
	assert.Equal(t, 2019, *entry.Year)
	require.NoError(t, store.Close())

	// Reopening is a no-op once the schema is current.
	store, err = sqlite.Open(ctx, sqlite.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	rec.ThumbnailURL = strPtr("https://img.example/legacy.jpg")
	require.NoError(t, store.SaveOrder(ctx, crawler.OrderResult{OrderNo: rec.OrderNo, Records: []crawler.Record{rec}}))
	lacking, err := store.RecordsLackingThumbnail(ctx)
	require.NoError(t, err)
	assert.Len(t, lacking, 1)
}
