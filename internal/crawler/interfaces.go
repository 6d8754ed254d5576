package crawler

import (
	"context"
	"time"
)

// StatusStore persists year and page bookkeeping.
type StatusStore interface {
	Years(ctx context.Context) ([]int, error)
	SetYears(ctx context.Context, years []int) error
	YearStatus(ctx context.Context, year int) (YearStatus, error)
	SetOrderCount(ctx context.Context, year, count int) error
	PageComplete(ctx context.Context, year, page int) (bool, error)
	// CompletePage records the page-level errors gathered while walking the page
	// and marks it complete in one transaction.
	CompletePage(ctx context.Context, year, page int, errs []ErrorRecord) error
	CompleteAllPages(ctx context.Context, year, pages int) error
	// CompleteYear marks the year complete when every page is complete and
	// reports whether it did.
	CompleteYear(ctx context.Context, year int) (bool, error)
	ResetYear(ctx context.Context, year int) error
	IncompleteYears(ctx context.Context) ([]int, error)
	IncompletePages(ctx context.Context, year int) ([]int, error)
}

// RecordStore persists extracted records.
type RecordStore interface {
	OrderExists(ctx context.Context, orderNo string) (bool, error)
	SaveOrder(ctx context.Context, result OrderResult) error
	UpdateCategory(ctx context.Context, orderNo, itemID string, category []string) error
	MarkThumbnail(ctx context.Context, orderNo, itemID string, present bool) error
	RecordByURL(ctx context.Context, url string) (Record, error)
	RecordByThumbnailURL(ctx context.Context, url string) (Record, error)
	RecordsLackingThumbnail(ctx context.Context) ([]Record, error)
	RecordsLackingCategory(ctx context.Context) ([]Record, error)
	RecordCountByYear(ctx context.Context, year int) (int, error)
}

// ErrorLedger is the durable log of failed units of work.
type ErrorLedger interface {
	RecordError(ctx context.Context, rec ErrorRecord) (ErrorLogEntry, error)
	ResolveError(ctx context.Context, id int64) (bool, error)
	ResolveErrorsByOrder(ctx context.Context, orderNo string) (int, error)
	ResolveErrorsByURL(ctx context.Context, url string, errCtx ErrorContext) (int, error)
	ListErrors(ctx context.Context, filter ErrorFilter) ([]ErrorLogEntry, error)
	ErrorByID(ctx context.Context, id int64) (ErrorLogEntry, error)
	UnresolvedErrorCountByYear(ctx context.Context, year int) (int, error)
	PruneResolved(ctx context.Context, before time.Time) (int, error)
}

// MetadataStore holds cross-cutting key/value facts.
type MetadataStore interface {
	Meta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
	LastModified(ctx context.Context) (*time.Time, error)
	SetLastModified(ctx context.Context, at time.Time) error
}

// ReportSource is the read-only query consumed by downstream reporting.
type ReportSource interface {
	Report(ctx context.Context) (Report, error)
}

// Store is the single source of truth for remaining work.
type Store interface {
	StatusStore
	RecordStore
	ErrorLedger
	MetadataStore
	ReportSource
}

// Browser is the narrow capability exposed by the browser driver. Every call is
// fallible; errors are classified with Classify.
type Browser interface {
	Navigate(ctx context.Context, url string) (Page, error)
	SubmitLogin(ctx context.Context, creds Credentials) (Page, error)
	CaptureChallenge(ctx context.Context) ([]byte, error)
	SubmitChallenge(ctx context.Context, answer string) (Page, error)
	Close()
}

// ChallengeSolver turns a challenge image into its answer, typically by asking a human.
type ChallengeSolver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// PageInspector classifies the session state a page reveals.
type PageInspector interface {
	Inspect(page Page) PageState
}

// Extractor reads structured fields out of rendered pages.
type Extractor interface {
	Years(page Page) ([]int, error)
	OrderCount(page Page) OrderCount
	OrderCards(page Page) ([]OrderCard, error)
	OrderDetail(page Page) (OrderDetail, error)
	Categories(page Page) ([]string, error)
}

// SiteMap builds the URLs the crawl visits.
type SiteMap interface {
	HistoryURL() string
	YearPageURL(year, page int) string
	OrderURL(orderNo string) string
}

// ImageFetcher downloads raw image bytes.
type ImageFetcher interface {
	FetchImage(ctx context.Context, url string) ([]byte, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Throttle paces navigations.
type Throttle interface {
	Wait(ctx context.Context, url string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Hasher fingerprints stored content.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
