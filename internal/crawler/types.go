package crawler

import (
	"time"
)

// OrdersPerPage is the number of order cards the history list renders per page.
const OrdersPerPage = 10

// Record is one purchased line item, keyed by (OrderNo, ItemID).
type Record struct {
	OrderNo      string
	ItemID       string
	Title        string
	Price        *int64
	Quantity     int
	Category     []string
	Seller       string
	Condition    string
	Kind         ItemKind
	CatalogID    *string
	URL          *string
	ThumbnailURL *string
	HasThumbnail bool
	OrderDate    time.Time
	Year         int
	Page         int
}

// ItemKind distinguishes the rendering variants of an order line.
type ItemKind string

// Known item kinds.
const (
	ItemKindNormal   ItemKind = "normal"
	ItemKindGiftCard ItemKind = "gift_card"
	ItemKindDigital  ItemKind = "digital"
)

// YearStatus tracks completion for one calendar year. A nil OrderCount means the
// count has never been obtained, which is different from a year with zero orders.
type YearStatus struct {
	Year       int
	OrderCount *int
	Complete   bool
}

// PageCount returns how many list pages the year spans, or 0 when the count is unknown.
func (s YearStatus) PageCount() int {
	if s.OrderCount == nil {
		return 0
	}
	return PageCountFor(*s.OrderCount)
}

// PageCountFor returns the number of list pages needed for count orders.
func PageCountFor(count int) int {
	if count <= 0 {
		return 0
	}
	return (count + OrdersPerPage - 1) / OrdersPerPage
}

// PageStatus tracks completion of one (year, page) pair.
type PageStatus struct {
	Year     int
	Page     int
	Complete bool
}

// ErrorContext names the unit of work an error ledger entry belongs to.
type ErrorContext string

// Ledger contexts, replayed by the recovery pass in this order.
const (
	ContextYear      ErrorContext = "year"
	ContextOrder     ErrorContext = "order"
	ContextCategory  ErrorContext = "category"
	ContextThumbnail ErrorContext = "thumbnail"
)

// ErrorType classifies the failure recorded in the ledger.
type ErrorType string

// Ledger error types.
const (
	ErrorTypeTimeout            ErrorType = "timeout"
	ErrorTypeParse              ErrorType = "parse_error"
	ErrorTypeFetch              ErrorType = "fetch"
	ErrorTypePrice              ErrorType = "price"
	ErrorTypeNoOrderNo          ErrorType = "no_order_no"
	ErrorTypeNoDetailLink       ErrorType = "no_detail_link"
	ErrorTypeOrderCountFallback ErrorType = "order_count_fallback"
	ErrorTypeThumbnailEmpty     ErrorType = "thumbnail_empty"
	ErrorTypeThumbnailSize      ErrorType = "thumbnail_size"
	ErrorTypeThumbnailCorrupt   ErrorType = "thumbnail_corrupt"
)

// ErrorRecord is the input to the ledger upsert.
type ErrorRecord struct {
	URL      string
	Type     ErrorType
	Context  ErrorContext
	Message  string
	OrderNo  *string
	ItemName *string
	Year     *int
	Page     *int
	Index    *int
}

// ErrorLogEntry is a persisted ledger row.
type ErrorLogEntry struct {
	ID         int64
	URL        string
	Type       ErrorType
	Context    ErrorContext
	Message    string
	OrderNo    *string
	ItemName   *string
	Year       *int
	Page       *int
	Index      *int
	RetryCount int
	Resolved   bool
	FirstSeen  time.Time
	LastSeen   time.Time
}

// ErrorFilter narrows ledger listings.
type ErrorFilter struct {
	IncludeResolved bool
	Context         ErrorContext
	Limit           int
}

// OrderResult is everything learned from one order detail page. It is persisted
// as a single transaction.
type OrderResult struct {
	OrderNo string
	Records []Record
	// Errors are item-level failures (such as an unparseable price) that do not
	// prevent the records from being stored.
	Errors []ErrorRecord
}

// Report is the read-only view handed to downstream reporting.
type Report struct {
	Records          []Record
	ResolvedErrors   int
	UnresolvedErrors int
	LastModified     *time.Time
}

// Page is a rendered document returned by the browser.
type Page struct {
	URL   string
	Title string
	HTML  []byte
}

// PageState is the session condition a rendered page reveals.
type PageState int

// Page states reported by a PageInspector.
const (
	PageOK PageState = iota
	PageSignIn
	PageChallenge
	PageSiteError
	PageBlank
)

func (s PageState) String() string {
	switch s {
	case PageOK:
		return "ok"
	case PageSignIn:
		return "sign_in"
	case PageChallenge:
		return "challenge"
	case PageSiteError:
		return "site_error"
	case PageBlank:
		return "blank"
	default:
		return "unknown"
	}
}

// Credentials are submitted to the sign-in form.
type Credentials struct {
	User     string
	Password string
}

// OrderCard is one order summary on a history list page.
type OrderCard struct {
	// Index is the zero-based position of the card on its page.
	Index     int
	OrderNo   string
	Date      time.Time
	DetailURL string
	Cancelled bool
	// ParseErr is set when the card could not be read; other fields may be empty.
	ParseErr error
}

// OrderItem is one line parsed from an order detail page.
type OrderItem struct {
	Title        string
	URL          string
	CatalogID    string
	ThumbnailURL string
	PriceText    string
	Price        *int64
	Quantity     int
	Seller       string
	Condition    string
	Kind         ItemKind
}

// OrderDetail is the parsed content of an order detail page.
type OrderDetail struct {
	OrderNo string
	Date    time.Time
	Items   []OrderItem
}

// OrderCount is the result of reading a year's authoritative count.
type OrderCount struct {
	Count int
	// Found is false when the count element was absent on the page.
	Found bool
}

// Options selects the run mode of the crawl state machine.
type Options struct {
	Force        bool
	Year         *int
	StartPage    int
	NoThumbnails bool
	Debug        bool
}

// RunSummary reports what a crawl or recovery run did.
type RunSummary struct {
	RunID          string
	StartedAt      time.Time
	FinishedAt     time.Time
	Years          int
	PagesWalked    int
	OrdersFetched  int
	OrdersCached   int
	RecordsWritten int
	ErrorsLogged   int
	Resolved       int
	Failed         int
	Interrupted    bool
}
