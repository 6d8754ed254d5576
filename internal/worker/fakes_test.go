package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
	"github.com/JakeFAU/orderhist-crawler/internal/extract"
	"github.com/JakeFAU/orderhist-crawler/internal/progress"
	"github.com/JakeFAU/orderhist-crawler/internal/storage/sqlite"
)

const (
	shopBase = "https://shop.example"

	titleOK        = "order history"
	titleSignIn    = "sign in"
	titleChallenge = "challenge"
	titleSiteError = "site error"

	goodPassword = "secret"
	goodAnswer   = "xk7p"
)

var jst = time.FixedZone("JST", 9*60*60)

// fakeShop plays the browser, the page inspector and the extractor at once.
// Pages are identified by URL; their content lives in the maps below.
type fakeShop struct {
	t    *testing.T
	site *extract.Site

	mu          sync.Mutex
	years       []int
	counts      map[int]int
	hideCount   map[int]bool
	cards       map[string][]crawler.OrderCard
	details     map[string]crawler.OrderDetail
	brokenOrder map[string]bool
	categories  map[string][]string
	failures    map[string]int
	navigations []string

	requireLogin   bool
	challenge      bool
	signedIn       bool
	challengeShown bool
	logins         int
	onNavigate     func(url string)
}

var (
	_ crawler.Browser       = (*fakeShop)(nil)
	_ crawler.PageInspector = (*fakeShop)(nil)
	_ crawler.Extractor     = (*fakeShop)(nil)
)

func newFakeShop(t *testing.T) *fakeShop {
	t.Helper()
	site, err := extract.NewSite(shopBase)
	require.NoError(t, err)
	return &fakeShop{
		t:           t,
		site:        site,
		counts:      map[int]int{},
		hideCount:   map[int]bool{},
		cards:       map[string][]crawler.OrderCard{},
		details:     map[string]crawler.OrderDetail{},
		brokenOrder: map[string]bool{},
		categories:  map[string][]string{},
		failures:    map[string]int{},
	}
}

func orderNo(year, n int) string {
	return fmt.Sprintf("503-%07d-%07d", year, n)
}

// addYear lists n orders in year, ten per page, each with a single item.
func (s *fakeShop) addYear(year, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.years = append(s.years, year)
	s.counts[year] = n
	for i := 0; i < n; i++ {
		page := i/crawler.OrdersPerPage + 1
		no := orderNo(year, i+1)
		detailURL := s.site.OrderURL(no)
		listURL := s.site.YearPageURL(year, page)
		s.cards[listURL] = append(s.cards[listURL], crawler.OrderCard{
			Index:     i % crawler.OrdersPerPage,
			OrderNo:   no,
			Date:      time.Date(year, time.Month(i%12+1), 1, 0, 0, 0, 0, jst),
			DetailURL: detailURL,
		})
		catalogID := fmt.Sprintf("B%d%05d", year, i+1)
		itemURL := shopBase + "/dp/" + catalogID
		price := int64(100 * (i + 1))
		s.details[detailURL] = crawler.OrderDetail{
			OrderNo: no,
			Items: []crawler.OrderItem{{
				Title:        "item " + catalogID,
				URL:          itemURL,
				CatalogID:    catalogID,
				ThumbnailURL: "https://images.example/" + catalogID + ".png",
				PriceText:    strconv.FormatInt(price, 10),
				Price:        &price,
				Quantity:     1,
				Seller:       extract.DefaultSeller,
				Condition:    extract.DefaultCondition,
				Kind:         crawler.ItemKindNormal,
			}},
		}
		s.categories[itemURL] = []string{"本", "コミック"}
	}
}

// editCard rewrites the card of order n in year.
func (s *fakeShop) editCard(year, n int, fn func(*crawler.OrderCard)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	listURL := s.site.YearPageURL(year, (n-1)/crawler.OrdersPerPage+1)
	cards := s.cards[listURL]
	fn(&cards[(n-1)%crawler.OrdersPerPage])
}

func (s *fakeShop) breakOrder(no string, broken bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.brokenOrder[s.site.OrderURL(no)] = broken
}

func (s *fakeShop) failNext(url string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[url] = n
}

func (s *fakeShop) visits(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.navigations {
		if u == url {
			n++
		}
	}
	return n
}

func (s *fakeShop) resetVisits() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigations = nil
}

func (s *fakeShop) Navigate(ctx context.Context, url string) (crawler.Page, error) {
	s.mu.Lock()
	s.navigations = append(s.navigations, url)
	hook := s.onNavigate
	s.mu.Unlock()
	if hook != nil {
		hook(url)
	}
	if err := ctx.Err(); err != nil {
		return crawler.Page{}, fmt.Errorf("navigate: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures[url] > 0 {
		s.failures[url]--
		return crawler.Page{}, crawler.Transient(crawler.ErrorTypeTimeout, url, context.DeadlineExceeded)
	}
	if s.requireLogin && !s.signedIn {
		return crawler.Page{URL: shopBase + "/ap/signin", Title: titleSignIn}, nil
	}
	return crawler.Page{URL: url, Title: titleOK, HTML: []byte("<html></html>")}, nil
}

func (s *fakeShop) SubmitLogin(_ context.Context, creds crawler.Credentials) (crawler.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logins++
	if creds.Password != goodPassword {
		return crawler.Page{URL: shopBase + "/ap/signin", Title: titleSignIn}, nil
	}
	if s.challenge {
		s.challengeShown = true
		return crawler.Page{URL: shopBase + "/ap/cvf", Title: titleChallenge}, nil
	}
	s.signedIn = true
	return crawler.Page{URL: s.site.HistoryURL(), Title: titleOK}, nil
}

func (s *fakeShop) CaptureChallenge(context.Context) ([]byte, error) {
	return []byte("captcha"), nil
}

func (s *fakeShop) SubmitChallenge(_ context.Context, answer string) (crawler.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if answer != goodAnswer {
		return crawler.Page{URL: shopBase + "/ap/cvf", Title: titleChallenge}, nil
	}
	s.signedIn = true
	return crawler.Page{URL: s.site.HistoryURL(), Title: titleOK}, nil
}

func (s *fakeShop) Close() {}

func (s *fakeShop) Inspect(page crawler.Page) crawler.PageState {
	switch page.Title {
	case titleSignIn:
		return crawler.PageSignIn
	case titleChallenge:
		return crawler.PageChallenge
	case titleSiteError:
		return crawler.PageSiteError
	default:
		return crawler.PageOK
	}
}

func (s *fakeShop) Years(crawler.Page) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.years...), nil
}

func (s *fakeShop) OrderCount(page crawler.Page) crawler.OrderCount {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := url.Parse(page.URL)
	if err != nil {
		return crawler.OrderCount{}
	}
	year, err := strconv.Atoi(strings.TrimPrefix(u.Query().Get("timeFilter"), "year-"))
	if err != nil || s.hideCount[year] {
		return crawler.OrderCount{}
	}
	n, ok := s.counts[year]
	return crawler.OrderCount{Count: n, Found: ok}
}

func (s *fakeShop) OrderCards(page crawler.Page) ([]crawler.OrderCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]crawler.OrderCard(nil), s.cards[page.URL]...), nil
}

func (s *fakeShop) OrderDetail(page crawler.Page) (crawler.OrderDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.brokenOrder[page.URL] {
		return crawler.OrderDetail{}, crawler.Transient(crawler.ErrorTypeParse, page.URL, errors.New("no purchased items"))
	}
	detail, ok := s.details[page.URL]
	if !ok {
		return crawler.OrderDetail{}, crawler.Transient(crawler.ErrorTypeParse, page.URL, errors.New("unknown order"))
	}
	return detail, nil
}

func (s *fakeShop) Categories(page crawler.Page) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.categories[page.URL]...), nil
}

type fakeSolver struct {
	mu     sync.Mutex
	answer string
	calls  int
}

func (f *fakeSolver) Solve(_ context.Context, image []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(image) == 0 {
		return "", errors.New("no image")
	}
	return f.answer, nil
}

// fakeImages serves thumbnails by URL; unknown URLs get a valid 32x32 PNG.
type fakeImages struct {
	mu     sync.Mutex
	bodies map[string][]byte
	calls  map[string]int
}

func newFakeImages() *fakeImages {
	return &fakeImages{bodies: map[string][]byte{}, calls: map[string]int{}}
}

func (f *fakeImages) FetchImage(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	if body, ok := f.bodies[url]; ok {
		return body, nil
	}
	return pngBytes(32, 32), nil
}

func pngBytes(w, h int) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) count(stage progress.Stage) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, evt := range e.events {
		if evt.Stage == stage {
			n++
		}
	}
	return n
}

// harness wires a Worker to a fake shop and a real store in a temp dir.
type harness struct {
	shop   *fakeShop
	store  *sqlite.Store
	clock  *fixedClock
	events *recordingEmitter
	solver *fakeSolver
	deps   Deps
	cfg    Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fixedClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, jst)}
	store, err := sqlite.Open(context.Background(), sqlite.Config{
		Path:  filepath.Join(t.TempDir(), "orders.db"),
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	shop := newFakeShop(t)
	events := &recordingEmitter{}
	solver := &fakeSolver{answer: goodAnswer}
	cfg := DefaultConfig()
	cfg.Location = jst
	cfg.Credentials = crawler.Credentials{User: "user@example.com", Password: goodPassword}
	return &harness{
		shop:   shop,
		store:  store,
		clock:  clock,
		events: events,
		solver: solver,
		cfg:    cfg,
		deps: Deps{
			Store:     store,
			Browser:   shop,
			Solver:    solver,
			Inspector: shop,
			Extractor: shop,
			Site:      shop.site,
			Clock:     clock,
			Events:    events,
		},
	}
}

func (h *harness) worker(t *testing.T) *Worker {
	t.Helper()
	w, err := New(h.deps, h.cfg, nil)
	require.NoError(t, err)
	return w
}

func (h *harness) run(t *testing.T, opts crawler.Options) crawler.RunSummary {
	t.Helper()
	summary, err := h.worker(t).Run(context.Background(), opts)
	require.NoError(t, err)
	return summary
}

func (h *harness) records(t *testing.T) []crawler.Record {
	t.Helper()
	report, err := h.store.Report(context.Background())
	require.NoError(t, err)
	return report.Records
}

func (h *harness) openErrors(t *testing.T) []crawler.ErrorLogEntry {
	t.Helper()
	entries, err := h.store.ListErrors(context.Background(), crawler.ErrorFilter{})
	require.NoError(t, err)
	return entries
}

func (h *harness) allErrors(t *testing.T) []crawler.ErrorLogEntry {
	t.Helper()
	entries, err := h.store.ListErrors(context.Background(), crawler.ErrorFilter{IncludeResolved: true})
	require.NoError(t, err)
	return entries
}

// interruptingImages cancels the run when url is requested and still serves
// the image, so the interrupt lands after the download finished.
type interruptingImages struct {
	*fakeImages
	url    string
	cancel context.CancelFunc
}

func (f *interruptingImages) FetchImage(ctx context.Context, url string) ([]byte, error) {
	if url == f.url {
		f.cancel()
	}
	return f.fakeImages.FetchImage(ctx, url)
}

// setDetail replaces the detail page of order no, under both its constructed
// URL and the link on its card.
func (s *fakeShop) setDetail(no string, detail crawler.OrderDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[s.site.OrderURL(no)] = detail
	for _, cards := range s.cards {
		for _, card := range cards {
			if card.OrderNo == no {
				s.details[card.DetailURL] = detail
			}
		}
	}
}
