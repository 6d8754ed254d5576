package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
	"github.com/JakeFAU/orderhist-crawler/internal/progress"
)

const (
	// countProbePage is far past the last page; the site still renders the
	// year's order count there without any order cards.
	countProbePage = 10000
	// maxCountPages bounds the card-counting fallback.
	maxCountPages = 500
)

var errNoOrderCards = errors.New("no order cards on a page that should have orders")

// pageOutcome is how a list page walk ended.
type pageOutcome int

const (
	pageCompleted pageOutcome = iota
	pageFailed
	pageEarlyExit
	pageDebugStop
)

// yearWalk is the per-year walking state shared by its pages.
type yearWalk struct {
	year  int
	pages int
	// earlyExit enables stopping after a run of cached orders.
	earlyExit bool
	// revisit walks pages even when they are already complete.
	revisit bool
	hits    int
}

// Run executes one crawl. It returns when every selected year has been walked,
// a fatal error occurs, or ctx is cancelled; in all cases the store stays
// resumable. The returned summary is valid even when err is non-nil.
func (w *Worker) Run(ctx context.Context, opts crawler.Options) (crawler.RunSummary, error) {
	r, err := w.newRun(opts)
	if err != nil {
		return crawler.RunSummary{}, err
	}
	r.logger.Info("crawl started",
		zap.Bool("force", opts.Force),
		zap.Bool("debug", opts.Debug),
		zap.Bool("no_thumbnails", opts.NoThumbnails),
		zap.Int("start_page", opts.StartPage),
	)
	r.emit(progress.Event{Stage: progress.StageRunStart, Note: "crawl"})
	return r.finish(ctx, eventCrawlFinished, r.crawl(ctx))
}

func (r *run) crawl(ctx context.Context) error {
	store := r.w.deps.Store
	last, err := store.LastModified(ctx)
	if err != nil {
		return fmt.Errorf("load last modified: %w", err)
	}
	if last != nil {
		r.lastYear = last.In(r.w.cfg.Location).Year()
	}

	years, err := r.discoverYears(ctx)
	if err != nil {
		return err
	}
	if r.opts.Year != nil && !slices.Contains(years, *r.opts.Year) {
		r.logger.Warn("year not in order history", zap.Int("year", *r.opts.Year), zap.Ints("years", years))
		return nil
	}

	current := r.w.deps.Clock.Now().In(r.w.cfg.Location).Year()
	startPage := max(r.opts.StartPage, 1)
	for _, year := range years {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("crawl: %w", err)
		}
		if r.opts.Year != nil && year != *r.opts.Year {
			continue
		}
		status, err := store.YearStatus(ctx, year)
		if err != nil {
			return fmt.Errorf("load year %d: %w", year, err)
		}
		selected := !status.Complete || year == current || year == r.lastYear ||
			r.opts.Year != nil || r.opts.Force
		if !selected {
			r.logger.Debug("year cached", zap.Int("year", year))
			continue
		}
		if err := r.processYear(ctx, status, startPage); err != nil {
			return err
		}
		startPage = 1
		if r.debugDone {
			break
		}
	}
	return nil
}

// discoverYears authenticates through the history root and returns the
// years to consider, ascending. The dropdown is only read when the store has
// no cached list or the run is forced.
func (r *run) discoverYears(ctx context.Context) ([]int, error) {
	store := r.w.deps.Store
	cached, err := store.Years(ctx)
	if err != nil {
		return nil, fmt.Errorf("load years: %w", err)
	}
	refresh := len(cached) == 0 || r.opts.Force

	url := r.w.deps.Site.HistoryURL()
	var found []int
	err = r.withRetry(ctx, crawler.RetryPage, url, func(ctx context.Context) error {
		page, err := r.visit(ctx, url)
		if err != nil {
			return err
		}
		if !refresh {
			return nil
		}
		found, err = r.w.deps.Extractor.Years(page)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open order history: %w", err)
	}
	if !refresh {
		return cached, nil
	}

	slices.Sort(found)
	if err := store.SetYears(commitCtx(ctx), found); err != nil {
		return nil, storeErr(err)
	}
	r.wrote = true
	r.logger.Info("discovered years", zap.Ints("years", found))
	return found, nil
}

// processYear counts and walks one year, then tries to mark it complete.
func (r *run) processYear(ctx context.Context, status crawler.YearStatus, startPage int) error {
	year := status.Year
	start := time.Now()
	r.summary.Years++
	logger := r.logger.With(zap.Int("year", year))

	count, err := r.refreshCount(ctx, status)
	if err != nil {
		return err
	}
	if count == nil {
		logger.Warn("order count unknown, skipping year")
		r.emit(progress.Event{Stage: progress.StageYearDone, Year: year, Note: "count unknown"})
		return nil
	}

	yw := &yearWalk{
		year:    year,
		pages:   crawler.PageCountFor(*count),
		revisit: status.Complete || r.opts.Force,
	}
	if yw.earlyExit, err = r.earlyExitAllowed(ctx, status); err != nil {
		return err
	}
	r.emit(progress.Event{Stage: progress.StageYearStart, Year: year, Total: yw.pages})
	logger.Info("walking year",
		zap.Int("orders", *count),
		zap.Int("pages", yw.pages),
		zap.Bool("early_exit", yw.earlyExit),
	)
	if err := r.walkYear(ctx, yw, startPage); err != nil {
		return err
	}

	note := "incomplete"
	if !r.opts.Debug {
		done, err := r.w.deps.Store.CompleteYear(commitCtx(ctx), year)
		if err != nil {
			return storeErr(err)
		}
		if done {
			note = "complete"
		}
	}
	r.emit(progress.Event{Stage: progress.StageYearDone, Year: year, Total: yw.pages, Dur: time.Since(start), Note: note})
	return nil
}

// walkYear walks pages startPage..yw.pages, skipping complete pages unless the
// year is being revisited.
func (r *run) walkYear(ctx context.Context, yw *yearWalk, startPage int) error {
	for page := startPage; page <= yw.pages; page++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("walk year %d: %w", yw.year, err)
		}
		if !yw.revisit && !r.opts.Debug {
			done, err := r.w.deps.Store.PageComplete(ctx, yw.year, page)
			if err != nil {
				return fmt.Errorf("load page %d/%d: %w", yw.year, page, err)
			}
			if done {
				continue
			}
		}
		outcome, err := r.walkPage(ctx, yw, page)
		if err != nil {
			return err
		}
		if outcome == pageEarlyExit || outcome == pageDebugStop {
			return nil
		}
	}
	return nil
}

// earlyExitAllowed decides whether a run of cached orders may end the walk
// of a year. Only years that were complete with a clean ledger qualify.
func (r *run) earlyExitAllowed(ctx context.Context, status crawler.YearStatus) (bool, error) {
	if !status.Complete || r.opts.Force || r.opts.Debug || r.w.cfg.EarlyExitThreshold <= 0 {
		return false, nil
	}
	store := r.w.deps.Store
	records, err := store.RecordCountByYear(ctx, status.Year)
	if err != nil {
		return false, fmt.Errorf("count records %d: %w", status.Year, err)
	}
	if records == 0 {
		return false, nil
	}
	open, err := store.UnresolvedErrorCountByYear(ctx, status.Year)
	if err != nil {
		return false, fmt.Errorf("count errors %d: %w", status.Year, err)
	}
	return open == 0, nil
}

// refreshCount returns the order count of the year, fetching it when the
// stored value is missing or may be stale. A failed fetch is logged to the
// ledger and the stored count, possibly nil, is kept.
func (r *run) refreshCount(ctx context.Context, status crawler.YearStatus) (*int, error) {
	stale := status.OrderCount == nil || r.lastYear == 0 || status.Year >= r.lastYear || r.opts.Force
	if !stale {
		return status.OrderCount, nil
	}
	year := status.Year
	count, fallback, err := r.countOrders(ctx, year)
	if err != nil {
		if halt(ctx, err) {
			return nil, err
		}
		if logErr := r.logError(ctx, crawler.ErrorRecord{
			URL:     r.w.deps.Site.YearPageURL(year, 1),
			Type:    crawler.TypeOf(err),
			Context: crawler.ContextYear,
			Message: fmt.Sprintf("count orders: %v", err),
			Year:    &year,
		}); logErr != nil {
			return nil, logErr
		}
		return status.OrderCount, nil
	}
	if fallback {
		if err := r.logError(ctx, crawler.ErrorRecord{
			URL:     r.w.deps.Site.YearPageURL(year, 1),
			Type:    crawler.ErrorTypeOrderCountFallback,
			Context: crawler.ContextYear,
			Message: fmt.Sprintf("order count element missing, counted %d order cards", count),
			Year:    &year,
		}); err != nil {
			return nil, err
		}
	}
	if err := r.w.deps.Store.SetOrderCount(commitCtx(ctx), year, count); err != nil {
		return nil, storeErr(err)
	}
	r.wrote = true
	return &count, nil
}

// countOrders reads the authoritative count of year. It prefers the count
// shown on a page past the end, then on page 1, and finally counts the cards
// page by page, reporting fallback in that case.
func (r *run) countOrders(ctx context.Context, year int) (count int, fallback bool, err error) {
	site, extractor := r.w.deps.Site, r.w.deps.Extractor

	probeURL := site.YearPageURL(year, countProbePage)
	var probe crawler.OrderCount
	err = r.withRetry(ctx, crawler.RetryPage, probeURL, func(ctx context.Context) error {
		page, err := r.visit(ctx, probeURL)
		if err != nil {
			return err
		}
		probe = extractor.OrderCount(page)
		return nil
	})
	if err == nil && probe.Found {
		return probe.Count, false, nil
	}
	if halt(ctx, err) {
		return 0, false, err
	}

	firstURL := site.YearPageURL(year, 1)
	var first crawler.Page
	err = r.withRetry(ctx, crawler.RetryPage, firstURL, func(ctx context.Context) error {
		var err error
		first, err = r.visit(ctx, firstURL)
		return err
	})
	if err != nil {
		return 0, false, err
	}
	if c := extractor.OrderCount(first); c.Found {
		return c.Count, false, nil
	}

	count, err = r.countCards(ctx, year, first)
	if err != nil {
		return 0, false, err
	}
	r.logger.Warn("order count missing, counted cards", zap.Int("year", year), zap.Int("count", count))
	return count, true, nil
}

// countCards counts order cards from page 1 onward while pages are full.
func (r *run) countCards(ctx context.Context, year int, first crawler.Page) (int, error) {
	extractor := r.w.deps.Extractor
	cards, err := extractor.OrderCards(first)
	if err != nil {
		return 0, err
	}
	total := len(cards)
	for page := 2; len(cards) == crawler.OrdersPerPage && page <= maxCountPages; page++ {
		url := r.w.deps.Site.YearPageURL(year, page)
		err := r.withRetry(ctx, crawler.RetryPage, url, func(ctx context.Context) error {
			p, err := r.visit(ctx, url)
			if err != nil {
				return err
			}
			cards, err = extractor.OrderCards(p)
			return err
		})
		if err != nil {
			return 0, err
		}
		total += len(cards)
	}
	return total, nil
}

// walkPage handles every order card of one list page. The page is marked
// complete, together with the errors gathered on it, only once every card has
// been stored or logged.
func (r *run) walkPage(ctx context.Context, yw *yearWalk, page int) (pageOutcome, error) {
	year := yw.year
	url := r.w.deps.Site.YearPageURL(year, page)
	logger := r.logger.With(zap.Int("year", year), zap.Int("page", page))
	start := time.Now()

	var cards []crawler.OrderCard
	err := r.withRetry(ctx, crawler.RetryPage, url, func(ctx context.Context) error {
		p, err := r.visit(ctx, url)
		if err != nil {
			return err
		}
		cards, err = r.w.deps.Extractor.OrderCards(p)
		if err != nil {
			return err
		}
		if len(cards) == 0 {
			return crawler.Transient(crawler.ErrorTypeParse, url, errNoOrderCards)
		}
		return nil
	})
	r.summary.PagesWalked++
	if err != nil {
		if halt(ctx, err) {
			return pageFailed, err
		}
		logger.Warn("list page failed", zap.Error(err))
		return pageFailed, r.logError(ctx, crawler.ErrorRecord{
			URL:     url,
			Type:    crawler.TypeOf(err),
			Context: crawler.ContextOrder,
			Message: err.Error(),
			Year:    &year,
			Page:    &page,
		})
	}

	var (
		errs    []crawler.ErrorRecord
		early   bool
		stopped bool
	)
	for _, card := range cards {
		if err := ctx.Err(); err != nil {
			return pageFailed, fmt.Errorf("walk page %d/%d: %w", year, page, err)
		}
		if rec, ok := r.cardError(url, year, page, card); ok {
			logger.Warn("order card unusable", zap.Int("index", card.Index), zap.String("type", string(rec.Type)))
			errs = append(errs, rec)
			continue
		}
		if card.Cancelled {
			logger.Debug("cancelled order skipped", zap.String("order_no", card.OrderNo))
			continue
		}

		if !r.opts.Force && !r.opts.Debug {
			cached, err := r.w.deps.Store.OrderExists(ctx, card.OrderNo)
			if err != nil {
				return pageFailed, fmt.Errorf("lookup order %s: %w", card.OrderNo, err)
			}
			if cached {
				yw.hits++
				r.summary.OrdersCached++
				r.emit(progress.Event{
					Stage: progress.StageOrderCached, Year: year, Page: page,
					OrderNo: card.OrderNo, Done: card.Index + 1, Total: len(cards),
				})
				if yw.earlyExit && yw.hits >= r.w.cfg.EarlyExitThreshold {
					early = true
					break
				}
				continue
			}
		}

		yw.hits = 0
		err := r.processOrder(ctx, year, page, card)
		if err != nil {
			if halt(ctx, err) {
				return pageFailed, err
			}
			logger.Warn("order failed", zap.String("order_no", card.OrderNo), zap.Error(err))
			errs = append(errs, r.orderError(card.DetailURL, year, page, card, err))
		}
		r.emit(progress.Event{
			Stage: progress.StageOrderFetched, Year: year, Page: page,
			OrderNo: card.OrderNo, URL: card.DetailURL, Done: card.Index + 1, Total: len(cards),
		})
		if r.opts.Debug {
			stopped = true
			break
		}
	}

	if r.opts.Debug {
		for _, rec := range errs {
			if err := r.logError(ctx, rec); err != nil {
				return pageFailed, err
			}
		}
		if stopped {
			r.debugDone = true
			return pageDebugStop, nil
		}
		return pageCompleted, nil
	}

	if err := r.w.deps.Store.CompletePage(commitCtx(ctx), year, page, errs); err != nil {
		return pageFailed, storeErr(err)
	}
	r.wrote = true
	for _, rec := range errs {
		r.noteLogged(rec)
	}
	r.emit(progress.Event{
		Stage: progress.StagePageDone, Year: year, Page: page,
		Done: page, Total: yw.pages, Dur: time.Since(start),
	})

	if early {
		if err := r.w.deps.Store.CompleteAllPages(commitCtx(ctx), year, yw.pages); err != nil {
			return pageFailed, storeErr(err)
		}
		logger.Info("stopping early after consecutive cached orders", zap.Int("hits", yw.hits))
		r.emit(progress.Event{Stage: progress.StageEarlyExit, Year: year, Page: page, Done: yw.hits})
		return pageEarlyExit, nil
	}
	return pageCompleted, nil
}

// cardError returns the ledger entry for a card that cannot be fetched.
func (r *run) cardError(pageURL string, year, page int, card crawler.OrderCard) (crawler.ErrorRecord, bool) {
	index := card.Index
	rec := crawler.ErrorRecord{
		Context: crawler.ContextOrder,
		Year:    &year,
		Page:    &page,
		Index:   &index,
	}
	switch {
	case card.Cancelled:
		return crawler.ErrorRecord{}, false
	case card.OrderNo == "":
		// Cards without a number are keyed by their position on the page.
		rec.URL = pageURL + "#card-" + strconv.Itoa(card.Index)
		rec.Type = crawler.ErrorTypeNoOrderNo
		rec.Message = fmt.Sprintf("order card %d has no order number", card.Index+1)
	case card.ParseErr != nil:
		rec.URL = r.cardURL(card)
		rec.Type = crawler.TypeOf(card.ParseErr)
		rec.Message = fmt.Sprintf("parse order card %d: %v", card.Index+1, card.ParseErr)
		rec.OrderNo = &card.OrderNo
	case card.DetailURL == "":
		rec.URL = r.w.deps.Site.OrderURL(card.OrderNo)
		rec.Type = crawler.ErrorTypeNoDetailLink
		rec.Message = fmt.Sprintf("order %s has no detail link", card.OrderNo)
		rec.OrderNo = &card.OrderNo
	default:
		return crawler.ErrorRecord{}, false
	}
	return rec, true
}

func (r *run) cardURL(card crawler.OrderCard) string {
	if card.DetailURL != "" {
		return card.DetailURL
	}
	return r.w.deps.Site.OrderURL(card.OrderNo)
}

func (r *run) orderError(url string, year, page int, card crawler.OrderCard, err error) crawler.ErrorRecord {
	rec := crawler.ErrorRecord{
		URL:     url,
		Type:    crawler.TypeOf(err),
		Context: crawler.ContextOrder,
		Message: err.Error(),
		OrderNo: &card.OrderNo,
	}
	if year > 0 {
		rec.Year = &year
	}
	if page > 0 {
		index := card.Index
		rec.Page = &page
		rec.Index = &index
	}
	return rec
}

// logError writes rec to the ledger immediately.
func (r *run) logError(ctx context.Context, rec crawler.ErrorRecord) error {
	if _, err := r.w.deps.Store.RecordError(commitCtx(ctx), rec); err != nil {
		return storeErr(err)
	}
	r.wrote = true
	r.noteLogged(rec)
	return nil
}

func (r *run) noteLogged(rec crawler.ErrorRecord) {
	r.summary.ErrorsLogged++
	evt := progress.Event{
		Stage:     progress.StageErrorLogged,
		URL:       rec.URL,
		ErrorType: string(rec.Type),
		Context:   string(rec.Context),
		Note:      rec.Message,
	}
	if rec.Year != nil {
		evt.Year = *rec.Year
	}
	if rec.Page != nil {
		evt.Page = *rec.Page
	}
	if rec.OrderNo != nil {
		evt.OrderNo = *rec.OrderNo
	}
	r.emit(evt)
}
