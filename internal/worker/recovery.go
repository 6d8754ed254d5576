package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
	"github.com/JakeFAU/orderhist-crawler/internal/progress"
)

// recoveryOrder is the order in which ledger contexts are replayed. Years go
// first because re-walking a year can settle order entries on the way.
var recoveryOrder = []crawler.ErrorContext{
	crawler.ContextYear,
	crawler.ContextOrder,
	crawler.ContextCategory,
	crawler.ContextThumbnail,
}

var errCardNotFound = errors.New("order card not found on list page")

// RecoverOptions selects what a recovery pass replays.
type RecoverOptions struct {
	NoThumbnails bool
}

// replayResult is the outcome of replaying one ledger entry.
type replayResult int

const (
	replayResolved replayResult = iota
	replayFailed
	replaySkipped
)

// Recover replays every unresolved ledger entry. Entries that succeed are
// resolved; entries that fail again have their retry count bumped.
func (w *Worker) Recover(ctx context.Context, opts RecoverOptions) (crawler.RunSummary, error) {
	r, err := w.newRun(crawler.Options{NoThumbnails: opts.NoThumbnails})
	if err != nil {
		return crawler.RunSummary{}, err
	}
	r.emit(progress.Event{Stage: progress.StageRunStart, Note: "recover"})

	entries, err := w.deps.Store.ListErrors(ctx, crawler.ErrorFilter{})
	if err != nil {
		return r.finish(ctx, eventRecoverFinished, fmt.Errorf("list errors: %w", err))
	}
	r.logger.Info("recovery started", zap.Int("entries", len(entries)))
	return r.finish(ctx, eventRecoverFinished, r.replayAll(ctx, entries))
}

// RetryErrorByID replays the single ledger entry id.
func (w *Worker) RetryErrorByID(ctx context.Context, id int64) (crawler.RunSummary, error) {
	entry, err := w.deps.Store.ErrorByID(ctx, id)
	if err != nil {
		return crawler.RunSummary{}, fmt.Errorf("load error %d: %w", id, err)
	}
	r, err := w.newRun(crawler.Options{})
	if err != nil {
		return crawler.RunSummary{}, err
	}
	r.emit(progress.Event{Stage: progress.StageRunStart, Note: "recover"})
	if entry.Resolved {
		r.logger.Info("error already resolved", zap.Int64("id", id))
		return r.finish(ctx, eventRecoverFinished, nil)
	}
	return r.finish(ctx, eventRecoverFinished, r.replayAll(ctx, []crawler.ErrorLogEntry{entry}))
}

func (r *run) replayAll(ctx context.Context, entries []crawler.ErrorLogEntry) error {
	for _, errCtx := range recoveryOrder {
		for _, entry := range entries {
			if entry.Context != errCtx {
				continue
			}
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("recover: %w", err)
			}
			// An earlier replay may have settled this entry already.
			current, err := r.w.deps.Store.ErrorByID(ctx, entry.ID)
			if err != nil {
				return fmt.Errorf("load error %d: %w", entry.ID, err)
			}
			if current.Resolved {
				continue
			}
			if err := r.replayOne(ctx, current); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *run) replayOne(ctx context.Context, entry crawler.ErrorLogEntry) error {
	logger := r.logger.With(
		zap.Int64("id", entry.ID),
		zap.String("context", string(entry.Context)),
		zap.String("url", entry.URL),
	)
	var (
		result replayResult
		err    error
	)
	switch entry.Context {
	case crawler.ContextYear:
		result, err = r.replayYear(ctx, entry)
	case crawler.ContextOrder:
		result, err = r.replayOrder(ctx, entry)
	case crawler.ContextCategory:
		result, err = r.replayCategory(ctx, entry)
	case crawler.ContextThumbnail:
		result, err = r.replayThumbnail(ctx, entry)
	default:
		result = replaySkipped
	}
	if err != nil && halt(ctx, err) {
		return err
	}

	switch {
	case result == replaySkipped:
		logger.Debug("error entry skipped")
		return nil
	case result == replayResolved && err == nil:
		if _, rerr := r.w.deps.Store.ResolveError(commitCtx(ctx), entry.ID); rerr != nil {
			return storeErr(rerr)
		}
		r.wrote = true
		r.summary.Resolved++
		logger.Info("error resolved")
		r.emit(progress.Event{
			Stage:     progress.StageErrorResolved,
			URL:       entry.URL,
			ErrorType: string(entry.Type),
			Context:   string(entry.Context),
		})
		return nil
	}

	r.summary.Failed++
	if err == nil {
		// The replay already re-recorded its failure under the entry's key.
		return nil
	}
	logger.Warn("error replay failed", zap.Error(err))
	rec := crawler.ErrorRecord{
		URL:      entry.URL,
		Type:     crawler.TypeOf(err),
		Context:  entry.Context,
		Message:  err.Error(),
		OrderNo:  entry.OrderNo,
		ItemName: entry.ItemName,
		Year:     entry.Year,
		Page:     entry.Page,
		Index:    entry.Index,
	}
	var fe *crawler.FetchError
	if !errors.As(err, &fe) {
		rec.Type = entry.Type
	}
	return r.logError(ctx, rec)
}

// replayYear counts the year again and, once the count element is found,
// resets its page flags and walks every page. A failed or fallback count
// leaves the stored pages untouched. The entry only resolves when the year
// completed.
func (r *run) replayYear(ctx context.Context, entry crawler.ErrorLogEntry) (replayResult, error) {
	if entry.Year == nil {
		return replaySkipped, nil
	}
	year := *entry.Year
	store := r.w.deps.Store

	count, fallback, err := r.countOrders(ctx, year)
	if err != nil {
		return replayFailed, err
	}
	if fallback {
		return replayFailed, crawler.Transient(crawler.ErrorTypeOrderCountFallback, entry.URL,
			fmt.Errorf("order count element still missing, counted %d order cards", count))
	}
	if err := store.ResetYear(commitCtx(ctx), year); err != nil {
		return replayFailed, storeErr(err)
	}
	if err := store.SetOrderCount(commitCtx(ctx), year, count); err != nil {
		return replayFailed, storeErr(err)
	}
	r.wrote = true

	yw := &yearWalk{year: year, pages: crawler.PageCountFor(count)}
	if err := r.walkYear(ctx, yw, 1); err != nil {
		return replayFailed, err
	}
	done, err := store.CompleteYear(commitCtx(ctx), year)
	if err != nil {
		return replayFailed, storeErr(err)
	}
	if !done {
		return replayFailed, nil
	}
	return replayResolved, nil
}

// replayOrder refetches the order an entry points at. Entries that carry a
// list position find the card on its page again; entries with only an order
// number go straight to the constructed detail URL.
func (r *run) replayOrder(ctx context.Context, entry crawler.ErrorLogEntry) (replayResult, error) {
	if entry.Type == crawler.ErrorTypeNoDetailLink {
		return replaySkipped, nil
	}
	site := r.w.deps.Site

	if entry.Year != nil && entry.Page != nil {
		year, page := *entry.Year, *entry.Page
		if entry.OrderNo == nil && entry.Index == nil {
			return r.rewalkPage(ctx, year, page)
		}
		card, err := r.locateCard(ctx, year, page, entry)
		if err != nil {
			return replayFailed, err
		}
		if rec, ok := r.cardError(site.YearPageURL(year, page), year, page, card); ok {
			return replayFailed, crawler.Permanent(rec.Type, entry.URL, errors.New(rec.Message))
		}
		if card.Cancelled {
			return replayResolved, nil
		}
		if err := r.processOrder(ctx, year, page, card); err != nil {
			return replayFailed, err
		}
		return r.settled(ctx, entry)
	}

	if entry.OrderNo == nil {
		return replaySkipped, nil
	}
	card := crawler.OrderCard{OrderNo: *entry.OrderNo, DetailURL: site.OrderURL(*entry.OrderNo)}
	year := 0
	if entry.Year != nil {
		year = *entry.Year
	}
	if err := r.processOrder(ctx, year, 0, card); err != nil {
		return replayFailed, err
	}
	return r.settled(ctx, entry)
}

// settled checks entry after its order was stored again. The save resolves
// every entry of the order it did not report again; an item-level failure
// that recurred keeps its entry open with a bumped retry count.
func (r *run) settled(ctx context.Context, entry crawler.ErrorLogEntry) (replayResult, error) {
	current, err := r.w.deps.Store.ErrorByID(ctx, entry.ID)
	if err != nil {
		return replayFailed, fmt.Errorf("load error %d: %w", entry.ID, err)
	}
	if current.Resolved {
		return replayResolved, nil
	}
	return replayFailed, nil
}

// rewalkPage walks a list page that failed as a whole. A walk that fails
// again records its own ledger entry under the same key.
func (r *run) rewalkPage(ctx context.Context, year, page int) (replayResult, error) {
	status, err := r.w.deps.Store.YearStatus(ctx, year)
	if err != nil {
		return replayFailed, fmt.Errorf("load year %d: %w", year, err)
	}
	yw := &yearWalk{year: year, pages: status.PageCount()}
	outcome, err := r.walkPage(ctx, yw, page)
	if err != nil {
		return replayFailed, err
	}
	if outcome != pageCompleted {
		return replayFailed, nil
	}
	if _, err := r.w.deps.Store.CompleteYear(commitCtx(ctx), year); err != nil {
		return replayFailed, storeErr(err)
	}
	return replayResolved, nil
}

func (r *run) locateCard(ctx context.Context, year, page int, entry crawler.ErrorLogEntry) (crawler.OrderCard, error) {
	url := r.w.deps.Site.YearPageURL(year, page)
	var cards []crawler.OrderCard
	err := r.withRetry(ctx, crawler.RetryPage, url, func(ctx context.Context) error {
		p, err := r.visit(ctx, url)
		if err != nil {
			return err
		}
		cards, err = r.w.deps.Extractor.OrderCards(p)
		return err
	})
	if err != nil {
		return crawler.OrderCard{}, err
	}
	for _, card := range cards {
		if entry.OrderNo != nil && card.OrderNo == *entry.OrderNo {
			return card, nil
		}
	}
	if entry.OrderNo == nil && entry.Index != nil {
		for _, card := range cards {
			if card.Index == *entry.Index {
				return card, nil
			}
		}
	}
	return crawler.OrderCard{}, crawler.Transient(crawler.ErrorTypeParse, url, errCardNotFound)
}

func (r *run) replayCategory(ctx context.Context, entry crawler.ErrorLogEntry) (replayResult, error) {
	rec, err := r.w.deps.Store.RecordByURL(ctx, entry.URL)
	if errors.Is(err, crawler.ErrNotFound) {
		return replaySkipped, nil
	}
	if err != nil {
		return replayFailed, storeErr(err)
	}
	category, err := r.fetchCategory(ctx, entry.URL)
	if err != nil {
		return replayFailed, err
	}
	if err := r.w.deps.Store.UpdateCategory(commitCtx(ctx), rec.OrderNo, rec.ItemID, category); err != nil {
		return replayFailed, storeErr(err)
	}
	r.wrote = true
	return replayResolved, nil
}

func (r *run) replayThumbnail(ctx context.Context, entry crawler.ErrorLogEntry) (replayResult, error) {
	if !r.w.thumbnailsEnabled() || r.opts.NoThumbnails {
		return replaySkipped, nil
	}
	rec, err := r.w.deps.Store.RecordByThumbnailURL(ctx, entry.URL)
	if errors.Is(err, crawler.ErrNotFound) {
		return replaySkipped, nil
	}
	if err != nil {
		return replayFailed, storeErr(err)
	}
	if rec.CatalogID == nil || *rec.CatalogID == "" {
		return replaySkipped, nil
	}
	uri, err := r.storeThumbnail(ctx, *rec.CatalogID, entry.URL)
	if err != nil {
		return replayFailed, err
	}
	if err := r.w.deps.Store.MarkThumbnail(commitCtx(ctx), rec.OrderNo, rec.ItemID, true); err != nil {
		return replayFailed, storeErr(err)
	}
	r.wrote = true
	r.emit(progress.Event{Stage: progress.StageThumbnail, OrderNo: rec.OrderNo, URL: entry.URL, Note: uri})
	return replayResolved, nil
}
