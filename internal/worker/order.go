package worker

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
	"github.com/JakeFAU/orderhist-crawler/internal/progress"
)

// processOrder fetches the detail page of card and stores its items in one
// transaction. Category and thumbnail failures are kept with the order as
// item-level errors; only a failed detail fetch is returned.
func (r *run) processOrder(ctx context.Context, year, page int, card crawler.OrderCard) error {
	url := card.DetailURL
	var detail crawler.OrderDetail
	err := r.withRetry(ctx, crawler.RetryFetch, url, func(ctx context.Context) error {
		p, err := r.visit(ctx, url)
		if err != nil {
			return err
		}
		detail, err = r.w.deps.Extractor.OrderDetail(p)
		return err
	})
	if err != nil {
		return err
	}

	result, err := r.buildResult(ctx, year, page, card, detail)
	if err != nil {
		return err
	}
	if err := r.w.deps.Store.SaveOrder(commitCtx(ctx), result); err != nil {
		return storeErr(err)
	}
	r.wrote = true
	r.summary.OrdersFetched++
	r.summary.RecordsWritten += len(result.Records)
	for _, rec := range result.Errors {
		r.noteLogged(rec)
	}
	r.logger.Info("order stored",
		zap.String("order_no", card.OrderNo),
		zap.Int("items", len(result.Records)),
		zap.Int("item_errors", len(result.Errors)),
	)
	return nil
}

// buildResult turns the parsed detail into records, fetching each item's
// category and thumbnail on the way.
func (r *run) buildResult(ctx context.Context, year, page int, card crawler.OrderCard, detail crawler.OrderDetail) (crawler.OrderResult, error) {
	orderNo := card.OrderNo
	if orderNo == "" {
		orderNo = detail.OrderNo
	}
	date := card.Date
	if date.IsZero() {
		date = detail.Date
	}
	if year == 0 && !date.IsZero() {
		year = date.Year()
	}

	result := crawler.OrderResult{OrderNo: orderNo}
	keys := itemKeys(detail.Items)
	for i, item := range detail.Items {
		if err := ctx.Err(); err != nil {
			return crawler.OrderResult{}, fmt.Errorf("order %s: %w", orderNo, err)
		}
		rec := crawler.Record{
			OrderNo:      orderNo,
			ItemID:       keys[i],
			Title:        item.Title,
			Price:        item.Price,
			Quantity:     item.Quantity,
			Seller:       item.Seller,
			Condition:    item.Condition,
			Kind:         item.Kind,
			CatalogID:    optional(item.CatalogID),
			URL:          optional(item.URL),
			ThumbnailURL: optional(item.ThumbnailURL),
			OrderDate:    date,
			Year:         year,
			Page:         page,
		}
		title := item.Title

		if item.Price == nil {
			result.Errors = append(result.Errors, crawler.ErrorRecord{
				URL:      r.w.deps.Site.OrderURL(orderNo) + "#item-" + strconv.Itoa(i),
				Type:     crawler.ErrorTypePrice,
				Context:  crawler.ContextOrder,
				Message:  fmt.Sprintf("unparseable price %q", item.PriceText),
				OrderNo:  &orderNo,
				ItemName: &title,
				Year:     nonZero(year),
			})
		}

		if item.URL != "" {
			category, err := r.fetchCategory(ctx, item.URL)
			switch {
			case err == nil:
				rec.Category = category
			case halt(ctx, err):
				return crawler.OrderResult{}, err
			default:
				r.logger.Warn("category fetch failed", zap.String("url", item.URL), zap.Error(err))
				result.Errors = append(result.Errors, crawler.ErrorRecord{
					URL:      item.URL,
					Type:     crawler.TypeOf(err),
					Context:  crawler.ContextCategory,
					Message:  err.Error(),
					OrderNo:  &orderNo,
					ItemName: &title,
					Year:     nonZero(year),
				})
			}
		}

		if r.wantThumbnail(item) {
			uri, err := r.storeThumbnail(ctx, item.CatalogID, item.ThumbnailURL)
			switch {
			case err == nil:
				rec.HasThumbnail = true
				r.emit(progress.Event{Stage: progress.StageThumbnail, OrderNo: orderNo, URL: item.ThumbnailURL, Note: uri})
			case halt(ctx, err):
				return crawler.OrderResult{}, err
			default:
				r.logger.Warn("thumbnail fetch failed", zap.String("url", item.ThumbnailURL), zap.Error(err))
				result.Errors = append(result.Errors, crawler.ErrorRecord{
					URL:      item.ThumbnailURL,
					Type:     crawler.TypeOf(err),
					Context:  crawler.ContextThumbnail,
					Message:  err.Error(),
					OrderNo:  &orderNo,
					ItemName: &title,
					Year:     nonZero(year),
				})
			}
		}
		result.Records = append(result.Records, rec)
	}
	return result, nil
}

func (r *run) fetchCategory(ctx context.Context, url string) ([]string, error) {
	var category []string
	err := r.withRetry(ctx, crawler.RetryCategory, url, func(ctx context.Context) error {
		p, err := r.visit(ctx, url)
		if err != nil {
			return err
		}
		category, err = r.w.deps.Extractor.Categories(p)
		return err
	})
	if err != nil {
		return nil, err
	}
	if category == nil {
		category = []string{}
	}
	return category, nil
}

func (r *run) wantThumbnail(item crawler.OrderItem) bool {
	return r.w.thumbnailsEnabled() && !r.opts.NoThumbnails &&
		item.ThumbnailURL != "" && item.CatalogID != ""
}

// itemKeys keys each record within its order: the catalog id when the item
// links to one, the title otherwise. Repeats of a key within the order get a
// "#n" suffix by position, so every line keeps its own record.
func itemKeys(items []crawler.OrderItem) []string {
	keys := make([]string, len(items))
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		base := item.CatalogID
		if base == "" {
			base = item.Title
		}
		key := base
		for n := 2; seen[key]; n++ {
			key = base + "#" + strconv.Itoa(n)
		}
		seen[key] = true
		keys[i] = key
	}
	return keys
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonZero(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}
