package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
	"github.com/JakeFAU/orderhist-crawler/internal/metrics"
)

// withRetry calls fn until it succeeds, fails with an error the policy does
// not retry, or the budget of class is spent. The last error is returned.
// Browser-backed classes return to the history root between attempts so a
// stale or expired session is repaired before the next try.
func (r *run) withRetry(ctx context.Context, class crawler.RetryClass, url string, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if halt(ctx, err) || !r.w.retry.ShouldRetry(class, err, attempt) {
			return err
		}
		metrics.ObserveRetry(string(class))
		r.logger.Warn("retrying",
			zap.String("class", string(class)),
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if err := sleep(ctx, r.w.retry.Backoff(attempt)); err != nil {
			return err
		}
		if class == crawler.RetryThumbnail {
			continue
		}
		if err := r.resetSession(ctx); err != nil {
			if halt(ctx, err) {
				return err
			}
			r.logger.Debug("session reset failed", zap.Error(err))
		}
	}
}

// resetSession reloads the history root, signing in again when needed.
func (r *run) resetSession(ctx context.Context) error {
	_, err := r.visit(ctx, r.w.deps.Site.HistoryURL())
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
