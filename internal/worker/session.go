package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
	"github.com/JakeFAU/orderhist-crawler/internal/metrics"
)

var (
	errSiteError     = errors.New("site reported an error")
	errBlankPage     = errors.New("page rendered without content")
	errNoSolver      = errors.New("no challenge solver configured")
	errNoCredentials = errors.New("no credentials configured")
)

// visit navigates to url and returns the page once the session is usable. A
// sign-in form or a challenge on the way is handled here, so callers only see
// content pages or classified errors.
func (r *run) visit(ctx context.Context, url string) (crawler.Page, error) {
	page, err := r.navigate(ctx, url)
	if err != nil {
		return crawler.Page{}, err
	}
	page, err = r.ensureSession(ctx, url, page)
	if err != nil {
		return crawler.Page{}, err
	}
	switch r.w.deps.Inspector.Inspect(page) {
	case crawler.PageSiteError:
		return crawler.Page{}, crawler.Transient(crawler.ErrorTypeFetch, url, errSiteError)
	case crawler.PageBlank:
		return crawler.Page{}, crawler.Transient(crawler.ErrorTypeParse, url, errBlankPage)
	}
	return page, nil
}

func (r *run) navigate(ctx context.Context, url string) (crawler.Page, error) {
	if err := ctx.Err(); err != nil {
		return crawler.Page{}, fmt.Errorf("navigate %s: %w", url, err)
	}
	if t := r.w.deps.Throttle; t != nil {
		start := time.Now()
		if err := t.Wait(ctx, url); err != nil {
			return crawler.Page{}, fmt.Errorf("throttle %s: %w", url, err)
		}
		metrics.ObserveThrottleDelay(metrics.SanitizeSite(url), time.Since(start))
	}
	return r.w.deps.Browser.Navigate(ctx, url)
}

// ensureSession signs in and answers challenges until page is no longer a
// gate, then reloads url if the gate replaced it. Exhausting the login or
// challenge budget is fatal.
func (r *run) ensureSession(ctx context.Context, url string, page crawler.Page) (crawler.Page, error) {
	var (
		logins     int
		challenges int
		gated      bool
		err        error
	)
	for {
		switch r.w.deps.Inspector.Inspect(page) {
		case crawler.PageSignIn:
			gated = true
			logins++
			if logins > r.w.retry.Attempts(crawler.RetryLogin) {
				return crawler.Page{}, fmt.Errorf("sign in after %d attempts: %w", logins-1, crawler.ErrAuthFailed)
			}
			if r.w.cfg.Credentials.User == "" || r.w.cfg.Credentials.Password == "" {
				return crawler.Page{}, fmt.Errorf("sign in: %w: %w", crawler.ErrAuthFailed, errNoCredentials)
			}
			if logins > 1 {
				metrics.ObserveRetry(string(crawler.RetryLogin))
			}
			r.logger.Info("signing in", zap.String("url", url), zap.Int("attempt", logins))
			page, err = r.w.deps.Browser.SubmitLogin(ctx, r.w.cfg.Credentials)
		case crawler.PageChallenge:
			gated = true
			challenges++
			if challenges > r.w.retry.Attempts(crawler.RetryChallenge) {
				return crawler.Page{}, fmt.Errorf("solve challenge after %d attempts: %w", challenges-1, crawler.ErrChallengeFailed)
			}
			if challenges > 1 {
				metrics.ObserveRetry(string(crawler.RetryChallenge))
			}
			r.logger.Info("answering challenge", zap.String("url", url), zap.Int("attempt", challenges))
			page, err = r.answerChallenge(ctx)
		default:
			if !gated {
				return page, nil
			}
			// The gate may have redirected elsewhere; load the requested page again.
			gated = false
			page, err = r.navigate(ctx, url)
		}
		if err == nil {
			continue
		}
		if halt(ctx, err) {
			return crawler.Page{}, err
		}
		r.logger.Warn("session step failed", zap.String("url", url), zap.Error(err))
		// Start over from the requested page; the budgets above still apply.
		page, err = r.navigate(ctx, url)
		if err != nil {
			return crawler.Page{}, err
		}
	}
}

func (r *run) answerChallenge(ctx context.Context) (crawler.Page, error) {
	solver := r.w.deps.Solver
	if solver == nil {
		return crawler.Page{}, fmt.Errorf("answer challenge: %w: %w", crawler.ErrChallengeFailed, errNoSolver)
	}
	image, err := r.w.deps.Browser.CaptureChallenge(ctx)
	if err != nil {
		return crawler.Page{}, err
	}
	answer, err := solver.Solve(ctx, image)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.Page{}, fmt.Errorf("solve challenge: %w", ctxErr)
		}
		return crawler.Page{}, fmt.Errorf("solve challenge: %w: %w", crawler.ErrChallengeFailed, err)
	}
	return r.w.deps.Browser.SubmitChallenge(ctx, answer)
}
