// Package headless drives the signed-in browser session with chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
	"github.com/JakeFAU/orderhist-crawler/internal/metrics"
)

// Selectors of the sign-in and verification forms.
const (
	selEmail          = `#ap_email`
	selContinue       = `#continue`
	selPassword       = `#ap_password`
	selRememberMe     = `input[name='rememberMe']`
	selSignIn         = `#signInSubmit`
	selCaptchaImage   = `img[alt='captcha']`
	selCaptchaInput   = `input[name='cvf_captcha_input']`
	selCaptchaSubmit  = `input[type='submit']`
	defaultNavTimeout = 45 * time.Second
	settleDelay       = 500 * time.Millisecond
)

// Navigation kinds reported to metrics.
const (
	kindNavigate  = "navigate"
	kindLogin     = "login"
	kindChallenge = "challenge"
)

// Config controls the browser session.
type Config struct {
	ExecPath          string
	UserDataDir       string
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
	Logger            *zap.Logger
}

// Browser implements crawler.Browser over one long-lived Chrome tab, so the
// sign-in cookies and any pending challenge survive between calls.
type Browser struct {
	cfg         Config
	logger      *zap.Logger
	allocCancel context.CancelFunc
	tab         context.Context
	tabCancel   context.CancelFunc

	mu     sync.Mutex
	closed bool
}

var _ crawler.Browser = (*Browser)(nil)

// NewChromedp starts Chrome and opens the session tab.
func NewChromedp(cfg Config) (*Browser, error) {
	if cfg.NavigationTimeout < 0 {
		return nil, fmt.Errorf("navigation timeout must be >= 0")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	tab, tabCancel := chromedp.NewContext(allocCtx)

	return &Browser{
		cfg:         cfg,
		logger:      logger,
		allocCancel: allocCancel,
		tab:         tab,
		tabCancel:   tabCancel,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("lang", "ja-JP"),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	return opts
}

// Close shuts the tab and the browser process. It is safe to call twice.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.tabCancel()
	b.allocCancel()
}

// Navigate loads url and returns the rendered document.
func (b *Browser) Navigate(ctx context.Context, url string) (crawler.Page, error) {
	return b.run(ctx, kindNavigate, url,
		b.setupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
	)
}

// SubmitLogin fills the sign-in form. The e-mail step is skipped when the site
// only asks for the password.
func (b *Browser) SubmitLogin(ctx context.Context, creds crawler.Credentials) (crawler.Page, error) {
	return b.run(ctx, kindLogin, "",
		chromedp.ActionFunc(func(ctx context.Context) error {
			if present(ctx, selEmail) {
				if err := chromedp.Run(ctx,
					chromedp.SetValue(selEmail, creds.User, chromedp.ByQuery),
					chromedp.Click(selContinue, chromedp.ByQuery),
					chromedp.WaitVisible(selPassword, chromedp.ByQuery),
				); err != nil {
					return fmt.Errorf("submit email: %w", err)
				}
			}
			return nil
		}),
		chromedp.SendKeys(selPassword, creds.Password, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if present(ctx, selRememberMe) {
				return chromedp.Click(selRememberMe, chromedp.ByQuery).Do(ctx)
			}
			return nil
		}),
		chromedp.Click(selSignIn, chromedp.ByQuery),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
	)
}

// CaptureChallenge screenshots the verification image on the current page.
func (b *Browser) CaptureChallenge(ctx context.Context) ([]byte, error) {
	var buf []byte
	runCtx, cancel, err := b.runContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	start := time.Now()
	err = chromedp.Run(runCtx,
		chromedp.WaitVisible(selCaptchaImage, chromedp.ByQuery),
		chromedp.Screenshot(selCaptchaImage, &buf, chromedp.ByQuery),
	)
	if err != nil {
		metrics.ObserveNavigation(kindChallenge, "error", time.Since(start))
		return nil, classify(ctx, "", err)
	}
	metrics.ObserveNavigation(kindChallenge, "ok", time.Since(start))
	if len(buf) == 0 {
		return nil, crawler.Transient(crawler.ErrorTypeFetch, "", errors.New("empty challenge image"))
	}
	return buf, nil
}

// SubmitChallenge types the answer into the verification form.
func (b *Browser) SubmitChallenge(ctx context.Context, answer string) (crawler.Page, error) {
	return b.run(ctx, kindChallenge, "",
		chromedp.SendKeys(selCaptchaInput, answer, chromedp.ByQuery),
		chromedp.Click(selCaptchaSubmit, chromedp.ByQuery),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
	)
}

func (b *Browser) run(ctx context.Context, kind, url string, actions ...chromedp.Action) (crawler.Page, error) {
	runCtx, cancel, err := b.runContext(ctx)
	if err != nil {
		return crawler.Page{}, err
	}
	defer cancel()

	var (
		page crawler.Page
		html string
	)
	actions = append(actions,
		chromedp.Location(&page.URL),
		chromedp.Title(&page.Title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	start := time.Now()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		metrics.ObserveNavigation(kind, "error", time.Since(start))
		b.logger.Debug("browser action failed", zap.String("kind", kind), zap.String("url", url), zap.Error(err))
		return crawler.Page{}, classify(ctx, url, err)
	}
	metrics.ObserveNavigation(kind, "ok", time.Since(start))
	page.HTML = []byte(html)
	return page, nil
}

// runContext derives a per-call context from the session tab that also ends
// when the caller's ctx does.
func (b *Browser) runContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, nil, fmt.Errorf("browser closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("browser call: %w", err)
	}
	runCtx, cancel := context.WithTimeout(b.tab, b.navTimeout())
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}, nil
}

func (b *Browser) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (b *Browser) navTimeout() time.Duration {
	if b.cfg.NavigationTimeout > 0 {
		return b.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

func present(ctx context.Context, sel string) bool {
	var nodes []*cdp.Node
	if err := chromedp.Nodes(sel, &nodes, chromedp.ByQuery, chromedp.AtLeast(0)).Do(ctx); err != nil {
		return false
	}
	return len(nodes) > 0
}

// classify maps a chromedp failure onto the crawl's error taxonomy. The
// caller's own cancellation is passed through untouched.
func classify(callerCtx context.Context, url string, err error) error {
	if callerErr := callerCtx.Err(); callerErr != nil {
		return fmt.Errorf("browser call: %w", callerErr)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return crawler.Transient(crawler.ErrorTypeTimeout, url, err)
	}
	return crawler.Transient(crawler.ErrorTypeFetch, url, err)
}
