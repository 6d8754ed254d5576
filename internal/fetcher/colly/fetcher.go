// Package collyfetcher downloads item thumbnails with gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
	"github.com/JakeFAU/orderhist-crawler/internal/metrics"
)

const defaultTimeout = 20 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// Referer is sent with every image request; image CDNs may refuse hotlinks without it.
	Referer string
	Timeout time.Duration
	// Transport overrides the default HTTP transport.
	Transport http.RoundTripper
}

// Fetcher implements crawler.ImageFetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

var _ crawler.ImageFetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if cfg.Transport != nil {
		c.WithTransport(cfg.Transport)
	} else {
		c.WithTransport(newHTTPTransport())
	}
	c.IgnoreRobotsTxt = true
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// FetchImage GETs url and returns the response body.
func (f *Fetcher) FetchImage(ctx context.Context, url string) ([]byte, error) {
	var (
		body     []byte
		status   int
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	f.configureCollectorHooks(collector, &body, &status, &fetchErr)

	if err := f.runCollector(ctx, collector, url, &status, &fetchErr); err != nil {
		return nil, err
	}
	metrics.ObserveImageBytes(url, len(body))
	return body, nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, body *[]byte, status *int, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "image/avif,image/webp,image/*,*/*;q=0.8")
		if f.cfg.Referer != "" {
			r.Headers.Set("Referer", f.cfg.Referer)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*status = r.StatusCode
		*body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			*status = r.StatusCode
		}
		*fetchErr = err
	})
}

// runCollector visits url and classifies the outcome. status and fetchErr are
// written by the collector goroutine and are only read after it has returned.
func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, status *int, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		err := fmt.Errorf("colly fetch canceled: %w", ctx.Err())
		if errors.Is(err, context.Canceled) {
			return err
		}
		return crawler.Transient(crawler.TypeOf(err), url, err)
	case err := <-done:
		if *fetchErr != nil {
			return classify(url, *status, fmt.Errorf("colly response failed: %w", *fetchErr))
		}
		if err != nil {
			return classify(url, *status, fmt.Errorf("colly visit failed: %w", err))
		}
		return nil
	}
}

// classify turns a failed download into a ledger-ready error. Missing images
// are permanent; everything else may succeed on a later attempt.
func classify(url string, status int, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	switch status {
	case http.StatusNotFound, http.StatusGone:
		return crawler.Permanent(crawler.ErrorTypeFetch, url, err)
	}
	return crawler.Transient(crawler.TypeOf(err), url, err)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
