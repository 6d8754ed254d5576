package headless

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewChromedp(Config{NavigationTimeout: -time.Second}); err == nil {
		t.Fatal("expected error for negative navigation timeout")
	}
	browser, err := NewChromedp(Config{Headless: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	browser.Close()
	browser.Close()
}

func TestBrowserNavTimeoutDefault(t *testing.T) {
	t.Parallel()

	browser := &Browser{}
	if got := browser.navTimeout(); got != defaultNavTimeout {
		t.Fatalf("expected default nav timeout, got %v", got)
	}
	browser.cfg.NavigationTimeout = time.Second
	if got := browser.navTimeout(); got != time.Second {
		t.Fatalf("expected override to be used, got %v", got)
	}
}

func TestAllocatorOptionsGrowWithConfig(t *testing.T) {
	t.Parallel()

	base := len(allocatorOptions(Config{Headless: true}))
	full := len(allocatorOptions(Config{Headless: true, ExecPath: "/usr/bin/chromium", UserDataDir: t.TempDir()}))
	if full != base+2 {
		t.Fatalf("expected exec path and user data dir options, got %d vs %d", full, base)
	}
	if len(allocatorOptions(Config{})) <= len(chromedp.DefaultExecAllocatorOptions) {
		t.Fatal("expected extra flags on top of the defaults")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	live := context.Background()
	timeout := classify(live, "https://example.com/a", fmt.Errorf("run: %w", context.DeadlineExceeded))
	if crawler.TypeOf(timeout) != crawler.ErrorTypeTimeout || crawler.Classify(timeout) != crawler.OutcomeTransient {
		t.Fatalf("expected transient timeout, got %v", timeout)
	}

	other := classify(live, "https://example.com/a", errors.New("could not find node"))
	if crawler.TypeOf(other) != crawler.ErrorTypeFetch || crawler.Classify(other) != crawler.OutcomeTransient {
		t.Fatalf("expected transient fetch, got %v", other)
	}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	err := classify(canceled, "https://example.com/a", context.Canceled)
	if crawler.Classify(err) != crawler.OutcomeCanceled {
		t.Fatalf("expected caller cancellation to pass through, got %v", err)
	}
}

func TestRunContextAfterClose(t *testing.T) {
	t.Parallel()

	browser, err := NewChromedp(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	browser.Close()
	if _, err := browser.Navigate(context.Background(), "https://example.com"); err == nil {
		t.Fatal("expected error from a closed browser")
	}
}

func TestRunContextHonorsCallerCancel(t *testing.T) {
	t.Parallel()

	browser, err := NewChromedp(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer browser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := browser.CaptureChallenge(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
