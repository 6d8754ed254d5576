package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// RetryClass groups network-touching calls that share a retry budget.
type RetryClass string

// Retry classes.
const (
	RetryPage      RetryClass = "page"
	RetryLogin     RetryClass = "login"
	RetryChallenge RetryClass = "challenge"
	RetryFetch     RetryClass = "fetch"
	RetryThumbnail RetryClass = "thumbnail"
	RetryCategory  RetryClass = "category"
)

// DefaultBudgets returns the attempt budget for every retry class.
func DefaultBudgets() map[RetryClass]int {
	return map[RetryClass]int{
		RetryPage:      3,
		RetryLogin:     2,
		RetryChallenge: 2,
		RetryFetch:     2,
		RetryThumbnail: 3,
		RetryCategory:  2,
	}
}

// RetryConfig parameterizes a RetryPolicy. Budgets missing a class fall back to
// DefaultBudgets.
type RetryConfig struct {
	Budgets   map[RetryClass]int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// RetryPolicy decides whether and when to repeat a failed call.
type RetryPolicy struct {
	budgets   map[RetryClass]int
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewRetryPolicy builds a policy, filling unset fields with defaults.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	budgets := DefaultBudgets()
	for class, n := range cfg.Budgets {
		if n > 0 {
			budgets[class] = n
		}
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &RetryPolicy{
		budgets:   budgets,
		baseDelay: cfg.BaseDelay,
		maxDelay:  cfg.MaxDelay,
	}
}

// Attempts returns the total number of attempts allowed for class.
func (p *RetryPolicy) Attempts(class RetryClass) int {
	if n, ok := p.budgets[class]; ok && n > 0 {
		return n
	}
	return 1
}

// ShouldRetry reports whether another attempt is allowed after attempt (1-based) failed with err.
func (p *RetryPolicy) ShouldRetry(class RetryClass, err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.Attempts(class) {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind == KindTransient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return Classify(err) == OutcomeTransient
}

// Backoff returns the wait duration before the next attempt.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if p.baseDelay <= 0 {
		return 0
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
