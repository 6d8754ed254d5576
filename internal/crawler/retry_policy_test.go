package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDefaultBudgets(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(RetryConfig{})
	cases := map[RetryClass]int{
		RetryPage:      3,
		RetryLogin:     2,
		RetryChallenge: 2,
		RetryFetch:     2,
		RetryThumbnail: 3,
		RetryCategory:  2,
	}
	for class, want := range cases {
		require.Equal(t, want, p.Attempts(class), class)
	}
	require.Equal(t, 1, p.Attempts(RetryClass("unknown")))
}

func TestRetryPolicyOverridesBudget(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(RetryConfig{Budgets: map[RetryClass]int{RetryPage: 5, RetryFetch: 0}})
	require.Equal(t, 5, p.Attempts(RetryPage))
	require.Equal(t, 2, p.Attempts(RetryFetch))
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(RetryConfig{})
	transient := Transient(ErrorTypeTimeout, "https://example.com", context.DeadlineExceeded)

	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{name: "nil error", err: nil, attempt: 1, want: false},
		{name: "transient within budget", err: transient, attempt: 1, want: true},
		{name: "transient wrapped", err: fmt.Errorf("visit: %w", transient), attempt: 2, want: true},
		{name: "budget exhausted", err: transient, attempt: 3, want: false},
		{name: "permanent", err: Permanent(ErrorTypeNoDetailLink, "u", errors.New("x")), attempt: 1, want: false},
		{name: "canceled", err: context.Canceled, attempt: 1, want: false},
		{name: "bare deadline", err: context.DeadlineExceeded, attempt: 1, want: false},
		{name: "auth failure", err: ErrAuthFailed, attempt: 1, want: false},
		{name: "plain error", err: errors.New("boom"), attempt: 1, want: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, p.ShouldRetry(RetryPage, tc.err, tc.attempt))
		})
	}
}

func TestRetryPolicyBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond})
	for attempt := 1; attempt <= 6; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 400*time.Millisecond)
	}
	require.Zero(t, NewRetryPolicy(RetryConfig{}).Backoff(3))
}
