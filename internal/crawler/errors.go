package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrAuthFailed means the sign-in form kept coming back after the login budget.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrChallengeFailed means the human-verification challenge was not solved.
	ErrChallengeFailed = errors.New("challenge not solved")
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStorage marks a failed write to the store. The run stops because
	// completion flags can no longer be trusted.
	ErrStorage = errors.New("store write failed")
)

// ErrorKind separates failures the crawl can step over from those it cannot.
type ErrorKind int

// Error kinds.
const (
	KindTransient ErrorKind = iota
	KindPermanent
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// FetchError is the failure variant returned across the browser and extraction boundary.
type FetchError struct {
	Kind ErrorKind
	Type ErrorType
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("%s %s: %v", e.Kind, e.Type, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Kind, e.Type, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure of the given type.
func Transient(typ ErrorType, url string, err error) error {
	return &FetchError{Kind: KindTransient, Type: typ, URL: url, Err: err}
}

// Permanent wraps err as a failure that retrying cannot fix.
func Permanent(typ ErrorType, url string, err error) error {
	return &FetchError{Kind: KindPermanent, Type: typ, URL: url, Err: err}
}

// Outcome is the result variant of a fallible call.
type Outcome int

// Outcomes returned by Classify.
const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomePermanent
	OutcomeFatal
	OutcomeCanceled
)

// Classify maps an error onto the outcome the state machine acts on. A
// cancelled context wins over every other cause: an interrupted run is never
// reported as fatal.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeCanceled
	}
	if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrChallengeFailed) || errors.Is(err, ErrStorage) {
		return OutcomeFatal
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		switch fe.Kind {
		case KindPermanent:
			return OutcomePermanent
		case KindFatal:
			return OutcomeFatal
		default:
			return OutcomeTransient
		}
	}
	return OutcomeTransient
}

// TypeOf returns the ledger error type for err.
func TypeOf(err error) ErrorType {
	var fe *FetchError
	if errors.As(err, &fe) && fe.Type != "" {
		return fe.Type
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}
	return ErrorTypeFetch
}
