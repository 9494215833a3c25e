package fetch

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a single item's failure.
//
// The executor's retry policy hangs off this classification:
//   - KindTransient and KindRateLimited are retried with backoff.
//   - KindNotFound is a permanent fact about the item; never retried.
//   - KindQuotaExceeded cannot be fixed within the same run; never retried.
type ErrorKind string

const (
	KindNotFound      ErrorKind = "not_found"
	KindRateLimited   ErrorKind = "rate_limited"
	KindQuotaExceeded ErrorKind = "quota_exceeded"
	KindTransient     ErrorKind = "transient"
)

// Retryable reports whether the kind may succeed on a later attempt within the same run.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// ItemError wraps a fetch/store failure for one item with its classification.
type ItemError struct {
	Kind   ErrorKind
	ItemID string
	Err    error

	// After is an optional server-provided retry hint (e.g. HTTP Retry-After).
	After time.Duration
}

func (e *ItemError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.ItemID, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.ItemID, e.Kind, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// RetryAfter returns the server-suggested retry delay, or 0 if none was given.
func (e *ItemError) RetryAfter() time.Duration { return e.After }

func NotFound(itemID string, err error) error {
	return &ItemError{Kind: KindNotFound, ItemID: itemID, Err: err}
}

func RateLimited(itemID string, err error, after time.Duration) error {
	if after < 0 {
		after = 0
	}
	return &ItemError{Kind: KindRateLimited, ItemID: itemID, Err: err, After: after}
}

func QuotaExceeded(itemID string, err error) error {
	return &ItemError{Kind: KindQuotaExceeded, ItemID: itemID, Err: err}
}

func Transient(itemID string, err error) error {
	return &ItemError{Kind: KindTransient, ItemID: itemID, Err: err}
}

// KindOf extracts the classification from err.
// Timeouts and anything unclassified count as transient.
func KindOf(err error) ErrorKind {
	var ie *ItemError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindTransient
}

// HintOf extracts a retry-after hint from err, or 0.
func HintOf(err error) time.Duration {
	var ie *ItemError
	if errors.As(err, &ie) {
		return ie.After
	}
	return 0
}
