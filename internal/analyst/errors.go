package analyst

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Transient provider failures. Both are retryable with backoff.
var (
	ErrRateLimited      = errors.New("analyst: rate limited")
	ErrModelUnavailable = errors.New("analyst: model unavailable")
)

// RateLimitError carries the provider-supplied retry hint, when one was
// given. Unwraps to ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("analyst: rate limited (retry after %s)", e.RetryAfter)
	}
	return "analyst: rate limited"
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// MalformedResponseError means the model output could not be decomposed
// into the labeled sections the extraction contract requires. Permanent
// for the alert; Raw keeps the full output for manual review.
type MalformedResponseError struct {
	Missing []string
	Raw     string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("analyst: malformed model response (%s): missing %s",
		parseVersion, strings.Join(e.Missing, ", "))
}
