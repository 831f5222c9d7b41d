package contract

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrSchemaViolation    = errors.New("model response violates schema")
	ErrTransientUpstream  = errors.New("transient upstream failure")
	ErrPermanentUpstream  = errors.New("permanent upstream failure")
	ErrRateLimited        = errors.New("upstream rate limited")
	ErrDuplicateEvent     = errors.New("duplicate event")
	ErrReconciliationMiss = errors.New("no call record matches reference")
	ErrBudgetExceeded     = errors.New("orchestration budget exceeded")
)

// RateLimitError carries the delay an upstream asked us to wait before
// retrying. errors.Is(err, ErrRateLimited) holds for it.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("upstream rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RateLimitDelay extracts the advised retry delay from err, if any.
func RateLimitDelay(err error) (time.Duration, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}
