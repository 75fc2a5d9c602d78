package services

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy for the admission and turn pipeline. Soft errors
// (QuotaExceeded, RateLimited) are user-facing and never retried; upstream
// errors map to fallback responses.

// QuotaExceededError rejects a turn on the message or cost dimension. It
// carries the usage snapshot so the client can render the paywall.
type QuotaExceededError struct {
	Reason string
	Usage  UsageStats
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s", e.Reason)
}

// RateLimitedError rejects a request that exhausted its fixed window.
type RateLimitedError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s (retry after %s)", e.Reason, e.RetryAfter)
}

// TurnFailedError is a terminal external run failure (failed, cancelled,
// expired). Not retryable; the caller substitutes a fallback response.
type TurnFailedError struct {
	Status string
	Reason string
}

func (e *TurnFailedError) Error() string {
	return fmt.Sprintf("turn %s: %s", e.Status, e.Reason)
}

var (
	// ErrUpstreamTimeout marks a turn whose terminal state is unknown because
	// the overall deadline expired. Never retried automatically.
	ErrUpstreamTimeout = errors.New("upstream conversation service timed out")

	// ErrTurnActive means another turn for the same session is still running.
	ErrTurnActive = errors.New("a turn is already in progress for this session")
)
