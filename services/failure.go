package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Failure classes and their canned fallback responses. A failed turn still
// answers the user; the original error stays in the logs.

const (
	FailureTimeout          = "timeout"
	FailureRateLimit        = "rate_limit"
	FailureCostLimit        = "cost_limit"
	FailureModelUnavailable = "model_unavailable"
	FailureError            = "error"
)

var fallbackResponses = map[string]string{
	FailureModelUnavailable: "I'm having trouble processing that right now. Can you try again in a moment?",
	FailureRateLimit:        "I'm getting a lot of messages right now. Let me catch up and I'll respond soon!",
	FailureCostLimit:        "I've reached my daily limit. I'll be back tomorrow!",
	FailureError:            "Something went wrong. Can you rephrase that?",
	FailureTimeout:          "That took longer than expected. Let me try a shorter response.",
}

// FallbackResponse returns the canned reply for a failure class, optionally
// personalized with the user's name.
func FallbackResponse(failureType, userName string) string {
	resp, ok := fallbackResponses[failureType]
	if !ok {
		resp = fallbackResponses[FailureError]
	}
	if userName != "" {
		return fmt.Sprintf("Hey %s, %s%s", userName, strings.ToLower(resp[:1]), resp[1:])
	}
	return resp
}

// ClassifyFailure maps an error from the turn pipeline to a failure class.
func ClassifyFailure(err error) string {
	if err == nil {
		return FailureError
	}
	if errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var quotaErr *QuotaExceededError
	if errors.As(err, &quotaErr) {
		return FailureCostLimit
	}
	var rateErr *RateLimitedError
	if errors.As(err, &rateErr) {
		return FailureRateLimit
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return FailureTimeout
	case strings.Contains(msg, "limit") || strings.Contains(msg, "quota"):
		return FailureCostLimit
	case strings.Contains(msg, "model") || strings.Contains(msg, "unavailable") || strings.Contains(msg, "overloaded"):
		return FailureModelUnavailable
	default:
		return FailureError
	}
}

// ShouldRetryFailure reports whether a failure class may be retried again.
// Only transient classes are retried; limit-class and unavailable-model
// failures never are.
func ShouldRetryFailure(failureType string, retryCount int) bool {
	maxRetries := map[string]int{
		FailureTimeout:          2,
		FailureError:            1,
		FailureModelUnavailable: 0,
		FailureCostLimit:        0,
		FailureRateLimit:        0,
	}
	max, ok := maxRetries[failureType]
	if !ok {
		max = 1
	}
	return retryCount < max
}

// Response-quality gate: a malformed generation is replaced by a fallback
// rather than forwarded to the client.

const maxResponseLength = 1000

// ValidateResponseQuality checks generated text before it is returned.
func ValidateResponseQuality(text string) (bool, string) {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 1 {
		return false, "response is empty"
	}
	if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
		return false, "response contains error marker"
	}
	if len(text) > maxResponseLength {
		return false, fmt.Sprintf("response too long (%d chars, max %d)", len(text), maxResponseLength)
	}
	words := strings.Fields(text)
	if len(words) > 10 {
		unique := make(map[string]struct{}, len(words))
		for _, w := range words {
			unique[w] = struct{}{}
		}
		if len(unique) < 3 {
			return false, "response is too repetitive"
		}
	}
	uniqueChars := make(map[rune]struct{})
	for _, r := range trimmed {
		uniqueChars[r] = struct{}{}
	}
	if len(uniqueChars) < 3 {
		return false, "response contains too few unique characters"
	}
	return true, ""
}
