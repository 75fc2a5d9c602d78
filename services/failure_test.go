package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyFailure(t *testing.T) {
	assert.Equal(t, FailureTimeout, ClassifyFailure(ErrUpstreamTimeout))
	assert.Equal(t, FailureTimeout, ClassifyFailure(context.DeadlineExceeded))
	assert.Equal(t, FailureCostLimit, ClassifyFailure(&QuotaExceededError{Reason: "daily limit"}))
	assert.Equal(t, FailureRateLimit, ClassifyFailure(&RateLimitedError{Reason: "too fast"}))
	assert.Equal(t, FailureModelUnavailable, ClassifyFailure(errors.New("model is overloaded")))
	assert.Equal(t, FailureError, ClassifyFailure(errors.New("something odd")))
}

func TestShouldRetryFailure(t *testing.T) {
	assert.True(t, ShouldRetryFailure(FailureTimeout, 0))
	assert.True(t, ShouldRetryFailure(FailureTimeout, 1))
	assert.False(t, ShouldRetryFailure(FailureTimeout, 2))
	assert.True(t, ShouldRetryFailure(FailureError, 0))
	assert.False(t, ShouldRetryFailure(FailureError, 1))
	assert.False(t, ShouldRetryFailure(FailureCostLimit, 0))
	assert.False(t, ShouldRetryFailure(FailureRateLimit, 0))
	assert.False(t, ShouldRetryFailure(FailureModelUnavailable, 0))
}

func TestFallbackResponse_Personalized(t *testing.T) {
	plain := FallbackResponse(FailureTimeout, "")
	assert.Equal(t, "That took longer than expected. Let me try a shorter response.", plain)

	named := FallbackResponse(FailureTimeout, "Sam")
	assert.True(t, strings.HasPrefix(named, "Hey Sam, that took"), "got %q", named)

	unknown := FallbackResponse("nonsense", "")
	assert.Equal(t, "Something went wrong. Can you rephrase that?", unknown)
}

func TestValidateResponseQuality(t *testing.T) {
	cases := []struct {
		name string
		text string
		ok   bool
	}{
		{"normal reply", "Let's set a concrete goal for this week.", true},
		{"empty", "   ", false},
		{"error marker", "[internal error: upstream]", false},
		{"too long", strings.Repeat("word ", 300), false},
		{"repetitive words", strings.Repeat("go ", 15), false},
		{"too few unique chars", "aaaa", false},
		{"short but real", "Yes!", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := ValidateResponseQuality(tc.text)
			assert.Equal(t, tc.ok, ok, "reason: %s", reason)
		})
	}
}
