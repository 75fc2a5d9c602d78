package services

import (
	"log"
)

// Estimated token cost charged against the daily budget when checking a chat
// turn before the real usage is known.
const DefaultEstimatedTokens = 150

// Admission is the result of a successful gate pass.
type Admission struct {
	Usage    UsageStats
	Degraded bool
}

// QuotaGateway is the single admission point for chat turns. It runs the
// rate-limit window first, then the message budget, then the cost dimension,
// and returns typed errors the HTTP layer maps to 429 and 402.
type QuotaGateway struct {
	quota   *QuotaStore
	limiter *RateLimiter
	abuse   *AbuseDetector
}

func NewQuotaGateway(quota *QuotaStore, limiter *RateLimiter, abuse *AbuseDetector) *QuotaGateway {
	return &QuotaGateway{quota: quota, limiter: limiter, abuse: abuse}
}

// CheckAndAdmit gates one chat turn for a user. Order matters: a rate-limited
// user should see 429 before a paywall, and a blocked or over-budget user
// should never consume an upstream call.
func (g *QuotaGateway) CheckAndAdmit(userID uint, content string, estimatedTokens int) (Admission, error) {
	if estimatedTokens <= 0 {
		estimatedTokens = DefaultEstimatedTokens
	}

	if err := g.limiter.Allow(UserIdentity(userID), "messages"); err != nil {
		return Admission{}, err
	}

	allowed, degraded, stats, err := g.quota.CheckMessageAllowed(userID)
	if err != nil {
		return Admission{}, err
	}
	if !allowed {
		return Admission{}, &QuotaExceededError{
			Reason: "free message limit reached",
			Usage:  stats,
		}
	}

	if ok, reason := g.quota.CheckAICallAllowed(userID, estimatedTokens); !ok {
		return Admission{}, &QuotaExceededError{Reason: reason, Usage: stats}
	}

	// Advisory only, never blocks the turn.
	go g.abuse.CheckAbuse(userID, content)

	if degraded {
		log.Printf("[gateway] admitting user %d in degraded mode", userID)
	}
	return Admission{Usage: stats, Degraded: degraded}, nil
}

// RecordUsage settles a finished turn against the counters. Message budget is
// only charged for successful turns.
func (g *QuotaGateway) RecordUsage(userID uint, callType string, tokensGenerated, tokensInput int, success bool, responseTimeMs int, errMsg string) {
	g.quota.RecordAICall(userID, callType, tokensGenerated, tokensInput, success, responseTimeMs, errMsg)
	if !success {
		return
	}
	if err := g.quota.IncrementMessages(userID); err != nil {
		log.Printf("[gateway] failed to charge message for user %d: %v", userID, err)
	}
}

// Usage exposes the current snapshot for the usage endpoint.
func (g *QuotaGateway) Usage(userID uint) (UsageStats, error) {
	return g.quota.UsageStats(userID)
}

// Upgrade marks a user as pro.
func (g *QuotaGateway) Upgrade(userID uint) error {
	return g.quota.UpgradeToPro(userID)
}
