package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Tosin-A/Cora-Lockin/models"
	"github.com/Tosin-A/Cora-Lockin/utils"
)

// Per-user fixed-window limits by endpoint class. These complement the
// in-memory per-IP limiter in middleware: that one shields the edge, this one
// is durable and survives restarts.

type limitRule struct {
	Max    int
	Window time.Duration
}

var limitRules = map[string]limitRule{
	"messages": {Max: 50, Window: 60 * time.Minute},
	"api":      {Max: 200, Window: 60 * time.Minute},
	"insights": {Max: 20, Window: 60 * time.Minute},
	"webhook":  {Max: 100, Window: 60 * time.Minute},
}

// RateLimiter keeps fixed-window counters per (identity, endpoint). Counts go
// through Redis when it is configured; otherwise an upsert-increment on the
// rate_limit_windows table keeps the check race safe on plain MySQL.
type RateLimiter struct {
	db    *gorm.DB
	redis *redis.Client
	now   func() time.Time
}

func NewRateLimiter(db *gorm.DB) *RateLimiter {
	return &RateLimiter{db: db, redis: utils.RedisClient, now: time.Now}
}

// Allow consumes one request from the window for identity+endpoint. On a full
// window it returns a RateLimitedError with the time until the window rolls.
// Infrastructure failures fail open.
func (l *RateLimiter) Allow(identity, endpoint string) error {
	rule, ok := limitRules[endpoint]
	if !ok {
		rule = limitRules["api"]
	}
	now := l.now().UTC()
	windowStart := now.Truncate(rule.Window)
	windowEnd := windowStart.Add(rule.Window)

	count, err := l.count(identity, endpoint, windowStart, windowEnd, rule)
	if err != nil {
		log.Printf("[ratelimit] [degraded] %s/%s failed open: %v", identity, endpoint, err)
		return nil
	}
	if count > rule.Max {
		retryAfter := windowEnd.Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return &RateLimitedError{
			Reason:     fmt.Sprintf("%s limit of %d per %s reached", endpoint, rule.Max, rule.Window),
			RetryAfter: retryAfter,
		}
	}
	return nil
}

// count increments and returns the running total for the current window.
func (l *RateLimiter) count(identity, endpoint string, windowStart, windowEnd time.Time, rule limitRule) (int, error) {
	if l.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		key := fmt.Sprintf("rl:%s:%s:%d", identity, endpoint, windowStart.Unix())
		n, err := l.redis.Incr(ctx, key).Result()
		if err == nil {
			if n == 1 {
				l.redis.Expire(ctx, key, windowEnd.Sub(l.now())+time.Minute)
			}
			return int(n), nil
		}
		log.Printf("[ratelimit] redis unavailable, falling back to database: %v", err)
	}

	row := models.RateLimitWindow{
		Identity:     identity,
		Endpoint:     endpoint,
		WindowStart:  windowStart,
		WindowEnd:    windowEnd,
		RequestCount: 1,
	}
	err := l.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "identity"}, {Name: "endpoint"}, {Name: "window_start"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"request_count": gorm.Expr("request_count + 1"),
		}),
	}).Create(&row).Error
	if err != nil {
		return 0, fmt.Errorf("upsert rate window: %w", err)
	}

	var current models.RateLimitWindow
	err = l.db.Where("identity = ? AND endpoint = ? AND window_start = ?", identity, endpoint, windowStart).
		First(&current).Error
	if err != nil {
		return 0, fmt.Errorf("read rate window: %w", err)
	}
	return current.RequestCount, nil
}

// Sweep deletes expired windows. Called from the background scheduler.
func (l *RateLimiter) Sweep() {
	res := l.db.Where("window_end < ?", l.now().UTC()).Delete(&models.RateLimitWindow{})
	if res.Error != nil {
		log.Printf("[ratelimit] sweep failed: %v", res.Error)
		return
	}
	if res.RowsAffected > 0 {
		log.Printf("[ratelimit] swept %d expired windows", res.RowsAffected)
	}
}

// UserIdentity and IPIdentity build the identity keys used by Allow.
func UserIdentity(userID uint) string { return fmt.Sprintf("u:%d", userID) }
func IPIdentity(addr string) string   { return "ip:" + addr }

// Abuse detection thresholds. Detection is advisory: findings go to the
// abuse_logs table and the application log, enforcement stays with the
// limiter and quota layers.
const (
	spamWindow       = 5 * time.Minute
	spamThreshold    = 10
	callBurstWindow  = 1 * time.Minute
	callBurstMax     = 20
	repetitionWindow = 10 * time.Minute
)

// AbuseDetector inspects recent per-user activity for spam and burst patterns.
type AbuseDetector struct {
	db  *gorm.DB
	now func() time.Time
}

func NewAbuseDetector(db *gorm.DB) *AbuseDetector {
	return &AbuseDetector{db: db, now: time.Now}
}

// CheckAbuse runs all detectors for a user and records any findings. The
// latest incoming message content feeds the repetition check.
func (d *AbuseDetector) CheckAbuse(userID uint, latestContent string) {
	now := d.now()

	var msgCount int64
	err := d.db.Model(&models.Message{}).
		Where("user_id = ? AND direction = ? AND created_at > ?", userID, models.DirectionIncoming, now.Add(-spamWindow)).
		Count(&msgCount).Error
	if err != nil {
		log.Printf("[abuse] spam check failed for user %d: %v", userID, err)
	} else if msgCount >= spamThreshold {
		d.record(userID, "spam", "medium", fmt.Sprintf("%d messages in %s", msgCount, spamWindow))
	}

	var callCount int64
	err = d.db.Model(&models.AICallLog{}).
		Where("user_id = ? AND created_at > ?", userID, now.Add(-callBurstWindow)).
		Count(&callCount).Error
	if err != nil {
		log.Printf("[abuse] call burst check failed for user %d: %v", userID, err)
	} else if callCount >= callBurstMax {
		d.record(userID, "excessive_calls", "high", fmt.Sprintf("%d AI calls in %s", callCount, callBurstWindow))
	}

	if latestContent != "" {
		d.checkRepetition(userID, latestContent, now)
	}
}

func (d *AbuseDetector) checkRepetition(userID uint, latest string, now time.Time) {
	var recent []models.Message
	err := d.db.Where("user_id = ? AND direction = ? AND created_at > ?", userID, models.DirectionIncoming, now.Add(-repetitionWindow)).
		Order("created_at DESC").
		Limit(5).
		Find(&recent).Error
	if err != nil {
		log.Printf("[abuse] repetition check failed for user %d: %v", userID, err)
		return
	}
	same := 0
	norm := strings.ToLower(strings.TrimSpace(latest))
	for _, m := range recent {
		if strings.ToLower(strings.TrimSpace(m.Content)) == norm {
			same++
		}
	}
	if same >= 3 {
		d.record(userID, "suspicious_pattern", "low", fmt.Sprintf("message repeated %d times in %s", same, repetitionWindow))
	}
}

func (d *AbuseDetector) record(userID uint, abuseType, severity, details string) {
	entry := models.AbuseLog{
		UserID:    userID,
		AbuseType: abuseType,
		Severity:  severity,
		Details:   details,
		CreatedAt: d.now(),
	}
	if err := d.db.Create(&entry).Error; err != nil {
		log.Printf("[abuse] failed to record %s for user %d: %v", abuseType, userID, err)
		return
	}
	log.Printf("[abuse] user %d flagged: type=%s severity=%s (%s)", userID, abuseType, severity, details)
}
