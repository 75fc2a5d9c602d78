package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/Tosin-A/Cora-Lockin/models"
)

// Default limits (overridable per user row)
const (
	DefaultMessagesLimit = 10
	DefaultDailyCalls    = 100
	DefaultMonthlyCalls  = 3000
	DefaultDailyTokens   = 50000

	// Safety boundary for a single generation
	MaxTokensPerCall = 200
)

// UsageStats is the snapshot returned with admissions, rejections and the
// usage endpoint. MessagesRemaining is -1 for pro users (unlimited).
type UsageStats struct {
	MessagesUsed      int     `json:"messages_used"`
	MessagesLimit     int     `json:"messages_limit"`
	MessagesRemaining int     `json:"messages_remaining"`
	IsPro             bool    `json:"is_pro"`
	UsagePercentage   float64 `json:"usage_percentage"`
}

// QuotaStore owns the per-user quota rows. All counter mutations are single
// atomic UPDATEs; the daily/monthly reset is one conditional UPDATE so it
// runs exactly once per boundary even under concurrent access.
type QuotaStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewQuotaStore(db *gorm.DB) *QuotaStore {
	return &QuotaStore{db: db, now: time.Now}
}

func (s *QuotaStore) today() string {
	return s.now().UTC().Format("2006-01-02")
}

// GetOrCreate loads the quota row for a user, creating it lazily and applying
// any pending reset first.
func (s *QuotaStore) GetOrCreate(userID uint) (*models.QuotaRecord, error) {
	if err := s.applyResets(userID); err != nil {
		return nil, err
	}

	var rec models.QuotaRecord
	err := s.db.Where("user_id = ?", userID).First(&rec).Error
	if err == nil {
		return &rec, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load quota record: %w", err)
	}

	rec = models.QuotaRecord{
		UserID:            userID,
		MessagesLimit:     DefaultMessagesLimit,
		DailyCallsLimit:   DefaultDailyCalls,
		MonthlyCallsLimit: DefaultMonthlyCalls,
		DailyTokensLimit:  DefaultDailyTokens,
		LastResetDate:     s.today(),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		// Concurrent first access: another request created the row, use theirs.
		var existing models.QuotaRecord
		if ferr := s.db.Where("user_id = ?", userID).First(&existing).Error; ferr == nil {
			return &existing, nil
		}
		return nil, fmt.Errorf("create quota record: %w", err)
	}
	log.Printf("[quota] created default limits for user %d", userID)
	return &rec, nil
}

// applyResets zeroes daily counters (and monthly on a month change) when the
// stored reset date is behind today. The WHERE clause makes the reset
// idempotent: of N concurrent callers exactly one row update wins.
func (s *QuotaStore) applyResets(userID uint) error {
	today := s.today()

	// Month rollover first: the daily reset below rewrites last_reset_date,
	// which is the only record of which month the counters belong to.
	monthPrefix := s.now().UTC().Format("2006-01")
	res := s.db.Model(&models.QuotaRecord{}).
		Where("user_id = ? AND monthly_calls_used > 0 AND last_reset_date NOT LIKE ?", userID, monthPrefix+"%").
		Update("monthly_calls_used", 0)
	if res.Error != nil {
		return fmt.Errorf("monthly reset: %w", res.Error)
	}

	res = s.db.Model(&models.QuotaRecord{}).
		Where("user_id = ? AND last_reset_date < ?", userID, today).
		Updates(map[string]interface{}{
			"messages_used":     0,
			"daily_calls_used":  0,
			"daily_tokens_used": 0,
			"last_reset_date":   today,
		})
	if res.Error != nil {
		return fmt.Errorf("daily reset: %w", res.Error)
	}
	return nil
}

// CheckMessageAllowed applies the free-tier message budget. Pro users always
// pass. Infrastructure errors fail open (degraded=true) so a quota-store
// outage cannot take chat down.
func (s *QuotaStore) CheckMessageAllowed(userID uint) (allowed bool, degraded bool, stats UsageStats, err error) {
	rec, err := s.GetOrCreate(userID)
	if err != nil {
		log.Printf("[quota] [degraded] message check for user %d failed open: %v", userID, err)
		return true, true, UsageStats{MessagesLimit: DefaultMessagesLimit, MessagesRemaining: DefaultMessagesLimit}, nil
	}
	stats = statsFor(rec)
	if rec.IsPro {
		return true, false, stats, nil
	}
	return rec.MessagesUsed < rec.MessagesLimit, false, stats, nil
}

// CheckAICallAllowed applies the cost dimension. Business-limit rejections
// fail closed; infrastructure errors fail open.
func (s *QuotaStore) CheckAICallAllowed(userID uint, estimatedTokens int) (bool, string) {
	rec, err := s.GetOrCreate(userID)
	if err != nil {
		log.Printf("[quota] [degraded] cost check for user %d failed open: %v", userID, err)
		return true, ""
	}
	if rec.IsBlocked {
		reason := rec.BlockReason
		if reason == "" {
			reason = "user is blocked"
		}
		return false, reason
	}
	if rec.DailyCallsUsed >= rec.DailyCallsLimit {
		return false, fmt.Sprintf("daily AI call limit reached (%d calls)", rec.DailyCallsLimit)
	}
	if rec.MonthlyCallsUsed >= rec.MonthlyCallsLimit {
		return false, fmt.Sprintf("monthly AI call limit reached (%d calls)", rec.MonthlyCallsLimit)
	}
	if rec.DailyTokensUsed+estimatedTokens > rec.DailyTokensLimit {
		return false, fmt.Sprintf("daily token limit would be exceeded (%d tokens)", rec.DailyTokensLimit)
	}
	if estimatedTokens > MaxTokensPerCall {
		return false, fmt.Sprintf("requested tokens (%d) exceeds maximum per call (%d)", estimatedTokens, MaxTokensPerCall)
	}
	return true, ""
}

// IncrementMessages bumps the message counter after a successful turn.
// Pro users are excluded by the WHERE clause, and the increment is a single
// SQL expression so concurrent turns never lose updates.
func (s *QuotaStore) IncrementMessages(userID uint) error {
	res := s.db.Model(&models.QuotaRecord{}).
		Where("user_id = ? AND is_pro = ?", userID, false).
		UpdateColumn("messages_used", gorm.Expr("messages_used + ?", 1))
	if res.Error != nil {
		return fmt.Errorf("increment messages: %w", res.Error)
	}
	return nil
}

// RecordAICall logs a completed generation and, when it succeeded, bumps the
// call and token counters atomically.
func (s *QuotaStore) RecordAICall(userID uint, callType string, tokensGenerated, tokensInput int, success bool, responseTimeMs int, errMsg string) {
	entry := models.AICallLog{
		UserID:          userID,
		CallType:        callType,
		TokensGenerated: tokensGenerated,
		TokensInput:     tokensInput,
		Success:         success,
		ResponseTimeMs:  responseTimeMs,
		ErrorMessage:    errMsg,
		CreatedAt:       s.now(),
	}
	if err := s.db.Create(&entry).Error; err != nil {
		log.Printf("[quota] failed to log AI call for user %d: %v", userID, err)
	}
	if !success {
		return
	}
	res := s.db.Model(&models.QuotaRecord{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"daily_calls_used":   gorm.Expr("daily_calls_used + ?", 1),
			"monthly_calls_used": gorm.Expr("monthly_calls_used + ?", 1),
			"daily_tokens_used":  gorm.Expr("daily_tokens_used + ?", tokensGenerated),
		})
	if res.Error != nil {
		log.Printf("[quota] failed to record usage for user %d: %v", userID, res.Error)
	}
}

// UsageStats returns the message-budget snapshot for a user.
func (s *QuotaStore) UsageStats(userID uint) (UsageStats, error) {
	rec, err := s.GetOrCreate(userID)
	if err != nil {
		return UsageStats{MessagesLimit: DefaultMessagesLimit, MessagesRemaining: DefaultMessagesLimit}, err
	}
	return statsFor(rec), nil
}

// UpgradeToPro marks a user as pro (called by the billing webhook).
func (s *QuotaStore) UpgradeToPro(userID uint) error {
	if _, err := s.GetOrCreate(userID); err != nil {
		return err
	}
	now := s.now()
	res := s.db.Model(&models.QuotaRecord{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{"is_pro": true, "pro_upgraded_at": &now})
	if res.Error != nil {
		return fmt.Errorf("upgrade to pro: %w", res.Error)
	}
	log.Printf("[quota] upgraded user %d to pro", userID)
	return nil
}

func statsFor(rec *models.QuotaRecord) UsageStats {
	stats := UsageStats{
		MessagesUsed:  rec.MessagesUsed,
		MessagesLimit: rec.MessagesLimit,
		IsPro:         rec.IsPro,
	}
	if rec.IsPro {
		stats.MessagesRemaining = -1
		stats.UsagePercentage = 100.0
		return stats
	}
	remaining := rec.MessagesLimit - rec.MessagesUsed
	if remaining < 0 {
		remaining = 0
	}
	stats.MessagesRemaining = remaining
	if rec.MessagesLimit > 0 {
		pct := float64(rec.MessagesUsed) / float64(rec.MessagesLimit) * 100.0
		if pct > 100.0 {
			pct = 100.0
		}
		stats.UsagePercentage = pct
	}
	return stats
}
