package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tosin-A/Cora-Lockin/models"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestQuotaStore_FreeTierExhaustion(t *testing.T) {
	db := newTestDB(t)
	store := NewQuotaStore(db)

	const userID = 1
	for i := 0; i < DefaultMessagesLimit; i++ {
		allowed, degraded, _, err := store.CheckMessageAllowed(userID)
		require.NoError(t, err)
		assert.False(t, degraded)
		require.True(t, allowed, "message %d should be allowed", i+1)
		require.NoError(t, store.IncrementMessages(userID))
	}

	allowed, _, stats, err := store.CheckMessageAllowed(userID)
	require.NoError(t, err)
	assert.False(t, allowed, "message beyond the free budget must be rejected")
	assert.Equal(t, DefaultMessagesLimit, stats.MessagesUsed)
	assert.Equal(t, 0, stats.MessagesRemaining)
	assert.Equal(t, 100.0, stats.UsagePercentage)
}

func TestQuotaStore_ProBypassesMessageLimit(t *testing.T) {
	db := newTestDB(t)
	store := NewQuotaStore(db)

	const userID = 2
	require.NoError(t, store.UpgradeToPro(userID))
	db.Model(&models.QuotaRecord{}).Where("user_id = ?", userID).
		Update("messages_used", DefaultMessagesLimit*5)

	allowed, _, stats, err := store.CheckMessageAllowed(userID)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.True(t, stats.IsPro)
	assert.Equal(t, -1, stats.MessagesRemaining)

	// Pro counters must not move.
	require.NoError(t, store.IncrementMessages(userID))
	var rec models.QuotaRecord
	require.NoError(t, db.Where("user_id = ?", userID).First(&rec).Error)
	assert.Equal(t, DefaultMessagesLimit*5, rec.MessagesUsed)
}

func TestQuotaStore_DailyResetExactlyOnce(t *testing.T) {
	db := newTestDB(t)
	store := NewQuotaStore(db)
	day1 := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store.now = fixedClock(day1)

	const userID = 3
	_, err := store.GetOrCreate(userID)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, store.IncrementMessages(userID))
	}
	store.RecordAICall(userID, "coach_chat", 120, 40, true, 900, "")

	store.now = fixedClock(day1.AddDate(0, 0, 1))
	rec, err := store.GetOrCreate(userID)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.MessagesUsed)
	assert.Equal(t, 0, rec.DailyCallsUsed)
	assert.Equal(t, 0, rec.DailyTokensUsed)
	assert.Equal(t, 1, rec.MonthlyCallsUsed, "monthly counter survives a day boundary")
	assert.Equal(t, "2026-08-25", rec.LastResetDate)

	// A second load on the same day must not reset anything again.
	require.NoError(t, store.IncrementMessages(userID))
	rec, err = store.GetOrCreate(userID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.MessagesUsed)
}

func TestQuotaStore_MonthlyReset(t *testing.T) {
	db := newTestDB(t)
	store := NewQuotaStore(db)
	store.now = fixedClock(time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC))

	const userID = 4
	_, err := store.GetOrCreate(userID)
	require.NoError(t, err)
	store.RecordAICall(userID, "coach_chat", 100, 30, true, 800, "")

	store.now = fixedClock(time.Date(2026, 9, 1, 1, 0, 0, 0, time.UTC))
	rec, err := store.GetOrCreate(userID)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.MonthlyCallsUsed)
	assert.Equal(t, 0, rec.DailyCallsUsed)
}

func TestQuotaStore_CostRules(t *testing.T) {
	db := newTestDB(t)
	store := NewQuotaStore(db)
	const userID = 5

	ok, reason := store.CheckAICallAllowed(userID, DefaultEstimatedTokens)
	assert.True(t, ok, reason)

	ok, reason = store.CheckAICallAllowed(userID, MaxTokensPerCall+1)
	assert.False(t, ok)
	assert.Contains(t, reason, "maximum per call")

	db.Model(&models.QuotaRecord{}).Where("user_id = ?", userID).
		Update("daily_calls_used", DefaultDailyCalls)
	ok, reason = store.CheckAICallAllowed(userID, DefaultEstimatedTokens)
	assert.False(t, ok)
	assert.Contains(t, reason, "daily AI call limit")

	db.Model(&models.QuotaRecord{}).Where("user_id = ?", userID).
		Updates(map[string]interface{}{"daily_calls_used": 0, "daily_tokens_used": DefaultDailyTokens - 50})
	ok, reason = store.CheckAICallAllowed(userID, DefaultEstimatedTokens)
	assert.False(t, ok)
	assert.Contains(t, reason, "token limit")

	db.Model(&models.QuotaRecord{}).Where("user_id = ?", userID).
		Updates(map[string]interface{}{"daily_tokens_used": 0, "is_blocked": true, "block_reason": "abuse review"})
	ok, reason = store.CheckAICallAllowed(userID, DefaultEstimatedTokens)
	assert.False(t, ok)
	assert.Equal(t, "abuse review", reason)
}

func TestQuotaStore_FailsOpenOnInfraError(t *testing.T) {
	db := newTestDB(t)
	store := NewQuotaStore(db)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	allowed, degraded, _, err := store.CheckMessageAllowed(9)
	require.NoError(t, err)
	assert.True(t, allowed, "infrastructure failure must not block chat")
	assert.True(t, degraded)

	ok, reason := store.CheckAICallAllowed(9, DefaultEstimatedTokens)
	assert.True(t, ok, reason)
}

func TestQuotaStore_RecordAICallFailureDoesNotCharge(t *testing.T) {
	db := newTestDB(t)
	store := NewQuotaStore(db)
	const userID = 6

	_, err := store.GetOrCreate(userID)
	require.NoError(t, err)
	store.RecordAICall(userID, "coach_chat", 0, 0, false, 1500, "upstream exploded")

	var rec models.QuotaRecord
	require.NoError(t, db.Where("user_id = ?", userID).First(&rec).Error)
	assert.Equal(t, 0, rec.DailyCallsUsed)
	assert.Equal(t, 0, rec.MonthlyCallsUsed)

	var logCount int64
	db.Model(&models.AICallLog{}).Where("user_id = ? AND success = ?", userID, false).Count(&logCount)
	assert.Equal(t, int64(1), logCount, "failed calls are still logged")
}
