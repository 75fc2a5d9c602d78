package services

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tosin-A/Cora-Lockin/models"
)

func TestNotifier_DaytimeDeliversImmediately(t *testing.T) {
	db := newTestDB(t)
	n := NewNotifier(db)
	noon := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	n.now = fixedClock(noon)

	require.NoError(t, db.Create(&models.User{ID: 1, Name: "Ada", Email: "ada@example.com", Timezone: "UTC"}).Error)

	n.EmitAssistantReply(1, "You've got this.", "msg-1")

	var ev models.NotificationEvent
	require.NoError(t, db.Where("user_id = ?", 1).First(&ev).Error)
	assert.Equal(t, models.NotificationPending, ev.Status)
	assert.Equal(t, "msg-1", ev.Reference)
	assert.True(t, ev.DeliverAfter.Equal(noon))
}

func TestNotifier_QuietHoursDeferToMorning(t *testing.T) {
	db := newTestDB(t)
	n := NewNotifier(db)
	lateNight := time.Date(2026, 8, 25, 23, 30, 0, 0, time.UTC)
	n.now = fixedClock(lateNight)

	require.NoError(t, db.Create(&models.User{ID: 2, Name: "Ben", Email: "ben@example.com", Timezone: "UTC"}).Error)

	n.EmitReminder(2, "Check in", "How did today go?", "reminder-1")

	var ev models.NotificationEvent
	require.NoError(t, db.Where("user_id = ?", 2).First(&ev).Error)
	expected := time.Date(2026, 8, 26, 8, 0, 0, 0, time.UTC)
	assert.True(t, ev.DeliverAfter.Equal(expected), "got %s", ev.DeliverAfter)
}

func TestNotifier_EarlyMorningDefersToSameDay(t *testing.T) {
	db := newTestDB(t)
	n := NewNotifier(db)
	early := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
	n.now = fixedClock(early)

	n.EmitReminder(3, "Check in", "Morning plan?", "")

	var ev models.NotificationEvent
	require.NoError(t, db.Where("user_id = ?", 3).First(&ev).Error)
	expected := time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)
	assert.True(t, ev.DeliverAfter.Equal(expected), "got %s", ev.DeliverAfter)
}

func TestNotifier_LongPreviewIsTruncated(t *testing.T) {
	db := newTestDB(t)
	n := NewNotifier(db)
	n.now = fixedClock(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'y'
	}
	n.EmitAssistantReply(4, string(long), "msg-4")

	var ev models.NotificationEvent
	require.NoError(t, db.Where("user_id = ?", 4).First(&ev).Error)
	assert.Len(t, ev.Body, 120)
}

func TestNotifier_MultibytePreviewTruncatesOnRuneBoundary(t *testing.T) {
	db := newTestDB(t)
	n := NewNotifier(db)
	n.now = fixedClock(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))

	n.EmitAssistantReply(5, strings.Repeat("é", 200), "msg-5")

	var ev models.NotificationEvent
	require.NoError(t, db.Where("user_id = ?", 5).First(&ev).Error)
	assert.True(t, utf8.ValidString(ev.Body))
	assert.Equal(t, 120, utf8.RuneCountInString(ev.Body))
	assert.True(t, strings.HasSuffix(ev.Body, "..."))
}
