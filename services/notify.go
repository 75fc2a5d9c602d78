package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/Tosin-A/Cora-Lockin/models"
)

// Quiet hours in the user's local timezone. Events landing inside the window
// are deferred to its end instead of being dropped.
const (
	quietHoursStart = 22
	quietHoursEnd   = 8
)

// Notifier queues notification events for the background delivery job.
type Notifier struct {
	db  *gorm.DB
	now func() time.Time
}

func NewNotifier(db *gorm.DB) *Notifier {
	return &Notifier{db: db, now: time.Now}
}

// EmitAssistantReply queues a push for a reply that arrived while the app may
// be backgrounded. Reference carries the message id so the client can dedupe
// against what it already rendered.
func (n *Notifier) EmitAssistantReply(userID uint, preview, messageID string) {
	// Truncate on rune boundaries so multi-byte text is never split mid-character.
	if runes := []rune(preview); len(runes) > 120 {
		preview = string(runes[:117]) + "..."
	}
	n.emit(userID, "New message from your coach", preview, messageID)
}

// EmitReminder queues a scheduled coaching nudge.
func (n *Notifier) EmitReminder(userID uint, title, body, reference string) {
	n.emit(userID, title, body, reference)
}

func (n *Notifier) emit(userID uint, title, body, reference string) {
	deliverAfter := n.deliverTime(userID)
	ev := models.NotificationEvent{
		UserID:       userID,
		Title:        title,
		Body:         body,
		Reference:    reference,
		Status:       models.NotificationPending,
		DeliverAfter: deliverAfter,
	}
	if err := n.db.Create(&ev).Error; err != nil {
		log.Printf("[notify] failed to queue event for user %d: %v", userID, err)
		return
	}
	if deliverAfter.After(n.now()) {
		log.Printf("[notify] event %d for user %d deferred to %s (quiet hours)", ev.ID, userID, deliverAfter.Format(time.RFC3339))
	}
}

// deliverTime returns now, or the end of quiet hours when now falls inside
// them for the user's timezone. Unknown timezones fall back to UTC.
func (n *Notifier) deliverTime(userID uint) time.Time {
	now := n.now()

	loc := time.UTC
	var user models.User
	err := n.db.Select("timezone").Where("id = ?", userID).First(&user).Error
	if err == nil && user.Timezone != "" {
		if l, lerr := time.LoadLocation(user.Timezone); lerr == nil {
			loc = l
		}
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("[notify] timezone lookup failed for user %d: %v", userID, err)
	}

	local := now.In(loc)
	hour := local.Hour()
	if hour < quietHoursEnd {
		return time.Date(local.Year(), local.Month(), local.Day(), quietHoursEnd, 0, 0, 0, loc)
	}
	if hour >= quietHoursStart {
		next := local.AddDate(0, 0, 1)
		return time.Date(next.Year(), next.Month(), next.Day(), quietHoursEnd, 0, 0, 0, loc)
	}
	return now
}

// Suppress marks a pending event as suppressed (e.g. the app confirmed the
// user already saw the message).
func (n *Notifier) Suppress(eventID uint) error {
	res := n.db.Model(&models.NotificationEvent{}).
		Where("id = ? AND status = ?", eventID, models.NotificationPending).
		Update("status", models.NotificationSuppressed)
	if res.Error != nil {
		return fmt.Errorf("suppress event: %w", res.Error)
	}
	return nil
}
