package models

import "time"

const (
	NotificationPending    = "pending"
	NotificationSent       = "sent"
	NotificationSuppressed = "suppressed"
)

// NotificationEvent is what this service emits for the push transport.
// Delivery, batching and device handling live outside this process; the jobs
// runner only hands due rows to the configured transport.
type NotificationEvent struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	UserID       uint       `gorm:"column:user_id;index;not null" json:"user_id"`
	Title        string     `gorm:"size:255;not null" json:"title"`
	Body         string     `gorm:"type:text;not null" json:"body"`
	Reference    string     `gorm:"size:128" json:"reference,omitempty"`
	Status       string     `gorm:"size:16;default:'pending';index" json:"status"`
	DeliverAfter time.Time  `gorm:"column:deliver_after;index" json:"deliver_after"`
	SentAt       *time.Time `gorm:"column:sent_at" json:"sent_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (NotificationEvent) TableName() string {
	return "notification_events"
}
