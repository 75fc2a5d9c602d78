package models

import "time"

const (
	SessionActive   = "active"
	SessionArchived = "archived"
)

// CoachSession maps a user to their persistent conversation session on the
// external assistant service. ActiveUserID mirrors UserID while the session
// is active and is NULL once archived; the unique index on it is what
// guarantees at most one active session per user even under concurrent
// first-time creates.
type CoachSession struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 uint       `gorm:"column:user_id;index;not null" json:"user_id"`
	ActiveUserID           *uint      `gorm:"column:active_user_id;uniqueIndex" json:"-"`
	ExternalSessionID      string     `gorm:"column:external_session_id;size:128;not null" json:"external_session_id"`
	AssistantProfileID     string     `gorm:"column:assistant_profile_id;size:128;not null" json:"assistant_profile_id"`
	Status                 string     `gorm:"size:16;default:'active'" json:"status"`
	LastContextInjectionAt *time.Time `gorm:"column:last_context_injection_at" json:"last_context_injection_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

func (CoachSession) TableName() string {
	return "coach_sessions"
}

// Turn statuses mirror the external run lifecycle.
const (
	TurnQueued         = "queued"
	TurnInProgress     = "in_progress"
	TurnRequiresAction = "requires_action"
	TurnCompleted      = "completed"
	TurnFailed         = "failed"
	TurnCancelled      = "cancelled"
	TurnExpired        = "expired"
)

// Turn is the local audit record of one external run. ActiveSessionID is set
// while the turn is non-terminal and NULL afterwards; its unique index is the
// compare-and-set guard that prevents two concurrent turns on one session
// (the external API rejects those outright, we fail fast instead).
type Turn struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	SessionID       uint       `gorm:"column:session_id;index;not null" json:"session_id"`
	ActiveSessionID *uint      `gorm:"column:active_session_id;uniqueIndex" json:"-"`
	ExternalTurnID  string     `gorm:"column:external_turn_id;size:128;index" json:"external_turn_id"`
	Status          string     `gorm:"size:32;not null;default:'queued'" json:"status"`
	StartedAt       time.Time  `gorm:"column:started_at" json:"started_at"`
	CompletedAt     *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Turn) TableName() string {
	return "turns"
}

// TurnTerminal reports whether the given run status is terminal.
func TurnTerminal(status string) bool {
	switch status {
	case TurnCompleted, TurnFailed, TurnCancelled, TurnExpired:
		return true
	}
	return false
}
