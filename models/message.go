package models

import "time"

const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Message is one persisted chat message. CorrelationID links a user message
// to the assistant message(s) answering it. ClientTempID and AssistantTempID
// are opaque client-supplied provisional ids, echoed back for optimistic-UI
// reconciliation and never interpreted. TurnID carries the external run id
// for outgoing messages so history can be scoped per turn.
type Message struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	CorrelationID   string    `gorm:"column:correlation_id;size:36;index;not null" json:"correlation_id"`
	UserID          uint      `gorm:"column:user_id;index;not null" json:"user_id"`
	Direction       string    `gorm:"size:10;not null" json:"direction"`
	Content         string    `gorm:"type:text;not null" json:"content"`
	TurnID          *string   `gorm:"column:turn_id;size:128;index" json:"turn_id,omitempty"`
	ClientTempID    *string   `gorm:"column:client_temp_id;size:128" json:"client_temp_id,omitempty"`
	AssistantTempID *string   `gorm:"column:assistant_temp_id;size:128" json:"assistant_temp_id,omitempty"`
	ReadInApp       bool      `gorm:"column:read_in_app;default:false" json:"read_in_app"`
	CreatedAt       time.Time `gorm:"index" json:"created_at"`
}

func (Message) TableName() string {
	return "messages"
}
