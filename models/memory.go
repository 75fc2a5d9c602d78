package models

import "time"

// UserMemory stores coaching insights the assistant asks us to remember via
// the store_user_memory tool.
type UserMemory struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserID     uint      `gorm:"column:user_id;index;not null" json:"user_id"`
	MemoryType string    `gorm:"column:memory_type;size:40;index;not null" json:"memory_type"`
	Title      string    `gorm:"size:255;not null" json:"title"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	Importance float64   `gorm:"default:0.5" json:"importance"`
	CreatedAt  time.Time `json:"created_at"`
}

func (UserMemory) TableName() string {
	return "user_memories"
}
