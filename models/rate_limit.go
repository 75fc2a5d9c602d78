package models

import "time"

// RateLimitWindow is one durable fixed-window counter for (identity, endpoint).
// Identity is either "u:<id>" or "ip:<addr>". Rows are upserted with an atomic
// increment keyed on the window start, and swept once the window has passed.
type RateLimitWindow struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Identity     string    `gorm:"size:64;not null;uniqueIndex:idx_rate_window,priority:1" json:"identity"`
	Endpoint     string    `gorm:"size:40;not null;uniqueIndex:idx_rate_window,priority:2" json:"endpoint"`
	WindowStart  time.Time `gorm:"column:window_start;not null;uniqueIndex:idx_rate_window,priority:3" json:"window_start"`
	WindowEnd    time.Time `gorm:"column:window_end;not null" json:"window_end"`
	RequestCount int       `gorm:"column:request_count;default:1" json:"request_count"`
}

func (RateLimitWindow) TableName() string {
	return "rate_limit_windows"
}
