package models

import "time"

// QuotaRecord holds both admission dimensions for a user: the free-tier
// message budget and the cost dimension (AI calls and tokens). Counters only
// grow within a reset period; LastResetDate drives the daily/monthly reset.
type QuotaRecord struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	UserID            uint       `gorm:"column:user_id;uniqueIndex;not null" json:"user_id"`
	MessagesUsed      int        `gorm:"column:messages_used;default:0" json:"messages_used"`
	MessagesLimit     int        `gorm:"column:messages_limit;default:10" json:"messages_limit"`
	IsPro             bool       `gorm:"column:is_pro;default:false" json:"is_pro"`
	ProUpgradedAt     *time.Time `gorm:"column:pro_upgraded_at" json:"pro_upgraded_at,omitempty"`
	DailyCallsUsed    int        `gorm:"column:daily_calls_used;default:0" json:"daily_calls_used"`
	DailyCallsLimit   int        `gorm:"column:daily_calls_limit;default:100" json:"daily_calls_limit"`
	MonthlyCallsUsed  int        `gorm:"column:monthly_calls_used;default:0" json:"monthly_calls_used"`
	MonthlyCallsLimit int        `gorm:"column:monthly_calls_limit;default:3000" json:"monthly_calls_limit"`
	DailyTokensUsed   int        `gorm:"column:daily_tokens_used;default:0" json:"daily_tokens_used"`
	DailyTokensLimit  int        `gorm:"column:daily_tokens_limit;default:50000" json:"daily_tokens_limit"`
	LastResetDate     string     `gorm:"column:last_reset_date;size:10;not null" json:"last_reset_date"`
	IsBlocked         bool       `gorm:"column:is_blocked;default:false" json:"is_blocked"`
	BlockReason       string     `gorm:"column:block_reason;size:255" json:"block_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (QuotaRecord) TableName() string {
	return "quota_records"
}

// AICallLog records every completed AI generation for cost tracking and the
// excessive-call abuse window.
type AICallLog struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	UserID          uint      `gorm:"column:user_id;index;not null" json:"user_id"`
	CallType        string    `gorm:"column:call_type;size:64" json:"call_type"`
	TokensGenerated int       `gorm:"column:tokens_generated;default:0" json:"tokens_generated"`
	TokensInput     int       `gorm:"column:tokens_input;default:0" json:"tokens_input"`
	Success         bool      `gorm:"default:true" json:"success"`
	ResponseTimeMs  int       `gorm:"column:response_time_ms;default:0" json:"response_time_ms"`
	ErrorMessage    string    `gorm:"column:error_message;size:512" json:"error_message,omitempty"`
	CreatedAt       time.Time `gorm:"index" json:"created_at"`
}

func (AICallLog) TableName() string {
	return "ai_call_logs"
}

// AbuseLog is advisory only: the detector writes here, enforcement stays with
// the rate limiter and quota checks.
type AbuseLog struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      uint      `gorm:"column:user_id;index;not null" json:"user_id"`
	AbuseType   string    `gorm:"column:abuse_type;size:40;not null" json:"abuse_type"`
	Severity    string    `gorm:"size:16;not null" json:"severity"`
	Details     string    `gorm:"size:255" json:"details"`
	ActionTaken string    `gorm:"column:action_taken;size:40;default:'none'" json:"action_taken"`
	CreatedAt   time.Time `json:"created_at"`
}

func (AbuseLog) TableName() string {
	return "abuse_logs"
}
