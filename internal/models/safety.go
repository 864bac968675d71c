package models

import "time"

// SafetyRule is one check applied to candidate replies.
type SafetyRule struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"size:128;not null"`
	BuiltinKey  string `gorm:"size:64;index"`
	Description string `gorm:"type:text"`
	CheckType   string `gorm:"size:16;not null"` // keyword, regex, llm
	Pattern     string `gorm:"type:text"`
	Prompt      string `gorm:"type:text"`
	Severity    string `gorm:"size:16;default:medium"`
	Action      string `gorm:"size:16;default:flag"` // flag, block, escalate
	Enabled     bool   `gorm:"default:true;index"`
	Builtin     bool   `gorm:"default:false"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SafetyLog records one violation found for a ticket.
type SafetyLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	TicketID  string `gorm:"size:32;not null;index"`
	RuleID    uint   `gorm:"index"`
	RuleName  string `gorm:"size:128"`
	Severity  string `gorm:"size:16"`
	Action    string `gorm:"size:16"`
	Details   string `gorm:"type:text"`
	CreatedAt time.Time
}
