package models

import (
	"time"

	"gorm.io/datatypes"
)

// Intent is a classification target for inbound messages.
type Intent struct {
	ID          uint           `gorm:"primaryKey;autoIncrement"`
	Name        string         `gorm:"size:128;not null;uniqueIndex"`
	Description string         `gorm:"type:text"`
	Examples    datatypes.JSON `gorm:"type:json"`
	Enabled     bool           `gorm:"default:true;index"`
	AgentID     *uint          // legacy single binding
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Actions []IntentAction `gorm:"foreignKey:IntentID"`
}

// IntentAction is an ordered, typed action attached to an intent.
type IntentAction struct {
	ID        uint           `gorm:"primaryKey;autoIncrement"`
	IntentID  uint           `gorm:"not null;index"`
	Type      string         `gorm:"size:32;not null"` // e.g. "execute_agent"
	Config    datatypes.JSON `gorm:"type:json"`
	Order     int            `gorm:"column:sort_order;default:0"`
	CreatedAt time.Time
}
