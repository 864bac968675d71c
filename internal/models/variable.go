package models

import (
	"time"

	"gorm.io/datatypes"
)

// Variable is a named piece of information extracted from ticket conversations.
type Variable struct {
	ID              uint           `gorm:"primaryKey;autoIncrement"`
	Name            string         `gorm:"size:128;not null;uniqueIndex"`
	Description     string         `gorm:"type:text"`
	Type            string         `gorm:"size:8;default:value"` // "value" or "list"
	Keywords        datatypes.JSON `gorm:"type:json"`
	ListItems       datatypes.JSON `gorm:"type:json"`
	SmartExtraction bool           `gorm:"default:false"`
	Instruction     string         `gorm:"type:text"`
	Enabled         bool           `gorm:"default:true;index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TicketVariable is the resolved value of a Variable for one ticket.
type TicketVariable struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	TicketID   string `gorm:"size:32;not null;uniqueIndex:idx_ticket_variable"`
	VariableID uint   `gorm:"not null;uniqueIndex:idx_ticket_variable"`
	Value      string `gorm:"type:text"`
	Method     string `gorm:"size:16"`
	CreatedAt  time.Time
	UpdatedAt  time.Time

	Variable Variable `gorm:"foreignKey:VariableID"`
}
