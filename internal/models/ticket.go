package models

import (
	"time"

	"gorm.io/datatypes"
)

// Ticket is a customer conversation moving through the pipeline.
type Ticket struct {
	ID               string         `gorm:"primaryKey;size:32"`
	Subject          string         `gorm:"size:256"`
	Source           string         `gorm:"size:16;default:api;index"`
	CustomerEmail    string         `gorm:"size:256;index"`
	CustomerName     string         `gorm:"size:128"`
	ThreadKey        string         `gorm:"size:256;index"`
	ChannelAccountID string         `gorm:"size:64"`
	Status           string         `gorm:"size:16;default:pending;index"`
	IntentID         *uint          `gorm:"index"`
	AgentID          *uint          `gorm:"index"`
	AssigneeID       *uint          `gorm:"index"`
	EscalationReason string         `gorm:"type:text"`
	Metadata         datatypes.JSON `gorm:"type:json"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	AssignedAt       *time.Time

	Messages   []TicketMessage      `gorm:"foreignKey:TicketID"`
	Activities []TicketActivity     `gorm:"foreignKey:TicketID"`
	Variables  []TicketVariable     `gorm:"foreignKey:TicketID"`
	Processing []PipelineProcessing `gorm:"foreignKey:TicketID"`
}

// TicketMessage is one immutable inbound or outbound turn of a ticket.
type TicketMessage struct {
	ID                uint      `gorm:"primaryKey;autoIncrement"`
	TicketID          string    `gorm:"size:32;not null;index"`
	Direction         string    `gorm:"size:8;not null"` // "inbound" or "outbound"
	Sender            string    `gorm:"size:256"`
	Body              string    `gorm:"type:text;not null"`
	ExternalMessageID string    `gorm:"size:256;index"`
	InReplyTo         string    `gorm:"size:256"`
	CreatedAt         time.Time `gorm:"index"`
}

// TicketActivity is a human-readable audit line for a ticket.
type TicketActivity struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	TicketID  string `gorm:"size:32;not null;index"`
	Actor     string `gorm:"size:64"`
	Action    string `gorm:"size:64"`
	Detail    string `gorm:"type:text"`
	CreatedAt time.Time
}
