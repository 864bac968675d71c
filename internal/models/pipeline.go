package models

import (
	"time"

	"gorm.io/datatypes"
)

// PipelineProcessing records one attempt of one pipeline stage for a ticket.
// Rows sharing a (TicketID, Run) pair are created in stage order.
type PipelineProcessing struct {
	ID        uint           `gorm:"primaryKey;autoIncrement"`
	TicketID  string         `gorm:"size:32;not null;index:idx_ticket_run"`
	Run       int            `gorm:"not null;default:1;index:idx_ticket_run"`
	Stage     string         `gorm:"size:16;not null"`
	Status    string         `gorm:"size:16;default:queued;index"`
	Result    datatypes.JSON `gorm:"type:json"`
	Error     string         `gorm:"type:text"`
	Attempts  int            `gorm:"default:0"`
	// JobID is the queue job currently driving this row.
	JobID     *uint          `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
	// CompletedAt is set once the row reaches a terminal status.
	CompletedAt *time.Time
}
