package models

import (
	"time"

	"gorm.io/datatypes"
)

// Job is a durable unit of queued work.
type Job struct {
	ID            uint           `gorm:"primaryKey;autoIncrement"`
	Queue         string         `gorm:"size:32;not null;index:idx_queue_due"`
	Payload       datatypes.JSON `gorm:"type:json"`
	Status        string         `gorm:"size:16;default:pending;index:idx_queue_due"`
	Attempts      int            `gorm:"default:0"`
	MaxAttempts   int            `gorm:"default:3"`
	BackoffBaseMs int64          `gorm:"default:5000"`
	RunAt         time.Time      `gorm:"index:idx_queue_due"`
	LockedBy      string         `gorm:"size:64"`
	LockedAt      *time.Time
	LastError     string `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
