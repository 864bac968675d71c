package models

import "time"

// User is a human operator; role=agent users receive escalated tickets.
type User struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"size:128;not null"`
	Email     string `gorm:"size:256;uniqueIndex"`
	Role      string `gorm:"size:16;default:agent;index"`
	Active    bool   `gorm:"default:true"`
	CreatedAt time.Time
}

// Setting is a global key/value switch such as auto_reply_enabled.
type Setting struct {
	Key       string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}
