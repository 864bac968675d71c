package models

import (
	"time"

	"gorm.io/datatypes"
)

// KnowledgeBase groups document chunks an agent can retrieve from.
type KnowledgeBase struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"size:128;not null;uniqueIndex"`
	Description string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Chunks []KnowledgeChunk `gorm:"foreignKey:KnowledgeBaseID"`
}

// KnowledgeChunk is a slice of a document with an optional precomputed embedding.
type KnowledgeChunk struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	KnowledgeBaseID uint   `gorm:"not null;index"`
	DocumentName    string `gorm:"size:256"`
	Position        int
	Content         string         `gorm:"type:text;not null"`
	Embedding       datatypes.JSON `gorm:"type:json"`
	CreatedAt       time.Time
}
