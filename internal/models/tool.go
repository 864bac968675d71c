package models

import (
	"time"

	"gorm.io/datatypes"
)

// Tool is a configured outbound call an agent or workflow can invoke.
type Tool struct {
	ID                uint           `gorm:"primaryKey;autoIncrement"`
	Name              string         `gorm:"size:64;not null;uniqueIndex"`
	Description       string         `gorm:"type:text"`
	Kind              string         `gorm:"size:16;default:http"` // "http" or "builtin"
	BuiltinName       string         `gorm:"size:64"`
	Method            string         `gorm:"size:8;default:GET"`
	URL               string         `gorm:"type:text"`
	Headers           datatypes.JSON `gorm:"type:json"`
	BodyTemplate      string         `gorm:"type:text"`
	AuthType          string         `gorm:"size:16;default:none"`
	AuthConfig        string         `gorm:"type:text"` // encrypted JSON
	Parameters        datatypes.JSON `gorm:"type:json"` // JSON schema
	ParameterBindings datatypes.JSON `gorm:"type:json"` // param -> variable name
	ResponseMappings  datatypes.JSON `gorm:"type:json"` // variable name -> JSON path
	TimeoutSeconds    int            `gorm:"default:30"`
	Enabled           bool           `gorm:"default:true"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ToolExecutionLog records every tool invocation.
type ToolExecutionLog struct {
	ID           uint           `gorm:"primaryKey;autoIncrement"`
	ToolID       uint           `gorm:"not null;index"`
	TicketID     string         `gorm:"size:32;index"`
	ProcessingID *uint          `gorm:"index"`
	Input        datatypes.JSON `gorm:"type:json"`
	Output       string         `gorm:"type:text"`
	StatusCode   int
	Success      bool
	Error        string `gorm:"type:text"`
	DurationMs   int64
	CreatedAt    time.Time
}
