package models

import (
	"time"

	"gorm.io/datatypes"
)

// Agent generates replies, either as a tool-calling conversation or as a
// fixed workflow of steps.
type Agent struct {
	ID           uint    `gorm:"primaryKey;autoIncrement"`
	Name         string  `gorm:"size:128;not null"`
	Type         string  `gorm:"size:16;default:conversational"`
	SystemPrompt string  `gorm:"type:text"`
	Model        string  `gorm:"size:64"`
	Temperature  float32 `gorm:"default:0.7"`
	MaxTokens    int     `gorm:"default:1024"`
	TopP         float32 `gorm:"default:1"`
	Enabled      bool    `gorm:"default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time

	KnowledgeBases []AgentKnowledgeBase `gorm:"foreignKey:AgentID"`
	Tools          []AgentTool          `gorm:"foreignKey:AgentID"`
	Steps          []WorkflowStep       `gorm:"foreignKey:AgentID"`
}

// AgentKnowledgeBase binds a knowledge base to an agent.
type AgentKnowledgeBase struct {
	AgentID         uint `gorm:"primaryKey"`
	KnowledgeBaseID uint `gorm:"primaryKey"`
}

// AgentTool binds a tool to an agent.
type AgentTool struct {
	AgentID uint `gorm:"primaryKey"`
	ToolID  uint `gorm:"primaryKey"`
}

// WorkflowStep is one step of a workflow agent.
type WorkflowStep struct {
	ID        uint           `gorm:"primaryKey;autoIncrement"`
	AgentID   uint           `gorm:"not null;index"`
	Type      string         `gorm:"size:16;not null"`
	Config    datatypes.JSON `gorm:"type:json"`
	Order     int            `gorm:"column:sort_order;not null"`
	CreatedAt time.Time
}

// LLMUsage records token usage of one LLM call.
type LLMUsage struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	TicketID         string `gorm:"size:32;index"`
	AgentID          *uint  `gorm:"index"`
	Purpose          string `gorm:"size:32"`
	Model            string `gorm:"size:64"`
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CreatedAt        time.Time
}
