// Package intent classifies inbound messages against the configured intents.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"github.com/zulandar/switchboard/internal/llm"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// Unknown is the intent name reported when nothing matches.
const Unknown = "unknown"

// ActionExecuteAgent binds an intent to the agent that writes the reply.
const ActionExecuteAgent = "execute_agent"

// Generator produces schema-constrained JSON. *llm.Provider satisfies it.
type Generator interface {
	GenerateJSON(ctx context.Context, model string, conv []openai.ChatCompletionMessage, schema jsonschema.Definition, dst any) (openai.Usage, error)
}

// Match is the classification of one message.
type Match struct {
	IntentID   *uint   `json:"intentId"`
	IntentName string  `json:"intentName"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`

	Intent *models.Intent `json:"-"`
}

// Known reports whether an enabled intent matched.
func (m *Match) Known() bool { return m.IntentID != nil }

// Recognizer classifies messages with an LLM.
type Recognizer struct {
	db            *gorm.DB
	gen           Generator
	model         string
	minConfidence float64
	log           logging.Logger
}

// NewRecognizer returns a Recognizer. Matches below minConfidence are
// reported as unknown.
func NewRecognizer(db *gorm.DB, gen Generator, model string, minConfidence float64, log logging.Logger) *Recognizer {
	if log == nil {
		log = logging.Discard()
	}
	return &Recognizer{db: db, gen: gen, model: model, minConfidence: minConfidence, log: log}
}

type classification struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Recognize classifies message. With no enabled intents it returns an
// unknown match without calling the model.
func (r *Recognizer) Recognize(ctx context.Context, ticketID, message string) (*Match, error) {
	var intents []models.Intent
	err := r.db.WithContext(ctx).Preload("Actions", func(db *gorm.DB) *gorm.DB {
		return db.Order("sort_order ASC, id ASC")
	}).Where("enabled = ?", true).Order("id ASC").Find(&intents).Error
	if err != nil {
		return nil, fmt.Errorf("intent: load intents: %w", err)
	}
	unknown := &Match{IntentName: Unknown}
	if len(intents) == 0 {
		unknown.Reason = "no enabled intents"
		return unknown, nil
	}
	if r.gen == nil {
		return nil, fmt.Errorf("intent: no LLM configured")
	}

	names := make([]string, 0, len(intents)+1)
	for _, in := range intents {
		names = append(names, in.Name)
	}
	names = append(names, Unknown)
	schema := jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"intent":     {Type: jsonschema.String, Enum: names},
			"confidence": {Type: jsonschema.Number, Description: "0 to 1"},
			"reason":     {Type: jsonschema.String},
		},
		Required: []string{"intent", "confidence"},
	}
	conv := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: buildPrompt(intents)},
		{Role: openai.ChatMessageRoleUser, Content: message},
	}

	var out classification
	usage, err := r.gen.GenerateJSON(ctx, r.model, conv, schema, &out)
	if err != nil {
		return nil, fmt.Errorf("intent: classify: %w", err)
	}
	if err := llm.RecordUsage(r.db, llm.UsageRecord{TicketID: ticketID, Purpose: "intent", Model: r.model}, usage); err != nil {
		r.log.Warn("usage not recorded", "err", err)
	}

	for i := range intents {
		in := &intents[i]
		if !strings.EqualFold(in.Name, strings.TrimSpace(out.Intent)) {
			continue
		}
		if out.Confidence < r.minConfidence {
			unknown.Confidence = out.Confidence
			unknown.Reason = fmt.Sprintf("%s below confidence threshold (%.2f < %.2f)", in.Name, out.Confidence, r.minConfidence)
			return unknown, nil
		}
		id := in.ID
		return &Match{IntentID: &id, IntentName: in.Name, Confidence: out.Confidence, Reason: out.Reason, Intent: in}, nil
	}
	unknown.Confidence = out.Confidence
	unknown.Reason = out.Reason
	return unknown, nil
}

func buildPrompt(intents []models.Intent) string {
	var b strings.Builder
	b.WriteString("Classify the customer's message into exactly one of the intents below. ")
	b.WriteString("Answer \"unknown\" when none fits. Report your confidence between 0 and 1.\n\n")
	for _, in := range intents {
		fmt.Fprintf(&b, "- %s", in.Name)
		if in.Description != "" {
			fmt.Fprintf(&b, ": %s", in.Description)
		}
		b.WriteString("\n")
		var examples []string
		if len(in.Examples) > 0 && json.Unmarshal(in.Examples, &examples) == nil {
			for _, ex := range examples {
				fmt.Fprintf(&b, "    e.g. %q\n", ex)
			}
		}
	}
	return b.String()
}

type executeAgentConfig struct {
	AgentID uint `json:"agentId"`
}

// BoundAgent returns the agent an intent hands replies to: the first
// execute_agent action, else the legacy single binding. Actions must be
// loaded in order.
func BoundAgent(in *models.Intent) *uint {
	for _, a := range in.Actions {
		if a.Type != ActionExecuteAgent {
			continue
		}
		var cfg executeAgentConfig
		if err := json.Unmarshal(a.Config, &cfg); err == nil && cfg.AgentID != 0 {
			id := cfg.AgentID
			return &id
		}
	}
	if in.AgentID != nil && *in.AgentID != 0 {
		id := *in.AgentID
		return &id
	}
	return nil
}
