package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/zulandar/switchboard/internal/agent"
	"github.com/zulandar/switchboard/internal/channel"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/events"
	"github.com/zulandar/switchboard/internal/intent"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/ticket"
	"github.com/zulandar/switchboard/internal/variable"
	"gorm.io/gorm"
)

// IngestResult is stored on ingest rows.
type IngestResult struct {
	MessageCount int `json:"messageCount"`
	InboundCount int `json:"inboundCount"`
}

// IntentResult is stored on intent rows.
type IntentResult struct {
	IntentID   *uint   `json:"intentId"`
	IntentName string  `json:"intentName"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
	AgentID    *uint   `json:"agentId,omitempty"`
}

// VariableResult is stored on variable rows.
type VariableResult struct {
	Extracted []variable.Extraction `json:"extracted"`
}

// AgentResult is stored on agent rows. The safety stage reads Reply from it.
type AgentResult struct {
	AgentID          uint   `json:"agentId"`
	AnsweredID       uint   `json:"answeredMessageId"`
	Reply            string `json:"reply"`
	LLMCalls         int    `json:"llmCalls"`
	ToolCalls        int    `json:"toolCalls"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	TotalTokens      int    `json:"totalTokens"`
	Reason           string `json:"reason,omitempty"`
}

// SafetyResult is stored on safety rows.
type SafetyResult struct {
	Passed     bool     `json:"passed"`
	AutoReply  bool     `json:"autoReply"`
	Reply      string   `json:"reply,omitempty"`
	DraftReply string   `json:"draftReply,omitempty"`
	Violations int      `json:"violations"`
	Rules      []string `json:"rules,omitempty"`
	MessageID  uint     `json:"messageId,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// ingest takes the ticket into processing and checks there is something to
// answer.
func (p *Pipeline) ingest(ctx context.Context, row *models.PipelineProcessing, t *models.Ticket) (outcome, error) {
	gdb := p.gdb.WithContext(ctx)
	inbound := 0
	for _, m := range t.Messages {
		if m.Direction == ticket.Inbound {
			inbound++
		}
	}
	if inbound == 0 {
		return outcome{}, fmt.Errorf("%w: ticket %s has no inbound message", ErrIncomplete, t.ID)
	}
	if err := ticket.Transition(gdb, t.ID, ticket.StatusProcessing, nil); err != nil {
		return outcome{}, fmt.Errorf("%w: %w", ErrIncomplete, err)
	}
	return outcome{
		Status: StatusCompleted,
		Result: IngestResult{MessageCount: len(t.Messages), InboundCount: inbound},
		Detail: fmt.Sprintf("processing %d message(s)", len(t.Messages)),
	}, nil
}

// intent classifies the newest inbound message and binds the intent and
// its agent to the ticket.
func (p *Pipeline) intent(ctx context.Context, row *models.PipelineProcessing, t *models.Ticket) (outcome, error) {
	gdb := p.gdb.WithContext(ctx)
	latest, err := ticket.LatestInbound(gdb, t.ID)
	if err != nil {
		return outcome{}, fmt.Errorf("%w: %w", ErrIncomplete, err)
	}
	m, err := p.deps.Intents.Recognize(ctx, t.ID, latest.Body)
	if err != nil {
		return outcome{}, err
	}
	res := IntentResult{IntentID: m.IntentID, IntentName: m.IntentName, Confidence: m.Confidence, Reason: m.Reason}

	if !m.Known() {
		reason := fmt.Sprintf("no matching intent (confidence %.2f)", m.Confidence)
		return escalated(res, reason)
	}
	agentID := intent.BoundAgent(m.Intent)
	if agentID == nil {
		reason := fmt.Sprintf("intent %q has no agent bound", m.IntentName)
		return escalated(res, reason)
	}
	res.AgentID = agentID

	err = gdb.Model(&models.Ticket{}).Where("id = ?", t.ID).Updates(map[string]interface{}{
		"intent_id": *m.IntentID,
		"agent_id":  *agentID,
	}).Error
	if err != nil {
		return outcome{}, fmt.Errorf("pipeline: bind intent to %s: %w", t.ID, err)
	}
	return outcome{
		Status: StatusCompleted,
		Result: res,
		Detail: fmt.Sprintf("intent %s (%.2f), agent %d", m.IntentName, m.Confidence, *agentID),
	}, nil
}

// variable extracts every enabled variable from the inbound messages.
func (p *Pipeline) variable(ctx context.Context, row *models.PipelineProcessing, t *models.Ticket) (outcome, error) {
	var inbound []string
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Direction == ticket.Inbound {
			inbound = append(inbound, t.Messages[i].Body)
		}
	}
	got, err := p.deps.Variables.ExtractAll(ctx, t, inbound)
	if err != nil {
		return outcome{}, err
	}
	found := 0
	for _, e := range got {
		if e.Method != variable.MethodNotExtracted {
			found++
		}
	}
	return outcome{
		Status: StatusCompleted,
		Result: VariableResult{Extracted: got},
		Detail: fmt.Sprintf("extracted %d of %d variable(s)", found, len(got)),
	}, nil
}

// agent runs the ticket's bound agent over the conversation.
func (p *Pipeline) agent(ctx context.Context, row *models.PipelineProcessing, t *models.Ticket) (outcome, error) {
	if t.AgentID == nil {
		return escalated(AgentResult{Reason: "no agent bound"}, "no agent bound to ticket")
	}
	gdb := p.gdb.WithContext(ctx)
	vars, err := variable.Values(gdb, t.ID)
	if err != nil {
		return outcome{}, err
	}

	latest := -1
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Direction == ticket.Inbound {
			latest = i
			break
		}
	}
	if latest < 0 {
		return outcome{}, fmt.Errorf("%w: ticket %s has no inbound message", ErrIncomplete, t.ID)
	}

	pid := row.ID
	res, err := p.deps.Agents.Execute(ctx, *t.AgentID, agent.Context{
		TicketID:     t.ID,
		ProcessingID: &pid,
		Message:      t.Messages[latest].Body,
		History:      t.Messages[:latest],
		Scope:        agent.NewScope(vars),
	})
	if err != nil {
		return outcome{}, err
	}
	return outcome{
		Status: StatusCompleted,
		Result: AgentResult{
			AgentID:          *t.AgentID,
			AnsweredID:       t.Messages[latest].ID,
			Reply:            res.Reply,
			LLMCalls:         res.LLMCalls,
			ToolCalls:        res.ToolCalls,
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
		},
		Detail: fmt.Sprintf("agent %d replied after %d LLM call(s), %d tool call(s)", *t.AgentID, res.LLMCalls, res.ToolCalls),
	}, nil
}

// safety is the last gate: a passing reply is sent when auto-reply is on,
// anything else goes to a human with the draft attached.
func (p *Pipeline) safety(ctx context.Context, row *models.PipelineProcessing, t *models.Ticket) (outcome, error) {
	gdb := p.gdb.WithContext(ctx)
	draft, err := p.draftReply(gdb, row)
	if err != nil {
		return outcome{}, err
	}
	latest, err := ticket.LatestInbound(gdb, t.ID)
	if err != nil {
		return outcome{}, fmt.Errorf("%w: %w", ErrIncomplete, err)
	}

	check, err := p.deps.Safety.CheckReply(ctx, t.ID, draft, latest.Body, t.Messages)
	if err != nil {
		return outcome{}, err
	}
	autoReply, err := p.autoReply(gdb)
	if err != nil {
		return outcome{}, err
	}
	res := SafetyResult{Passed: check.Passed, AutoReply: autoReply, Violations: len(check.Violations)}
	for _, v := range check.Violations {
		res.Rules = append(res.Rules, v.RuleName)
	}

	if !check.Passed || !autoReply {
		res.DraftReply = draft
		var blocking []string
		for _, v := range check.Violations {
			if v.Blocking() {
				blocking = append(blocking, v.RuleName)
			}
		}
		res.Reason = "auto-reply disabled"
		if !check.Passed {
			res.Reason = "reply blocked by safety rules: " + strings.Join(blocking, ", ")
		}
		return escalated(res, res.Reason)
	}

	// A reply that cannot be recorded must not go out either.
	if !ticket.CanTransition(t.Status, ticket.StatusAwaitingReply) {
		return outcome{}, fmt.Errorf("%w: ticket %s is %s, reply not sent", ErrIncomplete, t.ID, t.Status)
	}
	externalID := ""
	if t.Source == ticket.SourceEmail {
		externalID, err = p.deps.Sender.SendReply(ctx, channel.Outbound{
			TicketID:  t.ID,
			AccountID: t.ChannelAccountID,
			To:        t.CustomerEmail,
			ToName:    t.CustomerName,
			Subject:   t.Subject,
			Body:      draft,
			InReplyTo: latest.ExternalMessageID,
		})
		if err != nil {
			return outcome{}, err
		}
	}
	err = gdb.Transaction(func(tx *gorm.DB) error {
		msg, err := ticket.AppendOutbound(tx, t.ID, "switchboard", draft, externalID, latest.ExternalMessageID)
		if err != nil {
			return err
		}
		res.MessageID = msg.ID
		return ticket.Transition(tx, t.ID, ticket.StatusAwaitingReply, nil)
	})
	if err != nil {
		return outcome{}, err
	}
	res.Reply = draft
	p.publish(ctx, events.Event{Kind: events.KindReplied, TicketID: t.ID, ProcessingID: row.ID, Run: row.Run, Stage: StageSafety})
	return outcome{
		Status: StatusCompleted,
		Result: res,
		Detail: fmt.Sprintf("reply sent (%d non-blocking violation(s))", res.Violations),
	}, nil
}

// draftReply reads the reply produced by the agent stage of the same run.
func (p *Pipeline) draftReply(gdb *gorm.DB, row *models.PipelineProcessing) (string, error) {
	var prev models.PipelineProcessing
	err := gdb.Where("ticket_id = ? AND run = ? AND stage = ? AND status = ?", row.TicketID, row.Run, StageAgent, StatusCompleted).
		Order("id DESC").First(&prev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: run %d of %s has no completed agent stage", ErrIncomplete, row.Run, row.TicketID)
		}
		return "", fmt.Errorf("pipeline: agent result of %s: %w", row.TicketID, err)
	}
	var ar AgentResult
	if err := json.Unmarshal(prev.Result, &ar); err != nil {
		return "", fmt.Errorf("pipeline: decode agent result %d: %w", prev.ID, err)
	}
	if strings.TrimSpace(ar.Reply) == "" {
		return "", fmt.Errorf("%w: agent stage %d produced no reply", ErrIncomplete, prev.ID)
	}
	return ar.Reply, nil
}

// autoReply reads the auto_reply_enabled setting, falling back to the
// configured default.
func (p *Pipeline) autoReply(gdb *gorm.DB) (bool, error) {
	v, err := db.GetSetting(gdb, db.SettingAutoReply, strconv.FormatBool(p.opts.AutoReply))
	if err != nil {
		return false, err
	}
	on, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("pipeline: setting %s=%q: %w", db.SettingAutoReply, v, err)
	}
	return on, nil
}

// escalated reports the row as escalated with result attached. The ticket
// is handed over when the row settles.
func escalated(result any, reason string) (outcome, error) {
	return outcome{Status: StatusEscalated, Result: result, Detail: "escalated: " + reason, Escalate: reason}, nil
}
