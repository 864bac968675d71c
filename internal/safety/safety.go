// Package safety checks candidate replies against the configured rule set
// before they can be sent automatically.
package safety

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"github.com/zulandar/switchboard/internal/llm"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/metrics"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// Check types.
const (
	CheckKeyword = "keyword"
	CheckRegex   = "regex"
	CheckLLM     = "llm"
)

// Actions, in increasing strength.
const (
	ActionFlag     = "flag"
	ActionBlock    = "block"
	ActionEscalate = "escalate"
)

// RepeatThreshold is how many times the same reply may appear in a
// conversation, counting the candidate, before it is a violation.
const RepeatThreshold = 3

// Judge evaluates llm rules. *llm.Provider satisfies it.
type Judge interface {
	GenerateJSON(ctx context.Context, model string, conv []openai.ChatCompletionMessage, schema jsonschema.Definition, dst any) (openai.Usage, error)
}

// Violation is one rule a reply broke.
type Violation struct {
	RuleID   uint
	RuleName string
	Severity string
	Action   string
	Details  string
}

// Blocking reports whether the violation prevents auto-reply.
func (v Violation) Blocking() bool {
	return v.Action == ActionBlock || v.Action == ActionEscalate
}

// Result is the outcome of CheckReply.
type Result struct {
	Passed     bool
	Violations []Violation
}

// Checker evaluates replies.
type Checker struct {
	db    *gorm.DB
	judge Judge
	model string
	log   logging.Logger
}

// NewChecker returns a Checker. judge may be nil; llm rules are then
// skipped with a warning.
func NewChecker(db *gorm.DB, judge Judge, model string, log logging.Logger) *Checker {
	if log == nil {
		log = logging.Discard()
	}
	return &Checker{db: db, judge: judge, model: model, log: log}
}

// CheckReply evaluates every enabled rule against reply in rule-id order,
// logs each violation as a SafetyLog row and reports whether the reply may
// be sent. Only block and escalate violations fail the check.
func (c *Checker) CheckReply(ctx context.Context, ticketID, reply, customerMessage string, history []models.TicketMessage) (*Result, error) {
	var rules []models.SafetyRule
	if err := c.db.WithContext(ctx).Where("enabled = ?", true).Order("id ASC").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("safety: load rules: %w", err)
	}

	res := &Result{Passed: true}
	for _, rule := range rules {
		details, violated, err := c.evaluate(ctx, ticketID, rule, reply, customerMessage, history)
		if err != nil {
			return nil, err
		}
		if !violated {
			continue
		}
		v := Violation{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Severity: rule.Severity,
			Action:   rule.Action,
			Details:  details,
		}
		res.Violations = append(res.Violations, v)
		if v.Blocking() {
			res.Passed = false
		}
	}

	for _, v := range res.Violations {
		row := models.SafetyLog{
			TicketID: ticketID,
			RuleID:   v.RuleID,
			RuleName: v.RuleName,
			Severity: v.Severity,
			Action:   v.Action,
			Details:  v.Details,
		}
		if err := c.db.WithContext(ctx).Create(&row).Error; err != nil {
			return nil, fmt.Errorf("safety: log violation: %w", err)
		}
		metrics.SafetyViolation(v.RuleName, v.Action)
	}
	return res, nil
}

func (c *Checker) evaluate(ctx context.Context, ticketID string, rule models.SafetyRule, reply, customerMessage string, history []models.TicketMessage) (string, bool, error) {
	switch rule.CheckType {
	case CheckKeyword:
		if rule.BuiltinKey == KeyRepeatedResponse {
			return repeated(reply, history)
		}
		return keywordMatch(rule.Pattern, reply)
	case CheckRegex:
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			c.log.Warn("skipping safety rule with invalid pattern", "rule", rule.Name, "err", err)
			return "", false, nil
		}
		if m := re.FindString(reply); m != "" {
			return fmt.Sprintf("matched %q", m), true, nil
		}
		return "", false, nil
	case CheckLLM:
		return c.judgeReply(ctx, ticketID, rule, reply, customerMessage)
	default:
		c.log.Warn("skipping safety rule with unknown check type", "rule", rule.Name, "type", rule.CheckType)
		return "", false, nil
	}
}

func keywordMatch(pattern, reply string) (string, bool, error) {
	lower := strings.ToLower(reply)
	for _, kw := range strings.Split(pattern, ",") {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return fmt.Sprintf("contains keyword %q", kw), true, nil
		}
	}
	return "", false, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func repeated(reply string, history []models.TicketMessage) (string, bool, error) {
	target := normalize(reply)
	if target == "" {
		return "", false, nil
	}
	count := 1
	for _, m := range history {
		if m.Direction == "outbound" && normalize(m.Body) == target {
			count++
		}
	}
	if count >= RepeatThreshold {
		return fmt.Sprintf("reply sent %d times in this conversation", count), true, nil
	}
	return "", false, nil
}

const genericJudgePrompt = `You review customer-service replies before they are sent.
Decide whether the reply below is inappropriate: rude, misleading, leaking
internal or personal data, making commitments the business cannot keep, or
off-topic for the customer's message.`

var verdictSchema = jsonschema.Definition{
	Type: jsonschema.Object,
	Properties: map[string]jsonschema.Definition{
		"violated": {Type: jsonschema.Boolean, Description: "true when the reply breaks the rule"},
		"details":  {Type: jsonschema.String, Description: "short explanation"},
	},
	Required: []string{"violated", "details"},
}

type verdict struct {
	Violated bool   `json:"violated"`
	Details  string `json:"details"`
}

func (c *Checker) judgeReply(ctx context.Context, ticketID string, rule models.SafetyRule, reply, customerMessage string) (string, bool, error) {
	if c.judge == nil {
		c.log.Warn("skipping llm safety rule without a judge", "rule", rule.Name)
		return "", false, nil
	}
	instructions := rule.Prompt
	if strings.TrimSpace(instructions) == "" {
		instructions = genericJudgePrompt
	}
	conv := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: instructions},
		{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Customer message:\n%s\n\nCandidate reply:\n%s", customerMessage, reply)},
	}
	var v verdict
	usage, err := c.judge.GenerateJSON(ctx, c.model, conv, verdictSchema, &v)
	if err != nil {
		return "", false, fmt.Errorf("safety: rule %q: %w", rule.Name, err)
	}
	if err := llm.RecordUsage(c.db, llm.UsageRecord{TicketID: ticketID, Purpose: "safety", Model: c.model}, usage); err != nil {
		c.log.Warn("usage not recorded", "err", err)
	}
	return v.Details, v.Violated, nil
}

// ErrBuiltinRule is returned when deleting a builtin rule.
var ErrBuiltinRule = errors.New("safety: builtin rules cannot be deleted")

// DeleteRule removes a custom rule.
func DeleteRule(db *gorm.DB, id uint) error {
	var rule models.SafetyRule
	if err := db.First(&rule, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("safety: rule not found: %d", id)
		}
		return fmt.Errorf("safety: get rule %d: %w", id, err)
	}
	if rule.Builtin {
		return ErrBuiltinRule
	}
	if err := db.Delete(&rule).Error; err != nil {
		return fmt.Errorf("safety: delete rule %d: %w", id, err)
	}
	return nil
}
