package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/tool"
)

// Workflow step types as stored in WorkflowStep.Type.
const (
	StepLLMCall     = "llm_call"
	StepCondition   = "condition"
	StepVariableSet = "variable_set"
	StepSubAgent    = "sub_agent"
	StepHTTPRequest = "http_request"
	StepToolCall    = "tool_call"
)

// Step is one decoded workflow step. The set of implementations is closed.
type Step interface {
	order() int
}

// LLMCallStep sends a prompt to the model and stores the answer.
type LLMCallStep struct {
	Order          int     `json:"-"`
	SystemPrompt   string  `json:"systemPrompt"`
	Prompt         string  `json:"prompt"`
	Model          string  `json:"model"`
	OutputVariable string  `json:"outputVariable"`
	UseKnowledge   bool    `json:"useKnowledge"`
	Temperature    float32 `json:"temperature"`
}

// ConditionStep compares a scope variable and jumps forward.
type ConditionStep struct {
	Order    int    `json:"-"`
	Variable string `json:"variable"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
	// OnTrue and OnFalse name the step order to jump to; 0 continues with
	// the next step.
	OnTrue  int `json:"onTrue"`
	OnFalse int `json:"onFalse"`
}

// VariableSetStep assigns a rendered template to a scope variable.
type VariableSetStep struct {
	Order int    `json:"-"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SubAgentStep runs another agent and stores its reply.
type SubAgentStep struct {
	Order          int    `json:"-"`
	AgentID        uint   `json:"agentId"`
	Message        string `json:"message"`
	OutputVariable string `json:"outputVariable"`
}

// HTTPRequestStep performs an ad-hoc HTTP call. Failures do not abort the
// workflow.
type HTTPRequestStep struct {
	Order          int               `json:"-"`
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers"`
	Body           string            `json:"body"`
	OutputVariable string            `json:"outputVariable"`
}

// ToolCallStep invokes a configured tool.
type ToolCallStep struct {
	Order          int            `json:"-"`
	ToolID         uint           `json:"toolId"`
	ToolName       string         `json:"toolName"`
	Params         map[string]any `json:"params"`
	OutputVariable string         `json:"outputVariable"`
}

func (s LLMCallStep) order() int     { return s.Order }
func (s ConditionStep) order() int   { return s.Order }
func (s VariableSetStep) order() int { return s.Order }
func (s SubAgentStep) order() int    { return s.Order }
func (s HTTPRequestStep) order() int { return s.Order }
func (s ToolCallStep) order() int    { return s.Order }

// DecodeStep converts a stored row into its typed step.
func DecodeStep(row models.WorkflowStep) (Step, error) {
	cfg := []byte(row.Config)
	if len(cfg) == 0 {
		cfg = []byte("{}")
	}
	decode := func(dst any) error {
		if err := json.Unmarshal(cfg, dst); err != nil {
			return fmt.Errorf("agent: step %d (%s): %w", row.Order, row.Type, err)
		}
		return nil
	}
	switch row.Type {
	case StepLLMCall:
		var s LLMCallStep
		if err := decode(&s); err != nil {
			return nil, err
		}
		s.Order = row.Order
		return s, nil
	case StepCondition:
		var s ConditionStep
		if err := decode(&s); err != nil {
			return nil, err
		}
		s.Order = row.Order
		if s.Variable == "" {
			return nil, fmt.Errorf("agent: step %d: condition needs a variable", row.Order)
		}
		return s, nil
	case StepVariableSet:
		var s VariableSetStep
		if err := decode(&s); err != nil {
			return nil, err
		}
		s.Order = row.Order
		if s.Name == "" {
			return nil, fmt.Errorf("agent: step %d: variable_set needs a name", row.Order)
		}
		return s, nil
	case StepSubAgent:
		var s SubAgentStep
		if err := decode(&s); err != nil {
			return nil, err
		}
		s.Order = row.Order
		if s.AgentID == 0 {
			return nil, fmt.Errorf("agent: step %d: sub_agent needs an agentId", row.Order)
		}
		return s, nil
	case StepHTTPRequest:
		var s HTTPRequestStep
		if err := decode(&s); err != nil {
			return nil, err
		}
		s.Order = row.Order
		if s.URL == "" {
			return nil, fmt.Errorf("agent: step %d: http_request needs a url", row.Order)
		}
		return s, nil
	case StepToolCall:
		var s ToolCallStep
		if err := decode(&s); err != nil {
			return nil, err
		}
		s.Order = row.Order
		if s.ToolID == 0 && s.ToolName == "" {
			return nil, fmt.Errorf("agent: step %d: tool_call needs toolId or toolName", row.Order)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("agent: step %d has unknown type %q", row.Order, row.Type)
	}
}

// runWorkflow interprets the agent's steps in order. Condition jumps only
// move forward, so every workflow terminates.
func (e *Engine) runWorkflow(ctx context.Context, a *models.Agent, ac Context, chain []uint) (*Result, error) {
	steps := make([]Step, 0, len(a.Steps))
	for _, row := range a.Steps {
		s, err := DecodeStep(row)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("agent: workflow %d has no steps", a.ID)
	}

	res := &Result{Scope: ac.Scope}
	for i := 0; i < len(steps); {
		next := i + 1
		switch s := steps[i].(type) {
		case LLMCallStep:
			if err := e.llmCall(ctx, a, ac, s, res); err != nil {
				return nil, err
			}
		case ConditionStep:
			ok, err := evaluate(s, res.Scope)
			if err != nil {
				return nil, err
			}
			target := s.OnFalse
			if ok {
				target = s.OnTrue
			}
			switch {
			case target != 0:
				j := indexOfOrder(steps, target)
				if j < 0 {
					return nil, fmt.Errorf("agent: step %d jumps to missing step %d", s.Order, target)
				}
				if j <= i {
					return nil, fmt.Errorf("agent: step %d jumps backward to step %d", s.Order, target)
				}
				next = j
			case !ok:
				next = i + 2
			}
		case VariableSetStep:
			res.Scope = res.Scope.With(s.Name, Render(s.Value, res.Scope))
		case SubAgentStep:
			if err := e.subAgent(ctx, ac, s, chain, res); err != nil {
				return nil, err
			}
		case HTTPRequestStep:
			e.httpRequest(ctx, a, s, res)
		case ToolCallStep:
			if err := e.toolCall(ctx, ac, s, res); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("agent: unhandled step %T", s)
		}
		i = next
	}

	reply, _ := res.Scope.Get(ReplyVar)
	res.Reply = strings.TrimSpace(reply)
	if res.Reply == "" {
		return nil, fmt.Errorf("%w: workflow %d", ErrNoReply, a.ID)
	}
	return res, nil
}

func indexOfOrder(steps []Step, order int) int {
	for i, s := range steps {
		if s.order() == order {
			return i
		}
	}
	return -1
}

// setOutput records a step's output as _lastOutput and, when named, in its
// output variable. Steps that answer the customer also make it the reply.
func setOutput(res *Result, name, value string, reply bool) {
	m := map[string]string{LastOutput: value}
	if reply {
		m[ReplyVar] = value
	}
	if name != "" {
		m[name] = value
	}
	res.Scope = res.Scope.Merge(m)
}

func (e *Engine) llmCall(ctx context.Context, a *models.Agent, ac Context, s LLMCallStep, res *Result) error {
	system := a.SystemPrompt
	if s.SystemPrompt != "" {
		system = s.SystemPrompt
	}
	parts := []string{Render(system, res.Scope)}
	if s.UseKnowledge {
		if kc := e.knowledgeContext(ctx, a, ac.Message); kc != "" {
			parts = append(parts, kc)
		}
	}
	prompt := ac.Message
	if s.Prompt != "" {
		prompt = Render(s.Prompt, res.Scope)
	}
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: strings.TrimSpace(strings.Join(parts, "\n\n"))},
	}
	msgs = append(msgs, historyMessages(ac.History)...)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	req := request(a, s.Model, msgs)
	if s.Temperature > 0 {
		req.Temperature = s.Temperature
	}
	resp, err := e.chat.Chat(ctx, req)
	if err != nil {
		return fmt.Errorf("agent: step %d llm_call: %w", s.Order, err)
	}
	res.LLMCalls++
	res.addUsage(resp.Usage)
	e.recordUsage(ac.TicketID, a, resp.Model, resp.Usage)
	setOutput(res, s.OutputVariable, strings.TrimSpace(resp.Message.Content), true)
	return nil
}

func (e *Engine) subAgent(ctx context.Context, ac Context, s SubAgentStep, chain []uint, res *Result) error {
	sub := ac
	sub.Scope = res.Scope
	if s.Message != "" {
		sub.Message = Render(s.Message, res.Scope)
	}
	out, err := e.execute(ctx, s.AgentID, sub, chain)
	if err != nil {
		return fmt.Errorf("agent: step %d sub_agent: %w", s.Order, err)
	}
	res.LLMCalls += out.LLMCalls
	res.ToolCalls += out.ToolCalls
	res.addUsage(out.Usage)
	// Variables the sub-agent learned stay visible; its reserved values do not.
	learned := out.Scope.Map()
	delete(learned, LastOutput)
	delete(learned, HTTPResponse)
	delete(learned, ReplyVar)
	res.Scope = res.Scope.Merge(learned)
	setOutput(res, s.OutputVariable, out.Reply, true)
	return nil
}

func (e *Engine) httpRequest(ctx context.Context, a *models.Agent, s HTTPRequestStep, res *Result) {
	method := strings.ToUpper(s.Method)
	if method == "" {
		method = "GET"
	}
	target := Render(s.URL, res.Scope)
	req := e.http.R().SetContext(ctx)
	for k, v := range s.Headers {
		req.SetHeader(k, Render(v, res.Scope))
	}
	if s.Body != "" {
		req.SetBody(Render(s.Body, res.Scope))
		if req.Header.Get("Content-Type") == "" {
			req.SetHeader("Content-Type", "application/json")
		}
	}
	resp, err := req.Execute(method, target)
	switch {
	case err != nil:
		e.log.Warn("workflow http_request failed", "agent", a.ID, "step", s.Order, "err", err)
		return
	case !resp.IsSuccess():
		e.log.Warn("workflow http_request returned non-2xx", "agent", a.ID, "step", s.Order, "status", resp.StatusCode())
		return
	}
	m := map[string]string{HTTPResponse: resp.String()}
	if s.OutputVariable != "" {
		m[s.OutputVariable] = resp.String()
	}
	res.Scope = res.Scope.Merge(m)
}

func (e *Engine) toolCall(ctx context.Context, ac Context, s ToolCallStep, res *Result) error {
	if e.tools == nil {
		return fmt.Errorf("agent: step %d tool_call: tools are not available", s.Order)
	}
	var t models.Tool
	q := e.db.WithContext(ctx).Where("enabled = ?", true)
	if s.ToolID != 0 {
		q = q.Where("id = ?", s.ToolID)
	} else {
		q = q.Where("name = ?", s.ToolName)
	}
	if err := q.First(&t).Error; err != nil {
		return fmt.Errorf("agent: step %d tool_call: %w", s.Order, errors.Join(tool.ErrNotFound, err))
	}

	params := make(map[string]any, len(s.Params))
	for k, v := range s.Params {
		if str, ok := v.(string); ok {
			v = Render(str, res.Scope)
		}
		params[k] = v
	}
	r, err := e.tools.Run(ctx, &t, params, tool.ExecContext{
		TicketID:     ac.TicketID,
		ProcessingID: ac.ProcessingID,
		Variables:    res.Scope.Map(),
	})
	if err != nil {
		return fmt.Errorf("agent: step %d tool_call: %w", s.Order, err)
	}
	res.ToolCalls++
	switch {
	case r.Incomplete():
		return fmt.Errorf("%w: %s needs %s", ErrIncomplete, t.Name, strings.Join(r.Missing, ", "))
	case r.Transport():
		return fmt.Errorf("agent: step %d tool_call %s: %s", s.Order, t.Name, r.Error)
	}
	res.Scope = res.Scope.Merge(r.Mapped)
	setOutput(res, s.OutputVariable, r.Output, false)
	return nil
}

// evaluate applies a condition's operator to the scope.
func evaluate(s ConditionStep, scope Scope) (bool, error) {
	got, exists := scope.Get(s.Variable)
	want := Render(s.Value, scope)
	switch s.Operator {
	case "", "equals", "eq":
		return strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(want)), nil
	case "not_equals", "ne":
		return !strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(want)), nil
	case "contains":
		return strings.Contains(strings.ToLower(got), strings.ToLower(want)), nil
	case "not_contains":
		return !strings.Contains(strings.ToLower(got), strings.ToLower(want)), nil
	case "exists":
		return exists && got != "", nil
	case "not_exists":
		return !exists || got == "", nil
	case "greater_than", "gt", "less_than", "lt":
		a, errA := strconv.ParseFloat(strings.TrimSpace(got), 64)
		b, errB := strconv.ParseFloat(strings.TrimSpace(want), 64)
		if errA != nil || errB != nil {
			return false, nil
		}
		if s.Operator == "greater_than" || s.Operator == "gt" {
			return a > b, nil
		}
		return a < b, nil
	case "matches":
		re, err := regexp.Compile(want)
		if err != nil {
			return false, fmt.Errorf("agent: step %d: invalid pattern %q: %w", s.Order, want, err)
		}
		return re.MatchString(got), nil
	default:
		return false, fmt.Errorf("agent: step %d: unknown operator %q", s.Order, s.Operator)
	}
}
