package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/tool"
)

const toolInstructions = "You can call the tools provided to look up or change information for this customer. " +
	"Call a tool only when its result is needed to answer. If a tool returns an error, " +
	"explain what you can without it. Reply to the customer in plain text when you are done."

// systemPrompt assembles the agent prompt, knowledge excerpts, tool
// guidance and the known ticket facts in scope.
func systemPrompt(a *models.Agent, knowledge string, scope Scope, withTools bool) string {
	parts := []string{Render(a.SystemPrompt, scope)}
	if knowledge != "" {
		parts = append(parts, knowledge)
	}
	if withTools {
		parts = append(parts, toolInstructions)
	}
	var facts strings.Builder
	for _, n := range scope.Names() {
		if strings.HasPrefix(n, "_") {
			continue
		}
		v, _ := scope.Get(n)
		fmt.Fprintf(&facts, "\n- %s: %s", n, v)
	}
	if facts.Len() > 0 {
		parts = append(parts, "Known facts about this ticket:"+facts.String())
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

// runConversation drives the tool loop. Each iteration is one LLM call; the
// last allowed call is made with tool_choice "none" so the model has to
// answer in text.
func (e *Engine) runConversation(ctx context.Context, a *models.Agent, ac Context) (*Result, error) {
	ids := make([]uint, 0, len(a.Tools))
	for _, at := range a.Tools {
		ids = append(ids, at.ToolID)
	}
	tools, err := tool.Load(e.db.WithContext(ctx), ids)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*models.Tool, len(tools))
	defs := make([]openai.Tool, 0, len(tools))
	for i := range tools {
		byName[tools[i].Name] = &tools[i]
		defs = append(defs, tool.Definition(tools[i]))
	}

	res := &Result{Scope: ac.Scope}
	kc := e.knowledgeContext(ctx, a, ac.Message)
	rendered := res.Scope.Version()
	msgs := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt(a, kc, res.Scope, len(defs) > 0),
	}}
	msgs = append(msgs, historyMessages(ac.History)...)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: ac.Message})

	limit := e.opts.MaxToolIterations
	for i := 1; i <= limit; i++ {
		// Variables mapped by earlier tool calls become known facts.
		if v := res.Scope.Version(); v != rendered {
			msgs[0].Content = systemPrompt(a, kc, res.Scope, len(defs) > 0)
			rendered = v
		}
		req := request(a, "", msgs)
		if len(defs) > 0 {
			req.Tools = defs
			if i == limit {
				req.ToolChoice = "none"
			}
		}
		resp, err := e.chat.Chat(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("agent: %d iteration %d: %w", a.ID, i, err)
		}
		res.LLMCalls++
		res.addUsage(resp.Usage)
		e.recordUsage(ac.TicketID, a, resp.Model, resp.Usage)

		msg := resp.Message
		if len(msg.ToolCalls) == 0 || i == limit {
			res.Reply = strings.TrimSpace(msg.Content)
			break
		}

		msgs = append(msgs, msg)
		for _, call := range msg.ToolCalls {
			out, scope := e.callTool(ctx, call, byName, ac, res.Scope)
			res.Scope = scope
			res.ToolCalls++
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    out,
				Name:       call.Function.Name,
				ToolCallID: call.ID,
			})
		}
	}
	if res.Reply == "" {
		return nil, fmt.Errorf("%w: agent %d after %d calls", ErrNoReply, a.ID, res.LLMCalls)
	}
	return res, nil
}

func toolError(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}

// callTool runs one tool call and returns the tool message content plus
// the scope with any mapped variables merged in. Failures go back to the
// model as {"error": ...}.
func (e *Engine) callTool(ctx context.Context, call openai.ToolCall, byName map[string]*models.Tool, ac Context, scope Scope) (string, Scope) {
	t, ok := byName[call.Function.Name]
	if !ok {
		return toolError(fmt.Sprintf("unknown tool %q", call.Function.Name)), scope
	}
	args := map[string]any{}
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return toolError("invalid arguments: " + err.Error()), scope
		}
	}
	if e.tools == nil {
		return toolError("tools are not available"), scope
	}
	r, err := e.tools.Run(ctx, t, args, tool.ExecContext{
		TicketID:     ac.TicketID,
		ProcessingID: ac.ProcessingID,
		Variables:    scope.Map(),
	})
	if err != nil {
		e.log.Warn("tool call failed", "tool", t.Name, "err", err)
		return toolError(err.Error()), scope
	}
	return r.ForModel(), scope.Merge(r.Mapped)
}
