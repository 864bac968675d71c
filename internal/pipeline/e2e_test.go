package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/zulandar/switchboard/internal/agent"
	"github.com/zulandar/switchboard/internal/channel"
	"github.com/zulandar/switchboard/internal/intent"
	"github.com/zulandar/switchboard/internal/llm"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/safety"
	"github.com/zulandar/switchboard/internal/ticket"
	"github.com/zulandar/switchboard/internal/tool"
	"github.com/zulandar/switchboard/internal/variable"
	"gorm.io/datatypes"
)

// scriptedLLM answers intent classification with order_status and drives
// the agent through one lookup_order call before replying.
func scriptedLLM(t *testing.T) *llm.MockClient {
	t.Helper()
	return &llm.MockClient{
		CreateChatCompletionFunc: func(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
			if tc, ok := req.ToolChoice.(openai.ToolChoice); ok && tc.Function.Name == "json" {
				if strings.HasPrefix(req.Messages[0].Content, "Classify") {
					return llm.ToolCallResponse("c1", "json", `{"intent":"order_status","confidence":0.93,"reason":"asks about an order"}`), nil
				}
				t.Errorf("unexpected structured request: %q", req.Messages[0].Content)
				return llm.ToolCallResponse("c1", "json", `{}`), nil
			}
			for _, m := range req.Messages {
				if m.Role == openai.ChatMessageRoleTool {
					var out struct {
						Body struct {
							Status string `json:"status"`
						} `json:"body"`
					}
					if err := json.Unmarshal([]byte(m.Content), &out); err != nil {
						t.Errorf("tool message %q: %v", m.Content, err)
					}
					return llm.TextResponse("Good news, your order has " + out.Body.Status + "."), nil
				}
			}
			return llm.ToolCallResponse("call_1", "lookup_order", `{}`), nil
		},
	}
}

func TestEndToEnd_OrderStatus(t *testing.T) {
	var orderHits atomic.Int32
	orders := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orderHits.Add(1)
		if r.URL.Path != "/orders/1234" {
			t.Errorf("order path = %s", r.URL.Path)
		}
		if r.Header.Get("Idempotency-Key") == "" {
			t.Error("missing Idempotency-Key")
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"shipped","eta":"2026-03-04"}`)
	}))
	defer orders.Close()

	var relayed map[string]any
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&relayed); err != nil {
			t.Errorf("decode relay body: %v", err)
		}
		io.WriteString(w, `{"message_id":"<out-1@relay>"}`)
	}))
	defer relay.Close()

	h := newHarness(t, Deps{}, Options{AutoReply: true})
	gdb := h.gdb
	mock := scriptedLLM(t)
	provider := llm.NewProvider(mock, "test-model", "test-embed")

	lookup := models.Tool{
		Name:              "lookup_order",
		Description:       "Look up an order by number.",
		URL:               orders.URL + "/orders/{{order_id}}",
		Parameters:        datatypes.JSON(`{"type":"object","properties":{"order_id":{"type":"string"}},"required":["order_id"]}`),
		ParameterBindings: datatypes.JSON(`{"order_id":"order_number"}`),
		ResponseMappings:  datatypes.JSON(`{"order_status":"$.status"}`),
	}
	if err := gdb.Create(&lookup).Error; err != nil {
		t.Fatalf("create tool: %v", err)
	}
	ag := models.Agent{Name: "orders", Type: agent.TypeConversational, SystemPrompt: "You help with orders.", Model: "test-model"}
	if err := gdb.Create(&ag).Error; err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if err := gdb.Create(&models.AgentTool{AgentID: ag.ID, ToolID: lookup.ID}).Error; err != nil {
		t.Fatalf("bind tool: %v", err)
	}
	in := models.Intent{Name: "order_status", Description: "Questions about an order", Enabled: true}
	if err := gdb.Create(&in).Error; err != nil {
		t.Fatalf("create intent: %v", err)
	}
	cfg, _ := json.Marshal(map[string]uint{"agentId": ag.ID})
	if err := gdb.Create(&models.IntentAction{IntentID: in.ID, Type: intent.ActionExecuteAgent, Config: cfg}).Error; err != nil {
		t.Fatalf("create action: %v", err)
	}
	if err := gdb.Create(&models.Variable{Name: "order_number", Keywords: datatypes.JSON(`["order\\s*#?\\s*(\\d+)"]`), Enabled: true}).Error; err != nil {
		t.Fatalf("create variable: %v", err)
	}
	if _, err := safety.SeedBuiltinRules(gdb); err != nil {
		t.Fatalf("seed rules: %v", err)
	}

	sender, err := channel.NewRelay(channel.RelayOpts{URL: relay.URL, AccountID: "support"})
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	h.p.deps.Intents = intent.NewRecognizer(gdb, provider, "test-model", 0.5, nil)
	h.p.deps.Variables = variable.NewExtractor(gdb, provider, "test-model", nil)
	h.p.deps.Agents = agent.NewEngine(gdb, provider, nil, tool.NewExecutor(gdb, nil, 0, nil), agent.Options{}, nil)
	h.p.deps.Safety = safety.NewChecker(gdb, provider, "test-model", nil)
	h.p.deps.Sender = sender

	tk := h.receive(t, emailMessage("Hi, where is my order #1234?"))
	h.drain(t)

	rows := h.rows(t, tk.ID)
	if got := stageStatuses(rows); got != "1:ingest=completed 1:intent=completed 1:variable=completed 1:agent=completed 1:safety=completed" {
		t.Fatalf("rows = %s", got)
	}
	var ar AgentResult
	if err := json.Unmarshal(rows[3].Result, &ar); err != nil {
		t.Fatalf("decode agent result: %v", err)
	}
	if ar.Reply != "Good news, your order has shipped." || ar.LLMCalls != 2 || ar.ToolCalls != 1 {
		t.Errorf("agent result = %+v", ar)
	}

	got := h.ticket(t, tk.ID)
	if got.Status != ticket.StatusAwaitingReply {
		t.Errorf("status = %s", got.Status)
	}
	out := got.Messages[len(got.Messages)-1]
	if out.Direction != ticket.Outbound || out.ExternalMessageID != "<out-1@relay>" || out.InReplyTo != "<m1@mail>" {
		t.Errorf("outbound = %+v", out)
	}
	if relayed["to"] != "amy@example.com" || relayed["body"] != "Good news, your order has shipped." {
		t.Errorf("relayed = %v", relayed)
	}

	vars, err := variable.Values(gdb, tk.ID)
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	if vars["order_number"] != "1234" || vars["order_status"] != "shipped" {
		t.Errorf("variables = %v", vars)
	}
	if orderHits.Load() != 1 {
		t.Errorf("order API hits = %d, want 1", orderHits.Load())
	}

	var logs []models.ToolExecutionLog
	gdb.Where("ticket_id = ?", tk.ID).Find(&logs)
	if len(logs) != 1 || !logs[0].Success || logs[0].ProcessingID == nil || *logs[0].ProcessingID != rows[3].ID {
		t.Errorf("tool logs = %+v", logs)
	}
	var usage int64
	gdb.Model(&models.LLMUsage{}).Where("ticket_id = ?", tk.ID).Count(&usage)
	if usage != 3 {
		t.Errorf("usage rows = %d, want 3 (intent + 2 agent)", usage)
	}
	if n := len(mock.Requests()); n != 3 {
		t.Errorf("LLM requests = %d, want 3", n)
	}
}
