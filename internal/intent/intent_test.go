package intent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return gdb
}

type fakeGen struct {
	out    classification
	err    error
	calls  int
	prompt string
	enum   []string
}

func (f *fakeGen) GenerateJSON(_ context.Context, _ string, conv []openai.ChatCompletionMessage, schema jsonschema.Definition, dst any) (openai.Usage, error) {
	f.calls++
	f.prompt = conv[0].Content
	f.enum = schema.Properties["intent"].Enum
	if f.err != nil {
		return openai.Usage{}, f.err
	}
	data, _ := json.Marshal(f.out)
	return openai.Usage{TotalTokens: 4}, json.Unmarshal(data, dst)
}

func seedIntent(t *testing.T, gdb *gorm.DB, name string, examples ...string) models.Intent {
	t.Helper()
	ex, _ := json.Marshal(examples)
	in := models.Intent{Name: name, Description: name + " questions", Examples: datatypes.JSON(ex), Enabled: true}
	if err := gdb.Create(&in).Error; err != nil {
		t.Fatalf("create intent: %v", err)
	}
	return in
}

func TestRecognize_NoIntents(t *testing.T) {
	gen := &fakeGen{}
	r := NewRecognizer(testDB(t), gen, "m", 0.5, nil)
	m, err := r.Recognize(context.Background(), "tkt-1", "Where is my order?")
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if m.Known() || m.IntentName != Unknown {
		t.Errorf("match = %+v, want unknown", m)
	}
	if gen.calls != 0 {
		t.Error("model called with no enabled intents")
	}
}

func TestRecognize_Match(t *testing.T) {
	gdb := testDB(t)
	seedIntent(t, gdb, "Refund Request")
	order := seedIntent(t, gdb, "Order Inquiry", "Where is my package?")
	gen := &fakeGen{out: classification{Intent: "order inquiry", Confidence: 0.92, Reason: "asks about order"}}
	r := NewRecognizer(gdb, gen, "m", 0.5, nil)

	m, err := r.Recognize(context.Background(), "tkt-1", "Where is my order #12345?")
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if !m.Known() || *m.IntentID != order.ID || m.IntentName != "Order Inquiry" {
		t.Errorf("match = %+v", m)
	}
	if !strings.Contains(gen.prompt, `e.g. "Where is my package?"`) {
		t.Errorf("prompt lacks examples:\n%s", gen.prompt)
	}
	if len(gen.enum) != 3 || gen.enum[2] != Unknown {
		t.Errorf("enum = %v", gen.enum)
	}

	var usage models.LLMUsage
	gdb.First(&usage)
	if usage.Purpose != "intent" || usage.TicketID != "tkt-1" {
		t.Errorf("usage = %+v", usage)
	}
}

func TestRecognize_LowConfidenceAndUnknown(t *testing.T) {
	gdb := testDB(t)
	seedIntent(t, gdb, "Order Inquiry")

	low := NewRecognizer(gdb, &fakeGen{out: classification{Intent: "Order Inquiry", Confidence: 0.3}}, "m", 0.5, nil)
	m, _ := low.Recognize(context.Background(), "tkt-1", "hmm")
	if m.Known() || !strings.Contains(m.Reason, "below confidence threshold") {
		t.Errorf("low confidence match = %+v", m)
	}

	none := NewRecognizer(gdb, &fakeGen{out: classification{Intent: "unknown", Confidence: 0.9}}, "m", 0.5, nil)
	m, _ = none.Recognize(context.Background(), "tkt-1", "hello")
	if m.Known() {
		t.Errorf("unknown answer produced a match: %+v", m)
	}
}

func TestRecognize_DisabledIntentIgnored(t *testing.T) {
	gdb := testDB(t)
	in := seedIntent(t, gdb, "Order Inquiry")
	gdb.Model(&in).Update("enabled", false)

	gen := &fakeGen{out: classification{Intent: "Order Inquiry", Confidence: 1}}
	m, _ := NewRecognizer(gdb, gen, "m", 0.5, nil).Recognize(context.Background(), "tkt-1", "order?")
	if m.Known() || gen.calls != 0 {
		t.Errorf("disabled intent matched: %+v (calls %d)", m, gen.calls)
	}
}

func TestRecognize_Errors(t *testing.T) {
	gdb := testDB(t)
	seedIntent(t, gdb, "Order Inquiry")

	if _, err := NewRecognizer(gdb, &fakeGen{err: errors.New("503")}, "m", 0.5, nil).Recognize(context.Background(), "t", "x"); err == nil {
		t.Error("generator error not surfaced")
	}
	if _, err := NewRecognizer(gdb, nil, "m", 0.5, nil).Recognize(context.Background(), "t", "x"); err == nil {
		t.Error("missing generator not reported")
	}
}

func TestBoundAgent(t *testing.T) {
	legacy := uint(9)
	tests := []struct {
		name string
		in   models.Intent
		want uint
	}{
		{"none", models.Intent{}, 0},
		{"legacy", models.Intent{AgentID: &legacy}, 9},
		{"action wins", models.Intent{AgentID: &legacy, Actions: []models.IntentAction{
			{Type: "set_priority", Config: datatypes.JSON(`{"priority":"high"}`)},
			{Type: ActionExecuteAgent, Config: datatypes.JSON(`{"agentId":4}`)},
		}}, 4},
		{"bad action config falls back", models.Intent{AgentID: &legacy, Actions: []models.IntentAction{
			{Type: ActionExecuteAgent, Config: datatypes.JSON(`{}`)},
		}}, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BoundAgent(&tt.in)
			if tt.want == 0 {
				if got != nil {
					t.Errorf("BoundAgent = %d, want nil", *got)
				}
				return
			}
			if got == nil || *got != tt.want {
				t.Errorf("BoundAgent = %v, want %d", got, tt.want)
			}
		})
	}
}
