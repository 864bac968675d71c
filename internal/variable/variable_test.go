package variable

import (
	"context"
	"encoding/json"
	"errors"
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
	found bool
	value string
	err   error
	calls int
}

func (f *fakeGen) GenerateJSON(_ context.Context, _ string, _ []openai.ChatCompletionMessage, _ jsonschema.Definition, dst any) (openai.Usage, error) {
	f.calls++
	if f.err != nil {
		return openai.Usage{}, f.err
	}
	data, _ := json.Marshal(map[string]any{"found": f.found, "value": f.value})
	return openai.Usage{TotalTokens: 2}, json.Unmarshal(data, dst)
}

func jsonOf(t *testing.T, v any) datatypes.JSON {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return datatypes.JSON(data)
}

func addVariable(t *testing.T, gdb *gorm.DB, v models.Variable) models.Variable {
	t.Helper()
	if v.Type == "" {
		v.Type = TypeValue
	}
	if err := gdb.Create(&v).Error; err != nil {
		t.Fatalf("create variable: %v", err)
	}
	return v
}

func ticketWith(t *testing.T, gdb *gorm.DB, meta map[string]any) *models.Ticket {
	t.Helper()
	tk := &models.Ticket{ID: "tkt-0001", Subject: "help", Status: "processing"}
	if meta != nil {
		tk.Metadata = jsonOf(t, meta)
	}
	if err := gdb.Create(tk).Error; err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return tk
}

func byName(exs []Extraction) map[string]Extraction {
	out := map[string]Extraction{}
	for _, e := range exs {
		out[e.Name] = e
	}
	return out
}

func TestExtractAll_Tiers(t *testing.T) {
	gdb := testDB(t)
	addVariable(t, gdb, models.Variable{Name: "email", Keywords: jsonOf(t, []string{`[\w.]+@[\w.]+`})})
	addVariable(t, gdb, models.Variable{Name: "order_id", Keywords: jsonOf(t, []string{`order\s*#?(\d+)`})})
	addVariable(t, gdb, models.Variable{Name: "product", SmartExtraction: true})
	addVariable(t, gdb, models.Variable{Name: "phone"})
	tk := ticketWith(t, gdb, map[string]any{"email": "amy@example.com"})

	gen := &fakeGen{found: true, value: " Router X2 "}
	ex := NewExtractor(gdb, gen, "m", nil)
	got, err := ex.ExtractAll(context.Background(), tk, []string{"My order #12345 with the router never came, write to bob@example.com"})
	if err != nil {
		t.Fatalf("ExtractAll: %v", err)
	}
	m := byName(got)

	if e := m["email"]; e.Method != MethodAutoSync || e.Value != "amy@example.com" {
		t.Errorf("email = %+v, want metadata value", e)
	}
	if e := m["order_id"]; e.Method != MethodKeyword || e.Value != "12345" {
		t.Errorf("order_id = %+v", e)
	}
	if e := m["product"]; e.Method != MethodSmart || e.Value != "Router X2" {
		t.Errorf("product = %+v", e)
	}
	if e := m["phone"]; e.Method != MethodNotExtracted {
		t.Errorf("phone = %+v", e)
	}
	if gen.calls != 1 {
		t.Errorf("smart calls = %d, want 1", gen.calls)
	}

	vals, err := Values(gdb, tk.ID)
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	if vals["order_id"] != "12345" || vals["product"] != "Router X2" {
		t.Errorf("values = %v", vals)
	}
	if _, ok := vals["phone"]; ok {
		t.Error("not_extracted variable returned as value")
	}

	var usage []models.LLMUsage
	gdb.Find(&usage)
	if len(usage) != 1 || usage[0].Purpose != "variable" {
		t.Errorf("usage = %+v", usage)
	}
}

func TestExtractAll_NewestMessageWins(t *testing.T) {
	gdb := testDB(t)
	addVariable(t, gdb, models.Variable{Name: "order_id", Keywords: jsonOf(t, []string{`order\s*#?(\d+)`})})
	tk := ticketWith(t, gdb, nil)

	got, _ := NewExtractor(gdb, nil, "m", nil).ExtractAll(context.Background(), tk,
		[]string{"sorry, it's order 222", "order 111 is late"})
	if got[0].Value != "222" {
		t.Errorf("value = %q, want newest message's match", got[0].Value)
	}
}

func TestExtractAll_ListVariable(t *testing.T) {
	gdb := testDB(t)
	addVariable(t, gdb, models.Variable{Name: "channel", Type: TypeList, ListItems: jsonOf(t, []ListItem{
		{Value: "Mobile", Keywords: []string{"iphone", "android"}},
		{Value: "Web", Keywords: []string{"browser", "website"}},
	})})
	tk := ticketWith(t, gdb, nil)

	got, err := NewExtractor(gdb, nil, "m", nil).ExtractAll(context.Background(), tk, []string{"The WEBSITE crashes on login"})
	if err != nil {
		t.Fatalf("ExtractAll: %v", err)
	}
	if got[0].Value != "Web" || got[0].Method != MethodKeyword {
		t.Errorf("channel = %+v", got[0])
	}
}

func TestExtractAll_InvalidKeywordIsLiteral(t *testing.T) {
	gdb := testDB(t)
	addVariable(t, gdb, models.Variable{Name: "plan", Keywords: jsonOf(t, []string{"pro(plus"})})
	tk := ticketWith(t, gdb, nil)

	got, err := NewExtractor(gdb, nil, "m", nil).ExtractAll(context.Background(), tk, []string{"I'm on PRO(PLUS"})
	if err != nil {
		t.Fatalf("ExtractAll: %v", err)
	}
	if got[0].Method != MethodKeyword || got[0].Value != "PRO(PLUS" {
		t.Errorf("plan = %+v", got[0])
	}
}

func TestExtractAll_NotExtractedKeepsExistingValue(t *testing.T) {
	gdb := testDB(t)
	addVariable(t, gdb, models.Variable{Name: "order_id", Keywords: jsonOf(t, []string{`order (\d+)`})})
	tk := ticketWith(t, gdb, nil)
	ex := NewExtractor(gdb, nil, "m", nil)

	if _, err := ex.ExtractAll(context.Background(), tk, []string{"order 77"}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := ex.ExtractAll(context.Background(), tk, []string{"thanks!"}); err != nil {
		t.Fatalf("second: %v", err)
	}
	row, err := Get(gdb, tk.ID, "order_id")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.Value != "77" || row.Method != MethodKeyword {
		t.Errorf("row = %+v, earlier value lost", row)
	}
}

func TestExtractAll_SmartNotFoundAndErrors(t *testing.T) {
	gdb := testDB(t)
	addVariable(t, gdb, models.Variable{Name: "product", SmartExtraction: true})
	tk := ticketWith(t, gdb, nil)

	got, err := NewExtractor(gdb, &fakeGen{found: false}, "m", nil).ExtractAll(context.Background(), tk, []string{"hi"})
	if err != nil || got[0].Method != MethodNotExtracted {
		t.Errorf("got %+v, %v; want not_extracted", got, err)
	}

	if _, err := NewExtractor(gdb, &fakeGen{err: errors.New("boom")}, "m", nil).ExtractAll(context.Background(), tk, []string{"hi"}); err == nil {
		t.Error("generator error not surfaced")
	}
}

func TestExtractAll_DisabledVariableSkipped(t *testing.T) {
	gdb := testDB(t)
	v := addVariable(t, gdb, models.Variable{Name: "email", Keywords: jsonOf(t, []string{`\S+@\S+`})})
	gdb.Model(&v).Update("enabled", false)
	tk := ticketWith(t, gdb, nil)

	got, _ := NewExtractor(gdb, nil, "m", nil).ExtractAll(context.Background(), tk, []string{"a@b.c"})
	if len(got) != 0 {
		t.Errorf("extractions = %+v, want none", got)
	}
}

func TestSet(t *testing.T) {
	gdb := testDB(t)
	if err := Set(gdb, "tkt-1", "tracking_no", "ZX9", MethodTool); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := Set(gdb, "tkt-1", "tracking_no", "ZX10", MethodTool); err != nil {
		t.Fatalf("Set again: %v", err)
	}
	var count int64
	gdb.Model(&models.Variable{}).Where("name = ?", "tracking_no").Count(&count)
	if count != 1 {
		t.Errorf("variables = %d, want 1", count)
	}
	vals, _ := Values(gdb, "tkt-1")
	if vals["tracking_no"] != "ZX10" {
		t.Errorf("values = %v", vals)
	}
	if err := Set(gdb, "tkt-1", "", "x", MethodTool); err == nil {
		t.Error("empty name accepted")
	}
}

func TestGet_Missing(t *testing.T) {
	if _, err := Get(testDB(t), "tkt-1", "nope"); err == nil {
		t.Error("expected error for missing variable")
	}
}
