// Package variable extracts ticket variables from conversations and keeps
// the per-ticket values.
package variable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"github.com/zulandar/switchboard/internal/llm"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Extraction methods.
const (
	MethodAutoSync     = "auto_sync"
	MethodKeyword      = "keyword"
	MethodSmart        = "smart"
	MethodNotExtracted = "not_extracted"
	MethodTool         = "tool"
	MethodManual       = "manual"
)

// Variable types.
const (
	TypeValue = "value"
	TypeList  = "list"
)

// Generator produces schema-constrained JSON. *llm.Provider satisfies it.
type Generator interface {
	GenerateJSON(ctx context.Context, model string, conv []openai.ChatCompletionMessage, schema jsonschema.Definition, dst any) (openai.Usage, error)
}

// ListItem is one allowed value of a list variable.
type ListItem struct {
	Value    string   `json:"value"`
	Keywords []string `json:"keywords"`
}

// Extraction is the outcome for one variable.
type Extraction struct {
	VariableID uint   `json:"variableId"`
	Name       string `json:"name"`
	Value      string `json:"value"`
	Method     string `json:"method"`
}

// Extractor resolves variables for a ticket in three tiers: ticket
// metadata, keyword patterns, then LLM smart extraction.
type Extractor struct {
	db    *gorm.DB
	gen   Generator
	model string
	log   logging.Logger
}

// NewExtractor returns an Extractor. gen may be nil, disabling smart
// extraction.
func NewExtractor(db *gorm.DB, gen Generator, model string, log logging.Logger) *Extractor {
	if log == nil {
		log = logging.Discard()
	}
	return &Extractor{db: db, gen: gen, model: model, log: log}
}

// ExtractAll resolves every enabled variable for ticket t and upserts the
// results. inbound holds the customer's messages, newest first. A variable
// that resolves to nothing is recorded as not_extracted only when the
// ticket has no value for it yet.
func (e *Extractor) ExtractAll(ctx context.Context, t *models.Ticket, inbound []string) ([]Extraction, error) {
	var vars []models.Variable
	if err := e.db.WithContext(ctx).Where("enabled = ?", true).Order("id ASC").Find(&vars).Error; err != nil {
		return nil, fmt.Errorf("variable: load variables: %w", err)
	}
	meta := map[string]any{}
	if len(t.Metadata) > 0 {
		if err := json.Unmarshal(t.Metadata, &meta); err != nil {
			return nil, fmt.Errorf("variable: decode metadata for %s: %w", t.ID, err)
		}
	}

	out := make([]Extraction, 0, len(vars))
	for _, v := range vars {
		ex, err := e.extract(ctx, t.ID, v, meta, inbound)
		if err != nil {
			return nil, err
		}
		if ex.Method == MethodNotExtracted {
			if err := e.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
				Create(&models.TicketVariable{TicketID: t.ID, VariableID: v.ID, Method: MethodNotExtracted}).Error; err != nil {
				return nil, fmt.Errorf("variable: record %s: %w", v.Name, err)
			}
		} else if err := upsert(e.db.WithContext(ctx), t.ID, v.ID, ex.Value, ex.Method); err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, nil
}

func (e *Extractor) extract(ctx context.Context, ticketID string, v models.Variable, meta map[string]any, inbound []string) (Extraction, error) {
	ex := Extraction{VariableID: v.ID, Name: v.Name, Method: MethodNotExtracted}

	if raw, ok := meta[v.Name]; ok && raw != nil {
		ex.Value, ex.Method = stringify(raw), MethodAutoSync
		return ex, nil
	}

	if val, ok := matchKeywords(v, inbound); ok {
		ex.Value, ex.Method = val, MethodKeyword
		return ex, nil
	}

	if v.SmartExtraction && e.gen != nil && len(inbound) > 0 {
		val, ok, err := e.smart(ctx, ticketID, v, inbound)
		if err != nil {
			return ex, err
		}
		if ok {
			ex.Value, ex.Method = val, MethodSmart
		}
	}
	return ex, nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64, bool, json.Number:
		return fmt.Sprint(x)
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	}
}

// compileKeyword treats kw as a case-insensitive regular expression,
// falling back to a literal match when it does not compile.
func compileKeyword(kw string) *regexp.Regexp {
	if re, err := regexp.Compile("(?i)" + kw); err == nil {
		return re
	}
	return regexp.MustCompile("(?i)" + regexp.QuoteMeta(kw))
}

// findKeyword returns the first capture group of kw's match in text, or
// the whole match when the pattern has no non-empty group.
func findKeyword(kw, text string) (string, bool) {
	m := compileKeyword(kw).FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	for _, g := range m[1:] {
		if g != "" {
			return g, true
		}
	}
	return m[0], true
}

func matchKeywords(v models.Variable, inbound []string) (string, bool) {
	if v.Type == TypeList {
		var items []ListItem
		if len(v.ListItems) == 0 || json.Unmarshal(v.ListItems, &items) != nil {
			return "", false
		}
		for _, msg := range inbound {
			for _, item := range items {
				for _, kw := range item.Keywords {
					if kw == "" {
						continue
					}
					if _, ok := findKeyword(kw, msg); ok {
						return item.Value, true
					}
				}
			}
		}
		return "", false
	}

	var keywords []string
	if len(v.Keywords) == 0 || json.Unmarshal(v.Keywords, &keywords) != nil {
		return "", false
	}
	for _, msg := range inbound {
		for _, kw := range keywords {
			if kw == "" {
				continue
			}
			if val, ok := findKeyword(kw, msg); ok {
				return strings.TrimSpace(val), true
			}
		}
	}
	return "", false
}

var smartSchema = jsonschema.Definition{
	Type: jsonschema.Object,
	Properties: map[string]jsonschema.Definition{
		"found": {Type: jsonschema.Boolean},
		"value": {Type: jsonschema.String},
	},
	Required: []string{"found", "value"},
}

func (e *Extractor) smart(ctx context.Context, ticketID string, v models.Variable, inbound []string) (string, bool, error) {
	instruction := v.Instruction
	if instruction == "" {
		instruction = fmt.Sprintf("Extract the value of %q. %s", v.Name, v.Description)
	}
	if v.Type == TypeList {
		var items []ListItem
		_ = json.Unmarshal(v.ListItems, &items)
		var allowed []string
		for _, it := range items {
			allowed = append(allowed, it.Value)
		}
		if len(allowed) > 0 {
			instruction += "\nAnswer with one of: " + strings.Join(allowed, ", ")
		}
	}
	conv := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: "You extract structured data from customer messages. " +
			"Set found to false when the messages do not contain the value.\n\n" + instruction},
		{Role: openai.ChatMessageRoleUser, Content: strings.Join(inbound, "\n---\n")},
	}
	var out struct {
		Found bool   `json:"found"`
		Value string `json:"value"`
	}
	usage, err := e.gen.GenerateJSON(ctx, e.model, conv, smartSchema, &out)
	if err != nil {
		return "", false, fmt.Errorf("variable: smart extraction of %s: %w", v.Name, err)
	}
	if err := llm.RecordUsage(e.db, llm.UsageRecord{TicketID: ticketID, Purpose: "variable", Model: e.model}, usage); err != nil {
		e.log.Warn("usage not recorded", "err", err)
	}
	val := strings.TrimSpace(out.Value)
	return val, out.Found && val != "", nil
}

func upsert(db *gorm.DB, ticketID string, variableID uint, value, method string) error {
	row := models.TicketVariable{TicketID: ticketID, VariableID: variableID, Value: value, Method: method}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ticket_id"}, {Name: "variable_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "method", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("variable: upsert %d for %s: %w", variableID, ticketID, err)
	}
	return nil
}

// Set writes a named variable for a ticket, creating the Variable
// definition when it does not exist.
func Set(db *gorm.DB, ticketID, name, value, method string) error {
	if name == "" {
		return fmt.Errorf("variable: name is required")
	}
	v := models.Variable{Name: name, Type: TypeValue}
	if err := db.Where(models.Variable{Name: name}).FirstOrCreate(&v).Error; err != nil {
		return fmt.Errorf("variable: ensure %s: %w", name, err)
	}
	return upsert(db, ticketID, v.ID, value, method)
}

// Values returns a ticket's resolved variables by name. Variables that were
// not extracted are omitted.
func Values(db *gorm.DB, ticketID string) (map[string]string, error) {
	var rows []models.TicketVariable
	if err := db.Preload("Variable").Where("ticket_id = ?", ticketID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("variable: load values for %s: %w", ticketID, err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		if r.Method == MethodNotExtracted {
			continue
		}
		out[r.Variable.Name] = r.Value
	}
	return out, nil
}

// Get returns one ticket variable by name.
func Get(db *gorm.DB, ticketID, name string) (*models.TicketVariable, error) {
	var row models.TicketVariable
	err := db.Joins("Variable").Where("ticket_variables.ticket_id = ? AND Variable.name = ?", ticketID, name).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("variable: %s not set on %s", name, ticketID)
		}
		return nil, fmt.Errorf("variable: get %s on %s: %w", name, ticketID, err)
	}
	return &row, nil
}
