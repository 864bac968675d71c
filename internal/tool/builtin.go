package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/ticket"
	"github.com/zulandar/switchboard/internal/variable"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Builtin tool names.
const (
	BuiltinGetTicket   = "get_ticket"
	BuiltinSetVariable = "set_variable"
	BuiltinCurrentTime = "current_time"
)

var builtinTools = []models.Tool{
	{
		Name:        BuiltinGetTicket,
		Description: "Look up the current ticket: subject, status, customer and known variables.",
		Kind:        KindBuiltin,
		BuiltinName: BuiltinGetTicket,
		Parameters:  datatypes.JSON(`{"type":"object","properties":{}}`),
	},
	{
		Name:        BuiltinSetVariable,
		Description: "Remember a value on the ticket under a variable name.",
		Kind:        KindBuiltin,
		BuiltinName: BuiltinSetVariable,
		Parameters: datatypes.JSON(`{"type":"object","properties":{` +
			`"name":{"type":"string","description":"variable name"},` +
			`"value":{"type":"string"}},"required":["name","value"]}`),
	},
	{
		Name:        BuiltinCurrentTime,
		Description: "Current date and time, optionally in an IANA time zone.",
		Kind:        KindBuiltin,
		BuiltinName: BuiltinCurrentTime,
		Parameters: datatypes.JSON(`{"type":"object","properties":{` +
			`"timezone":{"type":"string","description":"e.g. Europe/Berlin"}}}`),
	},
}

// SeedBuiltinTools creates the builtin tool rows that do not exist yet.
func SeedBuiltinTools(db *gorm.DB) (int, error) {
	created := 0
	for _, b := range builtinTools {
		t := b
		var count int64
		if err := db.Model(&models.Tool{}).Where("name = ?", t.Name).Count(&count).Error; err != nil {
			return created, fmt.Errorf("tool: seed %s: %w", t.Name, err)
		}
		if count > 0 {
			continue
		}
		if err := db.Create(&t).Error; err != nil {
			return created, fmt.Errorf("tool: seed %s: %w", t.Name, err)
		}
		created++
	}
	return created, nil
}

func (e *Executor) runBuiltin(ctx context.Context, t *models.Tool, input map[string]any, ec ExecContext, res *Result) {
	name := t.BuiltinName
	if name == "" {
		name = t.Name
	}
	var (
		out any
		err error
	)
	switch name {
	case BuiltinGetTicket:
		out, err = e.getTicket(ctx, ec.TicketID)
	case BuiltinSetVariable:
		out, err = e.setVariable(ctx, ec.TicketID, input)
	case BuiltinCurrentTime:
		out, err = e.currentTime(input)
	default:
		err = fmt.Errorf("unknown builtin %q", name)
	}
	if err != nil {
		res.Error = err.Error()
		return
	}
	data, err := json.Marshal(out)
	if err != nil {
		res.Error = err.Error()
		return
	}
	res.Output = string(data)
	res.StatusCode = 200
	res.Success = true
}

type ticketView struct {
	ID            string            `json:"id"`
	Subject       string            `json:"subject"`
	Status        string            `json:"status"`
	Source        string            `json:"source"`
	CustomerEmail string            `json:"customerEmail,omitempty"`
	CustomerName  string            `json:"customerName,omitempty"`
	Messages      int               `json:"messages"`
	Variables     map[string]string `json:"variables"`
	CreatedAt     time.Time         `json:"createdAt"`
}

func (e *Executor) getTicket(ctx context.Context, ticketID string) (any, error) {
	if ticketID == "" {
		return nil, fmt.Errorf("no ticket in context")
	}
	db := e.db.WithContext(ctx)
	t, err := ticket.Get(db, ticketID)
	if err != nil {
		return nil, err
	}
	vars, err := variable.Values(db, ticketID)
	if err != nil {
		return nil, err
	}
	return ticketView{
		ID:            t.ID,
		Subject:       t.Subject,
		Status:        t.Status,
		Source:        t.Source,
		CustomerEmail: t.CustomerEmail,
		CustomerName:  t.CustomerName,
		Messages:      len(t.Messages),
		Variables:     vars,
		CreatedAt:     t.CreatedAt,
	}, nil
}

func (e *Executor) setVariable(ctx context.Context, ticketID string, input map[string]any) (any, error) {
	if ticketID == "" {
		return nil, fmt.Errorf("no ticket in context")
	}
	name, _ := input["name"].(string)
	value := scalar(input["value"])
	if err := variable.Set(e.db.WithContext(ctx), ticketID, name, value, variable.MethodTool); err != nil {
		return nil, err
	}
	return map[string]string{"name": name, "value": value}, nil
}

func (e *Executor) currentTime(input map[string]any) (any, error) {
	now := e.now()
	if tz, _ := input["timezone"].(string); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", tz)
		}
		now = now.In(loc)
	}
	return map[string]string{
		"now":     now.Format(time.RFC3339),
		"date":    now.Format("2006-01-02"),
		"weekday": now.Weekday().String(),
	}, nil
}
