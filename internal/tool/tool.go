// Package tool executes configured tools on behalf of agents and workflows.
//
// A tool is either an outbound HTTP call described by a Tool row or one of
// a small set of builtins. Every invocation is recorded as a
// ToolExecutionLog, including the ones that never reach the network.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sashabaranov/go-openai"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/metrics"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/secret"
	"gorm.io/gorm"
)

// Tool kinds.
const (
	KindHTTP    = "http"
	KindBuiltin = "builtin"
)

// DefaultTimeout applies when neither the tool nor the executor sets one.
const DefaultTimeout = 30 * time.Second

// maxLoggedOutput caps the response body stored in ToolExecutionLog.
const maxLoggedOutput = 64 << 10

// ErrNotFound is returned for unknown or disabled tools.
var ErrNotFound = errors.New("tool: not found")

// ExecContext identifies who is calling a tool and carries the variable
// values parameter bindings resolve against.
type ExecContext struct {
	TicketID     string
	ProcessingID *uint
	Variables    map[string]string
}

// Result is the outcome of one invocation. A non-2xx response is a
// result, not an error.
type Result struct {
	Tool       string            `json:"tool"`
	Success    bool              `json:"success"`
	StatusCode int               `json:"statusCode,omitempty"`
	Output     string            `json:"output,omitempty"`
	Mapped     map[string]string `json:"mapped,omitempty"`
	Missing    []string          `json:"missing,omitempty"`
	Error      string            `json:"error,omitempty"`
	Duration   time.Duration     `json:"-"`
	Input      map[string]any    `json:"-"`
}

// Incomplete reports whether required parameters could not be resolved.
func (r *Result) Incomplete() bool { return len(r.Missing) > 0 }

// Transport reports whether the call failed before a response arrived.
func (r *Result) Transport() bool { return !r.Success && r.StatusCode == 0 && r.Error != "" }

// ForModel renders the result as a tool message for the LLM.
func (r *Result) ForModel() string {
	if r.Error != "" {
		data, _ := json.Marshal(map[string]string{"error": r.Error})
		return string(data)
	}
	out := map[string]any{"status": r.StatusCode}
	var body any
	if json.Unmarshal([]byte(r.Output), &body) == nil {
		out["body"] = body
	} else {
		out["body"] = r.Output
	}
	if len(r.Mapped) > 0 {
		out["variables"] = r.Mapped
	}
	data, _ := json.Marshal(out)
	return string(data)
}

// Executor runs tools.
type Executor struct {
	db             *gorm.DB
	secrets        secret.Provider
	http           *resty.Client
	defaultTimeout time.Duration
	log            logging.Logger
	now            func() time.Time
}

// NewExecutor returns an Executor. secrets decrypts tool credentials; a nil
// provider leaves every credential masked.
func NewExecutor(db *gorm.DB, secrets secret.Provider, defaultTimeout time.Duration, log logging.Logger) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if log == nil {
		log = logging.Discard()
	}
	client := resty.New().
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "switchboard-tools/1")
	return &Executor{
		db:             db,
		secrets:        secrets,
		http:           client,
		defaultTimeout: defaultTimeout,
		log:            log,
		now:            time.Now,
	}
}

// SetHTTPClient replaces the transport used for HTTP tools and OAuth2
// token requests.
func (e *Executor) SetHTTPClient(hc *http.Client) {
	e.http = resty.NewWithClient(hc).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "switchboard-tools/1")
}

// SetClock overrides time.Now for the current_time builtin.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// Load returns the enabled tools among ids, ordered by id.
func Load(db *gorm.DB, ids []uint) ([]models.Tool, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var tools []models.Tool
	if err := db.Where("id IN ? AND enabled = ?", ids, true).Order("id ASC").Find(&tools).Error; err != nil {
		return nil, fmt.Errorf("tool: load: %w", err)
	}
	return tools, nil
}

// Execute loads tool toolID and runs it with params.
func (e *Executor) Execute(ctx context.Context, toolID uint, params map[string]any, ec ExecContext) (*Result, error) {
	var t models.Tool
	if err := e.db.WithContext(ctx).Where("id = ? AND enabled = ?", toolID, true).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: id %d", ErrNotFound, toolID)
		}
		return nil, fmt.Errorf("tool: load %d: %w", toolID, err)
	}
	return e.Run(ctx, &t, params, ec)
}

// ExecuteByName is Execute keyed by the tool's function name.
func (e *Executor) ExecuteByName(ctx context.Context, name string, params map[string]any, ec ExecContext) (*Result, error) {
	var t models.Tool
	if err := e.db.WithContext(ctx).Where("name = ? AND enabled = ?", name, true).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("tool: load %s: %w", name, err)
	}
	return e.Run(ctx, &t, params, ec)
}

// Run invokes t. The returned error covers only failures to record the
// invocation; everything else is described by the Result.
func (e *Executor) Run(ctx context.Context, t *models.Tool, params map[string]any, ec ExecContext) (*Result, error) {
	start := time.Now()
	input, missing := ResolveParams(t, params, ec.Variables)
	res := &Result{Tool: t.Name, Input: input}

	switch {
	case len(missing) > 0:
		res.Missing = missing
		res.Error = "missing required parameters: " + strings.Join(missing, ", ")
	case t.Kind == KindBuiltin:
		e.runBuiltin(ctx, t, input, ec, res)
	default:
		e.runHTTP(ctx, t, input, ec, res)
	}
	res.Duration = time.Since(start)

	if res.Success && ec.TicketID != "" {
		if err := e.applyMappings(ctx, t, ec.TicketID, res); err != nil {
			return nil, err
		}
	}
	if err := e.record(ctx, t, ec, res); err != nil {
		return nil, err
	}

	outcome := "success"
	switch {
	case res.Incomplete():
		outcome = "incomplete"
	case !res.Success:
		outcome = "failure"
	}
	metrics.ToolExecuted(t.Name, outcome)
	e.log.Debug("tool executed", "tool", t.Name, "ticket", ec.TicketID, "status", res.StatusCode, "outcome", outcome, "took", res.Duration)
	return res, nil
}

func (e *Executor) record(ctx context.Context, t *models.Tool, ec ExecContext, res *Result) error {
	input, err := json.Marshal(res.Input)
	if err != nil {
		return fmt.Errorf("tool: encode input: %w", err)
	}
	out := res.Output
	if len(out) > maxLoggedOutput {
		out = out[:maxLoggedOutput]
	}
	row := models.ToolExecutionLog{
		ToolID:       t.ID,
		TicketID:     ec.TicketID,
		ProcessingID: ec.ProcessingID,
		Input:        input,
		Output:       out,
		StatusCode:   res.StatusCode,
		Success:      res.Success,
		Error:        res.Error,
		DurationMs:   res.Duration.Milliseconds(),
	}
	if err := e.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("tool: record execution of %s: %w", t.Name, err)
	}
	return nil
}

type parameterSchema struct {
	Properties map[string]json.RawMessage `json:"properties"`
	Required   []string                   `json:"required"`
}

// ResolveParams merges explicit params with variable bindings. An explicit
// value always wins; a bound variable fills a parameter the caller left
// out. Required parameters resolved by neither are returned as missing.
func ResolveParams(t *models.Tool, params map[string]any, vars map[string]string) (map[string]any, []string) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if v != nil {
			out[k] = v
		}
	}

	var bindings map[string]string
	if len(t.ParameterBindings) > 0 {
		_ = json.Unmarshal(t.ParameterBindings, &bindings)
	}
	for param, varName := range bindings {
		if _, ok := out[param]; ok {
			continue
		}
		if v, ok := vars[varName]; ok && v != "" {
			out[param] = v
		}
	}

	var schema parameterSchema
	if len(t.Parameters) > 0 {
		_ = json.Unmarshal(t.Parameters, &schema)
	}
	var missing []string
	for _, name := range schema.Required {
		v, ok := out[name]
		if !ok || v == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return out, missing
}

// Definition describes t as an OpenAI function tool.
func Definition(t models.Tool) openai.Tool {
	params := json.RawMessage(`{"type":"object","properties":{}}`)
	if len(t.Parameters) > 0 && json.Valid(t.Parameters) {
		params = json.RawMessage(t.Parameters)
	}
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		},
	}
}
