// Package agent runs agents: conversational agents drive a bounded
// tool-calling loop against the LLM, workflow agents interpret a fixed list
// of steps.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sashabaranov/go-openai"
	"github.com/zulandar/switchboard/internal/knowledge"
	"github.com/zulandar/switchboard/internal/llm"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/tool"
	"gorm.io/gorm"
)

// Agent types.
const (
	TypeConversational = "conversational"
	TypeWorkflow       = "workflow"
)

// Defaults for Options.
const (
	MaxToolIterations = 10
	MaxDepth          = 3
)

var (
	// ErrNotFound is returned for unknown or disabled agents.
	ErrNotFound = errors.New("agent: not found")
	// ErrCircularReference is returned when a sub_agent step would re-enter
	// an agent already running in the chain.
	ErrCircularReference = errors.New("agent: circular reference")
	// ErrMaxDepth is returned when sub_agent nesting exceeds MaxDepth.
	ErrMaxDepth = errors.New("agent: sub-agent nesting too deep")
	// ErrIncomplete is returned when a workflow tool call lacks required
	// parameters.
	ErrIncomplete = errors.New("agent: required tool parameters missing")
	// ErrNoReply is returned when an agent finishes without reply text.
	ErrNoReply = errors.New("agent: no reply produced")
)

// Chatter sends chat completions. *llm.Provider satisfies it.
type Chatter interface {
	Chat(ctx context.Context, req openai.ChatCompletionRequest) (*llm.Response, error)
}

// Retriever finds knowledge for a query. *knowledge.Retriever satisfies it.
type Retriever interface {
	Retrieve(ctx context.Context, query string, kbIDs []uint, opts knowledge.Options) ([]knowledge.Chunk, error)
}

// ToolRunner invokes tools. *tool.Executor satisfies it.
type ToolRunner interface {
	Run(ctx context.Context, t *models.Tool, params map[string]any, ec tool.ExecContext) (*tool.Result, error)
}

// Context is the input of one agent execution.
type Context struct {
	TicketID     string
	ProcessingID *uint
	// Message is the latest customer message.
	Message string
	// History holds earlier turns of the conversation, oldest first,
	// excluding Message.
	History []models.TicketMessage
	Scope   Scope
}

// Result is the output of one agent execution.
type Result struct {
	Reply     string
	Usage     openai.Usage
	Scope     Scope
	LLMCalls  int
	ToolCalls int
}

func (r *Result) addUsage(u openai.Usage) {
	r.Usage.PromptTokens += u.PromptTokens
	r.Usage.CompletionTokens += u.CompletionTokens
	r.Usage.TotalTokens += u.TotalTokens
}

// Options bounds execution.
type Options struct {
	MaxToolIterations int
	MaxDepth          int
	Knowledge         knowledge.Options
	HTTPTimeout       time.Duration
}

// Engine executes agents.
type Engine struct {
	db        *gorm.DB
	chat      Chatter
	retriever Retriever
	tools     ToolRunner
	http      *resty.Client
	opts      Options
	log       logging.Logger
}

// NewEngine returns an Engine. retriever may be nil, disabling knowledge
// context.
func NewEngine(db *gorm.DB, chat Chatter, retriever Retriever, tools ToolRunner, opts Options, log logging.Logger) *Engine {
	if opts.MaxToolIterations <= 0 {
		opts.MaxToolIterations = MaxToolIterations
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = MaxDepth
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = tool.DefaultTimeout
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Engine{
		db:        db,
		chat:      chat,
		retriever: retriever,
		tools:     tools,
		http:      resty.New().SetTimeout(opts.HTTPTimeout),
		opts:      opts,
		log:       log,
	}
}

// Execute runs agent agentID.
func (e *Engine) Execute(ctx context.Context, agentID uint, ac Context) (*Result, error) {
	return e.execute(ctx, agentID, ac, nil)
}

func (e *Engine) execute(ctx context.Context, agentID uint, ac Context, chain []uint) (*Result, error) {
	for _, id := range chain {
		if id == agentID {
			return nil, fmt.Errorf("%w: agent %d", ErrCircularReference, agentID)
		}
	}
	if len(chain) > e.opts.MaxDepth {
		return nil, fmt.Errorf("%w (%d)", ErrMaxDepth, len(chain))
	}
	a, err := e.load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	chain = append(append([]uint(nil), chain...), agentID)

	switch a.Type {
	case TypeWorkflow:
		return e.runWorkflow(ctx, a, ac, chain)
	case TypeConversational, "":
		return e.runConversation(ctx, a, ac)
	default:
		return nil, fmt.Errorf("agent: %d has unknown type %q", a.ID, a.Type)
	}
}

func (e *Engine) load(ctx context.Context, agentID uint) (*models.Agent, error) {
	var a models.Agent
	err := e.db.WithContext(ctx).
		Preload("KnowledgeBases").
		Preload("Tools").
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order ASC, id ASC") }).
		Where("id = ? AND enabled = ?", agentID, true).
		First(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: id %d", ErrNotFound, agentID)
		}
		return nil, fmt.Errorf("agent: load %d: %w", agentID, err)
	}
	return &a, nil
}

func (e *Engine) recordUsage(ticketID string, a *models.Agent, model string, u openai.Usage) {
	id := a.ID
	if err := llm.RecordUsage(e.db, llm.UsageRecord{TicketID: ticketID, AgentID: &id, Purpose: "agent", Model: model}, u); err != nil {
		e.log.Warn("usage not recorded", "agent", a.ID, "err", err)
	}
}

// request builds a chat request carrying the agent's sampling settings.
func request(a *models.Agent, model string, msgs []openai.ChatCompletionMessage) openai.ChatCompletionRequest {
	if model == "" {
		model = a.Model
	}
	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    append([]openai.ChatCompletionMessage(nil), msgs...),
		Temperature: a.Temperature,
		TopP:        a.TopP,
		MaxTokens:   a.MaxTokens,
	}
}

// knowledgeContext retrieves chunks from the agent's knowledge bases.
// Retrieval failures are logged and yield no context.
func (e *Engine) knowledgeContext(ctx context.Context, a *models.Agent, query string) string {
	if e.retriever == nil || len(a.KnowledgeBases) == 0 || query == "" {
		return ""
	}
	ids := make([]uint, 0, len(a.KnowledgeBases))
	for _, kb := range a.KnowledgeBases {
		ids = append(ids, kb.KnowledgeBaseID)
	}
	hits, err := e.retriever.Retrieve(ctx, query, ids, e.opts.Knowledge)
	if err != nil {
		e.log.Warn("knowledge retrieval failed", "agent", a.ID, "err", err)
		return ""
	}
	return knowledge.FormatContext(hits)
}

func historyMessages(history []models.TicketMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Direction == "outbound" {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Body})
	}
	return out
}
