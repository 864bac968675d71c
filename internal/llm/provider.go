package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"github.com/zulandar/switchboard/internal/metrics"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// ErrNoChoices is returned when the provider answers without a message.
var ErrNoChoices = errors.New("llm: response has no choices")

// Provider wraps a Client with the configured default models.
type Provider struct {
	client         Client
	model          string
	embeddingModel string
}

// NewProvider returns a Provider. model and embeddingModel are used when a
// request leaves them empty.
func NewProvider(client Client, model, embeddingModel string) *Provider {
	return &Provider{client: client, model: model, embeddingModel: embeddingModel}
}

// Model returns the default chat model.
func (p *Provider) Model() string { return p.model }

// Response is the first choice of a chat completion plus its usage.
type Response struct {
	Message openai.ChatCompletionMessage
	Usage   openai.Usage
	Model   string
}

// Chat sends req, filling in the default model.
func (p *Provider) Chat(ctx context.Context, req openai.ChatCompletionRequest) (*Response, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm: chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}
	return &Response{Message: resp.Choices[0].Message, Usage: resp.Usage, Model: req.Model}, nil
}

// Embed returns the embedding of a single text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request. The result is index-aligned with
// texts.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(p.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("llm: embed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("llm: embed: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("llm: embed: vector index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// GenerateJSON forces the model to call a single "json" function whose
// parameters follow schema, then decodes the arguments into dst.
func (p *Provider) GenerateJSON(ctx context.Context, model string, conv []openai.ChatCompletionMessage, schema jsonschema.Definition, dst any) (openai.Usage, error) {
	const toolName = "json"
	resp, err := p.Chat(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: conv,
		Tools: []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:       toolName,
				Parameters: schema,
			},
		}},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: toolName},
		},
	})
	if err != nil {
		return openai.Usage{}, err
	}
	args := ""
	if len(resp.Message.ToolCalls) > 0 {
		args = resp.Message.ToolCalls[0].Function.Arguments
	} else {
		// Some compatible servers answer in content instead of a tool call.
		args = resp.Message.Content
	}
	if err := json.Unmarshal([]byte(args), dst); err != nil {
		return resp.Usage, fmt.Errorf("llm: decode json output: %w", err)
	}
	return resp.Usage, nil
}

// UsageRecord identifies what an LLM call was made for.
type UsageRecord struct {
	TicketID string
	AgentID  *uint
	Purpose  string // intent, variable, agent, safety
	Model    string
}

// RecordUsage persists token usage. Recording failures are returned but
// callers treat them as non-fatal.
func RecordUsage(db *gorm.DB, rec UsageRecord, u openai.Usage) error {
	row := models.LLMUsage{
		TicketID:         rec.TicketID,
		AgentID:          rec.AgentID,
		Purpose:          rec.Purpose,
		Model:            rec.Model,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	metrics.TokensUsed(rec.Purpose, u.TotalTokens)
	if err := db.Create(&row).Error; err != nil {
		return fmt.Errorf("llm: record usage: %w", err)
	}
	return nil
}
