// Package llm adapts an OpenAI-compatible provider for chat, embeddings and
// schema-constrained JSON generation.
package llm

import (
	"context"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/zulandar/switchboard/internal/config"
)

// Client is the subset of *openai.Client Switchboard calls.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// NewClient builds an OpenAI client for cfg with a bounded HTTP timeout.
func NewClient(cfg config.LLMConfig) *openai.Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	oc.HTTPClient = &http.Client{Timeout: timeout}
	return openai.NewClientWithConfig(oc)
}
