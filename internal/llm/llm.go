// Package llm talks to chat-completion models with tool calling and
// streaming.
package llm

import (
	"context"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool declares a capability the model may invoke. Parameters is a JSON
// schema object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
}

type Request struct {
	Messages []Message
	Tools    []Tool
	// DisableTools sends the request without any tool declarations.
	DisableTools bool
	MaxTokens    int
}

type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
	// Stream calls onDelta for every text fragment as it arrives and
	// returns the assembled response once the model finishes.
	Stream(ctx context.Context, req Request, onDelta func(string) error) (Response, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Config struct {
	Provider         string
	Model            string
	BaseURL          string
	OpenAIAPIKey     string
	OpenRouterAPIKey string
	EmbeddingModel   string
}

func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "local":
		return LocalProvider{}, nil
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:         cfg.OpenAIAPIKey,
			Model:          cfg.Model,
			BaseURL:        cfg.BaseURL,
			EmbeddingModel: cfg.EmbeddingModel,
		}), nil
	case "openrouter":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:         cfg.OpenRouterAPIKey,
			Model:          cfg.Model,
			BaseURL:        defaultIfEmpty(cfg.BaseURL, "https://openrouter.ai/api/v1"),
			EmbeddingModel: cfg.EmbeddingModel,
		}), nil
	default:
		return nil, ErrUnsupportedProvider{Provider: cfg.Provider}
	}
}

// NewEmbedder returns the embedder for semantic search. Embeddings always
// come from OpenAI since the stored vectors were built with its model;
// nil means keyword search only.
func NewEmbedder(cfg Config) Embedder {
	if cfg.OpenAIAPIKey == "" {
		return nil
	}
	return NewOpenAIProvider(OpenAIConfig{
		APIKey:         cfg.OpenAIAPIKey,
		Model:          cfg.Model,
		EmbeddingModel: cfg.EmbeddingModel,
	})
}

func defaultIfEmpty(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
