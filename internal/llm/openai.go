package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIConfig struct {
	APIKey         string
	Model          string
	BaseURL        string
	EmbeddingModel string
}

// OpenAIProvider speaks the OpenAI chat-completions protocol, which
// OpenRouter also implements.
type OpenAIProvider struct {
	apiKey         string
	model          string
	baseURL        string
	embeddingModel string
	client         *openai.Client
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = baseURL
	clientConfig.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	return &OpenAIProvider{
		apiKey:         cfg.APIKey,
		model:          cfg.Model,
		baseURL:        baseURL,
		embeddingModel: defaultIfEmpty(cfg.EmbeddingModel, string(openai.AdaEmbeddingV2)),
		client:         openai.NewClientWithConfig(clientConfig),
	}
}

func (p *OpenAIProvider) validate() error {
	if p.apiKey == "" {
		return errors.New("missing API key for remote provider")
	}
	if p.model == "" {
		return errors.New("missing model for remote provider")
	}
	return nil
}

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (Response, error) {
	if err := p.validate(); err != nil {
		return Response{}, err
	}
	resp, err := p.client.CreateChatCompletion(ctx, p.chatRequest(req))
	if err != nil {
		return Response{}, fmt.Errorf("LLM request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, errors.New("LLM response had no choices")
	}
	message := resp.Choices[0].Message
	out := Response{
		Content:   strings.TrimSpace(message.Content),
		ToolCalls: fromToolCalls(message.ToolCalls),
		Usage:     fromUsage(resp.Usage),
	}
	if out.Content == "" && len(out.ToolCalls) == 0 {
		return out, ErrEmptyResponse
	}
	return out, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request, onDelta func(string) error) (Response, error) {
	if err := p.validate(); err != nil {
		return Response{}, err
	}
	chatReq := p.chatRequest(req)
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return Response{}, fmt.Errorf("LLM stream failed: %w", err)
	}
	defer stream.Close()

	var (
		content strings.Builder
		usage   Usage
		calls   = map[int]*ToolCall{}
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Response{}, fmt.Errorf("LLM stream failed: %w", err)
		}
		if chunk.Usage != nil {
			usage = fromUsage(*chunk.Usage)
		}
		for _, choice := range chunk.Choices {
			if delta := choice.Delta.Content; delta != "" {
				content.WriteString(delta)
				if err := onDelta(delta); err != nil {
					return Response{}, err
				}
			}
			for position, call := range choice.Delta.ToolCalls {
				index := position
				if call.Index != nil {
					index = *call.Index
				}
				acc, ok := calls[index]
				if !ok {
					acc = &ToolCall{}
					calls[index] = acc
				}
				if call.ID != "" {
					acc.ID = call.ID
				}
				if call.Function.Name != "" {
					acc.Name = call.Function.Name
				}
				acc.Arguments += call.Function.Arguments
			}
		}
	}

	out := Response{
		Content:   strings.TrimSpace(content.String()),
		ToolCalls: orderedCalls(calls),
		Usage:     usage,
	}
	if out.Content == "" && len(out.ToolCalls) == 0 {
		return out, ErrEmptyResponse
	}
	return out, nil
}

func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.apiKey == "" {
		return nil, errors.New("missing API key for remote provider")
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(p.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embedding response had no data")
	}
	return resp.Data[0].Embedding, nil
}

func (p *OpenAIProvider) chatRequest(req Request) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:     p.model,
		Messages:  toMessages(req.Messages),
		MaxTokens: req.MaxTokens,
	}
	if !req.DisableTools && len(req.Tools) > 0 {
		chatReq.Tools = toTools(req.Tools)
	}
	return chatReq
}

func toMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		converted := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, call := range msg.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: call.Arguments,
				},
			})
		}
		out = append(out, converted)
	}
	return out
}

func toTools(tools []Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		params := tool.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func fromToolCalls(calls []openai.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, call := range calls {
		out = append(out, ToolCall{ID: call.ID, Name: call.Function.Name, Arguments: call.Function.Arguments})
	}
	return out
}

func fromUsage(usage openai.Usage) Usage {
	return Usage{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	}
}

func orderedCalls(calls map[int]*ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(calls))
	for index := range calls {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	out := make([]ToolCall, 0, len(indexes))
	for _, index := range indexes {
		if calls[index].Name == "" {
			continue
		}
		out = append(out, *calls[index])
	}
	return out
}
