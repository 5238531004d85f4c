package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	t21otel "github.com/soportecyclops/tienda21/internal/otel"
)

var tracer = t21otel.Tracer("github.com/soportecyclops/tienda21/internal/llm")

// OpenAICompatProvider implements Provider over any OpenAI-compatible chat
// completions API. OpenAI, Groq, and Mistral all speak this protocol; they
// differ only in base URL, credential, and model names.
type OpenAICompatProvider struct {
	name   string
	model  string
	client *openai.Client
}

// Known chat-completions endpoints for providers that are OpenAI-compatible.
const (
	GroqBaseURL    = "https://api.groq.com/openai/v1"
	MistralBaseURL = "https://api.mistral.ai/v1"
)

// NewOpenAICompatProvider creates a provider named name using the given
// credential and model. baseURL selects the backend; empty means api.openai.com.
func NewOpenAICompatProvider(name, apiKey, baseURL, model string) *OpenAICompatProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompatProvider{
		name:   name,
		model:  model,
		client: openai.NewClientWithConfig(cfg),
	}
}

// Name returns the provider identifier.
func (p *OpenAICompatProvider) Name() string {
	return p.name
}

// Generate sends a chat completion request.
func (p *OpenAICompatProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.generate",
		trace.WithAttributes(t21otel.LLMRequestAttributes(
			p.name, p.resolveModel(req), req.Temperature, req.MaxTokens)...))
	defer span.End()

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.resolveModel(req),
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%s api call: %w", p.name, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("%s api call: %w", p.name, ErrEmptyCompletion)
	}

	span.SetAttributes(
		t21otel.GenAIUsageInputTokens.Int(resp.Usage.PromptTokens),
		t21otel.GenAIUsageOutputTokens.Int(resp.Usage.CompletionTokens),
		t21otel.GenAIResponseFinishReason.String(string(resp.Choices[0].FinishReason)),
	)

	return &Response{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        resp.Model,
	}, nil
}

func (p *OpenAICompatProvider) resolveModel(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}
