package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider serves OpenAI-compatible chat-completion endpoints through
// the go-openai client. A custom base URL supports compatible gateways.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates a provider with the given API key.
// baseURL overrides the default endpoint when non-empty.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		out[i] = openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func (p *OpenAIProvider) chatRequest(model string, msgs []Message, opts ChatOptions) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(msgs),
		Temperature: float32(opts.Temperature),
		MaxTokens:   opts.MaxTokens,
	}
	if opts.JSONFormat {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return req
}

// Chat performs a blocking chat completion.
func (p *OpenAIProvider) Chat(ctx context.Context, model string, msgs []Message, opts ChatOptions) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.chatRequest(model, msgs, opts))
	if err != nil {
		return "", classifyOpenAIError(p.Name(), "chat", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai chat: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// StreamChat performs a streaming chat completion. Delta tokens map to
// content events; io.EOF from the SSE stream maps to StreamDone.
func (p *OpenAIProvider) StreamChat(ctx context.Context, model string, msgs []Message, opts ChatOptions) (<-chan StreamEvent, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.chatRequest(model, msgs, opts))
	if err != nil {
		return nil, classifyOpenAIError(p.Name(), "stream", err)
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				sendEvent(ctx, events, StreamEvent{Type: StreamDone})
				return
			}
			if err != nil {
				sendEvent(ctx, events, StreamEvent{Type: StreamDone, Err: fmt.Errorf("openai stream: %w", err)})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			token := resp.Choices[0].Delta.Content
			if token == "" {
				continue
			}
			if !sendEvent(ctx, events, StreamEvent{Type: StreamContent, Content: token}) {
				return
			}
		}
	}()

	return events, nil
}

// EmbedTexts generates embeddings through the embeddings endpoint.
func (p *OpenAIProvider) EmbedTexts(ctx context.Context, model string, texts []string) ([][]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, classifyOpenAIError(p.Name(), "embed", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embed: got %d vectors for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai embed: index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// CheckAvailability probes the models endpoint with a bounded timeout.
func (p *OpenAIProvider) CheckAvailability(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := p.client.ListModels(ctx); err != nil {
		return unavailable(p.Name(), "probe", err)
	}
	return nil
}

// classifyOpenAIError maps transport and 5xx/429 API errors to
// ErrProviderUnavailable so the client can fail over; 4xx request errors
// surface unchanged.
func classifyOpenAIError(provider, op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
			return unavailable(provider, op, err)
		}
		return fmt.Errorf("%s %s: %w", provider, op, err)
	}
	// Non-API errors are transport failures.
	return unavailable(provider, op, err)
}
