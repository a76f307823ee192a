package llm

import "context"

// Provider is a single LLM backend. Implementations exist for Ollama
// (direct HTTP, NDJSON streaming) and OpenAI-compatible endpoints.
type Provider interface {
	// Name returns the provider identifier ("ollama", "openai").
	Name() string

	// Chat performs a blocking completion and returns the full text.
	Chat(ctx context.Context, model string, msgs []Message, opts ChatOptions) (string, error)

	// StreamChat starts a streaming completion. The returned channel is
	// closed after a terminal StreamDone event. Canceling ctx stops the
	// producer; tokens already delivered are not retracted.
	StreamChat(ctx context.Context, model string, msgs []Message, opts ChatOptions) (<-chan StreamEvent, error)

	// EmbedTexts returns one embedding vector per text, in input order.
	EmbedTexts(ctx context.Context, model string, texts []string) ([][]float32, error)

	// CheckAvailability probes the endpoint. A nil return means the
	// provider can serve requests right now.
	CheckAvailability(ctx context.Context) error
}
