package llm

import (
	"errors"
	"fmt"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation turn.
type Message struct {
	Role    Role
	Content string
}

// ChatOptions are per-call generation parameters. Zero values defer to
// provider defaults.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int

	// JSONFormat asks the provider for structured JSON output where
	// supported (Ollama format=json, OpenAI response_format). Providers
	// without support ignore it; callers must still parse defensively.
	JSONFormat bool
}

// StreamEventType discriminates streaming events.
type StreamEventType string

const (
	// StreamContent carries one incremental content token.
	StreamContent StreamEventType = "content"
	// StreamDone terminates the stream.
	StreamDone StreamEventType = "done"
)

// StreamEvent is one element of a streaming chat response.
// An Err on a done event reports why the stream ended early; partial
// output already delivered is never retracted.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Err     error
}

// ErrProviderUnavailable marks an endpoint as unreachable or persistently
// failing. The client treats it as the failover trigger.
var ErrProviderUnavailable = errors.New("llm provider unavailable")

// ErrNoProvider is returned when neither primary nor secondary can serve.
var ErrNoProvider = errors.New("no llm provider available")

// unavailable wraps err as a provider-unavailable failure with operation
// context. Secrets never appear in the message.
func unavailable(provider, op string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrProviderUnavailable, provider, op, err)
}
