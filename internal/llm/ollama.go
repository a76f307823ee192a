package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OllamaProvider talks to an Ollama server over its native HTTP API.
// Streaming responses arrive as newline-delimited JSON.
type OllamaProvider struct {
	baseURL string
	client  *http.Client
}

// NewOllamaProvider creates a provider for the given base URL
// (e.g. http://localhost:11434).
func NewOllamaProvider(baseURL string) *OllamaProvider {
	return &OllamaProvider{
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  ollamaOptions   `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

func (p *OllamaProvider) chatRequest(model string, msgs []Message, opts ChatOptions, stream bool) ollamaChatRequest {
	messages := make([]ollamaMessage, len(msgs))
	for i, m := range msgs {
		messages[i] = ollamaMessage{Role: string(m.Role), Content: m.Content}
	}
	req := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
		Options: ollamaOptions{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxTokens,
		},
	}
	if opts.JSONFormat {
		req.Format = "json"
	}
	return req
}

func (p *OllamaProvider) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, unavailable(p.Name(), path, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, unavailable(p.Name(), path,
			fmt.Errorf("status %d: %s", resp.StatusCode, respBody))
	}
	return resp, nil
}

// Chat performs a non-streaming completion via POST /api/chat.
func (p *OllamaProvider) Chat(ctx context.Context, model string, msgs []Message, opts ChatOptions) (string, error) {
	resp, err := p.post(ctx, "/api/chat", p.chatRequest(model, msgs, opts, false))
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama chat: %s", out.Error)
	}
	return out.Message.Content, nil
}

// StreamChat performs a streaming completion. Each NDJSON line yields one
// content event; the final line (done=true) yields StreamDone.
func (p *OllamaProvider) StreamChat(ctx context.Context, model string, msgs []Message, opts ChatOptions) (<-chan StreamEvent, error) {
	resp, err := p.post(ctx, "/api/chat", p.chatRequest(model, msgs, opts, true))
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			var frame ollamaChatResponse
			if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
				sendEvent(ctx, events, StreamEvent{Type: StreamDone, Err: fmt.Errorf("decode stream frame: %w", err)})
				return
			}
			if frame.Error != "" {
				sendEvent(ctx, events, StreamEvent{Type: StreamDone, Err: fmt.Errorf("ollama stream: %s", frame.Error)})
				return
			}
			if frame.Message.Content != "" {
				if !sendEvent(ctx, events, StreamEvent{Type: StreamContent, Content: frame.Message.Content}) {
					return
				}
			}
			if frame.Done {
				sendEvent(ctx, events, StreamEvent{Type: StreamDone})
				return
			}
		}
		// Transport closed without a done frame.
		sendEvent(ctx, events, StreamEvent{Type: StreamDone, Err: scanner.Err()})
	}()

	return events, nil
}

// EmbedTexts generates embeddings via POST /api/embed.
func (p *OllamaProvider) EmbedTexts(ctx context.Context, model string, texts []string) ([][]float32, error) {
	resp, err := p.post(ctx, "/api/embed", ollamaEmbedRequest{Model: model, Input: texts})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("ollama embed: %s", out.Error)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed: got %d vectors for %d texts", len(out.Embeddings), len(texts))
	}
	return out.Embeddings, nil
}

// CheckAvailability probes GET /api/tags, the cheapest liveness endpoint.
func (p *OllamaProvider) CheckAvailability(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return unavailable(p.Name(), "probe", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return unavailable(p.Name(), "probe", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

// sendEvent delivers ev unless ctx is canceled first.
// Returns false when the consumer has gone away.
func sendEvent(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
