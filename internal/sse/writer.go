// Package sse provides Server-Sent Events utilities for streaming
// responses.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Writer wraps an http.ResponseWriter for SSE streaming.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter creates a new SSE writer and sets appropriate headers.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flusher interface")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	return &Writer{w: w, flusher: flusher}, nil
}

// writeEvent writes a named event in SSE wire format. Multi-line
// payloads get a "data: " prefix per line as the SSE wire format requires.
func (w *Writer) writeEvent(event, payload string) error {
	if _, err := fmt.Fprintf(w.w, "event: %s\n", event); err != nil {
		return fmt.Errorf("write event name: %w", err)
	}

	for _, line := range strings.Split(payload, "\n") {
		if _, err := fmt.Fprintf(w.w, "data: %s\n", line); err != nil {
			return fmt.Errorf("write data line: %w", err)
		}
	}

	// Empty line terminates the event
	if _, err := w.w.Write([]byte("\n")); err != nil {
		return fmt.Errorf("write terminator: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// WriteJSON sends a named event with a JSON-encoded payload.
func (w *Writer) WriteJSON(ctx context.Context, event string, payload any) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("context canceled: %w", ctx.Err())
	default:
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return w.writeEvent(event, string(data))
}

// WriteChunk sends one streamed content fragment.
func (w *Writer) WriteChunk(ctx context.Context, text string) error {
	return w.WriteJSON(ctx, "chunk", map[string]string{"content": text})
}

// WriteDone signals the end of the stream.
func (w *Writer) WriteDone(ctx context.Context) error {
	return w.WriteJSON(ctx, "done", map[string]bool{"done": true})
}

// WriteError sends an error event. The message is sent verbatim, so
// callers must not leak internal details into it.
func (w *Writer) WriteError(ctx context.Context, msg string) error {
	return w.WriteJSON(ctx, "error", map[string]string{"error": msg})
}
