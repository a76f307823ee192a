package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/nmoray/ragcore/internal/health"
	"github.com/nmoray/ragcore/internal/llm"
	"github.com/nmoray/ragcore/internal/rag"
	"github.com/nmoray/ragcore/internal/sse"
	"github.com/nmoray/ragcore/internal/store"
)

// maxUploadBytes bounds raw document uploads.
const maxUploadBytes = 10 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	report := s.engine.Health(r.Context())
	status := http.StatusOK
	// Degraded and disabled components still serve; only unhealthy ones
	// block readiness.
	for _, v := range report {
		if strings.HasPrefix(v, "unhealthy") {
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, report)
}

type indexRequest struct {
	DocumentID string            `json:"document_id"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.engine.Index(r.Context(), rag.IndexRequest{
		DocumentID: req.DocumentID,
		Content:    req.Content,
		Metadata:   req.Metadata,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Skipped {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"document_id": res.DocumentID,
		"version":     res.Version,
		"type":        res.Type,
		"chunks":      res.Chunks,
		"skipped":     res.Skipped,
	})
}

// handleUpload ingests a raw payload. The body is converted to text
// based on the Content-Type header, then indexed under the path ID.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if int64(len(body)) > maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	converted, err := s.converter.Convert(body, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	}

	res, err := s.engine.Index(r.Context(), rag.IndexRequest{
		DocumentID: r.PathValue("id"),
		Content:    converted.Text,
		Metadata:   converted.Metadata,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Skipped {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"document_id": res.DocumentID,
		"version":     res.Version,
		"chunks":      res.Chunks,
		"skipped":     res.Skipped,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	hits, err := s.engine.Similar(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

type searchRequest struct {
	Query          string            `json:"query"`
	Limit          int               `json:"limit,omitempty"`
	Filter         map[string]string `json:"filter,omitempty"`
	SemanticOnly   bool              `json:"semantic_only,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
}

func (r searchRequest) toQuery() rag.QueryRequest {
	return rag.QueryRequest{
		Query:          r.Query,
		Limit:          r.Limit,
		Filter:         r.Filter,
		SemanticOnly:   r.SemanticOnly,
		ConversationID: r.ConversationID,
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	hits, err := s.engine.Search(r.Context(), req.toQuery())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ans, err := s.engine.Query(r.Context(), req.toQuery())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"answer":  ans.Text,
		"sources": ans.Sources,
	})
}

// handleChat streams the answer over SSE. Sources are sent as the first
// event, then content chunks, then done.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ans, err := s.engine.StreamQuery(r.Context(), req.toQuery())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writer, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	if err := writer.WriteJSON(ctx, "sources", map[string]any{"sources": ans.Sources}); err != nil {
		return
	}

	for ev := range ans.Events {
		switch ev.Type {
		case llm.StreamContent:
			if err := writer.WriteChunk(ctx, ev.Content); err != nil {
				return
			}
		case llm.StreamDone:
			if ev.Err != nil {
				_ = writer.WriteError(ctx, "stream failed")
				return
			}
			_ = writer.WriteDone(ctx)
			return
		}
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// writeEngineError maps engine errors onto HTTP statuses without
// leaking internals to the client.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rag.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, health.ErrCircuitOpen), errors.Is(err, llm.ErrProviderUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	case errors.Is(err, store.ErrStore):
		s.logger.Error("storage failure", "error", err)
		writeError(w, http.StatusBadGateway, "storage unavailable")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
