// Package rag wires the retrieval pipeline end to end: document
// processing, embedding, vector storage, hybrid search, and grounded
// answer generation over the language model client.
package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nmoray/ragcore/internal/conversation"
	"github.com/nmoray/ragcore/internal/document"
	"github.com/nmoray/ragcore/internal/embedding"
	"github.com/nmoray/ragcore/internal/health"
	"github.com/nmoray/ragcore/internal/llm"
	"github.com/nmoray/ragcore/internal/log"
	"github.com/nmoray/ragcore/internal/search"
	"github.com/nmoray/ragcore/internal/store"
	"github.com/nmoray/ragcore/internal/version"
)

// ErrValidation marks malformed input rejected before any work happens.
// Wrapped with detail at each call site.
var ErrValidation = errors.New("validation failed")

// Store is the persistence surface the engine needs.
type Store interface {
	UpsertChunks(ctx context.Context, documentID string, chunks []store.Chunk) error
	DocumentChunks(ctx context.Context, documentID string) ([]store.Chunk, error)
	SemanticSearch(ctx context.Context, queryEmbedding []float32, opts store.SearchOptions) ([]store.Result, error)
	DeleteDocument(ctx context.Context, documentID string) error
	CountDocuments(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// ChatClient is the generation surface the engine needs.
type ChatClient interface {
	Chat(ctx context.Context, msgs []llm.Message, opts llm.ChatOptions) (string, error)
	StreamChat(ctx context.Context, msgs []llm.Message, opts llm.ChatOptions) (<-chan llm.StreamEvent, error)
	CheckAvailability(ctx context.Context) bool
}

// Config carries the engine's tunables.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
	SearchLimit  int     // default result count for queries (default: 5)
	MinScore     float32 // similarity floor for retrieved context
	Temperature  float64 // answer generation temperature (default: 0.3)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SearchLimit: 5,
		Temperature: 0.3,
	}
}

// Engine coordinates indexing and retrieval-augmented generation.
type Engine struct {
	cfg       Config
	processor *document.Processor
	embedder  *embedding.Client
	store     Store
	versions  *version.Manager
	searcher  *search.Engine
	llm       ChatClient
	convs     *conversation.Store
	monitor   *health.Monitor
	logger    log.Logger

	statsMu       sync.Mutex
	docsIndexed   int64
	queriesServed int64
	totalLatency  time.Duration
}

// New assembles an engine from its parts. The monitor is optional; when
// nil, store calls are not circuit-guarded.
func New(
	cfg Config,
	processor *document.Processor,
	embedder *embedding.Client,
	st Store,
	versions *version.Manager,
	searcher *search.Engine,
	chat ChatClient,
	convs *conversation.Store,
	monitor *health.Monitor,
	logger log.Logger,
) *Engine {
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 5
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.3
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		processor: processor,
		embedder:  embedder,
		store:     st,
		versions:  versions,
		searcher:  searcher,
		llm:       chat,
		convs:     convs,
		monitor:   monitor,
		logger:    logger.With("component", "rag"),
	}
}

// IndexRequest describes one document to ingest.
type IndexRequest struct {
	DocumentID string
	Content    string
	Metadata   map[string]string
}

// IndexResult reports what ingestion did.
type IndexResult struct {
	DocumentID string
	Version    int
	Type       document.Type
	Chunks     int
	Skipped    bool // content unchanged since the latest version
}

// Index processes, embeds, and stores a document. Re-indexing identical
// content is a no-op that reports the existing version.
func (e *Engine) Index(ctx context.Context, req IndexRequest) (*IndexResult, error) {
	if strings.TrimSpace(req.DocumentID) == "" {
		return nil, fmt.Errorf("%w: document id is required", ErrValidation)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}

	ver, err := e.versions.Check(ctx, req.DocumentID, req.Content)
	if err != nil {
		return nil, fmt.Errorf("version document %q: %w", req.DocumentID, err)
	}
	if ver.Unchanged {
		e.logger.Debug("content unchanged, skipping index", "document_id", req.DocumentID, "version", ver.Version)
		return &IndexResult{DocumentID: req.DocumentID, Version: ver.Version, Skipped: true}, nil
	}

	res := e.processor.Process(req.Content, document.Options{
		ChunkSize:    e.cfg.ChunkSize,
		ChunkOverlap: e.cfg.ChunkOverlap,
	})
	if len(res.Chunks) == 0 {
		return nil, fmt.Errorf("%w: document %q produced no chunks", ErrValidation, req.DocumentID)
	}

	texts := make([]string, len(res.Chunks))
	for i, c := range res.Chunks {
		texts[i] = c.Content
	}
	vectors, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed document %q: %w", req.DocumentID, err)
	}

	meta := mergeMetadata(res.Metadata, req.Metadata)
	chunks := make([]store.Chunk, len(res.Chunks))
	for i, c := range res.Chunks {
		chunks[i] = store.Chunk{
			ID:         uuid.NewString(),
			DocumentID: req.DocumentID,
			Index:      c.Index,
			Content:    c.Content,
			Metadata:   meta,
			Embedding:  vectors[i],
		}
	}

	if err := e.guardStore(func() error {
		return e.store.UpsertChunks(ctx, req.DocumentID, chunks)
	}); err != nil {
		return nil, fmt.Errorf("store document %q: %w", req.DocumentID, err)
	}

	// The version row commits only after the chunks are durable. A failure
	// anywhere above leaves no version behind, so retrying the same content
	// runs the full pipeline instead of being skipped as unchanged.
	ver, err = e.versions.CreateVersion(ctx, req.DocumentID, req.Content)
	if err != nil {
		return nil, fmt.Errorf("version document %q: %w", req.DocumentID, err)
	}

	e.statsMu.Lock()
	e.docsIndexed++
	e.statsMu.Unlock()

	e.logger.Info("document indexed",
		"document_id", req.DocumentID, "version", ver.Version,
		"type", res.Type, "chunks", len(chunks))

	return &IndexResult{
		DocumentID: req.DocumentID,
		Version:    ver.Version,
		Type:       res.Type,
		Chunks:     len(chunks),
	}, nil
}

// QueryRequest describes one retrieval-augmented question.
type QueryRequest struct {
	Query          string
	Limit          int
	Filter         map[string]string
	ConversationID string // optional; enables multi-turn context
	SemanticOnly   bool
}

// Answer is a generated response with its supporting sources.
type Answer struct {
	Text    string
	Sources []search.Result
}

// Query retrieves relevant chunks and generates a grounded answer.
func (e *Engine) Query(ctx context.Context, req QueryRequest) (*Answer, error) {
	start := time.Now()

	sources, msgs, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	text, err := e.llm.Chat(ctx, msgs, llm.ChatOptions{Temperature: e.cfg.Temperature})
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	e.remember(req.ConversationID, req.Query, text)
	e.recordQuery(time.Since(start))

	return &Answer{Text: text, Sources: sources}, nil
}

// Search runs retrieval only, without generation or conversation state.
func (e *Engine) Search(ctx context.Context, req QueryRequest) ([]search.Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrValidation)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = e.cfg.SearchLimit
	}
	var out []search.Result
	err := e.guardStore(func() error {
		var err error
		out, err = e.searcher.Search(ctx, req.Query, search.Options{
			Limit:        limit,
			MinScore:     e.cfg.MinScore,
			Filter:       req.Filter,
			SemanticOnly: req.SemanticOnly,
		})
		return err
	})
	return out, err
}

// StreamAnswer carries the retrieved sources and the token stream.
type StreamAnswer struct {
	Sources []search.Result
	Events  <-chan llm.StreamEvent
}

// StreamQuery is Query with a streamed response. The conversation
// transcript is updated once the stream completes.
func (e *Engine) StreamQuery(ctx context.Context, req QueryRequest) (*StreamAnswer, error) {
	start := time.Now()

	sources, msgs, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	events, err := e.llm.StreamChat(ctx, msgs, llm.ChatOptions{Temperature: e.cfg.Temperature})
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	out := make(chan llm.StreamEvent)
	go func() {
		defer close(out)
		var full strings.Builder
		for ev := range events {
			if ev.Type == llm.StreamContent {
				full.WriteString(ev.Content)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if full.Len() > 0 {
			e.remember(req.ConversationID, req.Query, full.String())
		}
		e.recordQuery(time.Since(start))
	}()

	return &StreamAnswer{Sources: sources, Events: out}, nil
}

// prepare runs retrieval and assembles the chat transcript.
func (e *Engine) prepare(ctx context.Context, req QueryRequest) ([]search.Result, []llm.Message, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, nil, fmt.Errorf("%w: query is required", ErrValidation)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = e.cfg.SearchLimit
	}

	var sources []search.Result
	err := e.guardStore(func() error {
		var err error
		sources, err = e.searcher.Search(ctx, req.Query, search.Options{
			Limit:        limit,
			MinScore:     e.cfg.MinScore,
			Filter:       req.Filter,
			SemanticOnly: req.SemanticOnly,
		})
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("retrieve context: %w", err)
	}

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: buildSystemPrompt(sources)}}
	if e.convs != nil && req.ConversationID != "" {
		msgs = append(msgs, e.convs.History(req.ConversationID)...)
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Query})

	return sources, msgs, nil
}

const answerPrompt = `You are a helpful assistant. Answer using the provided context.
If the context does not contain the answer, say so instead of guessing.

Context:
%s`

func buildSystemPrompt(sources []search.Result) string {
	if len(sources) == 0 {
		return fmt.Sprintf(answerPrompt, "(no relevant documents found)")
	}
	var b strings.Builder
	for i, s := range sources {
		fmt.Fprintf(&b, "[%d] (document %s)\n%s\n\n", i+1, s.DocumentID, s.Content)
	}
	return fmt.Sprintf(answerPrompt, strings.TrimSpace(b.String()))
}

func (e *Engine) remember(conversationID, query, answer string) {
	if e.convs == nil || conversationID == "" {
		return
	}
	e.convs.Append(conversationID, llm.Message{Role: llm.RoleUser, Content: query})
	e.convs.Append(conversationID, llm.Message{Role: llm.RoleAssistant, Content: answer})
}

// Similar finds chunks close to the given document, excluding the
// document itself. Similarity is against the centroid of the document's
// chunk embeddings.
func (e *Engine) Similar(ctx context.Context, documentID string, limit int) ([]search.Result, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, fmt.Errorf("%w: document id is required", ErrValidation)
	}
	if limit <= 0 {
		limit = e.cfg.SearchLimit
	}

	var chunks []store.Chunk
	err := e.guardStore(func() error {
		var err error
		chunks, err = e.store.DocumentChunks(ctx, documentID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load document %q: %w", documentID, err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: document %q is not indexed", ErrValidation, documentID)
	}

	center := centroid(chunks)
	// Over-fetch so results from the source document can be dropped.
	var hits []store.Result
	err = e.guardStore(func() error {
		var err error
		hits, err = e.store.SemanticSearch(ctx, center, store.SearchOptions{Limit: limit + len(chunks)})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("similar to %q: %w", documentID, err)
	}

	out := make([]search.Result, 0, limit)
	for _, h := range hits {
		if h.DocumentID == documentID {
			continue
		}
		out = append(out, search.Result{
			ChunkID:       h.ChunkID,
			DocumentID:    h.DocumentID,
			ChunkIndex:    h.ChunkIndex,
			Content:       h.Content,
			Metadata:      h.Metadata,
			SemanticScore: h.Score,
			CombinedScore: h.Score,
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func centroid(chunks []store.Chunk) []float32 {
	dims := len(chunks[0].Embedding)
	sum := make([]float32, dims)
	for _, c := range chunks {
		for i, v := range c.Embedding {
			if i < dims {
				sum[i] += v
			}
		}
	}
	n := float32(len(chunks))
	for i := range sum {
		sum[i] /= n
	}
	return sum
}

// Delete removes a document's chunks and version history.
func (e *Engine) Delete(ctx context.Context, documentID string) error {
	if strings.TrimSpace(documentID) == "" {
		return fmt.Errorf("%w: document id is required", ErrValidation)
	}
	return e.guardStore(func() error {
		return e.store.DeleteDocument(ctx, documentID)
	})
}

func (e *Engine) guardStore(fn func() error) error {
	if e.monitor == nil {
		return fn()
	}
	return e.monitor.Guard("database", fn)
}

func (e *Engine) recordQuery(elapsed time.Duration) {
	e.statsMu.Lock()
	e.queriesServed++
	e.totalLatency += elapsed
	e.statsMu.Unlock()
}

// Close stops background workers owned by the engine's collaborators.
// Safe to call when they were never started.
func (e *Engine) Close() {
	if e.convs != nil {
		e.convs.Stop()
	}
	if e.monitor != nil {
		e.monitor.Stop()
	}
}

// Stats is a point-in-time snapshot of engine activity.
type Stats struct {
	DocumentsStored  int           `json:"documents_stored"`
	DocumentsIndexed int64         `json:"documents_indexed"`
	QueriesServed    int64         `json:"queries_served"`
	AvgResponseTime  time.Duration `json:"avg_response_time"`
	EmbeddingCache   int           `json:"embedding_cache"`
}

// Stats reports engine counters plus the stored document count.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	count, err := e.store.CountDocuments(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count documents: %w", err)
	}

	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	s := Stats{
		DocumentsStored:  count,
		DocumentsIndexed: e.docsIndexed,
		QueriesServed:    e.queriesServed,
	}
	if e.queriesServed > 0 {
		s.AvgResponseTime = e.totalLatency / time.Duration(e.queriesServed)
	}
	if e.embedder != nil {
		s.EmbeddingCache = e.embedder.CacheLen()
	}
	return s, nil
}

// failoverReporter is the optional surface a chat client exposes when it
// supports a secondary endpoint. *llm.Client implements it.
type failoverReporter interface {
	HasFallback() bool
	UsingFallback() bool
}

// Health probes the engine's dependencies. Each component reports one of
// healthy, degraded, unhealthy, or disabled.
func (e *Engine) Health(ctx context.Context) map[string]string {
	out := make(map[string]string, 3)

	// The ping runs unguarded so recovery is observable while the circuit
	// is still open.
	if err := e.store.Ping(ctx); err != nil {
		out["database"] = "unhealthy: " + err.Error()
	} else if st, ok := e.circuitState("database"); ok && st != health.CircuitClosed {
		// Reachable by probe, but the breaker has not re-closed yet.
		out["database"] = "degraded"
	} else {
		out["database"] = "healthy"
	}

	fr, hasReporter := e.llm.(failoverReporter)
	switch {
	case !e.llm.CheckAvailability(ctx):
		out["llm"] = "unhealthy"
	case hasReporter && fr.UsingFallback():
		out["llm"] = "degraded"
	default:
		out["llm"] = "healthy"
	}
	if hasReporter && !fr.HasFallback() {
		out["llm_failover"] = "disabled"
	}
	return out
}

func (e *Engine) circuitState(name string) (health.CircuitState, bool) {
	if e.monitor == nil {
		return health.CircuitClosed, false
	}
	return e.monitor.CircuitState(name)
}

func mergeMetadata(detected, user map[string]string) map[string]string {
	out := make(map[string]string, len(detected)+len(user))
	for k, v := range detected {
		out[k] = v
	}
	// User metadata wins on key collisions.
	for k, v := range user {
		out[k] = v
	}
	return out
}
