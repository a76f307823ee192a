// Package search fuses semantic (vector similarity) and keyword (full-text
// relevance) retrieval into a single ranked result list.
//
// The two retrieval paths run in parallel; their ranked lists are merged by
// weighted score fusion keyed on chunk id. A chunk found by only one path
// scores 0 on the other, so the weights decide how much a single-path hit
// can rank.
package search

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/nmoray/ragcore/internal/store"
)

// Default fusion weights. Callers may pass weights that do not sum to 1;
// the engine does not normalize.
const (
	DefaultSemanticWeight = 0.7
	DefaultKeywordWeight  = 0.3
)

// Result is one fused search hit. Ephemeral, computed per query.
type Result struct {
	ChunkID       string
	DocumentID    string
	ChunkIndex    int
	Content       string
	Metadata      map[string]string
	SemanticScore float32
	KeywordScore  float32
	CombinedScore float32
}

// Options configures one hybrid query.
type Options struct {
	Limit          int
	MinScore       float32
	Filter         map[string]string
	SemanticWeight float32
	KeywordWeight  float32

	// SemanticOnly disables the keyword path entirely.
	SemanticOnly bool
}

// Searcher is the store surface the engine needs.
type Searcher interface {
	SemanticSearch(ctx context.Context, queryEmbedding []float32, opts store.SearchOptions) ([]store.Result, error)
	KeywordSearch(ctx context.Context, query string, limit int) ([]store.Result, error)
}

// Embedder turns the query text into a vector for the semantic path.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Engine runs hybrid queries. Safe for concurrent use.
type Engine struct {
	store    Searcher
	embedder Embedder
	logger   *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(s Searcher, e Embedder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, embedder: e, logger: logger}
}

// Search embeds the query, runs both retrieval paths concurrently, and
// fuses the ranked lists. When exactly one path fails its results are
// treated as empty and the failure is logged, so a flaky keyword index
// cannot take down the whole query path; when both fail the error
// surfaces.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.SemanticWeight == 0 && opts.KeywordWeight == 0 {
		opts.SemanticWeight = DefaultSemanticWeight
		opts.KeywordWeight = DefaultKeywordWeight
	}

	queryEmbedding, err := e.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, err
	}

	// Overfetch each path so fusion has candidates that only one path
	// ranked highly.
	fetchLimit := opts.Limit * 2

	var semantic, keyword []store.Result
	var semanticErr, keywordErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		semantic, semanticErr = e.store.SemanticSearch(gctx, queryEmbedding, store.SearchOptions{
			Limit:    fetchLimit,
			MinScore: opts.MinScore,
			Filter:   opts.Filter,
		})
		return nil
	})
	if !opts.SemanticOnly {
		g.Go(func() error {
			keyword, keywordErr = e.store.KeywordSearch(gctx, query, fetchLimit)
			return nil
		})
	}
	_ = g.Wait() // path errors are collected, not propagated through the group

	if semanticErr != nil && keywordErr != nil {
		return nil, semanticErr
	}
	if semanticErr != nil {
		e.logger.Warn("semantic search failed, keyword results only", "error", semanticErr)
	}
	if keywordErr != nil {
		e.logger.Warn("keyword search failed, semantic results only", "error", keywordErr)
	}

	return Combine(semantic, keyword, opts.SemanticWeight, opts.KeywordWeight, opts.Limit), nil
}

// Combine fuses two ranked lists by weighted score. The output is sorted
// non-increasing by CombinedScore (ties broken by chunk id for
// determinism) and truncated to limit.
func Combine(semantic, keyword []store.Result, semanticWeight, keywordWeight float32, limit int) []Result {
	merged := make(map[string]*Result, len(semantic)+len(keyword))

	for _, r := range semantic {
		merged[r.ChunkID] = &Result{
			ChunkID:       r.ChunkID,
			DocumentID:    r.DocumentID,
			ChunkIndex:    r.ChunkIndex,
			Content:       r.Content,
			Metadata:      r.Metadata,
			SemanticScore: r.Score,
		}
	}
	for _, r := range keyword {
		if existing, ok := merged[r.ChunkID]; ok {
			existing.KeywordScore = r.Score
			continue
		}
		merged[r.ChunkID] = &Result{
			ChunkID:      r.ChunkID,
			DocumentID:   r.DocumentID,
			ChunkIndex:   r.ChunkIndex,
			Content:      r.Content,
			Metadata:     r.Metadata,
			KeywordScore: r.Score,
		}
	}

	out := make([]Result, 0, len(merged))
	for _, r := range merged {
		r.CombinedScore = r.SemanticScore*semanticWeight + r.KeywordScore*keywordWeight
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CombinedScore != out[j].CombinedScore {
			return out[i].CombinedScore > out[j].CombinedScore
		}
		return out[i].ChunkID < out[j].ChunkID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
