package rag_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nmoray/ragcore/internal/conversation"
	"github.com/nmoray/ragcore/internal/document"
	"github.com/nmoray/ragcore/internal/embedding"
	"github.com/nmoray/ragcore/internal/health"
	"github.com/nmoray/ragcore/internal/llm"
	"github.com/nmoray/ragcore/internal/rag"
	"github.com/nmoray/ragcore/internal/search"
	"github.com/nmoray/ragcore/internal/store"
	"github.com/nmoray/ragcore/internal/version"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memBackend is an in-memory stand-in for the postgres store, shared by
// the engine, the search engine, and the version manager.
type memBackend struct {
	mu       sync.Mutex
	chunks   map[string][]store.Chunk // by document ID
	versions map[string][]store.Version
	failNext error
}

func newMemBackend() *memBackend {
	return &memBackend{
		chunks:   make(map[string][]store.Chunk),
		versions: make(map[string][]store.Version),
	}
}

func (m *memBackend) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *memBackend) UpsertChunks(ctx context.Context, documentID string, chunks []store.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.chunks[documentID] = append([]store.Chunk(nil), chunks...)
	return nil
}

func (m *memBackend) DocumentChunks(ctx context.Context, documentID string) ([]store.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Chunk(nil), m.chunks[documentID]...), nil
}

func (m *memBackend) SemanticSearch(ctx context.Context, queryEmbedding []float32, opts store.SearchOptions) ([]store.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	var out []store.Result
	for _, chunks := range m.chunks {
		for _, c := range chunks {
			score := embedding.CosineSimilarity(queryEmbedding, c.Embedding)
			if score < opts.MinScore {
				continue
			}
			if !matchesFilter(c.Metadata, opts.Filter) {
				continue
			}
			out = append(out, store.Result{
				ChunkID:    c.ID,
				DocumentID: c.DocumentID,
				ChunkIndex: c.Index,
				Content:    c.Content,
				Metadata:   c.Metadata,
				Score:      score,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *memBackend) KeywordSearch(ctx context.Context, query string, limit int) ([]store.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.Result
	for _, chunks := range m.chunks {
		for _, c := range chunks {
			if strings.Contains(strings.ToLower(c.Content), strings.ToLower(query)) {
				out = append(out, store.Result{
					ChunkID:    c.ID,
					DocumentID: c.DocumentID,
					ChunkIndex: c.Index,
					Content:    c.Content,
					Metadata:   c.Metadata,
					Score:      0.5,
				})
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memBackend) DeleteDocument(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, documentID)
	delete(m.versions, documentID)
	return nil
}

func (m *memBackend) CountDocuments(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks), nil
}

func (m *memBackend) Ping(ctx context.Context) error { return nil }

func (m *memBackend) LatestVersion(ctx context.Context, documentID string) (*store.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs := m.versions[documentID]
	if len(vs) == 0 {
		return nil, nil
	}
	latest := vs[len(vs)-1]
	return &latest, nil
}

func (m *memBackend) InsertVersion(ctx context.Context, v store.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[v.DocumentID] = append(m.versions[v.DocumentID], v)
	return nil
}

func (m *memBackend) PruneVersions(ctx context.Context, documentID string, keep int) (int64, error) {
	return 0, nil
}

func matchesFilter(meta, filter map[string]string) bool {
	for k, v := range filter {
		if meta[k] != v {
			return false
		}
	}
	return true
}

// wordProvider embeds by word occurrence so similar texts get similar
// vectors. Deterministic and cheap.
type wordProvider struct{}

var vocabulary = []string{"gopher", "burrow", "vector", "search", "title", "alpha", "beta"}

func (wordProvider) EmbedTexts(ctx context.Context, model string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, len(vocabulary))
		lower := strings.ToLower(t)
		for j, w := range vocabulary {
			vec[j] = float32(strings.Count(lower, w))
		}
		vec[0] += 0.01 // avoid zero vectors
		out[i] = vec
	}
	return out, nil
}

type fakeChat struct {
	mu       sync.Mutex
	reply    string
	err      error
	lastMsg  []llm.Message
	lastOpts llm.ChatOptions
}

func (f *fakeChat) Chat(ctx context.Context, msgs []llm.Message, opts llm.ChatOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastMsg = msgs
	f.lastOpts = opts
	return f.reply, f.err
}

func (f *fakeChat) StreamChat(ctx context.Context, msgs []llm.Message, opts llm.ChatOptions) (<-chan llm.StreamEvent, error) {
	f.mu.Lock()
	reply, err := f.reply, f.err
	f.lastMsg = msgs
	f.lastOpts = opts
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamEvent)
	go func() {
		defer close(ch)
		for _, word := range strings.SplitAfter(reply, " ") {
			ch <- llm.StreamEvent{Type: llm.StreamContent, Content: word}
		}
		ch <- llm.StreamEvent{Type: llm.StreamDone}
	}()
	return ch, nil
}

func (f *fakeChat) CheckAvailability(ctx context.Context) bool { return true }

func newTestEngine(t *testing.T, backend *memBackend, chat rag.ChatClient) *rag.Engine {
	t.Helper()
	return newTestEngineWithMonitor(t, backend, chat, nil)
}

func newTestEngineWithMonitor(t *testing.T, backend *memBackend, chat rag.ChatClient, mon *health.Monitor) *rag.Engine {
	t.Helper()

	embedder := embedding.NewClient(wordProvider{}, embedding.Config{Model: "test"}, nil)
	searcher := search.NewEngine(backend, embedder, nil)
	versions := version.NewManager(backend, 10, nil)
	convs := conversation.NewStore(conversation.DefaultConfig(), nil)

	return rag.New(rag.DefaultConfig(), document.New(nil), embedder, backend,
		versions, searcher, chat, convs, mon, nil)
}

func TestIndexThenQueryFindsDocument(t *testing.T) {
	backend := newMemBackend()
	chat := &fakeChat{reply: "The title is Gopher Burrow."}
	e := newTestEngine(t, backend, chat)
	ctx := context.Background()

	res, err := e.Index(ctx, rag.IndexRequest{
		DocumentID: "doc1",
		Content:    "Title: Gopher Burrow\n\nGophers dig burrows to live in.",
	})
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if res.Version != 1 || res.Skipped || res.Chunks == 0 {
		t.Fatalf("IndexResult = %+v", res)
	}

	ans, err := e.Query(ctx, rag.QueryRequest{Query: "What is the title about the gopher burrow?"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(ans.Sources) == 0 {
		t.Fatal("query returned no sources")
	}
	if ans.Sources[0].DocumentID != "doc1" {
		t.Errorf("top source = %q, want doc1", ans.Sources[0].DocumentID)
	}
	if ans.Text != "The title is Gopher Burrow." {
		t.Errorf("Text = %q", ans.Text)
	}

	// The retrieved chunk must appear in the model's context.
	system := chat.lastMsg[0]
	if system.Role != llm.RoleSystem || !strings.Contains(system.Content, "Gopher Burrow") {
		t.Errorf("system prompt missing retrieved context: %q", system.Content)
	}
}

func TestIndexUnchangedContentSkips(t *testing.T) {
	backend := newMemBackend()
	e := newTestEngine(t, backend, &fakeChat{})
	ctx := context.Background()

	content := "Same body every time."
	first, err := e.Index(ctx, rag.IndexRequest{DocumentID: "doc1", Content: content})
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Index(ctx, rag.IndexRequest{DocumentID: "doc1", Content: content})
	if err != nil {
		t.Fatal(err)
	}

	if second.Version != first.Version {
		t.Errorf("version changed on identical content: %d -> %d", first.Version, second.Version)
	}
	if !second.Skipped {
		t.Error("re-index of identical content was not skipped")
	}
}

func TestIndexChangedContentBumpsVersion(t *testing.T) {
	backend := newMemBackend()
	e := newTestEngine(t, backend, &fakeChat{})
	ctx := context.Background()

	if _, err := e.Index(ctx, rag.IndexRequest{DocumentID: "doc1", Content: "first body"}); err != nil {
		t.Fatal(err)
	}
	res, err := e.Index(ctx, rag.IndexRequest{DocumentID: "doc1", Content: "second body"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Version != 2 || res.Skipped {
		t.Fatalf("IndexResult = %+v, want version 2", res)
	}
}

func TestIndexInvalidJSONStillIndexes(t *testing.T) {
	backend := newMemBackend()
	e := newTestEngine(t, backend, &fakeChat{})

	res, err := e.Index(context.Background(), rag.IndexRequest{
		DocumentID: "broken",
		Content:    `{"unterminated": "value`,
	})
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if res.Type != document.TypeInvalidJSON {
		t.Errorf("Type = %v, want invalid_json", res.Type)
	}
	if res.Chunks == 0 {
		t.Error("invalid JSON produced no chunks")
	}
}

func TestIndexValidation(t *testing.T) {
	e := newTestEngine(t, newMemBackend(), &fakeChat{})
	ctx := context.Background()

	_, err := e.Index(ctx, rag.IndexRequest{DocumentID: "", Content: "x"})
	if !errors.Is(err, rag.ErrValidation) {
		t.Errorf("missing id: err = %v, want ErrValidation", err)
	}
	_, err = e.Index(ctx, rag.IndexRequest{DocumentID: "d", Content: "   "})
	if !errors.Is(err, rag.ErrValidation) {
		t.Errorf("blank content: err = %v, want ErrValidation", err)
	}
}

func TestQueryWithConversationHistory(t *testing.T) {
	backend := newMemBackend()
	chat := &fakeChat{reply: "answer"}
	e := newTestEngine(t, backend, chat)
	ctx := context.Background()

	if _, err := e.Index(ctx, rag.IndexRequest{DocumentID: "doc1", Content: "vector search basics"}); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Query(ctx, rag.QueryRequest{Query: "what is vector search", ConversationID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Query(ctx, rag.QueryRequest{Query: "tell me more", ConversationID: "c1"}); err != nil {
		t.Fatal(err)
	}

	// Second call carries the first exchange: system + 2 history + user.
	if got := len(chat.lastMsg); got != 4 {
		t.Fatalf("message count = %d, want 4", got)
	}
	if chat.lastMsg[1].Content != "what is vector search" || chat.lastMsg[2].Content != "answer" {
		t.Errorf("history = %+v", chat.lastMsg[1:3])
	}
}

func TestStreamQueryCollectsTranscript(t *testing.T) {
	backend := newMemBackend()
	chat := &fakeChat{reply: "streamed reply"}
	e := newTestEngine(t, backend, chat)
	ctx := context.Background()

	if _, err := e.Index(ctx, rag.IndexRequest{DocumentID: "doc1", Content: "alpha beta"}); err != nil {
		t.Fatal(err)
	}

	ans, err := e.StreamQuery(ctx, rag.QueryRequest{Query: "alpha", ConversationID: "c1"})
	if err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}

	var full strings.Builder
	var sawDone bool
	for ev := range ans.Events {
		switch ev.Type {
		case llm.StreamContent:
			full.WriteString(ev.Content)
		case llm.StreamDone:
			sawDone = true
		}
	}
	if full.String() != "streamed reply" {
		t.Errorf("streamed text = %q", full.String())
	}
	if !sawDone {
		t.Error("no done event")
	}

	// Follow-up query must see the streamed answer in history.
	if _, err := e.Query(ctx, rag.QueryRequest{Query: "next", ConversationID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if got := len(chat.lastMsg); got != 4 {
		t.Fatalf("message count = %d, want 4", got)
	}
}

func TestQueryValidation(t *testing.T) {
	e := newTestEngine(t, newMemBackend(), &fakeChat{})
	_, err := e.Query(context.Background(), rag.QueryRequest{Query: ""})
	if !errors.Is(err, rag.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestSimilarExcludesSourceDocument(t *testing.T) {
	backend := newMemBackend()
	e := newTestEngine(t, backend, &fakeChat{})
	ctx := context.Background()

	docs := map[string]string{
		"doc-a": "gopher burrow vector",
		"doc-b": "gopher burrow search",
		"doc-c": "alpha beta unrelated",
	}
	for id, content := range docs {
		if _, err := e.Index(ctx, rag.IndexRequest{DocumentID: id, Content: content}); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := e.Similar(ctx, "doc-a", 2)
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("no similar documents")
	}
	for _, h := range hits {
		if h.DocumentID == "doc-a" {
			t.Error("source document in its own similar results")
		}
	}
	if hits[0].DocumentID != "doc-b" {
		t.Errorf("top similar = %q, want doc-b", hits[0].DocumentID)
	}
}

func TestSimilarUnknownDocument(t *testing.T) {
	e := newTestEngine(t, newMemBackend(), &fakeChat{})
	_, err := e.Similar(context.Background(), "ghost", 3)
	if !errors.Is(err, rag.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestDeleteRemovesDocument(t *testing.T) {
	backend := newMemBackend()
	e := newTestEngine(t, backend, &fakeChat{reply: "x"})
	ctx := context.Background()

	if _, err := e.Index(ctx, rag.IndexRequest{DocumentID: "doc1", Content: "gopher content"}); err != nil {
		t.Fatal(err)
	}
	if err := e.Delete(ctx, "doc1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	ans, err := e.Query(ctx, rag.QueryRequest{Query: "gopher"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ans.Sources) != 0 {
		t.Errorf("sources after delete = %+v", ans.Sources)
	}
}

func TestStatsCounters(t *testing.T) {
	backend := newMemBackend()
	e := newTestEngine(t, backend, &fakeChat{reply: "ok"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("doc%d", i)
		if _, err := e.Index(ctx, rag.IndexRequest{DocumentID: id, Content: "body " + id}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.Query(ctx, rag.QueryRequest{Query: "body"}); err != nil {
		t.Fatal(err)
	}

	stats, err := e.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.DocumentsStored != 3 || stats.DocumentsIndexed != 3 {
		t.Errorf("document counts = %+v", stats)
	}
	if stats.QueriesServed != 1 {
		t.Errorf("QueriesServed = %d, want 1", stats.QueriesServed)
	}
	if stats.AvgResponseTime <= 0 {
		t.Errorf("AvgResponseTime = %v, want > 0", stats.AvgResponseTime)
	}
}

func TestIndexStoreFailureSurfaces(t *testing.T) {
	backend := newMemBackend()
	e := newTestEngine(t, backend, &fakeChat{})

	backend.failNext = store.ErrStore
	_, err := e.Index(context.Background(), rag.IndexRequest{DocumentID: "doc1", Content: "body"})
	if !errors.Is(err, store.ErrStore) {
		t.Fatalf("err = %v, want ErrStore", err)
	}
}

func TestQueryUsesConfiguredTemperature(t *testing.T) {
	backend := newMemBackend()
	chat := &fakeChat{reply: "ok"}
	e := newTestEngine(t, backend, chat)
	ctx := context.Background()

	if _, err := e.Index(ctx, rag.IndexRequest{DocumentID: "doc1", Content: "gopher"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Query(ctx, rag.QueryRequest{Query: "gopher"}); err != nil {
		t.Fatal(err)
	}

	chat.mu.Lock()
	temp := chat.lastOpts.Temperature
	chat.mu.Unlock()
	if temp != 0.3 {
		t.Errorf("Temperature = %v, want default 0.3", temp)
	}
}

func TestIndexRetryAfterStoreFailure(t *testing.T) {
	backend := newMemBackend()
	e := newTestEngine(t, backend, &fakeChat{})
	ctx := context.Background()

	req := rag.IndexRequest{DocumentID: "doc1", Content: "gopher body"}
	backend.failNext = store.ErrStore
	if _, err := e.Index(ctx, req); !errors.Is(err, store.ErrStore) {
		t.Fatalf("first attempt: err = %v, want ErrStore", err)
	}

	// The failed attempt must not leave a version behind that makes the
	// retry look unchanged.
	res, err := e.Index(ctx, req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Skipped {
		t.Fatal("retry of a failed index was skipped as unchanged")
	}
	if res.Version != 1 || res.Chunks == 0 {
		t.Fatalf("retry result = %+v, want version 1 with chunks", res)
	}

	chunks, err := backend.DocumentChunks(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) == 0 {
		t.Fatal("no chunks stored after retry")
	}
}

// flakyProvider fails every embedding call while tripped, then delegates
// to wordProvider.
type flakyProvider struct {
	mu   sync.Mutex
	fail bool
}

func (p *flakyProvider) setFail(v bool) {
	p.mu.Lock()
	p.fail = v
	p.mu.Unlock()
}

func (p *flakyProvider) EmbedTexts(ctx context.Context, model string, texts []string) ([][]float32, error) {
	p.mu.Lock()
	fail := p.fail
	p.mu.Unlock()
	if fail {
		return nil, errors.New("embedding backend down")
	}
	return wordProvider{}.EmbedTexts(ctx, model, texts)
}

func TestIndexRetryAfterEmbedFailure(t *testing.T) {
	backend := newMemBackend()
	provider := &flakyProvider{fail: true}

	embedder := embedding.NewClient(provider, embedding.Config{
		Model: "test", MaxRetries: 1, BaseDelay: time.Millisecond,
	}, nil)
	searcher := search.NewEngine(backend, embedder, nil)
	versions := version.NewManager(backend, 10, nil)
	convs := conversation.NewStore(conversation.DefaultConfig(), nil)
	e := rag.New(rag.DefaultConfig(), document.New(nil), embedder, backend,
		versions, searcher, &fakeChat{}, convs, nil, nil)
	ctx := context.Background()

	req := rag.IndexRequest{DocumentID: "doc1", Content: "gopher body"}
	if _, err := e.Index(ctx, req); err == nil {
		t.Fatal("expected embedding failure to surface")
	}

	provider.setFail(false)
	res, err := e.Index(ctx, req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Skipped || res.Version != 1 || res.Chunks == 0 {
		t.Fatalf("retry result = %+v, want version 1 with chunks", res)
	}
}

// tripMonitor returns a monitor whose database breaker opens on the first
// failure, registered over the backend's ping.
func tripMonitor(backend *memBackend) *health.Monitor {
	mon := health.NewMonitor(health.MonitorConfig{
		Breaker: health.CircuitBreakerConfig{
			FailureThreshold: 1,
			SuccessThreshold: 1,
			Cooldown:         time.Minute,
		},
	}, nil)
	mon.Register("database", backend.Ping)
	return mon
}

func TestOpenCircuitFailsFastOnReads(t *testing.T) {
	backend := newMemBackend()
	mon := tripMonitor(backend)
	e := newTestEngineWithMonitor(t, backend, &fakeChat{}, mon)
	ctx := context.Background()

	if _, err := e.Index(ctx, rag.IndexRequest{DocumentID: "doc1", Content: "gopher"}); err != nil {
		t.Fatal(err)
	}

	backend.failNext = store.ErrStore
	if _, err := e.Index(ctx, rag.IndexRequest{DocumentID: "doc2", Content: "burrow"}); err == nil {
		t.Fatal("expected store failure to trip the breaker")
	}

	if _, err := e.Query(ctx, rag.QueryRequest{Query: "gopher"}); !errors.Is(err, health.ErrCircuitOpen) {
		t.Errorf("Query err = %v, want ErrCircuitOpen", err)
	}
	if _, err := e.Search(ctx, rag.QueryRequest{Query: "gopher"}); !errors.Is(err, health.ErrCircuitOpen) {
		t.Errorf("Search err = %v, want ErrCircuitOpen", err)
	}
	if _, err := e.Similar(ctx, "doc1", 3); !errors.Is(err, health.ErrCircuitOpen) {
		t.Errorf("Similar err = %v, want ErrCircuitOpen", err)
	}
}

// failoverChat is a fakeChat that also reports failover state.
type failoverChat struct {
	fakeChat
	has, using bool
}

func (f *failoverChat) HasFallback() bool   { return f.has }
func (f *failoverChat) UsingFallback() bool { return f.using }

func TestHealthReportsDegradedAndDisabled(t *testing.T) {
	ctx := context.Background()

	t.Run("open circuit degrades database", func(t *testing.T) {
		backend := newMemBackend()
		mon := tripMonitor(backend)
		e := newTestEngineWithMonitor(t, backend, &fakeChat{}, mon)

		backend.failNext = store.ErrStore
		if _, err := e.Index(ctx, rag.IndexRequest{DocumentID: "doc1", Content: "x"}); err == nil {
			t.Fatal("expected store failure")
		}

		report := e.Health(ctx)
		if report["database"] != "degraded" {
			t.Errorf("database = %q, want degraded", report["database"])
		}
	})

	t.Run("serving from secondary degrades llm", func(t *testing.T) {
		chat := &failoverChat{has: true, using: true}
		e := newTestEngine(t, newMemBackend(), chat)

		report := e.Health(ctx)
		if report["llm"] != "degraded" {
			t.Errorf("llm = %q, want degraded", report["llm"])
		}
		if _, ok := report["llm_failover"]; ok {
			t.Error("llm_failover reported despite a configured secondary")
		}
	})

	t.Run("missing secondary reports failover disabled", func(t *testing.T) {
		chat := &failoverChat{}
		e := newTestEngine(t, newMemBackend(), chat)

		report := e.Health(ctx)
		if report["llm"] != "healthy" {
			t.Errorf("llm = %q, want healthy", report["llm"])
		}
		if report["llm_failover"] != "disabled" {
			t.Errorf("llm_failover = %q, want disabled", report["llm_failover"])
		}
	})
}
