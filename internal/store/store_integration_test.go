package store_test

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/nmoray/ragcore/internal/log"
	"github.com/nmoray/ragcore/internal/store"
	"github.com/nmoray/ragcore/internal/testutil"
)

// testVector returns a deterministic unit-ish vector with a distinctive
// leading component so similarity ordering is predictable.
func testVector(lead float32) []float32 {
	v := make([]float32, store.VectorDimension)
	v[0] = lead
	v[1] = 1
	return v
}

func testChunks(docID string, contents []string, lead float32) []store.Chunk {
	chunks := make([]store.Chunk, len(contents))
	for i, content := range contents {
		chunks[i] = store.Chunk{
			ID:         uuid.NewString(),
			DocumentID: docID,
			Index:      i,
			Content:    content,
			Metadata:   map[string]string{"source_type": "test"},
			Embedding:  testVector(lead),
		}
	}
	return chunks
}

func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	tdb, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	s := store.New(tdb.Pool, log.NewNop())

	t.Run("upsert and semantic search", func(t *testing.T) {
		err := s.UpsertChunks(ctx, "doc-a", testChunks("doc-a", []string{"alpha content", "beta content"}, 1))
		if err != nil {
			t.Fatalf("UpsertChunks: %v", err)
		}

		results, err := s.SemanticSearch(ctx, testVector(1), store.SearchOptions{Limit: 5})
		if err != nil {
			t.Fatalf("SemanticSearch: %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("got %d results, want 2", len(results))
		}
		for i := 1; i < len(results); i++ {
			if results[i].Score > results[i-1].Score {
				t.Error("results not sorted by descending score")
			}
		}
	})

	t.Run("upsert replaces atomically", func(t *testing.T) {
		if err := s.UpsertChunks(ctx, "doc-a", testChunks("doc-a", []string{"replaced"}, 1)); err != nil {
			t.Fatalf("UpsertChunks: %v", err)
		}
		chunks, err := s.DocumentChunks(ctx, "doc-a")
		if err != nil {
			t.Fatalf("DocumentChunks: %v", err)
		}
		if len(chunks) != 1 || chunks[0].Content != "replaced" {
			t.Errorf("old chunks survived the upsert: %+v", chunks)
		}
	})

	t.Run("dimension mismatch rejected", func(t *testing.T) {
		bad := []store.Chunk{{ID: uuid.NewString(), DocumentID: "doc-bad", Index: 0, Content: "x", Embedding: []float32{1, 2, 3}}}
		if err := s.UpsertChunks(ctx, "doc-bad", bad); err == nil {
			t.Error("expected dimension mismatch error")
		}
	})

	t.Run("metadata filter", func(t *testing.T) {
		chunks := testChunks("doc-filtered", []string{"filter me"}, 0.5)
		chunks[0].Metadata = map[string]string{"source_type": "special"}
		if err := s.UpsertChunks(ctx, "doc-filtered", chunks); err != nil {
			t.Fatalf("UpsertChunks: %v", err)
		}

		results, err := s.SemanticSearch(ctx, testVector(0.5), store.SearchOptions{
			Limit:  10,
			Filter: map[string]string{"source_type": "special"},
		})
		if err != nil {
			t.Fatalf("SemanticSearch: %v", err)
		}
		for _, r := range results {
			if r.Metadata["source_type"] != "special" {
				t.Errorf("filter leaked: %+v", r)
			}
		}

		// Unknown filter key matches nothing, never everything.
		none, err := s.SemanticSearch(ctx, testVector(0.5), store.SearchOptions{
			Limit:  10,
			Filter: map[string]string{"no_such_key": "x"},
		})
		if err != nil {
			t.Fatalf("SemanticSearch: %v", err)
		}
		if len(none) != 0 {
			t.Errorf("unknown filter key matched %d rows", len(none))
		}
	})

	t.Run("keyword search", func(t *testing.T) {
		err := s.UpsertChunks(ctx, "doc-kw", testChunks("doc-kw", []string{"the quick brown fox jumps"}, 0.1))
		if err != nil {
			t.Fatalf("UpsertChunks: %v", err)
		}
		results, err := s.KeywordSearch(ctx, "quick fox", 5)
		if err != nil {
			t.Fatalf("KeywordSearch: %v", err)
		}
		found := false
		for _, r := range results {
			if r.DocumentID == "doc-kw" {
				found = true
			}
		}
		if !found {
			t.Error("keyword search missed matching document")
		}
	})

	t.Run("versions", func(t *testing.T) {
		v, err := s.LatestVersion(ctx, "doc-v")
		if err != nil {
			t.Fatalf("LatestVersion: %v", err)
		}
		if v != nil {
			t.Fatalf("expected no version, got %+v", v)
		}

		for i := 1; i <= 5; i++ {
			err := s.InsertVersion(ctx, store.Version{
				ID: uuid.NewString(), DocumentID: "doc-v", Version: i, ContentHash: uuid.NewString(),
			})
			if err != nil {
				t.Fatalf("InsertVersion %d: %v", i, err)
			}
		}

		latest, err := s.LatestVersion(ctx, "doc-v")
		if err != nil {
			t.Fatalf("LatestVersion: %v", err)
		}
		if latest == nil || latest.Version != 5 {
			t.Fatalf("latest = %+v, want version 5", latest)
		}

		// Duplicate version number must violate the unique constraint.
		err = s.InsertVersion(ctx, store.Version{
			ID: uuid.NewString(), DocumentID: "doc-v", Version: 5, ContentHash: "h",
		})
		if err == nil {
			t.Error("duplicate version insert should fail")
		}

		pruned, err := s.PruneVersions(ctx, "doc-v", 2)
		if err != nil {
			t.Fatalf("PruneVersions: %v", err)
		}
		if pruned != 3 {
			t.Errorf("pruned %d rows, want 3", pruned)
		}
	})

	t.Run("delete document", func(t *testing.T) {
		if err := s.DeleteDocument(ctx, "doc-a"); err != nil {
			t.Fatalf("DeleteDocument: %v", err)
		}
		chunks, err := s.DocumentChunks(ctx, "doc-a")
		if err != nil {
			t.Fatalf("DocumentChunks: %v", err)
		}
		if len(chunks) != 0 {
			t.Errorf("chunks survived delete: %d", len(chunks))
		}
	})
}
