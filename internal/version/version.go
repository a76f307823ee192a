// Package version implements content-hash document versioning.
//
// Each document carries a monotonic version number and the SHA-256 of its
// content. Re-ingesting identical content is detected by hash and reported
// as unchanged, so the indexing pipeline can skip re-embedding. Old
// versions are pruned to bound storage.
package version

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nmoray/ragcore/internal/store"
)

// DefaultMaxVersions is how many versions per document are retained.
const DefaultMaxVersions = 10

// Store is the persistence surface the manager needs.
type Store interface {
	LatestVersion(ctx context.Context, documentID string) (*store.Version, error)
	InsertVersion(ctx context.Context, v store.Version) error
	PruneVersions(ctx context.Context, documentID string, keep int) (int64, error)
}

// Result reports the outcome of CreateVersion.
type Result struct {
	Version   int
	IsNew     bool
	Unchanged bool
}

// Manager allocates document versions. Writers to the same document are
// serialized so version numbers never repeat and never decrease.
type Manager struct {
	store       Store
	maxVersions int
	logger      *slog.Logger

	// mu serializes the read-max/insert pair; the unique constraint on
	// (document_id, version) is the backstop for multi-process racing.
	mu sync.Mutex
}

// NewManager creates a Manager. maxVersions <= 0 uses DefaultMaxVersions.
func NewManager(s Store, maxVersions int, logger *slog.Logger) *Manager {
	if maxVersions <= 0 {
		maxVersions = DefaultMaxVersions
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, maxVersions: maxVersions, logger: logger}
}

// HashContent returns the hex SHA-256 of content.
func HashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// Check reports what CreateVersion would do for content, without writing
// anything. The indexing pipeline calls Check up front to skip unchanged
// documents and CreateVersion only after the chunks are durably stored,
// so a failed indexing attempt leaves no version row behind.
func (m *Manager) Check(ctx context.Context, documentID, content string) (Result, error) {
	if documentID == "" {
		return Result{}, fmt.Errorf("check version: empty document id")
	}

	hash := HashContent(content)

	m.mu.Lock()
	defer m.mu.Unlock()

	latest, err := m.store.LatestVersion(ctx, documentID)
	if err != nil {
		return Result{}, fmt.Errorf("check version for %q: %w", documentID, err)
	}

	if latest != nil && latest.ContentHash == hash {
		return Result{Version: latest.Version, Unchanged: true}, nil
	}
	next := 1
	if latest != nil {
		next = latest.Version + 1
	}
	return Result{Version: next, IsNew: true}, nil
}

// CreateVersion computes the content hash and either reports the document
// unchanged (hash matches the latest stored version) or allocates the next
// version number and persists it.
func (m *Manager) CreateVersion(ctx context.Context, documentID, content string) (Result, error) {
	if documentID == "" {
		return Result{}, fmt.Errorf("create version: empty document id")
	}

	hash := HashContent(content)

	m.mu.Lock()
	defer m.mu.Unlock()

	latest, err := m.store.LatestVersion(ctx, documentID)
	if err != nil {
		return Result{}, fmt.Errorf("create version for %q: %w", documentID, err)
	}

	if latest != nil && latest.ContentHash == hash {
		m.logger.Debug("content unchanged, skipping version",
			"document_id", documentID, "version", latest.Version)
		return Result{Version: latest.Version, Unchanged: true}, nil
	}

	next := 1
	if latest != nil {
		next = latest.Version + 1
	}

	err = m.store.InsertVersion(ctx, store.Version{
		ID:          uuid.NewString(),
		DocumentID:  documentID,
		Version:     next,
		ContentHash: hash,
	})
	if err != nil {
		return Result{}, fmt.Errorf("create version %d for %q: %w", next, documentID, err)
	}

	if pruned, err := m.store.PruneVersions(ctx, documentID, m.maxVersions); err != nil {
		// Pruning is housekeeping; the new version is already durable.
		m.logger.Warn("version pruning failed", "document_id", documentID, "error", err)
	} else if pruned > 0 {
		m.logger.Debug("pruned old versions", "document_id", documentID, "count", pruned)
	}

	return Result{Version: next, IsNew: true}, nil
}
