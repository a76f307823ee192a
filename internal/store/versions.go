package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// LatestVersion returns the newest version row for a document, or nil when
// the document has never been versioned.
func (s *Store) LatestVersion(ctx context.Context, documentID string) (*Version, error) {
	var v Version
	err := s.pool.QueryRow(ctx, `
		SELECT id, document_id, version, content_hash, created_at
		FROM document_versions
		WHERE document_id = $1
		ORDER BY version DESC
		LIMIT 1`, documentID).
		Scan(&v.ID, &v.DocumentID, &v.Version, &v.ContentHash, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: latest version for %q: %v", ErrStore, documentID, err)
	}
	return &v, nil
}

// InsertVersion persists a new version row. The unique constraint on
// (document_id, version) makes concurrent writers to the same document
// serialize: the loser of a race gets a constraint violation and retries
// through the version manager.
func (s *Store) InsertVersion(ctx context.Context, v Version) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_versions (id, document_id, version, content_hash)
		VALUES ($1, $2, $3, $4)`,
		v.ID, v.DocumentID, v.Version, v.ContentHash)
	if err != nil {
		return fmt.Errorf("%w: insert version %d for %q: %v", ErrStore, v.Version, v.DocumentID, err)
	}
	return nil
}

// PruneVersions deletes versions older than latest-keep, bounding storage.
// Returns the number of rows removed.
func (s *Store) PruneVersions(ctx context.Context, documentID string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM document_versions
		WHERE document_id = $1
		  AND version <= (
			SELECT MAX(version) FROM document_versions WHERE document_id = $1
		  ) - $2`, documentID, keep)
	if err != nil {
		return 0, fmt.Errorf("%w: prune versions for %q: %v", ErrStore, documentID, err)
	}
	return tag.RowsAffected(), nil
}
