package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/antigravity-dev/dustengine/internal/store"
)

// RegisterSpecification persists source text under a hash the compiler
// already computed at compile time; the store never computes it.
func (s *Store) RegisterSpecification(ctx context.Context, projectID, source, hash string) (store.Specification, error) {
	createdAt := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO specifications (project_id, hash, source, created_at) VALUES (?, ?, ?, ?)`,
		projectID, hash, source, createdAt,
	)
	if err != nil {
		return store.Specification{}, fmt.Errorf("store/sqlite: register specification: %w", err)
	}
	return store.Specification{ProjectID: projectID, Hash: hash, Source: source, CreatedAt: createdAt}, nil
}

func (s *Store) LoadSpecification(ctx context.Context, projectID, hash string) (store.Specification, error) {
	var source string
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT source, created_at FROM specifications WHERE project_id = ? AND hash = ?`,
		projectID, hash,
	).Scan(&source, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return store.Specification{}, fmt.Errorf("store/sqlite: specification %q: %w", hash, store.ErrSpecificationNotFound)
		}
		return store.Specification{}, fmt.Errorf("store/sqlite: load specification: %w", err)
	}
	return store.Specification{ProjectID: projectID, Hash: hash, Source: source, CreatedAt: createdAt}, nil
}

func (s *Store) LatestSpecificationHash(ctx context.Context, projectID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT hash FROM specifications WHERE project_id = ? ORDER BY created_at DESC LIMIT 1`,
		projectID,
	).Scan(&hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("store/sqlite: project %q has no specifications: %w", projectID, store.ErrSpecificationNotFound)
		}
		return "", fmt.Errorf("store/sqlite: latest specification hash: %w", err)
	}
	return hash, nil
}
