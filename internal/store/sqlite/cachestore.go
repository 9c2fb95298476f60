package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/antigravity-dev/dustengine/internal/blocks"
	"github.com/antigravity-dev/dustengine/internal/cache"
)

// CacheGet returns every entry stored for (projectID, kind, hash),
// most-recent-first, satisfying cache.Store.
func (s *Store) CacheGet(ctx context.Context, projectID string, kind blocks.CacheKind, hash string) ([]cache.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, request, response, created_at FROM cache_entries WHERE project_id = ? AND kind = ? AND hash = ? ORDER BY id DESC`,
		projectID, string(kind), hash,
	)
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: cache get: %w", err)
	}
	defer rows.Close()

	var out []cache.Entry
	for rows.Next() {
		var e cache.Entry
		var request, response []byte
		if err := rows.Scan(&e.Hash, &request, &response, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store/sqlite: cache get: scan: %w", err)
		}
		e.Request = json.RawMessage(request)
		e.Response = json.RawMessage(response)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CacheStore appends one entry; rows are never updated, matching the
// cache's append-only store contract.
func (s *Store) CacheStore(ctx context.Context, projectID string, kind blocks.CacheKind, hash string, request, response json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (project_id, kind, hash, request, response) VALUES (?, ?, ?, ?, ?)`,
		projectID, string(kind), hash, string(request), string(response),
	)
	if err != nil {
		return fmt.Errorf("store/sqlite: cache store: %w", err)
	}
	return nil
}
