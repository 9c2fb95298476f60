package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/dustengine/internal/store"
)

// CreateProject inserts a new project row. Project IDs use google/uuid
// rather than ulid: project listings have no creation-time ordering
// requirement the way datasets and runs do, so there is no ordering
// property to preserve.
func (s *Store) CreateProject(ctx context.Context) (store.Project, error) {
	p := store.Project{ID: uuid.NewString(), CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx, `INSERT INTO projects (id, created_at) VALUES (?, ?)`, p.ID, p.CreatedAt)
	if err != nil {
		return store.Project{}, fmt.Errorf("store/sqlite: create project: %w", err)
	}
	return p, nil
}

func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, projectID)
	if err != nil {
		return fmt.Errorf("store/sqlite: delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store/sqlite: project %q: %w", projectID, store.ErrProjectNotFound)
	}
	for _, table := range []string{"datasets", "specifications", "runs", "run_blocks", "cache_entries"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE project_id = ?`, projectID); err != nil {
			return fmt.Errorf("store/sqlite: delete project: cascading %s: %w", table, err)
		}
	}
	return nil
}

func (s *Store) HasDataSources(ctx context.Context, projectID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM datasets WHERE project_id = ?`, projectID).Scan(&count)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("store/sqlite: has data sources: %w", err)
	}
	return count > 0, nil
}
