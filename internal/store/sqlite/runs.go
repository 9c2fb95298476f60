package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/antigravity-dev/dustengine/internal/blocks"
	"github.com/antigravity-dev/dustengine/internal/runner"
	"github.com/antigravity-dev/dustengine/internal/store"
)

// CreateRunEmpty inserts a run row with no blocks yet. Run IDs use
// ulid.Make, not google/uuid: run listings are ordered by creation
// time, which a ULID's lexicographic-sortable prefix gives for free,
// where a bare UUID would need a separate timestamp column.
func (s *Store) CreateRunEmpty(ctx context.Context, projectID string, runType store.RunType, appHash string, config json.RawMessage) (store.Run, error) {
	r := store.Run{
		ProjectID: projectID,
		RunID:     ulid.Make().String(),
		CreatedAt: time.Now().UTC(),
		RunType:   runType,
		AppHash:   appHash,
		Config:    config,
		Status:    store.RunStatusRunning,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (project_id, run_id, created_at, run_type, app_hash, config, status, status_reason) VALUES (?, ?, ?, ?, ?, ?, ?, '')`,
		r.ProjectID, r.RunID, r.CreatedAt, string(r.RunType), r.AppHash, string(r.Config), string(r.Status),
	)
	if err != nil {
		return store.Run{}, fmt.Errorf("store/sqlite: create run: %w", err)
	}
	return r, nil
}

// AppendRunBlock persists one block's batch of cells atomically: a
// single INSERT is already atomic at the SQLite row level, so no
// surrounding transaction is needed here.
func (s *Store) AppendRunBlock(ctx context.Context, projectID, runID string, trace runner.BlockTrace) error {
	cellsJSON, err := json.Marshal(trace.Cells)
	if err != nil {
		return fmt.Errorf("store/sqlite: encoding block cells: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_blocks (project_id, run_id, block_idx, block_type, name, iteration, cells) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		projectID, runID, trace.BlockIdx, string(trace.BlockType), trace.Name, trace.Iteration, cellsJSON,
	)
	if err != nil {
		return fmt.Errorf("store/sqlite: append run block: %w", err)
	}
	return nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, projectID, runID string, status store.RunStatus, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, status_reason = ? WHERE project_id = ? AND run_id = ?`,
		string(status), reason, projectID, runID,
	)
	if err != nil {
		return fmt.Errorf("store/sqlite: update run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store/sqlite: run %q: %w", runID, store.ErrRunNotFound)
	}
	return nil
}

func (s *Store) scanRun(row *sql.Row) (store.Run, error) {
	var r store.Run
	var runType, status string
	var config string
	err := row.Scan(&r.RunID, &r.CreatedAt, &runType, &r.AppHash, &config, &status, &r.StatusReason)
	if err != nil {
		return store.Run{}, err
	}
	r.RunType = store.RunType(runType)
	r.Status = store.RunStatus(status)
	r.Config = json.RawMessage(config)
	return r, nil
}

func (s *Store) LoadRun(ctx context.Context, projectID, runID string, filter store.BlockFilter) (store.Run, []runner.BlockTrace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, created_at, run_type, app_hash, config, status, status_reason FROM runs WHERE project_id = ? AND run_id = ?`,
		projectID, runID,
	)
	r, err := s.scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return store.Run{}, nil, fmt.Errorf("store/sqlite: run %q: %w", runID, store.ErrRunNotFound)
		}
		return store.Run{}, nil, fmt.Errorf("store/sqlite: load run: %w", err)
	}
	r.ProjectID = projectID

	if filter.StatusOnly {
		return r, nil, nil
	}

	var rows *sql.Rows
	if len(filter.BlockIdx) == 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT block_idx, block_type, name, iteration, cells FROM run_blocks WHERE project_id = ? AND run_id = ? ORDER BY id ASC`,
			projectID, runID,
		)
	} else {
		placeholders, args := inClause(filter.BlockIdx)
		args = append([]interface{}{projectID, runID}, args...)
		rows, err = s.db.QueryContext(ctx,
			`SELECT block_idx, block_type, name, iteration, cells FROM run_blocks WHERE project_id = ? AND run_id = ? AND block_idx IN (`+placeholders+`) ORDER BY id ASC`,
			args...,
		)
	}
	if err != nil {
		return store.Run{}, nil, fmt.Errorf("store/sqlite: load run blocks: %w", err)
	}
	defer rows.Close()

	var traces []runner.BlockTrace
	for rows.Next() {
		var t runner.BlockTrace
		var blockType string
		var cellsJSON []byte
		if err := rows.Scan(&t.BlockIdx, &blockType, &t.Name, &t.Iteration, &cellsJSON); err != nil {
			return store.Run{}, nil, fmt.Errorf("store/sqlite: load run blocks: scan: %w", err)
		}
		t.BlockType = blocks.BlockType(blockType)
		if err := json.Unmarshal(cellsJSON, &t.Cells); err != nil {
			return store.Run{}, nil, fmt.Errorf("store/sqlite: decoding block cells: %w", err)
		}
		traces = append(traces, t)
	}
	return r, traces, rows.Err()
}

func (s *Store) ListRuns(ctx context.Context, projectID string) ([]store.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, created_at, run_type, app_hash, config, status, status_reason FROM runs WHERE project_id = ? ORDER BY created_at ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: list runs: %w", err)
	}
	defer rows.Close()

	var out []store.Run
	for rows.Next() {
		var r store.Run
		var runType, status, config string
		if err := rows.Scan(&r.RunID, &r.CreatedAt, &runType, &r.AppHash, &config, &status, &r.StatusReason); err != nil {
			return nil, fmt.Errorf("store/sqlite: list runs: scan: %w", err)
		}
		r.ProjectID = projectID
		r.RunType = store.RunType(runType)
		r.Status = store.RunStatus(status)
		r.Config = json.RawMessage(config)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) LoadRuns(ctx context.Context, projectID string, runIDs []string) ([]store.Run, error) {
	out := make([]store.Run, 0, len(runIDs))
	for _, id := range runIDs {
		row := s.db.QueryRowContext(ctx,
			`SELECT run_id, created_at, run_type, app_hash, config, status, status_reason FROM runs WHERE project_id = ? AND run_id = ?`,
			projectID, id,
		)
		r, err := s.scanRun(row)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, fmt.Errorf("store/sqlite: run %q: %w", id, store.ErrRunNotFound)
			}
			return nil, fmt.Errorf("store/sqlite: load runs: %w", err)
		}
		r.ProjectID = projectID
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) DeleteRun(ctx context.Context, projectID, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE project_id = ? AND run_id = ?`, projectID, runID)
	if err != nil {
		return fmt.Errorf("store/sqlite: delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store/sqlite: run %q: %w", runID, store.ErrRunNotFound)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM run_blocks WHERE project_id = ? AND run_id = ?`, projectID, runID)
	if err != nil {
		return fmt.Errorf("store/sqlite: delete run blocks: %w", err)
	}
	return nil
}

func inClause(idx []int) (string, []interface{}) {
	placeholders := ""
	args := make([]interface{}, len(idx))
	for i, v := range idx {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = v
	}
	return placeholders, args
}
