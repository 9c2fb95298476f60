package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/antigravity-dev/dustengine/internal/hashing"
	"github.com/antigravity-dev/dustengine/internal/store"
)

func (s *Store) RegisterDataset(ctx context.Context, projectID, datasetID string, records []json.RawMessage) (store.Dataset, error) {
	h := hashing.NewHasher()
	for _, r := range records {
		if err := h.WriteJSON(r); err != nil {
			return store.Dataset{}, fmt.Errorf("store/sqlite: hashing dataset: %w", err)
		}
	}
	hash := h.SumHex()

	recordsJSON, err := json.Marshal(records)
	if err != nil {
		return store.Dataset{}, fmt.Errorf("store/sqlite: encoding dataset records: %w", err)
	}

	createdAt := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO datasets (project_id, dataset_id, hash, records, created_at) VALUES (?, ?, ?, ?, ?)`,
		projectID, datasetID, hash, recordsJSON, createdAt,
	)
	if err != nil {
		return store.Dataset{}, fmt.Errorf("store/sqlite: register dataset: %w", err)
	}
	return store.Dataset{ProjectID: projectID, DatasetID: datasetID, Hash: hash, Records: records, CreatedAt: createdAt}, nil
}

func (s *Store) LoadDataset(ctx context.Context, projectID, datasetID, hash string) (store.Dataset, error) {
	var recordsJSON []byte
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT records, created_at FROM datasets WHERE project_id = ? AND dataset_id = ? AND hash = ?`,
		projectID, datasetID, hash,
	).Scan(&recordsJSON, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return store.Dataset{}, fmt.Errorf("store/sqlite: dataset %q@%q: %w", datasetID, hash, store.ErrDatasetNotFound)
		}
		return store.Dataset{}, fmt.Errorf("store/sqlite: load dataset: %w", err)
	}
	var records []json.RawMessage
	if err := json.Unmarshal(recordsJSON, &records); err != nil {
		return store.Dataset{}, fmt.Errorf("store/sqlite: decoding dataset records: %w", err)
	}
	return store.Dataset{ProjectID: projectID, DatasetID: datasetID, Hash: hash, Records: records, CreatedAt: createdAt}, nil
}

func (s *Store) LatestDatasetHash(ctx context.Context, projectID, datasetID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT hash FROM datasets WHERE project_id = ? AND dataset_id = ? ORDER BY created_at DESC LIMIT 1`,
		projectID, datasetID,
	).Scan(&hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("store/sqlite: dataset %q: %w", datasetID, store.ErrDatasetNotFound)
		}
		return "", fmt.Errorf("store/sqlite: latest dataset hash: %w", err)
	}
	return hash, nil
}

func (s *Store) ListDatasets(ctx context.Context, projectID string) ([]store.Dataset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dataset_id, hash, records, created_at FROM datasets WHERE project_id = ? ORDER BY created_at ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: list datasets: %w", err)
	}
	defer rows.Close()

	var out []store.Dataset
	for rows.Next() {
		var d store.Dataset
		var recordsJSON []byte
		if err := rows.Scan(&d.DatasetID, &d.Hash, &recordsJSON, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("store/sqlite: list datasets: scan: %w", err)
		}
		if err := json.Unmarshal(recordsJSON, &d.Records); err != nil {
			return nil, fmt.Errorf("store/sqlite: list datasets: decoding records: %w", err)
		}
		d.ProjectID = projectID
		out = append(out, d)
	}
	return out, rows.Err()
}
