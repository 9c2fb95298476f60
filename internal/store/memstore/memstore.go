// Package memstore is an in-memory store.Store implementation backing
// unit tests without a sqlite dependency in the hot test path, for
// pure-logic tests that shouldn't need to hit sqlite every time.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/antigravity-dev/dustengine/internal/blocks"
	"github.com/antigravity-dev/dustengine/internal/cache"
	"github.com/antigravity-dev/dustengine/internal/hashing"
	"github.com/antigravity-dev/dustengine/internal/runner"
	"github.com/antigravity-dev/dustengine/internal/store"
)

type datasetVersion struct {
	hash      string
	records   []json.RawMessage
	createdAt time.Time
}

type specVersion struct {
	hash      string
	source    string
	createdAt time.Time
}

type run struct {
	rec    store.Run
	traces []runner.BlockTrace
}

type cacheEntry struct {
	hash     string
	request  json.RawMessage
	response json.RawMessage
}

// Store is an in-memory Store Port implementation. Zero value is not
// usable; construct with New.
type Store struct {
	mu sync.Mutex

	projects map[string]store.Project
	datasets map[string]map[string][]datasetVersion // projectID -> datasetID -> versions, oldest first
	specs    map[string][]specVersion               // projectID -> versions, oldest first
	runs     map[string]map[string]*run             // projectID -> runID -> run
	cache    map[string][]cacheEntry                // projectID|kind|hash -> entries, most recent first
}

var _ store.Store = (*Store)(nil)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		projects: make(map[string]store.Project),
		datasets: make(map[string]map[string][]datasetVersion),
		specs:    make(map[string][]specVersion),
		runs:     make(map[string]map[string]*run),
		cache:    make(map[string][]cacheEntry),
	}
}

func (s *Store) CreateProject(ctx context.Context) (store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := store.Project{ID: uuid.NewString(), CreatedAt: time.Now()}
	s.projects[p.ID] = p
	return p, nil
}

func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[projectID]; !ok {
		return fmt.Errorf("memstore: project %q: %w", projectID, store.ErrProjectNotFound)
	}
	delete(s.projects, projectID)
	delete(s.datasets, projectID)
	delete(s.specs, projectID)
	delete(s.runs, projectID)
	return nil
}

func (s *Store) HasDataSources(ctx context.Context, projectID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.datasets[projectID]
	return ok && len(versions) > 0, nil
}

func (s *Store) RegisterDataset(ctx context.Context, projectID, datasetID string, records []json.RawMessage) (store.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := hashing.NewHasher()
	for _, r := range records {
		if err := h.WriteJSON(r); err != nil {
			return store.Dataset{}, fmt.Errorf("memstore: hashing dataset: %w", err)
		}
	}
	hash := h.SumHex()

	if s.datasets[projectID] == nil {
		s.datasets[projectID] = make(map[string][]datasetVersion)
	}
	version := datasetVersion{hash: hash, records: records, createdAt: time.Now()}
	s.datasets[projectID][datasetID] = append(s.datasets[projectID][datasetID], version)

	return store.Dataset{ProjectID: projectID, DatasetID: datasetID, Hash: hash, Records: records, CreatedAt: version.createdAt}, nil
}

func (s *Store) LoadDataset(ctx context.Context, projectID, datasetID, hash string) (store.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.datasets[projectID][datasetID] {
		if v.hash == hash {
			return store.Dataset{ProjectID: projectID, DatasetID: datasetID, Hash: v.hash, Records: v.records, CreatedAt: v.createdAt}, nil
		}
	}
	return store.Dataset{}, fmt.Errorf("memstore: dataset %q@%q: %w", datasetID, hash, store.ErrDatasetNotFound)
}

func (s *Store) LatestDatasetHash(ctx context.Context, projectID, datasetID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.datasets[projectID][datasetID]
	if len(versions) == 0 {
		return "", fmt.Errorf("memstore: dataset %q: %w", datasetID, store.ErrDatasetNotFound)
	}
	return versions[len(versions)-1].hash, nil
}

func (s *Store) ListDatasets(ctx context.Context, projectID string) ([]store.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Dataset
	for datasetID, versions := range s.datasets[projectID] {
		for _, v := range versions {
			out = append(out, store.Dataset{ProjectID: projectID, DatasetID: datasetID, Hash: v.hash, Records: v.records, CreatedAt: v.createdAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RegisterSpecification(ctx context.Context, projectID, source, hash string) (store.Specification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	version := specVersion{hash: hash, source: source, createdAt: time.Now()}
	s.specs[projectID] = append(s.specs[projectID], version)
	return store.Specification{ProjectID: projectID, Hash: hash, Source: source, CreatedAt: version.createdAt}, nil
}

func (s *Store) LoadSpecification(ctx context.Context, projectID, hash string) (store.Specification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.specs[projectID] {
		if v.hash == hash {
			return store.Specification{ProjectID: projectID, Hash: v.hash, Source: v.source, CreatedAt: v.createdAt}, nil
		}
	}
	return store.Specification{}, fmt.Errorf("memstore: specification %q: %w", hash, store.ErrSpecificationNotFound)
}

func (s *Store) LatestSpecificationHash(ctx context.Context, projectID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.specs[projectID]
	if len(versions) == 0 {
		return "", fmt.Errorf("memstore: project %q has no specifications: %w", projectID, store.ErrSpecificationNotFound)
	}
	return versions[len(versions)-1].hash, nil
}

func (s *Store) CreateRunEmpty(ctx context.Context, projectID string, runType store.RunType, appHash string, config json.RawMessage) (store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := store.Run{
		ProjectID: projectID,
		RunID:     ulid.Make().String(),
		CreatedAt: time.Now(),
		RunType:   runType,
		AppHash:   appHash,
		Config:    config,
		Status:    store.RunStatusRunning,
	}
	if s.runs[projectID] == nil {
		s.runs[projectID] = make(map[string]*run)
	}
	s.runs[projectID][rec.RunID] = &run{rec: rec}
	return rec, nil
}

func (s *Store) AppendRunBlock(ctx context.Context, projectID, runID string, trace runner.BlockTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[projectID][runID]
	if !ok {
		return fmt.Errorf("memstore: run %q: %w", runID, store.ErrRunNotFound)
	}
	r.traces = append(r.traces, trace)
	return nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, projectID, runID string, status store.RunStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[projectID][runID]
	if !ok {
		return fmt.Errorf("memstore: run %q: %w", runID, store.ErrRunNotFound)
	}
	r.rec.Status = status
	r.rec.StatusReason = reason
	return nil
}

func (s *Store) LoadRun(ctx context.Context, projectID, runID string, filter store.BlockFilter) (store.Run, []runner.BlockTrace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[projectID][runID]
	if !ok {
		return store.Run{}, nil, fmt.Errorf("memstore: run %q: %w", runID, store.ErrRunNotFound)
	}
	if filter.StatusOnly {
		return r.rec, nil, nil
	}
	if len(filter.BlockIdx) == 0 {
		return r.rec, append([]runner.BlockTrace(nil), r.traces...), nil
	}
	want := make(map[int]bool, len(filter.BlockIdx))
	for _, idx := range filter.BlockIdx {
		want[idx] = true
	}
	var filtered []runner.BlockTrace
	for _, t := range r.traces {
		if want[t.BlockIdx] {
			filtered = append(filtered, t)
		}
	}
	return r.rec, filtered, nil
}

func (s *Store) ListRuns(ctx context.Context, projectID string) ([]store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Run
	for _, r := range s.runs[projectID] {
		out = append(out, r.rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) LoadRuns(ctx context.Context, projectID string, runIDs []string) ([]store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Run, 0, len(runIDs))
	for _, id := range runIDs {
		r, ok := s.runs[projectID][id]
		if !ok {
			return nil, fmt.Errorf("memstore: run %q: %w", id, store.ErrRunNotFound)
		}
		out = append(out, r.rec)
	}
	return out, nil
}

func (s *Store) DeleteRun(ctx context.Context, projectID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[projectID][runID]; !ok {
		return fmt.Errorf("memstore: run %q: %w", runID, store.ErrRunNotFound)
	}
	delete(s.runs[projectID], runID)
	return nil
}

func (s *Store) cacheKey(projectID string, kind blocks.CacheKind, hash string) string {
	return projectID + "|" + string(kind) + "|" + hash
}

func (s *Store) CacheGet(ctx context.Context, projectID string, kind blocks.CacheKind, hash string) ([]cache.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.cache[s.cacheKey(projectID, kind, hash)]
	out := make([]cache.Entry, len(entries))
	for i, e := range entries {
		out[i] = cache.Entry{Hash: e.hash, Request: e.request, Response: e.response}
	}
	return out, nil
}

func (s *Store) CacheStore(ctx context.Context, projectID string, kind blocks.CacheKind, hash string, request, response json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.cacheKey(projectID, kind, hash)
	entry := cacheEntry{hash: hash, request: request, response: response}
	// most-recent-first, per the Store Port's cache read contract.
	s.cache[key] = append([]cacheEntry{entry}, s.cache[key]...)
	return nil
}
