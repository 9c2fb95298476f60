// Package store defines the Store Port: the abstract persistence
// surface the engine depends on for projects, datasets, specs, runs,
// block executions, and cache entries. The core only ever imports the
// Store interface declared here; internal/store/sqlite and
// internal/store/memstore are the two concrete implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/antigravity-dev/dustengine/internal/cache"
	"github.com/antigravity-dev/dustengine/internal/runner"
)

// Sentinel errors for the store's error code taxonomy. Concrete
// implementations wrap these with fmt.Errorf("%w: ...", ...) so callers
// can errors.Is against a stable code regardless of backend.
var (
	ErrProjectNotFound       = errors.New("project not found")
	ErrDatasetNotFound       = errors.New("dataset not found")
	ErrSpecificationNotFound = errors.New("specification not found")
	ErrRunNotFound           = errors.New("run not found")
)

// RunType is the run's originating context.
type RunType string

const (
	RunTypeLocal   RunType = "local"
	RunTypeDeploy  RunType = "deploy"
	RunTypeExecute RunType = "execute"
)

// RunStatus is a run's overall terminal (or in-flight) state, mirroring
// runner.Status but persisted alongside a reason string. Running
// transitions to Succeeded or Errored; terminal states are final.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusErrored   RunStatus = "errored"
)

// Project is an isolation boundary for specs, datasets, runs, and data
// sources. The ID is opaque; unlike Run.RunID it carries no sortable
// timestamp prefix, since project listings have no ordering
// requirement.
type Project struct {
	ID        string
	CreatedAt time.Time
}

// Dataset is an immutable, ordered sequence of JSON records. Multiple
// hashes of the same DatasetID coexist; callers select one by hash or
// ask for the latest.
type Dataset struct {
	ProjectID string
	DatasetID string
	Hash      string
	Records   []json.RawMessage
	CreatedAt time.Time
}

// Specification is the immutable source text of a compiled app,
// identified by (project, hash) where hash is the App.Hash the compiler
// already computed.
type Specification struct {
	ProjectID string
	Hash      string
	Source    string
	CreatedAt time.Time
}

// Run is one execution of a compiled app.
type Run struct {
	ProjectID    string
	RunID        string
	CreatedAt    time.Time
	RunType      RunType
	AppHash      string
	Config       json.RawMessage
	Status       RunStatus
	StatusReason string
}

// BlockFilter narrows LoadRun's result to a subset of a run's persisted
// traces: exactly the requested block(s), none, or status only.
type BlockFilter struct {
	BlockIdx   []int // nil/empty means every block
	StatusOnly bool  // true means traces are omitted entirely
}

// Store is the full Store Port. It embeds the two narrower ports the
// runner and cache packages depend on directly (runner.Store,
// cache.Store) so one concrete implementation satisfies
// every port the engine needs without the core packages importing this
// one — store depends on runner and cache, never the reverse.
type Store interface {
	runner.Store
	cache.Store

	CreateProject(ctx context.Context) (Project, error)
	DeleteProject(ctx context.Context, projectID string) error
	HasDataSources(ctx context.Context, projectID string) (bool, error)

	RegisterDataset(ctx context.Context, projectID, datasetID string, records []json.RawMessage) (Dataset, error)
	LoadDataset(ctx context.Context, projectID, datasetID, hash string) (Dataset, error)
	LatestDatasetHash(ctx context.Context, projectID, datasetID string) (string, error)
	ListDatasets(ctx context.Context, projectID string) ([]Dataset, error)

	RegisterSpecification(ctx context.Context, projectID, source, hash string) (Specification, error)
	LoadSpecification(ctx context.Context, projectID, hash string) (Specification, error)
	LatestSpecificationHash(ctx context.Context, projectID string) (string, error)

	CreateRunEmpty(ctx context.Context, projectID string, runType RunType, appHash string, config json.RawMessage) (Run, error)
	UpdateRunStatus(ctx context.Context, projectID, runID string, status RunStatus, reason string) error
	LoadRun(ctx context.Context, projectID, runID string, filter BlockFilter) (Run, []runner.BlockTrace, error)
	ListRuns(ctx context.Context, projectID string) ([]Run, error)
	LoadRuns(ctx context.Context, projectID string, runIDs []string) ([]Run, error)
	DeleteRun(ctx context.Context, projectID, runID string) error
}
