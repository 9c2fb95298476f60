// Package runner implements the Run Scheduler: a
// block-by-block walk of a compiled App, cartesian (input × map) cell
// expansion with bounded concurrency, map/reduce and while/end scope
// bookkeeping, content-addressed caching for cacheable block types, and
// deterministic result writeback regardless of completion order.
package runner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/antigravity-dev/dustengine/internal/blocks"
	"github.com/antigravity-dev/dustengine/internal/cache"
	"github.com/antigravity-dev/dustengine/internal/events"
)

// Status is a run's terminal (or in-flight) state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusErrored   Status = "errored"
)

// Cell is one BlockExecution: the result of one concrete
// (block, input_idx, map_idx) execution. Exactly one of Value/Error is set.
type Cell struct {
	InputIdx int             `json:"input_idx"`
	MapIdx   int             `json:"map_idx"`
	Value    json.RawMessage `json:"value,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// BlockTrace is one block's ordered batch of cells, the unit
// store.AppendRunBlock persists atomically.
type BlockTrace struct {
	BlockIdx  int              `json:"block_idx"`
	BlockType blocks.BlockType `json:"block_type"`
	Name      string           `json:"name"`
	Cells     []Cell           `json:"cells"`

	// Iteration disambiguates repeated persistence of the same source
	// BlockIdx across while/end loop passes (a while loop's pass
	// count is dynamic, so each pass gets its own trace rather than
	// accumulating into one ever-growing batch). Always 0 outside a loop.
	Iteration int `json:"iteration,omitempty"`
}

// AnyError reports whether any cell in the trace recorded an error.
func (t BlockTrace) AnyError() bool {
	for _, c := range t.Cells {
		if c.Error != "" {
			return true
		}
	}
	return false
}

// Result is a completed (or cancelled) run: overall status plus every
// executed block's trace in block order, including a block whose
// persistence failed.
type Result struct {
	Status Status       `json:"status"`
	Reason string       `json:"reason,omitempty"`
	Blocks []BlockTrace `json:"blocks"`
}

// Store is the Store Port's run-persistence surface the scheduler calls.
// AppendRunBlock is the single atomic durability point per block.
type Store interface {
	AppendRunBlock(ctx context.Context, projectID, runID string, trace BlockTrace) error
}

// RunInput bundles what Run needs beyond the compiled App: the dataset
// rows to iterate and the run's identifiers.
type RunInput struct {
	ProjectID   string
	RunID       string
	Inputs      []json.RawMessage // one per input_idx; empty means Run uses a single null input
	Credentials map[string]string
	Secrets     map[string]string
}

// Deps bundles the external ports and policy knobs a run needs.
type Deps struct {
	Dependencies blocks.Dependencies
	Cache        *cache.Cache // nil disables caching; cacheable blocks call straight through
	Store        Store        // nil disables persistence (used by unit tests)
	Sink         *events.Sink // nil disables streaming; every Sink method is a no-op on nil

	Concurrency  int // bounded worker count per block; <=0 defaults to 8
	MaxLoopIters int // while/end safety cap; <=0 defaults to 10000
	Timeout      func(v blocks.Variant) time.Duration
}

func (d Deps) concurrency() int {
	if d.Concurrency <= 0 {
		return 8
	}
	return d.Concurrency
}

func (d Deps) maxLoopIters() int {
	if d.MaxLoopIters <= 0 {
		return 10000
	}
	return d.MaxLoopIters
}
