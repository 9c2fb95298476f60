package runner

import (
	"context"
	"encoding/json"

	"github.com/antigravity-dev/dustengine/internal/blocks"
	"github.com/antigravity-dev/dustengine/internal/env"
)

// runWhileGroup executes a while/end loop as a unit.
//
// Decision (DESIGN.md): rows loop independently — each input row's
// predicate is evaluated against its own environment every pass — but
// passes advance in lockstep across rows so every loop body block still
// persists as one BlockTrace per pass rather than one per (row, pass).
// A row whose predicate goes false (or that errors) simply stops
// contributing cells to later passes; the pass's trace is ragged rather
// than one cell per row once some rows have dropped out. The pass number
// is threaded through as the body cells' map_idx (iteration indexing
// in a loop scope has no prescribed format) and as each trace's
// Iteration field.
func runWhileGroup(ctx context.Context, in RunInput, whileIdx, endIdx int, wv blocks.LoopSource, list []blocks.Variant, envByInput []*env.Environment, deps Deps) ([]BlockTrace, bool, error) {
	name := wv.Name()
	deps.Sink.BlockRunning("while", name)

	whileCells := make([]Cell, len(envByInput))
	for i, e := range envByInput {
		val, _ := wv.Execute(ctx, e, deps.Dependencies)
		whileCells[i] = Cell{InputIdx: i, Value: val}
		deps.Sink.BlockExecution("while", name, i, 0, val, "")
	}
	whileTrace := BlockTrace{BlockIdx: whileIdx, BlockType: blocks.TypeWhile, Name: name, Cells: whileCells}
	if storeErr := finishBlock(ctx, in, whileTrace, false, deps); storeErr != nil {
		return []BlockTrace{whileTrace}, false, storeErr
	}
	traces := []BlockTrace{whileTrace}

	timeout := deps.cellTimeout(wv)
	maxIters := deps.maxLoopIters()

	iterEnv := make([]*env.Environment, len(envByInput))
	copy(iterEnv, envByInput)
	active := make([]bool, len(envByInput))
	for i := range active {
		active[i] = true
	}
	lastOutputs := make([]map[string]json.RawMessage, len(envByInput))

	loopErrored := false
	for iteration := 0; iteration < maxIters; iteration++ {
		anyActive := false
		for i := range active {
			if !active[i] {
				continue
			}
			ok, err := wv.EvaluateCondition(ctx, iterEnv[i], timeout)
			if err != nil || !ok {
				active[i] = false
				continue
			}
			anyActive = true
		}
		if !anyActive {
			break
		}

		activeRows := make([]int, 0, len(active))
		for i, a := range active {
			if a {
				activeRows = append(activeRows, i)
			}
		}

		passErrored := false
		for bi := whileIdx + 1; bi < endIdx; bi++ {
			bv := list[bi]
			deps.Sink.BlockRunning(string(bv.Type()), bv.Name())

			cells := make([]Cell, len(activeRows))
			runBounded(len(activeRows), deps.concurrency(), func(k int) {
				i := activeRows[k]
				cells[k] = executeCell(ctx, bv, iterEnv[i], i, iteration, deps)
			})

			trace := BlockTrace{BlockIdx: bi, BlockType: bv.Type(), Name: bv.Name(), Cells: cells, Iteration: iteration}
			errored := trace.AnyError()
			storeErr := finishBlock(ctx, in, trace, errored, deps)
			traces = append(traces, trace)

			for k, i := range activeRows {
				c := cells[k]
				if c.Error != "" {
					active[i] = false
					continue
				}
				iterEnv[i] = iterEnv[i].WithBlockOutput(bv.Name(), c.Value)
				if lastOutputs[i] == nil {
					lastOutputs[i] = make(map[string]json.RawMessage)
				}
				lastOutputs[i][bv.Name()] = c.Value
			}
			if storeErr != nil {
				return traces, errored, storeErr
			}
			if errored {
				passErrored = true
				break
			}
		}
		if passErrored {
			loopErrored = true
			break
		}
	}

	endCells := make([]Cell, len(envByInput))
	for i := range envByInput {
		snapshot, err := json.Marshal(lastOutputs[i])
		if err != nil {
			endCells[i] = Cell{InputIdx: i, Error: err.Error()}
			continue
		}
		iterEnv[i] = iterEnv[i].WithBlockOutput(name, snapshot)
		endCells[i] = executeCell(ctx, list[endIdx], iterEnv[i], i, 0, deps)
		envByInput[i] = iterEnv[i]
	}
	endTrace := BlockTrace{BlockIdx: endIdx, BlockType: blocks.TypeEnd, Name: name, Cells: endCells}
	endErrored := endTrace.AnyError()
	storeErr := finishBlock(ctx, in, endTrace, endErrored || loopErrored, deps)
	traces = append(traces, endTrace)

	return traces, endErrored || loopErrored, storeErr
}
