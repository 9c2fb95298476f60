package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/antigravity-dev/dustengine/internal/blocks"
	"github.com/antigravity-dev/dustengine/internal/env"
)

// runMapGroup executes a map/reduce scope as a unit: the opening map
// block (one cell per input row, resolving that row's element array),
// every block strictly between map and reduce (one cell per (input_idx,
// map_idx) pair — the cartesian expansion), and the closing
// reduce (one cell per input row, fed the ordered array of the last body
// block's outputs for that row).
//
// Decision (DESIGN.md): "from" is resolved per input row, so row i's
// element count may differ from row j's — map_elements is evaluated per
// row rather than assumed uniform across the whole run, since "from" can
// reference per-row state (e.g. INPUT.items).
func runMapGroup(ctx context.Context, in RunInput, mapIdx, reduceIdx int, mv blocks.MapSource, list []blocks.Variant, envByInput []*env.Environment, deps Deps) ([]BlockTrace, bool, error) {
	name := mv.Name()
	deps.Sink.BlockRunning("map", name)

	elementsByInput := make([][]json.RawMessage, len(envByInput))
	mapCells := make([]Cell, len(envByInput))
	for i, e := range envByInput {
		elems, err := mv.ResolveElements(e)
		if err != nil {
			mapCells[i] = Cell{InputIdx: i, Error: err.Error()}
			deps.Sink.BlockExecution("map", name, i, 0, nil, err.Error())
			continue
		}
		elementsByInput[i] = elems
		val, _ := mv.Execute(ctx, e, deps.Dependencies)
		mapCells[i] = Cell{InputIdx: i, Value: val}
		deps.Sink.BlockExecution("map", name, i, 0, val, "")
	}

	mapTrace := BlockTrace{BlockIdx: mapIdx, BlockType: blocks.TypeMap, Name: name, Cells: mapCells}
	mapErrored := mapTrace.AnyError()
	storeErr := finishBlock(ctx, in, mapTrace, mapErrored, deps)
	traces := []BlockTrace{mapTrace}
	if storeErr != nil {
		return traces, mapErrored, storeErr
	}
	if mapErrored {
		return traces, true, nil
	}

	bodyEnvs := make([][]*env.Environment, len(envByInput))
	lastOutput := make([][]json.RawMessage, len(envByInput))
	for i, e := range envByInput {
		bodyEnvs[i] = make([]*env.Environment, len(elementsByInput[i]))
		lastOutput[i] = make([]json.RawMessage, len(elementsByInput[i]))
		for m, elem := range elementsByInput[i] {
			bodyEnvs[i][m] = e.WithMapElement(name, elem, m)
		}
	}

	anyError := false
	for bi := mapIdx + 1; bi < reduceIdx; bi++ {
		bv := list[bi]
		trace, cellsGrid := runCellGrid(ctx, bi, bv, bodyEnvs, deps)
		errored := trace.AnyError()
		storeErr := finishBlock(ctx, in, trace, errored, deps)
		traces = append(traces, trace)

		for i := range bodyEnvs {
			for m := range bodyEnvs[i] {
				c := cellsGrid[i][m]
				if c.Error != "" {
					lastOutput[i][m] = nil
					continue
				}
				bodyEnvs[i][m] = bodyEnvs[i][m].WithBlockOutput(bv.Name(), c.Value)
				lastOutput[i][m] = c.Value
			}
		}
		if storeErr != nil {
			return traces, errored, storeErr
		}
		if errored {
			anyError = true
			break
		}
	}

	if anyError {
		skipCells := make([]Cell, len(envByInput))
		for i := range skipCells {
			skipCells[i] = Cell{InputIdx: i, Error: "upstream map had errors"}
		}
		skipTrace := BlockTrace{BlockIdx: reduceIdx, BlockType: blocks.TypeReduce, Name: name, Cells: skipCells}
		deps.Sink.BlockRunning("reduce", name)
		storeErr := finishBlock(ctx, in, skipTrace, true, deps)
		traces = append(traces, skipTrace)
		return traces, true, storeErr
	}

	deps.Sink.BlockRunning("reduce", name)
	reduceVariant := list[reduceIdx]
	reduceCells := make([]Cell, len(envByInput))
	for i := range envByInput {
		arr := lastOutput[i]
		if arr == nil {
			arr = []json.RawMessage{}
		}
		arrJSON, err := json.Marshal(arr)
		if err != nil {
			reduceCells[i] = Cell{InputIdx: i, Error: fmt.Sprintf("reduce %s: encoding assembled array: %v", name, err)}
			continue
		}
		e := envByInput[i].WithBlockOutput(name, arrJSON)
		envByInput[i] = e
		reduceCells[i] = executeCell(ctx, reduceVariant, e, i, 0, deps)
	}
	reduceTrace := BlockTrace{BlockIdx: reduceIdx, BlockType: blocks.TypeReduce, Name: name, Cells: reduceCells}
	reduceErrored := reduceTrace.AnyError()
	storeErr = finishBlock(ctx, in, reduceTrace, reduceErrored, deps)
	traces = append(traces, reduceTrace)
	return traces, reduceErrored, storeErr
}

// runCellGrid runs one block across every (input_idx, map_idx) pair in
// bodyEnvs with bounded concurrency, returning its BlockTrace (cells in
// deterministic (input_idx, map_idx) order) alongside the same results
// shaped as a grid for the caller to fold into its per-row environments.
func runCellGrid(ctx context.Context, blockIdx int, v blocks.Variant, bodyEnvs [][]*env.Environment, deps Deps) (BlockTrace, [][]Cell) {
	deps.Sink.BlockRunning(string(v.Type()), v.Name())

	grid := make([][]Cell, len(bodyEnvs))
	for i := range grid {
		grid[i] = make([]Cell, len(bodyEnvs[i]))
	}

	type ref struct{ i, m int }
	var refs []ref
	for i := range bodyEnvs {
		for m := range bodyEnvs[i] {
			refs = append(refs, ref{i, m})
		}
	}

	runBounded(len(refs), deps.concurrency(), func(k int) {
		r := refs[k]
		grid[r.i][r.m] = executeCell(ctx, v, bodyEnvs[r.i][r.m], r.i, r.m, deps)
	})

	var cells []Cell
	for i := range grid {
		cells = append(cells, grid[i]...)
	}
	trace := BlockTrace{BlockIdx: blockIdx, BlockType: v.Type(), Name: v.Name(), Cells: cells}
	return trace, grid
}
