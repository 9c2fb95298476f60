package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/antigravity-dev/dustengine/internal/blocks"
	"github.com/antigravity-dev/dustengine/internal/compiler"
	"github.com/antigravity-dev/dustengine/internal/env"
)

// Run walks app's blocks in source order, expanding each into an
// (input × map) cell matrix and executing it with bounded concurrency.
// Blocks are strictly sequential; a block's cells run concurrently
// among themselves. Cancelling ctx stops the run between blocks —
// in-flight cells still complete and persist, but no further block is
// scheduled.
func Run(ctx context.Context, app *compiler.App, in RunInput, deps Deps) (*Result, error) {
	inputs := in.Inputs
	if len(inputs) == 0 {
		inputs = []json.RawMessage{nil}
	}

	envByInput := make([]*env.Environment, len(inputs))
	for i, row := range inputs {
		envByInput[i] = env.New(row, in.Credentials, in.Secrets, in.RunID, in.ProjectID)
	}

	result := &Result{Status: StatusRunning}
	list := app.Blocks

scheduling:
	for idx := 0; idx < len(list); {
		if err := ctx.Err(); err != nil {
			result.Status = StatusErrored
			result.Reason = "cancelled"
			deps.Sink.Error("cancelled", "run cancelled")
			break scheduling
		}

		v := list[idx]

		switch {
		case v.Type() == blocks.TypeMap:
			mv, ok := v.(blocks.MapSource)
			if !ok {
				return nil, fmt.Errorf("runner: block %q declares type map but does not implement MapSource", v.Name())
			}
			reduceIdx, ferr := matchingCloser(list, idx, blocks.TypeReduce, v.Name())
			if ferr != nil {
				return nil, ferr
			}
			traces, errored, storeErr := runMapGroup(ctx, in, idx, reduceIdx, mv, list, envByInput, deps)
			result.Blocks = append(result.Blocks, traces...)
			idx = reduceIdx + 1
			if storeErr != nil {
				result.Status = StatusErrored
				result.Reason = storeErr.Error()
				break scheduling
			}
			if errored {
				result.Status = StatusErrored
				break scheduling
			}

		case v.Type() == blocks.TypeWhile:
			lv, ok := v.(blocks.LoopSource)
			if !ok {
				return nil, fmt.Errorf("runner: block %q declares type while but does not implement LoopSource", v.Name())
			}
			endIdx, ferr := matchingCloser(list, idx, blocks.TypeEnd, v.Name())
			if ferr != nil {
				return nil, ferr
			}
			traces, errored, storeErr := runWhileGroup(ctx, in, idx, endIdx, lv, list, envByInput, deps)
			result.Blocks = append(result.Blocks, traces...)
			idx = endIdx + 1
			if storeErr != nil {
				result.Status = StatusErrored
				result.Reason = storeErr.Error()
				break scheduling
			}
			if errored {
				result.Status = StatusErrored
				break scheduling
			}

		default:
			trace, errored, storeErr := runPlainBlock(ctx, in, idx, v, envByInput, deps)
			result.Blocks = append(result.Blocks, trace)
			idx++
			if storeErr != nil {
				result.Status = StatusErrored
				result.Reason = storeErr.Error()
				break scheduling
			}
			if errored {
				result.Status = StatusErrored
				break scheduling
			}
		}
	}

	if result.Status == StatusRunning {
		result.Status = StatusSucceeded
	}
	deps.Sink.Final()
	deps.Sink.Close()
	return result, nil
}

// matchingCloser finds the index of the Reduce/End block matching openIdx's
// opening Map/While block by name. The compiler guarantees pairing exists
// and is unambiguous (no nested scopes survive compilation), so failure
// here indicates a bug upstream of the scheduler rather than a user error.
func matchingCloser(list []blocks.Variant, openIdx int, closerType blocks.BlockType, name string) (int, error) {
	for j := openIdx + 1; j < len(list); j++ {
		if list[j].Type() == closerType && list[j].Name() == name {
			return j, nil
		}
	}
	return -1, fmt.Errorf("runner: no matching %s for %q (compiler should have rejected this)", closerType, name)
}

// runPlainBlock executes one block with no open map/while scope: one cell
// per input row, map_idx always 0.
func runPlainBlock(ctx context.Context, in RunInput, idx int, v blocks.Variant, envByInput []*env.Environment, deps Deps) (BlockTrace, bool, error) {
	deps.Sink.BlockRunning(string(v.Type()), v.Name())

	cells := make([]Cell, len(envByInput))
	runBounded(len(envByInput), deps.concurrency(), func(i int) {
		cells[i] = executeCell(ctx, v, envByInput[i], i, 0, deps)
	})

	trace := BlockTrace{BlockIdx: idx, BlockType: v.Type(), Name: v.Name(), Cells: cells}
	errored := trace.AnyError()
	storeErr := finishBlock(ctx, in, trace, errored, deps)

	if !errored {
		for i, c := range cells {
			envByInput[i] = envByInput[i].WithBlockOutput(v.Name(), c.Value)
		}
	}
	return trace, errored, storeErr
}

// finishBlock emits the terminal block_status event, persists the trace,
// and returns the store's error, if any — a failed persist is fatal to
// the run — store errors short-circuit immediately — so the
// caller must halt scheduling rather than continue past it.
func finishBlock(ctx context.Context, in RunInput, trace BlockTrace, errored bool, deps Deps) error {
	if errored {
		deps.Sink.BlockErrored(string(trace.BlockType), trace.Name)
	} else {
		deps.Sink.BlockSucceeded(string(trace.BlockType), trace.Name)
	}
	if deps.Store == nil {
		return nil
	}
	if err := deps.Store.AppendRunBlock(ctx, in.ProjectID, in.RunID, trace); err != nil {
		wrapped := fmt.Errorf("persisting block %s: %w", trace.Name, err)
		deps.Sink.Error("internal_error", wrapped.Error())
		return wrapped
	}
	return nil
}
