package runner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/antigravity-dev/dustengine/internal/blocks"
	"github.com/antigravity-dev/dustengine/internal/env"
)

// executeCell runs one concrete (block, input_idx, map_idx) execution:
// resolves a per-cell timeout, routes through the content cache when the
// variant reports a cacheable request, and emits the block_execution event
// before returning. Never returns a Go error; cell failures are recorded
// on the Cell itself so sibling cells keep running (failure containment).
func executeCell(ctx context.Context, v blocks.Variant, e *env.Environment, inputIdx, mapIdx int, deps Deps) Cell {
	timeout := deps.cellTimeout(v)
	cellCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	value, err := executeWithCache(cellCtx, v, e, deps)

	cell := Cell{InputIdx: inputIdx, MapIdx: mapIdx}
	errStr := ""
	if err != nil {
		errStr = err.Error()
		cell.Error = errStr
	} else {
		cell.Value = value
	}
	deps.Sink.BlockExecution(string(v.Type()), v.Name(), inputIdx, mapIdx, value, errStr)
	return cell
}

func executeWithCache(ctx context.Context, v blocks.Variant, e *env.Environment, deps Deps) (json.RawMessage, error) {
	req, cacheable, err := v.CacheableRequest(e)
	if err != nil {
		return nil, err
	}
	if !cacheable || deps.Cache == nil {
		return v.Execute(ctx, e, deps.Dependencies)
	}
	return deps.Cache.ExecuteWithCache(ctx, e.ProjectID, req, func(c context.Context) (json.RawMessage, error) {
		return v.Execute(c, e, deps.Dependencies)
	})
}

func (d Deps) cellTimeout(v blocks.Variant) time.Duration {
	if d.Timeout != nil {
		return d.Timeout(v)
	}
	return v.Timeout(nil)
}
