// Package jsrun executes a single user-supplied JavaScript function
// against a JSON environment value, inside a sandboxed goja runtime, with
// a wall-clock timeout. This is the engine's only mandatory sandboxed
// code semantics: execute_js(code, env, timeout) -> Result<Json>.
package jsrun

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// entryPoint is the variable name code fences assign a
// function to: `_fun = (env) => {...}`.
const entryPoint = "_fun"

// Execute runs code in a fresh goja.Runtime, invoking its `_fun` export
// with envValue decoded to a JS value, and returns the function's return
// value re-encoded as JSON. A fresh Runtime per call is required: contexts
// are not shared across cells to avoid cross-cell state leakage.
func Execute(ctx context.Context, code string, envValue json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	var decodedEnv interface{}
	if len(envValue) > 0 {
		if err := json.Unmarshal(envValue, &decodedEnv); err != nil {
			return nil, fmt.Errorf("jsrun: decoding environment value: %w", err)
		}
	}

	if _, err := rt.RunString(code); err != nil {
		return nil, fmt.Errorf("jsrun: evaluating code: %w", err)
	}

	fnValue := rt.Get(entryPoint)
	if fnValue == nil || goja.IsUndefined(fnValue) {
		return nil, fmt.Errorf("jsrun: code must assign a function to %s", entryPoint)
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return nil, fmt.Errorf("jsrun: %s is not callable", entryPoint)
	}

	type result struct {
		value goja.Value
		err   error
	}
	done := make(chan result, 1)

	timer := time.AfterFunc(timeout, func() {
		rt.Interrupt("jsrun: timeout exceeded")
	})
	defer timer.Stop()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("jsrun: panic in script: %v", r)}
			}
		}()
		v, callErr := fn(goja.Undefined(), rt.ToValue(decodedEnv))
		done <- result{value: v, err: callErr}
	}()

	select {
	case <-ctx.Done():
		rt.Interrupt("jsrun: cancelled")
		<-done
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			if ie, ok := res.err.(*goja.InterruptedError); ok {
				return nil, fmt.Errorf("jsrun: %v", ie)
			}
			return nil, fmt.Errorf("jsrun: script error: %w", res.err)
		}
		exported := res.value.Export()
		out, err := json.Marshal(exported)
		if err != nil {
			return nil, fmt.Errorf("jsrun: encoding result: %w", err)
		}
		return out, nil
	}
}
