package blocks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/antigravity-dev/dustengine/internal/config"
	"github.com/antigravity-dev/dustengine/internal/env"
	"github.com/antigravity-dev/dustengine/internal/hashing"
	"github.com/antigravity-dev/dustengine/internal/jsrun"
)

// WhileVariant is a loop construct: the scheduler re-executes the blocks
// strictly between this while and its matching end until ConditionCode
// evaluates falsy or the configured max iteration cap is reached. The
// condition is a `_fun = (env) => bool` script, the same jsrun contract
// Code blocks use.
type WhileVariant struct {
	name          string
	ConditionCode string
}

func NewWhile(name string, a args) (*WhileVariant, error) {
	cond, err := a.requireString("condition_code")
	if err != nil {
		return nil, err
	}
	return &WhileVariant{name: name, ConditionCode: cond}, nil
}

func (b *WhileVariant) Type() BlockType { return TypeWhile }
func (b *WhileVariant) Name() string    { return b.name }

func (b *WhileVariant) InnerHash(h *hashing.Hasher) error {
	h.WriteString(string(TypeWhile))
	h.WriteString(b.name)
	return h.WriteJSON(map[string]interface{}{"condition_code": b.ConditionCode})
}

// EvaluateCondition runs ConditionCode against e and interprets the
// result as a boolean (JS truthiness rules approximated: false, 0, "",
// null, and undefined are falsy; everything else is truthy).
func (b *WhileVariant) EvaluateCondition(ctx context.Context, e *env.Environment, timeout time.Duration) (bool, error) {
	envValue, err := e.ScriptValue()
	if err != nil {
		return false, err
	}
	out, err := jsrun.Execute(ctx, b.ConditionCode, envValue, timeout)
	if err != nil {
		return false, fmt.Errorf("while %s: evaluating condition: %w", b.name, err)
	}
	return isTruthy(out), nil
}

func isTruthy(raw json.RawMessage) bool {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val != ""
	default:
		return true
	}
}

func (b *WhileVariant) Execute(ctx context.Context, e *env.Environment, deps Dependencies) (json.RawMessage, error) {
	return json.Marshal(map[string]interface{}{"opened": b.name})
}

func (b *WhileVariant) CacheableRequest(e *env.Environment) (CacheRequest, bool, error) {
	return CacheRequest{}, false, nil
}

func (b *WhileVariant) Timeout(cfg *config.EngineConfig) time.Duration {
	if cfg != nil && cfg.Timeouts.Code.Duration > 0 {
		return cfg.Timeouts.Code.Duration
	}
	return 10 * time.Second
}

// EndVariant closes the while scope with the same name. Like Reduce, its
// Name() references the scope it closes rather than declaring a new one.
// Output carries the last iteration's scoped outputs, attached to the
// environment by the scheduler before Execute runs.
type EndVariant struct {
	name string
}

func NewEnd(name string, a args) (*EndVariant, error) {
	return &EndVariant{name: name}, nil
}

func (b *EndVariant) Type() BlockType { return TypeEnd }
func (b *EndVariant) Name() string    { return b.name }

func (b *EndVariant) InnerHash(h *hashing.Hasher) error {
	h.WriteString(string(TypeEnd))
	h.WriteString(b.name)
	return h.WriteJSON(struct{}{})
}

func (b *EndVariant) Execute(ctx context.Context, e *env.Environment, deps Dependencies) (json.RawMessage, error) {
	v, ok := e.State(b.name)
	if !ok {
		return nil, fmt.Errorf("end %s: no loop snapshot found in environment", b.name)
	}
	return v, nil
}

func (b *EndVariant) CacheableRequest(e *env.Environment) (CacheRequest, bool, error) {
	return CacheRequest{}, false, nil
}

func (b *EndVariant) Timeout(cfg *config.EngineConfig) time.Duration {
	return 5 * time.Second
}
