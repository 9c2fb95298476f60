package blocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/antigravity-dev/dustengine/internal/config"
	"github.com/antigravity-dev/dustengine/internal/env"
	"github.com/antigravity-dev/dustengine/internal/hashing"
	"github.com/antigravity-dev/dustengine/internal/jsrun"
)

// CodeVariant runs a user-supplied `_fun = (env) => {...}` function string
// in a sandboxed JS runtime. A thrown exception yields a cell error. The
// exact code string is part of the block's config and therefore its hash:
// editing a code block changes the app hash.
type CodeVariant struct {
	name string
	Code string
}

func NewCode(name string, a args) (*CodeVariant, error) {
	code, err := a.requireString("code")
	if err != nil {
		return nil, err
	}
	return &CodeVariant{name: name, Code: code}, nil
}

func (b *CodeVariant) Type() BlockType { return TypeCode }
func (b *CodeVariant) Name() string    { return b.name }

func (b *CodeVariant) InnerHash(h *hashing.Hasher) error {
	h.WriteString(string(TypeCode))
	h.WriteString(b.name)
	return h.WriteJSON(map[string]interface{}{"code": b.Code})
}

func (b *CodeVariant) Execute(ctx context.Context, e *env.Environment, deps Dependencies) (json.RawMessage, error) {
	envValue, err := e.ScriptValue()
	if err != nil {
		return nil, err
	}
	return jsrun.Execute(ctx, b.Code, envValue, remainingOrDefault(ctx, 10*time.Second))
}

func (b *CodeVariant) CacheableRequest(e *env.Environment) (CacheRequest, bool, error) {
	return CacheRequest{}, false, nil
}

func (b *CodeVariant) Timeout(cfg *config.EngineConfig) time.Duration {
	if cfg != nil && cfg.Timeouts.Code.Duration > 0 {
		return cfg.Timeouts.Code.Duration
	}
	return 10 * time.Second
}
