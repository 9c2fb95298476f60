package blocks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/antigravity-dev/dustengine/internal/config"
	"github.com/antigravity-dev/dustengine/internal/env"
	"github.com/antigravity-dev/dustengine/internal/hashing"
)

// MapVariant opens a map scope bound to a name equal to the block's own
// name; its "from" argument selects a value in env.state whose array
// elements define sub-environments. Output is a passthrough marker; the
// scope ends at the matching reduce of the same name.
type MapVariant struct {
	name string
	From string
}

func NewMap(name string, a args) (*MapVariant, error) {
	from, err := a.requireString("from")
	if err != nil {
		return nil, err
	}
	return &MapVariant{name: name, From: from}, nil
}

func (b *MapVariant) Type() BlockType { return TypeMap }
func (b *MapVariant) Name() string    { return b.name }

func (b *MapVariant) InnerHash(h *hashing.Hasher) error {
	h.WriteString(string(TypeMap))
	h.WriteString(b.name)
	return h.WriteJSON(map[string]interface{}{"from": b.From})
}

// ResolveElements resolves the "from" accessor path to a JSON array. Bare
// paths without a recognized root (e.g. "INPUT.items") are treated as
// state accessors, matching the same bare-path sugar used by template
// interpolation.
func (b *MapVariant) ResolveElements(e *env.Environment) ([]json.RawMessage, error) {
	v, err := resolvePath(b.From, e)
	if err != nil {
		return nil, fmt.Errorf("map %s: resolving %q: %w", b.name, b.From, err)
	}
	arr, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("map %s: %q does not resolve to an array", b.name, b.From)
	}
	out := make([]json.RawMessage, len(arr))
	for i, elem := range arr {
		raw, err := json.Marshal(elem)
		if err != nil {
			return nil, fmt.Errorf("map %s: encoding element %d: %w", b.name, i, err)
		}
		out[i] = raw
	}
	return out, nil
}

func (b *MapVariant) Execute(ctx context.Context, e *env.Environment, deps Dependencies) (json.RawMessage, error) {
	return json.Marshal(map[string]interface{}{"opened": b.name})
}

func (b *MapVariant) CacheableRequest(e *env.Environment) (CacheRequest, bool, error) {
	return CacheRequest{}, false, nil
}

func (b *MapVariant) Timeout(cfg *config.EngineConfig) time.Duration {
	return 5 * time.Second
}

// ReduceVariant closes the map scope with the same name. Its Name() is a
// *reference* to the scope it closes, not a new declaration — the
// compiler's name-uniqueness check exempts it (see DESIGN.md). The
// scheduler assembles the ordered array of per-cell outputs and attaches
// it to the environment under this name before calling Execute, which
// simply forwards it.
type ReduceVariant struct {
	name string
}

func NewReduce(name string, a args) (*ReduceVariant, error) {
	return &ReduceVariant{name: name}, nil
}

func (b *ReduceVariant) Type() BlockType { return TypeReduce }
func (b *ReduceVariant) Name() string    { return b.name }

func (b *ReduceVariant) InnerHash(h *hashing.Hasher) error {
	h.WriteString(string(TypeReduce))
	h.WriteString(b.name)
	return h.WriteJSON(struct{}{})
}

func (b *ReduceVariant) Execute(ctx context.Context, e *env.Environment, deps Dependencies) (json.RawMessage, error) {
	v, ok := e.State(b.name)
	if !ok {
		return nil, fmt.Errorf("reduce %s: no assembled map results found in environment", b.name)
	}
	return v, nil
}

func (b *ReduceVariant) CacheableRequest(e *env.Environment) (CacheRequest, bool, error) {
	return CacheRequest{}, false, nil
}

func (b *ReduceVariant) Timeout(cfg *config.EngineConfig) time.Duration {
	return 5 * time.Second
}
