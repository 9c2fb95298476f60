package blocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/antigravity-dev/dustengine/internal/config"
	"github.com/antigravity-dev/dustengine/internal/env"
	"github.com/antigravity-dev/dustengine/internal/hashing"
)

// InputVariant has no output of its own; its value is the current dataset
// record (or input row). If a run is given no inputs, every block runs
// against a single null input (handled by runner.Run).
type InputVariant struct {
	name string
}

func NewInput(name string) *InputVariant {
	return &InputVariant{name: name}
}

func (b *InputVariant) Type() BlockType { return TypeInput }
func (b *InputVariant) Name() string    { return b.name }

func (b *InputVariant) InnerHash(h *hashing.Hasher) error {
	h.WriteString(string(TypeInput))
	h.WriteString(b.name)
	return h.WriteJSON(struct{}{})
}

func (b *InputVariant) Execute(ctx context.Context, e *env.Environment, deps Dependencies) (json.RawMessage, error) {
	if e.Input == nil {
		return json.RawMessage("null"), nil
	}
	return e.Input, nil
}

func (b *InputVariant) CacheableRequest(e *env.Environment) (CacheRequest, bool, error) {
	return CacheRequest{}, false, nil
}

func (b *InputVariant) Timeout(cfg *config.EngineConfig) time.Duration {
	return 5 * time.Second
}
