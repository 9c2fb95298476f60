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

// DataVariant resolves to a named, registered dataset version's records
// via the Store Port (through Dependencies.Dataset). Execute time is
// negligible relative to provider-bound blocks.
type DataVariant struct {
	name    string
	Dataset string
}

func NewData(name string, a args) (*DataVariant, error) {
	dataset, err := a.requireString("dataset")
	if err != nil {
		return nil, err
	}
	return &DataVariant{name: name, Dataset: dataset}, nil
}

func (b *DataVariant) Type() BlockType { return TypeData }
func (b *DataVariant) Name() string    { return b.name }

func (b *DataVariant) InnerHash(h *hashing.Hasher) error {
	h.WriteString(string(TypeData))
	h.WriteString(b.name)
	return h.WriteJSON(map[string]interface{}{"dataset": b.Dataset})
}

func (b *DataVariant) Execute(ctx context.Context, e *env.Environment, deps Dependencies) (json.RawMessage, error) {
	if deps.Dataset == nil {
		return nil, fmt.Errorf("data %s: no dataset loader configured", b.name)
	}
	records, err := deps.Dataset.LoadDataset(ctx, e.ProjectID, b.Dataset)
	if err != nil {
		return nil, err
	}
	return json.Marshal(records)
}

func (b *DataVariant) CacheableRequest(e *env.Environment) (CacheRequest, bool, error) {
	return CacheRequest{}, false, nil
}

func (b *DataVariant) Timeout(cfg *config.EngineConfig) time.Duration {
	return 5 * time.Second
}
