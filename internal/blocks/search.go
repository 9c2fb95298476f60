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

// SearchVariant issues a query against a configured data source or web
// search provider. Cacheable on the resolved query.
type SearchVariant struct {
	name string

	Source        string
	QueryTemplate string
	TopK          int
	UseCache      bool
}

func NewSearch(name string, a args) (*SearchVariant, error) {
	source, err := a.requireString("source")
	if err != nil {
		return nil, err
	}
	query, err := a.requireString("query")
	if err != nil {
		return nil, err
	}
	return &SearchVariant{
		name: name, Source: source, QueryTemplate: query, TopK: a.optionalInt("top_k", 10),
		UseCache: a.optionalBool("use_cache", true),
	}, nil
}

func (b *SearchVariant) Type() BlockType { return TypeSearch }
func (b *SearchVariant) Name() string    { return b.name }

func (b *SearchVariant) InnerHash(h *hashing.Hasher) error {
	h.WriteString(string(TypeSearch))
	h.WriteString(b.name)
	return h.WriteJSON(map[string]interface{}{"source": b.Source, "query": b.QueryTemplate, "top_k": b.TopK})
}

func (b *SearchVariant) resolvedQuery(e *env.Environment) (string, error) {
	return interpolate(b.QueryTemplate, e)
}

func (b *SearchVariant) Execute(ctx context.Context, e *env.Environment, deps Dependencies) (json.RawMessage, error) {
	query, err := b.resolvedQuery(e)
	if err != nil {
		return nil, err
	}
	if deps.DataSource == nil {
		return nil, fmt.Errorf("search %s: no data source configured", b.name)
	}
	results, err := deps.DataSource.Search(ctx, b.Source, query, b.TopK)
	if err != nil {
		return nil, err
	}
	return json.Marshal(results)
}

// CacheableRequest reports ok=false when use_cache:false was set, bypassing
// the cache entirely for this block.
func (b *SearchVariant) CacheableRequest(e *env.Environment) (CacheRequest, bool, error) {
	if !b.UseCache {
		return CacheRequest{}, false, nil
	}
	query, err := b.resolvedQuery(e)
	if err != nil {
		return CacheRequest{}, false, err
	}
	return CacheRequest{Kind: CacheKindHTTP, Key: map[string]interface{}{
		"source": b.Source, "query": query, "top_k": b.TopK,
	}}, true, nil
}

func (b *SearchVariant) Timeout(cfg *config.EngineConfig) time.Duration {
	if cfg != nil && cfg.Timeouts.LLM.Duration > 0 {
		return cfg.Timeouts.LLM.Duration
	}
	return 30 * time.Second
}

// DataSourceVariant performs top-k semantic (embedding-backed) search
// against a named data source. Cacheable via the embedder cache kind
// since the query first has to be embedded before the k-NN lookup.
type DataSourceVariant struct {
	name string

	Source        string
	QueryTemplate string
	TopK          int
	UseCache      bool
}

func NewDataSource(name string, a args) (*DataSourceVariant, error) {
	source, err := a.requireString("source")
	if err != nil {
		return nil, err
	}
	query, err := a.requireString("query")
	if err != nil {
		return nil, err
	}
	return &DataSourceVariant{
		name: name, Source: source, QueryTemplate: query, TopK: a.optionalInt("top_k", 10),
		UseCache: a.optionalBool("use_cache", true),
	}, nil
}

func (b *DataSourceVariant) Type() BlockType { return TypeDataSource }
func (b *DataSourceVariant) Name() string    { return b.name }

func (b *DataSourceVariant) InnerHash(h *hashing.Hasher) error {
	h.WriteString(string(TypeDataSource))
	h.WriteString(b.name)
	return h.WriteJSON(map[string]interface{}{"source": b.Source, "query": b.QueryTemplate, "top_k": b.TopK})
}

func (b *DataSourceVariant) resolvedQuery(e *env.Environment) (string, error) {
	return interpolate(b.QueryTemplate, e)
}

func (b *DataSourceVariant) Execute(ctx context.Context, e *env.Environment, deps Dependencies) (json.RawMessage, error) {
	query, err := b.resolvedQuery(e)
	if err != nil {
		return nil, err
	}
	if deps.DataSource == nil {
		return nil, fmt.Errorf("data_source %s: no data source configured", b.name)
	}
	results, err := deps.DataSource.Search(ctx, b.Source, query, b.TopK)
	if err != nil {
		return nil, err
	}
	return json.Marshal(results)
}

// CacheableRequest reports ok=false when use_cache:false was set, bypassing
// the cache entirely for this block.
func (b *DataSourceVariant) CacheableRequest(e *env.Environment) (CacheRequest, bool, error) {
	if !b.UseCache {
		return CacheRequest{}, false, nil
	}
	query, err := b.resolvedQuery(e)
	if err != nil {
		return CacheRequest{}, false, err
	}
	return CacheRequest{Kind: CacheKindEmbed, Key: map[string]interface{}{
		"source": b.Source, "query": query, "top_k": b.TopK,
	}}, true, nil
}

func (b *DataSourceVariant) Timeout(cfg *config.EngineConfig) time.Duration {
	if cfg != nil && cfg.Timeouts.Embed.Duration > 0 {
		return cfg.Timeouts.Embed.Duration
	}
	return 30 * time.Second
}
