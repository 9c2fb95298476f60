// Package blocks defines the closed catalog of block types the engine
// understands and the Variant contract each one implements: how a block
// folds itself into a hash and how it executes against one Environment.
package blocks

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/antigravity-dev/dustengine/internal/config"
	"github.com/antigravity-dev/dustengine/internal/env"
	"github.com/antigravity-dev/dustengine/internal/hashing"
)

// BlockType is the closed set of block kinds the parser recognizes.
type BlockType string

const (
	TypeInput      BlockType = "input"
	TypeData       BlockType = "data"
	TypeCode       BlockType = "code"
	TypeLLM        BlockType = "llm"
	TypeChat       BlockType = "chat"
	TypeMap        BlockType = "map"
	TypeReduce     BlockType = "reduce"
	TypeSearch     BlockType = "search"
	TypeDataSource BlockType = "data_source"
	TypeBrowser    BlockType = "browser"
	TypeCurl       BlockType = "curl"
	TypeWhile      BlockType = "while"
	TypeEnd        BlockType = "end"
)

// KnownTypes is the closed keyword set the parser validates block type
// tokens against.
var KnownTypes = map[string]BlockType{
	"input":       TypeInput,
	"data":        TypeData,
	"code":        TypeCode,
	"llm":         TypeLLM,
	"chat":        TypeChat,
	"map":         TypeMap,
	"reduce":      TypeReduce,
	"search":      TypeSearch,
	"data_source": TypeDataSource,
	"browser":     TypeBrowser,
	"curl":        TypeCurl,
	"while":       TypeWhile,
	"end":         TypeEnd,
}

// CacheKind distinguishes the four external-request shapes the content
// cache canonicalizes differently.
type CacheKind string

const (
	CacheKindLLM   CacheKind = "llm"
	CacheKindChat  CacheKind = "chat"
	CacheKindEmbed CacheKind = "embed"
	CacheKindHTTP  CacheKind = "http"
)

// CacheRequest is what a cacheable Variant hands the scheduler: a kind tag
// plus an already-canonicalizable key value. internal/cache computes the
// cache key from Key rather than the Variant itself: a Key with a
// CacheKeyString method (CompletionRequest, ChatRequest) is hashed from that
// string, any other Key via hashing.CanonicalHash.
type CacheRequest struct {
	Kind CacheKind
	Key  interface{}
}

// HTTPDoer is the minimal surface Browser/Curl blocks need; satisfied by
// *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SearchResult is one hit returned by a Search or DataSource query.
type SearchResult struct {
	Title   string          `json:"title"`
	Content string          `json:"content"`
	Score   float64         `json:"score"`
	Meta    json.RawMessage `json:"meta,omitempty"`
}

// DataSourcePort is the indexing/vector-search backend contract. The
// concrete backend is out of scope; only the port lives in this module,
// with no implementation of it.
type DataSourcePort interface {
	Search(ctx context.Context, source, query string, topK int) ([]SearchResult, error)
}

// DatasetLoader resolves a registered dataset version's records, the
// contract a Data block needs from the Store Port.
type DatasetLoader interface {
	LoadDataset(ctx context.Context, projectID, datasetName string) ([]json.RawMessage, error)
}

// Dependencies bundles the external ports a Variant's Execute may need.
// Constructed once per run by the scheduler and passed to every cell.
type Dependencies struct {
	LLM        LLMProvider
	DataSource DataSourcePort
	HTTP       HTTPDoer
	Dataset    DatasetLoader
}

// LLMProvider is the subset of internal/llm.Provider the blocks package
// depends on; declared here (rather than importing internal/llm directly)
// so block construction never needs a concrete provider wired in, only at
// Execute time via Dependencies.
type LLMProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// CompletionRequest is the canonical LLM request shape hashed for
// caching: provider_id || model_id || prompt || sampling params.
type CompletionRequest struct {
	ProviderID       string      `json:"provider_id"`
	ModelID          string      `json:"model_id"`
	Prompt           string      `json:"prompt"`
	MaxTokens        *int        `json:"max_tokens"`
	Temperature      *float64    `json:"temperature"`
	N                *int        `json:"n"`
	Stop             []string    `json:"stop"`
	FrequencyPenalty *float64    `json:"frequency_penalty"`
	PresencePenalty  *float64    `json:"presence_penalty"`
	TopP             *float64    `json:"top_p"`
	TopLogprobs      *int        `json:"top_logprobs"`
	Extras           interface{} `json:"extras"`
}

// CompletionResponse is the LLM block's output shape: { prompt, completions[] }.
type CompletionResponse struct {
	Prompt      string   `json:"prompt"`
	Completions []string `json:"completions"`
}

// ChatMessage is one entry in a Chat block's message list.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatFunction is an optional tool/function definition offered to the model.
type ChatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatRequest mirrors CompletionRequest but carries messages/functions
// instead of a flat prompt.
type ChatRequest struct {
	ProviderID       string         `json:"provider_id"`
	ModelID          string         `json:"model_id"`
	Messages         []ChatMessage  `json:"messages"`
	Functions        []ChatFunction `json:"functions"`
	ForceFunction    string         `json:"force_function"`
	MaxTokens        *int           `json:"max_tokens"`
	Temperature      *float64       `json:"temperature"`
	N                *int           `json:"n"`
	Stop             []string       `json:"stop"`
	FrequencyPenalty *float64       `json:"frequency_penalty"`
	PresencePenalty  *float64       `json:"presence_penalty"`
	TopP             *float64       `json:"top_p"`
	TopLogprobs      *int           `json:"top_logprobs"`
	Extras           interface{}    `json:"extras"`
}

// ToolCall is one function/tool invocation the model requested.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ChatResponse is the Chat block's output shape.
type ChatResponse struct {
	Messages    []ChatMessage `json:"messages"`
	ToolCalls   []ToolCall    `json:"tool_calls,omitempty"`
	UsageInput  int           `json:"usage_input_tokens"`
	UsageOutput int           `json:"usage_output_tokens"`
}

// Variant is the contract every block type implements: how it folds into
// the app's hash chain and how it executes one cell. There is one
// Variant per block type, not per plugin runtime — the catalog is
// closed.
type Variant interface {
	Type() BlockType
	Name() string

	// InnerHash folds this block's type, name, and config into h. The
	// compiler combines the result with the previous block's hash via
	// hashing.ChainHash to produce this block's chained hash.
	InnerHash(h *hashing.Hasher) error

	// Execute runs one cell: one (input_idx, map_idx) combination against
	// one forked Environment. The returned value becomes env.state[Name()]
	// for downstream blocks.
	Execute(ctx context.Context, e *env.Environment, deps Dependencies) (json.RawMessage, error)

	// CacheableRequest reports whether this cell's request is cacheable
	// and, if so, the canonical key material. ok=false for variants with
	// no external call (Input, Code, Map, Reduce, While, End).
	CacheableRequest(e *env.Environment) (CacheRequest, bool, error)

	// Timeout returns this block type's configured per-cell wall-clock
	// budget.
	Timeout(cfg *config.EngineConfig) time.Duration
}

// MapSource is implemented by the Map variant. The scheduler type-asserts
// to it to resolve the array of elements that defines a map scope's cells
// before expanding work for the blocks nested inside the scope.
type MapSource interface {
	Variant
	ResolveElements(e *env.Environment) ([]json.RawMessage, error)
}

// LoopSource is implemented by the While variant. The scheduler
// type-asserts to it to evaluate the loop predicate before each iteration.
type LoopSource interface {
	Variant
	EvaluateCondition(ctx context.Context, e *env.Environment, timeout time.Duration) (bool, error)
}

// remainingOrDefault returns the time left until ctx's deadline, or
// fallback if ctx carries no deadline. The scheduler always sets a
// deadline via context.WithTimeout before calling Execute; this is a
// defensive fallback for direct unit-test calls against a bare context.
func remainingOrDefault(ctx context.Context, fallback time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return fallback
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return fallback
	}
	return remaining
}
