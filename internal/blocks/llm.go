package blocks

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/antigravity-dev/dustengine/internal/config"
	"github.com/antigravity-dev/dustengine/internal/env"
	"github.com/antigravity-dev/dustengine/internal/hashing"
)

// LLMVariant builds a prompt from a template interpolated against
// env.state/env.input, invokes a provider+model with sampling parameters.
// Cacheable on the request hash.
type LLMVariant struct {
	name string

	Provider         string
	Model            string
	PromptTemplate   string
	MaxTokens        *int
	Temperature      *float64
	N                *int
	Stop             []string
	FrequencyPenalty *float64
	PresencePenalty  *float64
	TopP             *float64
	TopLogprobs      *int
	Extras           interface{}
	UseCache         bool
}

func NewLLM(name string, a args) (*LLMVariant, error) {
	provider, err := a.requireString("provider")
	if err != nil {
		return nil, err
	}
	model, err := a.requireString("model")
	if err != nil {
		return nil, err
	}
	prompt, err := a.requireString("prompt")
	if err != nil {
		return nil, err
	}
	return &LLMVariant{
		name:             name,
		Provider:         provider,
		Model:            model,
		PromptTemplate:   prompt,
		MaxTokens:        a.optionalIntPtr("max_tokens"),
		Temperature:      a.optionalFloat("temperature"),
		N:                a.optionalIntPtr("n"),
		Stop:             a.optionalStringSlice("stop"),
		FrequencyPenalty: a.optionalFloat("frequency_penalty"),
		PresencePenalty:  a.optionalFloat("presence_penalty"),
		TopP:             a.optionalFloat("top_p"),
		TopLogprobs:      a.optionalIntPtr("top_logprobs"),
		Extras:           a["extras"],
		UseCache:         a.optionalBool("use_cache", true),
	}, nil
}

func (b *LLMVariant) Type() BlockType { return TypeLLM }
func (b *LLMVariant) Name() string    { return b.name }

func (b *LLMVariant) configValue() map[string]interface{} {
	return map[string]interface{}{
		"provider":          b.Provider,
		"model":             b.Model,
		"prompt_template":   b.PromptTemplate,
		"max_tokens":        b.MaxTokens,
		"temperature":       b.Temperature,
		"n":                 b.N,
		"stop":              b.Stop,
		"frequency_penalty": b.FrequencyPenalty,
		"presence_penalty":  b.PresencePenalty,
		"top_p":             b.TopP,
		"top_logprobs":      b.TopLogprobs,
	}
}

func (b *LLMVariant) InnerHash(h *hashing.Hasher) error {
	h.WriteString(string(TypeLLM))
	h.WriteString(b.name)
	return h.WriteJSON(b.configValue())
}

func (b *LLMVariant) buildRequest(e *env.Environment) (CompletionRequest, error) {
	prompt, err := interpolate(b.PromptTemplate, e)
	if err != nil {
		return CompletionRequest{}, fmt.Errorf("llm %s: interpolating prompt: %w", b.name, err)
	}
	return CompletionRequest{
		ProviderID:       b.Provider,
		ModelID:          b.Model,
		Prompt:           prompt,
		MaxTokens:        b.MaxTokens,
		Temperature:      b.Temperature,
		N:                b.N,
		Stop:             b.Stop,
		FrequencyPenalty: b.FrequencyPenalty,
		PresencePenalty:  b.PresencePenalty,
		TopP:             b.TopP,
		TopLogprobs:      b.TopLogprobs,
		Extras:           b.Extras,
	}, nil
}

func (b *LLMVariant) Execute(ctx context.Context, e *env.Environment, deps Dependencies) (json.RawMessage, error) {
	req, err := b.buildRequest(e)
	if err != nil {
		return nil, err
	}
	if deps.LLM == nil {
		return nil, fmt.Errorf("llm %s: no provider configured", b.name)
	}
	resp, err := deps.LLM.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

// CacheKeyString renders the required pipe-joined cache key:
// provider_id||model_id||prompt||max_tokens||temperature||n||stop[]||
// frequency_penalty||presence_penalty||top_p||top_logprobs||extras, with
// unset numeric params as the literal string "None" and an empty stop
// list as the empty string. This exact rendering is hashed byte-for-byte
// (never re-wrapped in JSON) so the cache key format stays stable across
// future implementations.
func (r CompletionRequest) CacheKeyString() string {
	return strings.Join([]string{
		r.ProviderID,
		r.ModelID,
		r.Prompt,
		intParam(r.MaxTokens),
		floatParam(r.Temperature),
		intParam(r.N),
		stringListParam(r.Stop),
		floatParam(r.FrequencyPenalty),
		floatParam(r.PresencePenalty),
		floatParam(r.TopP),
		intParam(r.TopLogprobs),
		extrasParam(r.Extras),
	}, "||")
}

func intParam(v *int) string {
	if v == nil {
		return "None"
	}
	return strconv.Itoa(*v)
}

func floatParam(v *float64) string {
	if v == nil {
		return "None"
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

func stringListParam(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return strings.Join(v, ",")
}

func extrasParam(v interface{}) string {
	if v == nil {
		return "None"
	}
	b, err := hashing.Canonicalize(v)
	if err != nil {
		return "None"
	}
	return string(b)
}

// CacheableRequest reports the LLM request shape to hash, or ok=false when
// use_cache:false was set — the engine then bypasses the cache entirely,
// both on read and write.
func (b *LLMVariant) CacheableRequest(e *env.Environment) (CacheRequest, bool, error) {
	if !b.UseCache {
		return CacheRequest{}, false, nil
	}
	req, err := b.buildRequest(e)
	if err != nil {
		return CacheRequest{}, false, err
	}
	return CacheRequest{Kind: CacheKindLLM, Key: req}, true, nil
}

func (b *LLMVariant) Timeout(cfg *config.EngineConfig) time.Duration {
	if cfg != nil && cfg.Timeouts.LLM.Duration > 0 {
		return cfg.Timeouts.LLM.Duration
	}
	return 120 * time.Second
}
