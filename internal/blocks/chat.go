package blocks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/antigravity-dev/dustengine/internal/config"
	"github.com/antigravity-dev/dustengine/internal/env"
	"github.com/antigravity-dev/dustengine/internal/hashing"
)

// ChatVariant is like LLMVariant but the inputs are message lists and
// optional tool/function definitions; output includes assistant messages,
// tool calls, and token usage.
type ChatVariant struct {
	name string

	Provider         string
	Model            string
	MessageTemplates []ChatMessage
	Functions        []ChatFunction
	ForceFunction    string
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

func NewChat(name string, a args) (*ChatVariant, error) {
	provider, err := a.requireString("provider")
	if err != nil {
		return nil, err
	}
	model, err := a.requireString("model")
	if err != nil {
		return nil, err
	}

	rawMessages, _ := a["messages"].([]interface{})
	messages := make([]ChatMessage, 0, len(rawMessages))
	for _, rm := range rawMessages {
		m, ok := rm.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("chat %s: each message must be an object", name)
		}
		msg := ChatMessage{}
		if v, ok := m["role"].(string); ok {
			msg.Role = v
		}
		if v, ok := m["content"].(string); ok {
			msg.Content = v
		}
		if v, ok := m["name"].(string); ok {
			msg.Name = v
		}
		messages = append(messages, msg)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("chat %s: requires at least one message", name)
	}

	rawFunctions, _ := a["functions"].([]interface{})
	functions := make([]ChatFunction, 0, len(rawFunctions))
	for _, rf := range rawFunctions {
		f, ok := rf.(map[string]interface{})
		if !ok {
			continue
		}
		fn := ChatFunction{}
		if v, ok := f["name"].(string); ok {
			fn.Name = v
		}
		if v, ok := f["description"].(string); ok {
			fn.Description = v
		}
		if f["parameters"] != nil {
			if raw, err := json.Marshal(f["parameters"]); err == nil {
				fn.Parameters = raw
			}
		}
		functions = append(functions, fn)
	}

	return &ChatVariant{
		name:             name,
		Provider:         provider,
		Model:            model,
		MessageTemplates: messages,
		Functions:        functions,
		ForceFunction:    a.optionalString("force_function", ""),
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

func (b *ChatVariant) Type() BlockType { return TypeChat }
func (b *ChatVariant) Name() string    { return b.name }

func (b *ChatVariant) configValue() map[string]interface{} {
	return map[string]interface{}{
		"provider":          b.Provider,
		"model":             b.Model,
		"messages":          b.MessageTemplates,
		"functions":         b.Functions,
		"force_function":    b.ForceFunction,
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

func (b *ChatVariant) InnerHash(h *hashing.Hasher) error {
	h.WriteString(string(TypeChat))
	h.WriteString(b.name)
	return h.WriteJSON(b.configValue())
}

func (b *ChatVariant) buildRequest(e *env.Environment) (ChatRequest, error) {
	resolved := make([]ChatMessage, len(b.MessageTemplates))
	for i, m := range b.MessageTemplates {
		content, err := interpolate(m.Content, e)
		if err != nil {
			return ChatRequest{}, fmt.Errorf("chat %s: interpolating message %d: %w", b.name, i, err)
		}
		resolved[i] = ChatMessage{Role: m.Role, Content: content, Name: m.Name}
	}
	return ChatRequest{
		ProviderID:       b.Provider,
		ModelID:          b.Model,
		Messages:         resolved,
		Functions:        b.Functions,
		ForceFunction:    b.ForceFunction,
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

func (b *ChatVariant) Execute(ctx context.Context, e *env.Environment, deps Dependencies) (json.RawMessage, error) {
	req, err := b.buildRequest(e)
	if err != nil {
		return nil, err
	}
	if deps.LLM == nil {
		return nil, fmt.Errorf("chat %s: no provider configured", b.name)
	}
	resp, err := deps.LLM.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

// CacheKeyString extends CompletionRequest's pipe-joined cache key format
// with messages and functions ahead of the same sampling parameters:
// messages (role, content, name), functions, force_function, and the
// same sampling params.
func (r ChatRequest) CacheKeyString() string {
	return strings.Join([]string{
		r.ProviderID,
		r.ModelID,
		messagesParam(r.Messages),
		functionsParam(r.Functions),
		r.ForceFunction,
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

func messagesParam(msgs []ChatMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Role + ":" + m.Content + ":" + m.Name
	}
	return strings.Join(parts, ",")
}

func functionsParam(fns []ChatFunction) string {
	if len(fns) == 0 {
		return ""
	}
	parts := make([]string, len(fns))
	for i, f := range fns {
		parts[i] = f.Name + ":" + f.Description + ":" + string(f.Parameters)
	}
	return strings.Join(parts, ",")
}

// CacheableRequest reports ok=false when use_cache:false was set, bypassing
// the cache entirely for this block.
func (b *ChatVariant) CacheableRequest(e *env.Environment) (CacheRequest, bool, error) {
	if !b.UseCache {
		return CacheRequest{}, false, nil
	}
	req, err := b.buildRequest(e)
	if err != nil {
		return CacheRequest{}, false, err
	}
	return CacheRequest{Kind: CacheKindChat, Key: req}, true, nil
}

func (b *ChatVariant) Timeout(cfg *config.EngineConfig) time.Duration {
	if cfg != nil && cfg.Timeouts.Chat.Duration > 0 {
		return cfg.Timeouts.Chat.Duration
	}
	return 120 * time.Second
}
