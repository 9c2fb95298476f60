package llm

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/antigravity-dev/dustengine/internal/blocks"
)

// NullProvider returns a fixed, empty-ish completion/chat response for
// every call without ever failing. Useful for compiling and dry-running
// a spec end to end without a real provider configured.
type NullProvider struct{}

func (NullProvider) Complete(ctx context.Context, req blocks.CompletionRequest) (blocks.CompletionResponse, error) {
	return blocks.CompletionResponse{Prompt: req.Prompt, Completions: []string{""}}, nil
}

func (NullProvider) Chat(ctx context.Context, req blocks.ChatRequest) (blocks.ChatResponse, error) {
	return blocks.ChatResponse{Messages: []blocks.ChatMessage{{Role: "assistant", Content: ""}}}, nil
}

// ScriptedProvider replays a fixed sequence of responses/errors in call
// order and counts how many times it was actually invoked, letting a test
// assert a cache hit skipped the provider entirely.
type ScriptedProvider struct {
	Completions []ScriptedCompletion
	calls       int32
}

// ScriptedCompletion is one scripted Complete() call's outcome.
type ScriptedCompletion struct {
	Response blocks.CompletionResponse
	Err      error
}

func (p *ScriptedProvider) Complete(ctx context.Context, req blocks.CompletionRequest) (blocks.CompletionResponse, error) {
	idx := int(atomic.AddInt32(&p.calls, 1)) - 1
	if idx >= len(p.Completions) {
		return blocks.CompletionResponse{}, fmt.Errorf("scripted provider: no response scripted for call %d", idx)
	}
	sc := p.Completions[idx]
	if sc.Err != nil {
		return blocks.CompletionResponse{}, sc.Err
	}
	return sc.Response, nil
}

func (p *ScriptedProvider) Chat(ctx context.Context, req blocks.ChatRequest) (blocks.ChatResponse, error) {
	return blocks.ChatResponse{}, fmt.Errorf("scripted provider: Chat not scripted")
}

// CallCount reports how many times Complete was actually invoked.
func (p *ScriptedProvider) CallCount() int {
	return int(atomic.LoadInt32(&p.calls))
}
