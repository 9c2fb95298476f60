package blocks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/antigravity-dev/dustengine/internal/env"
	"github.com/antigravity-dev/dustengine/internal/hashing"
)

func TestInputVariantPassesThroughInput(t *testing.T) {
	b := NewInput("INPUT")
	e := env.New(json.RawMessage(`{"foo":"1"}`), nil, nil, "r", "p")

	out, err := b.Execute(context.Background(), e, Dependencies{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(out) != `{"foo":"1"}` {
		t.Fatalf("Execute = %s, want input passthrough", out)
	}
}

func TestInputVariantNullWhenNoInput(t *testing.T) {
	b := NewInput("INPUT")
	e := env.New(nil, nil, nil, "r", "p")
	out, err := b.Execute(context.Background(), e, Dependencies{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(out) != "null" {
		t.Fatalf("Execute = %s, want null", out)
	}
}

func TestCodeVariantExecutesAndHashesConsistently(t *testing.T) {
	b, err := NewCode("CODE1", args{"code": `_fun = (env) => ({res: env.input.foo})`})
	if err != nil {
		t.Fatalf("NewCode: %v", err)
	}
	e := env.New(json.RawMessage(`{"foo":"bar"}`), nil, nil, "r", "p")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := b.Execute(ctx, e, Dependencies{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var decoded struct {
		Res string `json:"res"`
	}
	json.Unmarshal(out, &decoded)
	if decoded.Res != "bar" {
		t.Fatalf("res = %q, want bar", decoded.Res)
	}

	h1 := hashing.NewHasher()
	if err := b.InnerHash(h1); err != nil {
		t.Fatalf("InnerHash: %v", err)
	}
	h2 := hashing.NewHasher()
	if err := b.InnerHash(h2); err != nil {
		t.Fatalf("InnerHash: %v", err)
	}
	if h1.Sum() != h2.Sum() {
		t.Fatal("expected InnerHash to be deterministic")
	}
}

func TestCodeVariantHashChangesWithCode(t *testing.T) {
	b1, _ := NewCode("C", args{"code": "_fun = (e) => 1"})
	b2, _ := NewCode("C", args{"code": "_fun = (e) => 2"})

	h1 := hashing.NewHasher()
	b1.InnerHash(h1)
	h2 := hashing.NewHasher()
	b2.InnerHash(h2)

	if h1.Sum() == h2.Sum() {
		t.Fatal("expected different code to produce different inner hashes")
	}
}

func TestMapVariantResolveElements(t *testing.T) {
	b, err := NewMap("M", args{"from": "INPUT.items"})
	if err != nil {
		t.Fatalf("NewMap: %v", err)
	}
	e := env.New(nil, nil, nil, "r", "p").WithBlockOutput("INPUT", json.RawMessage(`{"items":[1,2,3]}`))

	elements, err := b.ResolveElements(e)
	if err != nil {
		t.Fatalf("ResolveElements: %v", err)
	}
	if len(elements) != 3 {
		t.Fatalf("expected 3 elements, got %d", len(elements))
	}
}

func TestMapVariantResolveElementsNonArrayErrors(t *testing.T) {
	b, _ := NewMap("M", args{"from": "INPUT.items"})
	e := env.New(nil, nil, nil, "r", "p").WithBlockOutput("INPUT", json.RawMessage(`{"items":"not-an-array"}`))

	if _, err := b.ResolveElements(e); err == nil {
		t.Fatal("expected error for non-array source")
	}
}

func TestReduceVariantForwardsAssembledState(t *testing.T) {
	reduce, _ := NewReduce("M", nil)
	e := env.New(nil, nil, nil, "r", "p").WithBlockOutput("M", json.RawMessage(`[{"v":2},{"v":4}]`))

	out, err := reduce.Execute(context.Background(), e, Dependencies{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(out) != `[{"v":2},{"v":4}]` {
		t.Fatalf("Execute = %s", out)
	}
}

func TestWhileVariantEvaluateCondition(t *testing.T) {
	b, err := NewWhile("W", args{"condition_code": `_fun = (env) => env.state.COUNTER.n < 3`})
	if err != nil {
		t.Fatalf("NewWhile: %v", err)
	}
	e := env.New(nil, nil, nil, "r", "p").WithBlockOutput("COUNTER", json.RawMessage(`{"n":1}`))

	ok, err := b.EvaluateCondition(context.Background(), e, time.Second)
	if err != nil {
		t.Fatalf("EvaluateCondition: %v", err)
	}
	if !ok {
		t.Fatal("expected condition true when n < 3")
	}

	e2 := env.New(nil, nil, nil, "r", "p").WithBlockOutput("COUNTER", json.RawMessage(`{"n":3}`))
	ok2, err := b.EvaluateCondition(context.Background(), e2, time.Second)
	if err != nil {
		t.Fatalf("EvaluateCondition: %v", err)
	}
	if ok2 {
		t.Fatal("expected condition false when n == 3")
	}
}

func TestLLMVariantCacheableRequestInterpolatesPrompt(t *testing.T) {
	b, err := NewLLM("ASK", args{"provider": "openai", "model": "gpt-4", "prompt": "Summarize: {INPUT.text}"})
	if err != nil {
		t.Fatalf("NewLLM: %v", err)
	}
	e := env.New(nil, nil, nil, "r", "p").WithBlockOutput("INPUT", json.RawMessage(`{"text":"hello"}`))

	req, ok, err := b.CacheableRequest(e)
	if err != nil {
		t.Fatalf("CacheableRequest: %v", err)
	}
	if !ok {
		t.Fatal("expected LLM block to be cacheable")
	}
	cr, ok := req.Key.(CompletionRequest)
	if !ok {
		t.Fatalf("expected CompletionRequest key, got %T", req.Key)
	}
	if cr.Prompt != "Summarize: hello" {
		t.Fatalf("Prompt = %q, want interpolated value", cr.Prompt)
	}
}

func TestLLMVariantUseCacheFalseBypassesCache(t *testing.T) {
	b, err := NewLLM("ASK", args{"provider": "openai", "model": "gpt-4", "prompt": "hi", "use_cache": false})
	if err != nil {
		t.Fatalf("NewLLM: %v", err)
	}
	e := env.New(nil, nil, nil, "r", "p")

	_, ok, err := b.CacheableRequest(e)
	if err != nil {
		t.Fatalf("CacheableRequest: %v", err)
	}
	if ok {
		t.Fatal("expected use_cache:false to report ok=false, bypassing the cache")
	}
}

func TestCodeVariantMissingArgumentErrors(t *testing.T) {
	if _, err := NewCode("C", args{}); err == nil {
		t.Fatal("expected error for missing code argument")
	}
}
