package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/antigravity-dev/dustengine/internal/blocks"
	"github.com/antigravity-dev/dustengine/internal/cache"
	"github.com/antigravity-dev/dustengine/internal/compiler"
	"github.com/antigravity-dev/dustengine/internal/config"
	"github.com/antigravity-dev/dustengine/internal/llm"
	"github.com/antigravity-dev/dustengine/internal/parser"
)

func mustCompile(t *testing.T, src string) *compiler.App {
	t.Helper()
	pb, err := parser.Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	app, err := compiler.Compile(pb)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return app
}

type recordingStore struct {
	mu     sync.Mutex
	traces []BlockTrace
}

func (s *recordingStore) AppendRunBlock(ctx context.Context, projectID, runID string, trace BlockTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, trace)
	return nil
}

func (s *recordingStore) traceFor(name string) (BlockTrace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range s.traces {
		if tr.Name == name {
			return tr, true
		}
	}
	return BlockTrace{}, false
}

func jsonField(t *testing.T, raw json.RawMessage, field string) interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decoding %s: %v", raw, err)
	}
	return m[field]
}

func TestRunS1TwoBlockDeterministicCodeApp(t *testing.T) {
	app := mustCompile(t,
		"input INPUT {}\n"+
			"code CODE1 { code: ```_fun = (env)=>({res: env.state.INPUT.foo})``` }\n"+
			"code CODE2 { code: ```_fun = (env)=>({res: env.state.CODE1.res + env.state.INPUT.bar})``` }\n")

	store := &recordingStore{}
	result, err := Run(context.Background(), app, RunInput{
		ProjectID: "p", RunID: "r",
		Inputs: []json.RawMessage{
			json.RawMessage(`{"foo":"1","bar":"1"}`),
			json.RawMessage(`{"foo":"2","bar":"2"}`),
		},
	}, Deps{Store: store, Concurrency: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusSucceeded {
		t.Fatalf("status = %s, want succeeded (reason %q)", result.Status, result.Reason)
	}
	if len(result.Blocks) != 3 {
		t.Fatalf("expected 3 block traces, got %d", len(result.Blocks))
	}

	code2, ok := store.traceFor("CODE2")
	if !ok {
		t.Fatal("expected a persisted trace for CODE2")
	}
	if got := jsonField(t, code2.Cells[0].Value, "res"); got != "11" {
		t.Fatalf("CODE2 cell(0,0).res = %v, want \"11\"", got)
	}
	if got := jsonField(t, code2.Cells[1].Value, "res"); got != "22" {
		t.Fatalf("CODE2 cell(1,0).res = %v, want \"22\"", got)
	}
}

func TestRunS2MapReduceFanOutPreservesOrder(t *testing.T) {
	app := mustCompile(t,
		"input INPUT {}\n"+
			"map M { from: INPUT.items }\n"+
			"code DOUBLE { code: ```_fun = (env)=>({v: env.state.M.v*2})``` }\n"+
			"reduce M {}\n")

	result, err := Run(context.Background(), app, RunInput{
		ProjectID: "p", RunID: "r",
		Inputs: []json.RawMessage{json.RawMessage(`{"items":[{"v":1},{"v":2},{"v":3}]}`)},
	}, Deps{Concurrency: 8})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusSucceeded {
		t.Fatalf("status = %s, want succeeded (reason %q)", result.Status, result.Reason)
	}

	var reduceTrace BlockTrace
	for _, b := range result.Blocks {
		if b.BlockType == blocks.TypeReduce {
			reduceTrace = b
		}
	}
	if len(reduceTrace.Cells) != 1 {
		t.Fatalf("expected 1 reduce cell (1 input row), got %d", len(reduceTrace.Cells))
	}
	var arr []struct {
		V int `json:"v"`
	}
	if err := json.Unmarshal(reduceTrace.Cells[0].Value, &arr); err != nil {
		t.Fatalf("decoding reduce output: %v", err)
	}
	want := []int{2, 4, 6}
	if len(arr) != len(want) {
		t.Fatalf("reduce output = %v, want values %v", arr, want)
	}
	for i, w := range want {
		if arr[i].V != w {
			t.Fatalf("reduce output[%d].v = %d, want %d (order must be preserved)", i, arr[i].V, w)
		}
	}
}

func TestRunS4BlockErrorContainment(t *testing.T) {
	app := mustCompile(t,
		"input INPUT {}\n"+
			"map M { from: \"INPUT.items\" }\n"+
			"code THROWS { code: ```_fun = (env)=>{ if (env.map.index === 1) { throw new Error(\"boom\") }; return {ok:true} }``` }\n"+
			"reduce M {}\n"+
			"code AFTER { code: ```_fun = (env)=>({done:true})``` }\n")

	result, err := Run(context.Background(), app, RunInput{
		ProjectID: "p", RunID: "r",
		Inputs: []json.RawMessage{json.RawMessage(`{"items":[{"v":1},{"v":2}]}`)},
	}, Deps{Concurrency: 4})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusErrored {
		t.Fatal("expected run status Errored")
	}

	var throwsTrace, reduceTrace BlockTrace
	sawAfter := false
	for _, b := range result.Blocks {
		switch b.Name {
		case "THROWS":
			throwsTrace = b
		case "M":
			if b.BlockType == blocks.TypeReduce {
				reduceTrace = b
			}
		case "AFTER":
			sawAfter = true
		}
	}
	if throwsTrace.Cells[0].Error != "" {
		t.Fatalf("cell(0,0) expected to succeed, got error %q", throwsTrace.Cells[0].Error)
	}
	if throwsTrace.Cells[1].Error == "" {
		t.Fatal("cell(0,1) expected an error")
	}
	if reduceTrace.Cells[0].Error == "" {
		t.Fatal("expected reduce to be skipped with an error when its map had errors")
	}
	if sawAfter {
		t.Fatal("expected the block after the errored map/reduce group to never run")
	}
}

// cancellingStore cancels the run as soon as the first block persists,
// simulating an external cancel arriving between blocks.
type cancellingStore struct {
	recordingStore
	cancel context.CancelFunc
}

func (s *cancellingStore) AppendRunBlock(ctx context.Context, projectID, runID string, trace BlockTrace) error {
	err := s.recordingStore.AppendRunBlock(ctx, projectID, runID, trace)
	s.cancel()
	return err
}

func TestRunS6CancellationStopsSubsequentBlocks(t *testing.T) {
	app := mustCompile(t,
		"code C1 { code: ```_fun = (env)=>({ok:true})``` }\n"+
			"code C2 { code: ```_fun = (env)=>({ok:true})``` }\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancellingStore{cancel: cancel}
	result, err := Run(ctx, app, RunInput{ProjectID: "p", RunID: "r"}, Deps{Store: store})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusErrored || result.Reason != "cancelled" {
		t.Fatalf("status = %s reason = %q, want errored/cancelled", result.Status, result.Reason)
	}
	if len(result.Blocks) != 1 {
		t.Fatalf("expected exactly 1 persisted block trace, got %d", len(result.Blocks))
	}
	if result.Blocks[0].Name != "C1" {
		t.Fatalf("expected C1 to be the only persisted block, got %q", result.Blocks[0].Name)
	}
}

type failingStore struct {
	failAt int // AppendRunBlock calls before this index succeed, then every call fails
	calls  int
}

func (s *failingStore) AppendRunBlock(ctx context.Context, projectID, runID string, trace BlockTrace) error {
	s.calls++
	if s.calls > s.failAt {
		return fmt.Errorf("disk full")
	}
	return nil
}

func TestRunStoreErrorHaltsRun(t *testing.T) {
	app := mustCompile(t,
		"code C1 { code: ```_fun = (env)=>({ok:true})``` }\n"+
			"code C2 { code: ```_fun = (env)=>({ok:true})``` }\n")

	store := &failingStore{failAt: 1} // C1's append succeeds, C2's fails
	result, err := Run(context.Background(), app, RunInput{ProjectID: "p", RunID: "r"}, Deps{Store: store})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusErrored {
		t.Fatalf("status = %s, want errored", result.Status)
	}
	if !strings.Contains(result.Reason, "disk full") {
		t.Fatalf("reason = %q, want it to mention the store error", result.Reason)
	}
	if len(result.Blocks) != 2 {
		t.Fatalf("expected both block traces in the in-memory result (C2's persist failed, but it still ran), got %d", len(result.Blocks))
	}
}

type countingProvider struct {
	llm.NullProvider
	calls int
	mu    sync.Mutex
}

func (p *countingProvider) Complete(ctx context.Context, req blocks.CompletionRequest) (blocks.CompletionResponse, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return blocks.CompletionResponse{Prompt: req.Prompt, Completions: []string{"hello"}}, nil
}

func (p *countingProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestRunS5WhileLoopBound(t *testing.T) {
	app := mustCompile(t,
		"while W { condition_code: ```_fun = (env)=>((env.state.COUNTER ? env.state.COUNTER.n : 0) < 3)``` }\n"+
			"code COUNTER { code: ```_fun = (env)=>({n: (env.state.COUNTER ? env.state.COUNTER.n : 0) + 1})``` }\n"+
			"end W {}\n")

	result, err := Run(context.Background(), app, RunInput{ProjectID: "p", RunID: "r"}, Deps{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusSucceeded {
		t.Fatalf("status = %s, want succeeded (reason %q)", result.Status, result.Reason)
	}

	counterPasses := 0
	for _, b := range result.Blocks {
		if b.Name == "COUNTER" {
			counterPasses++
		}
	}
	if counterPasses != 3 {
		t.Fatalf("expected the loop body to run exactly 3 times, got %d", counterPasses)
	}
}

type memCacheStore struct {
	mu      sync.Mutex
	entries map[string][]cache.Entry
}

func newMemCacheStore() *memCacheStore {
	return &memCacheStore{entries: make(map[string][]cache.Entry)}
}

func (s *memCacheStore) CacheGet(ctx context.Context, projectID string, kind blocks.CacheKind, hash string) ([]cache.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[string(kind)+"/"+hash], nil
}

func (s *memCacheStore) CacheStore(ctx context.Context, projectID string, kind blocks.CacheKind, hash string, request, response json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(kind) + "/" + hash
	s.entries[key] = append([]cache.Entry{{Hash: hash, Request: request, Response: response}}, s.entries[key]...)
	return nil
}

func TestRunS3CacheHitSkipsProvider(t *testing.T) {
	app := mustCompile(t, "llm L { provider: \"test\", model: \"test-model\", prompt: \"hello\" }\n")

	provider := &countingProvider{}
	c := cache.New(newMemCacheStore(), config.RetryPolicy{}, nil)
	deps := Deps{
		Dependencies: blocks.Dependencies{LLM: provider},
		Cache:        c,
	}

	first, err := Run(context.Background(), app, RunInput{ProjectID: "p", RunID: "r1"}, deps)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.Status != StatusSucceeded {
		t.Fatalf("first run status = %s", first.Status)
	}
	if provider.callCount() != 1 {
		t.Fatalf("expected 1 provider call after first run, got %d", provider.callCount())
	}

	second, err := Run(context.Background(), app, RunInput{ProjectID: "p", RunID: "r2"}, deps)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Status != StatusSucceeded {
		t.Fatalf("second run status = %s", second.Status)
	}
	if provider.callCount() != 1 {
		t.Fatalf("expected cache hit to skip the provider on the second run, call count = %d", provider.callCount())
	}

	firstValue := first.Blocks[0].Cells[0].Value
	secondValue := second.Blocks[0].Cells[0].Value
	if string(firstValue) != string(secondValue) {
		t.Fatalf("expected byte-identical output across runs, got %s vs %s", firstValue, secondValue)
	}
}
