package parser

import (
	"testing"

	"github.com/antigravity-dev/dustengine/internal/blocks"
)

func TestParseSimpleInputBlock(t *testing.T) {
	src := `input INPUT {}`
	got, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 block, got %d", len(got))
	}
	if got[0].Type != blocks.TypeInput || got[0].Name != "INPUT" {
		t.Fatalf("unexpected block: %+v", got[0])
	}
}

func TestParseS1TwoBlockCodeApp(t *testing.T) {
	src := "input INPUT {}\n" +
		"code CODE1 { code: ```_fun = (env)=>({res: env.state.INPUT.foo})``` }\n" +
		"code CODE2 { code: ```_fun = (env)=>({res: env.state.CODE1.res + env.state.INPUT.bar})``` }\n"

	got, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(got))
	}
	if got[1].Name != "CODE1" || got[1].Type != blocks.TypeCode {
		t.Fatalf("unexpected block 1: %+v", got[1])
	}
	codeArg, ok := got[1].Args["code"]
	if !ok {
		t.Fatal("expected code argument")
	}
	if !codeArg.IsCode {
		t.Fatal("expected code argument to be marked as a code fence")
	}
	if codeArg.Raw != `_fun = (env)=>({res: env.state.INPUT.foo})` {
		t.Fatalf("unexpected code body: %q", codeArg.Raw)
	}
}

func TestParseArgumentKinds(t *testing.T) {
	src := `llm ASK { model: "gpt-4" temperature: 0.2 provider: openai prompt: "hi" }`
	got, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	block := got[0]
	if block.Args["model"].Raw != "gpt-4" {
		t.Fatalf("model = %q", block.Args["model"].Raw)
	}
	temp := block.Args["temperature"]
	if !temp.IsNumber || temp.Number != 0.2 {
		t.Fatalf("temperature = %+v", temp)
	}
	if block.Args["provider"].Raw != "openai" {
		t.Fatalf("provider = %q", block.Args["provider"].Raw)
	}
}

func TestParseCommaSeparatedArguments(t *testing.T) {
	src := `llm L { provider: "test", model: "test-model", prompt: "hello" }`
	got, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got[0].Args) != 3 {
		t.Fatalf("expected 3 arguments, got %d", len(got[0].Args))
	}
	if got[0].Args["model"].Raw != "test-model" {
		t.Fatalf("model = %q", got[0].Args["model"].Raw)
	}
}

func TestParseDottedPathValue(t *testing.T) {
	src := `map M { from: INPUT.items }`
	got, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got[0].Args["from"].Raw != "INPUT.items" {
		t.Fatalf("from = %q, want INPUT.items", got[0].Args["from"].Raw)
	}
}

func TestParseUnknownBlockTypeErrors(t *testing.T) {
	_, err := Parse(`bogus X {}`)
	if err == nil {
		t.Fatal("expected error for unknown block type")
	}
	perr, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if perr.Line != 1 {
		t.Fatalf("expected error on line 1, got %d", perr.Line)
	}
}

func TestParseDuplicateArgumentKeyErrors(t *testing.T) {
	_, err := Parse(`code C { code: ` + "```a```" + ` code: ` + "```b```" + ` }`)
	if err == nil {
		t.Fatal("expected error for duplicate argument key")
	}
}

func TestParseDuplicateBlockNameErrors(t *testing.T) {
	_, err := Parse("input A {}\ninput A {}\n")
	if err == nil {
		t.Fatal("expected error for duplicate block name")
	}
}

func TestParseReduceAndEndMayReuseTheirScopeName(t *testing.T) {
	blocks, err := Parse("map M { from: \"INPUT\" }\nreduce M {}\n" +
		"while W { condition_code: ```_fun=(e)=>false``` }\nend W {}\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(blocks) != 4 {
		t.Fatalf("expected 4 blocks, got %d", len(blocks))
	}
}

func TestParseMissingClosingBraceErrors(t *testing.T) {
	_, err := Parse(`code C { code: ` + "```x```")
	if err == nil {
		t.Fatal("expected error for unterminated block")
	}
}

func TestParseMultilineCodeFencePreservesBody(t *testing.T) {
	src := "code C { code: ```\nline1\nline2\n``` }"
	got, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got[0].Args["code"].Raw != "line1\nline2" {
		t.Fatalf("unexpected code body: %q", got[0].Args["code"].Raw)
	}
}

func TestParseTracksLineAndColumn(t *testing.T) {
	src := "input INPUT {}\ncode C2 { code: ```x``` }\n"
	got, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got[1].Line != 2 {
		t.Fatalf("expected second block on line 2, got %d", got[1].Line)
	}
}

func TestParseEmptySourceYieldsNoBlocks(t *testing.T) {
	got, err := Parse("   \n\n  ")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no blocks, got %d", len(got))
	}
}
