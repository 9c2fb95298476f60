package events

import "testing"

func TestSinkOrderingWithinOneBlock(t *testing.T) {
	s := NewSink(16)
	s.BlockRunning("llm", "b1")
	s.Tokens("b1", "hel")
	s.Tokens("b1", "lo")
	s.BlockExecution("llm", "b1", 0, 0, nil, "")
	s.BlockSucceeded("llm", "b1")
	s.Final()
	s.Close()

	var got []Type
	for e := range s.Events() {
		got = append(got, e.Type)
	}
	want := []Type{TypeBlockStatus, TypeTokens, TypeTokens, TypeBlockExecution, TypeBlockStatus, TypeFinal}
	if len(got) != len(want) {
		t.Fatalf("got %d events %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSinkBlockStatusPayload(t *testing.T) {
	s := NewSink(4)
	s.BlockRunning("data", "d1")
	s.Close()
	e := <-s.Events()
	content, ok := e.Content.(BlockStatusContent)
	if !ok {
		t.Fatalf("content type = %T, want BlockStatusContent", e.Content)
	}
	if content.BlockType != "data" || content.Name != "d1" || content.Status != "running" {
		t.Fatalf("unexpected content %+v", content)
	}
}

func TestSinkErrorEvent(t *testing.T) {
	s := NewSink(4)
	s.Error("provider_error", "boom")
	s.Close()
	e := <-s.Events()
	if e.Type != TypeError {
		t.Fatalf("type = %s, want %s", e.Type, TypeError)
	}
	content, ok := e.Content.(ErrorContent)
	if !ok {
		t.Fatalf("content type = %T, want ErrorContent", e.Content)
	}
	if content.Code != "provider_error" || content.Message != "boom" {
		t.Fatalf("unexpected content %+v", content)
	}
}

func TestNilSinkMethodsAreNoOps(t *testing.T) {
	var s *Sink
	s.BlockRunning("llm", "b1")
	s.Tokens("b1", "x")
	s.BlockExecution("llm", "b1", 0, 0, nil, "")
	s.BlockSucceeded("llm", "b1")
	s.Final()
	s.Close()
	if s.Events() != nil {
		t.Fatal("expected nil Sink Events() to return nil channel")
	}
}

func TestSinkCloseIsIdempotent(t *testing.T) {
	s := NewSink(1)
	s.Close()
	s.Close()
}

func TestSinkFunctionCallEvent(t *testing.T) {
	s := NewSink(4)
	s.FunctionCall("b1", "lookup", []byte(`{"q":"x"}`))
	s.Close()
	e := <-s.Events()
	content, ok := e.Content.(FunctionCallContent)
	if !ok {
		t.Fatalf("content type = %T, want FunctionCallContent", e.Content)
	}
	if content.BlockName != "b1" || content.Name != "lookup" {
		t.Fatalf("unexpected content %+v", content)
	}
}
