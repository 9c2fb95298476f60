// Package events implements the optional run event stream: one writer
// (the scheduler), one reader (a streaming consumer),
// line-delimited-JSON-shaped events with an explicit ordering guarantee.
package events

import (
	"encoding/json"
	"sync"
)

// Type is one of the event type tags the stream emits.
type Type string

const (
	TypeTokens          Type = "tokens"
	TypeBlockStatus     Type = "block_status"
	TypeBlockExecution  Type = "block_execution"
	TypeReasoningTokens Type = "reasoning_tokens"
	TypeFunctionCall    Type = "function_call"
	TypeFinal           Type = "final"
	TypeError           Type = "error"
)

// Event is the line-delimited-JSON shape: {type, content}.
type Event struct {
	Type    Type        `json:"type"`
	Content interface{} `json:"content"`
}

// BlockStatusContent carries a block's running/succeeded/errored
// transition.
type BlockStatusContent struct {
	BlockType string `json:"block_type"`
	Name      string `json:"name"`
	Status    string `json:"status"`
}

// BlockExecutionContent reports one cell's outcome.
type BlockExecutionContent struct {
	BlockType string          `json:"block_type"`
	Name      string          `json:"name"`
	InputIdx  int             `json:"input_idx"`
	MapIdx    int             `json:"map_idx,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// TokensContent is one streamed completion token chunk.
type TokensContent struct {
	BlockName string `json:"block_name"`
	Chunk     string `json:"chunk"`
}

// ReasoningTokensContent is one streamed reasoning-token chunk.
type ReasoningTokensContent struct {
	BlockName string `json:"block_name"`
	Chunk     string `json:"chunk"`
}

// FunctionCallContent reports a tool/function call a Chat block's model
// requested.
type FunctionCallContent struct {
	BlockName string          `json:"block_name"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ErrorContent carries the structured error contract.
type ErrorContent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Sink is a one-writer/one-reader event channel for a single streamed
// run. A nil *Sink is valid and every method on it is a no-op, so callers
// that didn't request streaming can call sink methods unconditionally.
type Sink struct {
	ch   chan Event
	once sync.Once
}

// NewSink returns a Sink buffering up to capacity pending events.
func NewSink(capacity int) *Sink {
	return &Sink{ch: make(chan Event, capacity)}
}

// Events returns the read side of the stream.
func (s *Sink) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Sink) emit(e Event) {
	if s == nil {
		return
	}
	s.ch <- e
}

// BlockRunning emits block_status:running. Must be emitted before any
// BlockExecution or token event for the same block.
func (s *Sink) BlockRunning(blockType, name string) {
	s.emit(Event{Type: TypeBlockStatus, Content: BlockStatusContent{BlockType: blockType, Name: name, Status: "running"}})
}

// BlockSucceeded emits the terminal block_status:succeeded.
func (s *Sink) BlockSucceeded(blockType, name string) {
	s.emit(Event{Type: TypeBlockStatus, Content: BlockStatusContent{BlockType: blockType, Name: name, Status: "succeeded"}})
}

// BlockErrored emits the terminal block_status:errored.
func (s *Sink) BlockErrored(blockType, name string) {
	s.emit(Event{Type: TypeBlockStatus, Content: BlockStatusContent{BlockType: blockType, Name: name, Status: "errored"}})
}

// BlockExecution reports one cell's outcome. errMsg is empty on success.
func (s *Sink) BlockExecution(blockType, name string, inputIdx, mapIdx int, value json.RawMessage, errMsg string) {
	s.emit(Event{Type: TypeBlockExecution, Content: BlockExecutionContent{
		BlockType: blockType, Name: name, InputIdx: inputIdx, MapIdx: mapIdx, Value: value, Error: errMsg,
	}})
}

// Tokens streams one completion token chunk. Must be emitted before the
// owning cell's BlockExecution event.
func (s *Sink) Tokens(blockName, chunk string) {
	s.emit(Event{Type: TypeTokens, Content: TokensContent{BlockName: blockName, Chunk: chunk}})
}

// ReasoningTokens streams one reasoning-token chunk.
func (s *Sink) ReasoningTokens(blockName, chunk string) {
	s.emit(Event{Type: TypeReasoningTokens, Content: ReasoningTokensContent{BlockName: blockName, Chunk: chunk}})
}

// FunctionCall reports a tool/function call requested mid-stream.
func (s *Sink) FunctionCall(blockName, fnName string, args json.RawMessage) {
	s.emit(Event{Type: TypeFunctionCall, Content: FunctionCallContent{BlockName: blockName, Name: fnName, Arguments: args}})
}

// Error emits a structured run-level error event.
func (s *Sink) Error(code, message string) {
	s.emit(Event{Type: TypeError, Content: ErrorContent{Code: code, Message: message}})
}

// Final emits the terminal event. The scheduler calls Close after Final.
func (s *Sink) Final() {
	s.emit(Event{Type: TypeFinal})
}

// Close closes the channel, signalling the reader no more events will
// arrive. Safe to call multiple times and on a nil Sink.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.ch) })
}
