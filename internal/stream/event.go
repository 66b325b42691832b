package stream

import (
	"encoding/json"

	"github.com/samsaffron/chatty/internal/llm"
)

// Event is a notification emitted by the Registry. The set of events is
// closed: Dispatch calls exactly one Handler method, so a consumer that
// implements Handler has to handle every variant.
type Event interface {
	// Key is the conversation the event belongs to.
	Key() string
	Dispatch(Handler)
}

// Handler receives events by variant.
type Handler interface {
	OnStreamStarted(StreamStarted)
	OnStreamPromoted(StreamPromoted)
	OnTextChunk(TextChunk)
	OnToolCallStarted(ToolCallStarted)
	OnToolCallInput(ToolCallInput)
	OnToolCallResult(ToolCallResult)
	OnToolCallError(ToolCallError)
	OnApprovalRequested(ApprovalRequested)
	OnApprovalResolved(ApprovalResolved)
	OnTokenUsage(TokenUsage)
	OnStreamEnded(StreamEnded)
}

type StreamStarted struct {
	ConversationID string
}

// StreamPromoted reports that the pending stream now belongs to
// ConversationID. Later events for the stream carry ConversationID.
type StreamPromoted struct {
	ConversationID string
}

type TextChunk struct {
	ConversationID string
	Text           string
}

type ToolCallStarted struct {
	ConversationID string
	ToolCallID     string
	ToolName       string
}

type ToolCallInput struct {
	ConversationID string
	ToolCallID     string
	ToolName       string
	Arguments      json.RawMessage
}

type ToolCallResult struct {
	ConversationID string
	ToolCallID     string
	ToolName       string
	Output         string
}

type ToolCallError struct {
	ConversationID string
	ToolCallID     string
	ToolName       string
	Error          string
}

type ApprovalRequested struct {
	ConversationID string
	RequestID      string
	ToolCallID     string
	Command        string
	Sandboxed      bool
}

type ApprovalResolved struct {
	ConversationID string
	RequestID      string
	ToolCallID     string
	Approved       bool
}

type TokenUsage struct {
	ConversationID string
	InputTokens    int
	OutputTokens   int
}

// StreamEnded is the last event for a stream, emitted exactly once.
type StreamEnded struct {
	ConversationID string
	Status         Status
	Usage          *llm.Usage
	Trace          json.RawMessage
}

func (e StreamStarted) Key() string     { return e.ConversationID }
func (e StreamPromoted) Key() string    { return e.ConversationID }
func (e TextChunk) Key() string         { return e.ConversationID }
func (e ToolCallStarted) Key() string   { return e.ConversationID }
func (e ToolCallInput) Key() string     { return e.ConversationID }
func (e ToolCallResult) Key() string    { return e.ConversationID }
func (e ToolCallError) Key() string     { return e.ConversationID }
func (e ApprovalRequested) Key() string { return e.ConversationID }
func (e ApprovalResolved) Key() string  { return e.ConversationID }
func (e TokenUsage) Key() string        { return e.ConversationID }
func (e StreamEnded) Key() string       { return e.ConversationID }

func (e StreamStarted) Dispatch(h Handler)     { h.OnStreamStarted(e) }
func (e StreamPromoted) Dispatch(h Handler)    { h.OnStreamPromoted(e) }
func (e TextChunk) Dispatch(h Handler)         { h.OnTextChunk(e) }
func (e ToolCallStarted) Dispatch(h Handler)   { h.OnToolCallStarted(e) }
func (e ToolCallInput) Dispatch(h Handler)     { h.OnToolCallInput(e) }
func (e ToolCallResult) Dispatch(h Handler)    { h.OnToolCallResult(e) }
func (e ToolCallError) Dispatch(h Handler)     { h.OnToolCallError(e) }
func (e ApprovalRequested) Dispatch(h Handler) { h.OnApprovalRequested(e) }
func (e ApprovalResolved) Dispatch(h Handler)  { h.OnApprovalResolved(e) }
func (e TokenUsage) Dispatch(h Handler)        { h.OnTokenUsage(e) }
func (e StreamEnded) Dispatch(h Handler)       { h.OnStreamEnded(e) }

// translate maps a chunk to at most one event. Done and Error produce none;
// the caller finalizes the stream for those.
func translate(key string, chunk llm.Chunk) (Event, bool) {
	switch chunk.Type {
	case llm.ChunkText:
		if chunk.Text == "" {
			return nil, false
		}
		return TextChunk{ConversationID: key, Text: chunk.Text}, true
	case llm.ChunkToolCallStart:
		return ToolCallStarted{ConversationID: key, ToolCallID: chunk.ToolCallID, ToolName: chunk.ToolName}, true
	case llm.ChunkToolCallArgs:
		return ToolCallInput{ConversationID: key, ToolCallID: chunk.ToolCallID, ToolName: chunk.ToolName, Arguments: chunk.Arguments}, true
	case llm.ChunkToolCallResult:
		return ToolCallResult{ConversationID: key, ToolCallID: chunk.ToolCallID, ToolName: chunk.ToolName, Output: chunk.Output}, true
	case llm.ChunkToolCallError:
		msg := chunk.Output
		if msg == "" && chunk.Err != nil {
			msg = chunk.Err.Error()
		}
		return ToolCallError{ConversationID: key, ToolCallID: chunk.ToolCallID, ToolName: chunk.ToolName, Error: msg}, true
	case llm.ChunkApprovalRequested:
		return ApprovalRequested{ConversationID: key, RequestID: chunk.ApprovalID, ToolCallID: chunk.ToolCallID, Command: chunk.Command, Sandboxed: chunk.Sandboxed}, true
	case llm.ChunkApprovalResolved:
		return ApprovalResolved{ConversationID: key, RequestID: chunk.ApprovalID, ToolCallID: chunk.ToolCallID, Approved: chunk.Approved}, true
	case llm.ChunkTokenUsage:
		if chunk.Use == nil {
			return nil, false
		}
		return TokenUsage{ConversationID: key, InputTokens: chunk.Use.InputTokens, OutputTokens: chunk.Use.OutputTokens}, true
	}
	return nil, false
}
