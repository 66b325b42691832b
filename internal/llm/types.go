package llm

import (
	"context"
	"encoding/json"
)

// contextKey is a private type for context keys to prevent collisions.
type contextKey string

const (
	toolCallIDKey contextKey = "tool_call_id"
	emitterKey    contextKey = "chunk_emitter"
)

// ContextWithCallID returns a new context with the tool call ID set.
func ContextWithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, toolCallIDKey, callID)
}

// CallIDFromContext extracts the tool call ID from context, or returns empty string.
func CallIDFromContext(ctx context.Context) string {
	if v := ctx.Value(toolCallIDKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// EmitFunc pushes a chunk into the stream that is currently executing a tool.
type EmitFunc func(Chunk)

// ContextWithEmitter attaches an emitter so tools can interleave chunks
// (approval requests, for example) with the engine's own output.
func ContextWithEmitter(ctx context.Context, emit EmitFunc) context.Context {
	return context.WithValue(ctx, emitterKey, emit)
}

// EmitChunk sends a chunk through the emitter stored in ctx.
// Returns false when no emitter is attached.
func EmitChunk(ctx context.Context, chunk Chunk) bool {
	emit, ok := ctx.Value(emitterKey).(EmitFunc)
	if !ok || emit == nil {
		return false
	}
	emit(chunk)
	return true
}

// Provider streams model output chunks for a request.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream yields chunks until io.EOF.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Request represents a single model turn.
type Request struct {
	Model           string
	Messages        []Message
	Tools           []ToolSpec
	MaxOutputTokens int
	MaxTurns        int // Max agentic turns for tool execution (0 = use default)
}

// Role identifies a message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType identifies a message content part.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Message holds a role with structured parts.
type Message struct {
	Role  Role
	Parts []Part
}

// Part represents a single content part.
type Part struct {
	Type       PartType
	Text       string
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

// ToolSpec describes a callable tool.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult is the outcome of a tool invocation fed back to the model.
type ToolResult struct {
	ID      string
	Name    string
	Content string
	IsError bool
}

// ChunkType identifies a stream chunk.
type ChunkType string

const (
	ChunkText              ChunkType = "text"
	ChunkToolCallStart     ChunkType = "tool_call_start"
	ChunkToolCallArgs      ChunkType = "tool_call_args"
	ChunkToolCallResult    ChunkType = "tool_call_result"
	ChunkToolCallError     ChunkType = "tool_call_error"
	ChunkApprovalRequested ChunkType = "approval_requested"
	ChunkApprovalResolved  ChunkType = "approval_resolved"
	ChunkTokenUsage        ChunkType = "token_usage"
	ChunkDone              ChunkType = "done"
	ChunkError             ChunkType = "error"
)

// Chunk is a single streamed unit from a provider or the engine.
type Chunk struct {
	Type ChunkType

	Text string

	// Tool call fields (ToolCallStart, ToolCallArgs, ToolCallResult, ToolCallError)
	ToolCallID string
	ToolName   string
	Arguments  json.RawMessage
	Output     string

	// Approval fields (ApprovalRequested, ApprovalResolved)
	ApprovalID string
	Command    string
	Sandboxed  bool
	Approved   bool

	Use *Usage
	Err error
}

// Usage captures token usage if available.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Add returns the element-wise sum of two usages.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}

// Cost estimates the USD cost given per-million-token prices.
func (u Usage) Cost(inputPricePerMillion, outputPricePerMillion float64) float64 {
	return float64(u.InputTokens)/1_000_000*inputPricePerMillion +
		float64(u.OutputTokens)/1_000_000*outputPricePerMillion
}

// TextChunk is a convenience constructor for text deltas.
func TextChunk(text string) Chunk {
	return Chunk{Type: ChunkText, Text: text}
}

// DoneChunk marks the natural end of a stream.
func DoneChunk() Chunk {
	return Chunk{Type: ChunkDone}
}

// ErrorChunk carries a provider failure.
func ErrorChunk(err error) Chunk {
	return Chunk{Type: ChunkError, Err: err}
}

// UsageChunk reports token usage.
func UsageChunk(input, output int) Chunk {
	return Chunk{Type: ChunkTokenUsage, Use: &Usage{InputTokens: input, OutputTokens: output}}
}
