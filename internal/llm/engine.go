package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

const defaultMaxTurns = 20

// Engine runs the agentic loop: it streams a provider turn, executes any
// requested tools, feeds the results back and repeats until the model stops
// calling tools. The combined output is a single chunk Stream.
type Engine struct {
	provider Provider
	tools    *ToolRegistry
}

func NewEngine(provider Provider, tools *ToolRegistry) *Engine {
	if tools == nil {
		tools = NewToolRegistry()
	}
	return &Engine{provider: provider, tools: tools}
}

// Tools returns the registry used for tool execution.
func (e *Engine) Tools() *ToolRegistry {
	return e.tools
}

// Provider returns the underlying provider.
func (e *Engine) Provider() Provider {
	return e.provider
}

// Stream starts the agentic loop. Chunks are produced until Done or Error;
// TokenUsage chunks carry the running total across turns.
func (e *Engine) Stream(ctx context.Context, req Request) (Stream, error) {
	if e.provider == nil {
		return nil, errors.New("engine has no provider")
	}
	if len(req.Tools) == 0 {
		req.Tools = e.tools.AllSpecs()
	}
	return newChunkStream(ctx, func(ctx context.Context, out chan<- Chunk) error {
		return e.runLoop(ctx, req, out)
	}), nil
}

func (e *Engine) runLoop(ctx context.Context, req Request, out chan<- Chunk) error {
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}

	var total Usage
	for turn := 0; turn < maxTurns; turn++ {
		stream, err := e.provider.Stream(ctx, req)
		if err != nil {
			return fmt.Errorf("%s: %w", e.provider.Name(), err)
		}

		var toolCalls []ToolCall
		var textBuilder strings.Builder
		for {
			chunk, err := stream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				stream.Close()
				return err
			}

			switch chunk.Type {
			case ChunkError:
				stream.Close()
				if chunk.Err == nil {
					return fmt.Errorf("%s: stream failed", e.provider.Name())
				}
				return chunk.Err
			case ChunkDone:
				continue
			case ChunkTokenUsage:
				if chunk.Use == nil {
					continue
				}
				total = total.Add(*chunk.Use)
				chunk = UsageChunk(total.InputTokens, total.OutputTokens)
			case ChunkText:
				textBuilder.WriteString(chunk.Text)
			case ChunkToolCallStart:
				toolCalls = append(toolCalls, ToolCall{ID: chunk.ToolCallID, Name: chunk.ToolName, Arguments: chunk.Arguments})
			case ChunkToolCallArgs:
				for i := range toolCalls {
					if toolCalls[i].ID == chunk.ToolCallID {
						toolCalls[i].Arguments = chunk.Arguments
					}
				}
			}

			if !send(ctx, out, chunk) {
				stream.Close()
				return ctx.Err()
			}
		}
		stream.Close()

		if len(toolCalls) == 0 {
			send(ctx, out, DoneChunk())
			return nil
		}

		if turn == maxTurns-1 {
			return fmt.Errorf("agentic loop exceeded max turns (%d)", maxTurns)
		}

		toolCalls = ensureToolCallIDs(toolCalls)
		results := make([]Message, 0, len(toolCalls))
		for _, call := range toolCalls {
			results = append(results, e.executeToolCall(ctx, call, out))
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		req.Messages = append(req.Messages, buildAssistantMessage(textBuilder.String(), toolCalls))
		req.Messages = append(req.Messages, results...)
	}

	return fmt.Errorf("agentic loop ended unexpectedly")
}

// executeToolCall runs one tool and reports its outcome as a chunk.
// Tool calls run sequentially so approval prompts are never interleaved.
func (e *Engine) executeToolCall(ctx context.Context, call ToolCall, out chan<- Chunk) Message {
	tool, ok := e.tools.Get(call.Name)
	if !ok {
		errMsg := fmt.Sprintf("tool not registered: %s", call.Name)
		send(ctx, out, Chunk{Type: ChunkToolCallError, ToolCallID: call.ID, ToolName: call.Name, Output: errMsg})
		return ToolErrorMessage(call.ID, call.Name, errMsg)
	}

	toolCtx := ContextWithCallID(ctx, call.ID)
	toolCtx = ContextWithEmitter(toolCtx, func(c Chunk) {
		if c.ToolCallID == "" {
			c.ToolCallID = call.ID
		}
		send(ctx, out, c)
	})

	start := time.Now()
	output, err := tool.Execute(toolCtx, call.Arguments)
	slog.Debug("tool executed", "tool", call.Name, "id", call.ID, "duration", time.Since(start), "error", err)

	if err != nil {
		send(ctx, out, Chunk{Type: ChunkToolCallError, ToolCallID: call.ID, ToolName: call.Name, Output: err.Error(), Err: err})
		return ToolErrorMessage(call.ID, call.Name, err.Error())
	}
	send(ctx, out, Chunk{Type: ChunkToolCallResult, ToolCallID: call.ID, ToolName: call.Name, Output: output})
	return ToolResultMessage(call.ID, call.Name, output)
}

func ensureToolCallIDs(calls []ToolCall) []ToolCall {
	for i := range calls {
		if strings.TrimSpace(calls[i].ID) == "" {
			calls[i].ID = fmt.Sprintf("toolcall-%d", i+1)
		}
	}
	return calls
}
