package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// debugPreset defines streaming rate configuration.
type debugPreset struct {
	ChunkSize int
	Delay     time.Duration
}

// presets maps variant names to their streaming configurations.
var presets = map[string]debugPreset{
	"fast":     {ChunkSize: 50, Delay: 5 * time.Millisecond},
	"normal":   {ChunkSize: 20, Delay: 20 * time.Millisecond},
	"slow":     {ChunkSize: 10, Delay: 50 * time.Millisecond},
	"realtime": {ChunkSize: 5, Delay: 30 * time.Millisecond},
	"instant":  {ChunkSize: 1 << 20, Delay: 0},
}

// DebugProvider is an offline provider that echoes the conversation.
// A user message starting with "!" is turned into a bash tool call, which
// makes the approval and sandbox path reachable without network access.
type DebugProvider struct {
	variant string
	preset  debugPreset
}

func NewDebugProvider(variant string) *DebugProvider {
	if variant == "" {
		variant = "normal"
	}
	preset, ok := presets[variant]
	if !ok {
		variant = "normal"
		preset = presets[variant]
	}
	return &DebugProvider{variant: variant, preset: preset}
}

func (p *DebugProvider) Name() string {
	return fmt.Sprintf("debug (%s)", p.variant)
}

func (p *DebugProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return newChunkStream(ctx, func(ctx context.Context, out chan<- Chunk) error {
		reply, call := p.respond(req)
		for _, piece := range splitChunks(reply, p.preset.ChunkSize) {
			if !send(ctx, out, TextChunk(piece)) {
				return ctx.Err()
			}
			if p.preset.Delay > 0 {
				select {
				case <-time.After(p.preset.Delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if call != nil {
			send(ctx, out, Chunk{Type: ChunkToolCallStart, ToolCallID: call.ID, ToolName: call.Name})
			send(ctx, out, Chunk{Type: ChunkToolCallArgs, ToolCallID: call.ID, ToolName: call.Name, Arguments: call.Arguments})
		}
		send(ctx, out, UsageChunk(estimateTokens(req.Messages), estimateTokens([]Message{AssistantText(reply)})))
		send(ctx, out, DoneChunk())
		return nil
	}), nil
}

func (p *DebugProvider) respond(req Request) (string, *ToolCall) {
	if len(req.Messages) == 0 {
		return "Nothing to echo.", nil
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role == RoleTool {
		var b strings.Builder
		for _, part := range last.Parts {
			if part.ToolResult == nil {
				continue
			}
			if part.ToolResult.IsError {
				fmt.Fprintf(&b, "The %s call failed: %s\n", part.ToolResult.Name, part.ToolResult.Content)
				continue
			}
			fmt.Fprintf(&b, "The %s call returned:\n```\n%s\n```\n", part.ToolResult.Name, part.ToolResult.Content)
		}
		return b.String(), nil
	}

	text := strings.TrimSpace(collectTextParts(last.Parts))
	if command, ok := strings.CutPrefix(text, "!"); ok && hasTool(req.Tools, "bash") {
		args, _ := json.Marshal(map[string]string{"command": strings.TrimSpace(command)})
		call := &ToolCall{
			ID:        fmt.Sprintf("debug-call-%d", len(req.Messages)),
			Name:      "bash",
			Arguments: args,
		}
		return "Running the command.\n", call
	}
	return "You said: " + text, nil
}

func hasTool(specs []ToolSpec, name string) bool {
	for _, spec := range specs {
		if spec.Name == name {
			return true
		}
	}
	return false
}

func splitChunks(s string, size int) []string {
	if size <= 0 || len(s) <= size {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	var out []string
	runes := []rune(s)
	for len(runes) > 0 {
		n := min(size, len(runes))
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

// estimateTokens uses the usual four-characters-per-token rule of thumb.
func estimateTokens(messages []Message) int {
	n := 0
	for _, m := range messages {
		for _, p := range m.Parts {
			n += len(p.Text)
			if p.ToolResult != nil {
				n += len(p.ToolResult.Content)
			}
		}
	}
	return (n + 3) / 4
}
