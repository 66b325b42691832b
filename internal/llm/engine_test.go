package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

type fakeProvider struct {
	script func(call int, req Request) []Chunk
	calls  []Request
}

func (p *fakeProvider) Name() string {
	return "fake"
}

func (p *fakeProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	p.calls = append(p.calls, req)
	return NewSliceStream(p.script(len(p.calls)-1, req)...), nil
}

type fakeTool struct {
	name    string
	execute func(ctx context.Context, args json.RawMessage) (string, error)
}

func (t *fakeTool) Spec() ToolSpec {
	return ToolSpec{Name: t.name, Description: "fake"}
}

func (t *fakeTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return t.execute(ctx, args)
}

func collect(t *testing.T, s Stream) []Chunk {
	t.Helper()
	var out []Chunk
	for {
		c, err := s.Recv()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		out = append(out, c)
	}
}

func types(chunks []Chunk) []ChunkType {
	out := make([]ChunkType, len(chunks))
	for i, c := range chunks {
		out[i] = c.Type
	}
	return out
}

func TestEngineTextOnly(t *testing.T) {
	provider := &fakeProvider{script: func(int, Request) []Chunk {
		return []Chunk{TextChunk("a"), TextChunk("b"), UsageChunk(3, 2), DoneChunk()}
	}}
	engine := NewEngine(provider, nil)

	stream, err := engine.Stream(context.Background(), Request{Messages: []Message{UserText("hi")}})
	if err != nil {
		t.Fatal(err)
	}
	chunks := collect(t, stream)

	want := []ChunkType{ChunkText, ChunkText, ChunkTokenUsage, ChunkDone}
	got := types(chunks)
	if strings.Join(chunkNames(got), ",") != strings.Join(chunkNames(want), ",") {
		t.Fatalf("chunk types = %v, want %v", got, want)
	}
	if len(provider.calls) != 1 {
		t.Fatalf("provider called %d times, want 1", len(provider.calls))
	}
}

func chunkNames(ts []ChunkType) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}

func TestEngineExecutesToolsAndFeedsResults(t *testing.T) {
	provider := &fakeProvider{script: func(call int, req Request) []Chunk {
		if call == 0 {
			return []Chunk{
				TextChunk("checking"),
				{Type: ChunkToolCallStart, ToolCallID: "c1", ToolName: "echo"},
				{Type: ChunkToolCallArgs, ToolCallID: "c1", ToolName: "echo", Arguments: json.RawMessage(`{"v":"x"}`)},
				UsageChunk(10, 5),
				DoneChunk(),
			}
		}
		return []Chunk{TextChunk("done"), UsageChunk(20, 7), DoneChunk()}
	}}
	registry := NewToolRegistry()
	var gotArgs string
	registry.Register(&fakeTool{name: "echo", execute: func(ctx context.Context, args json.RawMessage) (string, error) {
		gotArgs = string(args)
		if CallIDFromContext(ctx) != "c1" {
			t.Errorf("call id not propagated: %q", CallIDFromContext(ctx))
		}
		return "echoed", nil
	}})

	stream, err := NewEngine(provider, registry).Stream(context.Background(), Request{Messages: []Message{UserText("go")}})
	if err != nil {
		t.Fatal(err)
	}
	chunks := collect(t, stream)

	if gotArgs != `{"v":"x"}` {
		t.Errorf("tool args = %q", gotArgs)
	}
	var result *Chunk
	var last Usage
	for i := range chunks {
		switch chunks[i].Type {
		case ChunkToolCallResult:
			result = &chunks[i]
		case ChunkTokenUsage:
			last = *chunks[i].Use
		}
	}
	if result == nil || result.Output != "echoed" || result.ToolCallID != "c1" {
		t.Fatalf("missing tool result chunk: %+v", chunks)
	}
	if last.InputTokens != 30 || last.OutputTokens != 12 {
		t.Errorf("cumulative usage = %+v, want 30/12", last)
	}
	if chunks[len(chunks)-1].Type != ChunkDone {
		t.Errorf("last chunk = %s, want done", chunks[len(chunks)-1].Type)
	}

	if len(provider.calls) != 2 {
		t.Fatalf("provider called %d times, want 2", len(provider.calls))
	}
	second := provider.calls[1].Messages
	lastMsg := second[len(second)-1]
	if lastMsg.Role != RoleTool || lastMsg.Parts[0].ToolResult.Content != "echoed" {
		t.Errorf("tool result not fed back: %+v", lastMsg)
	}
}

func TestEngineToolErrorKeepsStreaming(t *testing.T) {
	provider := &fakeProvider{script: func(call int, req Request) []Chunk {
		if call == 0 {
			return []Chunk{
				{Type: ChunkToolCallStart, ToolCallID: "c1", ToolName: "fail"},
				{Type: ChunkToolCallArgs, ToolCallID: "c1", ToolName: "fail", Arguments: json.RawMessage(`{}`)},
				DoneChunk(),
			}
		}
		return []Chunk{TextChunk("recovered"), DoneChunk()}
	}}
	registry := NewToolRegistry()
	registry.Register(&fakeTool{name: "fail", execute: func(context.Context, json.RawMessage) (string, error) {
		return "", errors.New("boom")
	}})

	stream, _ := NewEngine(provider, registry).Stream(context.Background(), Request{})
	chunks := collect(t, stream)

	var sawError, sawText bool
	for _, c := range chunks {
		if c.Type == ChunkToolCallError && c.Output == "boom" {
			sawError = true
		}
		if c.Type == ChunkText && c.Text == "recovered" {
			sawText = true
		}
	}
	if !sawError || !sawText {
		t.Fatalf("expected tool error followed by text, got %+v", chunks)
	}
}

func TestEngineUnknownToolReportsError(t *testing.T) {
	provider := &fakeProvider{script: func(call int, req Request) []Chunk {
		if call == 0 {
			return []Chunk{{Type: ChunkToolCallStart, ToolCallID: "c1", ToolName: "missing"}, DoneChunk()}
		}
		return []Chunk{DoneChunk()}
	}}
	stream, _ := NewEngine(provider, nil).Stream(context.Background(), Request{})
	chunks := collect(t, stream)
	found := false
	for _, c := range chunks {
		if c.Type == ChunkToolCallError && strings.Contains(c.Output, "not registered") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected not-registered error, got %+v", chunks)
	}
}

func TestEngineProviderErrorBecomesErrorChunk(t *testing.T) {
	provider := &fakeProvider{script: func(int, Request) []Chunk {
		return []Chunk{TextChunk("partial"), ErrorChunk(errors.New("connection reset"))}
	}}
	stream, _ := NewEngine(provider, nil).Stream(context.Background(), Request{})
	chunks := collect(t, stream)
	last := chunks[len(chunks)-1]
	if last.Type != ChunkError || last.Err == nil || !strings.Contains(last.Err.Error(), "connection reset") {
		t.Fatalf("last chunk = %+v, want error chunk", last)
	}
}

func TestEngineToolEmitterInterleavesChunks(t *testing.T) {
	provider := &fakeProvider{script: func(call int, req Request) []Chunk {
		if call == 0 {
			return []Chunk{{Type: ChunkToolCallStart, ToolCallID: "c1", ToolName: "ask"}, DoneChunk()}
		}
		return []Chunk{DoneChunk()}
	}}
	registry := NewToolRegistry()
	registry.Register(&fakeTool{name: "ask", execute: func(ctx context.Context, _ json.RawMessage) (string, error) {
		if !EmitChunk(ctx, Chunk{Type: ChunkApprovalRequested, ApprovalID: "r1", Command: "ls"}) {
			t.Error("emitter missing from tool context")
		}
		return "ok", nil
	}})

	stream, _ := NewEngine(provider, registry).Stream(context.Background(), Request{})
	got := types(collect(t, stream))
	want := []ChunkType{ChunkToolCallStart, ChunkApprovalRequested, ChunkToolCallResult, ChunkDone}
	if strings.Join(chunkNames(got), ",") != strings.Join(chunkNames(want), ",") {
		t.Fatalf("chunk types = %v, want %v", got, want)
	}
}

func TestChunkStreamCloseStopsProducer(t *testing.T) {
	stopped := make(chan struct{})
	stream := newChunkStream(context.Background(), func(ctx context.Context, out chan<- Chunk) error {
		defer close(stopped)
		for {
			if !send(ctx, out, TextChunk("x")) {
				return ctx.Err()
			}
		}
	})
	if _, err := stream.Recv(); err != nil {
		t.Fatal(err)
	}
	stream.Close()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not stop after Close")
	}
}

func TestUsageCost(t *testing.T) {
	u := Usage{InputTokens: 1_000_000, OutputTokens: 500_000}
	if got := u.Cost(3, 15); got != 10.5 {
		t.Fatalf("Cost = %v, want 10.5", got)
	}
}
