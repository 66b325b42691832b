package testutil

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/samsaffron/chatty/internal/llm"
)

// ScriptedProvider replays one chunk script per model turn. Once the script
// runs out every further turn yields a bare Done.
type ScriptedProvider struct {
	Turns [][]llm.Chunk

	// Pause, when set, is received from before each chunk so a test can
	// release the stream one chunk at a time.
	Pause <-chan struct{}

	mu       sync.Mutex
	requests []llm.Request
}

func NewScriptedProvider(turns ...[]llm.Chunk) *ScriptedProvider {
	return &ScriptedProvider{Turns: turns}
}

func (p *ScriptedProvider) Name() string { return "scripted" }

func (p *ScriptedProvider) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	p.mu.Lock()
	turn := len(p.requests)
	p.requests = append(p.requests, req)
	var chunks []llm.Chunk
	if turn < len(p.Turns) {
		chunks = p.Turns[turn]
	} else {
		chunks = []llm.Chunk{llm.DoneChunk()}
	}
	p.mu.Unlock()
	return &scriptedStream{ctx: ctx, chunks: chunks, pause: p.Pause}, nil
}

// Requests returns every request the provider has seen.
func (p *ScriptedProvider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

type scriptedStream struct {
	ctx    context.Context
	chunks []llm.Chunk
	pause  <-chan struct{}
	pos    int
}

func (s *scriptedStream) Recv() (llm.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return llm.Chunk{}, io.EOF
	}
	if s.pause != nil {
		select {
		case <-s.pause:
		case <-s.ctx.Done():
			return llm.Chunk{}, s.ctx.Err()
		}
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *scriptedStream) Close() error { return nil }

// ToolCall returns the ToolCallStart chunk for a call with the given args.
func ToolCall(id, name string, args any) llm.Chunk {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return llm.Chunk{Type: llm.ChunkToolCallStart, ToolCallID: id, ToolName: name, Arguments: raw}
}
