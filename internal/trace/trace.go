// Package trace records what happened to each tool call in a stream so the
// final assistant message can carry it.
package trace

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/samsaffron/chatty/internal/llm"
)

// ToolStatus is the execution state of a tool call.
type ToolStatus int

const (
	ToolRunning ToolStatus = iota
	ToolPendingApproval
	ToolSuccess
	ToolError
	ToolCancelled
)

func (s ToolStatus) String() string {
	switch s {
	case ToolRunning:
		return "running"
	case ToolPendingApproval:
		return "pending_approval"
	case ToolSuccess:
		return "success"
	case ToolError:
		return "error"
	case ToolCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s ToolStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ToolStatus) UnmarshalText(b []byte) error {
	for _, v := range []ToolStatus{ToolRunning, ToolPendingApproval, ToolSuccess, ToolError, ToolCancelled} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown tool status %q", b)
}

// Terminal reports whether the call has finished one way or another.
func (s ToolStatus) Terminal() bool {
	return s == ToolSuccess || s == ToolError || s == ToolCancelled
}

// ToolCall is one tool invocation as seen from the stream.
type ToolCall struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input,omitempty"`
	Status   ToolStatus      `json:"status"`
	Error    string          `json:"error,omitempty"`
	Output   string          `json:"output,omitempty"`
	Command  string          `json:"command,omitempty"`
	Approved *bool           `json:"approved,omitempty"`
	Duration time.Duration   `json:"duration_ns"`

	started time.Time
}

// Payload is the JSON shape stored with a finished response.
type Payload struct {
	ToolCalls []ToolCall `json:"tool_calls"`
}

// Collector builds ToolCalls from the chunks of one stream.
type Collector struct {
	mu    sync.Mutex
	calls []*ToolCall
	byID  map[string]*ToolCall
	now   func() time.Time
}

func NewCollector() *Collector {
	return &Collector{byID: make(map[string]*ToolCall), now: time.Now}
}

// Observe folds one chunk into the trace. Non-tool chunks are ignored.
func (c *Collector) Observe(chunk llm.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch chunk.Type {
	case llm.ChunkToolCallStart:
		call := c.call(chunk.ToolCallID, chunk.ToolName)
		if len(chunk.Arguments) > 0 {
			call.Input = append(json.RawMessage(nil), chunk.Arguments...)
		}
	case llm.ChunkToolCallArgs:
		call := c.call(chunk.ToolCallID, chunk.ToolName)
		call.Input = append(json.RawMessage(nil), chunk.Arguments...)
	case llm.ChunkApprovalRequested:
		call := c.call(chunk.ToolCallID, chunk.ToolName)
		call.Status = ToolPendingApproval
		call.Command = chunk.Command
	case llm.ChunkApprovalResolved:
		call := c.call(chunk.ToolCallID, chunk.ToolName)
		approved := chunk.Approved
		call.Approved = &approved
		if approved && call.Status == ToolPendingApproval {
			call.Status = ToolRunning
		}
	case llm.ChunkToolCallResult:
		call := c.call(chunk.ToolCallID, chunk.ToolName)
		c.finish(call, ToolSuccess)
		call.Output = chunk.Output
	case llm.ChunkToolCallError:
		call := c.call(chunk.ToolCallID, chunk.ToolName)
		c.finish(call, ToolError)
		call.Error = chunk.Output
	}
}

// Cancel marks every unfinished call as cancelled.
func (c *Collector) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if !call.Status.Terminal() {
			c.finish(call, ToolCancelled)
		}
	}
}

// Calls returns a snapshot in the order calls started.
func (c *Collector) Calls() []ToolCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolCall, len(c.calls))
	for i, call := range c.calls {
		out[i] = *call
	}
	return out
}

// HasPending reports whether any call is still waiting or running.
func (c *Collector) HasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if !call.Status.Terminal() {
			return true
		}
	}
	return false
}

// Payload encodes the trace, or returns nil when no tools were called.
func (c *Collector) Payload() (json.RawMessage, error) {
	calls := c.Calls()
	if len(calls) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(Payload{ToolCalls: calls})
	if err != nil {
		return nil, fmt.Errorf("encode trace: %w", err)
	}
	return data, nil
}

// Decode parses a payload produced by Collector.Payload.
func Decode(data json.RawMessage) (Payload, error) {
	var p Payload
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode trace: %w", err)
	}
	return p, nil
}

func (c *Collector) call(id, name string) *ToolCall {
	if call, ok := c.byID[id]; ok {
		if call.Name == "" {
			call.Name = name
		}
		return call
	}
	call := &ToolCall{ID: id, Name: name, Status: ToolRunning, started: c.now()}
	c.byID[id] = call
	c.calls = append(c.calls, call)
	return call
}

func (c *Collector) finish(call *ToolCall, status ToolStatus) {
	if call.Status.Terminal() {
		return
	}
	call.Status = status
	call.Duration = c.now().Sub(call.started)
}
