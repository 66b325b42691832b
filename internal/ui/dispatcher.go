package ui

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/samsaffron/chatty/internal/stream"
)

// View renders the conversation currently on screen.
type View interface {
	StreamStarted(key string)
	AppendText(text string)
	ToolStarted(id, name string)
	ToolInput(id, name string, args []byte)
	ToolFinished(id, name, output string, failed bool)
	ApprovalRequested(e stream.ApprovalRequested)
	ApprovalResolved(e stream.ApprovalResolved)
	Usage(input, output int)
	StreamEnded(e stream.StreamEnded)
}

// Dispatcher demultiplexes stream events. Bookkeeping (which conversations
// are streaming, end-of-stream hooks) happens for every event; rendering
// happens only for the displayed conversation.
type Dispatcher struct {
	view View

	mu        sync.Mutex
	displayed string
	streaming map[string]bool
	onEnded   []func(stream.StreamEnded)
}

var _ stream.Handler = (*Dispatcher)(nil)

func NewDispatcher(view View) *Dispatcher {
	return &Dispatcher{view: view, streaming: make(map[string]bool)}
}

// Show switches the displayed conversation.
func (d *Dispatcher) Show(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.displayed = key
}

func (d *Dispatcher) Displayed() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.displayed
}

// Streaming lists the conversations with an active stream, sorted.
func (d *Dispatcher) Streaming() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.streaming))
	for k := range d.streaming {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OnEnded registers fn to run for every StreamEnded, displayed or not.
func (d *Dispatcher) OnEnded(fn func(stream.StreamEnded)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onEnded = append(d.onEnded, fn)
}

// Run dispatches events from sub until it closes or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, sub *stream.Subscription) error {
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return nil
			}
			d.Dispatch(e)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Dispatch handles one event. Events must be dispatched from one goroutine.
func (d *Dispatcher) Dispatch(e stream.Event) {
	e.Dispatch(d)
}

func (d *Dispatcher) shows(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return key == d.displayed
}

func (d *Dispatcher) OnStreamStarted(e stream.StreamStarted) {
	d.mu.Lock()
	d.streaming[e.ConversationID] = true
	d.mu.Unlock()
	if d.shows(e.ConversationID) {
		d.view.StreamStarted(e.ConversationID)
	}
}

// OnStreamPromoted moves the pending stream, and the view if it was showing
// it, to the conversation it now belongs to.
func (d *Dispatcher) OnStreamPromoted(e stream.StreamPromoted) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.streaming, stream.PendingKey)
	d.streaming[e.ConversationID] = true
	if d.displayed == stream.PendingKey {
		d.displayed = e.ConversationID
	}
}

func (d *Dispatcher) OnTextChunk(e stream.TextChunk) {
	if d.shows(e.ConversationID) {
		d.view.AppendText(e.Text)
	}
}

func (d *Dispatcher) OnToolCallStarted(e stream.ToolCallStarted) {
	if d.shows(e.ConversationID) {
		d.view.ToolStarted(e.ToolCallID, e.ToolName)
	}
}

func (d *Dispatcher) OnToolCallInput(e stream.ToolCallInput) {
	if d.shows(e.ConversationID) {
		d.view.ToolInput(e.ToolCallID, e.ToolName, e.Arguments)
	}
}

func (d *Dispatcher) OnToolCallResult(e stream.ToolCallResult) {
	if d.shows(e.ConversationID) {
		d.view.ToolFinished(e.ToolCallID, e.ToolName, e.Output, false)
	}
}

func (d *Dispatcher) OnToolCallError(e stream.ToolCallError) {
	if d.shows(e.ConversationID) {
		d.view.ToolFinished(e.ToolCallID, e.ToolName, e.Error, true)
	}
}

func (d *Dispatcher) OnApprovalRequested(e stream.ApprovalRequested) {
	if d.shows(e.ConversationID) {
		d.view.ApprovalRequested(e)
	}
}

func (d *Dispatcher) OnApprovalResolved(e stream.ApprovalResolved) {
	if d.shows(e.ConversationID) {
		d.view.ApprovalResolved(e)
	}
}

func (d *Dispatcher) OnTokenUsage(e stream.TokenUsage) {
	if d.shows(e.ConversationID) {
		d.view.Usage(e.InputTokens, e.OutputTokens)
	}
}

func (d *Dispatcher) OnStreamEnded(e stream.StreamEnded) {
	d.mu.Lock()
	delete(d.streaming, e.ConversationID)
	hooks := slices.Clone(d.onEnded)
	d.mu.Unlock()

	if d.shows(e.ConversationID) {
		d.view.StreamEnded(e)
	}
	for _, fn := range hooks {
		fn(e)
	}
}
