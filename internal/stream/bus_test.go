package stream

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/samsaffron/chatty/internal/llm"
)

func receive(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed after %d of %d events", len(out), n)
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestBusDeliversInOrderToEverySubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	subs := []*Subscription{bus.Subscribe(), bus.Subscribe()}

	const n = 500
	for i := 0; i < n; i++ {
		bus.Publish(TextChunk{ConversationID: "A", Text: fmt.Sprint(i)})
	}

	for si, sub := range subs {
		events := receive(t, sub, n)
		for i, e := range events {
			if got := e.(TextChunk).Text; got != fmt.Sprint(i) {
				t.Fatalf("subscriber %d event %d = %q, want %d", si, i, got, i)
			}
		}
	}
}

func TestBusPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	_ = bus.Subscribe() // never read

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			bus.Publish(StreamStarted{ConversationID: "A"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on an idle subscriber")
	}
}

func TestBusCloseDrainsThenClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	bus.Publish(StreamStarted{ConversationID: "A"})
	bus.Publish(StreamEnded{ConversationID: "A", Status: StatusCompleted})
	bus.Close()

	events := receive(t, sub, 2)
	if _, ok := events[1].(StreamEnded); !ok {
		t.Fatalf("second event %T, want StreamEnded", events[1])
	}
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after bus Close")
	}

	late := bus.Subscribe()
	select {
	case _, ok := <-late.Events():
		if ok {
			t.Fatal("subscription after Close should be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("late subscription not closed")
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	sub := bus.Subscribe()
	sub.Unsubscribe()
	sub.Unsubscribe()
	bus.Publish(StreamStarted{ConversationID: "A"})

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("received event after Unsubscribe")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after Unsubscribe")
	}
}

type countingHandler struct {
	mu     sync.Mutex
	counts map[string]int
}

func (h *countingHandler) inc(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.counts == nil {
		h.counts = make(map[string]int)
	}
	h.counts[name]++
}

func (h *countingHandler) OnStreamStarted(StreamStarted)         { h.inc("started") }
func (h *countingHandler) OnStreamPromoted(StreamPromoted)       { h.inc("promoted") }
func (h *countingHandler) OnTextChunk(TextChunk)                 { h.inc("text") }
func (h *countingHandler) OnToolCallStarted(ToolCallStarted)     { h.inc("tool_started") }
func (h *countingHandler) OnToolCallInput(ToolCallInput)         { h.inc("tool_input") }
func (h *countingHandler) OnToolCallResult(ToolCallResult)       { h.inc("tool_result") }
func (h *countingHandler) OnToolCallError(ToolCallError)         { h.inc("tool_error") }
func (h *countingHandler) OnApprovalRequested(ApprovalRequested) { h.inc("approval_requested") }
func (h *countingHandler) OnApprovalResolved(ApprovalResolved)   { h.inc("approval_resolved") }
func (h *countingHandler) OnTokenUsage(TokenUsage)               { h.inc("usage") }
func (h *countingHandler) OnStreamEnded(StreamEnded)             { h.inc("ended") }

func TestEventDispatchReachesMatchingHandler(t *testing.T) {
	events := []Event{
		StreamStarted{}, StreamPromoted{}, TextChunk{}, ToolCallStarted{}, ToolCallInput{}, ToolCallResult{},
		ToolCallError{}, ApprovalRequested{}, ApprovalResolved{}, TokenUsage{}, StreamEnded{},
	}
	h := &countingHandler{}
	for _, e := range events {
		e.Dispatch(h)
	}
	if len(h.counts) != len(events) {
		t.Fatalf("dispatched to %d handlers, want %d: %v", len(h.counts), len(events), h.counts)
	}
	for name, n := range h.counts {
		if n != 1 {
			t.Errorf("%s called %d times", name, n)
		}
	}
}

func TestTranslateSkipsEmptyText(t *testing.T) {
	if _, ok := translate("A", llm.TextChunk("")); ok {
		t.Error("empty text should not produce an event")
	}
	if _, ok := translate("A", llm.Chunk{Type: llm.ChunkTokenUsage}); ok {
		t.Error("usage chunk without usage should not produce an event")
	}
}
