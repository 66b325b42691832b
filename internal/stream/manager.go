package stream

import (
	"encoding/json"

	"github.com/samsaffron/chatty/internal/llm"
)

// Manager is the coordination goroutine that owns a Registry. Commands are
// closures executed one at a time in submission order; stream loops post
// their chunks here and UI code sends stop requests here. Events leave
// through the Bus.
type Manager struct {
	registry *Registry
	bus      *Bus
	commands *queue[func(*Registry)]
	stopped  chan struct{}
}

// NewManager starts the coordination goroutine. Call Close to stop it.
func NewManager(bus *Bus, opts ...Option) *Manager {
	m := &Manager{
		registry: NewRegistry(bus, opts...),
		bus:      bus,
		commands: newQueue[func(*Registry)](),
		stopped:  make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.stopped)
	for {
		fn, ok := m.commands.pop(nil)
		if !ok {
			return
		}
		fn(m.registry)
	}
}

// Bus returns the event bus the registry publishes to.
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Post queues fn without waiting. Returns false after Close.
func (m *Manager) Post(fn func(*Registry)) bool {
	return m.commands.push(fn)
}

// Do runs fn on the coordination goroutine and waits for it. It must not be
// called from inside another command.
func (m *Manager) Do(fn func(*Registry)) bool {
	done := make(chan struct{})
	if !m.commands.push(func(r *Registry) {
		defer close(done)
		fn(r)
	}) {
		return false
	}
	<-done
	return true
}

// Close stops accepting commands, runs the queued ones and waits.
func (m *Manager) Close() {
	m.commands.close()
	<-m.stopped
}

func (m *Manager) Register(key string, task *Task, token *CancelToken) error {
	err := ErrClosed
	m.Do(func(r *Registry) { err = r.Register(key, task, token) })
	return err
}

func (m *Manager) RegisterPending(task *Task, resolution *PendingResolution, token *CancelToken) error {
	err := ErrClosed
	m.Do(func(r *Registry) { err = r.RegisterPending(task, resolution, token) })
	return err
}

func (m *Manager) PromotePending(realKey string) error {
	err := ErrClosed
	m.Do(func(r *Registry) { err = r.PromotePending(realKey) })
	return err
}

// HandleChunk is asynchronous; chunks are applied in the order posted.
func (m *Manager) HandleChunk(key string, chunk llm.Chunk) {
	m.Post(func(r *Registry) { r.HandleChunk(key, chunk) })
}

func (m *Manager) SetTrace(key string, trace json.RawMessage) {
	m.Post(func(r *Registry) { r.SetTrace(key, trace) })
}

func (m *Manager) Finalize(key string, status Status) bool {
	var ok bool
	m.Do(func(r *Registry) { ok = r.Finalize(key, status) })
	return ok
}

func (m *Manager) Stop(key string) bool {
	var ok bool
	m.Do(func(r *Registry) { ok = r.Stop(key) })
	return ok
}

func (m *Manager) CancelPending() bool {
	var ok bool
	m.Do(func(r *Registry) { ok = r.CancelPending() })
	return ok
}

func (m *Manager) StopAll() int {
	var n int
	m.Do(func(r *Registry) { n = r.StopAll() })
	return n
}

// IsStreaming reads the registry directly; it does not wait for queued
// commands.
func (m *Manager) IsStreaming(key string) bool {
	return m.registry.IsStreaming(key)
}

func (m *Manager) HasActiveStreams() bool {
	return m.registry.HasActiveStreams()
}

func (m *Manager) ActiveKeys() []string {
	return m.registry.ActiveKeys()
}
