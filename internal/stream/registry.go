package stream

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/samsaffron/chatty/internal/llm"
)

// PendingKey files a stream whose conversation does not exist yet.
const PendingKey = "__pending__"

var (
	ErrAlreadyStreaming   = errors.New("conversation already has an active stream")
	ErrPendingOutstanding = errors.New("a pending stream is already registered")
	ErrNoPendingStream    = errors.New("no pending stream to promote")
	ErrReservedKey        = errors.New("key is reserved for pending streams")
	ErrClosed             = errors.New("stream manager is closed")
)

// PendingResolution maps the pending stream to the conversation id once the
// conversation has been created. Shared between the creator and the loop.
type PendingResolution struct {
	mu sync.Mutex
	id string
}

func NewPendingResolution() *PendingResolution {
	return &PendingResolution{}
}

// Set records the real conversation id. Later calls are ignored.
func (p *PendingResolution) Set(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.id == "" {
		p.id = id
	}
}

func (p *PendingResolution) Get() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id, p.id != ""
}

// Key returns the real id if known, otherwise PendingKey.
func (p *PendingResolution) Key() string {
	if id, ok := p.Get(); ok {
		return id
	}
	return PendingKey
}

// Record is the state of one stream.
type Record struct {
	Status Status
	Usage  *llm.Usage
	Trace  json.RawMessage

	task       *Task
	token      *CancelToken
	resolution *PendingResolution
}

// Token returns the record's cancel token.
func (r *Record) Token() *CancelToken {
	return r.token
}

// Registry owns every Record. Mutations are expected from a single goroutine
// (see Manager); IsStreaming and the other queries may run concurrently.
// Every mutation is one step under the lock and publishes its events before
// releasing it, so subscribers observe mutations in order.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	events  Publisher
	onStop  StopHook
}

// StopHook runs when a stream is stopped, before its StreamEnded. keys holds
// the key the stop was requested for and, if different, the key the stream is
// filed under. The returned chunks are published for the stream first; the
// approval gate uses this to resolve requests the stream was waiting on.
type StopHook func(keys ...string) []llm.Chunk

// Option configures a Registry.
type Option func(*Registry)

// WithStopHook installs fn as the registry's StopHook.
func WithStopHook(fn StopHook) Option {
	return func(r *Registry) { r.onStop = fn }
}

func NewRegistry(events Publisher, opts ...Option) *Registry {
	r := &Registry{
		records: make(map[string]*Record),
		events:  events,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// lookup finds the record for key. A pending record whose resolution already
// names key is found as well, so callers racing a promotion still hit it.
// Returns the key the record is filed under.
func (r *Registry) lookup(key string) (string, *Record) {
	if rec, ok := r.records[key]; ok {
		return key, rec
	}
	if key == PendingKey {
		return "", nil
	}
	if rec, ok := r.records[PendingKey]; ok && rec.resolution != nil {
		if id, ok := rec.resolution.Get(); ok && id == key {
			return PendingKey, rec
		}
	}
	return "", nil
}

func (r *Registry) publish(e Event) {
	if r.events != nil {
		r.events.Publish(e)
	}
}

// Register files a new stream under key and emits StreamStarted.
func (r *Registry) Register(key string, task *Task, token *CancelToken) error {
	if key == PendingKey {
		return ErrReservedKey
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, rec := r.lookup(key); rec != nil {
		return ErrAlreadyStreaming
	}
	r.records[key] = &Record{Status: StatusActive, task: task, token: token}
	r.publish(StreamStarted{ConversationID: key})
	return nil
}

// RegisterPending files a stream under PendingKey and emits
// StreamStarted(PendingKey).
func (r *Registry) RegisterPending(task *Task, resolution *PendingResolution, token *CancelToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[PendingKey]; ok {
		return ErrPendingOutstanding
	}
	r.records[PendingKey] = &Record{Status: StatusActive, task: task, token: token, resolution: resolution}
	r.publish(StreamStarted{ConversationID: PendingKey})
	return nil
}

// PromotePending renames the pending record to realKey and emits
// StreamPromoted(realKey). The record keeps its token and task.
func (r *Registry) PromotePending(realKey string) error {
	if realKey == PendingKey || realKey == "" {
		return ErrReservedKey
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[PendingKey]
	if !ok {
		return ErrNoPendingStream
	}
	if _, exists := r.records[realKey]; exists {
		return ErrAlreadyStreaming
	}
	if rec.resolution != nil {
		rec.resolution.Set(realKey)
	}
	delete(r.records, PendingKey)
	rec.resolution = nil
	r.records[realKey] = rec
	r.publish(StreamPromoted{ConversationID: realKey})
	return nil
}

// HandleChunk publishes the event for chunk, if any. Chunks for streams that
// are no longer registered are dropped. Text is not retained here.
func (r *Registry) HandleChunk(key string, chunk llm.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, rec := r.lookup(key)
	if rec == nil {
		slog.Debug("dropping chunk for inactive stream", "key", key, "type", chunk.Type)
		return
	}
	if chunk.Type == llm.ChunkTokenUsage && chunk.Use != nil {
		use := *chunk.Use
		rec.Usage = &use
	}
	if e, ok := translate(key, chunk); ok {
		r.publish(e)
	}
}

// SetTrace attaches the trace payload reported with StreamEnded.
func (r *Registry) SetTrace(key string, trace json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, rec := r.lookup(key); rec != nil {
		rec.Trace = trace
	}
}

// Finalize marks the stream terminal, emits StreamEnded and removes the
// record. Returns false if there was nothing to finalize.
func (r *Registry) Finalize(key string, status Status) bool {
	if !status.Terminal() {
		slog.Error("finalize called with non-terminal status", "key", key, "status", status)
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	filed, rec := r.lookup(key)
	if rec == nil {
		slog.Warn("finalize: no active stream", "key", key, "status", status)
		return false
	}
	r.end(key, filed, rec, status)
	return true
}

// Stop cancels the stream: the token is set, the record becomes Cancelled,
// StreamEnded is emitted and the task is dropped. Stopping a key with no
// active stream is a no-op.
func (r *Registry) Stop(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	filed, rec := r.lookup(key)
	if rec == nil {
		return false
	}
	r.stop(key, filed, rec)
	return true
}

// CancelPending stops the pending stream.
func (r *Registry) CancelPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[PendingKey]
	if !ok {
		return false
	}
	r.stop(PendingKey, PendingKey, rec)
	return true
}

// StopAll stops every stream and returns how many were stopped.
func (r *Registry) StopAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := r.sortedKeys()
	for _, key := range keys {
		r.stop(key, key, r.records[key])
	}
	return len(keys)
}

func (r *Registry) stop(key, filed string, rec *Record) {
	if rec.token != nil {
		rec.token.Cancel()
	}
	if r.onStop != nil {
		keys := []string{key}
		if filed != key {
			keys = append(keys, filed)
		}
		for _, chunk := range r.onStop(keys...) {
			if e, ok := translate(key, chunk); ok {
				r.publish(e)
			}
		}
	}
	r.end(key, filed, rec, StatusCancelled)
	rec.task.Drop()
}

func (r *Registry) end(key, filed string, rec *Record, status Status) {
	rec.Status = status
	delete(r.records, filed)
	r.publish(StreamEnded{
		ConversationID: key,
		Status:         status,
		Usage:          rec.Usage,
		Trace:          rec.Trace,
	})
}

// IsStreaming reports whether key has an active stream, resolving the
// pending stream through its resolution.
func (r *Registry) IsStreaming(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, rec := r.lookup(key)
	return rec != nil
}

func (r *Registry) HasActiveStreams() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records) > 0
}

// ActiveKeys returns the keys of all active streams, sorted.
func (r *Registry) ActiveKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedKeys()
}

// Owns reports whether key's active record uses token. Stream loops use it so
// a stale loop never feeds a newer stream registered under the same key.
func (r *Registry) Owns(key string, token *CancelToken) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, rec := r.lookup(key)
	return rec != nil && rec.token == token
}

func (r *Registry) sortedKeys() []string {
	keys := make([]string, 0, len(r.records))
	for k := range r.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
