package conversation

import (
	"strings"
	"sync"
)

// Drafts holds the text of responses that are still streaming, keyed by
// conversation. It is the only place a response accumulates before it is
// finalized into a stored message.
type Drafts struct {
	mu      sync.Mutex
	buffers map[string]*strings.Builder
}

func NewDrafts() *Drafts {
	return &Drafts{buffers: make(map[string]*strings.Builder)}
}

// AppendStreamingContent appends text to key's draft, starting one if needed.
func (d *Drafts) AppendStreamingContent(key, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[key]
	if !ok {
		b = &strings.Builder{}
		d.buffers[key] = b
	}
	b.WriteString(text)
}

// FinalizeResponse returns key's accumulated text and clears the draft.
func (d *Drafts) FinalizeResponse(key string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[key]
	if !ok {
		return ""
	}
	delete(d.buffers, key)
	return b.String()
}

// SetStreamingMessage replaces key's draft; nil clears it.
func (d *Drafts) SetStreamingMessage(key string, content *string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if content == nil {
		delete(d.buffers, key)
		return
	}
	b := &strings.Builder{}
	b.WriteString(*content)
	d.buffers[key] = b
}

// StreamingMessage returns key's draft, if one exists.
func (d *Drafts) StreamingMessage(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[key]
	if !ok {
		return "", false
	}
	return b.String(), true
}

// Rename moves the draft under from to to. Text already under from comes
// first; anything that arrived under to is kept after it.
func (d *Drafts) Rename(from, to string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	src, ok := d.buffers[from]
	if !ok || from == to {
		return
	}
	delete(d.buffers, from)
	if dst, ok := d.buffers[to]; ok {
		src.WriteString(dst.String())
	}
	d.buffers[to] = src
}
