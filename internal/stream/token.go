package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

// CancelToken is the shared stop flag between a Record and its stream loop.
// The loop polls Cancelled at the top of every iteration; only the owning
// side calls Cancel.
type CancelToken struct {
	flag atomic.Bool
	once sync.Once
	done chan struct{}
}

func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel sets the flag. Safe to call more than once.
func (t *CancelToken) Cancel() {
	t.flag.Store(true)
	t.once.Do(func() { close(t.done) })
}

func (t *CancelToken) Cancelled() bool {
	return t.flag.Load()
}

// Done is closed once Cancel has been called.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

// Task is the handle to a running stream loop. Dropping it cancels the
// loop's context, which aborts network I/O and approval waits; it is the
// backstop behind the cooperative CancelToken.
type Task struct {
	cancel     context.CancelFunc
	finished   chan struct{}
	finishOnce sync.Once
	dropped    atomic.Bool
}

// NewTask derives the context the loop must run under.
func NewTask(parent context.Context) (context.Context, *Task) {
	ctx, cancel := context.WithCancel(parent)
	return ctx, &Task{cancel: cancel, finished: make(chan struct{})}
}

// Finish is called by the loop when it exits.
func (t *Task) Finish() {
	t.finishOnce.Do(func() {
		close(t.finished)
		t.cancel()
	})
}

// Finished is closed once the loop has exited.
func (t *Task) Finished() <-chan struct{} {
	return t.finished
}

// Drop cancels the loop's context.
func (t *Task) Drop() {
	if t == nil {
		return
	}
	t.dropped.Store(true)
	t.cancel()
}

// Dropped reports whether the backstop was used.
func (t *Task) Dropped() bool {
	return t != nil && t.dropped.Load()
}
