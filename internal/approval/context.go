package approval

import "context"

type contextKey string

const (
	conversationKey contextKey = "approval_conversation"
	stopperKey      contextKey = "approval_stopper"
)

// WithConversation records which conversation owns tool calls made under
// ctx. keyFn is consulted at request time because a provisional stream can be
// renamed while it runs.
func WithConversation(ctx context.Context, keyFn func() string) context.Context {
	return context.WithValue(ctx, conversationKey, keyFn)
}

// ConversationFromContext returns the owning conversation key, or "".
func ConversationFromContext(ctx context.Context) string {
	if fn, ok := ctx.Value(conversationKey).(func() string); ok && fn != nil {
		return fn()
	}
	return ""
}

// WithStopper attaches the function DenyAndStop uses to stop the owning stream.
func WithStopper(ctx context.Context, stop func()) context.Context {
	return context.WithValue(ctx, stopperKey, stop)
}

func stopperFromContext(ctx context.Context) func() {
	if fn, ok := ctx.Value(stopperKey).(func()); ok {
		return fn
	}
	return nil
}
