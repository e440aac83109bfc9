package activation

import (
	"context"
	"time"
)

type accessTimeoutCtxKey struct{}

// WithAccessTimeout returns context with access timeout that overrides home configuration.
//
// Negative value (WaitIndefinitely) waits until a busy instance is released, zero fails immediately.
func WithAccessTimeout(ctx context.Context, timeout time.Duration) context.Context {
	return context.WithValue(ctx, accessTimeoutCtxKey{}, timeout)
}

// AccessTimeout returns access timeout from context and true if it was set.
func AccessTimeout(ctx context.Context) (time.Duration, bool) {
	timeout, ok := ctx.Value(accessTimeoutCtxKey{}).(time.Duration)

	return timeout, ok
}
