// Package requestctx provides request-scoped values (e.g. caller identity)
// set by middleware and read by handlers.
package requestctx

import "context"

type contextKey struct{ name string }

var callerKey = &contextKey{"caller"}

// SetCaller stores the authenticated caller name in the context.
func SetCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// Caller returns the caller name from context, or "" if not set.
func Caller(ctx context.Context) string {
	v, _ := ctx.Value(callerKey).(string)
	return v
}
