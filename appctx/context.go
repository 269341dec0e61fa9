package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
// It lives in its own package so config, utils and workflow can share it.
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyCorrelationId   = ContextKey("CorrelationId")
	ContextKeyWorkerId        = ContextKey("WorkerId")
	ContextKeyEventSource     = ContextKey("EventSource")
	ContextKeyDeliveryAttempt = ContextKey("DeliveryAttempt")
	ContextKeyUserId          = ContextKey("UserId")

	// ContextKeyIsAdmin is true for ops users allowed to call replay endpoints.
	ContextKeyIsAdmin = ContextKey("IsAdmin")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetBool(ctx context.Context, key ContextKey) (bool, bool) {
	v, ok := ctx.Value(key).(bool)
	return v, ok
}

func GetInt(ctx context.Context, key ContextKey) (int, bool) {
	v, ok := ctx.Value(key).(int)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}
