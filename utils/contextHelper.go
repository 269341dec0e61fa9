package utils

import (
	"context"

	"github.com/mmdatafocus/inventory_events/appctx"
)

var (
	ContextKeyCorrelationId   = appctx.ContextKeyCorrelationId
	ContextKeyWorkerId        = appctx.ContextKeyWorkerId
	ContextKeyEventSource     = appctx.ContextKeyEventSource
	ContextKeyDeliveryAttempt = appctx.ContextKeyDeliveryAttempt
	ContextKeyUserId          = appctx.ContextKeyUserId
	ContextKeyIsAdmin         = appctx.ContextKeyIsAdmin
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetWorkerIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyWorkerId)
}

func SetWorkerIdInContext(ctx context.Context, workerId string) context.Context {
	return appctx.Set(ctx, ContextKeyWorkerId, workerId)
}

func GetEventSourceFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyEventSource)
}

func SetEventSourceInContext(ctx context.Context, source string) context.Context {
	return appctx.Set(ctx, ContextKeyEventSource, source)
}

func GetDeliveryAttemptFromContext(ctx context.Context) (int, bool) {
	return appctx.GetInt(ctx, ContextKeyDeliveryAttempt)
}

func SetDeliveryAttemptInContext(ctx context.Context, attempt int) context.Context {
	return appctx.Set(ctx, ContextKeyDeliveryAttempt, attempt)
}

func GetUserIdFromContext(ctx context.Context) (int, bool) {
	return appctx.GetInt(ctx, ContextKeyUserId)
}

func SetUserIdInContext(ctx context.Context, userId int) context.Context {
	return appctx.Set(ctx, ContextKeyUserId, userId)
}

func GetIsAdminFromContext(ctx context.Context) (bool, bool) {
	return appctx.GetBool(ctx, ContextKeyIsAdmin)
}

func SetIsAdminInContext(ctx context.Context, isAdmin bool) context.Context {
	return appctx.Set(ctx, ContextKeyIsAdmin, isAdmin)
}

// DeliveryFieldsFromContext returns the delivery values set on ctx, keyed the
// way log lines carry them. Unset values are left out.
func DeliveryFieldsFromContext(ctx context.Context) map[string]any {
	fields := map[string]any{}
	if v, ok := GetCorrelationIdFromContext(ctx); ok && v != "" {
		fields["correlation_id"] = v
	}
	if v, ok := GetWorkerIdFromContext(ctx); ok && v != "" {
		fields["worker_id"] = v
	}
	if v, ok := GetEventSourceFromContext(ctx); ok && v != "" {
		fields["event_source"] = v
	}
	if v, ok := GetDeliveryAttemptFromContext(ctx); ok {
		fields["delivery_attempt"] = v
	}
	return fields
}
