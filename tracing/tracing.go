// Package tracing carries trace and organization IDs on contexts so statement logs
// and published changes can be correlated.
package tracing

import (
	"context"

	"github.com/birdie-ai/modelkit/slog"
	"github.com/google/uuid"
)

// Ensure returns a context that carries a trace ID together with the trace ID itself.
// When ctx has no trace ID a new UUID is generated. The returned context also carries a
// slog.Logger with `trace_id` added to it, use slog.FromCtx(ctx) to retrieve it.
func Ensure(ctx context.Context) (context.Context, string) {
	if traceid, ok := CtxGetTraceID(ctx); ok && traceid != "" {
		return ctx, traceid
	}
	traceid := uuid.NewString()
	ctx = CtxWithTraceID(ctx, traceid)

	log := slog.FromCtx(ctx).With("trace_id", traceid)
	return slog.NewContext(ctx, log), traceid
}

// CtxWithTraceID creates a new [context.Context] with the given trace ID associated with it.
// Call [CtxGetTraceID] to retrieve the trace ID.
func CtxWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// CtxGetTraceID gets the trace ID associated with this context.
// Return the trace ID and true if there is a trace ID, empty and false otherwise.
func CtxGetTraceID(ctx context.Context) (string, bool) {
	return ctxget(ctx, traceIDKey)
}

// CtxWithOrgID creates a new [context.Context] with the given organization ID associated with it.
// Call [CtxGetOrgID] to retrieve the organization ID.
func CtxWithOrgID(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, orgIDKey, orgID)
}

// CtxGetOrgID gets the organization ID associated with this context.
// Return the organization ID and true if there is one, empty and false otherwise.
func CtxGetOrgID(ctx context.Context) (string, bool) {
	return ctxget(ctx, orgIDKey)
}

// key is the type used to store data on contexts.
type key int

const (
	traceIDKey key = iota
	orgIDKey
)

func ctxget(ctx context.Context, k key) (string, bool) {
	val := ctx.Value(k)
	if val == nil {
		return "", false
	}
	str, ok := val.(string)
	if !ok {
		return "", false
	}
	return str, true
}
