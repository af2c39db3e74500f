package tracing_test

import (
	"context"
	"testing"

	"github.com/birdie-ai/modelkit/tracing"
)

func TestEnsure(t *testing.T) {
	ctx, traceID := tracing.Ensure(context.Background())
	if traceID == "" {
		t.Fatal("want generated trace ID")
	}
	got, ok := tracing.CtxGetTraceID(ctx)
	if !ok || got != traceID {
		t.Fatalf("got (%q, %v); want %q", got, ok, traceID)
	}

	ctx2, traceID2 := tracing.Ensure(ctx)
	if traceID2 != traceID || ctx2 != ctx {
		t.Fatalf("existing trace ID must be kept, got %q; want %q", traceID2, traceID)
	}
}

func TestCtxWithOrgID(t *testing.T) {
	ctx := context.Background()
	if got, ok := tracing.CtxGetOrgID(ctx); ok {
		t.Fatalf("unexpected org id: %q", got)
	}
	ctx = tracing.CtxWithOrgID(ctx, "org")
	if got, ok := tracing.CtxGetOrgID(ctx); !ok || got != "org" {
		t.Fatalf("got (%q, %v); want org", got, ok)
	}
}

func TestCtxWithTraceID(t *testing.T) {
	const want = "trace-id-value"
	ctx := context.Background()

	got, ok := tracing.CtxGetTraceID(ctx)
	if ok {
		t.Fatalf("unexpected trace id: %q", got)
	}

	ctx = tracing.CtxWithTraceID(ctx, want)

	got, ok = tracing.CtxGetTraceID(ctx)
	if !ok {
		t.Fatal("want trace ID")
	}
	if got != want {
		t.Fatalf("got %q != want %q", got, want)
	}
}
