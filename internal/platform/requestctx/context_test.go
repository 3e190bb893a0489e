package requestctx

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestLoggerDefaultsToNoop(t *testing.T) {
	if Logger(context.Background()) == nil {
		t.Fatal("expected non-nil logger")
	}
	if HasLogger(context.Background()) {
		t.Fatal("expected no logger on empty context")
	}

	logger := zap.NewExample()
	ctx := WithLogger(context.Background(), logger)
	if Logger(ctx) != logger || !HasLogger(ctx) {
		t.Fatal("expected stored logger")
	}
	if HasLogger(WithLogger(context.Background(), nil)) {
		t.Fatal("nil logger should store the noop logger")
	}
}

func TestTraceRoundTrip(t *testing.T) {
	if TraceID(context.Background()) != "" {
		t.Fatal("expected empty trace id")
	}
	ctx := WithTrace(context.Background(), TraceInfo{TraceID: "abc", SpanID: "def", Sampled: true})
	info, ok := Trace(ctx)
	if !ok || info.SpanID != "def" || TraceID(ctx) != "abc" {
		t.Fatalf("unexpected trace info %+v", info)
	}
}
