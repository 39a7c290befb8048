package types

import (
	"context"
	"testing"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	ctx = WithTraceID(ctx, "t1")
	if got, ok := TraceID(ctx); !ok || got != "t1" {
		t.Fatalf("TraceID mismatch: %v %v", got, ok)
	}

	ctx = WithRequestID(ctx, "req-1")
	if got, ok := RequestID(ctx); !ok || got != "req-1" {
		t.Fatalf("RequestID mismatch: %v %v", got, ok)
	}

	ctx = WithTeamRunID(ctx, "team_run_1")
	if got, ok := TeamRunID(ctx); !ok || got != "team_run_1" {
		t.Fatalf("TeamRunID mismatch: %v %v", got, ok)
	}

	ctx = WithCallerNodeID(ctx, "node-b")
	if got, ok := CallerNodeID(ctx); !ok || got != "node-b" {
		t.Fatalf("CallerNodeID mismatch: %v %v", got, ok)
	}
}

func TestContextHelpers_Empty(t *testing.T) {
	t.Parallel()

	ctx := WithTeamRunID(context.Background(), "")
	if _, ok := TeamRunID(ctx); ok {
		t.Fatalf("empty team run id should report missing")
	}
	if _, ok := CallerNodeID(context.Background()); ok {
		t.Fatalf("missing caller node id should report missing")
	}
}
