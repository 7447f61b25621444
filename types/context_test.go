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

	ctx = WithTenantID(ctx, "tenant")
	if got, ok := TenantID(ctx); !ok || got != "tenant" {
		t.Fatalf("TenantID mismatch: %v %v", got, ok)
	}

	ctx = WithUserID(ctx, "operator")
	if got, ok := UserID(ctx); !ok || got != "operator" {
		t.Fatalf("UserID mismatch: %v %v", got, ok)
	}

	ctx = WithRoles(ctx, []string{"reviewer"})
	if got, ok := Roles(ctx); !ok || len(got) != 1 || got[0] != "reviewer" {
		t.Fatalf("Roles mismatch: %v %v", got, ok)
	}

	ctx = WithActorID(ctx, "persona-7")
	if got, ok := ActorID(ctx); !ok || got != "persona-7" {
		t.Fatalf("ActorID mismatch: %v %v", got, ok)
	}

	ctx = WithTaskID(ctx, "task-1")
	if got, ok := TaskID(ctx); !ok || got != "task-1" {
		t.Fatalf("TaskID mismatch: %v %v", got, ok)
	}
}

func TestContextHelpers_Empty(t *testing.T) {
	t.Parallel()

	ctx := WithActorID(context.Background(), "")
	if _, ok := ActorID(ctx); ok {
		t.Fatalf("expected empty actor to be absent")
	}
	if _, ok := Roles(context.Background()); ok {
		t.Fatalf("expected no roles")
	}
}
