package trace_test

import (
	"context"
	"strings"
	"testing"

	"github.com/acuicola/piscis/common/trace"
)

func TestGenerateID_Format(t *testing.T) {
	id := trace.GenerateID()
	if !strings.HasPrefix(id, "t_") {
		t.Fatalf("expected t_ prefix, got %q", id)
	}
	if len(id) != 34 {
		t.Fatalf("expected 34 characters, got %d (%q)", len(id), id)
	}
	if id == trace.GenerateID() {
		t.Fatal("expected distinct IDs")
	}
}

func TestEnsure_KeepsExisting(t *testing.T) {
	ctx := trace.WithTraceID(context.Background(), "t_fixed")
	ctx, id := trace.Ensure(ctx)
	if id != "t_fixed" || trace.FromContext(ctx) != "t_fixed" {
		t.Fatalf("expected existing trace to be kept, got %q", id)
	}
}

func TestEnsure_Generates(t *testing.T) {
	ctx, id := trace.Ensure(context.Background())
	if id == "" || trace.FromContext(ctx) != id {
		t.Fatalf("expected generated trace in context, got %q", id)
	}
}
