package audit_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/acuicola/piscis/common/redact"
	"github.com/acuicola/piscis/common/trace"
	"github.com/acuicola/piscis/internal/piscis/audit"
	"github.com/acuicola/piscis/internal/piscis/store"
	"github.com/acuicola/piscis/internal/piscis/store/storetest"
)

func TestAppend_ScrubsAndStampsTrace(t *testing.T) {
	s := storetest.Open(t)
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	trail := audit.NewTrail(s.DB(), func() time.Time { return at })
	ctx := trace.WithTraceID(context.Background(), "t_abc")

	_, err := trail.Append(ctx, nil, audit.Event{
		ActorID:        "u1",
		TargetTable:    "estanques",
		TargetRecordID: "7",
		Action:         audit.ActionUpdate,
		Detail: map[string]any{
			"before":   map[string]any{"nombre": "E-1"},
			"password": "should-not-persist",
		},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	events, err := trail.ListForTarget(ctx, "estanques", "7", 0)
	if err != nil {
		t.Fatalf("ListForTarget: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.TraceID != "t_abc" || !ev.OccurredAt.Equal(at) || ev.Action != audit.ActionUpdate {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Detail["password"] != redact.Placeholder {
		t.Fatalf("expected scrubbed password, got %v", ev.Detail["password"])
	}
}

func TestAppend_RequiresTarget(t *testing.T) {
	s := storetest.Open(t)
	trail := audit.NewTrail(s.DB(), nil)
	if _, err := trail.Append(context.Background(), nil, audit.Event{ActorID: "u1", Action: audit.ActionInsert}); err == nil {
		t.Fatal("expected error for missing target")
	}
}

func TestLatestCodeUse(t *testing.T) {
	s := storetest.Open(t)
	trail := audit.NewTrail(s.DB(), nil)
	ctx := context.Background()

	got, err := trail.LatestCodeUse(ctx, "authorization_requests", "r1")
	if err != nil || got != nil {
		t.Fatalf("expected no code use, got %+v (%v)", got, err)
	}

	first := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	second := first.Add(3 * time.Minute)
	for _, use := range []struct {
		by string
		at time.Time
	}{{"op-1", first}, {"op-2", second}} {
		_, err := trail.Append(ctx, nil, audit.Event{
			ActorID:        use.by,
			TargetTable:    "authorization_requests",
			TargetRecordID: "r1",
			Action:         audit.ActionCodeUsed,
			Detail:         audit.CodeUsedDetail(use.by, use.at, map[string]any{"kind": "EDIT"}),
			OccurredAt:     use.at,
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err = trail.LatestCodeUse(ctx, "authorization_requests", "r1")
	if err != nil {
		t.Fatalf("LatestCodeUse: %v", err)
	}
	if got.UsedBy != "op-2" || !got.UsedAt.Equal(second) {
		t.Fatalf("expected newest use by op-2, got %+v", got)
	}

	n, err := trail.CountActions(ctx, "authorization_requests", "r1", audit.ActionCodeUsed)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 CODE_USED rows, got %d (%v)", n, err)
	}
}

func TestAppend_JoinsCallerTransaction(t *testing.T) {
	s := storetest.Open(t)
	trail := audit.NewTrail(s.DB(), nil)
	ctx := context.Background()

	err := store.WithTx(ctx, s.DB(), time.Second, func(tx *sql.Tx) error {
		if _, err := trail.Append(ctx, tx, audit.Event{
			ActorID: "u1", TargetTable: "especies", TargetRecordID: "1", Action: audit.ActionInsert,
		}); err != nil {
			return err
		}
		return sql.ErrTxDone // force rollback
	})
	if err == nil {
		t.Fatal("expected forced error")
	}
	n, err := trail.CountActions(ctx, "especies", "1", audit.ActionInsert)
	if err != nil || n != 0 {
		t.Fatalf("expected rolled back event, got %d (%v)", n, err)
	}
}
