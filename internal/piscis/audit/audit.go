// Package audit is the append-only trail of every state change on a
// protected entity, including the CODE_USED events that the pass-check gate
// reads. Rows are never updated or deleted (the table has triggers that
// abort both), and writers can join the caller's transaction.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/acuicola/piscis/common/redact"
	"github.com/acuicola/piscis/common/trace"
	"github.com/acuicola/piscis/internal/piscis/store"
)

// Action is the kind of change an event records.
type Action string

const (
	ActionInsert   Action = "INSERT"
	ActionUpdate   Action = "UPDATE"
	ActionDelete   Action = "DELETE"
	ActionRequest  Action = "REQUEST"
	ActionApprove  Action = "APPROVE"
	ActionReject   Action = "REJECT"
	ActionCodeUsed Action = "CODE_USED"
)

// Keys of the CODE_USED detail payload.
const (
	KeyUsedBy = "usedBy"
	KeyUsedAt = "usedAt"
)

// Event is one audit row.
type Event struct {
	ID             int64
	ActorID        string
	TargetTable    string
	TargetRecordID string
	Action         Action
	Detail         map[string]any
	TraceID        string
	OccurredAt     time.Time
}

// CodeUse is the decoded payload of a CODE_USED event.
type CodeUse struct {
	EventID int64
	UsedBy  string
	UsedAt  time.Time
}

// Trail reads and appends audit events.
type Trail struct {
	db  *sql.DB
	now func() time.Time
}

// NewTrail creates a Trail over db. now defaults to time.Now.
func NewTrail(db *sql.DB, now func() time.Time) *Trail {
	if now == nil {
		now = time.Now
	}
	return &Trail{db: db, now: now}
}

// Append inserts ev through x, which may be the caller's *sql.Tx. Sensitive
// keys in Detail are scrubbed; OccurredAt and TraceID are filled in when
// empty.
func (t *Trail) Append(ctx context.Context, x store.Execer, ev Event) (int64, error) {
	if ev.ActorID == "" || ev.TargetTable == "" || ev.TargetRecordID == "" || ev.Action == "" {
		return 0, errors.New("audit: actor, target and action are required")
	}
	if x == nil {
		x = t.db
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = t.now()
	}
	if ev.TraceID == "" {
		ev.TraceID = trace.FromContext(ctx)
	}

	detail := redact.Snapshot(ev.Detail)
	if detail == nil {
		detail = map[string]any{}
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		return 0, fmt.Errorf("audit: marshal detail: %w", err)
	}

	res, err := x.ExecContext(ctx, `
		INSERT INTO audit_log (occurred_at, trace_id, actor_id, action, target_table, target_record_id, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, store.FormatTime(ev.OccurredAt), ev.TraceID, ev.ActorID, string(ev.Action),
		ev.TargetTable, ev.TargetRecordID, string(payload))
	if err != nil {
		return 0, fmt.Errorf("audit: insert %s event: %w", ev.Action, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("audit: last insert id: %w", err)
	}
	return id, nil
}

// CodeUsedDetail builds the payload of a CODE_USED event.
func CodeUsedDetail(usedBy string, usedAt time.Time, extra map[string]any) map[string]any {
	d := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		d[k] = v
	}
	d[KeyUsedBy] = usedBy
	d[KeyUsedAt] = store.FormatTime(usedAt)
	return d
}

// LatestCodeUse returns the newest CODE_USED event recorded against the
// authorization request (requestTable, requestID), or nil when there is none.
func (t *Trail) LatestCodeUse(ctx context.Context, requestTable, requestID string) (*CodeUse, error) {
	var (
		id     int64
		detail string
	)
	err := t.db.QueryRowContext(ctx, `
		SELECT id, detail_json FROM audit_log
		WHERE target_table = ? AND target_record_id = ? AND action = ?
		ORDER BY occurred_at DESC, id DESC
		LIMIT 1
	`, requestTable, requestID, string(ActionCodeUsed)).Scan(&id, &detail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: query code use: %w", err)
	}

	var payload struct {
		UsedBy string `json:"usedBy"`
		UsedAt string `json:"usedAt"`
	}
	if err := json.Unmarshal([]byte(detail), &payload); err != nil {
		return nil, fmt.Errorf("audit: decode code use %d: %w", id, err)
	}
	usedAt, err := store.ParseTime(payload.UsedAt)
	if err != nil {
		return nil, fmt.Errorf("audit: code use %d: %w", id, err)
	}
	return &CodeUse{EventID: id, UsedBy: payload.UsedBy, UsedAt: usedAt}, nil
}

// ListForTarget returns the events of one entity, oldest first. limit <= 0
// means 100.
func (t *Trail) ListForTarget(ctx context.Context, table, recordID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, occurred_at, trace_id, actor_id, action, target_table, target_record_id, detail_json
		FROM audit_log
		WHERE target_table = ? AND target_record_id = ?
		ORDER BY occurred_at ASC, id ASC
		LIMIT ?
	`, table, recordID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query target: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		var occurred, action, detail string
		if err := rows.Scan(&ev.ID, &occurred, &ev.TraceID, &ev.ActorID, &action,
			&ev.TargetTable, &ev.TargetRecordID, &detail); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		ev.Action = Action(action)
		if ev.OccurredAt, err = store.ParseTime(occurred); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(detail), &ev.Detail); err != nil {
			return nil, fmt.Errorf("audit: decode detail of event %d: %w", ev.ID, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate events: %w", err)
	}
	return events, nil
}

// CountActions returns how many events with action exist for the entity.
func (t *Trail) CountActions(ctx context.Context, table, recordID string, action Action) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_log
		WHERE target_table = ? AND target_record_id = ? AND action = ?
	`, table, recordID, string(action)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("audit: count %s: %w", action, err)
	}
	return n, nil
}
