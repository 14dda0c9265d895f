package approvals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/acuicola/piscis/common/sentinel"
	"github.com/acuicola/piscis/internal/piscis/store"
)

// Ledger persists requests. The unexported helpers take the caller's
// transaction; the exported reads run on the shared handle.
type Ledger struct {
	db *sql.DB
}

// NewLedger creates a Ledger backed by db.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

const requestColumns = `
	id, kind, target_table, target_record_id, requester_id, reason, state,
	approver_id, decided_at, decision_comment,
	code_hash, code_expires_at, code_used, code_attempts, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	r := &Request{}
	var (
		kind, state, createdAt       string
		approver, decidedAt, comment sql.NullString
		codeHash, codeExpiresAt      sql.NullString
		codeUsed                     int
	)
	if err := row.Scan(
		&r.ID, &kind, &r.TargetTable, &r.TargetRecordID, &r.RequesterID, &r.Reason, &state,
		&approver, &decidedAt, &comment,
		&codeHash, &codeExpiresAt, &codeUsed, &r.CodeAttempts, &createdAt,
	); err != nil {
		return nil, err
	}
	r.Kind = Kind(kind)
	r.State = State(state)
	r.ApproverID = store.NullString(approver)
	r.Comment = store.NullString(comment)
	r.CodeHash = store.NullString(codeHash)
	r.CodeUsed = codeUsed != 0

	var err error
	if r.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if r.DecidedAt, err = store.NullTime(decidedAt); err != nil {
		return nil, err
	}
	if r.CodeExpiresAt, err = store.NullTime(codeExpiresAt); err != nil {
		return nil, err
	}
	return r, nil
}

func (l *Ledger) insert(ctx context.Context, x store.Execer, r *Request) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO authorization_requests
			(id, kind, target_table, target_record_id, requester_id, reason, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, string(r.Kind), r.TargetTable, r.TargetRecordID, r.RequesterID, r.Reason,
		string(r.State), store.FormatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}
	return nil
}

// get loads a request of kind; a row of the other ledger is not found.
func (l *Ledger) get(ctx context.Context, q store.Querier, kind Kind, id string) (*Request, error) {
	r, err := scanRequest(q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM authorization_requests WHERE id = ? AND kind = ?`,
		id, string(kind)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return r, nil
}

// findPending returns the PENDING request for the tuple, or nil.
func (l *Ledger) findPending(ctx context.Context, q store.Querier, kind Kind, table, recordID, requesterID string) (*Request, error) {
	r, err := scanRequest(q.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM authorization_requests
		WHERE kind = ? AND target_table = ? AND target_record_id = ? AND requester_id = ?
		  AND state = 'PENDING'
		LIMIT 1
	`, string(kind), table, recordID, requesterID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending request: %w", err)
	}
	return r, nil
}

type decision struct {
	state         State
	approverID    string
	decidedAt     time.Time
	comment       string
	codeHash      string
	codeExpiresAt time.Time
}

// decide moves a PENDING request to its final state. It reports false when
// the row was not PENDING any more.
func (l *Ledger) decide(ctx context.Context, x store.Execer, kind Kind, id string, d decision) (bool, error) {
	var comment, codeHash, codeExpires any
	if d.comment != "" {
		comment = d.comment
	}
	if d.codeHash != "" {
		codeHash = d.codeHash
		codeExpires = store.FormatTime(d.codeExpiresAt)
	}
	res, err := x.ExecContext(ctx, `
		UPDATE authorization_requests
		SET state = ?, approver_id = ?, decided_at = ?, decision_comment = ?,
		    code_hash = ?, code_expires_at = ?, code_used = 0, code_attempts = 0
		WHERE id = ? AND kind = ? AND state = 'PENDING'
	`, string(d.state), d.approverID, store.FormatTime(d.decidedAt), comment,
		codeHash, codeExpires, id, string(kind))
	if err != nil {
		return false, fmt.Errorf("failed to decide request: %w", err)
	}
	return affectedOne(res)
}

// markUsed spends the code. It reports false when the code was already used.
func (l *Ledger) markUsed(ctx context.Context, x store.Execer, kind Kind, id string) (bool, error) {
	res, err := x.ExecContext(ctx, `
		UPDATE authorization_requests
		SET code_used = 1
		WHERE id = ? AND kind = ? AND state = 'APPROVED' AND code_used = 0
	`, id, string(kind))
	if err != nil {
		return false, fmt.Errorf("failed to mark code used: %w", err)
	}
	return affectedOne(res)
}

func (l *Ledger) incrementAttempts(ctx context.Context, x store.Execer, kind Kind, id string) error {
	_, err := x.ExecContext(ctx, `
		UPDATE authorization_requests
		SET code_attempts = code_attempts + 1
		WHERE id = ? AND kind = ? AND state = 'APPROVED' AND code_used = 0
	`, id, string(kind))
	if err != nil {
		return fmt.Errorf("failed to record code attempt: %w", err)
	}
	return nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n == 1, nil
}

// Get returns a request of kind by ID.
func (l *Ledger) Get(ctx context.Context, kind Kind, id string) (*Request, error) {
	return l.get(ctx, l.db, kind, id)
}

// LatestApproved returns the newest APPROVED request of kind for the target
// record, regardless of requester, or nil when there is none.
func (l *Ledger) LatestApproved(ctx context.Context, kind Kind, table, recordID string) (*Request, error) {
	r, err := scanRequest(l.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM authorization_requests
		WHERE kind = ? AND target_table = ? AND target_record_id = ? AND state = 'APPROVED'
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, string(kind), table, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest approved request: %w", err)
	}
	return r, nil
}

// LatestForRequester returns the requester's newest requests of kind for the
// target record, newest first.
func (l *Ledger) LatestForRequester(ctx context.Context, kind Kind, requesterID, table, recordID string, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM authorization_requests
		WHERE kind = ? AND requester_id = ? AND target_table = ? AND target_record_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, string(kind), requesterID, table, recordID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list requester requests: %w", err)
	}
	return collect(rows)
}

// List returns one page of kind's requests, newest first.
func (l *Ledger) List(ctx context.Context, kind Kind, f ListFilter) (*Page, error) {
	f = f.normalized()

	where := []string{"kind = ?"}
	args := []any{string(kind)}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.RequesterID != "" {
		where = append(where, "requester_id = ?")
		args = append(args, f.RequesterID)
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		where = append(where, "(target_table LIKE ? ESCAPE '\\' OR target_record_id LIKE ? ESCAPE '\\' OR reason LIKE ? ESCAPE '\\')")
		like := "%" + escapeLike(q) + "%"
		args = append(args, like, like, like)
	}
	clause := strings.Join(where, " AND ")

	page := &Page{Page: f.Page, PageSize: f.PageSize}
	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM authorization_requests WHERE `+clause, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM authorization_requests
		WHERE `+clause+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, append(args, f.PageSize, (f.Page-1)*f.PageSize)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	if page.Items, err = collect(rows); err != nil {
		return nil, err
	}
	return page, nil
}

func collect(rows *sql.Rows) ([]*Request, error) {
	defer rows.Close()
	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating requests: %w", err)
	}
	return out, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
