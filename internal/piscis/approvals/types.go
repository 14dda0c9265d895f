// Package approvals implements the authorization request ledgers and the
// state machine that drives them.
//
// An operator asks for permission to edit (KindEdit) or deactivate/restore
// (KindDeactivateRestore) a protected record. An approver decides; on
// approval a single-use numeric code is issued and only its hash is stored.
// The operator spends the code with VerifyCode, which appends the CODE_USED
// audit event that the pass-check gate later reads.
//
// Both kinds share one table and one implementation; every query is scoped
// to a single kind so the ledgers never see each other's rows.
package approvals

import (
	"fmt"
	"strings"
	"time"
)

// RequestTable is the table (and audit target) holding both ledgers.
const RequestTable = "authorization_requests"

// Kind selects a ledger.
type Kind string

const (
	KindEdit              Kind = "EDIT"
	KindDeactivateRestore Kind = "DEACTIVATE_RESTORE"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindEdit || k == KindDeactivateRestore
}

// ParseKind accepts the canonical names and the short URL forms
// ("edit", "deactivate").
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "edit":
		return KindEdit, nil
	case "deactivate", "deactivate_restore", "deactivate-restore":
		return KindDeactivateRestore, nil
	}
	return "", fmt.Errorf("unknown request kind %q", s)
}

// State is the lifecycle state of a request. PENDING is the only state that
// can change, and it changes exactly once.
type State string

const (
	StatePending  State = "PENDING"
	StateApproved State = "APPROVED"
	StateRejected State = "REJECTED"
)

// ParseState accepts the canonical names case-insensitively.
func ParseState(s string) (State, error) {
	switch st := State(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatePending, StateApproved, StateRejected:
		return st, nil
	}
	return "", fmt.Errorf("unknown request state %q", s)
}

// CodeState is derived from the code columns of an approved request.
type CodeState string

const (
	CodeNone    CodeState = "NONE"
	CodeIssued  CodeState = "ISSUED"
	CodeUsed    CodeState = "USED"
	CodeExpired CodeState = "EXPIRED"
)

// Action is an approver's decision.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// Request is one row of a ledger.
type Request struct {
	ID             string
	Kind           Kind
	TargetTable    string
	TargetRecordID string
	RequesterID    string
	Reason         string
	State          State

	// Set when the request leaves PENDING.
	ApproverID *string
	DecidedAt  *time.Time
	Comment    *string

	// Populated only on APPROVED. The plain code is never stored.
	CodeHash      *string
	CodeExpiresAt *time.Time
	CodeUsed      bool
	CodeAttempts  int

	CreatedAt time.Time
}

// CodeState derives the code sub-state at now.
func (r *Request) CodeState(now time.Time) CodeState {
	switch {
	case r.State != StateApproved || r.CodeHash == nil:
		return CodeNone
	case r.CodeUsed:
		return CodeUsed
	case r.CodeExpiresAt != nil && now.After(*r.CodeExpiresAt):
		return CodeExpired
	default:
		return CodeIssued
	}
}

// Open reports whether the request is still actionable by its requester:
// PENDING, or APPROVED with an unused, unexpired code.
func (r *Request) Open(now time.Time) bool {
	return r.State == StatePending || r.CodeState(now) == CodeIssued
}

// SubmitInput creates a request.
type SubmitInput struct {
	RequesterID string
	Kind        Kind
	Table       string
	RecordID    string
	Reason      string
}

// DecideInput resolves a pending request.
type DecideInput struct {
	RequestID  string
	Kind       Kind
	ApproverID string
	Action     Action
	Comment    string
}

// VerifyInput spends a one-time code.
type VerifyInput struct {
	RequestID string
	Kind      Kind
	ActorID   string
	Code      string
}

// Verification is the result of a successful VerifyCode.
type Verification struct {
	Request *Request
	UsedAt  time.Time
	// ValidUntil is the end of the window in which the gate honours the pass.
	ValidUntil time.Time
}

// ListFilter narrows List. Zero values mean "any".
type ListFilter struct {
	State       State
	RequesterID string
	// Query matches the table, record ID or reason as a substring.
	Query    string
	Page     int
	PageSize int
}

// Page is one page of List results.
type Page struct {
	Items    []*Request
	Total    int
	Page     int
	PageSize int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func (f ListFilter) normalized() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
	return f
}
