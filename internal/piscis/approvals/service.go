package approvals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acuicola/piscis/common/sentinel"
	"github.com/acuicola/piscis/common/trace"
	"github.com/acuicola/piscis/internal/piscis/audit"
	"github.com/acuicola/piscis/internal/piscis/metrics"
	"github.com/acuicola/piscis/internal/piscis/notify"
	"github.com/acuicola/piscis/internal/piscis/store"
)

// Codes issues and checks one-time codes.
type Codes interface {
	Generate() (plain, hash string, err error)
	Verify(hash, code string) bool
}

// Directory lists the approvers to notify about new requests.
type Directory interface {
	UserIDsByRole(ctx context.Context, rol string) ([]string, error)
}

// Config holds the workflow parameters.
type Config struct {
	// CodeTTL is how long an issued code stays verifiable.
	CodeTTL time.Duration
	// MinReasonLength is the minimum trimmed length of a request reason.
	MinReasonLength int
	// MaxCodeAttempts locks a code after that many mismatches. Zero disables
	// the limit.
	MaxCodeAttempts int
	// PassWindow is reported back in Verification.ValidUntil.
	PassWindow time.Duration
	TxTimeout  time.Duration
}

// DefaultConfig returns the stock workflow parameters.
func DefaultConfig() Config {
	return Config{
		CodeTTL:         24 * time.Hour,
		MinReasonLength: 10,
		MaxCodeAttempts: 5,
		PassWindow:      10 * time.Minute,
		TxTimeout:       store.DefaultTxTimeout,
	}
}

// Deps are the collaborators of a Service. DB, Trail and Codes are required.
type Deps struct {
	DB        *sql.DB
	Trail     *audit.Trail
	Codes     Codes
	Notifier  notify.Notifier
	Directory Directory
	Metrics   *metrics.Metrics
	// Protected reports whether a table may be the target of a request.
	// Nil accepts any non-empty table.
	Protected func(table string) bool
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service is the request state machine shared by both ledgers.
type Service struct {
	db        *sql.DB
	ledger    *Ledger
	trail     *audit.Trail
	codes     Codes
	notifier  notify.Notifier
	directory Directory
	metrics   *metrics.Metrics
	protected func(string) bool
	now       func() time.Time
	cfg       Config
}

// NewService wires a Service.
func NewService(d Deps, cfg Config) (*Service, error) {
	if d.DB == nil || d.Trail == nil || d.Codes == nil {
		return nil, errors.New("approvals: DB, Trail and Codes are required")
	}
	if d.Notifier == nil {
		d.Notifier = notify.Noop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Protected == nil {
		d.Protected = func(string) bool { return true }
	}
	if cfg.CodeTTL <= 0 {
		return nil, errors.New("approvals: code TTL must be positive")
	}
	return &Service{
		db:        d.DB,
		ledger:    NewLedger(d.DB),
		trail:     d.Trail,
		codes:     d.Codes,
		notifier:  d.Notifier,
		directory: d.Directory,
		metrics:   d.Metrics,
		protected: d.Protected,
		now:       d.Now,
		cfg:       cfg,
	}, nil
}

// Ledger exposes the read side for the gate.
func (s *Service) Ledger() *Ledger {
	return s.ledger
}

// Submit records a PENDING request, or returns the requester's existing
// PENDING request for the same record with created=false.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*Request, bool, error) {
	in.Reason = strings.TrimSpace(in.Reason)
	in.Table = strings.TrimSpace(in.Table)
	in.RecordID = strings.TrimSpace(in.RecordID)
	if err := s.validateSubmit(in); err != nil {
		s.metrics.IncSubmission(string(in.Kind), "invalid")
		return nil, false, err
	}

	now := s.now().UTC()
	req := &Request{
		ID:             uuid.NewString(),
		Kind:           in.Kind,
		TargetTable:    in.Table,
		TargetRecordID: in.RecordID,
		RequesterID:    in.RequesterID,
		Reason:         in.Reason,
		State:          StatePending,
		CreatedAt:      now,
	}

	var existing *Request
	err := store.WithTx(ctx, s.db, s.cfg.TxTimeout, func(tx *sql.Tx) error {
		p, err := s.ledger.findPending(ctx, tx, in.Kind, in.Table, in.RecordID, in.RequesterID)
		if err != nil {
			return err
		}
		if p != nil {
			existing = p
			return nil
		}
		if err := s.ledger.insert(ctx, tx, req); err != nil {
			return err
		}
		_, err = s.trail.Append(ctx, tx, audit.Event{
			ActorID:        in.RequesterID,
			TargetTable:    RequestTable,
			TargetRecordID: req.ID,
			Action:         audit.ActionRequest,
			Detail:         targetDetail(req, map[string]any{"motivo": req.Reason}),
			OccurredAt:     now,
		})
		return err
	})
	if err != nil && store.IsUniqueViolation(err) {
		// Another submitter inserted the same PENDING tuple first.
		existing, err = s.ledger.findPending(ctx, s.db, in.Kind, in.Table, in.RecordID, in.RequesterID)
		if err == nil && existing == nil {
			err = errors.New("pending request disappeared after unique violation")
		}
	}
	if err != nil {
		return nil, false, fmt.Errorf("submit %s request: %w", in.Kind, err)
	}

	if existing != nil {
		s.metrics.IncSubmission(string(in.Kind), "existing")
		return existing, false, nil
	}

	s.metrics.IncSubmission(string(in.Kind), "created")
	slog.Info("authorization request submitted",
		"request_id", req.ID, "kind", req.Kind, "table", req.TargetTable,
		"record", req.TargetRecordID, "requester", req.RequesterID, "trace_id", trace.FromContext(ctx))

	s.emit(ctx, notify.Event{
		Kind:       notify.KindRequestCreated,
		Recipients: s.approvers(ctx),
		Data: map[string]string{
			notify.DataRequestID:   req.ID,
			notify.DataRequestKind: string(req.Kind),
			notify.DataTable:       req.TargetTable,
			notify.DataRecordID:    req.TargetRecordID,
			notify.DataRequesterID: req.RequesterID,
			notify.DataReason:      req.Reason,
		},
	})
	return req, true, nil
}

func (s *Service) validateSubmit(in SubmitInput) error {
	var problems []string
	if !in.Kind.Valid() {
		problems = append(problems, fmt.Sprintf("unknown kind %q", in.Kind))
	}
	if in.RequesterID == "" {
		problems = append(problems, "requester is required")
	}
	if in.Table == "" {
		problems = append(problems, "table is required")
	} else if !s.protected(in.Table) {
		problems = append(problems, fmt.Sprintf("table %q is not a protected resource", in.Table))
	}
	if in.RecordID == "" {
		problems = append(problems, "record id is required")
	}
	if n := len([]rune(in.Reason)); n == 0 {
		problems = append(problems, "reason is required")
	} else if n < s.cfg.MinReasonLength {
		problems = append(problems, fmt.Sprintf("reason must be at least %d characters", s.cfg.MinReasonLength))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s: %w", strings.Join(problems, "; "), sentinel.ErrValidation)
	}
	return nil
}

// Decide approves or rejects a PENDING request. On approval a fresh code is
// issued; its plain value only ever reaches the requester's notification.
func (s *Service) Decide(ctx context.Context, in DecideInput) (*Request, error) {
	if !in.Kind.Valid() {
		return nil, fmt.Errorf("unknown kind %q: %w", in.Kind, sentinel.ErrValidation)
	}
	if in.Action != ActionApprove && in.Action != ActionReject {
		return nil, fmt.Errorf("action must be approve or reject: %w", sentinel.ErrValidation)
	}
	if in.ApproverID == "" {
		return nil, fmt.Errorf("approver is required: %w", sentinel.ErrValidation)
	}
	in.Comment = strings.TrimSpace(in.Comment)

	now := s.now().UTC()
	var (
		decided *Request
		plain   string
	)
	err := store.WithTx(ctx, s.db, s.cfg.TxTimeout, func(tx *sql.Tx) error {
		cur, err := s.ledger.get(ctx, tx, in.Kind, in.RequestID)
		if err != nil {
			return err
		}
		if cur.State != StatePending {
			return fmt.Errorf("request %s is %s: %w", cur.ID, cur.State, sentinel.ErrInvalidState)
		}

		d := decision{
			state:      StateRejected,
			approverID: in.ApproverID,
			decidedAt:  now,
			comment:    in.Comment,
		}
		action := audit.ActionReject
		detail := map[string]any{"comentario": in.Comment}
		if in.Action == ActionApprove {
			var hash string
			if plain, hash, err = s.codes.Generate(); err != nil {
				return fmt.Errorf("issue code: %w", err)
			}
			d.state = StateApproved
			d.codeHash = hash
			d.codeExpiresAt = now.Add(s.cfg.CodeTTL)
			action = audit.ActionApprove
			detail["expiresAt"] = store.FormatTime(d.codeExpiresAt)
		}

		ok, err := s.ledger.decide(ctx, tx, in.Kind, cur.ID, d)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("request %s is no longer pending: %w", cur.ID, sentinel.ErrInvalidState)
		}
		if _, err := s.trail.Append(ctx, tx, audit.Event{
			ActorID:        in.ApproverID,
			TargetTable:    RequestTable,
			TargetRecordID: cur.ID,
			Action:         action,
			Detail:         targetDetail(cur, detail),
			OccurredAt:     now,
		}); err != nil {
			return err
		}
		decided, err = s.ledger.get(ctx, tx, in.Kind, cur.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("decide %s request: %w", in.Kind, err)
	}

	s.metrics.IncDecision(string(in.Kind), string(in.Action))
	slog.Info("authorization request decided",
		"request_id", decided.ID, "kind", decided.Kind, "state", decided.State,
		"approver", in.ApproverID, "trace_id", trace.FromContext(ctx))

	data := map[string]string{
		notify.DataRequestID:   decided.ID,
		notify.DataRequestKind: string(decided.Kind),
		notify.DataTable:       decided.TargetTable,
		notify.DataRecordID:    decided.TargetRecordID,
		notify.DataRequesterID: decided.RequesterID,
		notify.DataApproverID:  in.ApproverID,
		notify.DataComment:     in.Comment,
	}
	kind := notify.KindRejected
	if decided.State == StateApproved {
		kind = notify.KindApproved
		data[notify.DataCode] = plain
		data[notify.DataExpiresAt] = decided.CodeExpiresAt.Format(time.RFC3339)
	}
	s.emit(ctx, notify.Event{Kind: kind, Recipients: []string{decided.RequesterID}, Data: data})
	return decided, nil
}

// VerifyCode spends the one-time code of an APPROVED request. Only the
// requester may spend it, and only once. A mismatch is recorded before the
// error is returned.
func (s *Service) VerifyCode(ctx context.Context, in VerifyInput) (*Verification, error) {
	if !in.Kind.Valid() {
		return nil, fmt.Errorf("unknown kind %q: %w", in.Kind, sentinel.ErrValidation)
	}
	in.Code = strings.TrimSpace(in.Code)
	if in.Code == "" {
		return nil, fmt.Errorf("code is required: %w", sentinel.ErrValidation)
	}

	now := s.now().UTC()
	var (
		verified *Request
		failure  error
	)
	err := store.WithTx(ctx, s.db, s.cfg.TxTimeout, func(tx *sql.Tx) error {
		r, err := s.ledger.get(ctx, tx, in.Kind, in.RequestID)
		if err != nil {
			return err
		}
		switch {
		case r.State != StateApproved || r.CodeHash == nil:
			return fmt.Errorf("request %s is %s: %w", r.ID, r.State, sentinel.ErrInvalidState)
		case r.RequesterID != in.ActorID:
			return fmt.Errorf("request %s belongs to another operator: %w", r.ID, sentinel.ErrForbidden)
		case r.CodeExpiresAt != nil && now.After(*r.CodeExpiresAt):
			return fmt.Errorf("request %s: %w", r.ID, sentinel.ErrExpired)
		case r.CodeUsed:
			return fmt.Errorf("request %s: %w", r.ID, sentinel.ErrAlreadyUsed)
		case s.cfg.MaxCodeAttempts > 0 && r.CodeAttempts >= s.cfg.MaxCodeAttempts:
			return fmt.Errorf("request %s: %w", r.ID, sentinel.ErrTooManyAttempts)
		}

		if !s.codes.Verify(*r.CodeHash, in.Code) {
			if err := s.ledger.incrementAttempts(ctx, tx, in.Kind, r.ID); err != nil {
				return err
			}
			// Commit the attempt, then report the mismatch.
			failure = fmt.Errorf("request %s: %w", r.ID, sentinel.ErrMismatch)
			return nil
		}

		ok, err := s.ledger.markUsed(ctx, tx, in.Kind, r.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("request %s: %w", r.ID, sentinel.ErrAlreadyUsed)
		}
		if _, err := s.trail.Append(ctx, tx, audit.Event{
			ActorID:        in.ActorID,
			TargetTable:    RequestTable,
			TargetRecordID: r.ID,
			Action:         audit.ActionCodeUsed,
			Detail:         audit.CodeUsedDetail(in.ActorID, now, targetDetail(r, nil)),
			OccurredAt:     now,
		}); err != nil {
			return err
		}
		r.CodeUsed = true
		verified = r
		return nil
	})
	if err == nil {
		err = failure
	}
	if err != nil {
		s.metrics.IncVerification(string(in.Kind), verifyResult(err))
		if sentinel.IsCodeFailure(err) {
			slog.Warn("code verification failed",
				"request_id", in.RequestID, "kind", in.Kind, "actor", in.ActorID,
				"reason", verifyResult(err), "trace_id", trace.FromContext(ctx))
		}
		return nil, fmt.Errorf("verify %s code: %w", in.Kind, err)
	}

	s.metrics.IncVerification(string(in.Kind), "ok")
	slog.Info("authorization code used",
		"request_id", verified.ID, "kind", verified.Kind, "actor", in.ActorID,
		"trace_id", trace.FromContext(ctx))
	return &Verification{
		Request:    verified,
		UsedAt:     now,
		ValidUntil: now.Add(s.cfg.PassWindow),
	}, nil
}

// Get returns a request of kind.
func (s *Service) Get(ctx context.Context, kind Kind, id string) (*Request, error) {
	return s.ledger.Get(ctx, kind, id)
}

// List returns one page of kind's requests.
func (s *Service) List(ctx context.Context, kind Kind, f ListFilter) (*Page, error) {
	return s.ledger.List(ctx, kind, f)
}

// Pending returns the actor's newest open request for the record: PENDING,
// or APPROVED with a code that can still be spent. Nil when there is none.
func (s *Service) Pending(ctx context.Context, kind Kind, actorID, table, recordID string) (*Request, error) {
	reqs, err := s.ledger.LatestForRequester(ctx, kind, actorID, table, recordID, 10)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, r := range reqs {
		if r.Open(now) {
			return r, nil
		}
	}
	return nil, nil
}

// Now returns the service clock.
func (s *Service) Now() time.Time {
	return s.now()
}

func (s *Service) approvers(ctx context.Context) []string {
	if s.directory == nil {
		return nil
	}
	ids, err := s.directory.UserIDsByRole(ctx, store.RoleAdmin)
	if err != nil {
		slog.Warn("failed to resolve approvers", "err", err)
		return nil
	}
	return ids
}

// emit hands evt to the notifier after the transaction committed. Nothing the
// notifier does can change the outcome of the operation.
func (s *Service) emit(ctx context.Context, evt notify.Event) {
	if evt.TraceID == "" {
		evt.TraceID = trace.FromContext(ctx)
	}
	defer func() {
		if p := recover(); p != nil {
			slog.Error("notifier panicked", "kind", evt.Kind, "panic", p)
		}
	}()
	s.notifier.Notify(ctx, evt)
}

func targetDetail(r *Request, extra map[string]any) map[string]any {
	d := map[string]any{
		"kind":       string(r.Kind),
		"tabla":      r.TargetTable,
		"registroId": r.TargetRecordID,
	}
	for k, v := range extra {
		d[k] = v
	}
	return d
}

func verifyResult(err error) string {
	switch {
	case errors.Is(err, sentinel.ErrMismatch):
		return "mismatch"
	case errors.Is(err, sentinel.ErrExpired):
		return "expired"
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, sentinel.ErrTooManyAttempts):
		return "locked"
	case errors.Is(err, sentinel.ErrNotFound):
		return "not_found"
	case errors.Is(err, sentinel.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, sentinel.ErrForbidden):
		return "forbidden"
	default:
		return "error"
	}
}
