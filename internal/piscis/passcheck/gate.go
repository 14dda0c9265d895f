// Package passcheck decides whether an operator currently holds a pass for a
// protected record: an approved request whose code the same operator spent
// within the freshness window.
package passcheck

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/acuicola/piscis/common/sentinel"
	"github.com/acuicola/piscis/internal/piscis/approvals"
	"github.com/acuicola/piscis/internal/piscis/audit"
	"github.com/acuicola/piscis/internal/piscis/metrics"
)

// DefaultWindow is how long a spent code keeps a pass fresh.
const DefaultWindow = 10 * time.Minute

// ActiveField is the soft-delete flag of every protected resource.
const ActiveField = "activo"

// MutationIntent describes a mutation about to happen.
type MutationIntent struct {
	// Delete is set for a soft delete.
	Delete bool
	// Fields are the top-level fields whose value changes.
	Fields []string
}

// RequiredKinds returns the passes a mutation needs. A delete or a change of
// the active flag needs DEACTIVATE_RESTORE; any other change needs EDIT; a
// change touching both needs both.
func RequiredKinds(intent MutationIntent) []approvals.Kind {
	if intent.Delete {
		return []approvals.Kind{approvals.KindDeactivateRestore}
	}
	var edit, deactivate bool
	for _, f := range intent.Fields {
		if f == ActiveField {
			deactivate = true
		} else {
			edit = true
		}
	}
	var kinds []approvals.Kind
	if edit || !deactivate {
		kinds = append(kinds, approvals.KindEdit)
	}
	if deactivate {
		kinds = append(kinds, approvals.KindDeactivateRestore)
	}
	return kinds
}

// ForbiddenError is returned when a required pass is missing.
type ForbiddenError struct {
	Kind     approvals.Kind
	Table    string
	RecordID string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("requires a recent valid authorization code (%s on %s #%s)", e.Kind, e.Table, e.RecordID)
}

func (e *ForbiddenError) Unwrap() error { return sentinel.ErrForbidden }

// Gate answers pass checks. It keeps no state between calls.
type Gate struct {
	ledger  *approvals.Ledger
	trail   *audit.Trail
	window  time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
}

// NewGate creates a Gate. A non-positive window means DefaultWindow and a
// nil now means time.Now.
func NewGate(ledger *approvals.Ledger, trail *audit.Trail, window time.Duration, now func() time.Time, m *metrics.Metrics) *Gate {
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{ledger: ledger, trail: trail, window: window, now: now, metrics: m}
}

// Window returns the freshness window.
func (g *Gate) Window() time.Duration { return g.window }

// HasFreshPass reports whether actorID spent the code of the newest APPROVED
// request of kind for the record within the window. Any lookup error yields
// false together with the error.
func (g *Gate) HasFreshPass(ctx context.Context, actorID, table, recordID string, kind approvals.Kind) (bool, error) {
	req, err := g.ledger.LatestApproved(ctx, kind, table, recordID)
	if err != nil {
		return false, fmt.Errorf("pass check: %w", err)
	}
	if req == nil {
		return false, nil
	}
	use, err := g.trail.LatestCodeUse(ctx, approvals.RequestTable, req.ID)
	if err != nil {
		return false, fmt.Errorf("pass check: %w", err)
	}
	if use == nil || use.UsedBy != actorID {
		return false, nil
	}
	return !use.UsedAt.Before(g.now().Add(-g.window)), nil
}

// Authorize returns nil when the mutation may proceed: privileged actors
// always pass, everyone else needs a fresh pass for every required kind.
func (g *Gate) Authorize(ctx context.Context, actorID string, privileged bool, table, recordID string, intent MutationIntent) error {
	kinds := RequiredKinds(intent)
	if privileged {
		for _, k := range kinds {
			g.metrics.IncGateCheck(string(k), "bypass")
		}
		return nil
	}
	for _, k := range kinds {
		ok, err := g.HasFreshPass(ctx, actorID, table, recordID, k)
		if err != nil {
			g.metrics.IncGateCheck(string(k), "error")
			slog.Error("pass check failed", "actor", actorID, "table", table, "record", recordID, "kind", k, "err", err)
			return &ForbiddenError{Kind: k, Table: table, RecordID: recordID}
		}
		if !ok {
			g.metrics.IncGateCheck(string(k), "denied")
			return &ForbiddenError{Kind: k, Table: table, RecordID: recordID}
		}
		g.metrics.IncGateCheck(string(k), "granted")
	}
	return nil
}
