// Package notify delivers workflow notifications to approvers and
// requesters.
//
// Events are emitted by the approvals service after its transaction commits:
//   - KindRequestCreated goes to every approver
//   - KindApproved goes to the requester and carries the plain one-time code
//   - KindRejected goes to the requester with the approver's comment
//
// Delivery is fire-and-forget. Implementations log failures and never return
// them, so a broken mail server cannot undo a committed decision.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/acuicola/piscis/common/trace"
)

// Kind identifies the notification.
type Kind string

const (
	KindRequestCreated Kind = "REQUEST_CREATED"
	KindApproved       Kind = "APPROVED"
	KindRejected       Kind = "REJECTED"
)

// Keys of Event.Data.
const (
	DataRequestID   = "request_id"
	DataRequestKind = "kind"
	DataTable       = "tabla"
	DataRecordID    = "registro_id"
	DataRequesterID = "requester_id"
	DataApproverID  = "approver_id"
	DataReason      = "motivo"
	DataComment     = "comentario"
	DataCode        = "code"
	DataExpiresAt   = "expires_at"
)

// Event is one notification.
type Event struct {
	// Kind selects the template.
	Kind Kind
	// Recipients are user IDs from the usuarios directory.
	Recipients []string
	// Data holds the template fields, keyed by the Data* constants.
	Data map[string]string
	// TraceID defaults to the trace ID carried by the context.
	TraceID string
}

// Notifier delivers events.
type Notifier interface {
	// Notify sends evt. Implementations MUST NOT propagate delivery errors;
	// failures are logged.
	Notify(ctx context.Context, evt Event)
}

// Noop is used when no delivery channel is configured.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(context.Context, Event) {}

// Multi fans an event out to every notifier in order.
type Multi []Notifier

// Notify forwards evt to each notifier.
func (m Multi) Notify(ctx context.Context, evt Event) {
	for _, n := range m {
		n.Notify(ctx, evt)
	}
}

// Async runs deliveries in the background on a context detached from the
// caller's cancellation and bounded by its own timeout.
type Async struct {
	next    Notifier
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewAsync wraps next. A non-positive timeout means 30 seconds.
func NewAsync(next Notifier, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Async{next: next, timeout: timeout}
}

// Notify schedules delivery and returns immediately.
func (a *Async) Notify(ctx context.Context, evt Event) {
	if evt.TraceID == "" {
		evt.TraceID = trace.FromContext(ctx)
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				slog.Error("notify: delivery panicked", "kind", evt.Kind, "panic", p)
			}
		}()
		a.next.Notify(dctx, evt)
	}()
}

// Wait blocks until every scheduled delivery has finished.
func (a *Async) Wait() {
	a.wg.Wait()
}

// Subject returns the one-line summary of evt.
func Subject(evt Event) string {
	d := evt.Data
	switch evt.Kind {
	case KindRequestCreated:
		return fmt.Sprintf("Nueva solicitud de autorización: %s #%s", d[DataTable], d[DataRecordID])
	case KindApproved:
		return fmt.Sprintf("Solicitud aprobada: %s #%s", d[DataTable], d[DataRecordID])
	case KindRejected:
		return fmt.Sprintf("Solicitud rechazada: %s #%s", d[DataTable], d[DataRecordID])
	default:
		return string(evt.Kind)
	}
}

// Body renders the plain-text body of evt. The one-time code is included
// only when withCode is set; shared channels such as chat rooms must pass
// false.
func Body(evt Event, withCode bool) string {
	d := evt.Data
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", Subject(evt))
	fmt.Fprintf(&b, "Solicitud: %s (%s)\n", d[DataRequestID], d[DataRequestKind])
	fmt.Fprintf(&b, "Registro: %s #%s\n", d[DataTable], d[DataRecordID])

	switch evt.Kind {
	case KindRequestCreated:
		fmt.Fprintf(&b, "Solicitante: %s\n", d[DataRequesterID])
		fmt.Fprintf(&b, "Motivo: %s\n", d[DataReason])
	case KindApproved:
		fmt.Fprintf(&b, "Aprobada por: %s\n", d[DataApproverID])
		if withCode && d[DataCode] != "" {
			fmt.Fprintf(&b, "Código de un solo uso: %s\n", d[DataCode])
		}
		if exp := d[DataExpiresAt]; exp != "" {
			fmt.Fprintf(&b, "Válido hasta: %s\n", exp)
		}
	case KindRejected:
		fmt.Fprintf(&b, "Rechazada por: %s\n", d[DataApproverID])
		if c := d[DataComment]; c != "" {
			fmt.Fprintf(&b, "Comentario: %s\n", c)
		}
	}
	if evt.TraceID != "" {
		fmt.Fprintf(&b, "\ntrace: %s\n", evt.TraceID)
	}
	return b.String()
}
