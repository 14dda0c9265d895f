package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/acuicola/piscis/common/sentinel"
	"github.com/acuicola/piscis/internal/piscis/approvals"
)

type requestView struct {
	ID            string     `json:"id"`
	Kind          string     `json:"kind"`
	Table         string     `json:"table"`
	RecordID      string     `json:"recordId"`
	RequesterID   string     `json:"requesterId"`
	Reason        string     `json:"reason"`
	State         string     `json:"state"`
	ApproverID    *string    `json:"approverId,omitempty"`
	DecidedAt     *time.Time `json:"decidedAt,omitempty"`
	Comment       *string    `json:"comment,omitempty"`
	CodeState     string     `json:"codeState"`
	CodeExpiresAt *time.Time `json:"codeExpiresAt,omitempty"`
	CodeAttempts  int        `json:"codeAttempts"`
	CreatedAt     time.Time  `json:"createdAt"`
}

func newRequestView(r *approvals.Request, now time.Time) requestView {
	return requestView{
		ID:            r.ID,
		Kind:          string(r.Kind),
		Table:         r.TargetTable,
		RecordID:      r.TargetRecordID,
		RequesterID:   r.RequesterID,
		Reason:        r.Reason,
		State:         string(r.State),
		ApproverID:    r.ApproverID,
		DecidedAt:     r.DecidedAt,
		Comment:       r.Comment,
		CodeState:     string(r.CodeState(now)),
		CodeExpiresAt: r.CodeExpiresAt,
		CodeAttempts:  r.CodeAttempts,
		CreatedAt:     r.CreatedAt,
	}
}

type pageView struct {
	Items    []requestView `json:"items"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"pageSize"`
}

type pendingView struct {
	Pending bool              `json:"pending"`
	Request *pendingRequestOf `json:"request,omitempty"`
}

type pendingRequestOf struct {
	ID        string     `json:"id"`
	HasCode   bool       `json:"hasCode"`
	Estado    string     `json:"estado"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type verifyView struct {
	Verified   bool      `json:"verified"`
	RequestID  string    `json:"requestId"`
	UsedAt     time.Time `json:"usedAt"`
	ValidUntil time.Time `json:"validUntil"`
}

// requestHandlers serves one ledger.
type requestHandlers struct {
	*server
	kind approvals.Kind
}

func (h *requestHandlers) submit(w http.ResponseWriter, r *http.Request) {
	body, err := decodeObject(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	in := submitInput(body)
	in.Kind = h.kind
	in.RequesterID = actorFrom(r).ID

	req, created, err := h.approvals.Submit(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, newRequestView(req, h.approvals.Now()))
}

func (h *requestHandlers) list(w http.ResponseWriter, r *http.Request) {
	if !actorFrom(r).Privileged() {
		writeError(w, r, fmt.Errorf("listing requests needs the approver role: %w", sentinel.ErrForbidden))
		return
	}
	f, err := listFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := h.approvals.List(r.Context(), h.kind, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	now := h.approvals.Now()
	out := pageView{Items: make([]requestView, 0, len(page.Items)), Total: page.Total, Page: page.Page, PageSize: page.PageSize}
	for _, req := range page.Items {
		out.Items = append(out.Items, newRequestView(req, now))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *requestHandlers) pending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	table, record := pickQuery(q, tableKeys...), pickQuery(q, recordKeys...)
	if table == "" || record == "" {
		writeError(w, r, fmt.Errorf("tabla and registro_id are required: %w", sentinel.ErrValidation))
		return
	}
	req, err := h.approvals.Pending(r.Context(), h.kind, actorFrom(r).ID, table, record)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req == nil {
		writeJSON(w, http.StatusOK, pendingView{})
		return
	}
	writeJSON(w, http.StatusOK, pendingView{
		Pending: true,
		Request: &pendingRequestOf{
			ID:        req.ID,
			HasCode:   req.CodeState(h.approvals.Now()) == approvals.CodeIssued,
			Estado:    string(req.State),
			ExpiresAt: req.CodeExpiresAt,
		},
	})
}

func (h *requestHandlers) get(w http.ResponseWriter, r *http.Request) {
	req, err := h.approvals.Get(r.Context(), h.kind, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	actor := actorFrom(r)
	if !actor.Privileged() && req.RequesterID != actor.ID {
		writeError(w, r, fmt.Errorf("request %s belongs to another operator: %w", req.ID, sentinel.ErrForbidden))
		return
	}
	writeJSON(w, http.StatusOK, newRequestView(req, h.approvals.Now()))
}

func (h *requestHandlers) decide(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if !actor.Privileged() {
		writeError(w, r, fmt.Errorf("deciding requests needs the approver role: %w", sentinel.ErrForbidden))
		return
	}
	body, err := decodeObject(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	action, comment, err := decideInput(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := h.approvals.Decide(r.Context(), approvals.DecideInput{
		RequestID:  chi.URLParam(r, "id"),
		Kind:       h.kind,
		ApproverID: actor.ID,
		Action:     action,
		Comment:    comment,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRequestView(req, h.approvals.Now()))
}

func (h *requestHandlers) verify(w http.ResponseWriter, r *http.Request) {
	body, err := decodeObject(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	v, err := h.approvals.VerifyCode(r.Context(), approvals.VerifyInput{
		RequestID: chi.URLParam(r, "id"),
		Kind:      h.kind,
		ActorID:   actorFrom(r).ID,
		Code:      verifyCode(body),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyView{
		Verified:   true,
		RequestID:  v.Request.ID,
		UsedAt:     v.UsedAt,
		ValidUntil: v.ValidUntil,
	})
}
