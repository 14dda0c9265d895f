package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/acuicola/piscis/common/sentinel"
	"github.com/acuicola/piscis/internal/piscis/approvals"
)

// The API accepts English and Spanish field names for the same value. This
// file is the only place that knows about the aliases; everything past it
// sees the internal input types.

var (
	tableKeys    = []string{"table", "tabla"}
	recordKeys   = []string{"recordId", "record_id", "registro_id", "registroId"}
	reasonKeys   = []string{"reason", "motivo"}
	actionKeys   = []string{"action", "accion"}
	commentKeys  = []string{"comment", "comentario"}
	codeKeys     = []string{"codigo", "code"}
	stateKeys    = []string{"estado", "state"}
	operatorKeys = []string{"operador_id", "requesterId", "requester_id"}
	pageSizeKeys = []string{"pageSize", "page_size"}
	inactiveKeys = []string{"include_inactive", "incluir_inactivos"}
)

const maxBodyBytes = 1 << 20

// decodeObject reads a JSON object body.
func decodeObject(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	var m map[string]any
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&m)
	if errors.Is(err, io.EOF) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("malformed JSON body: %v: %w", err, sentinel.ErrValidation)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// pick returns the first alias present in m as a string.
func pick(m map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(t)
		}
	}
	return ""
}

func pickQuery(q url.Values, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	case float64:
		return t != 0
	}
	return false
}

func submitInput(m map[string]any) approvals.SubmitInput {
	return approvals.SubmitInput{
		Table:    pick(m, tableKeys...),
		RecordID: pick(m, recordKeys...),
		Reason:   pick(m, reasonKeys...),
	}
}

// decideInput accepts {"action": "approve"|"reject"} in either language, or
// the boolean forms {"aprobar": true} and {"rechazar": true}.
func decideInput(m map[string]any) (approvals.Action, string, error) {
	comment := pick(m, commentKeys...)
	switch strings.ToLower(pick(m, actionKeys...)) {
	case "approve", "approved", "aprobar", "aprobado", "aprobada":
		return approvals.ActionApprove, comment, nil
	case "reject", "rejected", "rechazar", "rechazado", "rechazada":
		return approvals.ActionReject, comment, nil
	case "":
	default:
		return "", "", fmt.Errorf("action must be approve or reject: %w", sentinel.ErrValidation)
	}

	approve, reject := truthy(m["aprobar"]), truthy(m["rechazar"])
	switch {
	case approve && !reject:
		return approvals.ActionApprove, comment, nil
	case reject && !approve:
		return approvals.ActionReject, comment, nil
	}
	return "", "", fmt.Errorf("action must be approve or reject: %w", sentinel.ErrValidation)
}

func verifyCode(m map[string]any) string {
	return pick(m, codeKeys...)
}

func listFilter(q url.Values) (approvals.ListFilter, error) {
	f := approvals.ListFilter{
		RequesterID: pickQuery(q, operatorKeys...),
		Query:       pickQuery(q, "q"),
	}
	if s := pickQuery(q, stateKeys...); s != "" {
		st, err := approvals.ParseState(s)
		if err != nil {
			return f, fmt.Errorf("%v: %w", err, sentinel.ErrValidation)
		}
		f.State = st
	}
	var err error
	if f.Page, err = intQuery(q, "page"); err != nil {
		return f, err
	}
	if f.PageSize, err = intQuery(q, pageSizeKeys...); err != nil {
		return f, err
	}
	return f, nil
}

func intQuery(q url.Values, keys ...string) (int, error) {
	s := pickQuery(q, keys...)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer: %w", keys[0], sentinel.ErrValidation)
	}
	return n, nil
}
