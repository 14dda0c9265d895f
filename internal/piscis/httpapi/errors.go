package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/acuicola/piscis/common/sentinel"
	"github.com/acuicola/piscis/internal/piscis/observability"
	"github.com/acuicola/piscis/internal/piscis/passcheck"
)

// invalidCodeMessage is the one answer to every failed code verification,
// so callers cannot tell a wrong code from an expired or spent one.
const invalidCodeMessage = "código inválido o expirado"

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError maps err to a status code and a JSON body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= 500 {
		observability.WithTrace(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	} else {
		observability.WithTrace(r.Context()).Debug("request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, errorBody) {
	var fe *passcheck.ForbiddenError
	switch {
	case errors.As(err, &fe):
		return http.StatusForbidden, errorBody{Error: "forbidden", Message: fe.Error()}
	case sentinel.IsCodeFailure(err):
		return http.StatusBadRequest, errorBody{Error: "invalid_code", Message: invalidCodeMessage}
	case errors.Is(err, sentinel.ErrValidation):
		return http.StatusBadRequest, errorBody{Error: "validation_error", Message: err.Error()}
	case errors.Is(err, sentinel.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()}
	case errors.Is(err, sentinel.ErrInvalidState):
		return http.StatusConflict, errorBody{Error: "invalid_state", Message: err.Error()}
	case errors.Is(err, sentinel.ErrForbidden):
		return http.StatusForbidden, errorBody{Error: "forbidden", Message: err.Error()}
	case errors.Is(err, sentinel.ErrUnauthorized):
		return http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: err.Error()}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal_error", Message: "internal server error"}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("httpapi: failed to encode JSON response", "err", err)
	}
}
