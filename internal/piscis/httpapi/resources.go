package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/acuicola/piscis/internal/piscis/resources"
)

type recordPage struct {
	Items    []map[string]any `json:"items"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"pageSize"`
}

func resourceActor(r *http.Request) resources.Actor {
	a := actorFrom(r)
	return resources.Actor{ID: a.ID, Privileged: a.Privileged()}
}

func (s *server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intQuery(q, "page")
	if err != nil {
		writeError(w, r, err)
		return
	}
	size, err := intQuery(q, pageSizeKeys...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	inactive := truthy(pickQuery(q, inactiveKeys...))

	opts := resources.ListOptions{IncludeInactive: inactive, Page: page, PageSize: size}
	recs, total, err := s.mutator.List(r.Context(), chi.URLParam(r, "resource"), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	out := recordPage{Items: make([]map[string]any, 0, len(recs)), Total: total, Page: page, PageSize: size}
	for _, rec := range recs {
		out.Items = append(out.Items, rec.View())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	body, err := decodeObject(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.mutator.Create(r.Context(), resourceActor(r), chi.URLParam(r, "resource"), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec.View())
}

func (s *server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.mutator.Get(r.Context(), chi.URLParam(r, "resource"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.View())
}

func (s *server) handleReplaceRecord(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, s.mutator.Replace)
}

func (s *server) handlePatchRecord(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, s.mutator.Patch)
}

func (s *server) handleDeactivateRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.mutator.Deactivate(r.Context(), resourceActor(r), chi.URLParam(r, "resource"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.View())
}

type mutateFunc func(ctx context.Context, actor resources.Actor, resource, id string, doc map[string]any) (*resources.Record, error)

func (s *server) mutate(w http.ResponseWriter, r *http.Request, fn mutateFunc) {
	body, err := decodeObject(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := fn(r.Context(), resourceActor(r), chi.URLParam(r, "resource"), chi.URLParam(r, "id"), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.View())
}
