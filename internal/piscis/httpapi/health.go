package httpapi

import (
	"net/http"
	"time"

	"github.com/acuicola/piscis/common/version"
)

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status          string    `json:"status"`
	Version         string    `json:"version"`
	Commit          string    `json:"commit"`
	BuildTime       string    `json:"build_time"`
	StartedAt       time.Time `json:"started_at"`
	UptimeSecs      float64   `json:"uptime_seconds"`
	PendingRequests int       `json:"pending_requests"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Service: version.Service,
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

// handleStatus reports runtime statistics. A failing count degrades the
// status instead of failing the probe.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  s.startedAt,
		UptimeSecs: time.Since(s.startedAt).Seconds(),
	}
	if s.status != nil {
		n, err := s.status.PendingCount(r.Context())
		if err != nil {
			resp.Status = "degraded"
		} else {
			resp.PendingRequests = n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
