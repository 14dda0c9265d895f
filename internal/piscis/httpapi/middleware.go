package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/acuicola/piscis/common/trace"
	"github.com/acuicola/piscis/internal/piscis/auth"
	"github.com/acuicola/piscis/internal/piscis/observability"
)

var validTraceID = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)

// traceRequests accepts a well-formed caller trace ID or generates one, and
// echoes it on the response.
func traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(trace.Header)
		if !validTraceID.MatchString(id) {
			id = trace.GenerateID()
		}
		w.Header().Set(trace.Header, id)
		next.ServeHTTP(w, r.WithContext(trace.WithTraceID(r.Context(), id)))
	})
}

// observe logs every request and records it in the HTTP metrics under its
// route pattern.
func (s *server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		s.metrics.ObserveHTTP(r.Method, route, status, elapsed)

		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		}
		observability.WithTrace(r.Context()).Log(r.Context(), level, "http request",
			"method", r.Method, "route", route, "status", status, "duration_ms", elapsed.Milliseconds())
	})
}

func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				writeError(w, r, fmt.Errorf("panic: %v", p))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		actor, err := s.tokens.ValidateToken(token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithActor(r.Context(), actor)))
	})
}

// actorFrom returns the actor set by authenticate.
func actorFrom(r *http.Request) auth.Actor {
	a, _ := auth.ActorFromContext(r.Context())
	return a
}
