// Package httptransport assembles the service's HTTP surface. It delegates
// to domain handlers so transport concerns remain isolated.
package httptransport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	pushhandler "livecache/internal/push/handler"
	"livecache/internal/transport/http/shared"
	dErrors "livecache/pkg/domain-errors"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps carries everything the router mounts. Checkers may be empty when a
// dependency is not configured.
type Deps struct {
	Push     *pushhandler.Handler
	Checkers map[string]HealthChecker
}

// NewRouter wires all public endpoints.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", handleHealthz(deps.Checkers))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if deps.Push != nil {
		deps.Push.Register(r)
	}

	return r
}

// handleHealthz pings each configured dependency; any failure is 503 with
// the failing components named.
func handleHealthz(checkers map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		failures := make(map[string]string)
		for name, checker := range checkers {
			if err := checker.Health(r.Context()); err != nil {
				failures[name] = err.Error()
			}
		}
		if len(failures) > 0 {
			shared.WriteJSON(w, dErrors.HTTPStatus(dErrors.CodeUnavailable), map[string]any{
				"status":   "degraded",
				"failures": failures,
			})
			return
		}
		shared.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
