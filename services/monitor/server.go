package monitor

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes builds the status router: liveness, readiness (ready after the
// first completed cycle), Prometheus metrics and the JSON status document.
func Routes(loop *Loop) (http.Handler, error) {
	if loop == nil {
		return nil, errors.New("loop is required")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if _, ok := loop.Last(); ok {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "no cycle completed yet", http.StatusServiceUnavailable)
	})
	r.Method(http.MethodGet, "/metrics", loop.Metrics().Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			respondJSON(w, http.StatusOK, loop.Status())
		})
	})

	return r, nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
