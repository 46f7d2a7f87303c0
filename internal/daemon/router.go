// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ManuGH/sdrd/internal/control"
	"github.com/ManuGH/sdrd/internal/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readinessTimeout = 2 * time.Second

type healthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// NewOpsRouter serves the operational endpoints. Session control is not
// exposed here.
func NewOpsRouter(svc *control.Service, version string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(otelHTTP("sdrd.ops"))
	r.Use(rateLimit(opsRequestLimit, opsWindow))

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Version: version, Timestamp: time.Now().UTC()})
	})

	// Ready means device detection answers, since every start depends on it.
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), readinessTimeout)
		defer cancel()
		if _, err := svc.Devices(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Version: version, Timestamp: time.Now().UTC(), Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Version: version, Timestamp: time.Now().UTC()})
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, svc.Report())
	})

	r.Get("/devices", func(w http.ResponseWriter, req *http.Request) {
		devs, err := svc.Devices(req.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, devs)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("daemon")
		logger.Debug().Err(err).Msg("write response")
	}
}
