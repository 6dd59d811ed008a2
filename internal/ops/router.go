// Package ops is the operator-facing HTTP surface: health, metrics and
// manual triggers for the maintenance passes. The end-user request layer
// lives elsewhere and is not this server's job.
package ops

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"researchd/internal/audit"
	"researchd/internal/migrate"
)

type Config struct {
	Migrator *migrate.Migrator
	Audit    *audit.Store
	Logger   zerolog.Logger

	HealthPath  string
	MetricsPath string
}

func NewRouter(cfg Config) http.Handler {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(cfg.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle(cfg.MetricsPath, promhttp.Handler())

	r.Post("/admin/migration", runHandler(cfg, "migration"))
	r.Post("/admin/sweep", runHandler(cfg, "cleanup"))
	r.Get("/admin/runs", func(w http.ResponseWriter, req *http.Request) {
		if cfg.Audit == nil {
			writeJSON(w, http.StatusOK, []audit.Run{})
			return
		}
		runs, err := cfg.Audit.ListRuns(req.Context(), 50)
		if err != nil {
			cfg.Logger.Error().Err(err).Msg("failed to list maintenance runs")
			writeError(w, http.StatusInternalServerError, "failed to list runs")
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})

	return r
}

func runHandler(cfg Config, kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var (
			report *migrate.Report
			err    error
		)
		switch kind {
		case "migration":
			report, err = cfg.Migrator.Run(req.Context())
		default:
			report, err = cfg.Migrator.Sweep(req.Context())
		}
		if err != nil {
			cfg.Logger.Error().Err(err).Str("kind", kind).Msg("maintenance pass failed")
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if cfg.Audit != nil {
			if _, err := cfg.Audit.RecordReport(req.Context(), report); err != nil {
				// The pass itself succeeded; losing the audit row is
				// log-worthy, not a request failure.
				cfg.Logger.Error().Err(err).Str("kind", kind).Msg("failed to record maintenance run")
			}
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
