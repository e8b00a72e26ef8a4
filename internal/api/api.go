// Package api serves the posture service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/yairfalse/posture/internal/service"
	"github.com/yairfalse/posture/pkg/compliance"
	"github.com/yairfalse/posture/pkg/resource"
)

// Service is the subset of service.Service the handlers use.
type Service interface {
	TriggerScan(ctx context.Context) (*compliance.ScanSummary, error)
	Scanning() bool
	CurrentInventory(ctx context.Context, kind resource.Kind) ([]resource.Record, error)
	CheckResults(ctx context.Context, ruleID string) ([]compliance.CheckResult, error)
	Dashboard(ctx context.Context) (service.Dashboard, error)
}

// Handler routes /api requests to a Service.
type Handler struct {
	svc    Service
	logger zerolog.Logger
	mux    *http.ServeMux
}

// NewHandler builds the route table.
func NewHandler(svc Service, logger zerolog.Logger) *Handler {
	h := &Handler{
		svc:    svc,
		logger: logger.With().Str("component", "api").Logger(),
		mux:    http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /api/health", h.health)
	h.mux.HandleFunc("POST /api/scan", h.scan)
	h.mux.HandleFunc("GET /api/inventory/{kind}", h.inventory)
	h.mux.HandleFunc("GET /api/instances", h.inventoryOf(resource.KindInstance))
	h.mux.HandleFunc("GET /api/buckets", h.inventoryOf(resource.KindBucket))
	h.mux.HandleFunc("GET /api/results", h.results)
	h.mux.HandleFunc("GET /api/cis-results", h.results)
	h.mux.HandleFunc("GET /api/dashboard/summary", h.dashboard)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "UP",
		"service":  "posture",
		"scanning": h.svc.Scanning(),
	})
}

func (h *Handler) scan(w http.ResponseWriter, r *http.Request) {
	h.logger.Info().Msg("scan requested")

	summary, err := h.svc.TriggerScan(r.Context())
	switch {
	case errors.Is(err, service.ErrScanInProgress):
		h.writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case err != nil:
		h.logger.Error().Err(err).Msg("scan could not begin")
		if summary == nil {
			summary = &compliance.ScanSummary{
				Status: compliance.ScanFailed,
				Errors: []compliance.StepError{{Step: compliance.StepInit, Message: err.Error()}},
			}
		}
		h.writeJSON(w, http.StatusInternalServerError, summary)
	default:
		h.writeJSON(w, http.StatusOK, summary)
	}
}

func (h *Handler) inventory(w http.ResponseWriter, r *http.Request) {
	kind, err := resource.ParseKind(r.PathValue("kind"))
	if err != nil {
		h.writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	h.inventoryOf(kind)(w, r)
}

func (h *Handler) inventoryOf(kind resource.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := h.svc.CurrentInventory(r.Context(), kind)
		if err != nil {
			h.internalError(w, err, "list inventory")
			return
		}
		if records == nil {
			records = []resource.Record{}
		}
		h.writeJSON(w, http.StatusOK, records)
	}
}

func (h *Handler) results(w http.ResponseWriter, r *http.Request) {
	results, err := h.svc.CheckResults(r.Context(), r.URL.Query().Get("rule"))
	if err != nil {
		h.internalError(w, err, "list results")
		return
	}
	if results == nil {
		results = []compliance.CheckResult{}
	}
	h.writeJSON(w, http.StatusOK, results)
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Dashboard(r.Context())
	if err != nil {
		h.internalError(w, err, "dashboard")
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

func (h *Handler) internalError(w http.ResponseWriter, err error, op string) {
	h.logger.Error().Err(err).Str("op", op).Msg("request failed")
	h.writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn().Err(err).Msg("write response")
	}
}
