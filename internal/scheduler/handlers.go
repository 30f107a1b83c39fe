package scheduler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handler exposes schedule management over HTTP.
type Handler struct {
	service *Service
	log     zerolog.Logger
}

// NewHandler creates a scheduler handler.
func NewHandler(service *Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "scheduler").Logger(),
	}
}

// RegisterRoutes registers schedule endpoints on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/schedules", h.handleList)
	r.Post("/schedules", h.handleCreate)
	r.Put("/schedules/{id}", h.handleUpdate)
	r.Delete("/schedules/{id}", h.handleDelete)
	r.Post("/schedules/{id}/enable", h.handleSetEnabled(true))
	r.Post("/schedules/{id}/disable", h.handleSetEnabled(false))
	r.Post("/schedules/{id}/trigger", h.handleTrigger)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.service.List(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list schedules")
		http.Error(w, "failed to list schedules", http.StatusInternalServerError)
		return
	}
	if schedules == nil {
		schedules = []Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"schedules": schedules, "count": len(schedules)})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string                 `json:"name"`
		CronExpr string                 `json:"cron_expr"`
		JobType  string                 `json:"job_type"`
		Params   map[string]interface{} `json:"params"`
		Enabled  *bool                  `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.CronExpr == "" || req.JobType == "" {
		http.Error(w, "name, cron_expr, and job_type are required", http.StatusBadRequest)
		return
	}

	sched := &Schedule{
		ID:        uuid.New().String(),
		Name:      req.Name,
		CronExpr:  req.CronExpr,
		JobType:   req.JobType,
		Params:    req.Params,
		Enabled:   req.Enabled == nil || *req.Enabled,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.service.Create(r.Context(), sched); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		CronExpr string                 `json:"cron_expr"`
		Params   map[string]interface{} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CronExpr == "" {
		http.Error(w, "cron_expr is required", http.StatusBadRequest)
		return
	}
	if req.Params == nil {
		req.Params = map[string]interface{}{}
	}

	if err := h.service.Update(r.Context(), id, req.CronExpr, req.Params); err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.Delete(r.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if err := h.service.SetEnabled(r.Context(), id, enabled); err != nil {
			status := http.StatusInternalServerError
			if strings.Contains(err.Error(), "not found") {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": enabled})
	}
}

func (h *Handler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.Trigger(r.Context(), id); err != nil {
		if strings.Contains(err.Error(), "not found") {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Str("schedule_id", id).Msg("Manual trigger failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "triggered"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
