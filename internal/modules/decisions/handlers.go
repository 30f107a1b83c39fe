package decisions

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/domain"
)

// Handler exposes the decision ledger over HTTP.
type Handler struct {
	service *Service
	log     zerolog.Logger
}

// NewHandler creates a decisions handler.
func NewHandler(service *Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "decisions").Logger(),
	}
}

// RegisterRoutes registers decision endpoints on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/decisions/timeline", h.handleTimeline)
	r.Get("/decisions/pending", h.handlePending)
	r.Get("/harness/{id}", h.handleDetail)
	r.Post("/harness/{id}/decision", h.handleDecide)
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := TimelineFilter{
		HarnessType: domain.HarnessType(q.Get("harness_type")),
		UserAction:  domain.UserAction(q.Get("user_action")),
		Model:       q.Get("model"),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			http.Error(w, "from must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			http.Error(w, "to must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		// Inclusive end of day
		f.To = t.AddDate(0, 0, 1).Add(-time.Second)
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}

	logs, err := h.service.Timeline(r.Context(), f)
	if err != nil {
		h.log.Error().Err(err).Msg("Timeline query failed")
		http.Error(w, "failed to load timeline", http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []domain.DecisionLog{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decisions": logs,
		"count":     len(logs),
		"offset":    f.Offset,
	})
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	ids, err := h.service.Pending(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Pending query failed")
		http.Error(w, "failed to load pending harnesses", http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": ids, "count": len(ids)})
}

func (h *Handler) handleDetail(w http.ResponseWriter, r *http.Request) {
	harnessID := chi.URLParam(r, "id")

	detail, err := h.service.Detail(r.Context(), harnessID)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Str("harness_id", harnessID).Msg("Detail query failed")
		http.Error(w, "failed to load harness detail", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleDecide(w http.ResponseWriter, r *http.Request) {
	harnessID := chi.URLParam(r, "id")

	var req struct {
		Action              string              `json:"action"`
		AdoptedModelIOID    string              `json:"adopted_model_io_id"`
		ExecutedAllocations []domain.Allocation `json:"executed_allocations"`
		Notes               string              `json:"notes"`
		TOTPCode            string              `json:"totp_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.service.Record(r.Context(), RecordParams{
		HarnessID:           harnessID,
		UserAction:          domain.UserAction(req.Action),
		AdoptedModelIOID:    req.AdoptedModelIOID,
		ExecutedAllocations: req.ExecutedAllocations,
		Notes:               req.Notes,
		TOTPCode:            req.TOTPCode,
	})
	if err != nil {
		var dup *domain.DuplicateDecisionError
		if errors.As(err, &dup) {
			http.Error(w, dup.Error(), http.StatusConflict)
			return
		}
		var auth *domain.AuthenticationError
		if errors.As(err, &auth) {
			http.Error(w, auth.Error(), http.StatusUnauthorized)
			return
		}
		if strings.Contains(err.Error(), "not found") {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Str("harness_id", harnessID).Msg("Decision failed")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
