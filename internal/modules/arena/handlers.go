package arena

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/domain"
)

// Handler exposes arena runs and replays over HTTP.
type Handler struct {
	service       *Service
	defaultBudget float64
	log           zerolog.Logger
}

// NewHandler creates an arena handler.
func NewHandler(service *Service, defaultBudget float64, log zerolog.Logger) *Handler {
	return &Handler{
		service:       service,
		defaultBudget: defaultBudget,
		log:           log.With().Str("handler", "arena").Logger(),
	}
}

// RegisterRoutes registers arena endpoints on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/arena/run", h.handleRun)
	r.Post("/harness/{id}/replay", h.handleReplay)
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HarnessType string   `json:"harness_type"`
		Budget      *float64 `json:"budget"`
		Models      []string `json:"models"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	harnessType := domain.HarnessType(req.HarnessType)
	switch harnessType {
	case domain.HarnessMonthlyDCA, domain.HarnessRebalance, domain.HarnessAdHoc:
	default:
		http.Error(w, "harness_type must be monthly_dca, rebalance, or ad_hoc", http.StatusBadRequest)
		return
	}

	budget := h.defaultBudget
	if req.Budget != nil {
		if *req.Budget < 0 {
			http.Error(w, "budget must not be negative", http.StatusBadRequest)
			return
		}
		budget = *req.Budget
	}

	result, err := h.service.RunNew(r.Context(), harnessType, budget, req.Models)
	if err != nil {
		var incomplete *domain.IncompleteDataError
		if errors.As(err, &incomplete) {
			http.Error(w, incomplete.Error(), http.StatusUnprocessableEntity)
			return
		}
		if strings.Contains(err.Error(), "unknown model") {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.Error().Err(err).Msg("Arena run failed")
		http.Error(w, "arena run failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleReplay(w http.ResponseWriter, r *http.Request) {
	harnessID := chi.URLParam(r, "id")

	var req struct {
		Models []string `json:"models"`
	}
	if r.Body != nil {
		// Replay accepts an empty body
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	result, err := h.service.Replay(r.Context(), harnessID, req.Models)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if strings.Contains(err.Error(), "unknown model") {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.Error().Err(err).Str("harness_id", harnessID).Msg("Replay failed")
		http.Error(w, "replay failed", http.StatusInternalServerError)
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
