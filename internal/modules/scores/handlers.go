package scores

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler exposes the model leaderboard over HTTP.
type Handler struct {
	service *Service
	log     zerolog.Logger
}

// NewHandler creates a scores handler.
func NewHandler(service *Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "scores").Logger(),
	}
}

// RegisterRoutes registers leaderboard endpoints on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/leaderboard", h.handleLeaderboard)
}

func (h *Handler) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	rows, err := h.service.Leaderboard(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Leaderboard query failed")
		http.Error(w, "failed to compute leaderboard", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []ModelScore{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"models": rows,
		"count":  len(rows),
	}); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
