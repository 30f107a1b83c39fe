package memory

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/domain"
)

// Handler exposes memory entries over HTTP.
type Handler struct {
	store *Store
	log   zerolog.Logger
}

// NewHandler creates a memory handler.
func NewHandler(store *Store, log zerolog.Logger) *Handler {
	return &Handler{
		store: store,
		log:   log.With().Str("handler", "memory").Logger(),
	}
}

// RegisterRoutes registers memory endpoints on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/memory", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleWrite)
		r.Get("/context", h.handleContextSlice)
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	category := domain.MemoryCategory(r.URL.Query().Get("category"))

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	entries, err := h.store.List(r.Context(), category, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list memory entries")
		http.Error(w, "failed to list memory entries", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []domain.MemoryEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *Handler) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category string `json:"category"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	entry, err := h.store.Write(r.Context(), domain.MemoryCategory(req.Category), req.Content)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleContextSlice(w http.ResponseWriter, r *http.Request) {
	mc, err := h.store.ContextSlice(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build memory context")
		http.Error(w, "failed to build memory context", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, mc)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
