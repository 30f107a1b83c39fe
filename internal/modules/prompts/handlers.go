package prompts

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler exposes prompt version management over HTTP.
type Handler struct {
	repo *Repository
	log  zerolog.Logger
}

// NewHandler creates a prompts handler.
func NewHandler(repo *Repository, log zerolog.Logger) *Handler {
	return &Handler{
		repo: repo,
		log:  log.With().Str("handler", "prompts").Logger(),
	}
}

// RegisterRoutes registers prompt endpoints on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/prompts", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Get("/current", h.handleCurrent)
		r.Post("/{version}/activate", h.handleActivate)
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	versions, err := h.repo.List(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list prompt versions")
		http.Error(w, "failed to list prompt versions", http.StatusInternalServerError)
		return
	}
	if versions == nil {
		versions = []PromptVersion{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"versions": versions,
		"count":    len(versions),
	})
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	pv, err := h.repo.Current(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load current prompt")
		http.Error(w, "no current prompt version", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, pv)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SystemPrompt string `json:"system_prompt"`
		Notes        string `json:"notes"`
		Activate     bool   `json:"activate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.SystemPrompt) == "" {
		http.Error(w, "system_prompt is required", http.StatusBadRequest)
		return
	}

	pv, err := h.repo.Create(r.Context(), req.SystemPrompt, req.Notes)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to create prompt version")
		http.Error(w, "failed to create prompt version", http.StatusInternalServerError)
		return
	}

	if req.Activate {
		if err := h.repo.SetCurrent(r.Context(), pv.Version); err != nil {
			h.log.Error().Err(err).Str("version", pv.Version).Msg("Failed to activate new prompt version")
			http.Error(w, "created but failed to activate", http.StatusInternalServerError)
			return
		}
		pv.IsCurrent = true
	}

	writeJSON(w, http.StatusCreated, pv)
}

func (h *Handler) handleActivate(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")

	if err := h.repo.SetCurrent(r.Context(), version); err != nil {
		if strings.Contains(err.Error(), "not found") {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Str("version", version).Msg("Failed to activate prompt version")
		http.Error(w, "failed to activate prompt version", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"current": version})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
