package market

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler exposes market data and watchlist operations over HTTP.
type Handler struct {
	quotes    *QuoteService
	updates   *UpdateService
	service   *Service
	watchlist *WatchlistRepository
	log       zerolog.Logger
}

// NewHandler creates a market handler.
func NewHandler(
	quotes *QuoteService,
	updates *UpdateService,
	service *Service,
	watchlist *WatchlistRepository,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		quotes:    quotes,
		updates:   updates,
		service:   service,
		watchlist: watchlist,
		log:       log.With().Str("handler", "market").Logger(),
	}
}

// RegisterRoutes mounts market and watchlist routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/market", func(r chi.Router) {
		r.Get("/quote/{symbol}", h.HandleGetQuote)
		r.Get("/history/{symbol}", h.HandleGetHistory)
		r.Post("/update", h.HandleUpdate)
		r.Get("/validate/{symbol}", h.HandleValidate)
	})

	r.Route("/watchlist", func(r chi.Router) {
		r.Get("/", h.HandleListWatchlist)
		r.Post("/", h.HandleAddToWatchlist)
		r.Delete("/{symbol}", h.HandleRemoveFromWatchlist)
	})
}

// HandleGetQuote handles GET /api/market/quote/{symbol}
func (h *Handler) HandleGetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))

	quote, err := h.quotes.GetQuote(r.Context(), symbol)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to get quote")
		http.Error(w, "Failed to get quote", http.StatusBadGateway)
		return
	}

	h.writeJSON(w, http.StatusOK, quote)
}

// HandleGetHistory handles GET /api/market/history/{symbol}?from=&to=
func (h *Handler) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))

	to := time.Now().UTC()
	from := to.AddDate(0, -3, 0)

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			http.Error(w, "Invalid from date, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			http.Error(w, "Invalid to date, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		to = t
	}

	bars, err := h.service.GetHistory(r.Context(), symbol, from, to)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to get history")
		http.Error(w, "Failed to get history", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": symbol,
		"from":   from.Format("2006-01-02"),
		"to":     to.Format("2006-01-02"),
		"bars":   bars,
	})
}

// HandleUpdate handles POST /api/market/update
// Runs a full price update pass over the active watchlist.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	symbols, err := h.watchlist.ActiveSymbols()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load watchlist")
		http.Error(w, "Failed to load watchlist", http.StatusInternalServerError)
		return
	}

	result, err := h.updates.RobustUpdateAll(r.Context(), symbols)
	if err != nil {
		h.log.Error().Err(err).Msg("Price update failed")
		http.Error(w, "Price update failed", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// HandleValidate handles GET /api/market/validate/{symbol}
func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))

	gaps, anomalies, err := h.updates.ValidateSymbol(symbol)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("Validation failed")
		http.Error(w, "Validation failed", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":    symbol,
		"gaps":      gaps,
		"anomalies": anomalies,
		"clean":     len(gaps) == 0 && len(anomalies) == 0,
	})
}

// HandleListWatchlist handles GET /api/watchlist
func (h *Handler) HandleListWatchlist(w http.ResponseWriter, r *http.Request) {
	entries, err := h.watchlist.List(false)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list watchlist")
		http.Error(w, "Failed to list watchlist", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, entries)
}

// HandleAddToWatchlist handles POST /api/watchlist
func (h *Handler) HandleAddToWatchlist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
		Name   string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.Symbol) == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}

	if err := h.watchlist.Add(req.Symbol, req.Name); err != nil {
		h.log.Error().Err(err).Str("symbol", req.Symbol).Msg("Failed to add watchlist entry")
		http.Error(w, "Failed to add watchlist entry", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{
		"message": "Added " + strings.ToUpper(strings.TrimSpace(req.Symbol)) + " to watchlist",
	})
}

// HandleRemoveFromWatchlist handles DELETE /api/watchlist/{symbol}
func (h *Handler) HandleRemoveFromWatchlist(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	if err := h.watchlist.Remove(symbol); err != nil {
		h.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to remove watchlist entry")
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"message": "Removed " + strings.ToUpper(symbol) + " from watchlist",
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
