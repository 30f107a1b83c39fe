package market

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/domain"
)

const (
	fetchAttempts  = 2
	initialBackoff = 500 * time.Millisecond
)

// QuoteProvider fetches live quotes and daily history from an upstream API.
// Both the FMP and AlphaVantage clients satisfy this.
type QuoteProvider interface {
	GetQuote(ctx context.Context, symbol string) (*domain.Quote, error)
	GetDailyHistory(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error)
}

// QuoteService resolves current quotes through a provider chain:
// primary API, then fallback API, then the local quote cache as a last
// resort. Cache hits from the last resort are marked degraded in the log.
type QuoteService struct {
	primary  QuoteProvider
	fallback QuoteProvider
	cache    *CacheRepository
	log      zerolog.Logger
}

// NewQuoteService creates a quote service. fallback and cache may be nil.
func NewQuoteService(primary, fallback QuoteProvider, cache *CacheRepository, log zerolog.Logger) *QuoteService {
	return &QuoteService{
		primary:  primary,
		fallback: fallback,
		cache:    cache,
		log:      log.With().Str("service", "quotes").Logger(),
	}
}

// GetQuote fetches a quote for one symbol through the chain. Successful
// upstream fetches refresh the cache.
func (s *QuoteService) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	quote, err := fetchWithRetry(ctx, symbol, s.primary)
	if err != nil && s.fallback != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("Primary quote source failed, trying fallback")
		quote, err = fetchWithRetry(ctx, symbol, s.fallback)
	}

	if err == nil && quote != nil {
		if s.cache != nil {
			if cacheErr := s.cache.UpsertQuote(*quote); cacheErr != nil {
				s.log.Warn().Err(cacheErr).Str("symbol", symbol).Msg("Failed to refresh quote cache")
			}
		}
		return quote, nil
	}

	// Last resort: serve the stale cached quote
	if s.cache != nil {
		cached, cacheErr := s.cache.GetQuote(symbol)
		if cacheErr == nil && cached != nil {
			s.log.Warn().
				Str("symbol", symbol).
				Time("fetched_at", cached.FetchedAt).
				Msg("Serving stale cached quote, upstream sources unavailable")
			return cached, nil
		}
	}

	return nil, fmt.Errorf("all quote sources failed for %s: %w", symbol, err)
}

// GetQuotes fetches quotes for multiple symbols. Per-symbol failures are
// logged and skipped; the returned map holds whatever succeeded.
func (s *QuoteService) GetQuotes(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	quotes := make(map[string]domain.Quote, len(symbols))

	for _, symbol := range symbols {
		quote, err := s.GetQuote(ctx, symbol)
		if err != nil {
			s.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to fetch quote")
			continue
		}
		quotes[symbol] = *quote
	}

	if len(quotes) == 0 && len(symbols) > 0 {
		return nil, fmt.Errorf("no quotes could be fetched for %d symbols", len(symbols))
	}

	return quotes, nil
}

// fetchWithRetry calls a provider with exponential backoff between attempts.
func fetchWithRetry(ctx context.Context, symbol string, provider QuoteProvider) (*domain.Quote, error) {
	var lastErr error

	backoff := initialBackoff
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		quote, err := provider.GetQuote(ctx, symbol)
		if err == nil {
			return quote, nil
		}
		lastErr = err

		if attempt < fetchAttempts {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, lastErr
}
