// Package market owns everything price-shaped: the daily bar store, the
// quote fetch chain, indicator snapshots, validation, and the watchlist.
//
// Reads used for decision inputs are point-in-time: a caller asking for
// data as of date D can never receive a bar dated after D. That guarantee
// is what makes harness replays honest.
package market

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/domain"
)

// snapshotLookbackBars is how many trailing bars feed indicator
// computation. Covers the 200-day moving average with margin.
const snapshotLookbackBars = 260

// Service is the read surface over stored market history. It implements
// domain.MarketDataProvider for the harness builder, the counterfactual
// sweep, and the model tool loop.
type Service struct {
	history *HistoryRepository
	cache   *CacheRepository
	log     zerolog.Logger
}

// NewService creates a market data service. cache may be nil.
func NewService(history *HistoryRepository, cache *CacheRepository, log zerolog.Logger) *Service {
	return &Service{
		history: history,
		cache:   cache,
		log:     log.With().Str("service", "market_data").Logger(),
	}
}

// GetQuoteAsOf returns the latest stored bar with date <= asOf.
// Bars after asOf are invisible to this call.
func (s *Service) GetQuoteAsOf(ctx context.Context, symbol string, asOf time.Time) (*domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ceiling := asOf.UTC().Format("2006-01-02")

	bars, err := s.history.GetBarsUpTo(symbol, ceiling, 1)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no bars for %s on or before %s", symbol, ceiling)
	}

	return &bars[0], nil
}

// GetHistory returns bars for [from, to], ascending. Ranges that end before
// today are immutable and served through the series cache when possible.
func (s *Service) GetHistory(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fromStr := from.UTC().Format("2006-01-02")
	toStr := to.UTC().Format("2006-01-02")
	today := time.Now().UTC().Format("2006-01-02")

	cacheable := s.cache != nil && toStr < today
	key := SeriesKey(symbol, fromStr, toStr)

	if cacheable {
		cached, err := s.cache.GetSeries(key)
		if err == nil && cached != nil {
			return cached, nil
		}
	}

	bars, err := s.history.GetBars(symbol, fromStr, toStr)
	if err != nil {
		return nil, err
	}

	if cacheable && len(bars) > 0 {
		if err := s.cache.SetSeries(key, bars); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("Failed to cache series")
		}
	}

	return bars, nil
}

// SnapshotAsOf builds the indicator snapshot for a symbol using only bars
// dated on or before asOf.
func (s *Service) SnapshotAsOf(ctx context.Context, symbol string, asOf time.Time) (*domain.SymbolSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ceiling := asOf.UTC().Format("2006-01-02")

	bars, err := s.history.GetBarsUpTo(symbol, ceiling, snapshotLookbackBars)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no bars for %s on or before %s", symbol, ceiling)
	}

	return BuildSnapshot(bars)
}

// ExitBar finds the bar used to close out a counterfactual horizon: the
// latest bar with date <= target, looking back at most lookbackDays
// calendar days. Returns nil when the window holds no bar, which callers
// treat as "not computable yet".
func (s *Service) ExitBar(ctx context.Context, symbol string, target time.Time, lookbackDays int) (*domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	targetStr := target.UTC().Format("2006-01-02")
	lowerBound := target.UTC().AddDate(0, 0, -lookbackDays).Format("2006-01-02")

	return s.history.GetBarOnOrBefore(symbol, targetStr, lowerBound)
}
