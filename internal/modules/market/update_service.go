package market

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/domain"
	"github.com/aristath/arena/internal/events"
)

// backfillYears is how far back a symbol with no stored history is seeded.
const backfillYears = 2

// UpdateService keeps history.db current. Fetches go through the primary
// provider with the fallback picking up per-symbol failures.
type UpdateService struct {
	history   *HistoryRepository
	primary   QuoteProvider
	fallback  QuoteProvider
	validator *Validator
	eventMgr  *events.Manager
	log       zerolog.Logger
}

// NewUpdateService creates an update service. fallback and eventMgr may be nil.
func NewUpdateService(
	history *HistoryRepository,
	primary, fallback QuoteProvider,
	validator *Validator,
	eventMgr *events.Manager,
	log zerolog.Logger,
) *UpdateService {
	return &UpdateService{
		history:   history,
		primary:   primary,
		fallback:  fallback,
		validator: validator,
		eventMgr:  eventMgr,
		log:       log.With().Str("service", "price_update").Logger(),
	}
}

// UpdateResult summarizes one update pass.
type UpdateResult struct {
	Updated   []string  `json:"updated"`
	Failed    []string  `json:"failed"`
	BarsAdded int       `json:"bars_added"`
	Anomalies []Anomaly `json:"anomalies,omitempty"`
}

// UpdateSymbol fetches and stores the bars a symbol is missing. A symbol
// with no stored history is backfilled backfillYears back. Returns the
// number of bars written.
func (s *UpdateService) UpdateSymbol(ctx context.Context, symbol string) (int, error) {
	latest, err := s.history.GetLatestDate(symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to determine latest date for %s: %w", symbol, err)
	}

	now := time.Now().UTC()
	var from time.Time
	if latest == "" {
		from = now.AddDate(-backfillYears, 0, 0)
		s.log.Info().Str("symbol", symbol).Time("from", from).Msg("No stored history, backfilling")
	} else {
		latestDate, err := time.Parse("2006-01-02", latest)
		if err != nil {
			return 0, fmt.Errorf("stored latest date %q is malformed: %w", latest, err)
		}
		from = latestDate.AddDate(0, 0, 1)
	}

	if !from.Before(now.AddDate(0, 0, 1)) {
		// Already current
		return 0, nil
	}

	bars, err := s.fetchHistory(ctx, symbol, from, now)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, nil
	}

	bars = s.validator.FilterBars(symbol, bars)
	s.validator.DetectAnomalies(symbol, bars)

	if err := s.history.UpsertBars(symbol, bars); err != nil {
		return 0, err
	}

	return len(bars), nil
}

// Backfill fetches a full series for a symbol regardless of what is stored.
// Existing rows are replaced in place.
func (s *UpdateService) Backfill(ctx context.Context, symbol string, years int) (int, error) {
	if years <= 0 {
		years = backfillYears
	}

	now := time.Now().UTC()
	bars, err := s.fetchHistory(ctx, symbol, now.AddDate(-years, 0, 0), now)
	if err != nil {
		return 0, err
	}

	bars = s.validator.FilterBars(symbol, bars)

	if err := s.history.UpsertBars(symbol, bars); err != nil {
		return 0, err
	}

	s.log.Info().Str("symbol", symbol).Int("bars", len(bars)).Msg("Backfill complete")
	return len(bars), nil
}

// RobustUpdateAll updates every given symbol, isolating per-symbol failures
// so one bad symbol never aborts the pass. Emits PRICE_UPDATED when done.
func (s *UpdateService) RobustUpdateAll(ctx context.Context, symbols []string) (*UpdateResult, error) {
	result := &UpdateResult{
		Updated: []string{},
		Failed:  []string{},
	}

	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		added, err := s.UpdateSymbol(ctx, symbol)
		if err != nil {
			s.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to update symbol")
			result.Failed = append(result.Failed, symbol)
			continue
		}

		result.Updated = append(result.Updated, symbol)
		result.BarsAdded += added
	}

	s.log.Info().
		Int("updated", len(result.Updated)).
		Int("failed", len(result.Failed)).
		Int("bars_added", result.BarsAdded).
		Msg("Price update pass complete")

	if s.eventMgr != nil {
		s.eventMgr.EmitData("market", &events.PriceUpdatedData{
			Updated: len(result.Updated),
			Failed:  result.Failed,
		})
	}

	return result, nil
}

// ValidateSymbol runs continuity and anomaly checks over a symbol's stored
// history for the last two years.
func (s *UpdateService) ValidateSymbol(symbol string) ([]Gap, []Anomaly, error) {
	now := time.Now().UTC()
	from := now.AddDate(-backfillYears, 0, 0).Format("2006-01-02")
	to := now.Format("2006-01-02")

	bars, err := s.history.GetBars(symbol, from, to)
	if err != nil {
		return nil, nil, err
	}

	gaps := s.validator.CheckContinuity(symbol, bars)
	anomalies := s.validator.DetectAnomalies(symbol, bars)

	return gaps, anomalies, nil
}

// fetchHistory pulls daily bars through the provider chain.
func (s *UpdateService) fetchHistory(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
	bars, err := s.primary.GetDailyHistory(ctx, symbol, from, to)
	if err == nil {
		return bars, nil
	}

	if s.fallback == nil {
		return nil, fmt.Errorf("failed to fetch history for %s: %w", symbol, err)
	}

	s.log.Warn().Err(err).Str("symbol", symbol).Msg("Primary history source failed, trying fallback")

	bars, fbErr := s.fallback.GetDailyHistory(ctx, symbol, from, to)
	if fbErr != nil {
		return nil, fmt.Errorf("all history sources failed for %s: primary: %v, fallback: %w", symbol, err, fbErr)
	}

	return bars, nil
}
