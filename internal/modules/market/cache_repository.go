package market

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/arena/internal/domain"
)

// CacheRepository stores last-known quotes and encoded bar series in
// cache.db. Everything here is disposable; the cache profile runs with
// synchronous=OFF and the file can be deleted at any time.
type CacheRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCacheRepository creates a new cache repository.
func NewCacheRepository(db *sql.DB, log zerolog.Logger) *CacheRepository {
	return &CacheRepository{
		db:  db,
		log: log.With().Str("repo", "market_cache").Logger(),
	}
}

// UpsertQuote stores the last successfully fetched quote for a symbol.
func (r *CacheRepository) UpsertQuote(q domain.Quote) error {
	_, err := r.db.Exec(`
		INSERT OR REPLACE INTO quote_cache (symbol, price, change_pct, source, fetched_at)
		VALUES (?, ?, ?, ?, ?)
	`, q.Symbol, q.Price, q.ChangePct, q.Source, q.FetchedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to cache quote for %s: %w", q.Symbol, err)
	}
	return nil
}

// GetQuote returns the cached quote for a symbol, or nil if none exists.
func (r *CacheRepository) GetQuote(symbol string) (*domain.Quote, error) {
	var q domain.Quote
	var fetchedAt string

	err := r.db.QueryRow(`
		SELECT symbol, price, change_pct, source, fetched_at
		FROM quote_cache
		WHERE symbol = ?
	`, symbol).Scan(&q.Symbol, &q.Price, &q.ChangePct, &q.Source, &fetchedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached quote: %w", err)
	}

	if t, err := time.Parse(time.RFC3339, fetchedAt); err == nil {
		q.FetchedAt = t
	}

	return &q, nil
}

// SetSeries stores a bar series under a cache key, msgpack-encoded.
func (r *CacheRepository) SetSeries(key string, bars []domain.Bar) error {
	payload, err := msgpack.Marshal(bars)
	if err != nil {
		return fmt.Errorf("failed to encode series: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT OR REPLACE INTO series_cache (cache_key, payload, created_at)
		VALUES (?, ?, ?)
	`, key, payload, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to cache series %s: %w", key, err)
	}

	return nil
}

// GetSeries returns a cached bar series, or nil if the key is absent.
func (r *CacheRepository) GetSeries(key string) ([]domain.Bar, error) {
	var payload []byte
	err := r.db.QueryRow(`SELECT payload FROM series_cache WHERE cache_key = ?`, key).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached series: %w", err)
	}

	var bars []domain.Bar
	if err := msgpack.Unmarshal(payload, &bars); err != nil {
		// Corrupt cache entries are dropped, not fatal
		r.log.Warn().Err(err).Str("key", key).Msg("Dropping undecodable series cache entry")
		_, _ = r.db.Exec(`DELETE FROM series_cache WHERE cache_key = ?`, key)
		return nil, nil
	}

	return bars, nil
}

// SeriesKey builds the canonical cache key for a symbol + date range.
func SeriesKey(symbol, from, to string) string {
	return fmt.Sprintf("%s:%s:%s", symbol, from, to)
}
