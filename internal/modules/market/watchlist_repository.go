package market

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/domain"
)

// defaultWatchlist seeds a fresh database with a broad-market ETF set.
var defaultWatchlist = []struct {
	Symbol string
	Name   string
}{
	{"VOO", "Vanguard S&P 500 ETF"},
	{"IVV", "iShares Core S&P 500 ETF"},
	{"QQQ", "Invesco QQQ Trust"},
	{"ACWI", "iShares MSCI ACWI ETF"},
	{"VGT", "Vanguard Information Technology ETF"},
}

// WatchlistRepository manages the tracked symbol set in app.db.
type WatchlistRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewWatchlistRepository creates a new watchlist repository.
func NewWatchlistRepository(db *sql.DB, log zerolog.Logger) *WatchlistRepository {
	return &WatchlistRepository{
		db:  db,
		log: log.With().Str("repo", "watchlist").Logger(),
	}
}

// Seed inserts the default symbols if they are not already present.
func (r *WatchlistRepository) Seed() error {
	now := time.Now().UTC().Format(time.RFC3339)

	for _, entry := range defaultWatchlist {
		_, err := r.db.Exec(`
			INSERT OR IGNORE INTO watchlist (symbol, name, active, added_at)
			VALUES (?, ?, 1, ?)
		`, entry.Symbol, entry.Name, now)
		if err != nil {
			return fmt.Errorf("failed to seed watchlist entry %s: %w", entry.Symbol, err)
		}
	}

	return nil
}

// List returns all watchlist entries. When activeOnly is true, only entries
// with active=1 are returned.
func (r *WatchlistRepository) List(activeOnly bool) ([]domain.WatchlistEntry, error) {
	query := `SELECT id, symbol, name, active, added_at FROM watchlist`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY symbol ASC`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query watchlist: %w", err)
	}
	defer rows.Close()

	var entries []domain.WatchlistEntry
	for rows.Next() {
		var e domain.WatchlistEntry
		var id int64
		var name sql.NullString
		var active int
		var addedAt string

		if err := rows.Scan(&id, &e.Symbol, &name, &active, &addedAt); err != nil {
			return nil, fmt.Errorf("failed to scan watchlist entry: %w", err)
		}

		e.Name = name.String
		e.Active = active == 1
		if t, err := time.Parse(time.RFC3339, addedAt); err == nil {
			e.AddedAt = t
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating watchlist: %w", err)
	}

	return entries, nil
}

// ActiveSymbols returns the symbols of all active entries.
func (r *WatchlistRepository) ActiveSymbols() ([]string, error) {
	entries, err := r.List(true)
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(entries))
	for _, e := range entries {
		symbols = append(symbols, e.Symbol)
	}
	return symbols, nil
}

// Add inserts a symbol, reactivating it if it was previously deactivated.
func (r *WatchlistRepository) Add(symbol, name string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return fmt.Errorf("empty symbol")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := r.db.Exec(`
		INSERT INTO watchlist (symbol, name, active, added_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(symbol) DO UPDATE SET active = 1, name = COALESCE(NULLIF(excluded.name, ''), watchlist.name)
	`, symbol, name, now)
	if err != nil {
		return fmt.Errorf("failed to add watchlist entry %s: %w", symbol, err)
	}

	if n, _ := result.RowsAffected(); n > 0 {
		r.log.Info().Str("symbol", symbol).Msg("Watchlist entry added")
	}
	return nil
}

// Remove deactivates a symbol. History for the symbol is retained.
func (r *WatchlistRepository) Remove(symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	result, err := r.db.Exec(`UPDATE watchlist SET active = 0 WHERE symbol = ?`, symbol)
	if err != nil {
		return fmt.Errorf("failed to remove watchlist entry %s: %w", symbol, err)
	}

	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("symbol %s not in watchlist", symbol)
	}

	r.log.Info().Str("symbol", symbol).Msg("Watchlist entry deactivated")
	return nil
}

// Contains reports whether a symbol is on the active watchlist.
func (r *WatchlistRepository) Contains(symbol string) (bool, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM watchlist WHERE symbol = ? AND active = 1`, symbol).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check watchlist: %w", err)
	}
	return count > 0, nil
}
