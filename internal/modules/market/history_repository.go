package market

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for history.db
	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/domain"
)

// HistoryRepository provides access to daily price bars in history.db.
type HistoryRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewHistoryRepository creates a new history repository.
func NewHistoryRepository(db *sql.DB, log zerolog.Logger) *HistoryRepository {
	return &HistoryRepository{
		db:  db,
		log: log.With().Str("repo", "history").Logger(),
	}
}

// UpsertBars inserts or replaces daily bars for a symbol in one transaction.
func (r *HistoryRepository) UpsertBars(symbol string, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO price_history (symbol, date, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, bar := range bars {
		volume := sql.NullInt64{}
		if bar.Volume > 0 {
			volume.Int64 = bar.Volume
			volume.Valid = true
		}

		if _, err := stmt.Exec(symbol, bar.Date, bar.Open, bar.High, bar.Low, bar.Close, volume); err != nil {
			return fmt.Errorf("failed to insert bar for %s %s: %w", symbol, bar.Date, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.log.Debug().Str("symbol", symbol).Int("count", len(bars)).Msg("Upserted bars")
	return nil
}

// GetBars fetches bars for a symbol within [from, to], ascending by date.
// Dates are YYYY-MM-DD strings.
func (r *HistoryRepository) GetBars(symbol, from, to string) ([]domain.Bar, error) {
	rows, err := r.db.Query(`
		SELECT date, open, high, low, close, volume
		FROM price_history
		WHERE symbol = ? AND date >= ? AND date <= ?
		ORDER BY date ASC
	`, symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// GetBarsUpTo fetches the most recent bars with date <= asOf, ascending.
// limit caps the number of bars returned (0 means no cap).
func (r *HistoryRepository) GetBarsUpTo(symbol, asOf string, limit int) ([]domain.Bar, error) {
	query := `
		SELECT date, open, high, low, close, volume
		FROM (
			SELECT date, open, high, low, close, volume
			FROM price_history
			WHERE symbol = ? AND date <= ?
			ORDER BY date DESC
			%s
		)
		ORDER BY date ASC
	`

	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = r.db.Query(fmt.Sprintf(query, "LIMIT ?"), symbol, asOf, limit)
	} else {
		rows, err = r.db.Query(fmt.Sprintf(query, ""), symbol, asOf)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query bars up to %s: %w", asOf, err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// GetLatestBar returns the most recent bar for a symbol, or nil if none.
func (r *HistoryRepository) GetLatestBar(symbol string) (*domain.Bar, error) {
	row := r.db.QueryRow(`
		SELECT date, open, high, low, close, volume
		FROM price_history
		WHERE symbol = ?
		ORDER BY date DESC
		LIMIT 1
	`, symbol)

	bar, err := scanBar(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest bar: %w", err)
	}

	return bar, nil
}

// GetBarOnOrBefore returns the latest bar with date <= target but no older
// than lowerBound, or nil if none exists in that window.
func (r *HistoryRepository) GetBarOnOrBefore(symbol, target, lowerBound string) (*domain.Bar, error) {
	row := r.db.QueryRow(`
		SELECT date, open, high, low, close, volume
		FROM price_history
		WHERE symbol = ? AND date <= ? AND date >= ?
		ORDER BY date DESC
		LIMIT 1
	`, symbol, target, lowerBound)

	bar, err := scanBar(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bar on or before %s: %w", target, err)
	}

	return bar, nil
}

// GetLatestDate returns the most recent bar date for a symbol, or "" if the
// symbol has no bars.
func (r *HistoryRepository) GetLatestDate(symbol string) (string, error) {
	var date sql.NullString
	err := r.db.QueryRow(`SELECT MAX(date) FROM price_history WHERE symbol = ?`, symbol).Scan(&date)
	if err != nil {
		return "", fmt.Errorf("failed to get latest date: %w", err)
	}

	if !date.Valid {
		return "", nil
	}
	return date.String, nil
}

// CountBars returns the number of stored bars for a symbol.
func (r *HistoryRepository) CountBars(symbol string) (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM price_history WHERE symbol = ?`, symbol).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count bars: %w", err)
	}
	return count, nil
}

func scanBars(rows *sql.Rows) ([]domain.Bar, error) {
	var bars []domain.Bar
	for rows.Next() {
		var bar domain.Bar
		var volume sql.NullInt64

		if err := rows.Scan(&bar.Date, &bar.Open, &bar.High, &bar.Low, &bar.Close, &volume); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		if volume.Valid {
			bar.Volume = volume.Int64
		}

		bars = append(bars, bar)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bars: %w", err)
	}

	return bars, nil
}

func scanBar(row *sql.Row) (*domain.Bar, error) {
	var bar domain.Bar
	var volume sql.NullInt64

	if err := row.Scan(&bar.Date, &bar.Open, &bar.High, &bar.Low, &bar.Close, &volume); err != nil {
		return nil, err
	}
	if volume.Valid {
		bar.Volume = volume.Int64
	}

	return &bar, nil
}
