package market

import "database/sql"

// HistorySchema holds daily OHLCV bars in history.db.
// Dates are TEXT in YYYY-MM-DD form so range scans stay lexicographic.
const HistorySchema = `
CREATE TABLE IF NOT EXISTS price_history (
    id INTEGER PRIMARY KEY,
    symbol TEXT NOT NULL,
    date TEXT NOT NULL,
    open REAL NOT NULL,
    high REAL NOT NULL,
    low REAL NOT NULL,
    close REAL NOT NULL,
    volume INTEGER,
    UNIQUE(symbol, date)
);

CREATE INDEX IF NOT EXISTS idx_price_history_symbol_date ON price_history(symbol, date);
`

// WatchlistSchema holds the tracked symbol set in app.db.
const WatchlistSchema = `
CREATE TABLE IF NOT EXISTS watchlist (
    id INTEGER PRIMARY KEY,
    symbol TEXT UNIQUE NOT NULL,
    name TEXT,
    active INTEGER NOT NULL DEFAULT 1,
    added_at TEXT NOT NULL
);
`

// CacheSchema holds derived market data in cache.db. Everything here is
// reconstructible from history.db or the upstream APIs.
const CacheSchema = `
CREATE TABLE IF NOT EXISTS quote_cache (
    symbol TEXT PRIMARY KEY,
    price REAL NOT NULL,
    change_pct REAL NOT NULL,
    source TEXT NOT NULL,
    fetched_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS series_cache (
    cache_key TEXT PRIMARY KEY,
    payload BLOB NOT NULL,
    created_at TEXT NOT NULL
);
`

// InitHistorySchema ensures the price_history table exists in history.db.
func InitHistorySchema(db *sql.DB) error {
	_, err := db.Exec(HistorySchema)
	return err
}

// InitWatchlistSchema ensures the watchlist table exists in app.db.
func InitWatchlistSchema(db *sql.DB) error {
	_, err := db.Exec(WatchlistSchema)
	return err
}

// InitCacheSchema ensures the cache tables exist in cache.db.
func InitCacheSchema(db *sql.DB) error {
	_, err := db.Exec(CacheSchema)
	return err
}
