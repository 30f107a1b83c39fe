package harness

import "database/sql"

// Schema for harnesses in ledger.db. JSON columns hold the frozen
// snapshot data by value; nothing in a stored harness references live
// state.
const Schema = `
CREATE TABLE IF NOT EXISTS harnesses (
    id TEXT PRIMARY KEY,
    created_at TEXT NOT NULL,
    harness_type TEXT NOT NULL,
    market_snapshot TEXT NOT NULL,
    account_state TEXT NOT NULL,
    memory_context TEXT NOT NULL,
    budget REAL NOT NULL,
    prompt_version TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_harnesses_created_at ON harnesses(created_at);
CREATE INDEX IF NOT EXISTS idx_harnesses_type ON harnesses(harness_type);
`

// InitSchema creates the harness tables if they don't exist.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
