package counterfactual

import "database/sql"

// Schema for counterfactual evaluations in ledger.db. Rows are write-once;
// the UNIQUE constraint over (decision, model io, horizon) is what makes the
// sweep idempotent: re-evaluating a computed pair inserts nothing.
const Schema = `
CREATE TABLE IF NOT EXISTS counterfactual_records (
    id TEXT PRIMARY KEY,
    decision_log_id TEXT NOT NULL,
    model_io_id TEXT NOT NULL,
    model_name TEXT NOT NULL,
    horizon_days INTEGER NOT NULL,
    entry_prices TEXT NOT NULL DEFAULT '{}',
    exit_prices TEXT NOT NULL DEFAULT '{}',
    hypothetical_return_pct REAL NOT NULL,
    classification TEXT NOT NULL,
    created_at TEXT NOT NULL,
    UNIQUE(decision_log_id, model_io_id, horizon_days)
);

CREATE INDEX IF NOT EXISTS idx_counterfactuals_decision ON counterfactual_records(decision_log_id);
CREATE INDEX IF NOT EXISTS idx_counterfactuals_model ON counterfactual_records(model_name);
`

// InitSchema creates the counterfactual table if it doesn't exist.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
