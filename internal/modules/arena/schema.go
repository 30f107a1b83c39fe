package arena

import "database/sql"

// Schema for model responses in ledger.db. Rows are append-only; a retry
// or replay inserts a new row and never touches an old one.
const Schema = `
CREATE TABLE IF NOT EXISTS model_ios (
    id TEXT PRIMARY KEY,
    harness_id TEXT NOT NULL,
    model_name TEXT NOT NULL,
    raw_output TEXT NOT NULL DEFAULT '',
    structured_output TEXT,
    status TEXT NOT NULL,
    parse_status TEXT NOT NULL DEFAULT 'none',
    error_message TEXT NOT NULL DEFAULT '',
    latency_ms INTEGER NOT NULL DEFAULT 0,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost_estimate REAL NOT NULL DEFAULT 0,
    is_replay INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_model_ios_harness ON model_ios(harness_id);
CREATE INDEX IF NOT EXISTS idx_model_ios_model ON model_ios(model_name);
`

// InitSchema creates the model response tables if they don't exist.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
