package decisions

import "database/sql"

// Schema for the decision ledger in ledger.db. decision_logs is append-only
// at the application boundary: there is no UPDATE or DELETE statement for it
// anywhere in the codebase, and the UNIQUE constraint on harness_id gives
// insert-if-absent semantics, so one harness can only ever resolve once.
//
// Execution results live in the adjacent write-once execution_records table
// (one row per decision log) and are projected into API responses.
const Schema = `
CREATE TABLE IF NOT EXISTS decision_logs (
    id TEXT PRIMARY KEY,
    harness_id TEXT NOT NULL UNIQUE,
    adopted_model_io_id TEXT,
    user_action TEXT NOT NULL,
    original_allocations TEXT NOT NULL DEFAULT '[]',
    executed_allocations TEXT,
    user_notes TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decision_logs_created ON decision_logs(created_at);
CREATE INDEX IF NOT EXISTS idx_decision_logs_action ON decision_logs(user_action);

CREATE TABLE IF NOT EXISTS execution_records (
    id TEXT PRIMARY KEY,
    decision_log_id TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL,
    legs TEXT NOT NULL DEFAULT '[]',
    created_at TEXT NOT NULL
);
`

// InitSchema creates the ledger decision tables if they don't exist.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
