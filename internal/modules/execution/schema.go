package execution

import "database/sql"

// Schema for the step-up auth reuse guard in app.db. Each (harness, code)
// pair can be consumed exactly once; the uniqueness constraint is what
// turns a double-submitted code into an authentication failure.
const Schema = `
CREATE TABLE IF NOT EXISTS used_auth_codes (
    harness_id TEXT NOT NULL,
    code TEXT NOT NULL,
    used_at TEXT NOT NULL,
    UNIQUE(harness_id, code)
);
`

// InitSchema ensures the used_auth_codes table exists.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
