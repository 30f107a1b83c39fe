package prompts

import "database/sql"

// Schema for prompt versions in app.db. The partial unique index keeps at
// most one row flagged current.
const Schema = `
CREATE TABLE IF NOT EXISTS prompt_versions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    version TEXT NOT NULL UNIQUE,
    system_prompt TEXT NOT NULL,
    notes TEXT NOT NULL DEFAULT '',
    is_current INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_prompt_versions_current
    ON prompt_versions(is_current) WHERE is_current = 1;
`

// InitSchema creates the prompt tables if they don't exist.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
