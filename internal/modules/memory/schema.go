package memory

import "database/sql"

// Schema holds memory entries in app.db.
const Schema = `
CREATE TABLE IF NOT EXISTS memory_entries (
    id TEXT PRIMARY KEY,
    category TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memory_entries_category ON memory_entries(category, created_at);
`

// InitSchema ensures the memory_entries table exists.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
