// Package prompts stores versioned system prompts. Every harness records
// the version that was current when it was built, so old runs stay
// reproducible after the prompt evolves.
package prompts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PromptVersion is one stored system prompt revision.
type PromptVersion struct {
	ID           int64     `json:"id"`
	Version      string    `json:"version"`
	SystemPrompt string    `json:"system_prompt"`
	Notes        string    `json:"notes,omitempty"`
	IsCurrent    bool      `json:"is_current"`
	CreatedAt    time.Time `json:"created_at"`
}

// Repository manages prompt versions in app.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a prompt repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "prompts").Logger(),
	}
}

// Seed inserts the default prompt as v1.0 if no versions exist yet.
func (r *Repository) Seed(ctx context.Context) error {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM prompt_versions`).Scan(&count); err != nil {
		return fmt.Errorf("failed to count prompt versions: %w", err)
	}
	if count > 0 {
		return nil
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO prompt_versions (version, system_prompt, notes, is_current, created_at)
		VALUES (?, ?, ?, 1, ?)
	`, "v1.0", DefaultSystemPrompt, "default prompt", time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to seed default prompt: %w", err)
	}

	r.log.Info().Str("version", "v1.0").Msg("Seeded default system prompt")
	return nil
}

// Current returns the active prompt version.
func (r *Repository) Current(ctx context.Context) (*PromptVersion, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, version, system_prompt, notes, is_current, created_at
		FROM prompt_versions WHERE is_current = 1
	`)

	pv, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no current prompt version")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load current prompt: %w", err)
	}
	return pv, nil
}

// Get returns one version by its version string.
func (r *Repository) Get(ctx context.Context, version string) (*PromptVersion, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, version, system_prompt, notes, is_current, created_at
		FROM prompt_versions WHERE version = ?
	`, version)

	pv, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("prompt version %s not found", version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt version: %w", err)
	}
	return pv, nil
}

// List returns all versions, newest first.
func (r *Repository) List(ctx context.Context) ([]PromptVersion, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, version, system_prompt, notes, is_current, created_at
		FROM prompt_versions ORDER BY id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt versions: %w", err)
	}
	defer rows.Close()

	var versions []PromptVersion
	for rows.Next() {
		var pv PromptVersion
		var isCurrent int
		var createdAt string
		if err := rows.Scan(&pv.ID, &pv.Version, &pv.SystemPrompt, &pv.Notes, &isCurrent, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan prompt version: %w", err)
		}
		pv.IsCurrent = isCurrent == 1
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			pv.CreatedAt = t
		}
		versions = append(versions, pv)
	}

	return versions, rows.Err()
}

// Create stores a new prompt version with an auto-incremented version
// string (v1.0 -> v1.1 -> v1.2). The new version does not become current
// until SetCurrent is called.
func (r *Repository) Create(ctx context.Context, systemPrompt, notes string) (*PromptVersion, error) {
	if systemPrompt == "" {
		return nil, fmt.Errorf("empty system prompt")
	}

	var latest sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT version FROM prompt_versions ORDER BY id DESC LIMIT 1
	`).Scan(&latest)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read latest version: %w", err)
	}

	version := nextVersion(latest.String)
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO prompt_versions (version, system_prompt, notes, is_current, created_at)
		VALUES (?, ?, ?, 0, ?)
	`, version, systemPrompt, notes, now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to create prompt version: %w", err)
	}

	id, _ := res.LastInsertId()
	r.log.Info().Str("version", version).Msg("Created prompt version")

	return &PromptVersion{
		ID:           id,
		Version:      version,
		SystemPrompt: systemPrompt,
		Notes:        notes,
		IsCurrent:    false,
		CreatedAt:    now,
	}, nil
}

// SetCurrent activates a version. The swap happens in one transaction so
// there is never a moment with zero or two current rows visible.
func (r *Repository) SetCurrent(ctx context.Context, version string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE prompt_versions SET is_current = 0 WHERE is_current = 1`); err != nil {
		return fmt.Errorf("failed to clear current prompt: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE prompt_versions SET is_current = 1 WHERE version = ?`, version)
	if err != nil {
		return fmt.Errorf("failed to activate prompt version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check activation: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("prompt version %s not found", version)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit prompt activation: %w", err)
	}

	r.log.Info().Str("version", version).Msg("Activated prompt version")
	return nil
}

// nextVersion bumps the minor component: v1.0 -> v1.1. Unparseable or
// missing input starts the scheme over at v1.0.
func nextVersion(latest string) string {
	if latest == "" {
		return "v1.0"
	}
	var major, minor int
	if _, err := fmt.Sscanf(latest, "v%d.%d", &major, &minor); err != nil {
		return "v1.0"
	}
	return fmt.Sprintf("v%d.%d", major, minor+1)
}

func scanVersion(row *sql.Row) (*PromptVersion, error) {
	var pv PromptVersion
	var isCurrent int
	var createdAt string

	if err := row.Scan(&pv.ID, &pv.Version, &pv.SystemPrompt, &pv.Notes, &isCurrent, &createdAt); err != nil {
		return nil, err
	}

	pv.IsCurrent = isCurrent == 1
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		pv.CreatedAt = t
	}
	return &pv, nil
}
