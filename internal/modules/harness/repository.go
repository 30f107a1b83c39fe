package harness

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/domain"
)

// Repository persists harnesses in ledger.db. Rows are written once and
// never updated; there is deliberately no Update method.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a harness repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "harness").Logger(),
	}
}

// Create inserts a harness. The single INSERT carries every column, so a
// harness is either fully visible or absent.
func (r *Repository) Create(ctx context.Context, h *domain.Harness) error {
	snapshot, err := json.Marshal(h.MarketSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal market snapshot: %w", err)
	}
	account, err := json.Marshal(h.AccountState)
	if err != nil {
		return fmt.Errorf("failed to marshal account state: %w", err)
	}
	memory, err := json.Marshal(h.MemoryContext)
	if err != nil {
		return fmt.Errorf("failed to marshal memory context: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO harnesses (id, created_at, harness_type, market_snapshot, account_state, memory_context, budget, prompt_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.CreatedAt.UTC().Format(time.RFC3339), string(h.HarnessType),
		string(snapshot), string(account), string(memory), h.Budget, h.PromptVersion)
	if err != nil {
		return fmt.Errorf("failed to insert harness: %w", err)
	}

	r.log.Info().
		Str("harness_id", h.ID).
		Str("type", string(h.HarnessType)).
		Int("symbols", len(h.MarketSnapshot)).
		Float64("budget", h.Budget).
		Msg("Harness created")
	return nil
}

// GetByID loads one harness. Returns nil, nil when the id is unknown.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Harness, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, created_at, harness_type, market_snapshot, account_state, memory_context, budget, prompt_version
		FROM harnesses WHERE id = ?
	`, id)

	h, err := scanHarness(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load harness %s: %w", id, err)
	}
	return h, nil
}

// ListRecent returns the newest harnesses, most recent first.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]domain.Harness, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, created_at, harness_type, market_snapshot, account_state, memory_context, budget, prompt_version
		FROM harnesses ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query harnesses: %w", err)
	}
	defer rows.Close()

	var harnesses []domain.Harness
	for rows.Next() {
		h, err := scanHarness(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan harness: %w", err)
		}
		harnesses = append(harnesses, *h)
	}

	return harnesses, rows.Err()
}

func scanHarness(scan func(dest ...interface{}) error) (*domain.Harness, error) {
	var h domain.Harness
	var createdAt, harnessType, snapshot, account, memory string

	if err := scan(&h.ID, &createdAt, &harnessType, &snapshot, &account, &memory, &h.Budget, &h.PromptVersion); err != nil {
		return nil, err
	}

	h.HarnessType = domain.HarnessType(harnessType)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		h.CreatedAt = t
	}

	if err := json.Unmarshal([]byte(snapshot), &h.MarketSnapshot); err != nil {
		return nil, fmt.Errorf("corrupt market snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(account), &h.AccountState); err != nil {
		return nil, fmt.Errorf("corrupt account state: %w", err)
	}
	if err := json.Unmarshal([]byte(memory), &h.MemoryContext); err != nil {
		return nil, fmt.Errorf("corrupt memory context: %w", err)
	}

	return &h, nil
}
