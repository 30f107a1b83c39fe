package arena

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/domain"
)

// Repository persists model responses in ledger.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a model response repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "model_ios").Logger(),
	}
}

// Create inserts one model response row.
func (r *Repository) Create(ctx context.Context, io *domain.ModelIO) error {
	var structured sql.NullString
	if io.StructuredOutput != nil {
		data, err := json.Marshal(io.StructuredOutput)
		if err != nil {
			return fmt.Errorf("failed to marshal structured output: %w", err)
		}
		structured = sql.NullString{String: string(data), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO model_ios (id, harness_id, model_name, raw_output, structured_output,
			status, parse_status, error_message, latency_ms, input_tokens, output_tokens,
			cost_estimate, is_replay, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, io.ID, io.HarnessID, io.ModelName, io.RawOutput, structured,
		string(io.Status), string(io.ParseStatus), io.ErrorMessage, io.LatencyMs,
		io.InputTokens, io.OutputTokens, io.CostEstimate, boolToInt(io.IsReplay),
		io.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert model response: %w", err)
	}

	return nil
}

// GetByID loads one model response. Returns nil, nil when unknown.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.ModelIO, error) {
	rows, err := r.db.QueryContext(ctx, selectModelIO+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query model response: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanModelIO(rows)
}

// ListByHarness returns every response row for a harness, replays
// included, ordered by creation then model name.
func (r *Repository) ListByHarness(ctx context.Context, harnessID string) ([]domain.ModelIO, error) {
	return r.list(ctx, selectModelIO+` WHERE harness_id = ? ORDER BY created_at ASC, model_name ASC`, harnessID)
}

// ListOriginalByHarness returns only the original-run rows for a harness,
// excluding replays. Counterfactual evaluation works off this set.
func (r *Repository) ListOriginalByHarness(ctx context.Context, harnessID string) ([]domain.ModelIO, error) {
	return r.list(ctx, selectModelIO+` WHERE harness_id = ? AND is_replay = 0 ORDER BY created_at ASC, model_name ASC`, harnessID)
}

func (r *Repository) list(ctx context.Context, query string, args ...interface{}) ([]domain.ModelIO, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query model responses: %w", err)
	}
	defer rows.Close()

	var ios []domain.ModelIO
	for rows.Next() {
		io, err := scanModelIO(rows)
		if err != nil {
			return nil, err
		}
		ios = append(ios, *io)
	}
	return ios, rows.Err()
}

const selectModelIO = `
	SELECT id, harness_id, model_name, raw_output, structured_output,
		status, parse_status, error_message, latency_ms, input_tokens,
		output_tokens, cost_estimate, is_replay, created_at
	FROM model_ios`

func scanModelIO(rows *sql.Rows) (*domain.ModelIO, error) {
	var io domain.ModelIO
	var structured sql.NullString
	var status, parseStatus, createdAt string
	var isReplay int

	if err := rows.Scan(&io.ID, &io.HarnessID, &io.ModelName, &io.RawOutput, &structured,
		&status, &parseStatus, &io.ErrorMessage, &io.LatencyMs, &io.InputTokens,
		&io.OutputTokens, &io.CostEstimate, &isReplay, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to scan model response: %w", err)
	}

	io.Status = domain.ModelStatus(status)
	io.ParseStatus = domain.ParseStatus(parseStatus)
	io.IsReplay = isReplay == 1
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		io.CreatedAt = t
	}

	if structured.Valid && structured.String != "" {
		var so domain.StructuredOutput
		if err := json.Unmarshal([]byte(structured.String), &so); err != nil {
			return nil, fmt.Errorf("corrupt structured output for %s: %w", io.ID, err)
		}
		io.StructuredOutput = &so
	}

	return &io, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
