// Package counterfactual evaluates every arena candidate against what the
// market actually did, at fixed horizons after the decision. Adopted or not,
// each candidate gets a hypothetical return and a classification, so the
// leaderboard can compare models on outcomes rather than eloquence.
package counterfactual

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/domain"
)

// Repository persists counterfactual records in ledger.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a counterfactual repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "counterfactual").Logger(),
	}
}

// Create inserts a record unless the (decision, model io, horizon) pair is
// already computed. Returns whether a row was actually inserted.
func (r *Repository) Create(ctx context.Context, rec *domain.CounterfactualRecord) (bool, error) {
	entry, err := json.Marshal(rec.EntryPrices)
	if err != nil {
		return false, fmt.Errorf("failed to marshal entry prices: %w", err)
	}
	exit, err := json.Marshal(rec.ExitPrices)
	if err != nil {
		return false, fmt.Errorf("failed to marshal exit prices: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO counterfactual_records (id, decision_log_id, model_io_id, model_name,
			horizon_days, entry_prices, exit_prices, hypothetical_return_pct, classification, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(decision_log_id, model_io_id, horizon_days) DO NOTHING
	`, rec.ID, rec.DecisionLogID, rec.ModelIOID, rec.ModelName, rec.HorizonDays,
		string(entry), string(exit), rec.HypotheticalReturnPct, string(rec.Classification),
		rec.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return false, fmt.Errorf("failed to insert counterfactual record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ExistingModelIOs returns the set of model io ids already evaluated for a
// decision at one horizon, so the sweep can skip computed pairs cheaply.
func (r *Repository) ExistingModelIOs(ctx context.Context, decisionLogID string, horizonDays int) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT model_io_id FROM counterfactual_records
		WHERE decision_log_id = ? AND horizon_days = ?
	`, decisionLogID, horizonDays)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing counterfactuals: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// ListByDecision returns all records for a decision, shortest horizon first.
func (r *Repository) ListByDecision(ctx context.Context, decisionLogID string) ([]domain.CounterfactualRecord, error) {
	return r.list(ctx, `WHERE decision_log_id = ? ORDER BY horizon_days, model_name`, decisionLogID)
}

// ListByModel returns all non-replay evaluations for one model, newest first.
func (r *Repository) ListByModel(ctx context.Context, modelName string) ([]domain.CounterfactualRecord, error) {
	return r.list(ctx, `WHERE model_name = ? ORDER BY created_at DESC`, modelName)
}

func (r *Repository) list(ctx context.Context, clause string, args ...interface{}) ([]domain.CounterfactualRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, decision_log_id, model_io_id, model_name, horizon_days,
			entry_prices, exit_prices, hypothetical_return_pct, classification, created_at
		FROM counterfactual_records `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query counterfactual records: %w", err)
	}
	defer rows.Close()

	var records []domain.CounterfactualRecord
	for rows.Next() {
		var rec domain.CounterfactualRecord
		var entry, exit, classification, createdAt string
		if err := rows.Scan(&rec.ID, &rec.DecisionLogID, &rec.ModelIOID, &rec.ModelName,
			&rec.HorizonDays, &entry, &exit, &rec.HypotheticalReturnPct, &classification, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan counterfactual record: %w", err)
		}
		if err := json.Unmarshal([]byte(entry), &rec.EntryPrices); err != nil {
			return nil, fmt.Errorf("corrupt entry prices for record %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(exit), &rec.ExitPrices); err != nil {
			return nil, fmt.Errorf("corrupt exit prices for record %s: %w", rec.ID, err)
		}
		rec.Classification = domain.Classification(classification)
		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(createdAt))
		if err != nil {
			return nil, fmt.Errorf("corrupt timestamp for record %s: %w", rec.ID, err)
		}
		rec.CreatedAt = ts
		records = append(records, rec)
	}
	return records, rows.Err()
}
