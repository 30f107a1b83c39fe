// Package decisions is the append-only decision ledger: the single audit
// record of what the human did with each harness, plus the adjacent
// write-once execution records. Rows are inserted exactly once and never
// touched again.
package decisions

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

// TimelineFilter narrows the decision timeline. Zero values mean "no
// filter"; Limit defaults to 20, capped at 100.
type TimelineFilter struct {
	From        time.Time
	To          time.Time
	HarnessType domain.HarnessType
	UserAction  domain.UserAction
	Model       string
	Limit       int
	Offset      int
}

// Repository persists decision logs and execution records in ledger.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a decision ledger repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "decisions").Logger(),
	}
}

// Create inserts the decision log for a harness. The UNIQUE constraint on
// harness_id arbitrates concurrent submissions: exactly one INSERT wins,
// every loser gets DuplicateDecisionError. Nothing is ever overwritten.
func (r *Repository) Create(ctx context.Context, dl *domain.DecisionLog) error {
	original, err := json.Marshal(dl.OriginalAllocations)
	if err != nil {
		return fmt.Errorf("failed to marshal original allocations: %w", err)
	}

	var executed sql.NullString
	if dl.ExecutedAllocations != nil {
		data, err := json.Marshal(dl.ExecutedAllocations)
		if err != nil {
			return fmt.Errorf("failed to marshal executed allocations: %w", err)
		}
		executed = sql.NullString{String: string(data), Valid: true}
	}

	var adopted sql.NullString
	if dl.AdoptedModelIOID != nil {
		adopted = sql.NullString{String: *dl.AdoptedModelIOID, Valid: true}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO decision_logs (id, harness_id, adopted_model_io_id, user_action,
			original_allocations, executed_allocations, user_notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, dl.ID, dl.HarnessID, adopted, string(dl.UserAction),
		string(original), executed, dl.UserNotes, dl.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.DuplicateDecisionError{HarnessID: dl.HarnessID}
		}
		return fmt.Errorf("failed to insert decision log: %w", err)
	}

	r.log.Info().
		Str("decision_log_id", dl.ID).
		Str("harness_id", dl.HarnessID).
		Str("user_action", string(dl.UserAction)).
		Msg("Decision recorded")
	return nil
}

// GetByHarness loads the decision log for a harness, execution record
// included. Returns nil, nil while the harness is still pending.
func (r *Repository) GetByHarness(ctx context.Context, harnessID string) (*domain.DecisionLog, error) {
	return r.getOne(ctx, `WHERE dl.harness_id = ?`, harnessID)
}

// GetByID loads one decision log. Returns nil, nil when unknown.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.DecisionLog, error) {
	return r.getOne(ctx, `WHERE dl.id = ?`, id)
}

func (r *Repository) getOne(ctx context.Context, where string, arg interface{}) (*domain.DecisionLog, error) {
	rows, err := r.db.QueryContext(ctx, selectDecision+" "+where, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query decision log: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanDecision(rows)
}

// Timeline returns decision logs reverse-chronologically with optional
// filters on date range, harness type, user action, and model.
func (r *Repository) Timeline(ctx context.Context, f TimelineFilter) ([]domain.DecisionLog, error) {
	var conds []string
	var args []interface{}

	if !f.From.IsZero() {
		conds = append(conds, `dl.created_at >= ?`)
		args = append(args, f.From.UTC().Format(time.RFC3339))
	}
	if !f.To.IsZero() {
		conds = append(conds, `dl.created_at <= ?`)
		args = append(args, f.To.UTC().Format(time.RFC3339))
	}
	if f.HarnessType != "" {
		conds = append(conds, `dl.harness_id IN (SELECT id FROM harnesses WHERE harness_type = ?)`)
		args = append(args, string(f.HarnessType))
	}
	if f.UserAction != "" {
		conds = append(conds, `dl.user_action = ?`)
		args = append(args, string(f.UserAction))
	}
	if f.Model != "" {
		conds = append(conds, `dl.harness_id IN (SELECT harness_id FROM model_ios WHERE model_name = ?)`)
		args = append(args, f.Model)
	}

	query := selectDecision
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY dl.created_at DESC, dl.id DESC LIMIT ? OFFSET ?`

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	return r.list(ctx, query, args...)
}

// RecentDecisions returns the newest decision logs. This is the surface
// the model tool loop reads past outcomes through.
func (r *Repository) RecentDecisions(ctx context.Context, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 5
	}
	return r.list(ctx, selectDecision+` ORDER BY dl.created_at DESC, dl.id DESC LIMIT ?`, limit)
}

// ListBefore returns decision logs created at or before the cutoff, oldest
// first. The counterfactual sweep walks this set per horizon.
func (r *Repository) ListBefore(ctx context.Context, cutoff time.Time) ([]domain.DecisionLog, error) {
	return r.list(ctx, selectDecision+` WHERE dl.created_at <= ? ORDER BY dl.created_at ASC`,
		cutoff.UTC().Format(time.RFC3339))
}

// PendingHarnessIDs returns harnesses without a decision log, newest first.
func (r *Repository) PendingHarnessIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT h.id FROM harnesses h
		LEFT JOIN decision_logs dl ON dl.harness_id = h.id
		WHERE dl.id IS NULL
		ORDER BY h.created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending harnesses: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan pending harness id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateExecutionRecord inserts the write-once execution record for a
// decision log. A second attempt for the same decision is a conflict.
func (r *Repository) CreateExecutionRecord(ctx context.Context, id string, res *domain.ExecutionResult) error {
	legs, err := json.Marshal(res.Legs)
	if err != nil {
		return fmt.Errorf("failed to marshal execution legs: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO execution_records (id, decision_log_id, status, legs, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, res.DecisionLogID, string(res.Status), string(legs),
		res.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("execution already recorded for decision %s", res.DecisionLogID)
		}
		return fmt.Errorf("failed to insert execution record: %w", err)
	}

	return nil
}

func (r *Repository) list(ctx context.Context, query string, args ...interface{}) ([]domain.DecisionLog, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query decision logs: %w", err)
	}
	defer rows.Close()

	var logs []domain.DecisionLog
	for rows.Next() {
		dl, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *dl)
	}
	return logs, rows.Err()
}

// selectDecision projects the execution record onto the decision log so
// callers see one complete audit object per harness.
const selectDecision = `
	SELECT dl.id, dl.harness_id, dl.adopted_model_io_id, dl.user_action,
		dl.original_allocations, dl.executed_allocations, dl.user_notes, dl.created_at,
		er.status, er.legs, er.created_at
	FROM decision_logs dl
	LEFT JOIN execution_records er ON er.decision_log_id = dl.id`

func scanDecision(rows *sql.Rows) (*domain.DecisionLog, error) {
	var dl domain.DecisionLog
	var adopted, executed, execStatus, execLegs, execCreated sql.NullString
	var action, original, createdAt string

	if err := rows.Scan(&dl.ID, &dl.HarnessID, &adopted, &action,
		&original, &executed, &dl.UserNotes, &createdAt,
		&execStatus, &execLegs, &execCreated); err != nil {
		return nil, fmt.Errorf("failed to scan decision log: %w", err)
	}

	dl.UserAction = domain.UserAction(action)
	if adopted.Valid {
		dl.AdoptedModelIOID = &adopted.String
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		dl.CreatedAt = t
	}

	if err := json.Unmarshal([]byte(original), &dl.OriginalAllocations); err != nil {
		return nil, fmt.Errorf("corrupt original allocations for %s: %w", dl.ID, err)
	}
	if executed.Valid && executed.String != "" {
		if err := json.Unmarshal([]byte(executed.String), &dl.ExecutedAllocations); err != nil {
			return nil, fmt.Errorf("corrupt executed allocations for %s: %w", dl.ID, err)
		}
	}

	if execStatus.Valid {
		res := &domain.ExecutionResult{
			DecisionLogID: dl.ID,
			Status:        domain.ExecutionStatus(execStatus.String),
		}
		if execLegs.Valid && execLegs.String != "" {
			if err := json.Unmarshal([]byte(execLegs.String), &res.Legs); err != nil {
				return nil, fmt.Errorf("corrupt execution legs for %s: %w", dl.ID, err)
			}
		}
		if execCreated.Valid {
			if t, err := time.Parse(time.RFC3339, execCreated.String); err == nil {
				res.CreatedAt = t
			}
		}
		dl.ExecutionResult = res
	}

	return &dl, nil
}

// isUniqueViolation detects the sqlite uniqueness constraint across both
// drivers in use (modernc and mattn report it as message text).
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
