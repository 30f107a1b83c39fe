package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Schedule is one runtime-editable cron entry.
type Schedule struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	CronExpr  string                 `json:"cron_expr"`
	JobType   string                 `json:"job_type"`
	Params    map[string]interface{} `json:"params"`
	Enabled   bool                   `json:"enabled"`
	LastRunAt *time.Time             `json:"last_run_at,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Repository persists schedules in app.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a schedule repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "scheduler").Logger(),
	}
}

// defaultSchedules are seeded on first start. Users can edit or disable
// them afterwards; the seed never overwrites an existing row.
var defaultSchedules = []Schedule{
	{Name: "monthly_dca", CronExpr: "0 9 1 * *", JobType: "arena_analysis",
		Params: map[string]interface{}{"harness_type": "monthly_dca", "budget": float64(1000)}},
	{Name: "weekly_check", CronExpr: "0 9 * * 1", JobType: "arena_analysis",
		Params: map[string]interface{}{"harness_type": "rebalance", "budget": float64(0)}},
	{Name: "monthly_reflection", CronExpr: "0 18 28 * *", JobType: "reflection", Params: map[string]interface{}{}},
	{Name: "daily_price_update", CronExpr: "0 5 * * *", JobType: "price_update", Params: map[string]interface{}{}},
	{Name: "counterfactual_sweep", CronExpr: "0 7 * * *", JobType: "counterfactual", Params: map[string]interface{}{}},
	{Name: "ledger_backup", CronExpr: "0 3 * * *", JobType: "backup", Params: map[string]interface{}{}},
	{Name: "integrity_check", CronExpr: "0 */6 * * *", JobType: "integrity_check", Params: map[string]interface{}{}},
}

// Seed inserts the default schedules that don't exist yet, by name.
func (r *Repository) Seed(ctx context.Context) error {
	for _, s := range defaultSchedules {
		params, err := json.Marshal(s.Params)
		if err != nil {
			return err
		}
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO schedules (id, name, cron_expr, job_type, params, enabled, created_at)
			VALUES (?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT(name) DO NOTHING
		`, uuid.New().String(), s.Name, s.CronExpr, s.JobType, string(params),
			time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("failed to seed schedule %s: %w", s.Name, err)
		}
	}
	return nil
}

// List returns all schedules, optionally only enabled ones.
func (r *Repository) List(ctx context.Context, enabledOnly bool) ([]Schedule, error) {
	query := `SELECT id, name, cron_expr, job_type, params, enabled, last_run_at, created_at
		FROM schedules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *s)
	}
	return schedules, rows.Err()
}

// GetByID loads one schedule. Returns nil, nil when unknown.
func (r *Repository) GetByID(ctx context.Context, id string) (*Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, job_type, params, enabled, last_run_at, created_at
		FROM schedules WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanSchedule(rows)
}

// Create inserts a new schedule.
func (r *Repository) Create(ctx context.Context, s *Schedule) error {
	if s.Params == nil {
		s.Params = map[string]interface{}{}
	}
	params, err := json.Marshal(s.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule params: %w", err)
	}

	enabled := 0
	if s.Enabled {
		enabled = 1
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, cron_expr, job_type, params, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Name, s.CronExpr, s.JobType, string(params), enabled,
		s.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

// Update changes a schedule's cron expression and params.
func (r *Repository) Update(ctx context.Context, id, cronExpr string, params map[string]interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule params: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE schedules SET cron_expr = ?, params = ? WHERE id = ?
	`, cronExpr, string(data), id)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s not found", id)
	}
	return nil
}

// SetEnabled flips a schedule on or off.
func (r *Repository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	val := 0
	if enabled {
		val = 1
	}
	res, err := r.db.ExecContext(ctx, `UPDATE schedules SET enabled = ? WHERE id = ?`, val, id)
	if err != nil {
		return fmt.Errorf("failed to toggle schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s not found", id)
	}
	return nil
}

// UpdateLastRun stamps the schedule's last execution time.
func (r *Repository) UpdateLastRun(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE schedules SET last_run_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), id)
	return err
}

// Delete removes a schedule.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s not found", id)
	}
	return nil
}

func scanSchedule(rows *sql.Rows) (*Schedule, error) {
	var s Schedule
	var params, createdAt string
	var lastRun sql.NullString
	var enabled int
	if err := rows.Scan(&s.ID, &s.Name, &s.CronExpr, &s.JobType, &params, &enabled, &lastRun, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &s.Params); err != nil {
		return nil, fmt.Errorf("corrupt params for schedule %s: %w", s.ID, err)
	}
	s.Enabled = enabled != 0
	ts, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("corrupt timestamp for schedule %s: %w", s.ID, err)
	}
	s.CreatedAt = ts
	if lastRun.Valid {
		lr, err := time.Parse(time.RFC3339, lastRun.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt last_run_at for schedule %s: %w", s.ID, err)
		}
		s.LastRunAt = &lr
	}
	return &s, nil
}
