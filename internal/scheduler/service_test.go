package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/arena/internal/events"
	testdb "github.com/aristath/arena/internal/testing"
)

func newSchedulerFixture(t *testing.T) (*Service, *Repository) {
	t.Helper()

	appDB, cleanup := testdb.NewTestDBWithSchema(t, "app", Schema)
	t.Cleanup(cleanup)

	repo := NewRepository(appDB.Conn(), zerolog.Nop())
	eventMgr := events.NewManager(events.NewBus(), zerolog.Nop())
	svc := NewService(New(zerolog.Nop()), repo, eventMgr, zerolog.Nop())
	return svc, repo
}

func TestSeedIsIdempotent(t *testing.T) {
	_, repo := newSchedulerFixture(t)
	ctx := context.Background()

	require.NoError(t, repo.Seed(ctx))
	first, err := repo.List(ctx, false)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	require.NoError(t, repo.Seed(ctx))
	second, err := repo.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, second, len(first), "re-seeding adds nothing")

	names := map[string]Schedule{}
	for _, s := range second {
		names[s.Name] = s
	}
	require.Contains(t, names, "monthly_dca")
	assert.Equal(t, "0 9 1 * *", names["monthly_dca"].CronExpr)
	assert.Equal(t, "arena_analysis", names["monthly_dca"].JobType)
	assert.Equal(t, "monthly_dca", names["monthly_dca"].Params["harness_type"])
	assert.Equal(t, float64(1000), names["monthly_dca"].Params["budget"])
	require.Contains(t, names, "counterfactual_sweep")
	require.Contains(t, names, "ledger_backup")
}

func TestTriggerDispatchesByJobType(t *testing.T) {
	svc, repo := newSchedulerFixture(t)
	ctx := context.Background()
	require.NoError(t, repo.Seed(ctx))

	var gotParams map[string]interface{}
	svc.Register("arena_analysis", func(ctx context.Context, params map[string]interface{}) error {
		gotParams = params
		return nil
	})

	schedules, err := repo.List(ctx, false)
	require.NoError(t, err)
	var monthly Schedule
	for _, s := range schedules {
		if s.Name == "monthly_dca" {
			monthly = s
		}
	}
	require.NotEmpty(t, monthly.ID)
	require.Nil(t, monthly.LastRunAt)

	require.NoError(t, svc.Trigger(ctx, monthly.ID))
	assert.Equal(t, "monthly_dca", gotParams["harness_type"])

	// The run is stamped.
	after, err := repo.GetByID(ctx, monthly.ID)
	require.NoError(t, err)
	require.NotNil(t, after.LastRunAt)
	assert.WithinDuration(t, time.Now(), *after.LastRunAt, 5*time.Second)
}

func TestTriggerUnknownScheduleOrHandler(t *testing.T) {
	svc, repo := newSchedulerFixture(t)
	ctx := context.Background()
	require.NoError(t, repo.Seed(ctx))

	err := svc.Trigger(ctx, "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	// A seeded schedule with no registered handler fails loudly.
	schedules, err := repo.List(ctx, false)
	require.NoError(t, err)
	err = svc.Trigger(ctx, schedules[0].ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler")
}

func TestTriggerSurfacesJobError(t *testing.T) {
	svc, repo := newSchedulerFixture(t)
	ctx := context.Background()
	require.NoError(t, repo.Seed(ctx))

	svc.Register("backup", func(ctx context.Context, params map[string]interface{}) error {
		return errors.New("bucket unreachable")
	})

	schedules, err := repo.List(ctx, false)
	require.NoError(t, err)
	var backup Schedule
	for _, s := range schedules {
		if s.JobType == "backup" {
			backup = s
		}
	}
	require.NotEmpty(t, backup.ID)

	err = svc.Trigger(ctx, backup.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket unreachable")
}

func TestCreateValidatesCronAndJobType(t *testing.T) {
	svc, _ := newSchedulerFixture(t)
	ctx := context.Background()

	svc.Register("price_update", func(ctx context.Context, params map[string]interface{}) error { return nil })

	err := svc.Create(ctx, &Schedule{
		ID: uuid.New().String(), Name: "bad-cron", CronExpr: "not a cron",
		JobType: "price_update", Enabled: true, CreatedAt: time.Now().UTC(),
	})
	require.Error(t, err)

	err = svc.Create(ctx, &Schedule{
		ID: uuid.New().String(), Name: "bad-type", CronExpr: "0 6 * * *",
		JobType: "mystery", Enabled: true, CreatedAt: time.Now().UTC(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job type")

	require.NoError(t, svc.Create(ctx, &Schedule{
		ID: uuid.New().String(), Name: "extra_update", CronExpr: "0 6 * * *",
		JobType: "price_update", Enabled: true, CreatedAt: time.Now().UTC(),
	}))
}

func TestReloadSkipsDisabledSchedules(t *testing.T) {
	svc, repo := newSchedulerFixture(t)
	ctx := context.Background()
	require.NoError(t, repo.Seed(ctx))

	for _, jobType := range []string{"arena_analysis", "reflection", "price_update", "counterfactual", "backup", "integrity_check"} {
		svc.Register(jobType, func(ctx context.Context, params map[string]interface{}) error { return nil })
	}

	require.NoError(t, svc.Reload(ctx))
	svc.mu.Lock()
	loaded := len(svc.entries)
	svc.mu.Unlock()

	schedules, err := repo.List(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, len(schedules), loaded)

	require.NoError(t, svc.SetEnabled(ctx, schedules[0].ID, false))
	svc.mu.Lock()
	afterDisable := len(svc.entries)
	svc.mu.Unlock()
	assert.Equal(t, loaded-1, afterDisable)
}
