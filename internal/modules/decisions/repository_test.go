package decisions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/arena/internal/domain"
	"github.com/aristath/arena/internal/modules/arena"
	"github.com/aristath/arena/internal/modules/harness"
	testdb "github.com/aristath/arena/internal/testing"
)

func newLedgerRepo(t *testing.T) (*Repository, *harness.Repository, *arena.Repository) {
	t.Helper()

	ledgerDB, cleanup := testdb.NewTestDBWithSchema(t, "ledger", harness.Schema+arena.Schema+Schema)
	t.Cleanup(cleanup)

	return NewRepository(ledgerDB.Conn(), zerolog.Nop()),
		harness.NewRepository(ledgerDB.Conn(), zerolog.Nop()),
		arena.NewRepository(ledgerDB.Conn(), zerolog.Nop())
}

func storedHarness(t *testing.T, repo *harness.Repository, harnessType domain.HarnessType, createdAt time.Time) *domain.Harness {
	t.Helper()

	h := &domain.Harness{
		ID:          uuid.New().String(),
		CreatedAt:   createdAt,
		HarnessType: harnessType,
		MarketSnapshot: map[string]domain.SymbolSnapshot{
			"VOO": {Date: createdAt.Format("2006-01-02"), Close: 420},
		},
		AccountState:  domain.AccountState{Cash: 1000, TotalValue: 5000},
		Budget:        1000,
		PromptVersion: "v1.0",
	}
	require.NoError(t, repo.Create(context.Background(), h))
	return h
}

func TestCreateAndLoadDecision(t *testing.T) {
	repo, harnesses, _ := newLedgerRepo(t)
	ctx := context.Background()
	h := storedHarness(t, harnesses, domain.HarnessMonthlyDCA, time.Now().UTC())

	adopted := "model-io-1"
	dl := &domain.DecisionLog{
		ID:                  uuid.New().String(),
		HarnessID:           h.ID,
		AdoptedModelIOID:    &adopted,
		UserAction:          domain.UserActionApproved,
		OriginalAllocations: []domain.Allocation{{Symbol: "VOO", Amount: 1000}},
		ExecutedAllocations: []domain.Allocation{{Symbol: "VOO", Amount: 1000}},
		UserNotes:           "looks good",
		CreatedAt:           time.Now().UTC(),
	}
	require.NoError(t, repo.Create(ctx, dl))

	loaded, err := repo.GetByHarness(ctx, h.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, dl.ID, loaded.ID)
	assert.Equal(t, domain.UserActionApproved, loaded.UserAction)
	require.NotNil(t, loaded.AdoptedModelIOID)
	assert.Equal(t, adopted, *loaded.AdoptedModelIOID)
	assert.Equal(t, dl.OriginalAllocations, loaded.OriginalAllocations)
	assert.Equal(t, dl.ExecutedAllocations, loaded.ExecutedAllocations)
	assert.Nil(t, loaded.ExecutionResult)
}

func TestConcurrentDuplicatesOneWinner(t *testing.T) {
	repo, harnesses, _ := newLedgerRepo(t)
	h := storedHarness(t, harnesses, domain.HarnessMonthlyDCA, time.Now().UTC())

	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = repo.Create(context.Background(), &domain.DecisionLog{
				ID:         uuid.New().String(),
				HarnessID:  h.ID,
				UserAction: domain.UserActionSkipped,
				CreatedAt:  time.Now().UTC(),
			})
		}(i)
	}
	wg.Wait()

	winners := 0
	duplicates := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		var dup *domain.DuplicateDecisionError
		require.True(t, errors.As(err, &dup), "unexpected error: %v", err)
		duplicates++
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, attempts-1, duplicates)
}

func TestExecutionRecordProjection(t *testing.T) {
	repo, harnesses, _ := newLedgerRepo(t)
	ctx := context.Background()
	h := storedHarness(t, harnesses, domain.HarnessMonthlyDCA, time.Now().UTC())

	dl := &domain.DecisionLog{
		ID:                  uuid.New().String(),
		HarnessID:           h.ID,
		UserAction:          domain.UserActionApproved,
		OriginalAllocations: []domain.Allocation{{Symbol: "VOO", Amount: 500}},
		CreatedAt:           time.Now().UTC(),
	}
	require.NoError(t, repo.Create(ctx, dl))

	orderID := "ord-1"
	legErr := "insufficient funds"
	res := &domain.ExecutionResult{
		DecisionLogID: dl.ID,
		Status:        domain.ExecutionPartial,
		Legs: []domain.ExecutionLeg{
			{Symbol: "VOO", Side: "buy", Notional: 500, Status: domain.LegSubmitted, OrderID: &orderID},
			{Symbol: "QQQ", Side: "buy", Notional: 500, Status: domain.LegError, Error: &legErr},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.CreateExecutionRecord(ctx, uuid.New().String(), res))

	// Write-once: a second record for the same decision is rejected
	err := repo.CreateExecutionRecord(ctx, uuid.New().String(), res)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already recorded")

	loaded, err := repo.GetByHarness(ctx, h.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.ExecutionResult)
	assert.Equal(t, domain.ExecutionPartial, loaded.ExecutionResult.Status)
	require.Len(t, loaded.ExecutionResult.Legs, 2)
	assert.Equal(t, domain.LegError, loaded.ExecutionResult.Legs[1].Status)
}

func TestTimelineFiltersAndPagination(t *testing.T) {
	repo, harnesses, modelIOs := newLedgerRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	hDCA := storedHarness(t, harnesses, domain.HarnessMonthlyDCA, base)
	hReb := storedHarness(t, harnesses, domain.HarnessRebalance, base.AddDate(0, 0, 10))
	hOld := storedHarness(t, harnesses, domain.HarnessMonthlyDCA, base.AddDate(0, -2, 0))

	require.NoError(t, modelIOs.Create(ctx, &domain.ModelIO{
		ID: "io-1", HarnessID: hDCA.ID, ModelName: "gpt", Status: domain.ModelStatusOK,
		ParseStatus: domain.ParseStructured, CreatedAt: base,
	}))

	for i, h := range []*domain.Harness{hDCA, hReb, hOld} {
		action := domain.UserActionSkipped
		if i == 0 {
			action = domain.UserActionApproved
		}
		require.NoError(t, repo.Create(ctx, &domain.DecisionLog{
			ID:         uuid.New().String(),
			HarnessID:  h.ID,
			UserAction: action,
			CreatedAt:  h.CreatedAt.Add(time.Hour),
		}))
	}

	all, err := repo.Timeline(ctx, TimelineFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Reverse chronological
	assert.Equal(t, hReb.ID, all[0].HarnessID)

	byType, err := repo.Timeline(ctx, TimelineFilter{HarnessType: domain.HarnessRebalance})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, hReb.ID, byType[0].HarnessID)

	byAction, err := repo.Timeline(ctx, TimelineFilter{UserAction: domain.UserActionApproved})
	require.NoError(t, err)
	require.Len(t, byAction, 1)
	assert.Equal(t, hDCA.ID, byAction[0].HarnessID)

	byModel, err := repo.Timeline(ctx, TimelineFilter{Model: "gpt"})
	require.NoError(t, err)
	require.Len(t, byModel, 1)
	assert.Equal(t, hDCA.ID, byModel[0].HarnessID)

	windowed, err := repo.Timeline(ctx, TimelineFilter{From: base.AddDate(0, 0, -1), To: base.AddDate(0, 0, 1)})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, hDCA.ID, windowed[0].HarnessID)

	paged, err := repo.Timeline(ctx, TimelineFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, hOld.ID, paged[0].HarnessID)
}

func TestPendingHarnesses(t *testing.T) {
	repo, harnesses, _ := newLedgerRepo(t)
	ctx := context.Background()

	decided := storedHarness(t, harnesses, domain.HarnessMonthlyDCA, time.Now().UTC().Add(-time.Hour))
	pending := storedHarness(t, harnesses, domain.HarnessAdHoc, time.Now().UTC())

	require.NoError(t, repo.Create(ctx, &domain.DecisionLog{
		ID:         uuid.New().String(),
		HarnessID:  decided.ID,
		UserAction: domain.UserActionRejected,
		CreatedAt:  time.Now().UTC(),
	}))

	ids, err := repo.PendingHarnessIDs(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, pending.ID, ids[0])
}
