package scores

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/arena/internal/domain"
	"github.com/aristath/arena/internal/modules/arena"
	"github.com/aristath/arena/internal/modules/counterfactual"
	"github.com/aristath/arena/internal/modules/decisions"
	"github.com/aristath/arena/internal/modules/harness"
	testdb "github.com/aristath/arena/internal/testing"
)

type scoreFixture struct {
	service         *Service
	harnesses       *harness.Repository
	modelIOs        *arena.Repository
	decisions       *decisions.Repository
	counterfactuals *counterfactual.Repository
}

func newScoreFixture(t *testing.T) *scoreFixture {
	t.Helper()

	ledgerDB, cleanup := testdb.NewTestDBWithSchema(t, "ledger",
		harness.Schema+arena.Schema+decisions.Schema+counterfactual.Schema)
	t.Cleanup(cleanup)

	return &scoreFixture{
		service:         NewService(ledgerDB.Conn(), zerolog.Nop()),
		harnesses:       harness.NewRepository(ledgerDB.Conn(), zerolog.Nop()),
		modelIOs:        arena.NewRepository(ledgerDB.Conn(), zerolog.Nop()),
		decisions:       decisions.NewRepository(ledgerDB.Conn(), zerolog.Nop()),
		counterfactuals: counterfactual.NewRepository(ledgerDB.Conn(), zerolog.Nop()),
	}
}

func (fx *scoreFixture) seedHarness(t *testing.T) *domain.Harness {
	t.Helper()
	h := &domain.Harness{
		ID:          uuid.New().String(),
		CreatedAt:   time.Now().UTC().AddDate(0, 0, -40),
		HarnessType: domain.HarnessMonthlyDCA,
		MarketSnapshot: map[string]domain.SymbolSnapshot{
			"VOO": {Date: "2026-03-01", Close: 400},
		},
		AccountState:  domain.AccountState{Cash: 1000, TotalValue: 5000},
		Budget:        1000,
		PromptVersion: "v1.0",
	}
	require.NoError(t, fx.harnesses.Create(context.Background(), h))
	return h
}

func (fx *scoreFixture) seedModelIO(t *testing.T, harnessID, model string, status domain.ModelStatus, latency int64, cost float64, isReplay bool) *domain.ModelIO {
	t.Helper()
	io := &domain.ModelIO{
		ID:           uuid.New().String(),
		HarnessID:    harnessID,
		ModelName:    model,
		Status:       status,
		ParseStatus:  domain.ParseNone,
		LatencyMs:    latency,
		CostEstimate: cost,
		IsReplay:     isReplay,
		CreatedAt:    time.Now().UTC(),
	}
	if status == domain.ModelStatusOK {
		io.ParseStatus = domain.ParseStructured
		io.StructuredOutput = &domain.StructuredOutput{
			Action:      domain.ActionAllocate,
			Allocations: []domain.Allocation{{Symbol: "VOO", Amount: 1000}},
			Confidence:  0.7,
			Reasoning:   "steady",
		}
	}
	require.NoError(t, fx.modelIOs.Create(context.Background(), io))
	return io
}

func (fx *scoreFixture) seedCounterfactual(t *testing.T, decisionLogID, modelIOID, model string, horizon int, returnPct float64, class domain.Classification) {
	t.Helper()
	inserted, err := fx.counterfactuals.Create(context.Background(), &domain.CounterfactualRecord{
		ID:                    uuid.New().String(),
		DecisionLogID:         decisionLogID,
		ModelIOID:             modelIOID,
		ModelName:             model,
		HorizonDays:           horizon,
		EntryPrices:           map[string]float64{"VOO": 400},
		ExitPrices:            map[string]float64{"VOO": 400 * (1 + returnPct/100)},
		HypotheticalReturnPct: returnPct,
		Classification:        class,
		CreatedAt:             time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestLeaderboardAggregatesRunsAndReturns(t *testing.T) {
	fx := newScoreFixture(t)
	ctx := context.Background()
	h := fx.seedHarness(t)

	alpha := fx.seedModelIO(t, h.ID, "alpha", domain.ModelStatusOK, 1200, 0.02, false)
	beta := fx.seedModelIO(t, h.ID, "beta", domain.ModelStatusOK, 800, 0.01, false)
	fx.seedModelIO(t, h.ID, "beta", domain.ModelStatusTimeout, 30000, 0, false)

	dl := &domain.DecisionLog{
		ID:               uuid.New().String(),
		HarnessID:        h.ID,
		AdoptedModelIOID: &alpha.ID,
		UserAction:       domain.UserActionApproved,
		CreatedAt:        h.CreatedAt,
	}
	require.NoError(t, fx.decisions.Create(ctx, dl))

	fx.seedCounterfactual(t, dl.ID, alpha.ID, "alpha", 30, 4.0, domain.ClassAdoptedRealized)
	fx.seedCounterfactual(t, dl.ID, beta.ID, "beta", 30, 6.0, domain.ClassMissedOpportunity)
	fx.seedCounterfactual(t, dl.ID, alpha.ID, "alpha", 7, 2.0, domain.ClassAdoptedRealized)

	rows, err := fx.service.Leaderboard(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// beta leads on 30-day mean return.
	assert.Equal(t, "beta", rows[0].ModelName)
	assert.Equal(t, 2, rows[0].Runs)
	assert.InDelta(t, 0.5, rows[0].OKRate, 1e-9)
	assert.Equal(t, 1, rows[0].MissedOpportunities)
	assert.InDelta(t, 6.0, rows[0].Horizons[30].MeanReturnPct, 1e-9)
	assert.InDelta(t, 1.0, rows[0].Horizons[30].WinRate, 1e-9)

	alphaRow := rows[1]
	assert.Equal(t, "alpha", alphaRow.ModelName)
	assert.Equal(t, 1, alphaRow.Runs)
	assert.InDelta(t, 1.0, alphaRow.OKRate, 1e-9)
	assert.Equal(t, 2, alphaRow.AdoptedCount)
	assert.InDelta(t, 4.0, alphaRow.Horizons[30].MeanReturnPct, 1e-9)
	assert.InDelta(t, 2.0, alphaRow.Horizons[7].MeanReturnPct, 1e-9)
	assert.InDelta(t, 0.02, alphaRow.TotalCostEstimate, 1e-9)
}

func TestLeaderboardExcludesReplayRows(t *testing.T) {
	fx := newScoreFixture(t)
	h := fx.seedHarness(t)

	fx.seedModelIO(t, h.ID, "alpha", domain.ModelStatusOK, 1000, 0.02, false)
	fx.seedModelIO(t, h.ID, "alpha", domain.ModelStatusOK, 1000, 0.02, true)
	fx.seedModelIO(t, h.ID, "replay-only", domain.ModelStatusOK, 1000, 0.02, true)

	rows, err := fx.service.Leaderboard(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "alpha", rows[0].ModelName)
	assert.Equal(t, 1, rows[0].Runs, "replay rows don't count as runs")
}

func TestLeaderboardEmptyLedger(t *testing.T) {
	fx := newScoreFixture(t)

	rows, err := fx.service.Leaderboard(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
}
