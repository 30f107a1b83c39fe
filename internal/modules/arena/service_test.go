package arena

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/arena/internal/clients/llm"
	"github.com/aristath/arena/internal/domain"
	"github.com/aristath/arena/internal/events"
	"github.com/aristath/arena/internal/modules/harness"
	"github.com/aristath/arena/internal/modules/memory"
	"github.com/aristath/arena/internal/modules/prompts"
	testdb "github.com/aristath/arena/internal/testing"
)

type svcSnapshots struct{}

func (svcSnapshots) SnapshotAsOf(ctx context.Context, symbol string, asOf time.Time) (*domain.SymbolSnapshot, error) {
	return &domain.SymbolSnapshot{Date: asOf.AddDate(0, 0, -1).Format("2006-01-02"), Close: 420.50, ChangePct: 0.3}, nil
}

type svcSymbols struct{}

func (svcSymbols) ActiveSymbols() ([]string, error) { return []string{"VOO", "QQQ"}, nil }

type svcBroker struct{}

func (svcBroker) GetBalance(ctx context.Context) (*domain.BrokerBalance, error) {
	return &domain.BrokerBalance{Cash: 1500, PortfolioValue: 10500}, nil
}

func (svcBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	return []domain.Position{{Symbol: "VOO", Quantity: 10, AvgEntryPrice: 400, MarketValue: 4200}}, nil
}

func (svcBroker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	return nil, fmt.Errorf("not supported")
}

func (svcBroker) CancelOrder(ctx context.Context, orderID string) error { return nil }

type eventRecorder struct {
	mu     sync.Mutex
	counts map[events.EventType]int
}

func newEventRecorder(bus *events.Bus, types ...events.EventType) *eventRecorder {
	rec := &eventRecorder{counts: map[events.EventType]int{}}
	for _, et := range types {
		et := et
		bus.Subscribe(et, func(e *events.Event) {
			rec.mu.Lock()
			rec.counts[e.Type]++
			rec.mu.Unlock()
		})
	}
	return rec
}

func (r *eventRecorder) count(et events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[et]
}

type serviceFixture struct {
	service   *Service
	repo      *Repository
	harnesses *harness.Repository
	recorder  *eventRecorder
	backends  map[string]ChatBackend
	roster    *Roster
}

func newServiceFixture(t *testing.T, rosterModels ...string) *serviceFixture {
	t.Helper()
	ctx := context.Background()

	ledgerDB, cleanupLedger := testdb.NewTestDBWithSchema(t, "ledger", harness.Schema+Schema)
	t.Cleanup(cleanupLedger)
	appDB, cleanupApp := testdb.NewTestDBWithSchema(t, "app", memory.Schema+prompts.Schema)
	t.Cleanup(cleanupApp)

	promptRepo := prompts.NewRepository(appDB.Conn(), zerolog.Nop())
	require.NoError(t, promptRepo.Seed(ctx))

	memStore := memory.NewStore(appDB.Conn(), zerolog.Nop())
	harnessRepo := harness.NewRepository(ledgerDB.Conn(), zerolog.Nop())
	builder := harness.NewBuilder(svcSnapshots{}, svcSymbols{}, svcBroker{}, memStore, promptRepo, harnessRepo, zerolog.Nop())

	repo := NewRepository(ledgerDB.Conn(), zerolog.Nop())

	fx := &serviceFixture{
		repo:      repo,
		harnesses: harnessRepo,
		backends:  map[string]ChatBackend{},
	}

	specs := make([]ModelSpec, 0, len(rosterModels))
	for _, name := range rosterModels {
		specs = append(specs, testSpec(name))
	}
	fx.roster = &Roster{Models: specs}

	factory := func(spec ModelSpec) ChatBackend { return fx.backends[spec.Name] }
	deps := ToolDeps{Market: fakeMarket{}, Memory: &fakeMemory{}}
	runner := NewRunner(factory, deps, 150*time.Millisecond, 8, 3, 1, zerolog.Nop())

	bus := events.NewBus()
	fx.recorder = newEventRecorder(bus, events.ArenaRunStarted, events.ArenaModelCompleted, events.ArenaRunCompleted)
	eventMgr := events.NewManager(bus, zerolog.Nop())

	fx.service = NewService(builder, harnessRepo, repo, fx.roster, runner, promptRepo, eventMgr, zerolog.Nop())
	return fx
}

func TestRunNewFanOutPersistsEveryOutcome(t *testing.T) {
	fx := newServiceFixture(t, "good", "slow", "broken")

	fx.backends["good"] = &scriptedBackend{script: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return textResponse(validJSON)
	}}
	fx.backends["slow"] = &scriptedBackend{script: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, fmt.Errorf("request aborted: %w", context.DeadlineExceeded)
	}}
	fx.backends["broken"] = &scriptedBackend{script: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, llm.NewHTTPError(500, "upstream down", nil)
	}}

	result, err := fx.service.RunNew(context.Background(), domain.HarnessMonthlyDCA, 1000, nil)
	require.NoError(t, err)
	require.Len(t, result.ModelIOs, 3)

	byModel := map[string]domain.ModelIO{}
	for _, io := range result.ModelIOs {
		byModel[io.ModelName] = io
	}
	assert.Equal(t, domain.ModelStatusOK, byModel["good"].Status)
	assert.Equal(t, domain.ModelStatusTimeout, byModel["slow"].Status)
	assert.Equal(t, domain.ModelStatusError, byModel["broken"].Status)
	assert.Nil(t, byModel["slow"].StructuredOutput)
	assert.Nil(t, byModel["broken"].StructuredOutput)

	// Every row, failures included, is in the ledger
	stored, err := fx.repo.ListByHarness(context.Background(), result.Harness.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	// Ranked view puts the ok row first
	require.NotEmpty(t, result.Candidates)
	assert.Equal(t, "good", result.Candidates[0].ModelName)
	assert.Equal(t, domain.ModelStatusOK, result.Candidates[0].Status)

	assert.Equal(t, 1, fx.recorder.count(events.ArenaRunStarted))
	assert.Equal(t, 3, fx.recorder.count(events.ArenaModelCompleted))
	assert.Equal(t, 1, fx.recorder.count(events.ArenaRunCompleted))
}

func TestRunNewUnknownModel(t *testing.T) {
	fx := newServiceFixture(t, "good")

	_, err := fx.service.RunNew(context.Background(), domain.HarnessMonthlyDCA, 1000, []string{"nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model")
}

func TestReplayMarksRowsAndReusesHarness(t *testing.T) {
	fx := newServiceFixture(t, "good")
	fx.backends["good"] = &scriptedBackend{script: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return textResponse(validJSON)
	}}

	original, err := fx.service.RunNew(context.Background(), domain.HarnessMonthlyDCA, 1000, nil)
	require.NoError(t, err)

	replay, err := fx.service.Replay(context.Background(), original.Harness.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, original.Harness.ID, replay.Harness.ID)
	require.Len(t, replay.ModelIOs, 1)
	assert.True(t, replay.ModelIOs[0].IsReplay)

	// Replay appended rows to the same harness, created no new harness
	harnesses, err := fx.harnesses.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, harnesses, 1)

	all, err := fx.repo.ListByHarness(context.Background(), original.Harness.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	originals, err := fx.repo.ListOriginalByHarness(context.Background(), original.Harness.ID)
	require.NoError(t, err)
	assert.Len(t, originals, 1)
	assert.False(t, originals[0].IsReplay)
}

func TestReplayUnknownHarness(t *testing.T) {
	fx := newServiceFixture(t, "good")

	_, err := fx.service.Replay(context.Background(), "missing-id", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRankCandidates(t *testing.T) {
	ios := []domain.ModelIO{
		{ID: "1", ModelName: "low", Status: domain.ModelStatusOK, StructuredOutput: &domain.StructuredOutput{Confidence: 0.4}},
		{ID: "2", ModelName: "failed", Status: domain.ModelStatusTimeout},
		{ID: "3", ModelName: "high", Status: domain.ModelStatusOK, StructuredOutput: &domain.StructuredOutput{Confidence: 0.9}},
	}

	ranked := RankCandidates(ios)
	require.Len(t, ranked, 3)
	assert.Equal(t, "high", ranked[0].ModelName)
	assert.Equal(t, "low", ranked[1].ModelName)
	assert.Equal(t, "failed", ranked[2].ModelName)
}
