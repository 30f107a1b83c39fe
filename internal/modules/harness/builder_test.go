package harness

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/arena/internal/domain"
	"github.com/aristath/arena/internal/modules/memory"
	"github.com/aristath/arena/internal/modules/prompts"
	testdb "github.com/aristath/arena/internal/testing"
)

type fakeSnapshots struct {
	snaps map[string]domain.SymbolSnapshot
}

func (f *fakeSnapshots) SnapshotAsOf(ctx context.Context, symbol string, asOf time.Time) (*domain.SymbolSnapshot, error) {
	s, ok := f.snaps[symbol]
	if !ok {
		return nil, fmt.Errorf("no bars for %s", symbol)
	}
	return &s, nil
}

type fakeSymbols []string

func (f fakeSymbols) ActiveSymbols() ([]string, error) { return f, nil }

type fakeBroker struct {
	balance   domain.BrokerBalance
	positions []domain.Position
}

func (f *fakeBroker) GetBalance(ctx context.Context) (*domain.BrokerBalance, error) {
	b := f.balance
	return &b, nil
}

func (f *fakeBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	return f.positions, nil
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	return nil, fmt.Errorf("fake broker does not place orders")
}

func (f *fakeBroker) CancelOrder(ctx context.Context, orderID string) error { return nil }

type failingMemory struct{}

func (failingMemory) List(ctx context.Context, category domain.MemoryCategory, limit int) ([]domain.MemoryEntry, error) {
	return nil, fmt.Errorf("memory db locked")
}

func (failingMemory) Write(ctx context.Context, category domain.MemoryCategory, content string) (*domain.MemoryEntry, error) {
	return nil, fmt.Errorf("memory db locked")
}

func (failingMemory) ContextSlice(ctx context.Context) (*domain.MemoryContext, error) {
	return nil, fmt.Errorf("memory db locked")
}

func freshSnap(date string, close float64) domain.SymbolSnapshot {
	return domain.SymbolSnapshot{Date: date, Open: close - 1, High: close + 1, Low: close - 2, Close: close, Volume: 1000, ChangePct: 0.5}
}

type builderFixture struct {
	builder *Builder
	repo    *Repository
	broker  *fakeBroker
	snaps   *fakeSnapshots
}

func newBuilderFixture(t *testing.T, symbols []string) *builderFixture {
	t.Helper()
	ctx := context.Background()

	ledgerDB, cleanupLedger := testdb.NewTestDBWithSchema(t, "ledger", Schema)
	t.Cleanup(cleanupLedger)
	appDB, cleanupApp := testdb.NewTestDBWithSchema(t, "app", memory.Schema+prompts.Schema)
	t.Cleanup(cleanupApp)

	promptRepo := prompts.NewRepository(appDB.Conn(), zerolog.Nop())
	require.NoError(t, promptRepo.Seed(ctx))

	repo := NewRepository(ledgerDB.Conn(), zerolog.Nop())
	broker := &fakeBroker{
		balance: domain.BrokerBalance{Cash: 1500, PortfolioValue: 10500},
		positions: []domain.Position{
			{Symbol: "VOO", Quantity: 10, AvgEntryPrice: 400, MarketValue: 4200},
		},
	}
	snaps := &fakeSnapshots{snaps: map[string]domain.SymbolSnapshot{}}

	builder := NewBuilder(snaps, fakeSymbols(symbols), broker,
		memory.NewStore(appDB.Conn(), zerolog.Nop()), promptRepo, repo, zerolog.Nop())

	return &builderFixture{builder: builder, repo: repo, broker: broker, snaps: snaps}
}

func TestBuildHappyPath(t *testing.T) {
	fx := newBuilderFixture(t, []string{"VOO", "QQQ"})
	asOf := time.Date(2026, 8, 14, 9, 0, 0, 0, time.UTC)
	fx.snaps.snaps["VOO"] = freshSnap("2026-08-13", 420.50)
	fx.snaps.snaps["QQQ"] = freshSnap("2026-08-13", 512.10)

	h, err := fx.builder.Build(context.Background(), domain.HarnessMonthlyDCA, asOf, 1000)
	require.NoError(t, err)

	assert.NotEmpty(t, h.ID)
	assert.Equal(t, domain.HarnessMonthlyDCA, h.HarnessType)
	assert.Equal(t, asOf, h.CreatedAt)
	assert.Equal(t, 1000.0, h.Budget)
	assert.Equal(t, "v1.0", h.PromptVersion)
	assert.Len(t, h.MarketSnapshot, 2)
	assert.Equal(t, 420.50, h.MarketSnapshot["VOO"].Close)
	assert.Equal(t, 1500.0, h.AccountState.Cash)
	require.Len(t, h.AccountState.Positions, 1)

	// Persisted and loadable
	loaded, err := fx.repo.GetByID(context.Background(), h.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, h.MarketSnapshot["QQQ"].Close, loaded.MarketSnapshot["QQQ"].Close)
	assert.Equal(t, h.AccountState.Cash, loaded.AccountState.Cash)
	assert.Equal(t, h.PromptVersion, loaded.PromptVersion)
}

func TestBuildFailsOnMissingSymbols(t *testing.T) {
	fx := newBuilderFixture(t, []string{"VOO", "QQQ", "ACWI"})
	asOf := time.Date(2026, 8, 14, 9, 0, 0, 0, time.UTC)
	fx.snaps.snaps["VOO"] = freshSnap("2026-08-13", 420.50)

	_, err := fx.builder.Build(context.Background(), domain.HarnessMonthlyDCA, asOf, 1000)
	require.Error(t, err)

	var incomplete *domain.IncompleteDataError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, []string{"ACWI", "QQQ"}, incomplete.MissingSymbols)
}

func TestBuildFailsOnStaleData(t *testing.T) {
	fx := newBuilderFixture(t, []string{"VOO"})
	asOf := time.Date(2026, 8, 14, 9, 0, 0, 0, time.UTC)
	// 10 days old, beyond the 7 day freshness window
	fx.snaps.snaps["VOO"] = freshSnap("2026-08-04", 420.50)

	_, err := fx.builder.Build(context.Background(), domain.HarnessMonthlyDCA, asOf, 1000)
	require.Error(t, err)

	var incomplete *domain.IncompleteDataError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, []string{"VOO"}, incomplete.MissingSymbols)
}

func TestBuildToleratesMemoryFailure(t *testing.T) {
	fx := newBuilderFixture(t, []string{"VOO"})
	asOf := time.Date(2026, 8, 14, 9, 0, 0, 0, time.UTC)
	fx.snaps.snaps["VOO"] = freshSnap("2026-08-13", 420.50)

	fx.builder.memory = failingMemory{}

	h, err := fx.builder.Build(context.Background(), domain.HarnessAdHoc, asOf, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, h.MemoryContext.Len())
}

func TestBuildIncludesMemoryContext(t *testing.T) {
	fx := newBuilderFixture(t, []string{"VOO"})
	asOf := time.Date(2026, 8, 14, 9, 0, 0, 0, time.UTC)
	fx.snaps.snaps["VOO"] = freshSnap("2026-08-13", 420.50)

	store := fx.builder.memory
	_, err := store.Write(context.Background(), domain.MemorySummary, "July: approved DCA into VOO")
	require.NoError(t, err)
	_, err = store.Write(context.Background(), domain.MemoryExperience, "Large orders near close slip more")
	require.NoError(t, err)

	h, err := fx.builder.Build(context.Background(), domain.HarnessMonthlyDCA, asOf, 1000)
	require.NoError(t, err)
	assert.Len(t, h.MemoryContext.Summaries, 1)
	assert.Len(t, h.MemoryContext.Experiences, 1)
}
