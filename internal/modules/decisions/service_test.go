package decisions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/arena/internal/domain"
	"github.com/aristath/arena/internal/events"
	"github.com/aristath/arena/internal/modules/arena"
	"github.com/aristath/arena/internal/modules/harness"
	"github.com/aristath/arena/internal/modules/memory"
	testdb "github.com/aristath/arena/internal/testing"
)

type fakeAuth struct {
	err   error
	calls int
}

func (a *fakeAuth) Verify(ctx context.Context, harnessID, code string) error {
	a.calls++
	return a.err
}

type fakeExecutor struct {
	result *domain.ExecutionResult
	err    error
	got    []domain.Allocation
	calls  int
}

func (e *fakeExecutor) Execute(ctx context.Context, decisionLogID string, allocations []domain.Allocation) (*domain.ExecutionResult, error) {
	e.calls++
	e.got = allocations
	if e.result != nil {
		res := *e.result
		res.DecisionLogID = decisionLogID
		return &res, e.err
	}
	return nil, e.err
}

type decisionFixture struct {
	service  *Service
	repo     *Repository
	modelIOs *arena.Repository
	memory   *memory.Store
	auth     *fakeAuth
	executor *fakeExecutor
	harness  *domain.Harness
}

func newDecisionFixture(t *testing.T) *decisionFixture {
	t.Helper()

	ledgerDB, cleanupLedger := testdb.NewTestDBWithSchema(t, "ledger", harness.Schema+arena.Schema+Schema)
	t.Cleanup(cleanupLedger)
	appDB, cleanupApp := testdb.NewTestDBWithSchema(t, "app", memory.Schema)
	t.Cleanup(cleanupApp)

	harnessRepo := harness.NewRepository(ledgerDB.Conn(), zerolog.Nop())
	modelIOs := arena.NewRepository(ledgerDB.Conn(), zerolog.Nop())
	repo := NewRepository(ledgerDB.Conn(), zerolog.Nop())
	memStore := memory.NewStore(appDB.Conn(), zerolog.Nop())

	fx := &decisionFixture{
		repo:     repo,
		modelIOs: modelIOs,
		memory:   memStore,
		auth:     &fakeAuth{},
		executor: &fakeExecutor{},
	}
	fx.harness = storedHarness(t, harnessRepo, domain.HarnessMonthlyDCA, time.Now().UTC())

	eventMgr := events.NewManager(events.NewBus(), zerolog.Nop())
	fx.service = NewService(repo, harnessRepo, modelIOs, fx.auth, fx.executor, nil, memStore, eventMgr, zerolog.Nop())

	return fx
}

func (fx *decisionFixture) storedModelIO(t *testing.T, status domain.ModelStatus, out *domain.StructuredOutput) *domain.ModelIO {
	t.Helper()

	io := &domain.ModelIO{
		ID:               uuid.New().String(),
		HarnessID:        fx.harness.ID,
		ModelName:        "gpt",
		Status:           status,
		ParseStatus:      domain.ParseStructured,
		StructuredOutput: out,
		CreatedAt:        time.Now().UTC(),
	}
	require.NoError(t, fx.modelIOs.Create(context.Background(), io))
	return io
}

func TestRecordSkipWithoutNotes(t *testing.T) {
	fx := newDecisionFixture(t)

	result, err := fx.service.Record(context.Background(), RecordParams{
		HarnessID:  fx.harness.ID,
		UserAction: domain.UserActionSkipped,
	})
	require.NoError(t, err)

	dl := result.DecisionLog
	assert.Equal(t, domain.UserActionSkipped, dl.UserAction)
	assert.Nil(t, dl.AdoptedModelIOID)
	assert.Nil(t, dl.ExecutionResult)
	assert.Empty(t, dl.UserNotes)

	// Skip never touches auth or the broker
	assert.Equal(t, 0, fx.auth.calls)
	assert.Equal(t, 0, fx.executor.calls)

	// A summary entry lands in memory
	entries, err := fx.memory.List(context.Background(), domain.MemorySummary, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Content, "skipped")
}

func TestRecordApproveExecutesAdoptedAllocations(t *testing.T) {
	fx := newDecisionFixture(t)
	io := fx.storedModelIO(t, domain.ModelStatusOK, &domain.StructuredOutput{
		Action:      domain.ActionAllocate,
		Allocations: []domain.Allocation{{Symbol: "VOO", Amount: 10000}},
		Confidence:  0.8,
	})
	orderID := "ord-1"
	fx.executor.result = &domain.ExecutionResult{
		Status:    domain.ExecutionCompleted,
		Legs:      []domain.ExecutionLeg{{Symbol: "VOO", Side: "buy", Notional: 10000, Status: domain.LegSubmitted, OrderID: &orderID}},
		CreatedAt: time.Now().UTC(),
	}

	result, err := fx.service.Record(context.Background(), RecordParams{
		HarnessID:        fx.harness.ID,
		UserAction:       domain.UserActionApproved,
		AdoptedModelIOID: io.ID,
		TOTPCode:         "123456",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, fx.auth.calls)
	assert.Equal(t, 1, fx.executor.calls)
	assert.Equal(t, []domain.Allocation{{Symbol: "VOO", Amount: 10000}}, fx.executor.got)

	dl := result.DecisionLog
	require.NotNil(t, dl.AdoptedModelIOID)
	assert.Equal(t, io.ID, *dl.AdoptedModelIOID)
	assert.Equal(t, dl.OriginalAllocations, dl.ExecutedAllocations)
	require.NotNil(t, result.ExecutionResult)
	assert.Equal(t, domain.ExecutionCompleted, result.ExecutionResult.Status)
}

func TestRecordModifiedStoresBothAllocationSets(t *testing.T) {
	fx := newDecisionFixture(t)
	io := fx.storedModelIO(t, domain.ModelStatusOK, &domain.StructuredOutput{
		Action:      domain.ActionAllocate,
		Allocations: []domain.Allocation{{Symbol: "VOO", Amount: 6000}, {Symbol: "QQQ", Amount: 4000}},
		Confidence:  0.7,
	})
	fx.executor.result = &domain.ExecutionResult{Status: domain.ExecutionCompleted, CreatedAt: time.Now().UTC()}

	edited := []domain.Allocation{{Symbol: "VOO", Amount: 8000}}
	result, err := fx.service.Record(context.Background(), RecordParams{
		HarnessID:           fx.harness.ID,
		UserAction:          domain.UserActionModified,
		AdoptedModelIOID:    io.ID,
		ExecutedAllocations: edited,
		TOTPCode:            "123456",
	})
	require.NoError(t, err)

	dl := result.DecisionLog
	// The divergence between what the model said and what the user did is
	// preserved verbatim; the counterfactual sweep consumes it.
	assert.Equal(t, io.StructuredOutput.Allocations, dl.OriginalAllocations)
	assert.Equal(t, edited, dl.ExecutedAllocations)
	assert.Equal(t, edited, fx.executor.got)
}

func TestRecordModifiedRequiresExecutedAllocations(t *testing.T) {
	fx := newDecisionFixture(t)
	io := fx.storedModelIO(t, domain.ModelStatusOK, &domain.StructuredOutput{
		Action:      domain.ActionAllocate,
		Allocations: []domain.Allocation{{Symbol: "VOO", Amount: 1000}},
	})

	_, err := fx.service.Record(context.Background(), RecordParams{
		HarnessID:        fx.harness.ID,
		UserAction:       domain.UserActionModified,
		AdoptedModelIOID: io.ID,
		TOTPCode:         "123456",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executed_allocations")
}

func TestRecordAuthFailureRecordsNothing(t *testing.T) {
	fx := newDecisionFixture(t)
	io := fx.storedModelIO(t, domain.ModelStatusOK, &domain.StructuredOutput{
		Action:      domain.ActionAllocate,
		Allocations: []domain.Allocation{{Symbol: "VOO", Amount: 1000}},
	})
	fx.auth.err = &domain.AuthenticationError{Reason: "code expired"}

	_, err := fx.service.Record(context.Background(), RecordParams{
		HarnessID:        fx.harness.ID,
		UserAction:       domain.UserActionApproved,
		AdoptedModelIOID: io.ID,
		TOTPCode:         "000000",
	})
	var authErr *domain.AuthenticationError
	require.True(t, errors.As(err, &authErr))

	// The failed attempt left no ledger row and placed no order
	dl, err := fx.repo.GetByHarness(context.Background(), fx.harness.ID)
	require.NoError(t, err)
	assert.Nil(t, dl)
	assert.Equal(t, 0, fx.executor.calls)
}

func TestRecordRejectsUnadoptableResponse(t *testing.T) {
	fx := newDecisionFixture(t)
	io := fx.storedModelIO(t, domain.ModelStatusTimeout, nil)

	_, err := fx.service.Record(context.Background(), RecordParams{
		HarnessID:        fx.harness.ID,
		UserAction:       domain.UserActionApproved,
		AdoptedModelIOID: io.ID,
		TOTPCode:         "123456",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not adoptable")
}

func TestRecordSecondDecisionConflicts(t *testing.T) {
	fx := newDecisionFixture(t)

	_, err := fx.service.Record(context.Background(), RecordParams{
		HarnessID:  fx.harness.ID,
		UserAction: domain.UserActionRejected,
		Notes:      "not this month",
	})
	require.NoError(t, err)

	_, err = fx.service.Record(context.Background(), RecordParams{
		HarnessID:  fx.harness.ID,
		UserAction: domain.UserActionSkipped,
	})
	var dup *domain.DuplicateDecisionError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, fx.harness.ID, dup.HarnessID)
}

func TestRecordUnknownHarness(t *testing.T) {
	fx := newDecisionFixture(t)

	_, err := fx.service.Record(context.Background(), RecordParams{
		HarnessID:  "missing",
		UserAction: domain.UserActionSkipped,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
