package decisions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/domain"
	"github.com/aristath/arena/internal/events"
)

// HarnessSource loads stored harnesses.
type HarnessSource interface {
	GetByID(ctx context.Context, id string) (*domain.Harness, error)
}

// ModelIOSource loads stored model responses.
type ModelIOSource interface {
	GetByID(ctx context.Context, id string) (*domain.ModelIO, error)
	ListByHarness(ctx context.Context, harnessID string) ([]domain.ModelIO, error)
}

// Authenticator verifies the step-up code that gates execution. Verify
// must consume the code: a second presentation of the same code for the
// same harness is a reuse and fails.
type Authenticator interface {
	Verify(ctx context.Context, harnessID, code string) error
}

// Executor places the approved allocation through the brokerage.
type Executor interface {
	Execute(ctx context.Context, decisionLogID string, allocations []domain.Allocation) (*domain.ExecutionResult, error)
}

// CounterfactualSource loads counterfactual records for the detail view.
type CounterfactualSource interface {
	ListByDecision(ctx context.Context, decisionLogID string) ([]domain.CounterfactualRecord, error)
}

// RecordParams is one user action on a pending harness.
type RecordParams struct {
	HarnessID           string
	UserAction          domain.UserAction
	AdoptedModelIOID    string
	ExecutedAllocations []domain.Allocation
	Notes               string
	TOTPCode            string
}

// RecordResult is the outcome of recording a decision: the ledger row and,
// for approved/modified actions, the execution result (which may report
// partial failure).
type RecordResult struct {
	DecisionLog     *domain.DecisionLog     `json:"decision_log"`
	ExecutionResult *domain.ExecutionResult `json:"execution_result,omitempty"`
	ExecutionError  string                  `json:"execution_error,omitempty"`
}

// HarnessDetail is the full audit view of one harness: the frozen context,
// every model response, the human decision if taken, and any
// counterfactual records computed so far.
type HarnessDetail struct {
	Harness         *domain.Harness               `json:"harness"`
	ModelIOs        []domain.ModelIO              `json:"model_ios"`
	DecisionLog     *domain.DecisionLog           `json:"decision_log,omitempty"`
	Counterfactuals []domain.CounterfactualRecord `json:"counterfactuals,omitempty"`
}

// Service is the human gate: it validates the user action, verifies
// step-up auth where execution follows, records the single decision log,
// and hands approved allocations to the execution gate.
type Service struct {
	repo            *Repository
	harnesses       HarnessSource
	modelIOs        ModelIOSource
	auth            Authenticator
	executor        Executor
	counterfactuals CounterfactualSource
	memory          domain.MemoryStore
	events          *events.Manager
	log             zerolog.Logger
}

// NewService creates the decision service.
func NewService(repo *Repository, harnesses HarnessSource, modelIOs ModelIOSource,
	auth Authenticator, executor Executor, counterfactuals CounterfactualSource,
	memory domain.MemoryStore, eventMgr *events.Manager, log zerolog.Logger) *Service {
	return &Service{
		repo:            repo,
		harnesses:       harnesses,
		modelIOs:        modelIOs,
		auth:            auth,
		executor:        executor,
		counterfactuals: counterfactuals,
		memory:          memory,
		events:          eventMgr,
		log:             log.With().Str("service", "decisions").Logger(),
	}
}

// Record applies one terminal user action to a harness. Approved and
// modified actions verify the step-up code before anything is written;
// the ledger insert then arbitrates duplicates, and execution follows a
// successful insert. Skip and reject record the ledger row only.
func (s *Service) Record(ctx context.Context, p RecordParams) (*RecordResult, error) {
	if !p.UserAction.Valid() {
		return nil, fmt.Errorf("invalid user action %q", p.UserAction)
	}

	h, err := s.harnesses.GetByID(ctx, p.HarnessID)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("harness %s not found", p.HarnessID)
	}

	dl := &domain.DecisionLog{
		ID:         uuid.New().String(),
		HarnessID:  p.HarnessID,
		UserAction: p.UserAction,
		UserNotes:  strings.TrimSpace(p.Notes),
		CreatedAt:  time.Now().UTC(),
	}

	if p.UserAction.RequiresExecution() {
		adopted, err := s.resolveAdopted(ctx, p)
		if err != nil {
			return nil, err
		}
		dl.AdoptedModelIOID = &adopted.ID
		dl.OriginalAllocations = adopted.StructuredOutput.Allocations

		switch p.UserAction {
		case domain.UserActionModified:
			if len(p.ExecutedAllocations) == 0 {
				return nil, fmt.Errorf("modified decisions require executed_allocations")
			}
			dl.ExecutedAllocations = p.ExecutedAllocations
		default:
			dl.ExecutedAllocations = adopted.StructuredOutput.Allocations
		}

		// Auth comes first: a bad code means nothing is recorded.
		if err := s.auth.Verify(ctx, p.HarnessID, p.TOTPCode); err != nil {
			return nil, err
		}
	} else if p.AdoptedModelIOID != "" {
		return nil, fmt.Errorf("%s decisions must not adopt a model response", p.UserAction)
	}

	if err := s.repo.Create(ctx, dl); err != nil {
		return nil, err
	}

	s.events.EmitData("decisions", &events.DecisionRecordedData{
		HarnessID:     dl.HarnessID,
		DecisionLogID: dl.ID,
		UserAction:    string(dl.UserAction),
	})
	s.writeSummary(ctx, h, dl)

	result := &RecordResult{DecisionLog: dl}
	if p.UserAction.RequiresExecution() {
		execRes, execErr := s.executor.Execute(ctx, dl.ID, dl.ExecutedAllocations)
		result.ExecutionResult = execRes
		dl.ExecutionResult = execRes
		if execErr != nil {
			// The decision stands; the per-leg detail tells the user what
			// actually went through.
			s.log.Error().Err(execErr).Str("decision_log_id", dl.ID).Msg("Execution reported failures")
			result.ExecutionError = execErr.Error()
		}
	}

	return result, nil
}

// resolveAdopted validates the adopted model response: it must exist,
// belong to the harness, and carry a schema-valid output.
func (s *Service) resolveAdopted(ctx context.Context, p RecordParams) (*domain.ModelIO, error) {
	if p.AdoptedModelIOID == "" {
		return nil, fmt.Errorf("%s decisions require adopted_model_io_id", p.UserAction)
	}

	adopted, err := s.modelIOs.GetByID(ctx, p.AdoptedModelIOID)
	if err != nil {
		return nil, err
	}
	if adopted == nil {
		return nil, fmt.Errorf("model response %s not found", p.AdoptedModelIOID)
	}
	if adopted.HarnessID != p.HarnessID {
		return nil, fmt.Errorf("model response %s belongs to a different harness", p.AdoptedModelIOID)
	}
	if adopted.Status != domain.ModelStatusOK || adopted.StructuredOutput == nil {
		return nil, fmt.Errorf("model response %s is not adoptable (status %s)", p.AdoptedModelIOID, adopted.Status)
	}
	return adopted, nil
}

// writeSummary appends a one-line memory summary of the decision. Best
// effort: memory failures never fail the ledger write that already
// happened.
func (s *Service) writeSummary(ctx context.Context, h *domain.Harness, dl *domain.DecisionLog) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s run: %s", dl.CreatedAt.Format("2006-01-02"), h.HarnessType, dl.UserAction)
	if allocs := dl.ExecutedAllocations; len(allocs) > 0 {
		parts := make([]string, 0, len(allocs))
		for _, a := range allocs {
			parts = append(parts, fmt.Sprintf("%s $%.0f", a.Symbol, a.Amount))
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	if dl.UserNotes != "" {
		fmt.Fprintf(&b, " - %s", dl.UserNotes)
	}

	if _, err := s.memory.Write(ctx, domain.MemorySummary, b.String()); err != nil {
		s.log.Warn().Err(err).Str("decision_log_id", dl.ID).Msg("Failed to write decision summary")
	}
}

// Timeline proxies the paginated ledger timeline.
func (s *Service) Timeline(ctx context.Context, f TimelineFilter) ([]domain.DecisionLog, error) {
	return s.repo.Timeline(ctx, f)
}

// Pending returns harness ids awaiting a decision, newest first.
func (s *Service) Pending(ctx context.Context) ([]string, error) {
	return s.repo.PendingHarnessIDs(ctx)
}

// Detail assembles the full audit view for one harness.
func (s *Service) Detail(ctx context.Context, harnessID string) (*HarnessDetail, error) {
	h, err := s.harnesses.GetByID(ctx, harnessID)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("harness %s not found", harnessID)
	}

	ios, err := s.modelIOs.ListByHarness(ctx, harnessID)
	if err != nil {
		return nil, err
	}

	dl, err := s.repo.GetByHarness(ctx, harnessID)
	if err != nil {
		return nil, err
	}

	detail := &HarnessDetail{Harness: h, ModelIOs: ios, DecisionLog: dl}
	if dl != nil && s.counterfactuals != nil {
		records, err := s.counterfactuals.ListByDecision(ctx, dl.ID)
		if err != nil {
			return nil, err
		}
		detail.Counterfactuals = records
	}

	return detail, nil
}
