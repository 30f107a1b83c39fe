// Package arena fans one harness out to a roster of LLM advisors,
// records every response immutably, and surfaces ranked candidates for
// human review. The arena recommends; it never trades.
package arena

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/domain"
	"github.com/aristath/arena/internal/events"
	"github.com/aristath/arena/internal/modules/harness"
	"github.com/aristath/arena/internal/modules/prompts"
)

// PromptSource resolves system prompts for runs. Fresh runs use the
// current version; replays use the version recorded on the harness.
type PromptSource interface {
	Current(ctx context.Context) (*prompts.PromptVersion, error)
	Get(ctx context.Context, version string) (*prompts.PromptVersion, error)
}

// Candidate is one ranked row surfaced for human review.
type Candidate struct {
	ModelIOID   string              `json:"model_io_id"`
	ModelName   string              `json:"model_name"`
	Status      domain.ModelStatus  `json:"status"`
	Action      domain.Action       `json:"action,omitempty"`
	Confidence  float64             `json:"confidence"`
	Reasoning   string              `json:"reasoning,omitempty"`
	Allocations []domain.Allocation `json:"allocations,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// RunResult bundles a harness with its model responses and ranking.
type RunResult struct {
	Harness    *domain.Harness  `json:"harness"`
	ModelIOs   []domain.ModelIO `json:"model_ios"`
	Candidates []Candidate      `json:"candidates"`
}

// Service orchestrates arena runs end to end: harness construction,
// parallel dispatch, persistence, and replay of historical harnesses.
type Service struct {
	builder   *harness.Builder
	harnesses *harness.Repository
	repo      *Repository
	roster    *Roster
	runner    *Runner
	prompts   PromptSource
	events    *events.Manager
	log       zerolog.Logger
}

// NewService creates the arena service.
func NewService(builder *harness.Builder, harnesses *harness.Repository, repo *Repository,
	roster *Roster, runner *Runner, promptSource PromptSource, eventMgr *events.Manager, log zerolog.Logger) *Service {
	return &Service{
		builder:   builder,
		harnesses: harnesses,
		repo:      repo,
		roster:    roster,
		runner:    runner,
		prompts:   promptSource,
		events:    eventMgr,
		log:       log.With().Str("service", "arena").Logger(),
	}
}

// RunNew builds a fresh harness as of now and dispatches the arena over
// it. This is the entry point for both the API and the scheduler.
func (s *Service) RunNew(ctx context.Context, harnessType domain.HarnessType, budget float64, modelNames []string) (*RunResult, error) {
	h, err := s.builder.Build(ctx, harnessType, time.Now().UTC(), budget)
	if err != nil {
		return nil, err
	}

	ios, err := s.run(ctx, h, modelNames, false)
	if err != nil {
		return nil, err
	}

	return &RunResult{Harness: h, ModelIOs: ios, Candidates: RankCandidates(ios)}, nil
}

// Replay re-dispatches a historical harness against current backends.
// The frozen snapshot and the recorded prompt version are reused, tool
// reads stay bounded by the original creation time, and the resulting
// rows are marked as replays. No new harness is created.
func (s *Service) Replay(ctx context.Context, harnessID string, modelNames []string) (*RunResult, error) {
	h, err := s.harnesses.GetByID(ctx, harnessID)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("harness %s not found", harnessID)
	}

	ios, err := s.run(ctx, h, modelNames, true)
	if err != nil {
		return nil, err
	}

	return &RunResult{Harness: h, ModelIOs: ios, Candidates: RankCandidates(ios)}, nil
}

// run is the fan-out/fan-in core. One goroutine per model, each with its
// own deadline inside the runner; the join waits for every dispatched
// model, and every row is persisted before the run is complete.
func (s *Service) run(ctx context.Context, h *domain.Harness, modelNames []string, isReplay bool) ([]domain.ModelIO, error) {
	specs, err := s.roster.Resolve(modelNames)
	if err != nil {
		return nil, err
	}

	systemPrompt, err := s.resolvePrompt(ctx, h)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(specs))
	for i, spec := range specs {
		names[i] = spec.Name
	}

	s.log.Info().
		Str("harness_id", h.ID).
		Strs("models", names).
		Bool("replay", isReplay).
		Msg("Arena run started")
	s.events.EmitData("arena", &events.ArenaRunStartedData{
		HarnessID:   h.ID,
		HarnessType: string(h.HarnessType),
		Models:      names,
		IsReplay:    isReplay,
	})

	results := make([]domain.ModelIO, len(specs))
	var wg sync.WaitGroup
	for i := range specs {
		wg.Add(1)
		go func(i int, spec ModelSpec) {
			defer wg.Done()
			results[i] = s.runner.Run(ctx, h, spec, systemPrompt, isReplay)
			s.events.EmitData("arena", &events.ArenaModelCompletedData{
				HarnessID: h.ID,
				ModelName: spec.Name,
				Status:    string(results[i].Status),
				LatencyMs: results[i].LatencyMs,
			})
		}(i, specs[i])
	}
	wg.Wait()

	okCount := 0
	for i := range results {
		if err := s.repo.Create(ctx, &results[i]); err != nil {
			return nil, fmt.Errorf("failed to persist response from %s: %w", results[i].ModelName, err)
		}
		if results[i].Status == domain.ModelStatusOK {
			okCount++
		}
	}

	s.log.Info().
		Str("harness_id", h.ID).
		Int("ok", okCount).
		Int("failed", len(results)-okCount).
		Msg("Arena run completed")
	s.events.EmitData("arena", &events.ArenaRunCompletedData{
		HarnessID: h.ID,
		OKCount:   okCount,
		Failed:    len(results) - okCount,
		IsReplay:  isReplay,
	})

	return results, nil
}

// resolvePrompt returns the system prompt text for a run: the version the
// harness was built with, falling back to the current version if that
// exact version is gone.
func (s *Service) resolvePrompt(ctx context.Context, h *domain.Harness) (string, error) {
	if h.PromptVersion != "" {
		pv, err := s.prompts.Get(ctx, h.PromptVersion)
		if err == nil {
			return pv.SystemPrompt, nil
		}
		s.log.Warn().
			Str("version", h.PromptVersion).
			Msg("Harness prompt version missing, using current")
	}

	pv, err := s.prompts.Current(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to resolve system prompt: %w", err)
	}
	return pv.SystemPrompt, nil
}

// RankCandidates orders responses for review: ok rows first by descending
// confidence, everything else after, so the best-supported recommendation
// is always on top.
func RankCandidates(ios []domain.ModelIO) []Candidate {
	candidates := make([]Candidate, 0, len(ios))
	for _, io := range ios {
		c := Candidate{
			ModelIOID: io.ID,
			ModelName: io.ModelName,
			Status:    io.Status,
			Error:     io.ErrorMessage,
		}
		if io.StructuredOutput != nil {
			c.Action = io.StructuredOutput.Action
			c.Confidence = io.StructuredOutput.Confidence
			c.Reasoning = io.StructuredOutput.Reasoning
			c.Allocations = io.StructuredOutput.Allocations
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		iOK := candidates[i].Status == domain.ModelStatusOK
		jOK := candidates[j].Status == domain.ModelStatusOK
		if iOK != jOK {
			return iOK
		}
		return candidates[i].Confidence > candidates[j].Confidence
	})

	return candidates
}
