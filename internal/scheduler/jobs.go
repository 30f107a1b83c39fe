package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/clients/llm"
	"github.com/aristath/arena/internal/database"
	"github.com/aristath/arena/internal/domain"
	"github.com/aristath/arena/internal/modules/arena"
	"github.com/aristath/arena/internal/modules/counterfactual"
	"github.com/aristath/arena/internal/modules/market"
	"github.com/aristath/arena/internal/reliability"
)

// ArenaAnalysisJob starts a full arena run. Params: harness_type
// (monthly_dca | rebalance | ad_hoc), budget (dollars, ALLOCATE runs only).
func ArenaAnalysisJob(svc *arena.Service, log zerolog.Logger) JobFunc {
	jobLog := log.With().Str("job", "arena_analysis").Logger()

	return func(ctx context.Context, params map[string]interface{}) error {
		harnessType, _ := params["harness_type"].(string)
		if harnessType == "" {
			return fmt.Errorf("arena_analysis schedule is missing harness_type")
		}
		budget, _ := params["budget"].(float64)

		result, err := svc.RunNew(ctx, domain.HarnessType(harnessType), budget, nil)
		if err != nil {
			return err
		}

		jobLog.Info().
			Str("harness_id", result.Harness.ID).
			Str("harness_type", harnessType).
			Int("candidates", len(result.Candidates)).
			Msg("Scheduled arena run finished")
		return nil
	}
}

// PriceUpdateJob refreshes daily bars for every active watchlist symbol.
func PriceUpdateJob(updates *market.UpdateService, watchlist *market.WatchlistRepository, log zerolog.Logger) JobFunc {
	jobLog := log.With().Str("job", "price_update").Logger()

	return func(ctx context.Context, params map[string]interface{}) error {
		symbols, err := watchlist.ActiveSymbols()
		if err != nil {
			return fmt.Errorf("failed to load watchlist: %w", err)
		}
		if len(symbols) == 0 {
			jobLog.Warn().Msg("Watchlist is empty, nothing to update")
			return nil
		}

		result, err := updates.RobustUpdateAll(ctx, symbols)
		if err != nil {
			return err
		}
		if len(result.Failed) > 0 {
			jobLog.Warn().Strs("failed", result.Failed).Msg("Some symbols failed to update")
		}
		return nil
	}
}

// CounterfactualSweepJob evaluates all due horizons.
func CounterfactualSweepJob(tracker *counterfactual.Tracker) JobFunc {
	return func(ctx context.Context, params map[string]interface{}) error {
		_, err := tracker.EvaluateDueHorizons(ctx, time.Now().UTC())
		return err
	}
}

// BackupJob ships a ledger snapshot to object storage.
func BackupJob(backup *reliability.BackupService) JobFunc {
	return func(ctx context.Context, params map[string]interface{}) error {
		_, err := backup.Run(ctx)
		return err
	}
}

// DecisionReader lists recent decisions for the reflection prompt.
type DecisionReader interface {
	RecentDecisions(ctx context.Context, limit int) ([]domain.DecisionLog, error)
}

// MemoryWriter stores the produced reflection.
type MemoryWriter interface {
	Write(ctx context.Context, category domain.MemoryCategory, content string) (*domain.MemoryEntry, error)
}

// ReflectionBackend is the LLM surface the reflection job writes through.
type ReflectionBackend interface {
	ChatCompletion(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

const reflectionSystemPrompt = `You review an investment decision journal.
Write a short reflection (under 200 words) on the recent decisions below:
patterns in what was approved or skipped, how the reasoning held up, and
one concrete thing to watch next month. Plain prose, no headings.`

// ReflectionJob asks a model to reflect over the last 10 decisions and
// stores the result as a reflection memory entry.
func ReflectionJob(decisions DecisionReader, backend ReflectionBackend, model string,
	memories MemoryWriter, log zerolog.Logger) JobFunc {
	jobLog := log.With().Str("job", "reflection").Logger()

	return func(ctx context.Context, params map[string]interface{}) error {
		recent, err := decisions.RecentDecisions(ctx, 10)
		if err != nil {
			return fmt.Errorf("failed to load recent decisions: %w", err)
		}
		if len(recent) == 0 {
			jobLog.Info().Msg("No decisions to reflect on")
			return nil
		}

		resp, err := backend.ChatCompletion(ctx, llm.ChatRequest{
			Model: model,
			Messages: []llm.Message{
				{Role: "system", Content: reflectionSystemPrompt},
				{Role: "user", Content: formatDecisionJournal(recent)},
			},
		})
		if err != nil {
			return fmt.Errorf("reflection call failed: %w", err)
		}
		if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
			return fmt.Errorf("reflection model returned no content")
		}

		if _, err := memories.Write(ctx, domain.MemoryReflection, strings.TrimSpace(resp.Choices[0].Message.Content)); err != nil {
			return fmt.Errorf("failed to store reflection: %w", err)
		}

		jobLog.Info().Int("decisions", len(recent)).Msg("Reflection stored")
		return nil
	}
}

// formatDecisionJournal renders recent decisions as prompt text.
func formatDecisionJournal(decisions []domain.DecisionLog) string {
	var b strings.Builder
	for _, dl := range decisions {
		fmt.Fprintf(&b, "%s %s", dl.CreatedAt.Format("2006-01-02"), dl.UserAction)
		if len(dl.ExecutedAllocations) > 0 {
			b.WriteString(": ")
			for i, a := range dl.ExecutedAllocations {
				if i > 0 {
					b.WriteString(", ")
				}
				fmt.Fprintf(&b, "%s $%.0f", a.Symbol, a.Amount)
			}
		}
		if dl.UserNotes != "" {
			fmt.Fprintf(&b, " (notes: %s)", dl.UserNotes)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// IntegrityCheckJob runs a health check across the core databases.
func IntegrityCheckJob(log zerolog.Logger, dbs ...*database.DB) JobFunc {
	jobLog := log.With().Str("job", "integrity_check").Logger()

	return func(ctx context.Context, params map[string]interface{}) error {
		var failed []string
		for _, db := range dbs {
			if err := db.HealthCheck(ctx); err != nil {
				jobLog.Error().Err(err).Str("database", db.Name()).Msg("Integrity check failed")
				failed = append(failed, db.Name())
			}
		}
		if len(failed) > 0 {
			return fmt.Errorf("integrity check failed for: %s", strings.Join(failed, ", "))
		}
		jobLog.Info().Int("databases", len(dbs)).Msg("Integrity check passed")
		return nil
	}
}
