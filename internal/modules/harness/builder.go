// Package harness builds and stores the immutable decision context for
// arena runs. A harness freezes market, account, and memory state at one
// moment; everything downstream (model runs, decisions, counterfactuals,
// replays) references the frozen copy, never live data.
package harness

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/domain"
	"github.com/aristath/arena/internal/modules/prompts"
)

// stalenessDays is the maximum age of a symbol's latest bar relative to
// the build time. Older data fails the build rather than silently going in.
const stalenessDays = 7

// SnapshotSource provides point-in-time indicator snapshots.
type SnapshotSource interface {
	SnapshotAsOf(ctx context.Context, symbol string, asOf time.Time) (*domain.SymbolSnapshot, error)
}

// SymbolSource lists the symbols a harness must snapshot.
type SymbolSource interface {
	ActiveSymbols() ([]string, error)
}

// PromptSource returns the active system prompt version.
type PromptSource interface {
	Current(ctx context.Context) (*prompts.PromptVersion, error)
}

// Builder assembles harnesses from live sources and persists them.
type Builder struct {
	snapshots SnapshotSource
	symbols   SymbolSource
	broker    domain.BrokerClient
	memory    domain.MemoryStore
	prompts   PromptSource
	repo      *Repository
	log       zerolog.Logger
}

// NewBuilder creates a harness builder.
func NewBuilder(snapshots SnapshotSource, symbols SymbolSource, broker domain.BrokerClient,
	memory domain.MemoryStore, promptSource PromptSource, repo *Repository, log zerolog.Logger) *Builder {
	return &Builder{
		snapshots: snapshots,
		symbols:   symbols,
		broker:    broker,
		memory:    memory,
		prompts:   promptSource,
		repo:      repo,
		log:       log.With().Str("component", "harness_builder").Logger(),
	}
}

// Build assembles a harness as of the given time and persists it. Market
// data for every active symbol must exist and be fresh within 7 calendar
// days of asOf, otherwise the build fails with IncompleteDataError naming
// the offending symbols.
func (b *Builder) Build(ctx context.Context, harnessType domain.HarnessType, asOf time.Time, budget float64) (*domain.Harness, error) {
	asOf = asOf.UTC()

	symbols, err := b.symbols.ActiveSymbols()
	if err != nil {
		return nil, fmt.Errorf("failed to load watchlist: %w", err)
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("watchlist is empty, nothing to snapshot")
	}

	snapshot, missing := b.buildMarketSnapshot(ctx, symbols, asOf)
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &domain.IncompleteDataError{AsOf: asOf, MissingSymbols: missing}
	}

	account, err := b.buildAccountState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot account state: %w", err)
	}

	// Memory problems degrade to an empty context, never a failed build
	memory := domain.MemoryContext{}
	if mc, err := b.memory.ContextSlice(ctx); err != nil {
		b.log.Warn().Err(err).Msg("Memory context unavailable, building without it")
	} else {
		memory = *mc
	}

	pv, err := b.prompts.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve current prompt version: %w", err)
	}

	h := &domain.Harness{
		ID:             uuid.New().String(),
		CreatedAt:      asOf,
		HarnessType:    harnessType,
		MarketSnapshot: snapshot,
		AccountState:   *account,
		MemoryContext:  memory,
		Budget:         budget,
		PromptVersion:  pv.Version,
	}

	if err := b.repo.Create(ctx, h); err != nil {
		return nil, err
	}

	return h, nil
}

// buildMarketSnapshot snapshots every symbol, collecting the ones that are
// missing or stale instead of failing fast, so the error names all of them.
func (b *Builder) buildMarketSnapshot(ctx context.Context, symbols []string, asOf time.Time) (map[string]domain.SymbolSnapshot, []string) {
	snapshot := make(map[string]domain.SymbolSnapshot, len(symbols))
	var missing []string

	cutoff := asOf.AddDate(0, 0, -stalenessDays).Format("2006-01-02")

	for _, symbol := range symbols {
		snap, err := b.snapshots.SnapshotAsOf(ctx, symbol, asOf)
		if err != nil {
			b.log.Warn().Err(err).Str("symbol", symbol).Msg("No snapshot available")
			missing = append(missing, symbol)
			continue
		}
		if snap.Date < cutoff {
			b.log.Warn().
				Str("symbol", symbol).
				Str("bar_date", snap.Date).
				Str("cutoff", cutoff).
				Msg("Latest bar is stale")
			missing = append(missing, symbol)
			continue
		}
		snapshot[symbol] = *snap
	}

	return snapshot, missing
}

func (b *Builder) buildAccountState(ctx context.Context) (*domain.AccountState, error) {
	balance, err := b.broker.GetBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	positions, err := b.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}
	if positions == nil {
		positions = []domain.Position{}
	}

	return &domain.AccountState{
		Cash:       balance.Cash,
		TotalValue: balance.PortfolioValue,
		Positions:  positions,
	}, nil
}
