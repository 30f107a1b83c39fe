package counterfactual

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/domain"
	"github.com/aristath/arena/internal/events"
)

// exitLookbackDays is the calendar window searched backwards from the
// horizon target for the latest close. Five trading days fit comfortably
// inside it; a longer market closure leaves the pair for a later sweep.
const exitLookbackDays = 7

// neutralBandPct is the band around zero inside which a non-adopted
// candidate is classified neutral rather than missed or dodged.
const neutralBandPct = 0.5

// DecisionSource lists resolved decisions old enough to evaluate.
type DecisionSource interface {
	ListBefore(ctx context.Context, cutoff time.Time) ([]domain.DecisionLog, error)
}

// HarnessSource loads the frozen snapshot a decision was made against.
type HarnessSource interface {
	GetByID(ctx context.Context, id string) (*domain.Harness, error)
}

// ModelIOSource lists the original-run candidates of a harness. Replay
// rows never enter counterfactual evaluation.
type ModelIOSource interface {
	ListOriginalByHarness(ctx context.Context, harnessID string) ([]domain.ModelIO, error)
}

// ExitPriceSource resolves the point-in-time closing bar at a horizon.
type ExitPriceSource interface {
	ExitBar(ctx context.Context, symbol string, target time.Time, lookbackDays int) (*domain.Bar, error)
}

// Tracker runs the periodic counterfactual sweep.
type Tracker struct {
	repo      *Repository
	decisions DecisionSource
	harnesses HarnessSource
	modelIOs  ModelIOSource
	market    ExitPriceSource
	events    *events.Manager
	log       zerolog.Logger
}

// NewTracker creates the counterfactual tracker.
func NewTracker(repo *Repository, decisions DecisionSource, harnesses HarnessSource,
	modelIOs ModelIOSource, market ExitPriceSource, eventMgr *events.Manager, log zerolog.Logger) *Tracker {
	return &Tracker{
		repo:      repo,
		decisions: decisions,
		harnesses: harnesses,
		modelIOs:  modelIOs,
		market:    market,
		events:    eventMgr,
		log:       log.With().Str("service", "counterfactual").Logger(),
	}
}

// EvaluateDueHorizons sweeps every decision old enough for each horizon and
// writes the records that are newly computable. Safe to re-run at any time:
// computed pairs are skipped, pairs whose exit data hasn't landed yet stay
// uncomputed for the next sweep.
func (t *Tracker) EvaluateDueHorizons(ctx context.Context, now time.Time) ([]domain.CounterfactualRecord, error) {
	var written []domain.CounterfactualRecord

	for _, horizon := range domain.Horizons {
		cutoff := now.UTC().AddDate(0, 0, -horizon)
		due, err := t.decisions.ListBefore(ctx, cutoff)
		if err != nil {
			return written, fmt.Errorf("failed to list decisions due at %dd: %w", horizon, err)
		}

		for i := range due {
			recs, err := t.evaluateDecision(ctx, &due[i], horizon)
			if err != nil {
				// One bad decision must not starve the rest of the sweep.
				t.log.Error().Err(err).
					Str("decision_log_id", due[i].ID).
					Int("horizon_days", horizon).
					Msg("Counterfactual evaluation failed")
				continue
			}
			written = append(written, recs...)
		}
	}

	if len(written) > 0 {
		t.log.Info().Int("records", len(written)).Msg("Counterfactual sweep wrote records")
		t.events.EmitData("counterfactual", &events.CounterfactualsSweptData{Records: len(written)})
	}
	return written, nil
}

// evaluateDecision computes the records for one decision at one horizon,
// skipping pairs already on disk and pairs not yet computable.
func (t *Tracker) evaluateDecision(ctx context.Context, dl *domain.DecisionLog, horizon int) ([]domain.CounterfactualRecord, error) {
	existing, err := t.repo.ExistingModelIOs(ctx, dl.ID, horizon)
	if err != nil {
		return nil, err
	}

	candidates, err := t.modelIOs.ListOriginalByHarness(ctx, dl.HarnessID)
	if err != nil {
		return nil, err
	}

	pending := make([]domain.ModelIO, 0, len(candidates))
	for _, io := range candidates {
		if !existing[io.ID] {
			pending = append(pending, io)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	h, err := t.harnesses.GetByID(ctx, dl.HarnessID)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("harness %s not found for decision %s", dl.HarnessID, dl.ID)
	}
	// Horizons anchor on the decision, not the harness: a decision taken
	// days after its snapshot still gets a full window.
	target := dl.CreatedAt.UTC().AddDate(0, 0, horizon)

	var written []domain.CounterfactualRecord
	for i := range pending {
		rec, err := t.evaluateCandidate(ctx, dl, h, &pending[i], horizon, target)
		if err != nil {
			return written, err
		}
		if rec == nil {
			continue // exit data not available yet
		}
		inserted, err := t.repo.Create(ctx, rec)
		if err != nil {
			return written, err
		}
		if inserted {
			written = append(written, *rec)
		}
	}
	return written, nil
}

// evaluateCandidate builds one record, or nil when any allocated symbol
// still lacks an exit bar at the target.
func (t *Tracker) evaluateCandidate(ctx context.Context, dl *domain.DecisionLog, h *domain.Harness,
	io *domain.ModelIO, horizon int, target time.Time) (*domain.CounterfactualRecord, error) {

	rec := &domain.CounterfactualRecord{
		ID:            uuid.New().String(),
		DecisionLogID: dl.ID,
		ModelIOID:     io.ID,
		ModelName:     io.ModelName,
		HorizonDays:   horizon,
		EntryPrices:   map[string]float64{},
		ExitPrices:    map[string]float64{},
		CreatedAt:     time.Now().UTC(),
	}

	// A candidate with no usable output still gets its record: zero return,
	// empty price maps. That keeps every (candidate, horizon) pair covered.
	if io.Status != domain.ModelStatusOK || io.StructuredOutput == nil || len(io.StructuredOutput.Allocations) == 0 {
		rec.Classification = t.classify(dl, io, 0)
		return rec, nil
	}

	var weight, weighted float64
	for _, alloc := range io.StructuredOutput.Allocations {
		snap, ok := h.MarketSnapshot[alloc.Symbol]
		if !ok || snap.Close <= 0 {
			t.log.Warn().
				Str("symbol", alloc.Symbol).
				Str("model_io_id", io.ID).
				Msg("Allocation symbol missing from harness snapshot, line skipped")
			continue
		}

		bar, err := t.market.ExitBar(ctx, alloc.Symbol, target, exitLookbackDays)
		if err != nil {
			return nil, err
		}
		if bar == nil {
			return nil, nil // not computable yet, retry next sweep
		}

		rec.EntryPrices[alloc.Symbol] = snap.Close
		rec.ExitPrices[alloc.Symbol] = bar.Close

		lineReturn := bar.Close/snap.Close - 1
		if alloc.Amount < 0 {
			lineReturn = -lineReturn // a sell line profits from a decline
		}
		w := alloc.Amount
		if w < 0 {
			w = -w
		}
		weight += w
		weighted += w * lineReturn
	}

	if weight > 0 {
		rec.HypotheticalReturnPct = weighted / weight * 100
	}
	rec.Classification = t.classify(dl, io, rec.HypotheticalReturnPct)
	return rec, nil
}

// classify labels one candidate's outcome. The adopted candidate is always
// adopted_realized regardless of sign; everything else is judged against
// the neutral band.
func (t *Tracker) classify(dl *domain.DecisionLog, io *domain.ModelIO, returnPct float64) domain.Classification {
	if dl.AdoptedModelIOID != nil && *dl.AdoptedModelIOID == io.ID {
		return domain.ClassAdoptedRealized
	}
	switch {
	case returnPct > neutralBandPct:
		return domain.ClassMissedOpportunity
	case returnPct < -neutralBandPct:
		return domain.ClassDodgedBullet
	default:
		return domain.ClassNeutral
	}
}
