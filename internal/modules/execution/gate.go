// Package execution is the only path from an approved decision to the
// brokerage. It converts allocation lines into notional orders, places
// them one leg at a time, and records the per-leg outcome write-once.
// Partial failures stay partial: one bad leg never rolls back or hides
// the others.
package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/arena/internal/domain"
	"github.com/aristath/arena/internal/events"
)

// RecordWriter persists the write-once execution record for a decision.
type RecordWriter interface {
	CreateExecutionRecord(ctx context.Context, id string, res *domain.ExecutionResult) error
}

// Gate executes approved allocations through the brokerage client. It is
// the sole PlaceOrder caller in the codebase.
type Gate struct {
	broker  domain.BrokerClient
	records RecordWriter
	events  *events.Manager
	log     zerolog.Logger
}

// NewGate creates the execution gate.
func NewGate(broker domain.BrokerClient, records RecordWriter, eventMgr *events.Manager, log zerolog.Logger) *Gate {
	return &Gate{
		broker:  broker,
		records: records,
		events:  eventMgr,
		log:     log.With().Str("service", "execution_gate").Logger(),
	}
}

// Execute places one notional market order per allocation line,
// sequentially per symbol. Legs are independent: an error on one leg is
// recorded and the remaining legs still run. The aggregate result is
// persisted before returning; when some legs failed the error is a
// PartialExecutionError carrying the per-leg detail.
func (g *Gate) Execute(ctx context.Context, decisionLogID string, allocations []domain.Allocation) (*domain.ExecutionResult, error) {
	if len(allocations) == 0 {
		return nil, fmt.Errorf("nothing to execute for decision %s", decisionLogID)
	}

	result := &domain.ExecutionResult{
		DecisionLogID: decisionLogID,
		Legs:          make([]domain.ExecutionLeg, 0, len(allocations)),
		CreatedAt:     time.Now().UTC(),
	}

	var failed []string
	for _, alloc := range allocations {
		leg := g.executeLeg(ctx, alloc)
		result.Legs = append(result.Legs, leg)
		if leg.Status != domain.LegSubmitted {
			failed = append(failed, leg.Symbol)
		}
	}

	switch {
	case len(failed) == 0:
		result.Status = domain.ExecutionCompleted
	case len(failed) == len(result.Legs):
		result.Status = domain.ExecutionFailed
	default:
		result.Status = domain.ExecutionPartial
	}

	if err := g.records.CreateExecutionRecord(ctx, uuid.New().String(), result); err != nil {
		return result, err
	}

	g.log.Info().
		Str("decision_log_id", decisionLogID).
		Str("status", string(result.Status)).
		Int("legs", len(result.Legs)).
		Int("failed", len(failed)).
		Msg("Execution finished")
	g.events.EmitData("execution", &events.ExecutionCompletedData{
		DecisionLogID: decisionLogID,
		Status:        string(result.Status),
		Submitted:     len(result.Legs) - len(failed),
		Failed:        len(failed),
	})

	switch result.Status {
	case domain.ExecutionFailed:
		return result, fmt.Errorf("all %d legs failed for decision %s", len(result.Legs), decisionLogID)
	case domain.ExecutionPartial:
		return result, &domain.PartialExecutionError{
			DecisionLogID: decisionLogID,
			FailedSymbols: failed,
			TotalLegs:     len(result.Legs),
		}
	}
	return result, nil
}

// executeLeg places one order. Dollar amounts are rounded to cents;
// negative amounts sell, positive buy. A zero leg is blocked, not sent.
func (g *Gate) executeLeg(ctx context.Context, alloc domain.Allocation) domain.ExecutionLeg {
	notional := decimal.NewFromFloat(alloc.Amount).Round(2)

	leg := domain.ExecutionLeg{
		Symbol: strings.ToUpper(alloc.Symbol),
		Side:   "buy",
	}
	if notional.IsNegative() {
		leg.Side = "sell"
		notional = notional.Abs()
	}
	leg.Notional, _ = notional.Float64()

	if notional.IsZero() {
		leg.Status = domain.LegBlocked
		reason := "zero amount"
		leg.Error = &reason
		return leg
	}

	order, err := g.broker.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:   leg.Symbol,
		Side:     leg.Side,
		Notional: leg.Notional,
	})
	if err != nil {
		g.log.Error().Err(err).Str("symbol", leg.Symbol).Msg("Order leg failed")
		leg.Status = domain.LegError
		msg := err.Error()
		leg.Error = &msg
		return leg
	}

	leg.Status = domain.LegSubmitted
	leg.OrderID = &order.OrderID
	g.log.Info().
		Str("symbol", leg.Symbol).
		Str("side", leg.Side).
		Float64("notional", leg.Notional).
		Str("order_id", order.OrderID).
		Msg("Order leg submitted")
	return leg
}
