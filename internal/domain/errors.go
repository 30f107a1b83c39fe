package domain

import (
	"fmt"
	"strings"
	"time"
)

// IncompleteDataError means required market data was missing at harness
// construction time. Fatal to that build, retryable once data arrives.
type IncompleteDataError struct {
	AsOf           time.Time
	MissingSymbols []string
}

func (e *IncompleteDataError) Error() string {
	return fmt.Sprintf("incomplete market data as of %s: missing %s",
		e.AsOf.Format("2006-01-02"), strings.Join(e.MissingSymbols, ", "))
}

// ModelTimeoutError means one model exceeded its wall-clock budget.
// Recorded in the ModelIO row, never fatal to the arena run.
type ModelTimeoutError struct {
	ModelName string
	Timeout   time.Duration
}

func (e *ModelTimeoutError) Error() string {
	return fmt.Sprintf("model %s timed out after %s", e.ModelName, e.Timeout)
}

// ModelInvalidOutputError means a model's output failed schema validation.
type ModelInvalidOutputError struct {
	ModelName string
	Reason    string
}

func (e *ModelInvalidOutputError) Error() string {
	return fmt.Sprintf("model %s produced invalid output: %s", e.ModelName, e.Reason)
}

// PositionLimitViolation means an allocation would create more distinct
// holdings than allowed. It carries a revision instruction for the model.
type PositionLimitViolation struct {
	MaxPositions int
	Held         []string
	Proposed     []string
}

func (e *PositionLimitViolation) Error() string {
	return fmt.Sprintf("position limit violation: holding %v, proposed %v exceeds max %d distinct symbols",
		e.Held, e.Proposed, e.MaxPositions)
}

// RevisionInstruction renders the violation as a correction request that is
// sent back to the model for one bounded retry.
func (e *PositionLimitViolation) RevisionInstruction() string {
	return fmt.Sprintf(
		"Your allocation was rejected: it would result in holding more than %d distinct symbols. "+
			"Currently held: %s. You proposed: %s. "+
			"Resubmit the same JSON schema using only currently held symbols or fewer new ones, "+
			"so that the combined set stays within %d distinct symbols.",
		e.MaxPositions, strings.Join(e.Held, ", "), strings.Join(e.Proposed, ", "), e.MaxPositions)
}

// DuplicateDecisionError means a decision log already exists for the
// harness. Surfaced as a conflict, never retried automatically.
type DuplicateDecisionError struct {
	HarnessID string
}

func (e *DuplicateDecisionError) Error() string {
	return fmt.Sprintf("decision already recorded for harness %s", e.HarnessID)
}

// AuthenticationError blocks execution until the user re-authenticates.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// PartialExecutionError means some order legs failed. The overall result is
// neither pure success nor pure failure; per-leg detail travels with it.
type PartialExecutionError struct {
	DecisionLogID string
	FailedSymbols []string
	TotalLegs     int
}

func (e *PartialExecutionError) Error() string {
	return fmt.Sprintf("execution for decision %s partially failed: %d/%d legs failed (%s)",
		e.DecisionLogID, len(e.FailedSymbols), e.TotalLegs, strings.Join(e.FailedSymbols, ", "))
}
