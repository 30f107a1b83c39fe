package arena

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/aristath/arena/internal/domain"
)

// budgetTolerance absorbs rounding slack when models split a budget into
// parts that do not sum exactly.
const budgetTolerance = 0.01

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ParseResult is the outcome of the output parsing chain. Output is nil
// unless the text yielded a fully schema-valid object.
type ParseResult struct {
	Output      *domain.StructuredOutput
	ParseStatus domain.ParseStatus
	Reason      string
}

// ParseStructuredOutput runs the extraction chain over raw model text:
// fenced json block, bare JSON, repaired JSON, then brace-to-brace
// extraction. The first candidate that parses as a JSON object decides the
// result; schema validation then separates structured from partial.
func ParseStructuredOutput(raw string, budget float64) ParseResult {
	if strings.TrimSpace(raw) == "" {
		return ParseResult{ParseStatus: domain.ParseNone, Reason: "model produced no output"}
	}

	for _, candidate := range extractCandidates(raw) {
		var probe map[string]interface{}
		if err := json.Unmarshal([]byte(candidate), &probe); err != nil {
			continue
		}

		var so domain.StructuredOutput
		if err := json.Unmarshal([]byte(candidate), &so); err != nil {
			return ParseResult{
				ParseStatus: domain.ParsePartial,
				Reason:      fmt.Sprintf("output fields have wrong types: %v", err),
			}
		}

		normalizeOutput(&so)
		if err := validateOutput(&so, budget); err != nil {
			return ParseResult{ParseStatus: domain.ParsePartial, Reason: err.Error()}
		}

		return ParseResult{Output: &so, ParseStatus: domain.ParseStructured}
	}

	return ParseResult{ParseStatus: domain.ParseRawOnly, Reason: "no JSON object found in output"}
}

// extractCandidates returns possible JSON texts in extraction order.
func extractCandidates(raw string) []string {
	var candidates []string

	for _, match := range fencedBlockRe.FindAllStringSubmatch(raw, -1) {
		block := strings.TrimSpace(match[1])
		if strings.HasPrefix(block, "{") {
			candidates = append(candidates, block)
		}
	}

	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		candidates = append(candidates, trimmed)
	}

	if repaired, err := jsonrepair.JSONRepair(trimmed); err == nil {
		if strings.HasPrefix(strings.TrimSpace(repaired), "{") {
			candidates = append(candidates, repaired)
		}
	}

	first := strings.Index(raw, "{")
	last := strings.LastIndex(raw, "}")
	if first >= 0 && last > first {
		extracted := raw[first : last+1]
		candidates = append(candidates, extracted)
		if repaired, err := jsonrepair.JSONRepair(extracted); err == nil {
			candidates = append(candidates, repaired)
		}
	}

	return candidates
}

// normalizeOutput cleans cosmetic issues before validation so that symbol
// comparisons downstream are exact.
func normalizeOutput(so *domain.StructuredOutput) {
	so.Action = domain.Action(strings.ToUpper(strings.TrimSpace(string(so.Action))))
	for i := range so.Allocations {
		so.Allocations[i].Symbol = strings.ToUpper(strings.TrimSpace(so.Allocations[i].Symbol))
	}
}

// validateOutput enforces the structured output schema. The budget ceiling
// applies to ALLOCATE only; REBALANCE legs are funded by sells, and
// HOLD/SKIP must not carry allocations at all.
func validateOutput(so *domain.StructuredOutput, budget float64) error {
	switch so.Action {
	case domain.ActionAllocate, domain.ActionRebalance, domain.ActionHold, domain.ActionSkip:
	case "":
		return fmt.Errorf("missing action")
	default:
		return fmt.Errorf("invalid action %q", so.Action)
	}

	if so.Action == domain.ActionHold || so.Action == domain.ActionSkip {
		if len(so.Allocations) > 0 {
			return fmt.Errorf("%s must not carry allocations", so.Action)
		}
	} else if len(so.Allocations) == 0 {
		return fmt.Errorf("%s requires at least one allocation", so.Action)
	}

	var total float64
	for i, a := range so.Allocations {
		if a.Symbol == "" {
			return fmt.Errorf("allocation %d has no symbol", i)
		}
		if a.Amount <= 0 {
			return fmt.Errorf("allocation %d (%s) has non-positive amount %.2f", i, a.Symbol, a.Amount)
		}
		total += a.Amount
	}

	if so.Action == domain.ActionAllocate && total > budget+budgetTolerance {
		return fmt.Errorf("allocations total %.2f exceeds budget %.2f", total, budget)
	}

	if so.Confidence < 0 || so.Confidence > 1 {
		return fmt.Errorf("confidence %.2f outside [0, 1]", so.Confidence)
	}

	return nil
}
