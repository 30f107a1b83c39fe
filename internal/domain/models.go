package domain

import "time"

// HarnessType identifies what kind of decision run a harness was built for
type HarnessType string

const (
	HarnessMonthlyDCA HarnessType = "monthly_dca"
	HarnessRebalance  HarnessType = "rebalance"
	HarnessAdHoc      HarnessType = "ad_hoc"
)

// SymbolSnapshot is the frozen per-symbol market state inside a harness.
// Derived fields are computed from history up to the snapshot time only.
type SymbolSnapshot struct {
	Date      string   `json:"date"` // date of the underlying bar (YYYY-MM-DD)
	Open      float64  `json:"open"`
	High      float64  `json:"high"`
	Low       float64  `json:"low"`
	Close     float64  `json:"close"`
	Volume    int64    `json:"volume"`
	ChangePct float64  `json:"change_pct"` // vs prior bar close
	MA50      *float64 `json:"ma50,omitempty"`
	MA200     *float64 `json:"ma200,omitempty"`
	RSI14     *float64 `json:"rsi14,omitempty"`
}

// Position is a held position inside an account state snapshot
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	MarketValue   float64 `json:"market_value"`
}

// AccountState is the account at harness creation time, copied by value
type AccountState struct {
	Cash       float64    `json:"cash"`
	TotalValue float64    `json:"total_value"`
	Positions  []Position `json:"positions"`
}

// HeldSymbols returns the distinct symbols with a non-zero quantity
func (a *AccountState) HeldSymbols() []string {
	symbols := make([]string, 0, len(a.Positions))
	for _, p := range a.Positions {
		if p.Quantity != 0 {
			symbols = append(symbols, p.Symbol)
		}
	}
	return symbols
}

// MemoryCategory classifies memory entries
type MemoryCategory string

const (
	MemorySummary    MemoryCategory = "summary"
	MemoryReflection MemoryCategory = "reflection"
	MemoryExperience MemoryCategory = "experience"
)

// MemoryEntry is one stored memory item
type MemoryEntry struct {
	ID        string         `json:"id"`
	Category  MemoryCategory `json:"category"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
}

// MemoryContext is the bounded memory slice embedded in a harness
type MemoryContext struct {
	Summaries   []MemoryEntry `json:"summaries"`
	Reflections []MemoryEntry `json:"reflections"`
	Experiences []MemoryEntry `json:"experiences"`
}

// Len returns the total number of entries across all categories
func (m *MemoryContext) Len() int {
	return len(m.Summaries) + len(m.Reflections) + len(m.Experiences)
}

// Harness is the immutable decision context for one arena run.
// It owns its snapshot data by value; nothing in it refers to live state.
type Harness struct {
	ID             string                    `json:"id"`
	CreatedAt      time.Time                 `json:"created_at"`
	HarnessType    HarnessType               `json:"harness_type"`
	MarketSnapshot map[string]SymbolSnapshot `json:"market_snapshot"`
	AccountState   AccountState              `json:"account_state"`
	MemoryContext  MemoryContext             `json:"memory_context"`
	Budget         float64                   `json:"budget"`
	PromptVersion  string                    `json:"prompt_version"`
}

// ModelStatus is the outcome of one model invocation
type ModelStatus string

const (
	ModelStatusOK            ModelStatus = "ok"
	ModelStatusTimeout       ModelStatus = "timeout"
	ModelStatusError         ModelStatus = "error"
	ModelStatusInvalidSchema ModelStatus = "invalid_schema"
)

// ParseStatus records how far output parsing got, for audit
type ParseStatus string

const (
	ParseStructured ParseStatus = "structured" // valid JSON, full schema
	ParsePartial    ParseStatus = "partial"    // valid JSON, schema violations
	ParseRawOnly    ParseStatus = "raw_only"   // no usable JSON found
	ParseNone       ParseStatus = "none"       // no output at all
)

// Action is the model's top-level recommendation
type Action string

const (
	ActionAllocate  Action = "ALLOCATE"
	ActionRebalance Action = "REBALANCE"
	ActionHold      Action = "HOLD"
	ActionSkip      Action = "SKIP"
)

// Allocation is one recommended position line: put Amount dollars into Symbol
type Allocation struct {
	Symbol string  `json:"symbol"`
	Amount float64 `json:"amount"`
	Reason string  `json:"reason,omitempty"`
}

// StructuredOutput is a model's schema-valid recommendation
type StructuredOutput struct {
	Action         Action       `json:"action"`
	Allocations    []Allocation `json:"allocations"`
	Confidence     float64      `json:"confidence"`
	Reasoning      string       `json:"reasoning"`
	RiskAssessment string       `json:"risk_assessment,omitempty"`
	Invalidation   string       `json:"invalidation,omitempty"`
}

// Symbols returns the distinct symbols in the allocation set
func (s *StructuredOutput) Symbols() []string {
	seen := make(map[string]bool, len(s.Allocations))
	symbols := make([]string, 0, len(s.Allocations))
	for _, a := range s.Allocations {
		if !seen[a.Symbol] {
			seen[a.Symbol] = true
			symbols = append(symbols, a.Symbol)
		}
	}
	return symbols
}

// ModelIO is one model's recorded response to one harness.
// Immutable after creation; a retry or replay creates a new row.
type ModelIO struct {
	ID               string            `json:"id"`
	HarnessID        string            `json:"harness_id"`
	ModelName        string            `json:"model_name"`
	RawOutput        string            `json:"raw_output"`
	StructuredOutput *StructuredOutput `json:"structured_output"`
	Status           ModelStatus       `json:"status"`
	ParseStatus      ParseStatus       `json:"parse_status"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	LatencyMs        int64             `json:"latency_ms"`
	InputTokens      int64             `json:"input_tokens"`
	OutputTokens     int64             `json:"output_tokens"`
	CostEstimate     float64           `json:"cost_estimate"`
	IsReplay         bool              `json:"is_replay"`
	CreatedAt        time.Time         `json:"created_at"`
}

// UserAction is the human's terminal action on a harness
type UserAction string

const (
	UserActionApproved UserAction = "approved"
	UserActionModified UserAction = "modified"
	UserActionSkipped  UserAction = "skipped"
	UserActionRejected UserAction = "rejected"
)

// RequiresExecution reports whether the action leads to order placement
func (a UserAction) RequiresExecution() bool {
	return a == UserActionApproved || a == UserActionModified
}

// Valid reports whether the action is one of the four terminal states
func (a UserAction) Valid() bool {
	switch a {
	case UserActionApproved, UserActionModified, UserActionSkipped, UserActionRejected:
		return true
	}
	return false
}

// DecisionLog is the single, append-only audit record of the human action
// on one harness. ExecutionResult is stored in an adjacent write-once table
// and projected here for API responses.
type DecisionLog struct {
	ID                  string           `json:"id"`
	HarnessID           string           `json:"harness_id"`
	AdoptedModelIOID    *string          `json:"adopted_model_io_id"`
	UserAction          UserAction       `json:"user_action"`
	OriginalAllocations []Allocation     `json:"original_allocations"`
	ExecutedAllocations []Allocation     `json:"executed_allocations,omitempty"`
	UserNotes           string           `json:"user_notes,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	ExecutionResult     *ExecutionResult `json:"execution_result,omitempty"`
}

// ExecutionStatus is the aggregate outcome of an execution attempt
type ExecutionStatus string

const (
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionPartial   ExecutionStatus = "partial"
	ExecutionFailed    ExecutionStatus = "failed"
)

// LegStatus is the outcome of a single order leg
type LegStatus string

const (
	LegSubmitted LegStatus = "submitted"
	LegBlocked   LegStatus = "blocked"
	LegError     LegStatus = "error"
)

// ExecutionLeg is the per-symbol result of one order attempt
type ExecutionLeg struct {
	Symbol   string    `json:"symbol"`
	Side     string    `json:"side"`
	Notional float64   `json:"notional"`
	Status   LegStatus `json:"status"`
	OrderID  *string   `json:"order_id,omitempty"`
	Error    *string   `json:"error,omitempty"`
}

// ExecutionResult aggregates per-leg outcomes for one decision.
// Partial failures stay visible: Status is partial, never success.
type ExecutionResult struct {
	DecisionLogID string          `json:"decision_log_id"`
	Status        ExecutionStatus `json:"status"`
	Legs          []ExecutionLeg  `json:"legs"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Horizons are the fixed offsets at which counterfactuals are evaluated
var Horizons = []int{7, 30, 90}

// Classification labels a counterfactual outcome
type Classification string

const (
	ClassAdoptedRealized   Classification = "adopted_realized"
	ClassMissedOpportunity Classification = "missed_opportunity"
	ClassDodgedBullet      Classification = "dodged_bullet"
	ClassNeutral           Classification = "neutral"
)

// CounterfactualRecord is the write-once evaluation of one candidate at one
// horizon after the decision.
type CounterfactualRecord struct {
	ID                    string             `json:"id"`
	DecisionLogID         string             `json:"decision_log_id"`
	ModelIOID             string             `json:"model_io_id"`
	ModelName             string             `json:"model_name"`
	HorizonDays           int                `json:"horizon_days"`
	EntryPrices           map[string]float64 `json:"entry_prices"`
	ExitPrices            map[string]float64 `json:"exit_prices"`
	HypotheticalReturnPct float64            `json:"hypothetical_return_pct"`
	Classification        Classification     `json:"classification"`
	CreatedAt             time.Time          `json:"created_at"`
}

// Bar is one daily OHLCV bar
type Bar struct {
	Date   string  `json:"date"` // YYYY-MM-DD
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// Quote is a current (or cached) price for a symbol
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	ChangePct float64   `json:"change_pct"`
	FetchedAt time.Time `json:"fetched_at"`
	Source    string    `json:"source"` // fmp, alphavantage, cache, stream
}

// WatchlistEntry is one tracked symbol
type WatchlistEntry struct {
	Symbol  string    `json:"symbol"`
	Name    string    `json:"name,omitempty"`
	Active  bool      `json:"active"`
	AddedAt time.Time `json:"added_at"`
}
