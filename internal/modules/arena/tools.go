package arena

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/clients/llm"
	"github.com/aristath/arena/internal/clients/websearch"
	"github.com/aristath/arena/internal/domain"
	"github.com/aristath/arena/pkg/formulas"
)

// maxSearchResults bounds the text returned to models from web searches.
const maxSearchResults = 5

// WebSearcher is the web lookup surface exposed to models.
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]websearch.Result, error)
}

// DecisionLogReader supplies past decision outcomes to the tool loop.
type DecisionLogReader interface {
	RecentDecisions(ctx context.Context, limit int) ([]domain.DecisionLog, error)
}

// ToolDeps are the long-lived backends the tool loop executes against.
// Search and Decisions may be nil; the matching tools then report
// unavailability instead of failing the run.
type ToolDeps struct {
	Market    domain.MarketDataProvider
	Memory    domain.MemoryStore
	Search    WebSearcher
	Decisions DecisionLogReader
}

// Toolbox executes model tool calls bound to one harness. Every market
// read is bounded by the harness creation time, so a replayed run can
// only see what the original run could see.
type Toolbox struct {
	deps    ToolDeps
	harness *domain.Harness
	log     zerolog.Logger
}

// NewToolbox binds tool execution to a harness.
func NewToolbox(deps ToolDeps, h *domain.Harness, log zerolog.Logger) *Toolbox {
	return &Toolbox{
		deps:    deps,
		harness: h,
		log:     log.With().Str("component", "toolbox").Str("harness_id", h.ID).Logger(),
	}
}

// Definitions returns the tool declarations sent with every model request.
func (t *Toolbox) Definitions() []llm.Tool {
	return []llm.Tool{
		toolDef("get_quote", "Latest known price for a symbol as of the snapshot time.",
			objSchema(map[string]interface{}{"symbol": strProp("Ticker symbol, e.g. VOO")}, "symbol")),
		toolDef("get_history", "Daily OHLCV bars for a symbol between two dates (YYYY-MM-DD). Dates after the snapshot time are clamped.",
			objSchema(map[string]interface{}{
				"symbol": strProp("Ticker symbol"),
				"from":   strProp("Start date YYYY-MM-DD"),
				"to":     strProp("End date YYYY-MM-DD"),
			}, "symbol", "from", "to")),
		toolDef("run_backtest", "Buy-and-hold backtest for a symbol over a date range: total return, max drawdown, annualized volatility.",
			objSchema(map[string]interface{}{
				"symbol": strProp("Ticker symbol"),
				"from":   strProp("Start date YYYY-MM-DD"),
				"to":     strProp("End date YYYY-MM-DD"),
			}, "symbol", "from", "to")),
		toolDef("get_portfolio", "Current positions from the account snapshot.", objSchema(nil)),
		toolDef("get_balance", "Cash and total account value from the account snapshot.", objSchema(nil)),
		toolDef("get_transactions", "Recently executed orders from past approved decisions.",
			objSchema(map[string]interface{}{"limit": intProp("Max decisions to look back, default 5")})),
		toolDef("place_order", "Request an order. Orders are never placed directly; they go to the human approval queue.",
			objSchema(map[string]interface{}{
				"symbol": strProp("Ticker symbol"),
				"side":   strProp("buy or sell"),
				"amount": numProp("Dollar amount"),
			}, "symbol", "side", "amount")),
		toolDef("web_search", "Search the web for recent news or context.",
			objSchema(map[string]interface{}{"query": strProp("Search query")}, "query")),
		toolDef("read_memory", "Read stored memory entries, optionally filtered by category (summary, reflection, experience).",
			objSchema(map[string]interface{}{"category": strProp("Optional category filter")})),
		toolDef("write_memory", "Store an experience note for future runs.",
			objSchema(map[string]interface{}{"content": strProp("The note to remember")}, "content")),
		toolDef("get_decision_log", "Past human decisions and their outcomes.",
			objSchema(map[string]interface{}{"limit": intProp("Max decisions, default 5")})),
	}
}

// Execute runs one tool call and returns the JSON result text for the
// model. Failures come back as {"error": ...} so the model can adapt
// instead of the run dying.
func (t *Toolbox) Execute(ctx context.Context, name, arguments string) string {
	var args map[string]interface{}
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return errorResult(fmt.Sprintf("invalid tool arguments: %v", err))
		}
	}

	t.log.Debug().Str("tool", name).Msg("Tool call")

	switch name {
	case "get_quote":
		return t.getQuote(ctx, args)
	case "get_history":
		return t.getHistory(ctx, args)
	case "run_backtest":
		return t.runBacktest(ctx, args)
	case "get_portfolio":
		return jsonResult(map[string]interface{}{"positions": t.harness.AccountState.Positions})
	case "get_balance":
		return jsonResult(map[string]interface{}{
			"cash":        t.harness.AccountState.Cash,
			"total_value": t.harness.AccountState.TotalValue,
		})
	case "get_transactions":
		return t.getTransactions(ctx, args)
	case "place_order":
		return jsonResult(map[string]interface{}{
			"placed": false,
			"notice": "Orders require human approval. Include this trade in your final allocations instead.",
		})
	case "web_search":
		return t.webSearch(ctx, args)
	case "read_memory":
		return t.readMemory(ctx, args)
	case "write_memory":
		return t.writeMemory(ctx, args)
	case "get_decision_log":
		return t.getDecisionLog(ctx, args)
	default:
		return errorResult(fmt.Sprintf("unknown tool %q", name))
	}
}

func (t *Toolbox) getQuote(ctx context.Context, args map[string]interface{}) string {
	symbol := stringArg(args, "symbol")
	if symbol == "" {
		return errorResult("symbol is required")
	}

	bar, err := t.deps.Market.GetQuoteAsOf(ctx, symbol, t.harness.CreatedAt)
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(map[string]interface{}{"symbol": symbol, "date": bar.Date, "close": bar.Close})
}

func (t *Toolbox) getHistory(ctx context.Context, args map[string]interface{}) string {
	symbol := stringArg(args, "symbol")
	from, errFrom := dateArg(args, "from")
	to, errTo := dateArg(args, "to")
	if symbol == "" || errFrom != nil || errTo != nil {
		return errorResult("symbol, from, and to (YYYY-MM-DD) are required")
	}

	to = t.clampToSnapshot(to)
	bars, err := t.deps.Market.GetHistory(ctx, symbol, from, to)
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(map[string]interface{}{"symbol": symbol, "bars": bars, "count": len(bars)})
}

func (t *Toolbox) runBacktest(ctx context.Context, args map[string]interface{}) string {
	symbol := stringArg(args, "symbol")
	from, errFrom := dateArg(args, "from")
	to, errTo := dateArg(args, "to")
	if symbol == "" || errFrom != nil || errTo != nil {
		return errorResult("symbol, from, and to (YYYY-MM-DD) are required")
	}

	to = t.clampToSnapshot(to)
	bars, err := t.deps.Market.GetHistory(ctx, symbol, from, to)
	if err != nil {
		return errorResult(err.Error())
	}
	if len(bars) < 2 {
		return errorResult(fmt.Sprintf("not enough history for %s in that range", symbol))
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	returns := formulas.CalculateReturns(closes)
	result := map[string]interface{}{
		"symbol":         symbol,
		"from":           bars[0].Date,
		"to":             bars[len(bars)-1].Date,
		"bars":           len(bars),
		"start_close":    closes[0],
		"end_close":      closes[len(closes)-1],
		"return_pct":     (closes[len(closes)-1]/closes[0] - 1) * 100,
		"volatility_pct": formulas.AnnualizedVolatility(returns) * 100,
	}
	if dd := formulas.CalculateMaxDrawdown(closes); dd != nil {
		result["max_drawdown_pct"] = *dd * 100
	}
	return jsonResult(result)
}

func (t *Toolbox) getTransactions(ctx context.Context, args map[string]interface{}) string {
	if t.deps.Decisions == nil {
		return errorResult("transaction history unavailable")
	}

	limit := intArg(args, "limit", 5)
	logs, err := t.deps.Decisions.RecentDecisions(ctx, limit)
	if err != nil {
		return errorResult(err.Error())
	}

	type txn struct {
		Date   string  `json:"date"`
		Symbol string  `json:"symbol"`
		Side   string  `json:"side"`
		Amount float64 `json:"amount"`
		Status string  `json:"status"`
	}
	var txns []txn
	for _, dl := range logs {
		if dl.ExecutionResult == nil {
			continue
		}
		for _, leg := range dl.ExecutionResult.Legs {
			txns = append(txns, txn{
				Date:   dl.ExecutionResult.CreatedAt.UTC().Format("2006-01-02"),
				Symbol: leg.Symbol,
				Side:   leg.Side,
				Amount: leg.Notional,
				Status: string(leg.Status),
			})
		}
	}
	return jsonResult(map[string]interface{}{"transactions": txns, "count": len(txns)})
}

func (t *Toolbox) webSearch(ctx context.Context, args map[string]interface{}) string {
	if t.deps.Search == nil {
		return errorResult("web search unavailable")
	}

	query := stringArg(args, "query")
	if query == "" {
		return errorResult("query is required")
	}

	results, err := t.deps.Search.Search(ctx, query)
	if err != nil {
		return errorResult(err.Error())
	}
	if len(results) > maxSearchResults {
		results = results[:maxSearchResults]
	}
	return jsonResult(map[string]interface{}{"results": results})
}

func (t *Toolbox) readMemory(ctx context.Context, args map[string]interface{}) string {
	category := domain.MemoryCategory(stringArg(args, "category"))
	entries, err := t.deps.Memory.List(ctx, category, 20)
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (t *Toolbox) writeMemory(ctx context.Context, args map[string]interface{}) string {
	content := stringArg(args, "content")
	if content == "" {
		return errorResult("content is required")
	}

	entry, err := t.deps.Memory.Write(ctx, domain.MemoryExperience, content)
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(map[string]interface{}{"stored": true, "id": entry.ID})
}

func (t *Toolbox) getDecisionLog(ctx context.Context, args map[string]interface{}) string {
	if t.deps.Decisions == nil {
		return errorResult("decision history unavailable")
	}

	limit := intArg(args, "limit", 5)
	logs, err := t.deps.Decisions.RecentDecisions(ctx, limit)
	if err != nil {
		return errorResult(err.Error())
	}

	type summary struct {
		Date        string              `json:"date"`
		Action      string              `json:"action"`
		Allocations []domain.Allocation `json:"allocations,omitempty"`
		Notes       string              `json:"notes,omitempty"`
	}
	summaries := make([]summary, 0, len(logs))
	for _, dl := range logs {
		allocs := dl.ExecutedAllocations
		if allocs == nil {
			allocs = dl.OriginalAllocations
		}
		summaries = append(summaries, summary{
			Date:        dl.CreatedAt.UTC().Format("2006-01-02"),
			Action:      string(dl.UserAction),
			Allocations: allocs,
			Notes:       dl.UserNotes,
		})
	}
	return jsonResult(map[string]interface{}{"decisions": summaries, "count": len(summaries)})
}

// clampToSnapshot caps a requested date at the harness creation time.
func (t *Toolbox) clampToSnapshot(requested time.Time) time.Time {
	if requested.After(t.harness.CreatedAt) {
		return t.harness.CreatedAt
	}
	return requested
}

func toolDef(name, description string, params map[string]interface{}) llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.FunctionDefinition{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
	}
}

func objSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	if props == nil {
		props = map[string]interface{}{}
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func strProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func intProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": description}
}

func numProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "number", "description": description}
}

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]interface{}, key string, def int) int {
	if v, ok := args[key].(float64); ok && v > 0 {
		return int(v)
	}
	return def
}

func dateArg(args map[string]interface{}, key string) (time.Time, error) {
	raw := stringArg(args, key)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%s is required", key)
	}
	return time.Parse("2006-01-02", raw)
}

func jsonResult(data interface{}) string {
	out, err := json.Marshal(data)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to encode result: %v", err))
	}
	return string(out)
}

func errorResult(message string) string {
	out, _ := json.Marshal(map[string]string{"error": message})
	return string(out)
}
