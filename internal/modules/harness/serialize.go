package harness

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aristath/arena/internal/domain"
)

// Serialize renders a harness as the model-facing text block. The output
// is deterministic for a given harness: fixed section order, symbols and
// positions sorted, fixed float formats. Two calls on the same harness
// produce byte-identical text, which keeps replays comparable.
func Serialize(h *domain.Harness) string {
	var sb strings.Builder

	writeMarketSection(&sb, h)
	writeAccountSection(&sb, h)
	writeMemorySection(&sb, h)
	writeBudgetSection(&sb, h)
	writeTaskSection(&sb, h)

	return sb.String()
}

func writeMarketSection(sb *strings.Builder, h *domain.Harness) {
	fmt.Fprintf(sb, "=== MARKET SNAPSHOT (as of %s) ===\n", h.CreatedAt.UTC().Format("2006-01-02"))

	symbols := make([]string, 0, len(h.MarketSnapshot))
	for symbol := range h.MarketSnapshot {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		s := h.MarketSnapshot[symbol]
		fmt.Fprintf(sb, "%s | date %s | close %.2f | chg %+.2f%% | ma50 %s | ma200 %s | rsi14 %s\n",
			symbol, s.Date, s.Close, s.ChangePct,
			fmtOptional(s.MA50), fmtOptional(s.MA200), fmtOptional(s.RSI14))
	}
	sb.WriteString("\n")
}

func writeAccountSection(sb *strings.Builder, h *domain.Harness) {
	sb.WriteString("=== ACCOUNT STATE ===\n")
	fmt.Fprintf(sb, "cash: %.2f\n", h.AccountState.Cash)
	fmt.Fprintf(sb, "total_value: %.2f\n", h.AccountState.TotalValue)

	positions := make([]domain.Position, len(h.AccountState.Positions))
	copy(positions, h.AccountState.Positions)
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })

	if len(positions) == 0 {
		sb.WriteString("positions: none\n")
	} else {
		fmt.Fprintf(sb, "positions (%d):\n", len(positions))
		for _, p := range positions {
			fmt.Fprintf(sb, "  %s | qty %.4f | avg_entry %.2f | value %.2f\n",
				p.Symbol, p.Quantity, p.AvgEntryPrice, p.MarketValue)
		}
	}
	sb.WriteString("\n")
}

func writeMemorySection(sb *strings.Builder, h *domain.Harness) {
	sb.WriteString("=== MEMORY ===\n")
	writeMemoryGroup(sb, "summaries", h.MemoryContext.Summaries)
	writeMemoryGroup(sb, "reflections", h.MemoryContext.Reflections)
	writeMemoryGroup(sb, "experiences", h.MemoryContext.Experiences)
	sb.WriteString("\n")
}

func writeMemoryGroup(sb *strings.Builder, label string, entries []domain.MemoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintf(sb, "%s: none\n", label)
		return
	}
	fmt.Fprintf(sb, "%s (%d):\n", label, len(entries))
	for _, e := range entries {
		fmt.Fprintf(sb, "  - [%s] %s\n", e.CreatedAt.UTC().Format("2006-01-02"), e.Content)
	}
}

func writeBudgetSection(sb *strings.Builder, h *domain.Harness) {
	sb.WriteString("=== BUDGET ===\n")
	if h.Budget > 0 {
		fmt.Fprintf(sb, "available: %.2f USD\n", h.Budget)
	} else {
		sb.WriteString("available: 0.00 USD (no new cash; work with existing positions only)\n")
	}
	sb.WriteString("\n")
}

func writeTaskSection(sb *strings.Builder, h *domain.Harness) {
	sb.WriteString("=== TASK ===\n")
	switch h.HarnessType {
	case domain.HarnessMonthlyDCA:
		sb.WriteString("This is the monthly contribution run. Decide how to allocate the available budget across the snapshot symbols.\n")
	case domain.HarnessRebalance:
		sb.WriteString("This is a periodic portfolio review. Recommend rebalancing trades if drift or conditions warrant them, otherwise HOLD.\n")
	default:
		sb.WriteString("This is an ad hoc analysis requested by the user.\n")
	}
	sb.WriteString("Reply with the single JSON object described in your instructions.\n")
}

func fmtOptional(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *v)
}
