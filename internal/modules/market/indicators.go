package market

import (
	"fmt"

	"github.com/aristath/arena/internal/domain"
	"github.com/aristath/arena/pkg/formulas"
)

const (
	maShortLength = 50
	maLongLength  = 200
	rsiLength     = 14
)

// BuildSnapshot derives a per-symbol snapshot from an ascending bar series.
// The last bar supplies the OHLC values; moving averages and RSI stay nil
// when the series is too short for the lookback.
func BuildSnapshot(bars []domain.Bar) (*domain.SymbolSnapshot, error) {
	if len(bars) == 0 {
		return nil, fmt.Errorf("no bars to build snapshot from")
	}

	last := bars[len(bars)-1]

	snapshot := &domain.SymbolSnapshot{
		Date:   last.Date,
		Open:   last.Open,
		High:   last.High,
		Low:    last.Low,
		Close:  last.Close,
		Volume: last.Volume,
	}

	if len(bars) >= 2 {
		prev := bars[len(bars)-2].Close
		if prev > 0 {
			snapshot.ChangePct = (last.Close - prev) / prev * 100
		}
	}

	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
	}

	snapshot.MA50 = formulas.CalculateSMA(closes, maShortLength)
	snapshot.MA200 = formulas.CalculateSMA(closes, maLongLength)
	snapshot.RSI14 = formulas.CalculateRSI(closes, rsiLength)

	return snapshot, nil
}
