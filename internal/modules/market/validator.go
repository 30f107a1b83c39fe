package market

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/domain"
)

const (
	// anomalyChangeThreshold flags day-over-day close moves above this
	// fraction. Large ETF moves of this size are almost always data errors.
	anomalyChangeThreshold = 0.20

	// maxGapWeekdays is the longest run of missing weekday bars tolerated
	// before a range is reported as discontinuous. Covers multi-day market
	// holidays.
	maxGapWeekdays = 4
)

// Anomaly describes a suspicious bar found during validation.
type Anomaly struct {
	Symbol    string  `json:"symbol"`
	Date      string  `json:"date"`
	Reason    string  `json:"reason"`
	ChangePct float64 `json:"change_pct,omitempty"`
}

// Gap describes a run of missing weekday bars.
type Gap struct {
	Symbol   string `json:"symbol"`
	From     string `json:"from"`
	To       string `json:"to"`
	Weekdays int    `json:"weekdays"`
}

// Validator checks bar series for impossible OHLC values, outsized moves,
// and continuity gaps.
type Validator struct {
	log zerolog.Logger
}

// NewValidator creates a new validator.
func NewValidator(log zerolog.Logger) *Validator {
	return &Validator{
		log: log.With().Str("component", "price_validator").Logger(),
	}
}

// CheckBar verifies internal OHLC consistency. Returns ("", true) for a
// well-formed bar, or a reason string for a malformed one.
func (v *Validator) CheckBar(bar domain.Bar) (string, bool) {
	if bar.Close <= 0 || bar.Open <= 0 {
		return "non_positive_price", false
	}
	if bar.High < bar.Low {
		return "high_below_low", false
	}
	if bar.High < bar.Open || bar.High < bar.Close {
		return "high_below_body", false
	}
	if bar.Low > bar.Open || bar.Low > bar.Close {
		return "low_above_body", false
	}
	return "", true
}

// FilterBars drops malformed bars from a series and logs each drop.
// Anomalous but well-formed bars are kept; they are reported separately.
func (v *Validator) FilterBars(symbol string, bars []domain.Bar) []domain.Bar {
	result := make([]domain.Bar, 0, len(bars))
	for _, bar := range bars {
		if reason, ok := v.CheckBar(bar); !ok {
			v.log.Warn().
				Str("symbol", symbol).
				Str("date", bar.Date).
				Str("reason", reason).
				Msg("Dropping malformed bar")
			continue
		}
		result = append(result, bar)
	}
	return result
}

// DetectAnomalies flags day-over-day close moves above the threshold.
// bars must be ascending by date.
func (v *Validator) DetectAnomalies(symbol string, bars []domain.Bar) []Anomaly {
	var anomalies []Anomaly

	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		if prev <= 0 {
			continue
		}

		change := (bars[i].Close - prev) / prev
		if math.Abs(change) > anomalyChangeThreshold {
			anomalies = append(anomalies, Anomaly{
				Symbol:    symbol,
				Date:      bars[i].Date,
				Reason:    "large_move",
				ChangePct: change * 100,
			})

			v.log.Warn().
				Str("symbol", symbol).
				Str("date", bars[i].Date).
				Float64("change_pct", change*100).
				Msg("Anomalous day-over-day move")
		}
	}

	return anomalies
}

// CheckContinuity finds runs of missing weekday bars in an ascending series.
// Weekend-only gaps are never reported; short holiday gaps are tolerated up
// to maxGapWeekdays.
func (v *Validator) CheckContinuity(symbol string, bars []domain.Bar) []Gap {
	var gaps []Gap

	for i := 1; i < len(bars); i++ {
		prev, err1 := time.Parse("2006-01-02", bars[i-1].Date)
		curr, err2 := time.Parse("2006-01-02", bars[i].Date)
		if err1 != nil || err2 != nil {
			continue
		}

		missing := weekdaysBetween(prev, curr)
		if missing > maxGapWeekdays {
			gaps = append(gaps, Gap{
				Symbol:   symbol,
				From:     bars[i-1].Date,
				To:       bars[i].Date,
				Weekdays: missing,
			})
		}
	}

	return gaps
}

// weekdaysBetween counts weekdays strictly between two dates.
func weekdaysBetween(from, to time.Time) int {
	count := 0
	for d := from.AddDate(0, 0, 1); d.Before(to); d = d.AddDate(0, 0, 1) {
		wd := d.Weekday()
		if wd != time.Saturday && wd != time.Sunday {
			count++
		}
	}
	return count
}
