package market

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/arena/internal/domain"
	testdb "github.com/aristath/arena/internal/testing"
)

func newMarketService(t *testing.T) (*Service, *HistoryRepository) {
	historyDB, cleanupHistory := testdb.NewTestDBWithSchema(t, "history", HistorySchema)
	t.Cleanup(cleanupHistory)
	cacheDB, cleanupCache := testdb.NewTestDBWithSchema(t, "cache", CacheSchema)
	t.Cleanup(cleanupCache)

	history := NewHistoryRepository(historyDB.Conn(), zerolog.Nop())
	cache := NewCacheRepository(cacheDB.Conn(), zerolog.Nop())

	return NewService(history, cache, zerolog.Nop()), history
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return d
}

func TestGetQuoteAsOfNeverReturnsFutureBars(t *testing.T) {
	svc, history := newMarketService(t)
	require.NoError(t, history.UpsertBars("VOO", sampleBars()))

	bar, err := svc.GetQuoteAsOf(context.Background(), "VOO", mustDate(t, "2026-01-06"))
	require.NoError(t, err)
	assert.Equal(t, "2026-01-06", bar.Date)

	// asOf between bars resolves to the bar before, never after
	bar, err = svc.GetQuoteAsOf(context.Background(), "VOO", mustDate(t, "2026-01-11"))
	require.NoError(t, err)
	assert.Equal(t, "2026-01-08", bar.Date)

	// asOf before all data errors out
	_, err = svc.GetQuoteAsOf(context.Background(), "VOO", mustDate(t, "2026-01-01"))
	assert.Error(t, err)
}

func TestGetHistoryBounds(t *testing.T) {
	svc, history := newMarketService(t)
	require.NoError(t, history.UpsertBars("VOO", sampleBars()))

	bars, err := svc.GetHistory(context.Background(), "VOO",
		mustDate(t, "2026-01-01"), mustDate(t, "2026-01-07"))
	require.NoError(t, err)
	require.Len(t, bars, 3)
	for _, bar := range bars {
		assert.LessOrEqual(t, bar.Date, "2026-01-07")
	}
}

func TestGetHistoryUsesSeriesCache(t *testing.T) {
	svc, history := newMarketService(t)

	// Dates firmly in the past so the range is treated as immutable
	pastBars := []domain.Bar{
		{Date: "2024-03-04", Open: 100, High: 102, Low: 99, Close: 101},
		{Date: "2024-03-05", Open: 101, High: 103, Low: 100, Close: 102},
		{Date: "2024-03-06", Open: 102, High: 104, Low: 101, Close: 103},
	}
	require.NoError(t, history.UpsertBars("VOO", pastBars))

	from := mustDate(t, "2024-03-04")
	to := mustDate(t, "2024-03-06")

	first, err := svc.GetHistory(context.Background(), "VOO", from, to)
	require.NoError(t, err)
	require.Len(t, first, 3)

	// Mutating the underlying store does not change the cached range
	require.NoError(t, history.UpsertBars("VOO", []domain.Bar{
		{Date: "2024-03-06", Open: 1, High: 1, Low: 1, Close: 1},
	}))

	second, err := svc.GetHistory(context.Background(), "VOO", from, to)
	require.NoError(t, err)
	require.Len(t, second, 3)
	assert.Equal(t, first[2].Close, second[2].Close)
}

func TestSnapshotAsOf(t *testing.T) {
	svc, history := newMarketService(t)
	require.NoError(t, history.UpsertBars("VOO", sampleBars()))

	snapshot, err := svc.SnapshotAsOf(context.Background(), "VOO", mustDate(t, "2026-01-07"))
	require.NoError(t, err)

	assert.Equal(t, "2026-01-07", snapshot.Date)
	assert.Equal(t, 103.0, snapshot.Close)
	assert.InDelta(t, 0.98, snapshot.ChangePct, 0.01)
	// Four bars cannot feed 50 and 200 day averages or 14 day RSI
	assert.Nil(t, snapshot.MA50)
	assert.Nil(t, snapshot.MA200)
	assert.Nil(t, snapshot.RSI14)
}

func TestExitBarWindow(t *testing.T) {
	svc, history := newMarketService(t)
	require.NoError(t, history.UpsertBars("VOO", sampleBars()))

	// Target on a weekend resolves back to Thursday the 8th
	bar, err := svc.ExitBar(context.Background(), "VOO", mustDate(t, "2026-01-10"), 5)
	require.NoError(t, err)
	require.NotNil(t, bar)
	assert.Equal(t, "2026-01-08", bar.Date)

	// Window too narrow to reach any bar
	bar, err = svc.ExitBar(context.Background(), "VOO", mustDate(t, "2026-02-20"), 5)
	require.NoError(t, err)
	assert.Nil(t, bar)
}

func TestBuildSnapshotComputesIndicatorsWithEnoughBars(t *testing.T) {
	bars := make([]domain.Bar, 0, 220)
	day := mustDate(t, "2025-01-01")
	price := 100.0
	for i := 0; i < 220; i++ {
		price += 0.1
		bars = append(bars, domain.Bar{
			Date:  day.Format("2006-01-02"),
			Open:  price - 0.05,
			High:  price + 0.1,
			Low:   price - 0.1,
			Close: price,
		})
		day = day.AddDate(0, 0, 1)
	}

	snapshot, err := BuildSnapshot(bars)
	require.NoError(t, err)
	require.NotNil(t, snapshot.MA50)
	require.NotNil(t, snapshot.MA200)
	require.NotNil(t, snapshot.RSI14)

	assert.Greater(t, *snapshot.MA50, *snapshot.MA200)
	// Monotonically rising closes pin RSI at the top of the range
	assert.Greater(t, *snapshot.RSI14, 90.0)
}
