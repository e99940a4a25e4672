package collector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab-cn/quantlab/internal/config"
	"github.com/quantlab-cn/quantlab/internal/database"
	"github.com/quantlab-cn/quantlab/internal/domain"
)

type stubSource struct {
	daily      []domain.DailyBar
	byDate     map[string][]domain.DailyBar
	stocks     []domain.Stock
	calendar   []domain.CalendarDay
	failDaily  bool
	dailyCalls int
	listCalls  int
	calCalls   int
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Daily(_ context.Context, code, start, end string) ([]domain.DailyBar, error) {
	s.dailyCalls++
	if s.failDaily {
		return nil, errors.New("upstream unavailable")
	}
	return s.daily, nil
}

func (s *stubSource) DailyByDate(_ context.Context, date string) ([]domain.DailyBar, error) {
	return s.byDate[date], nil
}

func (s *stubSource) IndexDaily(_ context.Context, code, start, end string) ([]domain.DailyBar, error) {
	return s.daily, nil
}

func (s *stubSource) StockList(context.Context) ([]domain.Stock, error) {
	s.listCalls++
	return s.stocks, nil
}

func (s *stubSource) TradingCalendar(_ context.Context, start, end string) ([]domain.CalendarDay, error) {
	s.calCalls++
	return s.calendar, nil
}

func newTestCollector(t *testing.T, src *stubSource) (*Collector, *sql.DB) {
	t.Helper()
	db, err := database.New(database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	conn := db.Conn()
	cfg := config.DataSourcesConfig{
		HistoricalDaily: "stub",
		IndexData:       "stub",
		StockList:       "stub",
	}
	return New(conn, map[string]Source{"stub": src}, cfg, t.TempDir(), zerolog.Nop()), conn
}

func seedDaily(t *testing.T, c *Collector, bars []domain.DailyBar) {
	t.Helper()
	require.NoError(t, c.upsertBars("daily_prices", bars))
}

func bar(code, date string, px float64) domain.DailyBar {
	return domain.DailyBar{Code: code, Date: date, Open: px, High: px, Low: px, Close: px, Volume: 1000}
}

func TestDailyBarsLocalOnly(t *testing.T) {
	src := &stubSource{}
	c, _ := newTestCollector(t, src)
	seedDaily(t, c, []domain.DailyBar{
		bar("000001", "2024-01-02", 10),
		bar("000001", "2024-01-03", 10.1),
	})

	bars, err := c.DailyBars(context.Background(), "000001", "2024-01-01", "2024-01-31", true)
	require.NoError(t, err)
	assert.Len(t, bars, 2)
	assert.Zero(t, src.dailyCalls, "local-only reads must not hit a source")
}

func TestFetchNeededRules(t *testing.T) {
	c, _ := newTestCollector(t, &stubSource{})

	assert.True(t, c.fetchNeeded(nil, "2024-01-01", "2024-01-31"), "empty local window")

	// Dense daily coverage aligned to the window needs nothing.
	var dense []domain.DailyBar
	for d := 1; d <= 31; d++ {
		dense = append(dense, bar("000001", fmt.Sprintf("2024-01-%02d", d), 10))
	}
	assert.False(t, c.fetchNeeded(dense, "2024-01-01", "2024-01-31"))

	// Head gap beyond 60 days forces a refetch.
	assert.True(t, c.fetchNeeded(dense, "2023-10-01", "2024-01-31"))

	// Tail gap beyond one day forces a refetch.
	assert.True(t, c.fetchNeeded(dense, "2024-01-01", "2024-02-10"))

	// Sparse interior coverage falls below the 90% ratio.
	sparse := []domain.DailyBar{
		bar("000001", "2024-01-01", 10),
		bar("000001", "2024-01-15", 10),
		bar("000001", "2024-01-31", 10),
	}
	assert.True(t, c.fetchNeeded(sparse, "2024-01-01", "2024-01-31"))
}

func TestDailyBarsFetchesAndMergesWhenStale(t *testing.T) {
	src := &stubSource{daily: []domain.DailyBar{
		bar("000001", "2024-06-26", 11),
		bar("000001", "2024-06-27", 11.2),
		bar("000001", "2024-06-28", 11.4),
	}}
	c, conn := newTestCollector(t, src)
	seedDaily(t, c, []domain.DailyBar{bar("000001", "2024-06-26", 11)})

	bars, err := c.DailyBars(context.Background(), "000001", "2024-06-01", "2024-06-28", false)
	require.NoError(t, err)
	require.Equal(t, 1, src.dailyCalls)
	assert.Len(t, bars, 3)

	// The fetched rows were persisted, not just served.
	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM daily_prices WHERE code = '000001'`).Scan(&n))
	assert.Equal(t, 3, n)
}

func TestDailyBarsDegradesToLocalOnSourceFailure(t *testing.T) {
	src := &stubSource{failDaily: true}
	c, _ := newTestCollector(t, src)
	seedDaily(t, c, []domain.DailyBar{bar("000001", "2024-01-02", 10)})

	bars, err := c.DailyBars(context.Background(), "000001", "2024-06-01", "2024-06-28", false)
	require.NoError(t, err)
	// The auto-extended window still finds the one stored bar.
	assert.Len(t, bars, 1)
	assert.Positive(t, src.dailyCalls)
}

func TestUpsertBarsSkipsMalformedAndOverwrites(t *testing.T) {
	c, conn := newTestCollector(t, &stubSource{})

	require.NoError(t, c.upsertBars("daily_prices", []domain.DailyBar{
		bar("000001", "2024-01-02", 10),
		{Code: "000001", Date: "2024-01-03"},      // zero close, dropped
		{Code: "", Date: "2024-01-03", Close: 10}, // no code, dropped
	}))
	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM daily_prices`).Scan(&n))
	assert.Equal(t, 1, n)

	// Re-upserting the same (code, date) overwrites in place.
	require.NoError(t, c.upsertBars("daily_prices", []domain.DailyBar{bar("000001", "2024-01-02", 12)}))
	var gotClose float64
	require.NoError(t, conn.QueryRow(`SELECT close FROM daily_prices WHERE code = '000001' AND date = '2024-01-02'`).Scan(&gotClose))
	assert.Equal(t, 12.0, gotClose)
}

func TestTradingDatesFetchesCalendarOnce(t *testing.T) {
	src := &stubSource{calendar: []domain.CalendarDay{
		{Exchange: "SSE", Date: "2024-06-24", IsOpen: true},
		{Exchange: "SSE", Date: "2024-06-25", IsOpen: true},
		{Exchange: "SSE", Date: "2024-06-26", IsOpen: false},
	}}
	c, _ := newTestCollector(t, src)

	dates, err := c.TradingDates(context.Background(), "2024-06-24", "2024-06-26")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-06-24", "2024-06-25"}, dates)
	assert.Equal(t, 1, src.calCalls)

	// Fully covered window: the stored calendar is reused.
	_, err = c.TradingDates(context.Background(), "2024-06-24", "2024-06-26")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calCalls)
}

func TestNextTradingDaySkipsClosedDays(t *testing.T) {
	var cal []domain.CalendarDay
	for d := 27; d <= 30; d++ {
		cal = append(cal, domain.CalendarDay{Exchange: "SSE", Date: fmt.Sprintf("2024-06-%02d", d), IsOpen: false})
	}
	cal[len(cal)-1].IsOpen = true // 06-30
	for d := 1; d <= 31; d++ {
		cal = append(cal, domain.CalendarDay{Exchange: "SSE", Date: fmt.Sprintf("2024-07-%02d", d), IsOpen: true})
	}
	src := &stubSource{calendar: cal}
	c, _ := newTestCollector(t, src)

	next, err := c.NextTradingDay(context.Background(), "2024-06-27")
	require.NoError(t, err)
	assert.Equal(t, "2024-06-30", next)
}

func TestIsTradingDayWeekdayFallback(t *testing.T) {
	// No calendar source at all: weekday heuristic.
	c, _ := newTestCollector(t, &stubSource{})

	open, err := c.IsTradingDay(context.Background(), "2024-06-28") // Friday
	require.NoError(t, err)
	assert.True(t, open)

	open, err = c.IsTradingDay(context.Background(), "2024-06-29") // Saturday
	require.NoError(t, err)
	assert.False(t, open)
}

func TestRepairDailyGapsBackfillsThinDates(t *testing.T) {
	src := &stubSource{
		calendar: []domain.CalendarDay{
			{Exchange: "SSE", Date: "2024-06-27", IsOpen: true},
			{Exchange: "SSE", Date: "2024-06-28", IsOpen: true},
		},
		byDate: map[string][]domain.DailyBar{
			"2024-06-27": {bar("000001", "2024-06-27", 10), bar("000002", "2024-06-27", 20)},
			"2024-06-28": {bar("000001", "2024-06-28", 10.1)},
		},
	}
	c, conn := newTestCollector(t, src)

	var lastDone, lastTotal int
	repaired, err := c.RepairDailyGaps(context.Background(), "2024-06-27", "2024-06-28", func(done, total int) {
		lastDone, lastTotal = done, total
	})
	require.NoError(t, err)
	assert.Equal(t, 2, repaired)
	assert.Equal(t, 2, lastDone)
	assert.Equal(t, 2, lastTotal)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM daily_prices`).Scan(&n))
	assert.Equal(t, 3, n)
}

func TestRepairDailyGapsFullyCoveredFetchesNothing(t *testing.T) {
	src := &stubSource{
		calendar: []domain.CalendarDay{{Exchange: "SSE", Date: "2024-06-28", IsOpen: true}},
		byDate:   map[string][]domain.DailyBar{},
	}
	c, _ := newTestCollector(t, src)

	// One date at exactly the floor count: not a gap.
	bars := make([]domain.DailyBar, 0, repairFloor)
	for i := 0; i < repairFloor; i++ {
		bars = append(bars, bar(fmt.Sprintf("%06d", i), "2024-06-28", 10))
	}
	seedDaily(t, c, bars)

	repaired, err := c.RepairDailyGaps(context.Background(), "2024-06-28", "2024-06-28", nil)
	require.NoError(t, err)
	assert.Zero(t, repaired)
}

func TestSyncDailyWholeMarketBatch(t *testing.T) {
	src := &stubSource{
		byDate: map[string][]domain.DailyBar{
			"2024-06-28": {bar("000001", "2024-06-28", 10), bar("000002", "2024-06-28", 20)},
		},
	}
	c, conn := newTestCollector(t, src)

	n, err := c.SyncDaily(context.Background(), "2024-06-28", 60)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var stored int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM daily_prices WHERE date = '2024-06-28'`).Scan(&stored))
	assert.Equal(t, 2, stored)

	// Re-running the same date upserts in place.
	_, err = c.SyncDaily(context.Background(), "2024-06-28", 60)
	require.NoError(t, err)
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM daily_prices WHERE date = '2024-06-28'`).Scan(&stored))
	assert.Equal(t, 2, stored)
}

func TestStocksFetchedOnceThenLocal(t *testing.T) {
	src := &stubSource{stocks: []domain.Stock{
		{Code: "000001", Name: "平安银行", Market: "SZ"},
		{Code: "600519", Name: "贵州茅台", Market: "SH"},
	}}
	c, _ := newTestCollector(t, src)

	stocks, err := c.Stocks(context.Background())
	require.NoError(t, err)
	assert.Len(t, stocks, 2)
	assert.Equal(t, 1, src.listCalls)

	stocks, err = c.Stocks(context.Background())
	require.NoError(t, err)
	assert.Len(t, stocks, 2)
	assert.Equal(t, 1, src.listCalls, "second read must come from the local table")
}

func TestUniverseBarsFiltersByMinBars(t *testing.T) {
	c, _ := newTestCollector(t, &stubSource{})
	seedDaily(t, c, []domain.DailyBar{
		bar("000001", "2024-01-02", 10),
		bar("000001", "2024-01-03", 10),
		bar("000002", "2024-01-02", 20),
	})

	out, err := c.UniverseBars("2024-01-01", "2024-01-31", 2)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Len(t, out["000001"], 2)
}
