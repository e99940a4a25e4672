package regime

import (
	"database/sql"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab-cn/quantlab/internal/database"
	"github.com/quantlab-cn/quantlab/internal/domain"
)

const testIndex = "000300.SH"

func newTestService(t *testing.T) (*Service, *sql.DB) {
	t.Helper()
	db, err := database.New(database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	conn := db.Conn()
	return NewService(conn, testIndex, zerolog.Nop()), conn
}

// seedIndex inserts one index bar per weekday in [start, end], with the
// close produced by fn(i) for the i-th trading day.
func seedIndex(t *testing.T, db *sql.DB, start, end string, fn func(i int) float64) {
	t.Helper()
	day, err := time.Parse("2006-01-02", start)
	require.NoError(t, err)
	last, err := time.Parse("2006-01-02", end)
	require.NoError(t, err)

	i := 0
	for !day.After(last) {
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			px := fn(i)
			_, err := db.Exec(`
				INSERT INTO index_daily (code, date, open, high, low, close, volume, amount)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				testIndex, day.Format("2006-01-02"), px, px*1.01, px*0.99, px, 1e9, 1e11)
			require.NoError(t, err)
			i++
		}
		day = day.AddDate(0, 0, 1)
	}
}

func TestEnsureLabelsSteadyUptrendIsBull(t *testing.T) {
	svc, conn := newTestService(t)
	seedIndex(t, conn, "2024-01-01", "2024-03-31", func(i int) float64 {
		return 100 * math.Pow(1.005, float64(i))
	})

	inserted, err := svc.EnsureLabels("2024-02-05", "2024-03-01")
	require.NoError(t, err)
	// Mondays 02-05, 02-12, 02-19, 02-26.
	assert.Equal(t, 4, inserted)

	labels, err := svc.Labels("2024-02-05", "2024-03-01")
	require.NoError(t, err)
	require.Len(t, labels, 4)
	for _, l := range labels {
		assert.Equal(t, domain.RegimeTrendingBull, l.Regime, "week %s", l.WeekStart)
		assert.Greater(t, l.TrendStrength, trendThreshold)
		assert.Positive(t, l.IndexReturnPct)
	}
}

func TestEnsureLabelsIsIdempotent(t *testing.T) {
	svc, conn := newTestService(t)
	seedIndex(t, conn, "2024-01-01", "2024-03-31", func(i int) float64 {
		return 100 * math.Pow(1.005, float64(i))
	})

	first, err := svc.EnsureLabels("2024-02-05", "2024-03-01")
	require.NoError(t, err)
	require.Positive(t, first)

	again, err := svc.EnsureLabels("2024-02-05", "2024-03-01")
	require.NoError(t, err)
	assert.Zero(t, again)

	labels, err := svc.Labels("2024-02-05", "2024-03-01")
	require.NoError(t, err)
	assert.Len(t, labels, first)
}

func TestEnsureLabelsSteadyDowntrendIsBear(t *testing.T) {
	svc, conn := newTestService(t)
	seedIndex(t, conn, "2024-01-01", "2024-03-31", func(i int) float64 {
		return 100 * math.Pow(0.995, float64(i))
	})

	_, err := svc.EnsureLabels("2024-02-05", "2024-03-01")
	require.NoError(t, err)

	labels, err := svc.Labels("2024-02-05", "2024-03-01")
	require.NoError(t, err)
	require.NotEmpty(t, labels)
	for _, l := range labels {
		assert.Equal(t, domain.RegimeTrendingBear, l.Regime, "week %s", l.WeekStart)
	}
}

func TestEnsureLabelsFlatTapeIsRanging(t *testing.T) {
	svc, conn := newTestService(t)
	seedIndex(t, conn, "2024-01-01", "2024-03-31", func(int) float64 { return 100 })

	_, err := svc.EnsureLabels("2024-02-05", "2024-03-01")
	require.NoError(t, err)

	labels, err := svc.Labels("2024-02-05", "2024-03-01")
	require.NoError(t, err)
	require.NotEmpty(t, labels)
	for _, l := range labels {
		assert.Equal(t, domain.RegimeRanging, l.Regime)
		assert.Zero(t, l.Volatility)
	}
}

func TestEnsureLabelsWhipsawIsVolatile(t *testing.T) {
	svc, conn := newTestService(t)
	seedIndex(t, conn, "2024-01-01", "2024-03-31", func(i int) float64 {
		if i%2 == 0 {
			return 100
		}
		return 105
	})

	_, err := svc.EnsureLabels("2024-02-05", "2024-03-01")
	require.NoError(t, err)

	labels, err := svc.Labels("2024-02-05", "2024-03-01")
	require.NoError(t, err)
	require.NotEmpty(t, labels)
	for _, l := range labels {
		assert.Equal(t, domain.RegimeVolatile, l.Regime)
		assert.Greater(t, l.Volatility, volatileThreshold)
	}
}

func TestEnsureLabelsInsufficientHistory(t *testing.T) {
	svc, conn := newTestService(t)
	seedIndex(t, conn, "2024-02-01", "2024-02-07", func(int) float64 { return 100 })

	_, err := svc.EnsureLabels("2024-02-05", "2024-02-09")
	assert.Error(t, err)
}

func TestClassifyThresholds(t *testing.T) {
	r, conf := classify(0.5, 10)
	assert.Equal(t, domain.RegimeTrendingBull, r)
	assert.Greater(t, conf, 0.0)

	r, _ = classify(-0.5, 10)
	assert.Equal(t, domain.RegimeTrendingBear, r)

	r, conf = classify(0.05, 10)
	assert.Equal(t, domain.RegimeRanging, r)
	assert.GreaterOrEqual(t, conf, 0.3)

	// Volatility dominates even a strong trend.
	r, _ = classify(1.0, 50)
	assert.Equal(t, domain.RegimeVolatile, r)
}

func TestWeeksBetweenMondayAnchored(t *testing.T) {
	// Wednesday start snaps forward to the next Monday.
	ws := weeksBetween("2024-01-03", "2024-01-21")
	require.Len(t, ws, 2)
	assert.Equal(t, "2024-01-08", ws[0].start)
	assert.Equal(t, "2024-01-14", ws[0].end)
	assert.Equal(t, "2024-01-15", ws[1].start)
	assert.Equal(t, "2024-01-21", ws[1].end)

	// A Monday start anchors on itself.
	ws = weeksBetween("2024-01-08", "2024-01-14")
	require.Len(t, ws, 1)
	assert.Equal(t, "2024-01-08", ws[0].start)

	assert.Nil(t, weeksBetween("2024-01-10", "2024-01-03"))
}

func TestLabelMapCoversEveryDayOfWeek(t *testing.T) {
	svc, conn := newTestService(t)
	seedIndex(t, conn, "2024-01-01", "2024-03-31", func(i int) float64 {
		return 100 * math.Pow(1.005, float64(i))
	})
	_, err := svc.EnsureLabels("2024-02-05", "2024-02-11")
	require.NoError(t, err)

	m, err := svc.LabelMap("2024-02-05", "2024-02-11")
	require.NoError(t, err)
	for _, d := range []string{"2024-02-05", "2024-02-07", "2024-02-11"} {
		assert.Equal(t, domain.RegimeTrendingBull, m[d], "day %s", d)
	}
}

func TestSummarize(t *testing.T) {
	svc, conn := newTestService(t)
	seedIndex(t, conn, "2024-01-01", "2024-03-31", func(i int) float64 {
		return 100 * math.Pow(1.005, float64(i))
	})
	_, err := svc.EnsureLabels("2024-02-05", "2024-03-01")
	require.NoError(t, err)

	sum, err := svc.Summarize("2024-02-05", "2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Weeks)
	assert.Equal(t, 4, sum.Counts[domain.RegimeTrendingBull])
	assert.InDelta(t, 1.0, sum.Shares[domain.RegimeTrendingBull], 1e-9)
	require.NotNil(t, sum.Latest)
	assert.Equal(t, "2024-02-26", sum.Latest.WeekStart)
}

func TestBenchmarkReturnPct(t *testing.T) {
	svc, conn := newTestService(t)
	seedIndex(t, conn, "2024-02-05", "2024-02-06", func(i int) float64 {
		return 100 + float64(i)*10 // 100 then 110
	})

	ret, err := svc.BenchmarkReturnPct("2024-02-05", "2024-02-06")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, ret, 1e-9)

	_, err = svc.BenchmarkReturnPct("2025-01-01", "2025-01-02")
	assert.Error(t, err)
}
