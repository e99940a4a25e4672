package indicators

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab-cn/quantlab/internal/domain"
)

// flatBars builds n constant-price bars so any non-warm-up moving
// average equals the price exactly.
func flatBars(n int) []domain.DailyBar {
	bars := make([]domain.DailyBar, 0, n)
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		bars = append(bars, domain.DailyBar{
			Code: "000001", Date: day.Format("2006-01-02"),
			Open: 10, High: 10.2, Low: 9.8, Close: 10,
			Volume: 1000000,
		})
		day = day.AddDate(0, 0, 1)
	}
	return bars
}

func risingBars(n int) []domain.DailyBar {
	bars := make([]domain.DailyBar, 0, n)
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		px := 10 + float64(i)*0.05
		bars = append(bars, domain.DailyBar{
			Code: "000001", Date: day.Format("2006-01-02"),
			Open: px, High: px * 1.01, Low: px * 0.99, Close: px,
			Volume: 1000000,
		})
		day = day.AddDate(0, 0, 1)
	}
	return bars
}

func TestComputeMasksMovingAverageWarmup(t *testing.T) {
	cfg := NewConfig()
	cfg.Add("MA", map[string]float64{"period": 20})

	frame, err := Compute(flatBars(60), cfg)
	require.NoError(t, err)

	// The first period-1 bars have no full window and must not read as
	// valid values.
	for _, i := range []int{0, 5, 18} {
		_, ok := frame.Value("MA_20", i)
		assert.False(t, ok, "bar %d is warm-up", i)
	}

	v, ok := frame.Value("MA_20", 19)
	require.True(t, ok)
	assert.InDelta(t, 10.0, v, 1e-9)
}

func TestComputeMasksOscillatorWarmup(t *testing.T) {
	cfg := NewConfig()
	cfg.Add("RSI", map[string]float64{"period": 14})
	cfg.Add("MACD", nil)
	cfg.Add("DPO", map[string]float64{"period": 20})

	frame, err := Compute(risingBars(80), cfg)
	require.NoError(t, err)

	_, ok := frame.Value("RSI_14", 5)
	assert.False(t, ok)
	_, ok = frame.Value("RSI_14", 13)
	assert.False(t, ok)
	v, ok := frame.Value("RSI_14", 14)
	require.True(t, ok)
	assert.Greater(t, v, 50.0, "monotone uptrend reads overbought")

	// MACD 12/26/9 needs slow+signal history.
	_, ok = frame.Value("MACD_12_9_26", 20)
	assert.False(t, ok)
	_, ok = frame.Value("MACD_12_9_26", 40)
	assert.True(t, ok)

	// DPO displaces its moving average; the displaced warm-up must not
	// leak through as close minus zero.
	for i := 0; i < 30; i++ {
		if _, ok := frame.Value("DPO_20", i); ok {
			t.Fatalf("DPO_20 valid at warm-up bar %d", i)
		}
	}
	_, ok = frame.Value("DPO_20", 35)
	assert.True(t, ok)
}

func TestComputeShortHistoryIsAllWarmup(t *testing.T) {
	cfg := NewConfig()
	cfg.Add("MA", map[string]float64{"period": 20})

	frame, err := Compute(flatBars(10), cfg)
	require.NoError(t, err)
	for i := 0; i < frame.Len(); i++ {
		if _, ok := frame.Value("MA_20", i); ok {
			t.Fatalf("MA_20 valid at bar %d with only 10 bars", i)
		}
	}
}

func TestComputeColumnKeys(t *testing.T) {
	for _, tc := range []struct {
		field  string
		params map[string]float64
		want   string
	}{
		{"RSI", nil, "RSI_14"},
		{"MA", map[string]float64{"period": 5}, "MA_5"},
		{"BOLL_UPPER", nil, "BOLL_UPPER_20_2"},
		{"close", nil, "close"},
	} {
		t.Run(fmt.Sprintf("%s->%s", tc.field, tc.want), func(t *testing.T) {
			assert.Equal(t, tc.want, ColumnKey(tc.field, tc.params))
		})
	}
}
