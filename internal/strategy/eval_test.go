package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab-cn/quantlab/internal/domain"
	"github.com/quantlab-cn/quantlab/internal/indicators"
)

func evalFrame(t *testing.T, conds []domain.Condition, n int) *indicators.Frame {
	t.Helper()
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

	cfg := indicators.NewConfig()
	cfg.AddConditions(conds)
	frame, err := indicators.Compute(bars, cfg)
	require.NoError(t, err)
	return frame
}

func TestBuyNotTriggeredDuringWarmup(t *testing.T) {
	conds := []domain.Condition{{
		Field:         "close",
		Operator:      domain.OpGT,
		CompareType:   domain.CompareField,
		CompareField:  "MA",
		CompareParams: map[string]float64{"period": 20},
	}}
	frame := evalFrame(t, conds, 60)

	// MA_20 has no full window yet; close > MA_20 must not fire against
	// an undefined average.
	for _, i := range []int{0, 5, 18} {
		assert.False(t, BuyTriggered(frame, i, conds), "bar %d is warm-up", i)
	}

	// Once the window fills, a constant tape reads close == MA exactly.
	assert.False(t, BuyTriggered(frame, 19, conds))
	v, ok := frame.Value("MA_20", 19)
	require.True(t, ok)
	assert.InDelta(t, 10.0, v, 1e-9)
}

func TestOversoldConditionNotTriggeredDuringWarmup(t *testing.T) {
	conds := []domain.Condition{{
		Field:        "RSI",
		Operator:     domain.OpLT,
		CompareType:  domain.CompareValue,
		CompareValue: 30,
		Params:       map[string]float64{"period": 14},
	}}
	frame := evalFrame(t, conds, 60)

	// An undefined RSI must not read as oversold.
	for _, i := range []int{0, 5, 13} {
		assert.False(t, BuyTriggered(frame, i, conds), "bar %d is warm-up", i)
	}
}
