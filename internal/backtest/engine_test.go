package backtest

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab-cn/quantlab/internal/domain"
)

func flatBar(code, date string, px float64) domain.DailyBar {
	return domain.DailyBar{Code: code, Date: date, Open: px, High: px, Low: px, Close: px, Volume: 1000000}
}

// cheapBuyStrategy enters whenever close < 10.5.
func cheapBuyStrategy(exit domain.ExitConfig) *domain.Strategy {
	return &domain.Strategy{
		Name: "cheap_buy",
		BuyConditions: []domain.Condition{{
			Field:        "close",
			Operator:     domain.OpLT,
			CompareType:  domain.CompareValue,
			CompareValue: 10.5,
		}},
		ExitConfig: exit,
	}
}

func TestRunTakeProfit(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	strat := cheapBuyStrategy(domain.ExitConfig{StopLossPct: -8, TakeProfitPct: 20, MaxHoldDays: 20})

	bars := map[string][]domain.DailyBar{
		"000001": {
			flatBar("000001", "2024-01-02", 10), // entry at close
			{Code: "000001", Date: "2024-01-03", Open: 11.9, High: 12.5, Low: 11.8, Close: 12.2, Volume: 1000000},
			flatBar("000001", "2024-01-04", 12.2),
		},
	}

	res, err := e.Run(nil, strat, bars, nil, Options{})
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	trade := res.Trades[0]
	assert.Equal(t, "take_profit", trade.SellReason)
	assert.Equal(t, 10.0, trade.BuyPrice)
	// Target 12.0 lies inside the day's range, so the fill is exact.
	assert.Equal(t, 12.0, trade.SellPrice)
	assert.InDelta(t, 20.0, trade.PnlPct, 1e-9)

	// 30% of 100k at 10 CNY, floored to board lots: 3000 shares.
	assert.Equal(t, 3000.0, trade.Quantity)
	assert.InDelta(t, 106000, res.FinalEquity, 1e-9)
	assert.Equal(t, 1, res.SellReasonStats["take_profit"])
}

func TestRunStopLossGapFillsAtClose(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	strat := cheapBuyStrategy(domain.ExitConfig{StopLossPct: -8, TakeProfitPct: 50, MaxHoldDays: 20})

	bars := map[string][]domain.DailyBar{
		"000001": {
			flatBar("000001", "2024-01-02", 10),
			// Gaps through the 9.2 stop: whole range below it, fill at close.
			{Code: "000001", Date: "2024-01-03", Open: 8.5, High: 8.8, Low: 8.3, Close: 8.6, Volume: 1000000},
		},
	}

	res, err := e.Run(nil, strat, bars, nil, Options{})
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "stop_loss", res.Trades[0].SellReason)
	assert.Equal(t, 8.6, res.Trades[0].SellPrice)
	assert.InDelta(t, -14.0, res.Trades[0].PnlPct, 1e-9)
}

func TestRunEndOfBacktestLiquidationReconciles(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	strat := cheapBuyStrategy(domain.ExitConfig{StopLossPct: -8, TakeProfitPct: 20, MaxHoldDays: 20})

	bars := map[string][]domain.DailyBar{
		"000001": {
			flatBar("000001", "2024-01-02", 10),
			flatBar("000001", "2024-01-03", 10.2),
			flatBar("000001", "2024-01-04", 10.4),
		},
	}

	res, err := e.Run(nil, strat, bars, nil, Options{})
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "end_of_backtest", res.Trades[0].SellReason)

	// Realized pnl must reconcile exactly with the final equity.
	var pnl float64
	for _, tr := range res.Trades {
		pnl += tr.PnlValue
	}
	assert.InDelta(t, res.InitialCapital+pnl, res.FinalEquity, 1e-6)

	require.NotEmpty(t, res.EquityCurve)
	last := res.EquityCurve[len(res.EquityCurve)-1]
	assert.InDelta(t, res.FinalEquity, last.Equity, 1e-6)
	assert.Equal(t, "2024-01-02", res.StartDate)
	assert.Equal(t, "2024-01-04", res.EndDate)
}

func TestRunSignalExplosion(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	strat := cheapBuyStrategy(domain.DefaultExitConfig())

	bars := make(map[string][]domain.DailyBar)
	for i := 0; i < DefaultExplosionCap+10; i++ {
		code := fmt.Sprintf("%06d", i)
		bars[code] = []domain.DailyBar{flatBar(code, "2024-01-02", 10)}
	}

	_, err := e.Run(nil, strat, bars, nil, Options{})
	require.Error(t, err)
	assert.True(t, IsSignalExplosion(err))
	assert.Contains(t, err.Error(), "signal explosion")
}

func TestRunCancel(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	strat := cheapBuyStrategy(domain.DefaultExitConfig())

	cancel := make(chan struct{})
	close(cancel)

	bars := map[string][]domain.DailyBar{
		"000001": {flatBar("000001", "2024-01-02", 10)},
	}
	_, err := e.Run(cancel, strat, bars, nil, Options{})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRunMaxPositionsRespected(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	strat := cheapBuyStrategy(domain.ExitConfig{StopLossPct: -50, TakeProfitPct: 500, MaxHoldDays: 100})

	bars := make(map[string][]domain.DailyBar)
	for i := 0; i < 5; i++ {
		code := fmt.Sprintf("%06d", i)
		bars[code] = []domain.DailyBar{
			flatBar(code, "2024-01-02", 10),
			flatBar(code, "2024-01-03", 10),
		}
	}

	res, err := e.Run(nil, strat, bars, nil, Options{MaxPositions: 2})
	require.NoError(t, err)
	// Two concurrent positions at most, both liquidated at the end.
	assert.Len(t, res.Trades, 2)
}

func TestRunRegimeAttribution(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	strat := cheapBuyStrategy(domain.ExitConfig{StopLossPct: -8, TakeProfitPct: 20, MaxHoldDays: 20})

	bars := map[string][]domain.DailyBar{
		"000001": {
			flatBar("000001", "2024-01-02", 10),
			{Code: "000001", Date: "2024-01-03", Open: 12, High: 12.5, Low: 11.8, Close: 12.2, Volume: 1000000},
		},
	}
	regimes := map[string]domain.Regime{
		"2024-01-02": domain.RegimeTrendingBull,
		"2024-01-03": domain.RegimeTrendingBull,
	}

	res, err := e.Run(nil, strat, bars, regimes, Options{})
	require.NoError(t, err)

	stat, ok := res.RegimeStats[string(domain.RegimeTrendingBull)]
	require.True(t, ok)
	assert.Equal(t, 1, stat.Trades)
	assert.Equal(t, 1.0, stat.WinRate)
}

func TestMetricsDrawdownNonPositive(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	strat := cheapBuyStrategy(domain.ExitConfig{StopLossPct: -8, TakeProfitPct: 50, MaxHoldDays: 20})

	bars := map[string][]domain.DailyBar{
		"000001": {
			flatBar("000001", "2024-01-02", 10),
			{Code: "000001", Date: "2024-01-03", Open: 8.5, High: 8.8, Low: 8.3, Close: 8.6, Volume: 1000000},
			flatBar("000001", "2024-01-04", 8.6),
		},
	}

	res, err := e.Run(nil, strat, bars, nil, Options{})
	require.NoError(t, err)
	assert.LessOrEqual(t, res.Metrics.MaxDrawdownPct, 0.0)
	assert.Less(t, res.Metrics.TotalReturnPct, 0.0)
}

func TestScoreStaysInUnitInterval(t *testing.T) {
	cases := []Metrics{
		{},
		{TotalReturnPct: 120, MaxDrawdownPct: -5, SharpeRatio: 3, ProfitLossRatio: 4},
		{TotalReturnPct: -60, MaxDrawdownPct: -90, SharpeRatio: -2, ProfitLossRatio: 0.1},
	}
	for _, m := range cases {
		s := Score(m, DefaultScoreWeights())
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}
