package backtest

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Metrics is the aggregate statistics block of one simulation.
// MaxDrawdownPct is always <= 0.
type Metrics struct {
	TotalTrades     int     `json:"total_trades"`
	WinRate         float64 `json:"win_rate"`
	TotalReturnPct  float64 `json:"total_return_pct"`
	MaxDrawdownPct  float64 `json:"max_drawdown_pct"`
	AvgHoldDays     float64 `json:"avg_hold_days"`
	AvgPnlPct       float64 `json:"avg_pnl_pct"`
	CagrPct         float64 `json:"cagr_pct"`
	SharpeRatio     float64 `json:"sharpe_ratio"`
	CalmarRatio     float64 `json:"calmar_ratio"`
	ProfitLossRatio float64 `json:"profit_loss_ratio"`
}

func computeMetrics(res *Result) Metrics {
	m := Metrics{TotalTrades: len(res.Trades)}

	var wins, losses int
	var winPnl, lossPnl, pnlSum, holdSum float64
	for i := range res.Trades {
		t := &res.Trades[i]
		pnlSum += t.PnlPct
		holdSum += float64(t.HoldDays)
		if t.PnlPct > 0 {
			wins++
			winPnl += t.PnlPct
		} else {
			losses++
			lossPnl += t.PnlPct
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(wins) / float64(m.TotalTrades)
		m.AvgPnlPct = pnlSum / float64(m.TotalTrades)
		m.AvgHoldDays = holdSum / float64(m.TotalTrades)
	}
	if wins > 0 && losses > 0 {
		avgWin := winPnl / float64(wins)
		avgLoss := math.Abs(lossPnl / float64(losses))
		if avgLoss > 0 {
			m.ProfitLossRatio = avgWin / avgLoss
		}
	} else if wins > 0 {
		// All winners: no loss denominator; use a generous cap so the
		// score transform does not blow up.
		m.ProfitLossRatio = 10
	}

	if res.InitialCapital > 0 {
		m.TotalReturnPct = (res.FinalEquity - res.InitialCapital) / res.InitialCapital * 100
	}

	m.MaxDrawdownPct = maxDrawdown(res.EquityCurve)
	m.CagrPct = cagr(res)
	m.SharpeRatio = sharpe(res.EquityCurve)
	if dd := math.Abs(m.MaxDrawdownPct); dd > 0 {
		m.CalmarRatio = m.CagrPct / dd
	}

	return m
}

// maxDrawdown returns the worst peak-to-trough decline as a negative
// percentage (0 when the curve never declines).
func maxDrawdown(curve []EquityPoint) float64 {
	var peak, worst float64
	for i := range curve {
		if curve[i].Equity > peak {
			peak = curve[i].Equity
		}
		if peak > 0 {
			dd := (curve[i].Equity - peak) / peak * 100
			if dd < worst {
				worst = dd
			}
		}
	}
	return worst
}

func cagr(res *Result) float64 {
	if len(res.EquityCurve) < 2 || res.InitialCapital <= 0 || res.FinalEquity <= 0 {
		return 0
	}
	start, err1 := time.Parse("2006-01-02", res.StartDate)
	end, err2 := time.Parse("2006-01-02", res.EndDate)
	if err1 != nil || err2 != nil {
		return 0
	}
	years := end.Sub(start).Hours() / 24 / 365.25
	if years <= 0 {
		return 0
	}
	return (math.Pow(res.FinalEquity/res.InitialCapital, 1/years) - 1) * 100
}

// sharpe annualizes the daily-return Sharpe ratio over 252 trading days,
// with a zero risk-free rate.
func sharpe(curve []EquityPoint) float64 {
	if len(curve) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev <= 0 {
			continue
		}
		returns = append(returns, (curve[i].Equity-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}

	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(252)
}
