// Package backtest simulates a cash-and-positions portfolio executing one
// strategy (regular or combo) over a universe of per-stock OHLCV series.
//
// An Engine instance is single-threaded: callers must not share one across
// goroutines. Concurrency comes from the experiment runner executing up to
// three engines in parallel.
package backtest

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/quantlab-cn/quantlab/internal/domain"
	"github.com/quantlab-cn/quantlab/internal/indicators"
	"github.com/quantlab-cn/quantlab/internal/strategy"
)

const (
	// DefaultExplosionCap aborts any day that triggers more buys than this.
	DefaultExplosionCap = 50

	// A-share board lot
	lotSize = 100
)

// Options configures one portfolio simulation.
type Options struct {
	InitialCapital float64
	MaxPositions   int
	MaxPositionPct float64 // percent of current equity per position
	ExplosionCap   int
}

// withDefaults fills the standard capital and risk settings.
func (o Options) withDefaults() Options {
	if o.InitialCapital <= 0 {
		o.InitialCapital = 100000
	}
	if o.MaxPositions <= 0 {
		o.MaxPositions = 10
	}
	if o.MaxPositionPct <= 0 {
		o.MaxPositionPct = 30
	}
	if o.ExplosionCap <= 0 {
		o.ExplosionCap = DefaultExplosionCap
	}
	return o
}

// Trade is one completed round trip.
type Trade struct {
	Code         string  `json:"code"`
	StrategyName string  `json:"strategy_name"`
	BuyDate      string  `json:"buy_date"`
	BuyPrice     float64 `json:"buy_price"`
	SellDate     string  `json:"sell_date"`
	SellPrice    float64 `json:"sell_price"`
	Quantity     float64 `json:"quantity"`
	SellReason   string  `json:"sell_reason"`
	PnlPct       float64 `json:"pnl_pct"`
	PnlValue     float64 `json:"pnl_value"`
	HoldDays     int     `json:"hold_days"`
}

// EquityPoint is one mark-to-market sample of the equity curve.
type EquityPoint struct {
	Date   string  `json:"date"`
	Equity float64 `json:"equity"`
}

// Result is the full simulation output.
type Result struct {
	Trades          []Trade                      `json:"trades"`
	EquityCurve     []EquityPoint                `json:"equity_curve"`
	SellReasonStats map[string]int               `json:"sell_reason_stats"`
	RegimeStats     map[string]domain.RegimeStat `json:"regime_stats,omitempty"`
	Metrics         Metrics                      `json:"metrics"`
	InitialCapital  float64                      `json:"initial_capital"`
	FinalEquity     float64                      `json:"final_equity"`
	StartDate       string                       `json:"start_date"`
	EndDate         string                       `json:"end_date"`
}

// position is one open holding during simulation.
type position struct {
	code       string
	memberName string // combo member that triggered the entry
	entryDate  string
	entryPrice float64
	quantity   float64
	holdDays   int
	lastClose  float64
}

// Engine runs portfolio backtests. One instance per call site; the
// zero-value logger disables logging for library use.
type Engine struct {
	log zerolog.Logger
}

// NewEngine creates a backtest engine.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{log: log.With().Str("component", "backtest").Logger()}
}

// Run simulates strat over the bar series in bars, bar by bar across the
// union of all dates. regimeByDate may be nil; when present, each trade is
// attributed to the regime of its entry date. cancel may be nil; when it
// fires the run aborts with ErrTimeout at the next day boundary.
func (e *Engine) Run(cancel <-chan struct{}, strat *domain.Strategy, bars map[string][]domain.DailyBar, regimeByDate map[string]domain.Regime, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	if len(bars) == 0 {
		return nil, fmt.Errorf("empty stock universe")
	}

	// Single unified indicator config across the whole condition tree, so
	// shared columns are computed once per code.
	cfg := indicators.ConfigForStrategy(strat)

	frames := make(map[string]*indicators.Frame, len(bars))
	barIdx := make(map[string]map[string]int, len(bars))
	dateSet := make(map[string]struct{})
	for code, series := range bars {
		if len(series) == 0 {
			continue
		}
		frame, err := indicators.Compute(series, cfg)
		if err != nil {
			return nil, fmt.Errorf("indicators for %s: %w", code, err)
		}
		frames[code] = frame

		idx := make(map[string]int, len(series))
		for i := range series {
			idx[series[i].Date] = i
			dateSet[series[i].Date] = struct{}{}
		}
		barIdx[code] = idx
	}

	dates := make([]string, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	codes := make([]string, 0, len(frames))
	for code := range frames {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	res := &Result{
		SellReasonStats: make(map[string]int),
		InitialCapital:  opts.InitialCapital,
		StartDate:       dates[0],
		EndDate:         dates[len(dates)-1],
	}
	if regimeByDate != nil {
		res.RegimeStats = make(map[string]domain.RegimeStat)
	}

	cash := opts.InitialCapital
	positions := make(map[string]*position)

	for _, date := range dates {
		select {
		case <-cancel:
			return nil, ErrTimeout
		default:
		}

		// Exit pass first, so freed cash is available for entries.
		for _, code := range sortedPositionCodes(positions) {
			pos := positions[code]
			idx, hasBar := barIdx[code][date]
			if !hasBar {
				continue
			}
			bar := &bars[code][idx]
			pos.holdDays++
			pos.lastClose = bar.Close

			sellPrice, reason := e.checkExit(frames[code], idx, bar, pos, strat)
			if reason == "" {
				continue
			}
			cash += sellPrice * pos.quantity
			res.Trades = append(res.Trades, closeTrade(pos, date, sellPrice, reason))
			res.SellReasonStats[reason]++
			delete(positions, code)
		}

		// Entry pass.
		triggered := e.entryCandidates(date, codes, positions, frames, barIdx, strat)
		if len(triggered) > opts.ExplosionCap {
			return nil, &SignalExplosionError{Strategy: strat.Name, Date: date, Count: len(triggered)}
		}

		for _, cand := range triggered {
			if len(positions) >= opts.MaxPositions {
				break
			}
			equity := cash + marketValue(positions)
			notional := math.Min(opts.MaxPositionPct/100*equity, cash)
			price := bars[cand.code][cand.idx].Close
			if price <= 0 {
				continue
			}
			qty := math.Floor(notional/price/lotSize) * lotSize
			if qty <= 0 {
				continue
			}
			cash -= qty * price
			positions[cand.code] = &position{
				code:       cand.code,
				memberName: cand.memberName,
				entryDate:  date,
				entryPrice: price,
				quantity:   qty,
				lastClose:  price,
			}
		}

		res.EquityCurve = append(res.EquityCurve, EquityPoint{Date: date, Equity: cash + marketValue(positions)})
	}

	// Liquidate whatever is still open at the final mark so realized pnl
	// reconciles with the equity curve.
	final := dates[len(dates)-1]
	for _, code := range sortedPositionCodes(positions) {
		pos := positions[code]
		cash += pos.lastClose * pos.quantity
		res.Trades = append(res.Trades, closeTrade(pos, final, pos.lastClose, "end_of_backtest"))
		res.SellReasonStats["end_of_backtest"]++
		delete(positions, code)
	}

	for i := range res.Trades {
		if res.Trades[i].StrategyName == "" {
			res.Trades[i].StrategyName = strat.Name
		}
	}

	res.FinalEquity = cash
	res.Metrics = computeMetrics(res)
	if res.RegimeStats != nil {
		attributeRegimes(res, regimeByDate)
	}

	return res, nil
}

// checkExit applies the exit rules in priority order: stop loss, take
// profit, max hold days, sell signal. Returns the fill price and reason,
// or ("", "") when the position stays open.
func (e *Engine) checkExit(frame *indicators.Frame, idx int, bar *domain.DailyBar, pos *position, strat *domain.Strategy) (float64, string) {
	ec := strat.ExitConfig

	stopPrice := pos.entryPrice * (1 + ec.StopLossPct/100)
	if ec.StopLossPct < 0 && bar.Low <= stopPrice {
		return fillWithinRange(stopPrice, bar), "stop_loss"
	}

	targetPrice := pos.entryPrice * (1 + ec.TakeProfitPct/100)
	if ec.TakeProfitPct > 0 && bar.High >= targetPrice {
		return fillWithinRange(targetPrice, bar), "take_profit"
	}

	if ec.MaxHoldDays > 0 && pos.holdDays >= ec.MaxHoldDays {
		return bar.Close, "max_hold"
	}

	if strat.IsCombo() {
		if strategy.ComboSellTriggered(frame, idx, strat.Combo) {
			return bar.Close, "signal"
		}
	} else if strategy.SellTriggered(frame, idx, strat.SellConditions) {
		return bar.Close, "signal"
	}

	return 0, ""
}

type entryCandidate struct {
	code       string
	idx        int
	memberName string
}

// entryCandidates collects the codes whose buy conditions trigger today,
// in deterministic (code-sorted) order.
func (e *Engine) entryCandidates(date string, codes []string, positions map[string]*position, frames map[string]*indicators.Frame, barIdx map[string]map[string]int, strat *domain.Strategy) []entryCandidate {
	var triggered []entryCandidate
	for _, code := range codes {
		if _, held := positions[code]; held {
			continue
		}
		idx, hasBar := barIdx[code][date]
		if !hasBar {
			continue
		}
		frame := frames[code]

		if strat.IsCombo() {
			votes := strategy.ComboVotes(frame, idx, strat.Combo)
			if votes >= strat.Combo.VoteThreshold && strat.Combo.VoteThreshold > 0 {
				member := ""
				if names := strategy.ComboBuyMembers(frame, idx, strat.Combo); len(names) > 0 {
					member = names[0]
				}
				triggered = append(triggered, entryCandidate{code: code, idx: idx, memberName: member})
			}
		} else if strategy.BuyTriggered(frame, idx, strat.BuyConditions) {
			triggered = append(triggered, entryCandidate{code: code, idx: idx})
		}
	}
	return triggered
}

// fillWithinRange fills at the threshold price when it lies inside the
// day's range, else at the close (gap through the threshold).
func fillWithinRange(price float64, bar *domain.DailyBar) float64 {
	if price >= bar.Low && price <= bar.High {
		return price
	}
	return bar.Close
}

func closeTrade(pos *position, sellDate string, sellPrice float64, reason string) Trade {
	pnlValue := (sellPrice - pos.entryPrice) * pos.quantity
	pnlPct := 0.0
	if pos.entryPrice > 0 {
		pnlPct = (sellPrice - pos.entryPrice) / pos.entryPrice * 100
	}
	return Trade{
		Code:         pos.code,
		StrategyName: pos.memberName,
		BuyDate:      pos.entryDate,
		BuyPrice:     pos.entryPrice,
		SellDate:     sellDate,
		SellPrice:    sellPrice,
		Quantity:     pos.quantity,
		SellReason:   reason,
		PnlPct:       pnlPct,
		PnlValue:     pnlValue,
		HoldDays:     pos.holdDays,
	}
}

func marketValue(positions map[string]*position) float64 {
	var total float64
	for _, pos := range positions {
		total += pos.lastClose * pos.quantity
	}
	return total
}

func sortedPositionCodes(positions map[string]*position) []string {
	codes := make([]string, 0, len(positions))
	for code := range positions {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// attributeRegimes buckets each trade by the regime of its entry date.
func attributeRegimes(res *Result, regimeByDate map[string]domain.Regime) {
	type agg struct {
		trades int
		pnlSum float64
		wins   int
	}
	buckets := make(map[string]*agg)
	for i := range res.Trades {
		regime, ok := regimeByDate[res.Trades[i].BuyDate]
		if !ok {
			continue
		}
		b := buckets[string(regime)]
		if b == nil {
			b = &agg{}
			buckets[string(regime)] = b
		}
		b.trades++
		b.pnlSum += res.Trades[i].PnlPct
		if res.Trades[i].PnlPct > 0 {
			b.wins++
		}
	}

	for regime, b := range buckets {
		res.RegimeStats[regime] = domain.RegimeStat{
			Trades:  b.trades,
			AvgPnl:  b.pnlSum / float64(b.trades),
			WinRate: float64(b.wins) / float64(b.trades),
		}
	}
}
