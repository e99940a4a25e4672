// Package signals evaluates every enabled strategy against every tracked
// stock for one trade date and persists the resulting buy/sell actions
// with their Alpha scores.
package signals

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantlab-cn/quantlab/internal/domain"
	"github.com/quantlab-cn/quantlab/internal/indicators"
	"github.com/quantlab-cn/quantlab/internal/progress"
	"github.com/quantlab-cn/quantlab/internal/strategy"
)

const (
	// windowDays is the trailing bar window evaluated per stock.
	windowDays = 250

	// minBars rejects stocks with too little history for the indicator set.
	minBars = 60

	// commitBatch is the upsert batch size during a scan.
	commitBatch = 50

	// Bearish-sentiment buys need at least this many supporting strategies.
	bearishMinSupport = 2
	bearishSentiment  = 30
)

// BarLoader is the collector slice the engine reads bars through.
type BarLoader interface {
	DailyBars(ctx context.Context, code, start, end string, localOnly bool) ([]domain.DailyBar, error)
	Stocks(ctx context.Context) ([]domain.Stock, error)
	CachedCodes() int
}

// HoldingsProvider reports which codes the bot currently holds; sell
// signals only apply to held stocks.
type HoldingsProvider interface {
	HeldCodes() (map[string]bool, error)
}

// SentimentProvider optionally supplies a market sentiment score in
// [0, 100] for the bearish buy gate.
type SentimentProvider interface {
	MarketSentiment(date string) (float64, bool)
}

// Engine generates trading signals.
type Engine struct {
	repo      *Repository
	loader    BarLoader
	holdings  HoldingsProvider
	sentiment SentimentProvider // may be nil
	log       zerolog.Logger
}

// NewEngine wires a signal engine. sentiment may be nil.
func NewEngine(repo *Repository, loader BarLoader, holdings HoldingsProvider, sentiment SentimentProvider, log zerolog.Logger) *Engine {
	return &Engine{
		repo:      repo,
		loader:    loader,
		holdings:  holdings,
		sentiment: sentiment,
		log:       log.With().Str("component", "signals").Logger(),
	}
}

// Generate scans the stock universe for tradeDate with the given enabled
// strategies, upserting one signal per (code, date) and garbage-collecting
// stale rows. emit may be nil; when set it receives serialized streaming
// events (start/progress/signal/done). Returns the signal count.
func (e *Engine) Generate(ctx context.Context, tradeDate string, strategies []domain.Strategy, emit func(string)) (int, error) {
	if emit == nil {
		emit = func(string) {}
	}
	if len(strategies) == 0 {
		return 0, fmt.Errorf("no enabled strategies")
	}

	stocks, err := e.loader.Stocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("load stock universe: %w", err)
	}

	held, err := e.holdings.HeldCodes()
	if err != nil {
		e.log.Warn().Err(err).Msg("holdings unavailable; sell precedence disabled")
		held = map[string]bool{}
	}

	sentimentScore, haveSentiment := 0.0, false
	if e.sentiment != nil {
		sentimentScore, haveSentiment = e.sentiment.MarketSentiment(tradeDate)
	}

	emit(progress.Event("start", map[string]any{
		"total":  len(stocks),
		"cached": e.loader.CachedCodes(),
		"date":   tradeDate,
	}))

	start := shiftDate(tradeDate, -windowDays*2)

	var (
		batch     []domain.TradingSignal
		scanned   []string
		signalled = make(map[string]bool)
		generated int
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := e.repo.UpsertBatch(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for i := range stocks {
		stock := &stocks[i]
		select {
		case <-ctx.Done():
			return generated, ctx.Err()
		default:
		}

		emitProgress(emit, i+1, len(stocks), stock)

		bars, err := e.loader.DailyBars(ctx, stock.Code, start, tradeDate, true)
		if err != nil {
			e.log.Debug().Err(err).Str("code", stock.Code).Msg("bar load failed")
			continue
		}
		if len(bars) > windowDays {
			bars = bars[len(bars)-windowDays:]
		}
		if len(bars) < minBars {
			continue
		}
		scanned = append(scanned, stock.Code)

		sig := e.evaluateStock(stock, bars, strategies, held[stock.Code], tradeDate, sentimentScore, haveSentiment)
		if sig == nil {
			continue
		}

		batch = append(batch, *sig)
		signalled[stock.Code] = true
		generated++
		emit(progress.Event("signal", map[string]any{
			"code":        sig.Code,
			"name":        stock.Name,
			"action":      string(sig.Action),
			"alpha_score": sig.AlphaScore,
			"strategies":  sig.Strategies,
		}))

		if len(batch) >= commitBatch {
			if err := flush(); err != nil {
				return generated, fmt.Errorf("commit signal batch: %w", err)
			}
		}
	}

	if err := flush(); err != nil {
		return generated, fmt.Errorf("commit signal batch: %w", err)
	}

	stale := make([]string, 0, len(scanned))
	for _, code := range scanned {
		if !signalled[code] {
			stale = append(stale, code)
		}
	}
	removed, err := e.repo.DeleteStale(tradeDate, stale)
	if err != nil {
		e.log.Error().Err(err).Msg("stale signal GC failed")
	}

	emit(progress.Event("done", map[string]any{
		"generated": generated,
		"removed":   removed,
		"date":      tradeDate,
	}))
	e.log.Info().Str("date", tradeDate).Int("generated", generated).Int64("removed", removed).Msg("signal scan complete")
	return generated, nil
}

// evaluateStock runs every strategy on the last bar and decides the
// action. Returns nil for hold (no row is written).
func (e *Engine) evaluateStock(stock *domain.Stock, bars []domain.DailyBar, strategies []domain.Strategy, isHeld bool, tradeDate string, sentiment float64, haveSentiment bool) *domain.TradingSignal {
	last := len(bars) - 1

	var (
		buyStrategies  []string
		sellStrategies []string
	)
	for i := range strategies {
		s := &strategies[i]
		cfg := indicators.ConfigForStrategy(s)
		frame, err := indicators.Compute(bars, cfg)
		if err != nil {
			e.log.Debug().Err(err).Str("code", stock.Code).Str("strategy", s.Name).Msg("indicator compute failed")
			continue
		}

		if s.IsCombo() {
			if isHeld && strategy.ComboSellTriggered(frame, last, s.Combo) {
				sellStrategies = append(sellStrategies, s.Name)
			} else if votes := strategy.ComboVotes(frame, last, s.Combo); s.Combo.VoteThreshold > 0 && votes >= s.Combo.VoteThreshold {
				buyStrategies = append(buyStrategies, s.Name)
			}
			continue
		}

		if isHeld && strategy.SellTriggered(frame, last, s.SellConditions) {
			sellStrategies = append(sellStrategies, s.Name)
		} else if strategy.BuyTriggered(frame, last, s.BuyConditions) {
			buyStrategies = append(buyStrategies, s.Name)
		}
	}

	switch {
	case len(sellStrategies) > 0:
		return &domain.TradingSignal{
			Code:       stock.Code,
			TradeDate:  tradeDate,
			Action:     domain.ActionSell,
			Strategies: sellStrategies,
		}
	case len(buyStrategies) > 0:
		if haveSentiment && sentiment < bearishSentiment && len(buyStrategies) < bearishMinSupport {
			// Bearish tape, weak consensus: suppress the buy.
			return nil
		}
		sig := &domain.TradingSignal{
			Code:       stock.Code,
			TradeDate:  tradeDate,
			Action:     domain.ActionBuy,
			Strategies: buyStrategies,
		}
		e.scoreAlpha(sig, bars, len(buyStrategies), len(strategies))
		return sig
	default:
		return nil
	}
}

// scoreAlpha fills the Alpha decomposition: oversold (0-30), consensus
// (0-40), volume/price (0-30).
func (e *Engine) scoreAlpha(sig *domain.TradingSignal, bars []domain.DailyBar, triggered, total int) {
	cfg := indicators.NewConfig()
	cfg.Add("RSI", map[string]float64{"period": 14})
	cfg.Add("KDJ_K", map[string]float64{"period": 9})
	cfg.Add("MACD_HIST", nil)
	cfg.Add("VOL_MA", map[string]float64{"period": 5})
	cfg.Add("MA", map[string]float64{"period": 20})

	frame, err := indicators.Compute(bars, cfg)
	if err != nil {
		e.log.Debug().Err(err).Str("code", sig.Code).Msg("alpha indicators failed")
		return
	}
	last := len(bars) - 1

	var oversold float64
	if rsi, ok := frame.Value(indicators.ColumnKey("RSI", map[string]float64{"period": 14}), last); ok {
		oversold += math.Max(0, (30-rsi)/30*15)
	}
	if k, ok := frame.Value(indicators.ColumnKey("KDJ_K", map[string]float64{"period": 9}), last); ok {
		oversold += math.Max(0, (20-k)/20*10)
	}
	histCol := indicators.ColumnKey("MACD_HIST", nil)
	if last > 0 {
		h1, ok1 := frame.Value(histCol, last)
		h0, ok0 := frame.Value(histCol, last-1)
		if ok1 && ok0 && h1 > h0 {
			oversold += 5
		}
	}

	consensus := 0.0
	if total > 0 {
		consensus = float64(triggered) / float64(total) * 40
	}

	var volumePrice float64
	bar := &bars[last]
	if volMA, ok := frame.Value(indicators.ColumnKey("VOL_MA", map[string]float64{"period": 5}), last); ok && volMA > 0 {
		volumePrice += math.Min(15, math.Max(0, (bar.Volume/volMA-1)*10))
	}
	if ma20, ok := frame.Value(indicators.ColumnKey("MA", map[string]float64{"period": 20}), last); ok && ma20 > 0 {
		volumePrice += math.Min(15, math.Max(0, (ma20-bar.Close)/ma20*100*3))
	}

	sig.OversoldScore = round2(oversold)
	sig.ConsensusScore = round2(consensus)
	sig.VolumePriceScore = round2(volumePrice)
	sig.AlphaScore = round2(oversold + consensus + volumePrice)
}

// TodaySignals returns the signals for date, falling back to the latest
// populated date when that day has none. Returns the effective date.
func (e *Engine) TodaySignals(date string) ([]domain.TradingSignal, string, error) {
	sigs, err := e.repo.ForDate(date)
	if err != nil {
		return nil, "", err
	}
	if len(sigs) > 0 {
		return sigs, date, nil
	}

	latest, err := e.repo.LatestDate()
	if err != nil || latest == "" || latest == date {
		return sigs, date, err
	}
	sigs, err = e.repo.ForDate(latest)
	return sigs, latest, err
}

func emitProgress(emit func(string), current, total int, stock *domain.Stock) {
	pct := 0.0
	if total > 0 {
		pct = float64(current) / float64(total) * 100
	}
	emit(progress.Event("progress", map[string]any{
		"current": current,
		"total":   total,
		"pct":     round2(pct),
		"code":    stock.Code,
		"name":    stock.Name,
	}))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// shiftDate moves a YYYY-MM-DD date by n days.
func shiftDate(date string, days int) string {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return date
	}
	return t.AddDate(0, 0, days).Format("2006-01-02")
}
