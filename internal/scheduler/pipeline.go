// Package scheduler drives the daily operational pipeline: plan
// execution, data repair, price sync, signal generation, and the AI
// daily report. The sequence is idempotent and restart-safe; each step
// is isolated so one failure never blocks the rest.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/quantlab-cn/quantlab/internal/collector"
	"github.com/quantlab-cn/quantlab/internal/config"
	"github.com/quantlab-cn/quantlab/internal/domain"
	"github.com/quantlab-cn/quantlab/internal/plans"
	"github.com/quantlab-cn/quantlab/internal/regime"
	"github.com/quantlab-cn/quantlab/internal/signals"
	"github.com/quantlab-cn/quantlab/internal/strategy"
)

// fallbackTopN strategies are used when the AI family selector fails.
const fallbackTopN = 10

// minSyncBars limits the price-sync universe to stocks with real history.
const minSyncBars = 60

// Analyst is the LLM slice the pipeline needs.
type Analyst interface {
	DailyAnalysis(ctx context.Context, date, marketContext string) (*domain.AIReport, error)
	SelectFamilies(ctx context.Context, statsTable string) ([]string, error)
	Enabled() bool
}

// Pipeline owns the daily sequence and its 30-second trigger daemon.
type Pipeline struct {
	cfg        *config.Config
	collector  *collector.Collector
	plans      *plans.Service
	signals    *signals.Engine
	strategies *strategy.Repository
	regimes    *regime.Service
	analyst    Analyst
	state      *StateRepository
	reports    *ReportsRepository
	log        zerolog.Logger

	cron     *cron.Cron
	inFlight atomic.Bool
}

// New wires the daily pipeline.
func New(cfg *config.Config, col *collector.Collector, planSvc *plans.Service, sigEngine *signals.Engine,
	strategies *strategy.Repository, regimes *regime.Service, analyst Analyst,
	state *StateRepository, reports *ReportsRepository, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		collector:  col,
		plans:      planSvc,
		signals:    sigEngine,
		strategies: strategies,
		regimes:    regimes,
		analyst:    analyst,
		state:      state,
		reports:    reports,
		log:        log.With().Str("component", "pipeline").Logger(),
	}
}

// Start launches the trigger daemon: a 30-second probe that fires the
// pipeline once per day after the configured refresh time.
func (p *Pipeline) Start() {
	p.cron = cron.New()
	p.cron.AddFunc("@every 30s", p.tick)
	p.cron.Start()
	p.log.Info().
		Int("hour", p.cfg.Signals.AutoRefreshHour).
		Int("minute", p.cfg.Signals.AutoRefreshMinute).
		Msg("pipeline daemon started")
}

// Stop halts the trigger daemon; an in-flight run finishes on its own.
func (p *Pipeline) Stop() {
	if p.cron != nil {
		p.cron.Stop()
	}
}

// tick fires the pipeline when the clock has passed today's target, the
// pipeline has not yet run today, and no run is in flight.
func (p *Pipeline) tick() {
	now := time.Now()
	target := time.Date(now.Year(), now.Month(), now.Day(),
		p.cfg.Signals.AutoRefreshHour, p.cfg.Signals.AutoRefreshMinute, 0, 0, now.Location())
	if now.Before(target) {
		return
	}

	today := now.Format("2006-01-02")
	lastRun, err := p.state.Get(lastRunKey)
	if err != nil {
		p.log.Error().Err(err).Msg("read last run date")
		return
	}
	if lastRun == today {
		return
	}

	if err := p.Trigger(context.Background(), today); err != nil {
		p.log.Error().Err(err).Msg("scheduled pipeline run failed")
	}
}

// Trigger runs the pipeline for tradeDate immediately, bypassing the
// clock check but still refusing to overlap an in-flight run.
func (p *Pipeline) Trigger(ctx context.Context, tradeDate string) error {
	if !p.inFlight.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already running")
	}
	defer p.inFlight.Store(false)

	p.run(ctx, tradeDate)
	return nil
}

// Running reports whether a pipeline run is in flight.
func (p *Pipeline) Running() bool {
	return p.inFlight.Load()
}

// run executes the seven-step sequence. Step 1 always runs; steps 3-5
// only on trading days; step 6 always.
func (p *Pipeline) run(ctx context.Context, tradeDate string) {
	started := time.Now()
	p.log.Info().Str("trade_date", tradeDate).Msg("pipeline run started")

	// Step 1: plan execution fires even on closed days so missed-day
	// expiry can trigger.
	if executed, expired, err := p.plans.ExecutePending(ctx, tradeDate); err != nil {
		p.log.Error().Err(err).Msg("step 1: execute pending plans")
	} else {
		p.log.Info().Int("executed", executed).Int("expired", expired).Msg("step 1: plans processed")
	}

	// Step 2: trading-day probe.
	isTrading, err := p.collector.IsTradingDay(ctx, tradeDate)
	if err != nil {
		p.log.Error().Err(err).Msg("step 2: trading-day probe")
		isTrading = false
	}

	if isTrading {
		// Step 3: repair today's gaps.
		if repaired, err := p.collector.RepairDailyGaps(ctx, tradeDate, tradeDate, nil); err != nil {
			p.log.Error().Err(err).Msg("step 3: gap repair")
		} else if repaired > 0 {
			p.log.Info().Int("repaired", repaired).Msg("step 3: gaps repaired")
		}

		// Step 4: sync today's bars.
		if synced, err := p.collector.SyncDaily(ctx, tradeDate, minSyncBars); err != nil {
			p.log.Error().Err(err).Msg("step 4: price sync")
		} else {
			p.log.Info().Int("synced", synced).Msg("step 4: prices synced")
		}

		// Step 5: signal generation with the selected strategy subset.
		if err := p.generateSignals(ctx, tradeDate); err != nil {
			p.log.Error().Err(err).Msg("step 5: signal generation")
		}
	} else {
		p.log.Info().Str("trade_date", tradeDate).Msg("not a trading day; steps 3-5 skipped")
	}

	// Step 6: the daily report always runs.
	if err := p.dailyAnalysis(ctx, tradeDate); err != nil {
		p.log.Error().Err(err).Msg("step 6: AI daily analysis")
	}

	// Step 7: mark the day done.
	if err := p.state.Set(lastRunKey, tradeDate); err != nil {
		p.log.Error().Err(err).Msg("step 7: persist last run date")
	}

	p.log.Info().Dur("elapsed", time.Since(started)).Msg("pipeline run finished")
}

// generateSignals picks the strategy subset (AI selector with top-N
// fallback) and runs the signal engine.
func (p *Pipeline) generateSignals(ctx context.Context, tradeDate string) error {
	selected := p.selectStrategies(ctx)
	if len(selected) == 0 {
		return fmt.Errorf("no enabled strategies to evaluate")
	}

	n, err := p.signals.Generate(ctx, tradeDate, selected, nil)
	if err != nil {
		return err
	}
	p.log.Info().Int("signals", n).Int("strategies", len(selected)).Msg("step 5: signals generated")
	return nil
}

// selectStrategies asks the AI family selector, falling back to the
// top-scored strategies on any failure or empty pick.
func (p *Pipeline) selectStrategies(ctx context.Context) []domain.Strategy {
	if p.analyst != nil && p.analyst.Enabled() {
		if table, err := p.familyTable(); err == nil && table != "" {
			families, err := p.analyst.SelectFamilies(ctx, table)
			if err == nil && len(families) > 0 {
				if selected, err := p.strategies.EnabledByFamilies(families); err == nil && len(selected) > 0 {
					return selected
				}
			}
			if err != nil {
				p.log.Warn().Err(err).Msg("family selector failed; falling back to top-N")
			}
		}
	}

	selected, err := p.strategies.TopByScore(fallbackTopN)
	if err != nil {
		p.log.Error().Err(err).Msg("top-N fallback failed")
		return nil
	}
	return selected
}

// familyTable renders the per-category statistics for the selector.
func (p *Pipeline) familyTable() (string, error) {
	stats, err := p.strategies.FamilyStatsTable()
	if err != nil || len(stats) == 0 {
		return "", err
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// dailyAnalysis produces and persists the report, then materializes
// next-day trade plans from its recommendations.
func (p *Pipeline) dailyAnalysis(ctx context.Context, tradeDate string) error {
	if p.analyst == nil || !p.analyst.Enabled() {
		return fmt.Errorf("analyst not configured")
	}

	report, err := p.analyst.DailyAnalysis(ctx, tradeDate, p.marketContext(tradeDate))
	if err != nil {
		return fmt.Errorf("daily analysis: %w", err)
	}
	if err := p.reports.Save(report); err != nil {
		return err
	}

	created, err := p.plans.CreateFromRecommendations(ctx, report.Recommendations, tradeDate)
	if err != nil {
		return fmt.Errorf("materialize plans: %w", err)
	}
	p.log.Info().Int("recommendations", len(report.Recommendations)).Int("plans", created).
		Msg("step 6: report saved and plans created")
	return nil
}

// marketContext assembles the analyst input: regime summary plus today's
// strongest signals.
func (p *Pipeline) marketContext(tradeDate string) string {
	ctx := map[string]any{"trade_date": tradeDate}

	if summary, err := p.regimes.Summarize(shiftDate(tradeDate, -180), tradeDate); err == nil {
		ctx["regime_summary"] = summary
	}
	if sigs, _, err := p.signals.TodaySignals(tradeDate); err == nil {
		if len(sigs) > 20 {
			sigs = sigs[:20]
		}
		ctx["signals"] = sigs
	}

	data, err := json.Marshal(ctx)
	if err != nil {
		return fmt.Sprintf(`{"trade_date":%q}`, tradeDate)
	}
	return string(data)
}

// shiftDate moves a YYYY-MM-DD date by n days.
func shiftDate(date string, days int) string {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return date
	}
	return t.AddDate(0, 0, days).Format("2006-01-02")
}
