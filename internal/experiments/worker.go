package experiments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantlab-cn/quantlab/internal/backtest"
	"github.com/quantlab-cn/quantlab/internal/domain"
	"github.com/quantlab-cn/quantlab/internal/strategy"
)

// runWorker executes the full experiment pipeline on one goroutine:
// generate, validate, load data, backtest each candidate, finish.
// Per-candidate failures never kill the worker.
func (r *Runner) runWorker(h *handle, resume bool) {
	bus := h.bus
	log := r.log.With().Int64("experiment_id", h.experimentID).Logger()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("experiment worker crashed")
			if err := r.repo.FailExperimentIfActive(h.experimentID); err != nil {
				log.Error().Err(err).Msg("mark crashed experiment failed")
			}
			bus.Publish(Event(EvError, map[string]any{"message": fmt.Sprintf("worker crashed: %v", rec)}))
		}
		bus.Finish()
	}()

	exp, err := r.repo.GetExperiment(h.experimentID)
	if err != nil {
		bus.Publish(Event(EvError, map[string]any{"message": fmt.Sprintf("load experiment: %v", err)}))
		return
	}

	var work []domain.ExperimentStrategy
	if resume {
		bus.Publish(Event(EvResumeStart, map[string]any{"experiment_id": exp.ID, "theme": exp.Theme}))
		work, err = r.resumableCandidates(exp.ID)
		if err != nil {
			bus.Publish(Event(EvError, map[string]any{"message": fmt.Sprintf("load candidates: %v", err)}))
			return
		}
		if len(work) == 0 {
			bus.Publish(Event(EvInfo, map[string]any{"message": "nothing to resume"}))
			return
		}
	} else {
		work, err = r.generatePhase(exp, bus)
		if err != nil {
			log.Error().Err(err).Msg("generation phase failed")
			if uerr := r.repo.UpdateExperimentStatus(exp.ID, domain.ExperimentFailed); uerr != nil {
				log.Error().Err(uerr).Msg("mark experiment failed")
			}
			bus.Publish(Event(EvError, map[string]any{"message": err.Error()}))
			return
		}
	}

	// The watchdog may have terminated this experiment while generation
	// was in flight; its failed verdict must survive the worker.
	if bus.Finished() {
		log.Warn().Msg("experiment terminated during generation; abandoning worker")
		return
	}

	env, err := r.loadDataPhase(exp, bus)
	if err != nil {
		log.Error().Err(err).Msg("data phase failed")
		if uerr := r.repo.UpdateExperimentStatus(exp.ID, domain.ExperimentFailed); uerr != nil {
			log.Error().Err(uerr).Msg("mark experiment failed")
		}
		bus.Publish(Event(EvError, map[string]any{"message": err.Error()}))
		return
	}

	for i := range work {
		if bus.Finished() {
			log.Warn().Msg("experiment terminated; abandoning remaining candidates")
			return
		}
		r.backtestCandidate(exp, &work[i], env, bus)
	}

	if bus.Finished() {
		return
	}
	if err := r.repo.CompleteExperimentIfActive(exp.ID); err != nil {
		log.Error().Err(err).Msg("mark experiment done")
	}

	done := map[string]any{
		"experiment_id":        exp.ID,
		"benchmark_return_pct": env.benchmarkReturnPct,
	}
	if best, err := r.repo.BestCandidate(exp.ID); err == nil && best != nil {
		done["best_strategy"] = best.Name
		done["best_score"] = best.Score
		done["best_return_pct"] = best.TotalReturnPct
	}
	bus.Publish(Event(EvExperimentDone, done))
	log.Info().Msg("experiment finished")
}

// generatePhase runs phases 1 and 2: one LLM call, then validation and
// persistence of every candidate.
func (r *Runner) generatePhase(exp *domain.Experiment, bus publisher) ([]domain.ExperimentStrategy, error) {
	if err := r.repo.UpdateExperimentStatus(exp.ID, domain.ExperimentGenerating); err != nil {
		return nil, fmt.Errorf("mark generating: %w", err)
	}
	bus.Publish(Event(EvGenerating, map[string]any{"theme": exp.Theme, "count": exp.StrategyCount}))

	candidates, err := r.gen.GenerateStrategies(context.Background(), exp.Theme, exp.SourceText, exp.StrategyCount)
	if err != nil {
		return nil, fmt.Errorf("strategy generation: %w", err)
	}
	if len(candidates) == 0 {
		return nil, errors.New("strategy generation returned no candidates")
	}

	work := make([]domain.ExperimentStrategy, 0, len(candidates))
	summary := make([]map[string]any, 0, len(candidates))
	for i := range candidates {
		sanitized := strategy.Sanitize(&candidates[i])

		es := domain.ExperimentStrategy{
			ExperimentID:   exp.ID,
			Name:           sanitized.Name,
			Description:    sanitized.Description,
			BuyConditions:  sanitized.BuyConditions,
			SellConditions: sanitized.SellConditions,
			ExitConfig:     sanitized.ExitConfig,
			Status:         domain.CandidatePending,
		}
		if !sanitized.Valid() {
			es.Status = domain.CandidateFailed
			es.ErrorMessage = "no valid conditions: " + sanitized.ErrorMessage()
		} else if msg := sanitized.ErrorMessage(); msg != "" {
			es.ErrorMessage = msg
		}

		id, err := r.repo.InsertCandidate(&es)
		if err != nil {
			return nil, fmt.Errorf("persist candidate %q: %w", es.Name, err)
		}
		es.ID = id
		work = append(work, es)
		summary = append(summary, map[string]any{
			"id":     id,
			"name":   es.Name,
			"status": string(es.Status),
		})
	}

	bus.Publish(Event(EvStrategiesReady, map[string]any{"strategies": summary}))
	return work, nil
}

// backtestEnv is the shared per-experiment simulation input.
type backtestEnv struct {
	bars               map[string][]domain.DailyBar
	regimeByDate       map[string]domain.Regime
	benchmarkReturnPct float64
}

// loadDataPhase runs phase 3: gap repair over a rolling window, universe
// load, and regime labelling.
func (r *Runner) loadDataPhase(exp *domain.Experiment, bus publisher) (*backtestEnv, error) {
	if err := r.repo.UpdateExperimentStatus(exp.ID, domain.ExperimentBacktesting); err != nil {
		return nil, fmt.Errorf("mark backtesting: %w", err)
	}

	end := time.Now().Format("2006-01-02")
	start := time.Now().AddDate(-backtestWindowYears, 0, 0).Format("2006-01-02")

	bus.Publish(Event(EvDataIntegrity, map[string]any{"start": start, "end": end}))
	repaired, err := r.data.RepairDailyGaps(context.Background(), start, end, func(done, total int) {
		bus.Publish(Event(EvDataIntegrity, map[string]any{"done": done, "total": total}))
	})
	if err != nil {
		// Degraded data is survivable; the universe filter below decides
		// whether enough remains.
		bus.Publish(Event(EvDataIntegrityWarning, map[string]any{"message": err.Error()}))
	} else {
		bus.Publish(Event(EvDataIntegrityDone, map[string]any{"repaired_dates": repaired}))
	}

	bus.Publish(Event(EvLoadingData, map[string]any{"min_bars": minUniverseBars}))
	bars, err := r.data.UniverseBars(start, end, minUniverseBars)
	if err != nil {
		return nil, fmt.Errorf("load universe: %w", err)
	}
	if len(bars) == 0 {
		return nil, errors.New("no stocks with sufficient history in window")
	}
	bus.Publish(Event(EvDataLoaded, map[string]any{"stocks": len(bars)}))

	env := &backtestEnv{bars: bars}

	bus.Publish(Event(EvComputingRegimes, nil))
	if _, err := r.regimes.EnsureLabels(start, end); err != nil {
		bus.Publish(Event(EvRegimeWarning, map[string]any{"message": err.Error()}))
	} else if env.regimeByDate, err = r.regimes.LabelMap(start, end); err != nil {
		bus.Publish(Event(EvRegimeWarning, map[string]any{"message": err.Error()}))
		env.regimeByDate = nil
	}
	if ret, err := r.regimes.BenchmarkReturnPct(start, end); err == nil {
		env.benchmarkReturnPct = ret
	}

	return env, nil
}

// backtestCandidate runs phase 4 for one candidate: reachability check,
// semaphore-guarded engine run under a deadline, result persistence.
func (r *Runner) backtestCandidate(exp *domain.Experiment, c *domain.ExperimentStrategy, env *backtestEnv, bus publisher) {
	log := r.log.With().Int64("experiment_id", exp.ID).Str("strategy", c.Name).Logger()

	// Re-read the persisted status: the watchdog may have invalidated
	// this row since the worker loaded its copy.
	if cur, err := r.repo.GetCandidate(c.ID); err == nil {
		c.Status = cur.Status
	}
	if c.Status.Terminal(len(c.BuyConditions) > 0) {
		return
	}

	if reachable, reason := strategy.CheckReachable(c.BuyConditions); !reachable {
		msg := "unreachable buy conditions: " + reason
		if err := r.repo.SetCandidateStatus(c.ID, domain.CandidateInvalid, msg); err != nil {
			log.Error().Err(err).Msg("mark unreachable candidate invalid")
		}
		bus.Publish(Event(EvBacktestSkip, map[string]any{"strategy": c.Name, "reason": msg}))
		return
	}

	bus.Publish(Event(EvBacktestStart, map[string]any{"strategy": c.Name}))
	if err := r.repo.SetCandidateStatus(c.ID, domain.CandidateBacktesting, ""); err != nil {
		log.Error().Err(err).Msg("mark candidate backtesting")
	}

	strat := candidateStrategy(c)

	release := r.acquirePermit()
	cancel := make(chan struct{})
	timer := time.AfterFunc(backtestBudget(strat.IsCombo()), func() { close(cancel) })

	engine := backtest.NewEngine(log)
	res, err := engine.Run(cancel, strat, env.bars, env.regimeByDate, backtest.Options{
		InitialCapital: exp.InitialCapital,
		MaxPositions:   exp.MaxPositions,
		MaxPositionPct: exp.MaxPositionPct,
	})
	timer.Stop()
	release()

	switch {
	case err == nil:
		r.persistResult(c, res, bus, log)
	case errors.Is(err, backtest.ErrTimeout), backtest.IsSignalExplosion(err):
		if serr := r.repo.SetCandidateStatus(c.ID, domain.CandidateInvalid, err.Error()); serr != nil {
			log.Error().Err(serr).Msg("mark candidate invalid")
		}
		bus.Publish(Event(EvBacktestError, map[string]any{"strategy": c.Name, "error": err.Error()}))
	default:
		log.Error().Err(err).Msg("backtest failed")
		if serr := r.repo.SetCandidateStatus(c.ID, domain.CandidateFailed, err.Error()); serr != nil {
			log.Error().Err(serr).Msg("mark candidate failed")
		}
		bus.Publish(Event(EvBacktestError, map[string]any{"strategy": c.Name, "error": err.Error()}))
	}
}

// persistResult stores the run, the trades, and the candidate metrics.
// Zero-trade runs are valid simulations of an invalid strategy.
func (r *Runner) persistResult(c *domain.ExperimentStrategy, res *backtest.Result, bus publisher, log zerolog.Logger) {
	runID := uuid.NewString()
	if err := r.repo.SaveBacktestRun(runID, c.Name, nil, res); err != nil {
		log.Error().Err(err).Msg("persist backtest run")
		if serr := r.repo.SetCandidateStatus(c.ID, domain.CandidateFailed, "persist run: "+err.Error()); serr != nil {
			log.Error().Err(serr).Msg("mark candidate failed")
		}
		bus.Publish(Event(EvBacktestError, map[string]any{"strategy": c.Name, "error": err.Error()}))
		return
	}

	m := res.Metrics
	c.BacktestRunID = runID
	c.TotalTrades = m.TotalTrades
	c.WinRate = m.WinRate
	c.TotalReturnPct = m.TotalReturnPct
	c.MaxDrawdownPct = m.MaxDrawdownPct
	c.AvgHoldDays = m.AvgHoldDays
	c.AvgPnlPct = m.AvgPnlPct
	c.RegimeStats = res.RegimeStats
	c.ErrorMessage = ""

	if m.TotalTrades > 0 {
		c.Status = domain.CandidateDone
		c.Score = backtest.Score(m, r.weights)
	} else {
		c.Status = domain.CandidateInvalid
		c.Score = 0
		c.ErrorMessage = "no trades in window"
	}

	if err := r.repo.SaveCandidateResult(c); err != nil {
		log.Error().Err(err).Msg("persist candidate result")
		bus.Publish(Event(EvBacktestError, map[string]any{"strategy": c.Name, "error": err.Error()}))
		return
	}

	bus.Publish(Event(EvBacktestDone, map[string]any{
		"strategy":         c.Name,
		"status":           string(c.Status),
		"run_id":           runID,
		"score":            c.Score,
		"total_trades":     m.TotalTrades,
		"win_rate":         m.WinRate,
		"total_return_pct": m.TotalReturnPct,
		"max_drawdown_pct": m.MaxDrawdownPct,
	}))
}

// resumableCandidates returns the candidates a resume worker should
// process: pending, backtesting, or retryable failed.
func (r *Runner) resumableCandidates(expID int64) ([]domain.ExperimentStrategy, error) {
	all, err := r.repo.CandidatesByExperiment(expID)
	if err != nil {
		return nil, err
	}
	work := make([]domain.ExperimentStrategy, 0, len(all))
	for i := range all {
		if !all[i].Status.Terminal(len(all[i].BuyConditions) > 0) {
			work = append(work, all[i])
		}
	}
	return work, nil
}

// candidateStrategy adapts a candidate row into an executable strategy.
func candidateStrategy(c *domain.ExperimentStrategy) *domain.Strategy {
	return &domain.Strategy{
		Name:           c.Name,
		Description:    c.Description,
		BuyConditions:  c.BuyConditions,
		SellConditions: c.SellConditions,
		ExitConfig:     c.ExitConfig,
		Combo:          c.Combo,
	}
}

// publisher is the slice of the progress bus the worker needs; tests
// substitute a recorder.
type publisher interface {
	Publish(event string)
}
