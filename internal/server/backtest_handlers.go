package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/quantlab-cn/quantlab/internal/backtest"
	"github.com/quantlab-cn/quantlab/internal/domain"
	"github.com/quantlab-cn/quantlab/internal/progress"
	"github.com/quantlab-cn/quantlab/internal/strategy"
)

// adHocBacktestBudget caps a single API-triggered backtest.
const adHocBacktestBudget = 600 * time.Second

// backtestRequest is the POST /api/backtest/run body.
type backtestRequest struct {
	StrategyID     int64   `json:"strategy_id"`
	Start          string  `json:"start"`
	End            string  `json:"end"`
	InitialCapital float64 `json:"initial_capital"`
	MaxPositions   int     `json:"max_positions"`
	MaxPositionPct float64 `json:"max_position_pct"`
}

// handleBacktestRun backtests one formal strategy over a window and
// streams progress plus the final metrics over SSE.
func (s *Server) handleBacktestRun(w http.ResponseWriter, r *http.Request) {
	var req backtestRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.StrategyID == 0 {
		s.writeError(w, http.StatusBadRequest, "strategy_id is required")
		return
	}
	if req.End == "" {
		req.End = time.Now().Format("2006-01-02")
	}
	if req.Start == "" {
		if t, err := time.Parse("2006-01-02", req.End); err == nil {
			req.Start = t.AddDate(-3, 0, 0).Format("2006-01-02")
		}
	}

	strat, err := s.deps.Strategies.ByID(req.StrategyID)
	if err != nil {
		if errors.Is(err, strategy.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	opts := backtest.Options{
		InitialCapital: req.InitialCapital,
		MaxPositions:   req.MaxPositions,
		MaxPositionPct: req.MaxPositionPct,
	}
	if opts.InitialCapital <= 0 {
		opts.InitialCapital = s.deps.Config.RiskControl.InitialCapital
	}
	if opts.MaxPositions <= 0 {
		opts.MaxPositions = s.deps.Config.RiskControl.MaxPositions
	}
	if opts.MaxPositionPct <= 0 {
		opts.MaxPositionPct = s.deps.Config.RiskControl.MaxPositionPct
	}

	bus := progress.NewBus()
	go s.runAdHocBacktest(bus, strat, req.Start, req.End, opts)
	s.streamBus(w, r, bus, 0)
}

func (s *Server) runAdHocBacktest(bus *progress.Bus, strat *domain.Strategy, start, end string, opts backtest.Options) {
	defer bus.Finish()

	bus.Publish(progress.Event("start", map[string]any{
		"strategy": strat.Name, "start": start, "end": end,
	}))

	bars, err := s.deps.Collector.UniverseBars(start, end, 60)
	if err != nil {
		bus.Publish(progress.Event("error", map[string]any{"message": "load universe: " + err.Error()}))
		return
	}
	bus.Publish(progress.Event("data_loaded", map[string]any{"stocks": len(bars)}))

	regimeByDate := map[string]domain.Regime{}
	if _, err := s.deps.Regimes.EnsureLabels(start, end); err == nil {
		if m, err := s.deps.Regimes.LabelMap(start, end); err == nil {
			regimeByDate = m
		}
	}

	cancel := make(chan struct{})
	timer := time.AfterFunc(adHocBacktestBudget, func() { close(cancel) })
	res, err := s.deps.Engine.Run(cancel, strat, bars, regimeByDate, opts)
	timer.Stop()
	if err != nil {
		bus.Publish(progress.Event("error", map[string]any{"message": err.Error()}))
		return
	}

	runID := uuid.NewString()
	if err := s.deps.ExpRepo.SaveBacktestRun(runID, strat.Name, &strat.ID, res); err != nil {
		s.log.Error().Err(err).Str("run_id", runID).Msg("persist ad-hoc backtest run")
	}

	bus.Publish(progress.Event("done", map[string]any{
		"run_id":            runID,
		"metrics":           res.Metrics,
		"sell_reason_stats": res.SellReasonStats,
		"regime_stats":      res.RegimeStats,
		"final_equity":      res.FinalEquity,
	}))
}
