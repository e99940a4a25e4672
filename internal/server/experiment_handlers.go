package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quantlab-cn/quantlab/internal/domain"
	"github.com/quantlab-cn/quantlab/internal/experiments"
	"github.com/quantlab-cn/quantlab/internal/progress"
)

// createExperimentRequest is the POST /api/experiments body.
type createExperimentRequest struct {
	Theme          string  `json:"theme"`
	SourceType     string  `json:"source_type"`
	SourceText     string  `json:"source_text"`
	StrategyCount  int     `json:"strategy_count"`
	InitialCapital float64 `json:"initial_capital"`
	MaxPositions   int     `json:"max_positions"`
	MaxPositionPct float64 `json:"max_position_pct"`
}

// handleCreateExperiment creates an experiment, starts its worker, and
// streams progress back over SSE.
func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req createExperimentRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Theme == "" {
		s.writeError(w, http.StatusBadRequest, "theme is required")
		return
	}
	if req.SourceType == "" {
		req.SourceType = string(domain.SourceTemplate)
	}
	if req.StrategyCount <= 0 {
		req.StrategyCount = 5
	}
	if req.InitialCapital <= 0 {
		req.InitialCapital = s.deps.Config.RiskControl.InitialCapital
	}
	if req.MaxPositions <= 0 {
		req.MaxPositions = s.deps.Config.RiskControl.MaxPositions
	}
	if req.MaxPositionPct <= 0 {
		req.MaxPositionPct = s.deps.Config.RiskControl.MaxPositionPct
	}

	exp := &domain.Experiment{
		Theme:          req.Theme,
		SourceType:     domain.ExperimentSourceType(req.SourceType),
		SourceText:     req.SourceText,
		Status:         domain.ExperimentPending,
		InitialCapital: req.InitialCapital,
		MaxPositions:   req.MaxPositions,
		MaxPositionPct: req.MaxPositionPct,
		StrategyCount:  req.StrategyCount,
	}
	id, err := s.deps.ExpRepo.CreateExperiment(exp)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	bus, err := s.deps.Runner.Start(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.streamBus(w, r, bus, 0)
}

// handleExperimentStream replays a running (or recently finished)
// experiment's progress from an optional ?offset.
func (s *Server) handleExperimentStream(w http.ResponseWriter, r *http.Request) {
	id, ok := s.experimentID(w, r)
	if !ok {
		return
	}

	bus := s.deps.Runner.Progress(id)
	if bus == nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no active stream for experiment %d", id))
		return
	}

	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			offset = n
		}
	}
	s.streamBus(w, r, bus, offset)
}

// handleRetryExperiment resumes an experiment's unfinished candidates and
// streams progress.
func (s *Server) handleRetryExperiment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.experimentID(w, r)
	if !ok {
		return
	}

	bus, err := s.deps.Runner.Resume(id)
	if err != nil {
		if errors.Is(err, experiments.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.streamBus(w, r, bus, 0)
}

// handleRetryPending resumes every experiment with unfinished work and
// streams one status event per resumption. The workers keep running after
// the stream closes.
func (s *Server) handleRetryPending(w http.ResponseWriter, r *http.Request) {
	ids, err := s.deps.ExpRepo.RetryableExperiments()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	bus := progress.NewBus()
	go func() {
		defer bus.Finish()
		for _, id := range ids {
			if _, err := s.deps.Runner.Resume(id); err != nil {
				bus.Publish(experiments.Event(experiments.EvError,
					map[string]any{"experiment_id": id, "message": err.Error()}))
				continue
			}
			bus.Publish(experiments.Event(experiments.EvExperimentStatus,
				map[string]any{"experiment_id": id, "status": "resumed"}))
		}
		bus.Publish(experiments.Event(experiments.EvInfo,
			map[string]any{"message": fmt.Sprintf("%d experiments resumed", len(ids))}))
	}()
	s.streamBus(w, r, bus, 0)
}

// handleListExperiments lists recent experiments.
func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	exps, err := s.deps.ExpRepo.ListExperiments(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"experiments": exps})
}

// handleGetExperiment returns one experiment with its candidates.
func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.experimentID(w, r)
	if !ok {
		return
	}

	exp, err := s.deps.ExpRepo.GetExperiment(id)
	if err != nil {
		if errors.Is(err, experiments.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	candidates, err := s.deps.ExpRepo.CandidatesByExperiment(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"experiment": exp,
		"strategies": candidates,
		"running":    s.deps.Runner.IsRunning(id),
	})
}

// handleDeleteExperiment removes an experiment unless its worker is live.
func (s *Server) handleDeleteExperiment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.experimentID(w, r)
	if !ok {
		return
	}

	if s.deps.Runner.IsRunning(id) {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("experiment %d is running", id))
		return
	}
	if err := s.deps.ExpRepo.DeleteExperiment(id); err != nil {
		if errors.Is(err, experiments.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// promoteRequest optionally overrides the promoted strategy's metadata.
type promoteRequest struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Enabled  bool   `json:"enabled"`
}

// handlePromoteCandidate turns a finished candidate into a formal
// strategy.
func (s *Server) handlePromoteCandidate(w http.ResponseWriter, r *http.Request) {
	expID, ok := s.experimentID(w, r)
	if !ok {
		return
	}
	candID, err := strconv.ParseInt(chi.URLParam(r, "sid"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid strategy id")
		return
	}

	var req promoteRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	c, err := s.deps.ExpRepo.GetCandidate(candID)
	if err != nil {
		if errors.Is(err, experiments.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if c.ExperimentID != expID {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("candidate %d does not belong to experiment %d", candID, expID))
		return
	}
	if c.Status != domain.CandidateDone {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("candidate %d is %s, only done candidates can be promoted", candID, c.Status))
		return
	}

	name := req.Name
	if name == "" {
		name = c.Name
	}
	formal := &domain.Strategy{
		Name:               name,
		Description:        c.Description,
		BuyConditions:      c.BuyConditions,
		SellConditions:     c.SellConditions,
		ExitConfig:         c.ExitConfig,
		Combo:              c.Combo,
		Category:           req.Category,
		Enabled:            req.Enabled,
		SourceExperimentID: &expID,
	}
	summary := map[string]any{
		"score":            c.Score,
		"total_trades":     c.TotalTrades,
		"win_rate":         c.WinRate,
		"total_return_pct": c.TotalReturnPct,
		"max_drawdown_pct": c.MaxDrawdownPct,
		"avg_hold_days":    c.AvgHoldDays,
		"avg_pnl_pct":      c.AvgPnlPct,
		"backtest_run_id":  c.BacktestRunID,
	}

	strategyID, err := s.deps.Strategies.Create(formal, summary)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.deps.ExpRepo.MarkPromoted(candID, strategyID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"strategy_id": strategyID})
}

// experimentID parses the {id} route parameter.
func (s *Server) experimentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid experiment id")
		return 0, false
	}
	return id, true
}
