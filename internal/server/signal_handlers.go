package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/quantlab-cn/quantlab/internal/domain"
	"github.com/quantlab-cn/quantlab/internal/progress"
	"github.com/quantlab-cn/quantlab/internal/strategy"
)

// handleTodaySignals returns the signal table for a date (default: the
// latest date with any signals).
func (s *Server) handleTodaySignals(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	sigs, effective, err := s.deps.Signals.TodaySignals(date)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"trade_date": effective,
		"signals":    sigs,
	})
}

// generateSignalsRequest is the POST /api/signals/generate-stream body.
type generateSignalsRequest struct {
	Date        string  `json:"date"`
	StrategyIDs []int64 `json:"strategy_ids"`
}

// handleGenerateSignalsStream runs the signal engine and streams its
// progress over SSE. Generation keeps going if the client disconnects.
func (s *Server) handleGenerateSignalsStream(w http.ResponseWriter, r *http.Request) {
	var req generateSignalsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Date == "" {
		req.Date = time.Now().Format("2006-01-02")
	}

	strategies, err := s.selectedStrategies(req.StrategyIDs)
	if err != nil {
		if errors.Is(err, strategy.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(strategies) == 0 {
		s.writeError(w, http.StatusBadRequest, "no enabled strategies to evaluate")
		return
	}

	bus := progress.NewBus()
	go func() {
		defer bus.Finish()
		if _, err := s.deps.Signals.Generate(context.Background(), req.Date, strategies, bus.Publish); err != nil {
			bus.Publish(progress.Event("error", map[string]any{"message": err.Error()}))
		}
	}()
	s.streamBus(w, r, bus, 0)
}

// selectedStrategies resolves the requested ids, defaulting to every
// enabled strategy.
func (s *Server) selectedStrategies(ids []int64) ([]domain.Strategy, error) {
	if len(ids) == 0 {
		return s.deps.Strategies.Enabled()
	}
	out := make([]domain.Strategy, 0, len(ids))
	for _, id := range ids {
		strat, err := s.deps.Strategies.ByID(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *strat)
	}
	return out, nil
}
