// Package experiments owns the lifecycle of strategy-search experiments:
// background workers, multi-consumer progress streaming, a hard watchdog
// timeout, and resume-from-crash.
package experiments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantlab-cn/quantlab/internal/backtest"
	"github.com/quantlab-cn/quantlab/internal/domain"
	"github.com/quantlab-cn/quantlab/internal/progress"
)

const (
	// backtestPermits bounds concurrently running engines across all
	// experiments.
	backtestPermits = 3

	// Per-strategy wall clock budgets. Combos evaluate every member's
	// condition tree, so they get more headroom.
	regularBacktestBudget = 600 * time.Second
	comboBacktestBudget   = 900 * time.Second

	watchdogInterval = 60 * time.Second
	watchdogBudget   = 3600 * time.Second

	// Finished progress handles stay resolvable this long so late
	// subscribers can still replay the history.
	handleRetention = 5 * time.Minute

	backtestWindowYears = 3
	minUniverseBars     = 60
)

// StrategyGenerator produces candidate strategies for a theme. Satisfied
// by the llm client.
type StrategyGenerator interface {
	GenerateStrategies(ctx context.Context, theme, sourceText string, count int) ([]domain.Candidate, error)
}

// MarketData is the slice of the collector the runner needs.
type MarketData interface {
	RepairDailyGaps(ctx context.Context, start, end string, onProgress func(done, total int)) (int, error)
	UniverseBars(start, end string, minBars int) (map[string][]domain.DailyBar, error)
}

// RegimeService labels market weeks and exposes the benchmark return of
// a window.
type RegimeService interface {
	EnsureLabels(start, end string) (int, error)
	LabelMap(start, end string) (map[string]domain.Regime, error)
	BenchmarkReturnPct(start, end string) (float64, error)
}

// handle pairs one experiment's progress bus with its start time.
type handle struct {
	experimentID int64
	bus          *progress.Bus
	startedAt    time.Time
}

// Runner manages experiment workers. One instance per process.
type Runner struct {
	repo    *Repository
	gen     StrategyGenerator
	data    MarketData
	regimes RegimeService
	weights backtest.ScoreWeights
	log     zerolog.Logger

	mu     sync.Mutex
	active map[int64]*handle

	sem  chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewRunner wires an experiment runner. Call StartWatchdog once after
// construction and Close on shutdown.
func NewRunner(repo *Repository, gen StrategyGenerator, data MarketData, regimes RegimeService, weights backtest.ScoreWeights, log zerolog.Logger) *Runner {
	return &Runner{
		repo:    repo,
		gen:     gen,
		data:    data,
		regimes: regimes,
		weights: weights,
		log:     log.With().Str("component", "experiment_runner").Logger(),
		active:  make(map[int64]*handle),
		sem:     make(chan struct{}, backtestPermits),
		stop:    make(chan struct{}),
	}
}

// Start spawns a fresh worker for the experiment and returns its progress
// bus. Fails only when the experiment record is missing. If a worker is
// already live, its bus is returned instead of spawning a duplicate.
func (r *Runner) Start(expID int64) (*progress.Bus, error) {
	return r.launch(expID, false)
}

// Resume is idempotent: a live worker's bus is returned as-is; otherwise a
// resume worker is spawned that processes only unfinished candidates.
func (r *Runner) Resume(expID int64) (*progress.Bus, error) {
	return r.launch(expID, true)
}

func (r *Runner) launch(expID int64, resume bool) (*progress.Bus, error) {
	if _, err := r.repo.GetExperiment(expID); err != nil {
		return nil, fmt.Errorf("experiment %d: %w", expID, err)
	}

	r.mu.Lock()
	if h, ok := r.active[expID]; ok && !h.bus.Finished() {
		r.mu.Unlock()
		return h.bus, nil
	}
	h := &handle{experimentID: expID, bus: progress.NewBus(), startedAt: time.Now()}
	r.active[expID] = h
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runWorker(h, resume)
	}()
	return h.bus, nil
}

// Progress returns the experiment's bus while the worker is live or for a
// grace period after it finishes, else nil.
func (r *Runner) Progress(expID int64) *progress.Bus {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.active[expID]
	if !ok {
		return nil
	}
	if h.bus.Finished() && time.Since(h.bus.FinishedAt()) > handleRetention {
		delete(r.active, expID)
		return nil
	}
	return h.bus
}

// IsRunning reports whether a live worker exists for the experiment.
func (r *Runner) IsRunning(expID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.active[expID]
	return ok && !h.bus.Finished()
}

// StartWatchdog launches the background loop that kills runaway workers
// and evicts expired handles.
func (r *Runner) StartWatchdog() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(watchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.watchdogPass(time.Now())
			case <-r.stop:
				return
			}
		}
	}()
}

// watchdogPass terminates workers older than the budget and drops
// finished handles past retention.
func (r *Runner) watchdogPass(now time.Time) {
	r.mu.Lock()
	var expired []*handle
	for id, h := range r.active {
		if h.bus.Finished() {
			if now.Sub(h.bus.FinishedAt()) > handleRetention {
				delete(r.active, id)
			}
			continue
		}
		if now.Sub(h.startedAt) > watchdogBudget {
			expired = append(expired, h)
		}
	}
	r.mu.Unlock()

	for _, h := range expired {
		r.terminate(h, now)
	}
}

func (r *Runner) terminate(h *handle, now time.Time) {
	minutes := int(now.Sub(h.startedAt).Minutes())
	reason := fmt.Sprintf("watchdog timeout: %d min exceeded", minutes)
	r.log.Error().Int64("experiment_id", h.experimentID).Str("reason", reason).Msg("terminating runaway experiment")

	if err := r.repo.UpdateExperimentStatus(h.experimentID, domain.ExperimentFailed); err != nil {
		r.log.Error().Err(err).Int64("experiment_id", h.experimentID).Msg("watchdog: mark experiment failed")
	}
	if _, err := r.repo.InvalidateNonTerminal(h.experimentID, reason); err != nil {
		r.log.Error().Err(err).Int64("experiment_id", h.experimentID).Msg("watchdog: invalidate candidates")
	}

	h.bus.Publish(Event(EvError, map[string]any{"message": reason}))
	h.bus.Finish()
}

// RecoverOrphans handles candidates left pending/backtesting by a dead
// process. Clone experiments are re-submitted through the resume path;
// everything else is marked failed for the retry endpoint to pick up.
func (r *Runner) RecoverOrphans() error {
	orphans, err := r.repo.Orphans()
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}

	resubmit := make(map[int64]bool)
	var failed int
	for _, o := range orphans {
		if o.SourceType == domain.SourceClone {
			resubmit[o.ExperimentID] = true
			continue
		}
		if err := r.repo.SetCandidateStatus(o.CandidateID, domain.CandidateFailed, "orphaned after server restart"); err != nil {
			r.log.Error().Err(err).Int64("candidate_id", o.CandidateID).Msg("orphan recovery: mark failed")
			continue
		}
		failed++
	}

	for expID := range resubmit {
		if _, err := r.Resume(expID); err != nil {
			r.log.Error().Err(err).Int64("experiment_id", expID).Msg("orphan recovery: resubmit clone")
		}
	}

	r.log.Info().Int("orphans", len(orphans)).Int("failed", failed).Int("clones_resubmitted", len(resubmit)).
		Msg("orphan recovery complete")
	return nil
}

// Close stops the watchdog and waits for in-flight workers.
func (r *Runner) Close() {
	close(r.stop)
	r.wg.Wait()
}

// acquirePermit blocks until a backtest slot frees up.
func (r *Runner) acquirePermit() func() {
	r.sem <- struct{}{}
	return func() { <-r.sem }
}

// backtestBudget returns the per-strategy wall clock limit.
func backtestBudget(isCombo bool) time.Duration {
	if isCombo {
		return comboBacktestBudget
	}
	return regularBacktestBudget
}
