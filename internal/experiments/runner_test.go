package experiments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab-cn/quantlab/internal/backtest"
	"github.com/quantlab-cn/quantlab/internal/database"
	"github.com/quantlab-cn/quantlab/internal/domain"
	"github.com/quantlab-cn/quantlab/internal/progress"
)

type mockGenerator struct {
	candidates []domain.Candidate
	err        error
	calls      int
}

func (m *mockGenerator) GenerateStrategies(_ context.Context, theme, sourceText string, count int) ([]domain.Candidate, error) {
	m.calls++
	return m.candidates, m.err
}

type mockData struct {
	bars map[string][]domain.DailyBar
}

func (m *mockData) RepairDailyGaps(context.Context, string, string, func(int, int)) (int, error) {
	return 0, nil
}

func (m *mockData) UniverseBars(string, string, int) (map[string][]domain.DailyBar, error) {
	return m.bars, nil
}

type mockRegimes struct{}

func (mockRegimes) EnsureLabels(string, string) (int, error)            { return 0, nil }
func (mockRegimes) LabelMap(string, string) (map[string]domain.Regime, error) {
	return map[string]domain.Regime{}, nil
}
func (mockRegimes) BenchmarkReturnPct(string, string) (float64, error) { return 5.0, nil }

// cheapBuyBars is enough data for one entry and an end-of-window exit.
func cheapBuyBars() map[string][]domain.DailyBar {
	mk := func(date string, px float64) domain.DailyBar {
		return domain.DailyBar{Code: "000001", Date: date, Open: px, High: px, Low: px, Close: px, Volume: 1000000}
	}
	return map[string][]domain.DailyBar{
		"000001": {mk("2024-01-02", 10), mk("2024-01-03", 10.2), mk("2024-01-04", 10.4)},
	}
}

func cheapBuyCandidate(name string) domain.Candidate {
	return domain.Candidate{
		Name: name,
		BuyConditions: []domain.Condition{{
			Field:        "close",
			Operator:     domain.OpLT,
			CompareType:  domain.CompareValue,
			CompareValue: 10.5,
		}},
		ExitConfig: &domain.ExitConfig{StopLossPct: -8, TakeProfitPct: 20, MaxHoldDays: 20},
	}
}

func newTestRunner(t *testing.T, gen StrategyGenerator) (*Runner, *Repository) {
	t.Helper()
	db, err := database.New(database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	repo := NewRepository(db.Conn(), zerolog.Nop())
	r := NewRunner(repo, gen, &mockData{bars: cheapBuyBars()}, mockRegimes{}, backtest.DefaultScoreWeights(), zerolog.Nop())
	t.Cleanup(r.Close)
	return r, repo
}

func createExperiment(t *testing.T, repo *Repository, src domain.ExperimentSourceType) int64 {
	t.Helper()
	id, err := repo.CreateExperiment(&domain.Experiment{
		Theme:          "oversold reversal",
		SourceType:     src,
		Status:         domain.ExperimentPending,
		InitialCapital: 100000,
		MaxPositions:   5,
		MaxPositionPct: 30,
		StrategyCount:  1,
	})
	require.NoError(t, err)
	return id
}

// drainBus collects event types until the bus finishes.
func drainBus(t *testing.T, bus *progress.Bus) []string {
	t.Helper()
	c := bus.Subscribe(0)
	var types []string
	deadline := time.After(30 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("bus never finished; got %v", types)
		default:
		}
		event, status := c.Next(time.Second)
		switch status {
		case progress.NextEvent:
			var payload map[string]any
			require.NoError(t, json.Unmarshal([]byte(event), &payload))
			types = append(types, payload["type"].(string))
		case progress.NextDone:
			return types
		}
	}
}

func indexOf(types []string, want string) int {
	for i, typ := range types {
		if typ == want {
			return i
		}
	}
	return -1
}

func TestWorkerFullPipeline(t *testing.T) {
	gen := &mockGenerator{candidates: []domain.Candidate{cheapBuyCandidate("dip_buyer")}}
	r, repo := newTestRunner(t, gen)
	expID := createExperiment(t, repo, domain.SourceTemplate)

	bus, err := r.Start(expID)
	require.NoError(t, err)
	types := drainBus(t, bus)

	// Phase order: generate, validate, load, backtest, finish.
	for _, pair := range [][2]string{
		{EvGenerating, EvStrategiesReady},
		{EvStrategiesReady, EvDataLoaded},
		{EvDataLoaded, EvBacktestStart},
		{EvBacktestStart, EvBacktestDone},
		{EvBacktestDone, EvExperimentDone},
	} {
		first, second := indexOf(types, pair[0]), indexOf(types, pair[1])
		require.GreaterOrEqual(t, first, 0, "missing %s in %v", pair[0], types)
		require.GreaterOrEqual(t, second, 0, "missing %s in %v", pair[1], types)
		assert.Less(t, first, second, "%s must precede %s", pair[0], pair[1])
	}

	exp, err := repo.GetExperiment(expID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExperimentDone, exp.Status)

	cands, err := repo.CandidatesByExperiment(expID)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	c := cands[0]
	assert.Equal(t, domain.CandidateDone, c.Status)
	assert.Equal(t, 1, c.TotalTrades)
	assert.Greater(t, c.Score, 0.0)
	assert.LessOrEqual(t, c.Score, 1.0)
	require.NotEmpty(t, c.BacktestRunID)

	trades, err := repo.RunTrades(c.BacktestRunID)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestWorkerInvalidCandidateStoredAsFailed(t *testing.T) {
	gen := &mockGenerator{candidates: []domain.Candidate{
		cheapBuyCandidate("good"),
		{Name: "garbage", BuyConditions: []domain.Condition{{
			Field: "SUPER_SECRET", Operator: domain.OpGT,
			CompareType: domain.CompareValue, CompareValue: 1,
		}}},
	}}
	r, repo := newTestRunner(t, gen)
	expID := createExperiment(t, repo, domain.SourceTemplate)

	bus, err := r.Start(expID)
	require.NoError(t, err)
	drainBus(t, bus)

	cands, err := repo.CandidatesByExperiment(expID)
	require.NoError(t, err)
	require.Len(t, cands, 2)

	byName := map[string]domain.ExperimentStrategy{}
	for _, c := range cands {
		byName[c.Name] = c
	}
	assert.Equal(t, domain.CandidateDone, byName["good"].Status)
	assert.Equal(t, domain.CandidateFailed, byName["garbage"].Status)
	assert.Contains(t, byName["garbage"].ErrorMessage, "no valid conditions")
}

func TestWorkerGenerationFailureFailsExperiment(t *testing.T) {
	gen := &mockGenerator{err: errors.New("api quota exhausted")}
	r, repo := newTestRunner(t, gen)
	expID := createExperiment(t, repo, domain.SourceTemplate)

	bus, err := r.Start(expID)
	require.NoError(t, err)
	types := drainBus(t, bus)
	assert.Equal(t, EvError, types[len(types)-1])

	exp, err := repo.GetExperiment(expID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExperimentFailed, exp.Status)
}

func TestStartUnknownExperiment(t *testing.T) {
	r, _ := newTestRunner(t, &mockGenerator{})
	_, err := r.Start(999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	// A generator that blocks keeps the worker live across the second Start.
	blocked := make(chan struct{})
	gen := &blockingGenerator{release: blocked}
	r, repo := newTestRunner(t, gen)
	expID := createExperiment(t, repo, domain.SourceTemplate)

	bus1, err := r.Start(expID)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return r.IsRunning(expID) }, 5*time.Second, 10*time.Millisecond)

	bus2, err := r.Start(expID)
	require.NoError(t, err)
	assert.Same(t, bus1, bus2)

	close(blocked)
	drainBus(t, bus1)
	assert.False(t, r.IsRunning(expID))
	assert.NotNil(t, r.Progress(expID), "finished handle stays resolvable for replay")
	assert.Nil(t, r.Progress(999))
}

type blockingGenerator struct {
	release chan struct{}
	entered chan struct{}
}

func (g *blockingGenerator) GenerateStrategies(context.Context, string, string, int) ([]domain.Candidate, error) {
	if g.entered != nil {
		close(g.entered)
	}
	<-g.release
	return []domain.Candidate{cheapBuyCandidate("late")}, nil
}

func TestResumeProcessesOnlyUnfinished(t *testing.T) {
	r, repo := newTestRunner(t, &mockGenerator{})
	expID := createExperiment(t, repo, domain.SourceTemplate)

	doneCand := domain.ExperimentStrategy{
		ExperimentID:  expID,
		Name:          "finished",
		BuyConditions: cheapBuyCandidate("x").BuyConditions,
		ExitConfig:    domain.DefaultExitConfig(),
		Status:        domain.CandidateDone,
	}
	doneID, err := repo.InsertCandidate(&doneCand)
	require.NoError(t, err)

	pending := doneCand
	pending.Name = "unfinished"
	pending.Status = domain.CandidatePending
	_, err = repo.InsertCandidate(&pending)
	require.NoError(t, err)

	bus, err := r.Resume(expID)
	require.NoError(t, err)
	types := drainBus(t, bus)
	assert.Contains(t, types, EvResumeStart)

	cands, err := repo.CandidatesByExperiment(expID)
	require.NoError(t, err)
	for _, c := range cands {
		switch c.ID {
		case doneID:
			assert.Empty(t, c.BacktestRunID, "finished candidate must not be re-run")
		default:
			assert.Equal(t, domain.CandidateDone, c.Status)
			assert.NotEmpty(t, c.BacktestRunID)
		}
	}
}

func TestRecoverOrphans(t *testing.T) {
	r, repo := newTestRunner(t, &mockGenerator{})

	// A regular experiment's orphan is marked failed for manual retry.
	regularID := createExperiment(t, repo, domain.SourceTemplate)
	orphan := domain.ExperimentStrategy{
		ExperimentID:  regularID,
		Name:          "stranded",
		BuyConditions: cheapBuyCandidate("x").BuyConditions,
		ExitConfig:    domain.DefaultExitConfig(),
		Status:        domain.CandidateBacktesting,
	}
	orphanID, err := repo.InsertCandidate(&orphan)
	require.NoError(t, err)

	// A clone experiment's orphan is resubmitted automatically.
	cloneID := createExperiment(t, repo, domain.SourceClone)
	cloneCand := orphan
	cloneCand.ExperimentID = cloneID
	cloneCand.Name = "clone_work"
	cloneCand.Status = domain.CandidatePending
	_, err = repo.InsertCandidate(&cloneCand)
	require.NoError(t, err)

	require.NoError(t, r.RecoverOrphans())

	got, err := repo.GetCandidate(orphanID)
	require.NoError(t, err)
	assert.Equal(t, domain.CandidateFailed, got.Status)
	assert.Equal(t, "orphaned after server restart", got.ErrorMessage)

	bus := r.Progress(cloneID)
	require.NotNil(t, bus, "clone resume worker must be live")
	drainBus(t, bus)

	cands, err := repo.CandidatesByExperiment(cloneID)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, domain.CandidateDone, cands[0].Status)
}

func TestWatchdogTerminatesRunawayWorker(t *testing.T) {
	r, repo := newTestRunner(t, &mockGenerator{})
	expID := createExperiment(t, repo, domain.SourceTemplate)
	cand := domain.ExperimentStrategy{
		ExperimentID:  expID,
		Name:          "stuck",
		BuyConditions: cheapBuyCandidate("x").BuyConditions,
		ExitConfig:    domain.DefaultExitConfig(),
		Status:        domain.CandidateBacktesting,
	}
	candID, err := repo.InsertCandidate(&cand)
	require.NoError(t, err)

	h := &handle{
		experimentID: expID,
		bus:          progress.NewBus(),
		startedAt:    time.Now().Add(-2 * watchdogBudget),
	}
	r.mu.Lock()
	r.active[expID] = h
	r.mu.Unlock()

	r.watchdogPass(time.Now())

	assert.True(t, h.bus.Finished())
	exp, err := repo.GetExperiment(expID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExperimentFailed, exp.Status)

	got, err := repo.GetCandidate(candID)
	require.NoError(t, err)
	assert.Equal(t, domain.CandidateInvalid, got.Status)
	assert.Contains(t, got.ErrorMessage, "watchdog timeout")
}

func TestTerminatedExperimentStaysFailed(t *testing.T) {
	gen := &blockingGenerator{release: make(chan struct{}), entered: make(chan struct{})}
	r, repo := newTestRunner(t, gen)
	expID := createExperiment(t, repo, domain.SourceTemplate)

	bus, err := r.Start(expID)
	require.NoError(t, err)
	select {
	case <-gen.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never reached generation")
	}

	r.mu.Lock()
	h := r.active[expID]
	r.mu.Unlock()
	require.NotNil(t, h)

	// Kill the experiment while the worker is blocked mid-generation.
	r.terminate(h, time.Now())
	exp, err := repo.GetExperiment(expID)
	require.NoError(t, err)
	require.Equal(t, domain.ExperimentFailed, exp.Status)

	// The unblocked worker must not resurrect the experiment.
	close(gen.release)
	drainBus(t, bus)
	r.wg.Wait()

	exp, err = repo.GetExperiment(expID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExperimentFailed, exp.Status, "terminated experiment must stay failed")

	cands, err := repo.CandidatesByExperiment(expID)
	require.NoError(t, err)
	for _, c := range cands {
		assert.NotEqual(t, domain.CandidateBacktesting, c.Status)
		assert.NotEqual(t, domain.CandidateDone, c.Status)
	}
}

func TestBacktestCandidateSkipsInvalidatedRow(t *testing.T) {
	r, repo := newTestRunner(t, &mockGenerator{})
	expID := createExperiment(t, repo, domain.SourceTemplate)
	c := domain.ExperimentStrategy{
		ExperimentID:  expID,
		Name:          "stale_copy",
		BuyConditions: cheapBuyCandidate("x").BuyConditions,
		ExitConfig:    domain.DefaultExitConfig(),
		Status:        domain.CandidatePending,
	}
	id, err := repo.InsertCandidate(&c)
	require.NoError(t, err)
	c.ID = id

	// Invalidated behind the worker's back, as the watchdog does.
	require.NoError(t, repo.SetCandidateStatus(id, domain.CandidateInvalid, "watchdog timeout: 61 min exceeded"))

	exp, err := repo.GetExperiment(expID)
	require.NoError(t, err)
	rec := &eventRecorder{}
	r.backtestCandidate(exp, &c, &backtestEnv{bars: cheapBuyBars()}, rec)

	got, err := repo.GetCandidate(id)
	require.NoError(t, err)
	assert.Equal(t, domain.CandidateInvalid, got.Status)
	assert.Empty(t, rec.events, "a terminal row must not be re-processed")
}

type eventRecorder struct{ events []string }

func (r *eventRecorder) Publish(event string) { r.events = append(r.events, event) }

func TestRetryableExperiments(t *testing.T) {
	_, repo := newTestRunner(t, &mockGenerator{})

	pendingExp := createExperiment(t, repo, domain.SourceTemplate)
	failedExp := createExperiment(t, repo, domain.SourceTemplate)
	doneExp := createExperiment(t, repo, domain.SourceTemplate)

	insert := func(expID int64, name string, status domain.CandidateStatus, withConds bool) {
		c := domain.ExperimentStrategy{
			ExperimentID: expID,
			Name:         fmt.Sprintf("%s_%d", name, expID),
			ExitConfig:   domain.DefaultExitConfig(),
			Status:       status,
		}
		if withConds {
			c.BuyConditions = cheapBuyCandidate("x").BuyConditions
		}
		_, err := repo.InsertCandidate(&c)
		require.NoError(t, err)
	}

	insert(pendingExp, "pending", domain.CandidatePending, true)
	insert(failedExp, "retryable_fail", domain.CandidateFailed, true)
	insert(failedExp, "dead_fail", domain.CandidateFailed, false)
	insert(doneExp, "done", domain.CandidateDone, true)

	ids, err := repo.RetryableExperiments()
	require.NoError(t, err)
	assert.Equal(t, []int64{pendingExp, failedExp}, ids)
}

func TestDeleteExperimentCascades(t *testing.T) {
	_, repo := newTestRunner(t, &mockGenerator{})
	expID := createExperiment(t, repo, domain.SourceTemplate)
	c := domain.ExperimentStrategy{
		ExperimentID: expID,
		Name:         "doomed",
		ExitConfig:   domain.DefaultExitConfig(),
		Status:       domain.CandidatePending,
	}
	candID, err := repo.InsertCandidate(&c)
	require.NoError(t, err)

	require.NoError(t, repo.DeleteExperiment(expID))
	_, err = repo.GetExperiment(expID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.GetCandidate(candID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, repo.DeleteExperiment(expID), ErrNotFound)
}
