package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab-cn/quantlab/internal/backtest"
	"github.com/quantlab-cn/quantlab/internal/collector"
	"github.com/quantlab-cn/quantlab/internal/config"
	"github.com/quantlab-cn/quantlab/internal/database"
	"github.com/quantlab-cn/quantlab/internal/domain"
	"github.com/quantlab-cn/quantlab/internal/experiments"
	"github.com/quantlab-cn/quantlab/internal/llm"
	"github.com/quantlab-cn/quantlab/internal/plans"
	"github.com/quantlab-cn/quantlab/internal/regime"
	"github.com/quantlab-cn/quantlab/internal/scheduler"
	"github.com/quantlab-cn/quantlab/internal/signals"
	"github.com/quantlab-cn/quantlab/internal/strategy"
)

// testServer bundles the server with the repositories tests seed through.
type testServer struct {
	srv     *Server
	expRepo *experiments.Repository
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zerolog.Nop()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.DataSources.RequestIntervalMS = 0

	db, err := database.New(database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	conn := db.Conn()

	col := collector.New(conn, map[string]collector.Source{}, cfg.DataSources, t.TempDir(), log)
	regimes := regime.NewService(conn, cfg.BenchmarkIndex, log)
	llmClient := llm.New(cfg.DeepSeek, log)

	expRepo := experiments.NewRepository(conn, log)
	runner := experiments.NewRunner(expRepo, llmClient, col, regimes, backtest.DefaultScoreWeights(), log)
	t.Cleanup(runner.Close)

	plansRepo := plans.NewRepository(conn)
	plansSvc := plans.NewService(plansRepo, col, col, log)

	sigRepo := signals.NewRepository(conn)
	sigEngine := signals.NewEngine(sigRepo, col, plansRepo, nil, log)

	stratRepo := strategy.NewRepository(conn)
	state := scheduler.NewStateRepository(conn)
	reports := scheduler.NewReportsRepository(conn)
	pipeline := scheduler.New(cfg, col, plansSvc, sigEngine, stratRepo, regimes, llmClient, state, reports, log)

	srv := New(Deps{
		Config:     cfg,
		Log:        log,
		DB:         db,
		Runner:     runner,
		ExpRepo:    expRepo,
		Strategies: stratRepo,
		Signals:    sigEngine,
		Collector:  col,
		Regimes:    regimes,
		PlansRepo:  plansRepo,
		Engine:     backtest.NewEngine(log),
		Pipeline:   pipeline,
		Reports:    reports,
		LLM:        llmClient,
		Backup:     nil,
	})
	return &testServer{srv: srv, expRepo: expRepo}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.srv.router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeJSON(t, w)["status"])
}

func TestCreateExperimentRequiresTheme(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/experiments/", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeJSON(t, w)["error"], "theme")
}

func TestGetExperimentNotFound(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/experiments/999", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/experiments/abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExperimentStreamWithoutWorker(t *testing.T) {
	ts := newTestServer(t)
	id, err := ts.expRepo.CreateExperiment(&domain.Experiment{
		Theme: "idle", SourceType: domain.SourceTemplate, Status: domain.ExperimentDone,
	})
	require.NoError(t, err)

	w := ts.do(t, http.MethodGet, "/api/experiments/"+itoa(id)+"/stream", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteExperiment(t *testing.T) {
	ts := newTestServer(t)
	id, err := ts.expRepo.CreateExperiment(&domain.Experiment{
		Theme: "doomed", SourceType: domain.SourceTemplate, Status: domain.ExperimentDone,
	})
	require.NoError(t, err)

	w := ts.do(t, http.MethodDelete, "/api/experiments/"+itoa(id), "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/experiments/"+itoa(id), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetExperimentWithCandidates(t *testing.T) {
	ts := newTestServer(t)
	id, err := ts.expRepo.CreateExperiment(&domain.Experiment{
		Theme: "listed", SourceType: domain.SourceTemplate, Status: domain.ExperimentDone,
	})
	require.NoError(t, err)
	_, err = ts.expRepo.InsertCandidate(&domain.ExperimentStrategy{
		ExperimentID: id, Name: "cand", ExitConfig: domain.DefaultExitConfig(),
		Status: domain.CandidateDone,
	})
	require.NoError(t, err)

	w := ts.do(t, http.MethodGet, "/api/experiments/"+itoa(id), "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	assert.Equal(t, false, body["running"])
	assert.Len(t, body["strategies"], 1)
}

func TestPromoteCandidate(t *testing.T) {
	ts := newTestServer(t)
	expID, err := ts.expRepo.CreateExperiment(&domain.Experiment{
		Theme: "promo", SourceType: domain.SourceTemplate, Status: domain.ExperimentDone,
	})
	require.NoError(t, err)

	done := domain.ExperimentStrategy{
		ExperimentID: expID,
		Name:         "winner",
		BuyConditions: []domain.Condition{{
			Field: "RSI", Operator: domain.OpLT,
			CompareType: domain.CompareValue, CompareValue: 30,
		}},
		ExitConfig: domain.DefaultExitConfig(),
		Status:     domain.CandidateDone,
	}
	doneID, err := ts.expRepo.InsertCandidate(&done)
	require.NoError(t, err)

	pending := done
	pending.Name = "still_working"
	pending.Status = domain.CandidatePending
	pendingID, err := ts.expRepo.InsertCandidate(&pending)
	require.NoError(t, err)

	// Only done candidates are promotable.
	w := ts.do(t, http.MethodPost, "/api/experiments/"+itoa(expID)+"/strategies/"+itoa(pendingID)+"/promote", `{}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPost, "/api/experiments/"+itoa(expID)+"/strategies/"+itoa(doneID)+"/promote",
		`{"category": "mean_reversion", "enabled": true}`)
	require.Equal(t, http.StatusCreated, w.Code)
	body := decodeJSON(t, w)
	assert.Greater(t, body["strategy_id"].(float64), 0.0)

	got, err := ts.expRepo.GetCandidate(doneID)
	require.NoError(t, err)
	assert.True(t, got.Promoted)
	require.NotNil(t, got.PromotedStrategyID)

	// A candidate from another experiment is invisible on this route.
	otherID, err := ts.expRepo.CreateExperiment(&domain.Experiment{
		Theme: "other", SourceType: domain.SourceTemplate, Status: domain.ExperimentDone,
	})
	require.NoError(t, err)
	w = ts.do(t, http.MethodPost, "/api/experiments/"+itoa(otherID)+"/strategies/"+itoa(doneID)+"/promote", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBacktestRunValidation(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/backtest/run", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/backtest/run", `{"strategy_id": 424242}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTodaySignalsEmpty(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/signals/today?date=2024-06-28", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2024-06-28", decodeJSON(t, w)["trade_date"])
}

func TestGenerateSignalsRejectsUnknownStrategy(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/signals/generate-stream", `{"strategy_ids": [999]}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReportsNotFound(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/reports/latest", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/reports/2024-06-28", "").Code)
}

func TestChatWithoutAPIKey(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/chat/", `{"message": "how did the bot do today?"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeJSON(t, w)["error"], "API key")

	w = ts.do(t, http.MethodPost, "/api/chat/", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeJSON(t, w)["error"], "message")
}

func TestBackupNotConfigured(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/system/backup", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSystemStatus(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/system/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	assert.Equal(t, false, body["pipeline_running"])
	assert.Greater(t, body["goroutines"].(float64), 0.0)
	assert.NotEmpty(t, body["database_path"])
}

func TestListPlansAndPositionsEmpty(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/plans/", "").Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/positions", "").Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/regimes", "").Code)
}

func TestRetryPendingStreamsOverSSE(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/experiments/retry-pending", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	// With nothing to resume the stream still carries the final summary.
	body := w.Body.String()
	assert.Contains(t, body, "data: ")
	assert.Contains(t, body, "0 experiments resumed")
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
