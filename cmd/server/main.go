// Package main is the entry point of the quantlab research and trading
// platform: market data collection, the strategy experiment lab, daily
// signal generation, and the semi-automated trading bot.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/quantlab-cn/quantlab/internal/backtest"
	"github.com/quantlab-cn/quantlab/internal/clients/akshare"
	"github.com/quantlab-cn/quantlab/internal/clients/tushare"
	"github.com/quantlab-cn/quantlab/internal/collector"
	"github.com/quantlab-cn/quantlab/internal/config"
	"github.com/quantlab-cn/quantlab/internal/database"
	"github.com/quantlab-cn/quantlab/internal/experiments"
	"github.com/quantlab-cn/quantlab/internal/llm"
	"github.com/quantlab-cn/quantlab/internal/plans"
	"github.com/quantlab-cn/quantlab/internal/regime"
	"github.com/quantlab-cn/quantlab/internal/reliability"
	"github.com/quantlab-cn/quantlab/internal/scheduler"
	"github.com/quantlab-cn/quantlab/internal/server"
	"github.com/quantlab-cn/quantlab/internal/signals"
	"github.com/quantlab-cn/quantlab/internal/strategy"
	"github.com/quantlab-cn/quantlab/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)
	log.Info().Msg("starting quantlab")

	// A staged restore must be swapped in before the database opens.
	dbPath := filepath.Join(cfg.DataDir, "quantlab.db")
	if err := reliability.ApplyStagedRestore(dbPath, log); err != nil {
		log.Fatal().Err(err).Msg("apply staged restore")
	}

	db, err := database.New(database.Config{Path: dbPath})
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}
	conn := db.Conn()

	// Market data sources. TuShare is preferred where a token exists;
	// AKShare (via the AKTools bridge) covers the rest.
	sources := map[string]collector.Source{
		"akshare": akshare.New(cfg.DataSources.AKToolsURL, log),
	}
	if cfg.TushareToken != "" {
		sources["tushare"] = tushare.New(cfg.TushareToken, cfg.DataSources.TushareRPM, log)
	}
	col := collector.New(conn, sources, cfg.DataSources, cfg.DataDir, log)

	regimes := regime.NewService(conn, cfg.BenchmarkIndex, log)
	llmClient := llm.New(cfg.DeepSeek, log)

	wRet, wDD, wSharpe, wPLR := cfg.ScoreWeights()
	weights := backtest.ScoreWeights{Return: wRet, Drawdown: wDD, Sharpe: wSharpe, PLR: wPLR}

	expRepo := experiments.NewRepository(conn, log)
	runner := experiments.NewRunner(expRepo, llmClient, col, regimes, weights, log)

	plansRepo := plans.NewRepository(conn)
	plansSvc := plans.NewService(plansRepo, col, col, log)

	sigRepo := signals.NewRepository(conn)
	sigEngine := signals.NewEngine(sigRepo, col, plansRepo, nil, log)

	stratRepo := strategy.NewRepository(conn)
	state := scheduler.NewStateRepository(conn)
	reports := scheduler.NewReportsRepository(conn)
	pipeline := scheduler.New(cfg, col, plansSvc, sigEngine, stratRepo, regimes, llmClient, state, reports, log)

	backup, err := reliability.New(context.Background(), db, cfg.Backup, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init backup service")
	}

	srv := server.New(server.Deps{
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
		Backup:     backup,
	})

	// Candidates left pending/backtesting by a previous process are
	// recovered before anything new starts.
	if err := runner.RecoverOrphans(); err != nil {
		log.Error().Err(err).Msg("orphan recovery")
	}
	runner.StartWatchdog()
	pipeline.Start()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}

	pipeline.Stop()
	runner.Close()
	if err := col.SaveSnapshot(); err != nil {
		log.Error().Err(err).Msg("save bars cache snapshot")
	}
	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("close database")
	}
	log.Info().Msg("shutdown complete")
}
