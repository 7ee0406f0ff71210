package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"bracketguard/internal/alert"
	"bracketguard/internal/api"
	"bracketguard/internal/broker"
	"bracketguard/internal/config"
	"bracketguard/internal/domain"
	"bracketguard/internal/engine"
	"bracketguard/internal/indicators"
	"bracketguard/internal/store"
	"bracketguard/internal/strategy"
	"bracketguard/internal/strategy/builtins"
	"bracketguard/internal/util"
)

type gateway interface {
	broker.Broker
	broker.Quoter
	broker.BarSource
}

func main() {
	cfgPath := "config/bracketguard.yaml"
	if p := os.Getenv("BRACKETGUARD_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	// Setup logging.
	logFileName := fmt.Sprintf("/tmp/bracketguard-%s.log", time.Now().Format("2006-01-02"))
	logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatalf("opening log file: %v", err)
	}
	defer logFile.Close()

	logger := util.NewLoggerTo(io.MultiWriter(os.Stdout, logFile), cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("bracketguard exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var gw gateway
	if cfg.Trading.Simulate {
		logger.Warn("running against the in-memory simulator")
		gw = broker.NewSimulatorBroker()
	} else {
		if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
			return fmt.Errorf("alpaca credentials missing: set APCA_API_KEY_ID and APCA_API_SECRET_KEY")
		}
		gw = broker.NewAlpacaBroker(broker.AlpacaOptions{
			APIKey:          cfg.Alpaca.APIKey,
			APISecret:       cfg.Alpaca.APISecret,
			BaseURL:         cfg.Alpaca.BaseURL,
			DataURL:         cfg.Alpaca.DataURL,
			Feed:            cfg.Alpaca.Feed,
			RequestTimeout:  cfg.Alpaca.RequestTimeout,
			RateLimitPerMin: cfg.Alpaca.RateLimitPerMin,
		})
	}

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening audit store: %w", err)
	}
	defer db.Close()

	recorder := store.NewRecorder(db, cfg.Storage.RecorderBuffer, logger)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := recorder.Close(closeCtx); err != nil {
			logger.Error("flushing audit records", "error", err)
		}
		if n := recorder.Dropped(); n > 0 {
			logger.Warn("audit records dropped", "count", n)
		}
	}()

	saved, err := db.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("loading saved positions: %w", err)
	}

	notifier := alert.NewNotifier(filepath.Join(cfg.Storage.DataDir, "alerts.json"), logger)
	calendar := util.NewTradingCalendar(domain.MarketUS)

	eng := engine.New(cfg, engine.Deps{
		Broker:     gw,
		Quoter:     gw,
		Momentum:   indicators.NewBarMomentum(gw, cfg.Bracket.LookbackBars),
		Journal:    recorder,
		Alerts:     notifier,
		Risk:       engine.NewRiskManager(cfg.Trading.MaxPositionPct, cfg.Trading.MaxDailyLossPct),
		Log:        logger,
		MarketOpen: calendar.IsMarketOpen,
	})
	eng.Restore(saved)

	// The first pass adopts broker positions the ledger does not know about
	// and repairs anything left unprotected while the daemon was down.
	if res, err := eng.VerifyAll(ctx); err != nil {
		logger.Warn("startup verification failed", "error", err)
	} else {
		logger.Info("startup verification",
			"protected", len(res.Protected), "repaired", len(res.Repaired), "failed", len(res.Failed))
	}

	srv := api.NewServer(cfg.Server, gw.Name(), eng, db, notifier, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return srv.ListenAndServe(ctx) })

	if cfg.Strategy.Enabled {
		runner, err := newRunner(cfg.Strategy, gw, eng, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return runner.Run(ctx, cfg.Strategy.PollInterval)
		})
	}

	logger.Info("bracketguard started",
		"broker", gw.Name(), "positions", len(saved), "http_port", cfg.Server.Port, "grpc_port", cfg.Server.GRPCPort)

	err = g.Wait()
	logger.Info("shutting down")
	return err
}

func newRunner(cfg config.StrategyConfig, bars broker.BarSource, eng *engine.Engine, logger *slog.Logger) (*strategy.Runner, error) {
	reg := strategy.NewRegistry()
	reg.Register(builtins.NewSMACross(cfg.ShortPeriod, cfg.LongPeriod, cfg.OrderQty))

	s, ok := reg.Get(cfg.Name)
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (available: %v)", cfg.Name, reg.List())
	}
	if len(cfg.Watchlist) == 0 {
		return nil, fmt.Errorf("strategy %s enabled with an empty watchlist", cfg.Name)
	}
	return strategy.NewRunner(s, bars, eng.SubmitIntent, cfg.Watchlist, cfg.LongPeriod+1, logger), nil
}
