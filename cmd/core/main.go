// Package main provides the entry point for the trading core: the
// multi-tenant shadow-trading heartbeat with regime detection, weighted
// consensus, risk guards and the operational watchdog.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/maestrohq/trading-core/internal/broker"
	"github.com/maestrohq/trading-core/internal/config"
	"github.com/maestrohq/trading-core/internal/consensus"
	"github.com/maestrohq/trading-core/internal/executor"
	"github.com/maestrohq/trading-core/internal/heartbeat"
	"github.com/maestrohq/trading-core/internal/identity"
	"github.com/maestrohq/trading-core/internal/llm"
	"github.com/maestrohq/trading-core/internal/maestro"
	"github.com/maestrohq/trading-core/internal/marketdata"
	"github.com/maestrohq/trading-core/internal/ops"
	"github.com/maestrohq/trading-core/internal/perf"
	"github.com/maestrohq/trading-core/internal/pnl"
	"github.com/maestrohq/trading-core/internal/regime"
	"github.com/maestrohq/trading-core/internal/risk"
	"github.com/maestrohq/trading-core/internal/store"
	"github.com/maestrohq/trading-core/internal/strategy"
	"github.com/maestrohq/trading-core/internal/watchdog"
	"github.com/maestrohq/trading-core/internal/whale"
	"github.com/maestrohq/trading-core/pkg/money"
)

func main() {
	// Local overrides; absent in production.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Error("startup safety check failed", zap.Error(err))
		if errors.Is(err, config.ErrSafetyViolation) {
			os.Exit(config.ExitCodeSafetyViolation)
		}
		os.Exit(1)
	}

	logger.Info("starting trading core",
		zap.String("broker", cfg.BrokerBaseURL),
		zap.String("project", cfg.DatastoreProjectID),
		zap.Duration("tick_interval", cfg.TickInterval),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence: Firestore behind the shared write limiter.
	fs, err := store.NewFirestore(ctx, logger, cfg.DatastoreProjectID)
	if err != nil {
		logger.Fatal("datastore init failed", zap.Error(err))
	}
	defer fs.Close()

	limCfg := store.DefaultLimiterConfig()
	limCfg.WritesPerSecond = cfg.WritesPerSecond
	st := store.NewWriteLimiter(logger, fs, limCfg)

	// Identity vault, with one keypair per registered strategy.
	vault, err := identity.NewVault(logger, st)
	if err != nil {
		logger.Fatal("identity vault init failed", zap.Error(err))
	}

	registry := strategy.NewRegistry(logger, []strategy.Constructor{
		func(l *zap.Logger) strategy.Strategy { return strategy.NewMomentum(l) },
		func(l *zap.Logger) strategy.Strategy { return strategy.NewMeanReversion(l) },
		func(l *zap.Logger) strategy.Strategy { return strategy.NewGammaScalper(l) },
		func(l *zap.Logger) strategy.Strategy { return strategy.NewWhaleFollow(l) },
	})
	for _, agentID := range registry.Agents() {
		if _, err := vault.RegisterOrLoad(ctx, agentID); err != nil {
			logger.Fatal("agent registration failed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	// Broker: one shared paper client plus the per-user factory.
	shared := broker.NewAlpaca(logger, broker.Credentials{
		KeyID:     cfg.BrokerKeyID,
		SecretKey: cfg.BrokerSecretKey,
		BaseURL:   cfg.BrokerBaseURL,
	})
	factory := broker.NewAlpacaFactory(logger)

	// LLM summaries are optional; everything falls back deterministically.
	var llmClient llm.Client
	if cfg.LLMAPIKey != "" {
		llmCfg := llm.DefaultConfig()
		llmCfg.BaseURL = cfg.LLMBaseURL
		llmCfg.APIKey = cfg.LLMAPIKey
		llmCfg.Model = cfg.LLMModel
		llmClient = llm.New(logger, llmCfg)
	}

	// Options market data and the regime engine it feeds.
	var options marketdata.OptionsClient
	var regimeEngine *regime.Engine
	if cfg.OptionsBaseURL != "" {
		options = marketdata.NewRESTClient(logger, marketdata.Config{
			BaseURL: cfg.OptionsBaseURL,
			APIKey:  cfg.OptionsAPIKey,
		})
		regimeEngine = regime.New(logger, st, options, regime.EngineConfig{
			Symbol:   cfg.RegimeSymbol,
			Epsilon:  money.FromFloat(cfg.GEXEpsilon),
			Interval: cfg.RegimeInterval,
		})
	} else {
		logger.Warn("no options data source configured; regime detection disabled")
	}

	book := perf.NewBook(logger, perf.TrackerConfig{
		WindowDays: perf.DefaultTrackerConfig().WindowDays,
		MinDays:    cfg.PerfMinDays,
	})

	hbCfg := heartbeat.DefaultConfig()
	hbCfg.Symbol = cfg.RegimeSymbol
	hbCfg.TickDeadline = cfg.TickDeadline
	hbCfg.UnitDeadline = cfg.UnitDeadline
	hbCfg.OutageFatalTicks = cfg.OutageFatalTicks

	metrics := ops.NewMetrics(prometheus.DefaultRegisterer)

	whaleEngine := whale.New(logger, whale.EngineConfig{
		Lookback:          whale.DefaultEngineConfig().Lookback,
		SentimentTieDelta: cfg.WhaleSentimentTieDelta,
	})

	hb := heartbeat.New(logger, hbCfg, heartbeat.Deps{
		Store:         st,
		Broker:        shared,
		BrokerFactory: factory,
		Registry:      registry,
		Book:          book,
		Maestro: maestro.New(logger, vault, llmClient, maestro.Config{
			BaseAllocation:    money.FromFloat(cfg.BaseAllocation),
			SharpeReduceBelow: cfg.SharpeReduceBelow,
			SharpeShadowBelow: cfg.SharpeShadowBelow,
			SystemicSellCount: cfg.SystemicSellCount,
		}),
		Consensus: consensus.New(logger, cfg.ConsensusThreshold),
		Breaker: risk.New(logger, risk.BreakerConfig{
			DailyLossLimit:   money.FromFloat(cfg.DailyLossLimit),
			VolatilityLimit:  money.FromFloat(cfg.VolatilityLimit),
			MaxConcentration: money.FromFloat(cfg.MaxConcentration),
		}),
		Executor: executor.New(logger, vault, st),
		PnL:      pnl.New(logger, shared),
		Watchdog: watchdog.New(logger, llmClient, watchdog.Config{
			Window:            cfg.WatchdogWindow,
			LossStreakCount:   cfg.LossStreakCount,
			LossStreakDollars: money.FromFloat(cfg.LossStreakDollars),
			DrawdownPct:       money.FromFloat(cfg.DrawdownPct),
			MismatchBuyCount:  cfg.MismatchBuyCount,
		}),
		Whale: whaleEngine,
		Options: options,
		OnTick:  metrics.ObserveTick,
	})

	// A sustained persistence outage stops the process rather than
	// burning ticks against a dead backend.
	fatal := make(chan error, 1)

	scheduler := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.TickInterval), func() {
		if _, err := hb.Tick(ctx); err != nil {
			if errors.Is(err, heartbeat.ErrPersistenceOutage) {
				select {
				case fatal <- err:
				default:
				}
				return
			}
			logger.Error("tick failed", zap.Error(err))
		}
	}); err != nil {
		logger.Fatal("scheduler init failed", zap.Error(err))
	}

	if regimeEngine != nil {
		regimeEngine.Start(ctx)
	}

	opsServer := ops.NewServer(logger, st, ops.ServerConfig{
		Addr:     cfg.OpsAddr,
		Gatherer: prometheus.DefaultGatherer,
		Agents:   registry.Agents(),
		Whale:    whaleEngine,
	})
	go func() {
		if err := opsServer.Start(); err != nil {
			logger.Error("ops server error", zap.Error(err))
		}
	}()

	scheduler.Start()
	logger.Info("trading core started",
		zap.Strings("agents", registry.Agents()),
		zap.String("ops_addr", cfg.OpsAddr),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-fatal:
		logger.Error("fatal backend condition", zap.Error(err))
	}

	cancel()
	<-scheduler.Stop().Done()
	if regimeEngine != nil {
		regimeEngine.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", zap.Error(err))
	}

	logger.Info("trading core stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
