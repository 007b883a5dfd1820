// Package main runs the trading core: one process owning the session
// scheduler, the per-symbol decision pipeline, the risk stack, and the
// read-only ops server. Configuration comes from a YAML file with
// TRADENOVA_* environment overrides; broker credentials use the
// standard APCA_* variables.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tradenova/trading-core/internal/agents"
	"github.com/tradenova/trading-core/internal/api"
	"github.com/tradenova/trading-core/internal/broker"
	"github.com/tradenova/trading-core/internal/clock"
	"github.com/tradenova/trading-core/internal/config"
	"github.com/tradenova/trading-core/internal/ensemble"
	"github.com/tradenova/trading-core/internal/events"
	"github.com/tradenova/trading-core/internal/features"
	"github.com/tradenova/trading-core/internal/journal"
	"github.com/tradenova/trading-core/internal/marketdata"
	"github.com/tradenova/trading-core/internal/positions"
	"github.com/tradenova/trading-core/internal/predictor"
	"github.com/tradenova/trading-core/internal/regime"
	"github.com/tradenova/trading-core/internal/report"
	"github.com/tradenova/trading-core/internal/risk"
	"github.com/tradenova/trading-core/internal/scheduler"
	"github.com/tradenova/trading-core/internal/universe"
	"github.com/tradenova/trading-core/internal/workers"
	"github.com/tradenova/trading-core/pkg/types"
)

const paperBaseURL = "https://paper-api.alpaca.markets"

func main() {
	configPath := flag.String("config", "", "Path to YAML config; defaults apply when empty")
	logLevel := flag.String("log-level", "", "Override logging.level (debug, info, warn, error)")
	paper := flag.Bool("paper", false, "Force the paper trading endpoint")
	once := flag.Bool("once", false, "Run one decision cycle and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *paper {
		cfg.Broker.Paper = true
		cfg.Broker.BaseURL = paperBaseURL
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := setupLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, *once); err != nil {
		logger.Error("trading core failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("trading core stopped")
}

func run(ctx context.Context, logger *zap.Logger, cfg *config.Config, once bool) error {
	logger.Info("starting trading core",
		zap.Strings("symbols", cfg.Universe.Symbols),
		zap.String("timezone", cfg.Schedule.Timezone),
		zap.String("dataDir", dataDir(cfg)),
		zap.Bool("paper", cfg.Broker.Paper))

	brk := broker.New(logger, broker.Config{
		BaseURL:       cfg.Broker.BaseURL,
		APIKey:        cfg.Broker.APIKey,
		APISecret:     cfg.Broker.APISecret,
		OrderDeadline: cfg.Broker.OrderDeadline,
		ConfirmPoll:   cfg.Broker.ConfirmPoll,
		RetryAttempts: cfg.Broker.RetryAttempts,
		RetryBase:     cfg.Broker.RetryBase,
	})

	// The broker calendar is the session truth; wall-clock phases take
	// over when its snapshot goes stale.
	clk, err := clock.New(logger, clock.Config{
		Timezone:    cfg.Schedule.Timezone,
		WarmupTime:  cfg.Schedule.WarmupTime,
		OpenTime:    cfg.Schedule.OpenTime,
		FlattenTime: cfg.Schedule.FlattenTime,
		CloseTime:   cfg.Schedule.CloseTime,
		ReportTime:  cfg.Schedule.ReportTime,
		StaleMax:    cfg.Schedule.ClockStaleMax,
	}, brk)
	if err != nil {
		return fmt.Errorf("session clock: %w", err)
	}

	vendor := marketdata.NewVendorClient(logger, marketdata.VendorConfig{
		BaseURL:        cfg.Data.VendorBaseURL,
		APIKey:         cfg.Data.VendorAPIKey,
		RequestsPerSec: cfg.Data.RequestsPerSec,
	})
	fallbackBars := marketdata.NewAlpacaBars(logger, marketdata.AlpacaConfig{
		APIKey:    cfg.Broker.APIKey,
		APISecret: cfg.Broker.APISecret,
		BaseURL:   cfg.Broker.DataBaseURL,
	})

	var quoteCache marketdata.QuoteCache
	if cfg.Data.EnableStream {
		stream := marketdata.NewQuoteStream(logger, marketdata.StreamConfig{
			URL:    cfg.Data.StreamURL,
			APIKey: cfg.Data.VendorAPIKey,
		})
		if err := stream.Start(ctx); err != nil {
			logger.Warn("quote stream unavailable, running on snapshots", zap.Error(err))
		} else {
			defer stream.Stop()
			quoteCache = stream
		}
	}

	data := marketdata.New(logger, marketdata.Config{
		MinBars:        cfg.Data.MinBars,
		BarsDeadline:   cfg.Data.BarsDeadline,
		QuoteDeadline:  cfg.Data.QuoteDeadline,
		FallbackBudget: cfg.Data.FallbackBudget,
	}, vendor, fallbackBars, quoteCache)

	var (
		ivStore  risk.IVStore
		ivMemory *risk.MemoryIVStore
	)
	if cfg.Risk.IVStoreDSN != "" {
		pg, err := risk.OpenPostgresIVStore(ctx, cfg.Risk.IVStoreDSN)
		if err != nil {
			return fmt.Errorf("iv store: %w", err)
		}
		defer pg.Close()
		ivStore = pg
	} else {
		ivMemory = risk.NewMemoryIVStore()
		ivStore = ivMemory
		logger.Info("no iv store dsn, iv history rides the session journal")
	}

	gap, err := risk.NewGapMonitor(logger, cfg.Risk.GapCalendarPath, cfg.Location())
	if err != nil {
		return fmt.Errorf("gap calendar: %w", err)
	}

	filterCfg := universe.DefaultFilterConfig()
	filterCfg.MaxSpreadPct = cfg.Selection.MaxSpreadPct
	filterCfg.MinBidSize = cfg.Selection.MinBidSize
	filterCfg.MaxQuoteAge = cfg.Selection.MaxQuoteAge
	filterCfg.MaxChainSize = cfg.Data.MaxChainSize
	filter := universe.NewFilter(logger, filterCfg)

	selector := universe.NewSelector(logger, universe.SelectorConfig{
		MinDTE:          cfg.Selection.MinDTE,
		PreferredMaxDTE: cfg.Selection.PreferredMaxDTE,
		MaxDTE:          cfg.Selection.FallbackMaxDTE,
		PriceFloor:      cfg.Selection.PriceFloor,
	})

	// OnClose binds late: the scheduler needs the position manager and
	// the position manager reports closed trades back to the scheduler.
	var sched *scheduler.Scheduler
	posMgr := positions.NewManager(logger, positions.Config{
		StopLossPct:  cfg.Exits.StopLossPct,
		TPLadder:     cfg.Exits.TPLadder,
		MaxPositions: cfg.Universe.MaxPositions,
	}, positions.Deps{
		Broker: brk,
		Quotes: data,
		OnClose: func(trade types.ClosedTrade) {
			if sched != nil {
				sched.OnTradeClosed(trade)
			}
		},
	})

	riskMgr := risk.NewManager(logger, cfg.Risk, risk.Deps{
		Gap:    gap,
		Filter: filter,
		IV:     ivStore,
		Book:   posMgr.Book(),
	})

	policy := predictor.New(logger, predictor.Config{
		ModelPath:     cfg.Predictor.ModelPath,
		SharedLibrary: cfg.Predictor.SharedLibrary,
		InputName:     cfg.Predictor.InputName,
		OutputName:    cfg.Predictor.OutputName,
	})
	defer policy.Close()

	ens := ensemble.New(logger,
		ensemble.Config{ConfidenceThreshold: cfg.Ensemble.ConfidenceThreshold},
		agents.NewDefaultSet(logger))

	pool := workers.NewPool(workers.Config{
		Workers: workers.SizeFor(len(cfg.Universe.Symbols), cfg.Universe.MaxWorkers),
	}, logger)
	pool.Start()
	defer pool.Stop()

	store, err := journal.NewStore(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	reports := report.NewWriter(cfg.Store, logger)

	bus := events.NewBus(events.Config{}, logger)
	defer bus.Stop()
	bus.SubscribeAll(events.LoggerSink(logger))
	bus.SubscribeAll(events.MetricsSink())
	eventLog, err := events.NewFileSink(filepath.Join(dataDir(cfg), "events.jsonl"))
	if err != nil {
		logger.Warn("event log disabled", zap.Error(err))
	} else {
		defer eventLog.Close()
		bus.SubscribeAll(eventLog.Handle)
	}

	regimes := regime.NewClassifier(logger, regime.DefaultConfig())

	sched, err = scheduler.New(logger, scheduler.Config{
		Symbols:         cfg.Universe.Symbols,
		MaxWorkers:      cfg.Universe.MaxWorkers,
		CyclePeriod:     cfg.Schedule.CyclePeriod,
		CycleDeadline:   cfg.Schedule.CycleDeadline,
		FlattenBudget:   cfg.Schedule.FlattenBudget,
		DataDeadline:    cfg.Data.BarsDeadline,
		BarTimeframe:    types.Timeframe(cfg.Data.BarTimeframe),
		BarLookbackDays: cfg.Data.BarLookbackDays,
		IVLookbackDays:  cfg.Risk.IVLookbackDays,
		PositionSizePct: cfg.Risk.PositionSizePct,
	}, scheduler.Deps{
		Clock:     clk,
		Broker:    brk,
		Data:      data,
		Features:  features.NewEngine(logger, features.Config{MinBars: cfg.Data.MinBars}),
		Regimes:   regimes,
		Policy:    policy,
		Ensemble:  ens,
		Filter:    filter,
		Selector:  selector,
		Risk:      riskMgr,
		Positions: posMgr,
		Pool:      pool,
		Journal:   store,
		Reports:   reports,
		Bus:       bus,
		IV:        ivStore,
		IVMemory:  ivMemory,
	})
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	ops := api.New(logger, cfg.Server, api.Deps{
		Scheduler: sched,
		Clock:     clk,
		Risk:      riskMgr,
		Positions: posMgr,
		Regimes:   regimes,
		Ensemble:  ens,
		Pool:      pool,
		Bus:       bus,
	})
	go func() {
		if err := ops.Start(); err != nil {
			logger.Error("ops server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ops.Shutdown(shutdownCtx); err != nil {
			logger.Error("ops server shutdown failed", zap.Error(err))
		}
	}()

	if once {
		return sched.RunOnce(ctx)
	}
	return sched.Run(ctx)
}

func dataDir(cfg *config.Config) string {
	if cfg.Store.DataDir == "" {
		return "data"
	}
	return cfg.Store.DataDir
}

func setupLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info", "":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	encoding := cfg.Format
	if encoding == "" {
		encoding = "json"
	}
	encodeLevel := zapcore.LowercaseLevelEncoder
	if encoding == "console" {
		encodeLevel = zapcore.CapitalLevelEncoder
	}

	zc := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return zc.Build()
}
