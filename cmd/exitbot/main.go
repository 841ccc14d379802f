package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alejandrodnm/exitbot/config"
	"github.com/alejandrodnm/exitbot/internal/adapters/alpaca"
	"github.com/alejandrodnm/exitbot/internal/adapters/logfile"
	"github.com/alejandrodnm/exitbot/internal/adapters/storage"
	"github.com/alejandrodnm/exitbot/internal/application/engine/exit"
	"github.com/alejandrodnm/exitbot/internal/domain"
	"github.com/alejandrodnm/exitbot/internal/marketdata"
	"github.com/alejandrodnm/exitbot/internal/portfolio"
	"github.com/alejandrodnm/exitbot/internal/ports"
	"github.com/alejandrodnm/exitbot/internal/session"
	"github.com/alejandrodnm/exitbot/internal/strategy"
)

// Exit codes.
const (
	exitOK       = 0
	exitFailure  = 1
	exitConfig   = 2
	exitMismatch = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	report := flag.Bool("report", false, "print exit progress from the bucket log and tick store, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		return exitConfig
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	holidays, err := session.NewUSMarketCalendar(cfg.Trading.ExtraHolidays)
	if err != nil {
		slog.Error("invalid holiday calendar", "err", err)
		return exitConfig
	}
	sess, err := session.New(cfg.Trading.Timezone, cfg.Trading.StartTime, cfg.Trading.EndTime, holidays)
	if err != nil {
		slog.Error("invalid trading session", "err", err)
		return exitConfig
	}
	loc := sess.Location()
	now := time.Now()

	logWriter := logfile.NewDailyWriter(cfg.Log.Dir, sess.Day(now))
	defer logWriter.Close()
	setupLogger(cfg.Log, logWriter)

	strat, err := strategy.NewRegistry().Get(cfg.Trading.Strategy)
	if err != nil {
		slog.Error("unknown strategy", "err", err)
		return exitConfig
	}

	csvLog := storage.NewCSVLog(filepath.Join(cfg.Storage.OutputDir, storage.DefaultLogFile), loc)

	if err := os.MkdirAll(cfg.Storage.OutputDir, 0o755); err != nil {
		slog.Error("failed to create output dir", "err", err, "dir", cfg.Storage.OutputDir)
		return exitFailure
	}
	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		return exitFailure
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *report {
		if err := runReport(ctx, cfg, csvLog, store); err != nil {
			slog.Error("report failed", "err", err)
			return exitFailure
		}
		return exitOK
	}

	slog.Info("exitbot starting",
		"config", *configPath,
		"instrument", cfg.Position.InstrumentID,
		"quantity", cfg.Position.StartingPositionQuantity,
		"buckets", cfg.Trading.SellBuckets,
		"strategy", cfg.Trading.CloseStrategy,
		"paper", cfg.Paper(),
		"session", cfg.Trading.StartTime+"-"+cfg.Trading.EndTime+" "+cfg.Trading.Timezone,
		"log_file", logWriter.Path(),
	)
	if path, err := cfg.SaveCopy(cfg.Storage.OutputDir, now.In(loc)); err != nil {
		slog.Warn("failed to save config copy", "err", err)
	} else if path != "" {
		slog.Info("config copy saved", "path", path)
	}

	if cfg.Metrics.Addr != "" {
		srv := startMetrics(cfg.Metrics.Addr)
		defer func() {
			shutdownCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
			defer c()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	broker := alpaca.NewClient(alpaca.Config{
		Key:           cfg.API.Key,
		Secret:        cfg.API.Secret,
		Paper:         cfg.Paper(),
		TradingBase:   cfg.API.TradingBase,
		TradingStream: cfg.API.TradingStream,
		DataStream:    cfg.API.DataStream,
	})
	defer broker.Close()

	var ticks ports.TickStore
	if cfg.MarketData.SaveMarketData {
		ticks = store
	}
	market := marketdata.New(marketdata.Config{
		Location:      loc,
		StoreAllTicks: cfg.MarketData.StoreAllTicks,
		FlushEvery:    cfg.MarketData.FlushEvery,
	}, ticks)

	pm := portfolio.New(portfolio.Config{
		Symbol:       cfg.Position.InstrumentID,
		Location:     loc,
		OrderTimeout: cfg.OrderTimeout(),
	}, broker, csvLog, store)

	eng := exit.New(exit.Config{
		Symbol:              cfg.Position.InstrumentID,
		StartingQty:         cfg.Position.StartingPositionQuantity,
		OpenPosition:        cfg.Position.OpenPosition,
		ProfitTargets:       cfg.Trading.ProfitTargets,
		BucketCount:         cfg.Trading.SellBuckets,
		ClosePolicy:         cfg.Trading.CloseStrategy,
		Runner:              cfg.Trading.RunnerBucket,
		ExpiryCutoffMinutes: cfg.Trading.ExpirySellCutoffMinutes,
		MinOptionsLevel:     cfg.Trading.MinOptionsLevel,
		PollInterval:        cfg.PollInterval(),
		SessionCheck:        cfg.SessionCheckInterval(),
		ReconcileInterval:   cfg.ReconcileInterval(),
		EntryTimeout:        cfg.EntryTimeout(),
	}, exit.Deps{
		Broker:    broker,
		Session:   sess,
		Market:    market,
		Portfolio: pm,
		Strategy:  strat,
		OnNewDay: func(day time.Time) {
			if _, err := logWriter.Rotate(day); err != nil {
				slog.Warn("log rotation failed", "err", err)
			}
		},
	})

	err = eng.Run(ctx)
	switch {
	case err == nil:
		slog.Info("exitbot finished: all buckets resolved")
		return exitOK
	case errors.Is(err, context.Canceled):
		slog.Info("exitbot stopped by signal", "state", eng.State().String())
		return exitOK
	case errors.Is(err, domain.ErrPositionMismatch):
		slog.Error("exitbot aborted: position mismatch", "err", err)
		return exitMismatch
	case errors.Is(err, domain.ErrOptionsLevel):
		slog.Error("exitbot aborted: account not approved for options", "err", err)
		return exitConfig
	}
	slog.Error("exitbot exited with error", "err", err)
	return exitFailure
}

func startMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "err", err)
		}
	}()
	return srv
}

func setupLogger(cfg config.LogConfig, file *logfile.DailyWriter) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if file != nil {
		out = io.MultiWriter(os.Stdout, file)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
}
