package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandrodnm/lpbot/config"
	"github.com/alejandrodnm/lpbot/internal/adapters/metrics"
	"github.com/alejandrodnm/lpbot/internal/adapters/storage"
	"github.com/alejandrodnm/lpbot/internal/adapters/telemetry"
	"github.com/alejandrodnm/lpbot/internal/adapters/valuation"
	"github.com/alejandrodnm/lpbot/internal/application/exitauth"
	"github.com/alejandrodnm/lpbot/internal/application/killswitch"
	"github.com/alejandrodnm/lpbot/internal/application/ledger"
	"github.com/alejandrodnm/lpbot/internal/application/orchestrator"
	"github.com/alejandrodnm/lpbot/internal/application/scheduler"
	"github.com/alejandrodnm/lpbot/internal/domain"
	"github.com/alejandrodnm/lpbot/internal/ports"
	"github.com/alejandrodnm/lpbot/internal/strategy"
)

type options struct {
	once         bool
	dryRun       bool
	report       bool
	seal         bool
	resetCapital float64
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one cycle and exit")
	dryRun := flag.Bool("dry-run", false, "replay telemetry frames from telemetry.file instead of the HTTP service")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	report := flag.Bool("report", false, "print the capital ledger report and exit")
	resetCapital := flag.Float64("reset-capital", 0, "cancel open trades, drop locks and reset capital to this USD balance, then exit")
	seal := flag.Bool("seal", false, "seal reconciliation (forbids future resets) and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	slog.Info("lpbot starting",
		"config", *configPath,
		"interval", cfg.Scheduler.Interval,
		"dsn", cfg.Storage.DSN,
		"strategy", cfg.Strategy.Name,
		"dry_run", *dryRun,
		"once", *once,
	)

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err = run(ctx, cfg, store, options{
		once:         *once,
		dryRun:       *dryRun,
		report:       *report,
		seal:         *seal,
		resetCapital: *resetCapital,
	})
	cancel()
	store.Close()

	if err != nil {
		if domain.IsFatal(err) {
			slog.Error("lpbot halted: trading invariant breached", "kind", domain.FatalKindOf(err), "err", err)
		} else {
			slog.Error("lpbot exited with error", "err", err)
		}
		os.Exit(1)
	}
	slog.Info("lpbot stopped cleanly")
}

func run(ctx context.Context, cfg *config.Config, store *storage.SQLiteStorage, opts options) error {
	recorder := metrics.NewPrometheus()
	l := ledger.New(store, cfg.LedgerPolicy(), ledger.WithRecorder(recorder))
	if _, err := l.Initialize(ctx, cfg.Ledger.InitialCapital); err != nil {
		return err
	}
	defer l.Close()

	// ─── Comandos administrativos ───
	switch {
	case opts.resetCapital > 0:
		audit, err := l.ResetCapital(ctx, opts.resetCapital)
		if err != nil {
			return err
		}
		fmt.Printf("capital reset: $%.2f → $%.2f (cancelled %d trades, deleted %d locks)\n",
			audit.Before.Equity(), audit.After.Equity(), audit.TradesCancelled, audit.LocksDeleted)
		// el siguiente arranque compara contra el equity reseteado, no contra el anterior
		if err := store.SaveEquitySnapshot(ctx, "reset", audit.After.Equity(), audit.CreatedAt); err != nil {
			return domain.Persistence("main: reset equity snapshot", err)
		}
		return nil
	case opts.seal:
		return l.Seal(ctx)
	case opts.report:
		return printReport(ctx, l, store)
	}

	// ─── Recuperación tras reinicio ───
	exits := exitauth.New(store)
	if _, err := exits.Recover(ctx); err != nil {
		return err
	}
	equity, err := l.Equity(ctx)
	if err != nil {
		return err
	}
	if prev, ok, err := store.LatestEquitySnapshot(ctx); err != nil {
		return domain.Persistence("main: latest equity snapshot", err)
	} else if ok {
		if err := l.ValidateRestartEquity(prev, equity); err != nil {
			return err
		}
	}
	if err := l.Reconcile(ctx); err != nil {
		return err
	}
	if _, err := l.SetRunEpoch(ctx, "", equity); err != nil {
		return err
	}

	// ─── Wiring ───
	paper := valuation.NewPaper(cfg.Valuation)
	source, err := metricsSource(cfg, opts.dryRun)
	if err != nil {
		return err
	}
	provider := paper.Tap(source)

	orch := orchestrator.New(l, exits, store, paper, cfg.Orchestrator, orchestrator.WithRecorder(recorder))
	if _, err := orch.LoadActiveTrades(ctx); err != nil {
		return err
	}

	ks := killswitch.New(cfg.KillSwitch)
	st, err := store.LoadKillSwitch(ctx)
	if err != nil {
		return domain.Persistence("main: load kill switch", err)
	}
	ks.Restore(st)
	if st.IsKilled {
		slog.Warn("kill switch restored in killed state", "reason", st.Reason, "cooldown_until", st.CooldownUntil)
	}

	strat, err := strategy.NewRegistry(cfg.Strategy.MicroScore).Get(cfg.Strategy.Name)
	if err != nil {
		return err
	}

	sched := scheduler.New(l, orch, ks, provider, strat, paper, store, cfg.Scheduler,
		scheduler.WithRecorder(recorder))

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, recorder)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if opts.once {
		res, err := sched.RunOnce(ctx)
		if err != nil {
			return err
		}
		slog.Info("single cycle complete",
			"pools", res.Pools,
			"killed", res.Decision.Killed,
			"entries", res.Entries,
			"exits", res.Exits+res.ForcedExits,
			"rejections", res.Rejections,
			"equity", fmt.Sprintf("$%.2f", res.LedgerEquity),
		)
		return nil
	}
	return sched.Run(ctx)
}

func metricsSource(cfg *config.Config, dryRun bool) (ports.MetricsProvider, error) {
	if dryRun {
		if cfg.Telemetry.File == "" {
			return nil, errors.New("main: -dry-run needs telemetry.file")
		}
		fp, err := telemetry.LoadFile(cfg.Telemetry.File)
		if err != nil {
			return nil, err
		}
		return fp, nil
	}
	if cfg.Telemetry.BaseURL == "" {
		return nil, errors.New("main: telemetry.url is empty (set LPBOT_TELEMETRY_URL or use -dry-run)")
	}
	return telemetry.NewClient(cfg.Telemetry.ClientConfig), nil
}

func serveMetrics(addr string, recorder *metrics.Prometheus) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", recorder.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "err", err)
		}
	}()
	return srv
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
