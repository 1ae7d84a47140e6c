// Package scheduler drives one trading cycle at a time: telemetry, kill
// switch, strategy exits, strategy entries and the equity guard.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/lpbot/internal/application/killswitch"
	"github.com/alejandrodnm/lpbot/internal/application/orchestrator"
	"github.com/alejandrodnm/lpbot/internal/domain"
	"github.com/alejandrodnm/lpbot/internal/ports"
)

// ErrCycleInProgress is returned when RunOnce is called while a cycle runs.
var ErrCycleInProgress = errors.New("scheduler: cycle in progress")

const (
	defaultInterval = 60 * time.Second
	defaultStopFile = "STOP_LPBOT"
)

// Ledger is what the equity guard needs from the capital ledger.
type Ledger interface {
	Equity(ctx context.Context) (float64, error)
	RunScopedNetEquity(ctx context.Context, unrealizedPnL float64) (float64, error)
	ValidateEquitySanity(ctx context.Context, netEquity, maxUnrealizedPnL, epsilon float64) error
	Epoch() (domain.RunEpoch, bool)
}

// Trader opens and closes positions.
type Trader interface {
	EnterPosition(ctx context.Context, req orchestrator.EntryRequest) (orchestrator.EntryResult, error)
	ExitPosition(ctx context.Context, tradeID string, data orchestrator.ExitData) (orchestrator.ExitResult, error)
	ActiveTrades() []domain.Trade
}

// Governor is the kill switch.
type Governor interface {
	Evaluate(c killswitch.Context) killswitch.Decision
	State() domain.KillSwitchState
}

// StateStore persists what must survive a restart.
type StateStore interface {
	SaveKillSwitch(ctx context.Context, st domain.KillSwitchState) error
	SaveEquitySnapshot(ctx context.Context, runID string, equity float64, at time.Time) error
}

// Config holds loop settings.
type Config struct {
	Interval time.Duration `yaml:"interval"`
	StopFile string        `yaml:"stop_file"`
	Epsilon  float64       `yaml:"epsilon"`
}

// CycleResult contains everything produced by one cycle.
type CycleResult struct {
	Cycle         int
	Pools         int
	SnapshotCount int
	Decision      killswitch.Decision
	ForcedExits   int
	Exits         int
	Entries       int
	Rejections    int
	LedgerEquity  float64
	Unrealized    float64
	NetEquity     float64 // run-scoped
	Warnings      []string
}

// Scheduler runs cycles one at a time.
type Scheduler struct {
	ledger    Ledger
	trader    Trader
	governor  Governor
	metrics   ports.MetricsProvider
	strategy  ports.Strategy
	valuation ports.Valuation
	store     StateStore
	cfg       Config
	now       func() time.Time
	recorder  ports.Recorder

	started   time.Time
	running   atomic.Bool
	cycle     int
	snapshots int

	haltMu  sync.Mutex
	haltErr error
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithRecorder sends kill switch readings to r.
func WithRecorder(r ports.Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// New creates a scheduler. Runtime for the kill switch is measured from here.
func New(
	ledger Ledger,
	trader Trader,
	governor Governor,
	metrics ports.MetricsProvider,
	strategy ports.Strategy,
	valuation ports.Valuation,
	store StateStore,
	cfg Config,
	opts ...Option,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.StopFile == "" {
		cfg.StopFile = defaultStopFile
	}
	s := &Scheduler{
		ledger:    ledger,
		trader:    trader,
		governor:  governor,
		metrics:   metrics,
		strategy:  strategy,
		valuation: valuation,
		store:     store,
		cfg:       cfg,
		now:       time.Now,
		recorder:  ports.NopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()
	return s
}

// Halted returns the fatal error that stopped trading, if any.
func (s *Scheduler) Halted() error {
	s.haltMu.Lock()
	defer s.haltMu.Unlock()
	return s.haltErr
}

func (s *Scheduler) halt(err error) error {
	s.haltMu.Lock()
	defer s.haltMu.Unlock()
	if s.haltErr == nil {
		s.haltErr = err
		slog.Error("scheduler: TRADING HALTED", "err", err, "kind", domain.FatalKindOf(err))
	}
	return s.haltErr
}

// mustHalt reports whether err forbids any further trading.
func mustHalt(err error) bool {
	return domain.IsFatal(err) || errors.Is(err, domain.ErrLedgerNotReady) || errors.Is(err, domain.ErrExitAuthorityNotReady)
}

// RunOnce executes one cycle. Orchestrates: telemetry → kill switch →
// exits → entries → equity guard → persistence.
func (s *Scheduler) RunOnce(ctx context.Context) (*CycleResult, error) {
	if err := s.Halted(); err != nil {
		return nil, err
	}
	if !s.running.CompareAndSwap(false, true) {
		slog.Warn("scheduler: previous cycle still running, skipping")
		return nil, ErrCycleInProgress
	}
	defer s.running.Store(false)

	s.cycle++
	res := &CycleResult{Cycle: s.cycle}

	// 1. Telemetry. A failed fetch is evaluated as degraded, not skipped.
	metrics, err := s.metrics.FetchPoolMetrics(ctx)
	if err != nil {
		slog.Warn("scheduler: telemetry fetch failed, evaluating as degraded", "err", err)
		res.Warnings = append(res.Warnings, fmt.Sprintf("telemetry: %v", err))
		metrics = nil
	}
	if len(metrics) > 0 {
		s.snapshots++
	}
	res.Pools = len(metrics)
	res.SnapshotCount = s.snapshots

	// 2. Kill switch. The strategy sees this cycle's trades and prices before
	// the sweep asks it which trades are protected.
	active := s.trader.ActiveTrades()
	s.strategy.Refresh(ctx, active, metrics)
	ids := make([]string, len(active))
	for i, t := range active {
		ids[i] = t.ID
	}
	d := s.governor.Evaluate(killswitch.Context{
		Metrics:        metrics,
		SnapshotCount:  s.snapshots,
		Runtime:        s.now().Sub(s.started),
		ActiveTradeIDs: ids,
		Protected:      s.strategy.IsProtected,
	})
	res.Decision = d
	s.recorder.KillSwitch(d.Killed, d.AliveRatio.Ratio, d.MarketHealth)

	if d.KillAll {
		if err := s.forceExits(ctx, active, d, res); err != nil {
			return res, err
		}
	}

	// 3. Strategy exits
	for _, sig := range s.strategy.ExitSignals(ctx, s.trader.ActiveTrades(), metrics) {
		out, err := s.trader.ExitPosition(ctx, sig.TradeID, orchestrator.ExitData{Reason: sig.Reason, Caller: sig.Caller})
		if err != nil {
			if mustHalt(err) {
				return res, s.halt(err)
			}
			slog.Warn("scheduler: exit failed", "trade", sig.TradeID, "reason", sig.Reason, "err", err)
			res.Warnings = append(res.Warnings, fmt.Sprintf("exit %s: %v", sig.TradeID, err))
			continue
		}
		if out.Success {
			res.Exits++
		}
	}

	// 4. Strategy entries, never while killed
	if !d.Killed {
		for _, c := range s.strategy.EntryCandidates(ctx, metrics) {
			out, err := s.trader.EnterPosition(ctx, orchestrator.EntryRequest{
				Pool:             c.Pool,
				SizingMode:       c.SizingMode,
				RequestedSize:    c.RequestedSize,
				RiskTier:         c.RiskTier,
				Leverage:         c.Leverage,
				MigrationFlowPct: c.MigrationFlowPct,
			})
			if err != nil {
				if mustHalt(err) {
					return res, s.halt(err)
				}
				slog.Warn("scheduler: entry failed", "pool", c.Pool, "err", err)
				res.Warnings = append(res.Warnings, fmt.Sprintf("entry %s: %v", c.Pool, err))
			}
			if out.Success {
				res.Entries++
			} else {
				res.Rejections++
			}
		}
	}

	// 5. Equity guard
	if err := s.checkEquity(ctx, res); err != nil {
		return res, err
	}

	// 6. Persist runtime state
	if err := s.store.SaveKillSwitch(ctx, s.governor.State()); err != nil {
		slog.Warn("scheduler: error saving kill switch state", "err", err)
	}
	if epoch, ok := s.ledger.Epoch(); ok {
		if err := s.store.SaveEquitySnapshot(ctx, epoch.RunID, res.LedgerEquity, s.now()); err != nil {
			slog.Warn("scheduler: error saving equity snapshot", "err", err)
		}
	}
	return res, nil
}

// forceExits closes every active trade the kill switch did not protect.
func (s *Scheduler) forceExits(ctx context.Context, active []domain.Trade, d killswitch.Decision, res *CycleResult) error {
	protected := make(map[string]bool, len(d.ProtectedTradeIDs))
	for _, id := range d.ProtectedTradeIDs {
		protected[id] = true
	}
	for _, t := range active {
		if protected[t.ID] {
			slog.Info("scheduler: kill sweep skipping protected trade", "trade", t.ID, "pool", t.Pool)
			continue
		}
		out, err := s.trader.ExitPosition(ctx, t.ID, orchestrator.ExitData{Reason: domain.ExitKillSwitch, Caller: "kill_switch"})
		if err != nil {
			if mustHalt(err) {
				return s.halt(err)
			}
			slog.Error("scheduler: forced exit failed, retrying next cycle", "trade", t.ID, "err", err)
			res.Warnings = append(res.Warnings, fmt.Sprintf("forced exit %s: %v", t.ID, err))
			continue
		}
		if out.Success {
			res.ForcedExits++
		}
	}
	if res.ForcedExits > 0 {
		slog.Warn("scheduler: kill sweep done",
			"closed", res.ForcedExits,
			"protected", len(d.ProtectedTradeIDs),
			"reason", d.Reason)
	}
	return nil
}

// checkEquity values open positions and runs the phantom-equity check on
// durable equity plus unrealized P&L.
func (s *Scheduler) checkEquity(ctx context.Context, res *CycleResult) error {
	equity, err := s.ledger.Equity(ctx)
	if err != nil {
		if mustHalt(err) {
			return s.halt(err)
		}
		slog.Warn("scheduler: equity read failed", "err", err)
		return nil
	}
	res.LedgerEquity = equity

	unrealized, maxUnrealized := 0.0, 0.0
	for _, t := range s.trader.ActiveTrades() {
		v, err := s.valuation.MarkToMarket(ctx, t)
		if err != nil {
			slog.Warn("scheduler: mark-to-market failed", "trade", t.ID, "pool", t.Pool, "err", err)
			continue
		}
		unrealized += v.UnrealizedPnL
		if v.UnrealizedPnL > 0 {
			maxUnrealized += v.UnrealizedPnL
		}
	}
	res.Unrealized = unrealized

	if err := s.ledger.ValidateEquitySanity(ctx, equity+unrealized, maxUnrealized, s.cfg.Epsilon); err != nil {
		if mustHalt(err) {
			return s.halt(err)
		}
		slog.Warn("scheduler: equity sanity check skipped", "err", err)
		return nil
	}
	net, err := s.ledger.RunScopedNetEquity(ctx, unrealized)
	if err != nil {
		slog.Warn("scheduler: run-scoped equity unavailable", "err", err)
		return nil
	}
	res.NetEquity = net
	return nil
}

// Run executes a cycle immediately and then every interval until ctx is
// done, the stop file appears, or trading halts on a fatal error.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	slog.Info("scheduler: started", "interval", s.cfg.Interval, "stop_file", s.cfg.StopFile)
	if err := s.runCycle(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler: stopped (signal)", "total_cycles", s.cycle)
			return nil
		case <-ticker.C:
			if _, err := os.Stat(s.cfg.StopFile); err == nil {
				slog.Info("scheduler: stop file detected, shutting down", "file", s.cfg.StopFile, "total_cycles", s.cycle)
				os.Remove(s.cfg.StopFile)
				return nil
			}
			if err := s.runCycle(ctx); err != nil {
				return err
			}
		}
	}
}

// runCycle logs one cycle and returns only halting errors.
func (s *Scheduler) runCycle(ctx context.Context) error {
	res, err := s.RunOnce(ctx)
	if halted := s.Halted(); halted != nil {
		return halted
	}
	if err != nil {
		if !errors.Is(err, ErrCycleInProgress) {
			slog.Error("scheduler: cycle failed", "err", err)
		}
		return nil
	}
	slog.Info("scheduler: cycle complete",
		"cycle", res.Cycle,
		"pools", res.Pools,
		"alive_ratio", fmt.Sprintf("%.2f", res.Decision.AliveRatio.Ratio),
		"health", fmt.Sprintf("%.1f", res.Decision.MarketHealth),
		"killed", res.Decision.Killed,
		"forced_exits", res.ForcedExits,
		"exits", res.Exits,
		"entries", res.Entries,
		"rejections", res.Rejections,
		"equity", fmt.Sprintf("$%.2f", res.LedgerEquity),
		"unrealized", fmt.Sprintf("$%.4f", res.Unrealized),
	)
	for _, w := range res.Warnings {
		slog.Warn("scheduler: " + w)
	}
	return nil
}
