// Package orchestrator runs the entry and exit pipelines of a position
// against the capital ledger, the exit authority and the trade store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/lpbot/internal/domain"
	"github.com/alejandrodnm/lpbot/internal/ports"
)

// Ledger is the subset of the capital ledger the pipelines use.
type Ledger interface {
	IsReady() bool
	Balance(ctx context.Context) (float64, error)
	Equity(ctx context.Context) (float64, error)
	Allocate(ctx context.Context, tradeID string, amount float64) (bool, error)
	ApplyPnL(ctx context.Context, tradeID string, pnl float64) error
}

// ExitAuthority serializes exits of the same trade.
type ExitAuthority interface {
	CanExitTrade(ctx context.Context, tradeID string) (bool, error)
	AcquireExitLock(ctx context.Context, tradeID, caller string) (bool, error)
	ReleaseExitLock(ctx context.Context, tradeID string) error
	MarkTradeClosed(ctx context.Context, tradeID string) error
}

// ModeCaps bounds the size of one entry for a sizing mode.
type ModeCaps struct {
	MaxPctOfEquity float64 `yaml:"max_pct_of_equity"`
	MinUSD         float64 `yaml:"min_usd"`
	MaxUSD         float64 `yaml:"max_usd"`
}

// Config holds the entry guardrails and the exit noise filter.
type Config struct {
	MinAbsoluteFloorUSD float64                        `yaml:"min_absolute_floor_usd"`
	MinBalancePct       float64                        `yaml:"min_balance_pct"`        // of equity, kept liquid
	MaxTotalDeployedPct float64                        `yaml:"max_total_deployed_pct"` // of equity
	SevereMigrationPct  float64                        `yaml:"severe_migration_pct"`   // outflow that blocks entry
	Modes               map[domain.SizingMode]ModeCaps `yaml:"modes"`
	MinHoldTime         time.Duration                  `yaml:"min_hold_time"`
}

// DefaultConfig returns conservative guardrails.
func DefaultConfig() Config {
	return Config{
		MinAbsoluteFloorUSD: 50,
		MinBalancePct:       0.20,
		MaxTotalDeployedPct: 0.40,
		SevereMigrationPct:  10,
		Modes: map[domain.SizingMode]ModeCaps{
			domain.SizingExploration: {MaxPctOfEquity: 0.02, MinUSD: 5, MaxUSD: 25},
			domain.SizingStandard:    {MaxPctOfEquity: 0.05, MinUSD: 10, MaxUSD: 100},
			domain.SizingAggressive:  {MaxPctOfEquity: 0.10, MinUSD: 25, MaxUSD: 250},
		},
		MinHoldTime: 5 * time.Minute,
	}
}

// Validate checks the percentages and the mode caps.
func (c Config) Validate() error {
	var errs []error
	if c.MinBalancePct < 0 || c.MinBalancePct >= 1 {
		errs = append(errs, fmt.Errorf("min_balance_pct %.2f out of [0,1)", c.MinBalancePct))
	}
	if c.MaxTotalDeployedPct <= 0 || c.MaxTotalDeployedPct > 1 {
		errs = append(errs, fmt.Errorf("max_total_deployed_pct %.2f out of (0,1]", c.MaxTotalDeployedPct))
	}
	for mode, caps := range c.Modes {
		if caps.MinUSD > caps.MaxUSD {
			errs = append(errs, fmt.Errorf("mode %s: min_usd %.2f > max_usd %.2f", mode, caps.MinUSD, caps.MaxUSD))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("orchestrator.Config: %w", errors.Join(errs...))
	}
	return nil
}

// Orchestrator owns the in-memory active-trade cache. The store stays the
// source of truth; the cache is rebuilt by LoadActiveTrades.
type Orchestrator struct {
	ledger    Ledger
	exits     ExitAuthority
	trades    ports.TradeStore
	valuation ports.Valuation
	cfg       Config
	now       func() time.Time
	recorder  ports.Recorder

	mu     sync.RWMutex
	active map[string]domain.Trade
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRecorder sends trade events to r.
func WithRecorder(r ports.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// New wires the pipelines.
func New(ledger Ledger, exits ExitAuthority, trades ports.TradeStore, valuation ports.Valuation, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		ledger:    ledger,
		exits:     exits,
		trades:    trades,
		valuation: valuation,
		cfg:       cfg,
		now:       time.Now,
		recorder:  ports.NopRecorder{},
		active:    make(map[string]domain.Trade),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// LoadActiveTrades rebuilds the cache from the store's open trades.
func (o *Orchestrator) LoadActiveTrades(ctx context.Context) (int, error) {
	open, err := o.trades.GetOpenTrades(ctx)
	if err != nil {
		return 0, domain.Persistence("orchestrator.LoadActiveTrades", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = make(map[string]domain.Trade, len(open))
	for _, t := range open {
		o.active[t.ID] = t
	}
	slog.Info("orchestrator: active trades loaded", "count", len(open))
	return len(open), nil
}

// ActiveTrades returns a snapshot of the cache, oldest first.
func (o *Orchestrator) ActiveTrades() []domain.Trade {
	o.mu.RLock()
	out := make([]domain.Trade, 0, len(o.active))
	for _, t := range o.active {
		out = append(out, t)
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// ActiveTradeIDs returns the ids in ActiveTrades order.
func (o *Orchestrator) ActiveTradeIDs() []string {
	trades := o.ActiveTrades()
	ids := make([]string, len(trades))
	for i, t := range trades {
		ids[i] = t.ID
	}
	return ids
}

func (o *Orchestrator) track(t domain.Trade) {
	o.mu.Lock()
	o.active[t.ID] = t
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}
