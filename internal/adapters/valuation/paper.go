// Package valuation produces USD-normalized fills for paper trading from the
// prices carried by pool telemetry.
package valuation

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/alejandrodnm/lpbot/internal/domain"
	"github.com/alejandrodnm/lpbot/internal/ports"
)

var (
	ErrNoPrice    = errors.New("no price observed")
	ErrStalePrice = errors.New("price is stale")
	ErrBadPrice   = errors.New("price is not a positive finite number")
)

// Config holds the simulated execution costs.
type Config struct {
	FeeRate      float64       `yaml:"fee_rate"`      // per side, fraction of notional
	SlippageRate float64       `yaml:"slippage_rate"` // per side, fraction of notional
	MaxPriceAge  time.Duration `yaml:"max_price_age"` // 0 disables the check
}

// DefaultConfig returns 0.3% fees and 0.1% slippage per side.
func DefaultConfig() Config {
	return Config{FeeRate: 0.003, SlippageRate: 0.001, MaxPriceAge: 5 * time.Minute}
}

type quote struct {
	price float64
	at    time.Time
}

// Paper values positions at the last observed pool price. The LP position is
// marked as a 50/50 constant-product share: value scales with the square
// root of the price ratio since entry.
type Paper struct {
	cfg Config
	now func() time.Time

	mu     sync.RWMutex
	prices map[string]quote
}

// NewPaper returns a Paper with no observed prices.
func NewPaper(cfg Config) *Paper {
	return &Paper{cfg: cfg, now: time.Now, prices: make(map[string]quote)}
}

// WithClock overrides time.Now for staleness checks.
func (p *Paper) WithClock(now func() time.Time) *Paper {
	p.now = now
	return p
}

// Observe records the prices of a telemetry snapshot. Non-positive prices are ignored.
func (p *Paper) Observe(ms []domain.PoolMetricsSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range ms {
		if m.Pool == "" || !(m.PriceUSD > 0) || math.IsInf(m.PriceUSD, 0) {
			continue
		}
		at := m.At
		if at.IsZero() {
			at = p.now()
		}
		p.prices[m.Pool] = quote{price: m.PriceUSD, at: at}
	}
}

// Tap wraps src so every fetched snapshot updates the price table.
func (p *Paper) Tap(src ports.MetricsProvider) ports.MetricsProvider {
	return &tap{src: src, paper: p}
}

type tap struct {
	src   ports.MetricsProvider
	paper *Paper
}

func (t *tap) FetchPoolMetrics(ctx context.Context) ([]domain.PoolMetricsSnapshot, error) {
	ms, err := t.src.FetchPoolMetrics(ctx)
	if err != nil {
		return nil, err
	}
	t.paper.Observe(ms)
	return ms, nil
}

// NormalizeEntry implements ports.Valuation.
func (p *Paper) NormalizeEntry(_ context.Context, pool string, sizeUSD float64) (domain.EntryFill, error) {
	if !(sizeUSD > 0) || math.IsInf(sizeUSD, 0) {
		return domain.EntryFill{}, &domain.NormalizationError{
			Pool: pool, Stage: "entry",
			Context: map[string]float64{"size_usd": sizeUSD},
			Err:     errors.New("size is not a positive finite number"),
		}
	}
	price, err := p.price(pool)
	if err != nil {
		return domain.EntryFill{}, &domain.NormalizationError{
			Pool: pool, Stage: "entry",
			Context: map[string]float64{"size_usd": sizeUSD},
			Err:     err,
		}
	}
	slip := sizeUSD * p.cfg.SlippageRate
	return domain.EntryFill{
		ValueUSD:    sizeUSD - slip,
		FeesUSD:     sizeUSD * p.cfg.FeeRate,
		SlippageUSD: slip,
		Price:       price,
	}, nil
}

// MarkToMarket implements ports.Valuation.
func (p *Paper) MarkToMarket(_ context.Context, t domain.Trade) (domain.Valuation, error) {
	fail := func(err error, price float64) (domain.Valuation, error) {
		return domain.Valuation{}, &domain.NormalizationError{
			Pool: t.Pool, Stage: "mtm",
			Context: map[string]float64{
				"entry_price":     t.EntryPrice,
				"entry_value_usd": t.EntryValueUSD,
				"price":           price,
			},
			Err: err,
		}
	}
	if !(t.EntryPrice > 0) {
		return fail(ErrBadPrice, 0)
	}
	price, err := p.price(t.Pool)
	if err != nil {
		return fail(err, 0)
	}
	gross := t.EntryValueUSD * math.Sqrt(price/t.EntryPrice)
	if math.IsNaN(gross) || math.IsInf(gross, 0) {
		return fail(ErrBadPrice, price)
	}
	slip := gross * p.cfg.SlippageRate
	mtm := gross - slip
	return domain.Valuation{
		MTMValueUSD:     mtm,
		ExitFeesUSD:     gross * p.cfg.FeeRate,
		ExitSlippageUSD: slip,
		Price:           price,
		UnrealizedPnL:   mtm - t.CostBasis(),
	}, nil
}

func (p *Paper) price(pool string) (float64, error) {
	p.mu.RLock()
	q, ok := p.prices[pool]
	p.mu.RUnlock()
	if !ok {
		return 0, ErrNoPrice
	}
	if p.cfg.MaxPriceAge > 0 && p.now().Sub(q.at) > p.cfg.MaxPriceAge {
		return 0, ErrStalePrice
	}
	return q.price, nil
}
