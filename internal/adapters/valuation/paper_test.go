package valuation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alejandrodnm/lpbot/internal/adapters/valuation"
	"github.com/alejandrodnm/lpbot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type sliceProvider []domain.PoolMetricsSnapshot

func (s sliceProvider) FetchPoolMetrics(context.Context) ([]domain.PoolMetricsSnapshot, error) {
	return s, nil
}

func newPaper(now *time.Time) *valuation.Paper {
	return valuation.NewPaper(valuation.DefaultConfig()).WithClock(func() time.Time { return *now })
}

func TestNormalizeEntry(t *testing.T) {
	now := t0
	p := newPaper(&now)
	p.Observe([]domain.PoolMetricsSnapshot{{Pool: "A", PriceUSD: 2, At: t0}})

	fill, err := p.NormalizeEntry(context.Background(), "A", 100)
	require.NoError(t, err)
	assert.InDelta(t, 99.9, fill.ValueUSD, 1e-9)
	assert.InDelta(t, 0.3, fill.FeesUSD, 1e-9)
	assert.InDelta(t, 0.1, fill.SlippageUSD, 1e-9)
	assert.InDelta(t, 2, fill.Price, 1e-9)
}

func TestNormalizeEntry_NoPrice(t *testing.T) {
	now := t0
	p := newPaper(&now)

	_, err := p.NormalizeEntry(context.Background(), "A", 100)
	var ne *domain.NormalizationError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, "A", ne.Pool)
	assert.Equal(t, "entry", ne.Stage)
	assert.ErrorIs(t, err, valuation.ErrNoPrice)
	assert.Contains(t, err.Error(), "size_usd=100")
}

func TestNormalizeEntry_BadSize(t *testing.T) {
	now := t0
	p := newPaper(&now)
	p.Observe([]domain.PoolMetricsSnapshot{{Pool: "A", PriceUSD: 2, At: t0}})

	_, err := p.NormalizeEntry(context.Background(), "A", 0)
	var ne *domain.NormalizationError
	assert.True(t, errors.As(err, &ne))
}

func TestObserve_IgnoresBadPrices(t *testing.T) {
	now := t0
	p := newPaper(&now)
	p.Observe([]domain.PoolMetricsSnapshot{{Pool: "A", PriceUSD: 2, At: t0}})
	p.Observe([]domain.PoolMetricsSnapshot{{Pool: "A", PriceUSD: 0, At: t0}, {Pool: "A", PriceUSD: -1, At: t0}})

	fill, err := p.NormalizeEntry(context.Background(), "A", 10)
	require.NoError(t, err)
	assert.InDelta(t, 2, fill.Price, 1e-9)
}

func TestMarkToMarket_SquareRootScaling(t *testing.T) {
	now := t0
	p := newPaper(&now)
	p.Observe([]domain.PoolMetricsSnapshot{{Pool: "A", PriceUSD: 4, At: t0}})

	v, err := p.MarkToMarket(context.Background(), domain.Trade{Pool: "A", EntryPrice: 1, EntryValueUSD: 100})
	require.NoError(t, err)
	// 100 * sqrt(4) = 200 gross, minus 0.1% slippage
	assert.InDelta(t, 199.8, v.MTMValueUSD, 1e-9)
	assert.InDelta(t, 0.6, v.ExitFeesUSD, 1e-9)
	assert.InDelta(t, 0.2, v.ExitSlippageUSD, 1e-9)
	assert.InDelta(t, 99.8, v.UnrealizedPnL, 1e-9)
}

func TestMarkToMarket_UnrealizedAgainstLockedSize(t *testing.T) {
	now := t0
	p := newPaper(&now)
	p.Observe([]domain.PoolMetricsSnapshot{{Pool: "A", PriceUSD: 1, At: t0}})

	v, err := p.MarkToMarket(context.Background(), domain.Trade{Pool: "A", Size: 100, EntryPrice: 1, EntryValueUSD: 99.9})
	require.NoError(t, err)
	// 99.9 gross at an unchanged price, 0.0999 exit slippage, 100 committed
	assert.InDelta(t, 99.8001, v.MTMValueUSD, 1e-9)
	assert.InDelta(t, -0.1999, v.UnrealizedPnL, 1e-9)
}

func TestMarkToMarket_StalePrice(t *testing.T) {
	now := t0
	p := newPaper(&now)
	p.Observe([]domain.PoolMetricsSnapshot{{Pool: "A", PriceUSD: 4, At: t0}})
	now = t0.Add(6 * time.Minute)

	_, err := p.MarkToMarket(context.Background(), domain.Trade{Pool: "A", EntryPrice: 1, EntryValueUSD: 100})
	assert.ErrorIs(t, err, valuation.ErrStalePrice)
	var ne *domain.NormalizationError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, "mtm", ne.Stage)
}

func TestMarkToMarket_MissingEntryPrice(t *testing.T) {
	now := t0
	p := newPaper(&now)
	p.Observe([]domain.PoolMetricsSnapshot{{Pool: "A", PriceUSD: 4, At: t0}})

	_, err := p.MarkToMarket(context.Background(), domain.Trade{Pool: "A", EntryValueUSD: 100})
	assert.ErrorIs(t, err, valuation.ErrBadPrice)
}

func TestTap_UpdatesPrices(t *testing.T) {
	now := t0
	p := newPaper(&now)
	src := p.Tap(sliceProvider{{Pool: "B", PriceUSD: 3, At: t0}})

	ms, err := src.FetchPoolMetrics(context.Background())
	require.NoError(t, err)
	require.Len(t, ms, 1)

	fill, err := p.NormalizeEntry(context.Background(), "B", 10)
	require.NoError(t, err)
	assert.InDelta(t, 3, fill.Price, 1e-9)
}
