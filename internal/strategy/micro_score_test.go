package strategy_test

import (
	"context"
	"testing"

	"github.com/alejandrodnm/lpbot/internal/domain"
	"github.com/alejandrodnm/lpbot/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snap(pool string, score, price float64) domain.PoolMetricsSnapshot {
	return domain.PoolMetricsSnapshot{Pool: pool, MicroScore: score, SwapVelocity: 1, PriceUSD: price}
}

func trade(id, pool string) domain.Trade {
	return domain.Trade{ID: id, Pool: pool, EntryPrice: 1, EntryValueUSD: 50}
}

func TestEntryCandidates_RankAndSize(t *testing.T) {
	s := strategy.NewMicroScore(strategy.DefaultMicroScoreConfig())
	ms := []domain.PoolMetricsSnapshot{
		snap("low", 62, 1),
		snap("skip", 40, 1),
		snap("top", 90, 1),
		snap("mid", 75, 1),
		snap("fourth", 61, 1),
	}

	got := s.EntryCandidates(context.Background(), ms)
	require.Len(t, got, 3, "capped per cycle")
	assert.Equal(t, "top", got[0].Pool)
	assert.Equal(t, domain.SizingAggressive, got[0].SizingMode)
	assert.InDelta(t, 150, got[0].RequestedSize, 1e-9)
	assert.Equal(t, "high", got[0].RiskTier)
	assert.Equal(t, "mid", got[1].Pool)
	assert.Equal(t, domain.SizingStandard, got[1].SizingMode)
	assert.Equal(t, "low", got[2].Pool)
	assert.Equal(t, domain.SizingExploration, got[2].SizingMode)
}

func TestEntryCandidates_Filters(t *testing.T) {
	s := strategy.NewMicroScore(strategy.DefaultMicroScoreConfig())
	idle := snap("idle", 80, 1)
	idle.SwapVelocity = 0
	noPrice := snap("noprice", 80, 0)
	weakFees := snap("fees", 80, 1)
	weakFees.FeeIntensity = 0.5
	weakFees.FeeIntensityBaseline60s = 1
	migrating := snap("migrating", 80, 1)
	migrating.LiquidityFlowPct = -12

	got := s.EntryCandidates(context.Background(), []domain.PoolMetricsSnapshot{idle, noPrice, weakFees, migrating})
	require.Len(t, got, 1)
	assert.Equal(t, "migrating", got[0].Pool, "migration is the orchestrator's guardrail")
	assert.InDelta(t, -12, got[0].MigrationFlowPct, 1e-9)
}

func TestEntryCandidates_SkipsOpenPools(t *testing.T) {
	s := strategy.NewMicroScore(strategy.DefaultMicroScoreConfig())
	ctx := context.Background()
	ms := []domain.PoolMetricsSnapshot{snap("A", 80, 1), snap("B", 80, 1)}

	s.ExitSignals(ctx, []domain.Trade{trade("t1", "A")}, ms)
	got := s.EntryCandidates(ctx, ms)
	require.Len(t, got, 1)
	assert.Equal(t, "B", got[0].Pool)
}

func TestExitSignals(t *testing.T) {
	s := strategy.NewMicroScore(strategy.DefaultMicroScoreConfig())
	flow := snap("flow", 70, 1)
	flow.LiquidityFlowPct = -9
	ms := []domain.PoolMetricsSnapshot{
		snap("hard", 70, 0.7),
		snap("stop", 70, 0.9),
		snap("tp", 70, 1.25),
		flow,
		snap("decay", 30, 1),
		snap("fine", 70, 1.02),
	}
	open := []domain.Trade{
		trade("hard", "hard"), trade("stop", "stop"), trade("tp", "tp"),
		trade("flow", "flow"), trade("decay", "decay"), trade("fine", "fine"),
		trade("gone", "untracked"),
	}

	got := map[string]domain.ExitReason{}
	for _, sig := range s.ExitSignals(context.Background(), open, ms) {
		got[sig.TradeID] = sig.Reason
		assert.Equal(t, "micro_score", sig.Caller)
	}
	assert.Equal(t, map[string]domain.ExitReason{
		"hard":  domain.ExitHardStop,
		"stop":  domain.ExitStopLoss,
		"tp":    domain.ExitTakeProfit,
		"flow":  domain.ExitMicrostructure,
		"decay": domain.ExitScoreDecay,
	}, got)
}

func TestIsProtected(t *testing.T) {
	s := strategy.NewMicroScore(strategy.DefaultMicroScoreConfig())
	ctx := context.Background()
	open := []domain.Trade{trade("win", "A"), trade("flat", "B")}

	assert.False(t, s.IsProtected("win"), "nothing is protected before the first refresh")

	s.Refresh(ctx, open, []domain.PoolMetricsSnapshot{snap("A", 70, 1.1), snap("B", 70, 1)})
	assert.True(t, s.IsProtected("win"))
	assert.False(t, s.IsProtected("flat"))

	s.ExitSignals(ctx, open, []domain.PoolMetricsSnapshot{snap("A", 70, 1), snap("B", 70, 1)})
	assert.False(t, s.IsProtected("win"), "protection follows the latest prices")
}

func TestRefresh_TracksOpenPools(t *testing.T) {
	s := strategy.NewMicroScore(strategy.DefaultMicroScoreConfig())
	ctx := context.Background()
	ms := []domain.PoolMetricsSnapshot{snap("A", 80, 1), snap("B", 80, 1)}

	s.Refresh(ctx, []domain.Trade{trade("t1", "B")}, ms)
	got := s.EntryCandidates(ctx, ms)
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].Pool)
}

func TestRegistry(t *testing.T) {
	r := strategy.NewRegistry(strategy.DefaultMicroScoreConfig())
	s, err := r.Get("micro_score")
	require.NoError(t, err)
	assert.NotNil(t, s)

	_, err = r.Get("reward_farming")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "micro_score")
}
