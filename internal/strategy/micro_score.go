package strategy

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/alejandrodnm/lpbot/internal/domain"
	"github.com/alejandrodnm/lpbot/internal/ports"
)

const microScoreName = "micro_score"

// MicroScoreConfig configura la estrategia.
type MicroScoreConfig struct {
	EntryScore       float64 `yaml:"entry_score"`        // score mínimo para entrar
	StandardScore    float64 `yaml:"standard_score"`     // por debajo: exploration
	AggressiveScore  float64 `yaml:"aggressive_score"`   // desde aquí: aggressive
	ExitScore        float64 `yaml:"exit_score"`         // score decay
	MinFeeRatio      float64 `yaml:"min_fee_ratio"`      // fee intensity / baseline 60s
	MigrationExitPct float64 `yaml:"migration_exit_pct"` // outflow que fuerza la salida
	StopLossPct      float64 `yaml:"stop_loss_pct"`
	HardStopPct      float64 `yaml:"hard_stop_pct"`
	TakeProfitPct    float64 `yaml:"take_profit_pct"`
	ProtectPct       float64 `yaml:"protect_pct"` // ganancia que exime del barrido del kill switch
	MaxEntries       int     `yaml:"max_entries_per_cycle"`

	SizeUSD map[domain.SizingMode]float64 `yaml:"size_usd"`
}

// DefaultMicroScoreConfig devuelve umbrales razonables para pools de Solana.
func DefaultMicroScoreConfig() MicroScoreConfig {
	return MicroScoreConfig{
		EntryScore:       60,
		StandardScore:    70,
		AggressiveScore:  85,
		ExitScore:        45,
		MinFeeRatio:      0.8,
		MigrationExitPct: 8,
		StopLossPct:      0.05,
		HardStopPct:      0.12,
		TakeProfitPct:    0.10,
		ProtectPct:       0.04,
		MaxEntries:       3,
		SizeUSD: map[domain.SizingMode]float64{
			domain.SizingExploration: 20,
			domain.SizingStandard:    60,
			domain.SizingAggressive:  150,
		},
	}
}

// MicroScore entra en pools con microestructura sana y sale cuando el score
// decae, la liquidez migra o el precio toca stop/take profit.
type MicroScore struct {
	cfg MicroScoreConfig

	mu        sync.Mutex
	openPools map[string]bool
	protected map[string]bool
}

// NewMicroScore crea la estrategia con la configuración dada.
func NewMicroScore(cfg MicroScoreConfig) *MicroScore {
	return &MicroScore{
		cfg:       cfg,
		openPools: make(map[string]bool),
		protected: make(map[string]bool),
	}
}

// Refresh implementa ports.Strategy: recalcula los pools abiertos y los trades
// protegidos con los precios del ciclo actual.
func (s *MicroScore) Refresh(_ context.Context, open []domain.Trade, metrics []domain.PoolMetricsSnapshot) {
	byPool := index(metrics)
	openPools := make(map[string]bool, len(open))
	protected := make(map[string]bool)
	for _, t := range open {
		openPools[t.Pool] = true
		m, ok := byPool[t.Pool]
		if !ok {
			continue
		}
		if ret, ok := lpReturn(t, m); ok && s.cfg.ProtectPct > 0 && ret >= s.cfg.ProtectPct {
			protected[t.ID] = true
		}
	}

	s.mu.Lock()
	s.openPools = openPools
	s.protected = protected
	s.mu.Unlock()
}

// ExitSignals implementa ports.Strategy. Refresca la vista antes de decidir,
// ya que los trades pueden haber cambiado desde el barrido del kill switch.
func (s *MicroScore) ExitSignals(ctx context.Context, open []domain.Trade, metrics []domain.PoolMetricsSnapshot) []ports.ExitSignal {
	s.Refresh(ctx, open, metrics)

	byPool := index(metrics)
	var out []ports.ExitSignal
	for _, t := range open {
		m, ok := byPool[t.Pool]
		if !ok {
			continue
		}
		ret, hasRet := lpReturn(t, m)
		if reason, ok := s.exitReason(m, ret, hasRet); ok {
			out = append(out, ports.ExitSignal{TradeID: t.ID, Reason: reason, Caller: microScoreName})
		}
	}
	return out
}

func (s *MicroScore) exitReason(m domain.PoolMetricsSnapshot, ret float64, hasRet bool) (domain.ExitReason, bool) {
	switch {
	case hasRet && s.cfg.HardStopPct > 0 && ret <= -s.cfg.HardStopPct:
		return domain.ExitHardStop, true
	case hasRet && s.cfg.StopLossPct > 0 && ret <= -s.cfg.StopLossPct:
		return domain.ExitStopLoss, true
	case hasRet && s.cfg.TakeProfitPct > 0 && ret >= s.cfg.TakeProfitPct:
		return domain.ExitTakeProfit, true
	case s.cfg.MigrationExitPct > 0 && m.LiquidityFlowPct <= -s.cfg.MigrationExitPct:
		return domain.ExitMicrostructure, true
	case m.MicroScore < s.cfg.ExitScore:
		return domain.ExitScoreDecay, true
	}
	return "", false
}

// EntryCandidates implementa ports.Strategy. Devuelve como mucho MaxEntries
// candidatos, de mayor a menor score, omitiendo pools con trade abierto.
func (s *MicroScore) EntryCandidates(_ context.Context, metrics []domain.PoolMetricsSnapshot) []ports.EntryCandidate {
	s.mu.Lock()
	openPools := s.openPools
	s.mu.Unlock()

	ranked := make([]domain.PoolMetricsSnapshot, 0, len(metrics))
	for _, m := range metrics {
		if m.Pool == "" || openPools[m.Pool] || !s.qualifies(m) {
			continue
		}
		ranked = append(ranked, m)
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].MicroScore > ranked[j].MicroScore })
	if s.cfg.MaxEntries > 0 && len(ranked) > s.cfg.MaxEntries {
		ranked = ranked[:s.cfg.MaxEntries]
	}

	out := make([]ports.EntryCandidate, 0, len(ranked))
	for _, m := range ranked {
		mode, tier := s.sizing(m.MicroScore)
		out = append(out, ports.EntryCandidate{
			Pool:             m.Pool,
			SizingMode:       mode,
			RequestedSize:    s.cfg.SizeUSD[mode],
			RiskTier:         tier,
			Leverage:         1,
			MigrationFlowPct: m.LiquidityFlowPct,
		})
	}
	return out
}

func (s *MicroScore) qualifies(m domain.PoolMetricsSnapshot) bool {
	if m.MicroScore < s.cfg.EntryScore || m.SwapVelocity <= 0 || !(m.PriceUSD > 0) {
		return false
	}
	if m.FeeIntensityBaseline60s > 0 && m.FeeIntensity < s.cfg.MinFeeRatio*m.FeeIntensityBaseline60s {
		return false
	}
	return true
}

func (s *MicroScore) sizing(score float64) (domain.SizingMode, string) {
	switch {
	case score >= s.cfg.AggressiveScore:
		return domain.SizingAggressive, "high"
	case score >= s.cfg.StandardScore:
		return domain.SizingStandard, "medium"
	default:
		return domain.SizingExploration, "low"
	}
}

// IsProtected implementa ports.Strategy.
func (s *MicroScore) IsProtected(tradeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protected[tradeID]
}

func index(metrics []domain.PoolMetricsSnapshot) map[string]domain.PoolMetricsSnapshot {
	out := make(map[string]domain.PoolMetricsSnapshot, len(metrics))
	for _, m := range metrics {
		out[m.Pool] = m
	}
	return out
}

// lpReturn es el retorno de una posición LP 50/50 desde la entrada: sqrt(p/p0) - 1.
func lpReturn(t domain.Trade, m domain.PoolMetricsSnapshot) (float64, bool) {
	if !(t.EntryPrice > 0) || !(m.PriceUSD > 0) {
		return 0, false
	}
	return math.Sqrt(m.PriceUSD/t.EntryPrice) - 1, true
}
