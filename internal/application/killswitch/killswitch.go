// Package killswitch is the market-wide safety governor. It watches pool
// telemetry and decides when every non-protected position must be exited.
package killswitch

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/lpbot/internal/domain"
	"github.com/alejandrodnm/lpbot/internal/ports"
)

// AliveRatio is the share of pools with at least one live signal.
// Degraded is set when there was no telemetry to judge.
type AliveRatio struct {
	Ratio    float64
	Alive    int
	Total    int
	Degraded bool
}

// Context is the per-cycle input of Evaluate.
type Context struct {
	Metrics        []domain.PoolMetricsSnapshot
	SnapshotCount  int           // cumulative telemetry snapshots this run
	Runtime        time.Duration // process uptime
	ActiveTradeIDs []string
	// Protected exempts trades from the forced-exit sweep. Nil protects none.
	Protected ports.ProtectionPredicate
}

// Decision is the outcome of one Evaluate call.
type Decision struct {
	// KillAll asks the caller to exit every active trade not listed in
	// ProtectedTradeIDs. It stays true for as long as the switch is killed.
	KillAll           bool
	Killed            bool
	Triggered         bool // the kill fired on this cycle
	Resumed           bool
	Degraded          bool
	AliveRatio        AliveRatio
	MarketHealth      float64
	CooldownRemaining time.Duration
	ProtectedTradeIDs []string
	Reason            string
}

// Switch holds the kill state of one process. Safe for concurrent use.
type Switch struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	state domain.KillSwitchState
}

// Option customizes a Switch.
type Option func(*Switch)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Switch) { s.now = now }
}

// New creates a healthy switch.
func New(cfg Config, opts ...Option) *Switch {
	s := &Switch{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsPoolAlive is true when any single signal fires. The fee signal only
// counts when the 60s baseline is itself positive.
func (s *Switch) IsPoolAlive(m domain.PoolMetricsSnapshot) bool {
	switch {
	case m.SwapVelocity > s.cfg.MinSwapVelocity:
		return true
	case math.Abs(m.LiquidityFlowPct) > s.cfg.MinLiquidityFlowPct:
		return true
	case m.Entropy > s.cfg.MinEntropy:
		return true
	case m.FeeIntensityBaseline60s > 0 && m.FeeIntensity > m.FeeIntensityBaseline60s:
		return true
	}
	return false
}

// CalculateAliveRatio returns alive/total. Empty input is degraded with a
// zero ratio, never healthy.
func (s *Switch) CalculateAliveRatio(metrics []domain.PoolMetricsSnapshot) AliveRatio {
	if len(metrics) == 0 {
		return AliveRatio{Degraded: true}
	}
	alive := 0
	for _, m := range metrics {
		if s.IsPoolAlive(m) {
			alive++
		}
	}
	return AliveRatio{
		Ratio: float64(alive) / float64(len(metrics)),
		Alive: alive,
		Total: len(metrics),
	}
}

// CalculateMarketHealth is the mean MicroScore of the top-N pools.
func (s *Switch) CalculateMarketHealth(metrics []domain.PoolMetricsSnapshot) float64 {
	if len(metrics) == 0 {
		return s.cfg.NeutralHealth
	}
	scores := make([]float64, len(metrics))
	for i, m := range metrics {
		scores[i] = m.MicroScore
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
	if s.cfg.TopN > 0 && len(scores) > s.cfg.TopN {
		scores = scores[:s.cfg.TopN]
	}
	sum := 0.0
	for _, v := range scores {
		sum += v
	}
	return sum / float64(len(scores))
}

// CheckResumeConditions requires both readings strictly above the resume
// thresholds.
func (s *Switch) CheckResumeConditions(aliveRatio, marketHealth float64) bool {
	return aliveRatio > s.cfg.ResumeAliveRatio && marketHealth > s.cfg.ResumeHealthScore
}

// Evaluate advances the state machine by one cycle.
func (s *Switch) Evaluate(c Context) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ratio := s.CalculateAliveRatio(c.Metrics)
	health := s.CalculateMarketHealth(c.Metrics)
	d := Decision{AliveRatio: ratio, MarketHealth: health, Degraded: ratio.Degraded}
	s.state.LastCheckTimestamp = now

	if ratio.Degraded {
		slog.Warn("killswitch: degraded telemetry, no pool metrics this cycle")
	}

	if s.state.IsKilled {
		if now.Before(s.state.CooldownUntil) {
			return s.killed(d, c, now)
		}
		if !ratio.Degraded && s.CheckResumeConditions(ratio.Ratio, health) {
			slog.Info("killswitch: RESUMED",
				"alive_ratio", fmt.Sprintf("%.2f", ratio.Ratio),
				"health", fmt.Sprintf("%.1f", health),
				"killed_for", now.Sub(s.state.KillTimestamp).Round(time.Second))
			s.state = domain.KillSwitchState{LastCheckTimestamp: now}
			d.Resumed = true
			return d
		}
		s.state.CooldownUntil = now.Add(s.cfg.RecheckInterval)
		slog.Info("killswitch: resume conditions not met, rechecking",
			"alive_ratio", fmt.Sprintf("%.2f", ratio.Ratio),
			"health", fmt.Sprintf("%.1f", health),
			"next_check", s.cfg.RecheckInterval)
		return s.killed(d, c, now)
	}

	met, reason := s.killCondition(c, ratio, health)
	if !met {
		s.state.ConsecutiveKillConditions = 0
		return d
	}
	s.state.ConsecutiveKillConditions++
	if s.state.ConsecutiveKillConditions < s.cfg.DebounceCycles {
		slog.Warn("killswitch: kill condition met, waiting for confirmation",
			"reason", reason,
			"cycle", s.state.ConsecutiveKillConditions,
			"needed", s.cfg.DebounceCycles)
		d.Reason = reason
		return d
	}

	s.state.IsKilled = true
	s.state.KillTimestamp = now
	s.state.CooldownUntil = now.Add(s.cfg.Cooldown)
	s.state.Reason = reason
	d = s.killed(d, c, now)
	d.Triggered = true
	slog.Error("killswitch: KILL TRIGGERED",
		"reason", reason,
		"alive", fmt.Sprintf("%d/%d", ratio.Alive, ratio.Total),
		"health", fmt.Sprintf("%.1f", health),
		"active_trades", len(c.ActiveTradeIDs),
		"protected", len(d.ProtectedTradeIDs),
		"cooldown", s.cfg.Cooldown)
	return d
}

// killCondition applies the kill rule of a healthy switch.
func (s *Switch) killCondition(c Context, ratio AliveRatio, health float64) (bool, string) {
	warm := c.SnapshotCount >= s.cfg.MinSnapshots && c.Runtime >= s.cfg.MinRuntime
	if !warm {
		return false, ""
	}
	if ratio.Ratio < s.cfg.MaxAliveRatio && len(c.ActiveTradeIDs) >= s.cfg.MinTrades {
		r := fmt.Sprintf("alive ratio %.2f < %.2f", ratio.Ratio, s.cfg.MaxAliveRatio)
		if ratio.Degraded {
			r += " (degraded telemetry)"
		}
		return true, r
	}
	if health < s.cfg.MinHealthScore {
		return true, fmt.Sprintf("market health %.1f < %.1f", health, s.cfg.MinHealthScore)
	}
	return false, ""
}

// killed fills d for a killed cycle and refreshes the protected list.
func (s *Switch) killed(d Decision, c Context, now time.Time) Decision {
	var protected []string
	if c.Protected != nil {
		for _, id := range c.ActiveTradeIDs {
			if c.Protected(id) {
				protected = append(protected, id)
			}
		}
	}
	s.state.ProtectedTradeIDs = protected

	d.KillAll = true
	d.Killed = true
	d.ProtectedTradeIDs = protected
	d.Reason = s.state.Reason
	if rem := s.state.CooldownUntil.Sub(now); rem > 0 {
		d.CooldownRemaining = rem
	}
	return d
}

// IsKilled reports the current kill state.
func (s *Switch) IsKilled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsKilled
}

// State returns a copy of the state for persistence.
func (s *Switch) State() domain.KillSwitchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.ProtectedTradeIDs = append([]string(nil), s.state.ProtectedTradeIDs...)
	return st
}

// Restore replaces the state with one loaded at startup.
func (s *Switch) Restore(st domain.KillSwitchState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	if st.IsKilled {
		slog.Warn("killswitch: restored in KILLED state",
			"reason", st.Reason,
			"cooldown_until", st.CooldownUntil.Format(time.RFC3339))
	}
}
