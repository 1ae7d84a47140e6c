package killswitch

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the thresholds of the market-health governor.
type Config struct {
	// Pool-alive signals. Any one firing makes a pool alive.
	MinSwapVelocity     float64 `yaml:"min_swap_velocity"`
	MinLiquidityFlowPct float64 `yaml:"min_liquidity_flow_pct"` // compared against |flow|
	MinEntropy          float64 `yaml:"min_entropy"`

	// Kill thresholds.
	MaxAliveRatio  float64 `yaml:"max_alive_ratio"`
	MinHealthScore float64 `yaml:"min_health_score"`

	// Resume thresholds; must be strictly above the kill thresholds.
	ResumeAliveRatio  float64 `yaml:"resume_alive_ratio"`
	ResumeHealthScore float64 `yaml:"resume_health_score"`

	// Warm-up gates before a kill may fire.
	MinSnapshots int           `yaml:"min_snapshots"`
	MinRuntime   time.Duration `yaml:"min_runtime"`
	MinTrades    int           `yaml:"min_trades"`

	Cooldown        time.Duration `yaml:"cooldown"`
	RecheckInterval time.Duration `yaml:"recheck_interval"`
	DebounceCycles  int           `yaml:"debounce_cycles"`

	TopN          int     `yaml:"top_n"`
	NeutralHealth float64 `yaml:"neutral_health"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MinSwapVelocity:     0.1,
		MinLiquidityFlowPct: 0.5,
		MinEntropy:          0.3,
		MaxAliveRatio:       0.20,
		MinHealthScore:      25,
		ResumeAliveRatio:    0.28,
		ResumeHealthScore:   35,
		MinSnapshots:        10,
		MinRuntime:          15 * time.Minute,
		MinTrades:           3,
		Cooldown:            10 * time.Minute,
		RecheckInterval:     60 * time.Second,
		DebounceCycles:      2,
		TopN:                10,
		NeutralHealth:       50,
	}
}

// Validate rejects configurations without a hysteresis gap or with
// non-positive timings.
func (c Config) Validate() error {
	var errs []error
	if c.ResumeAliveRatio <= c.MaxAliveRatio {
		errs = append(errs, fmt.Errorf("resume_alive_ratio %.2f must be > max_alive_ratio %.2f",
			c.ResumeAliveRatio, c.MaxAliveRatio))
	}
	if c.ResumeHealthScore <= c.MinHealthScore {
		errs = append(errs, fmt.Errorf("resume_health_score %.1f must be > min_health_score %.1f",
			c.ResumeHealthScore, c.MinHealthScore))
	}
	if c.Cooldown <= 0 {
		errs = append(errs, errors.New("cooldown must be > 0"))
	}
	if c.RecheckInterval <= 0 {
		errs = append(errs, errors.New("recheck_interval must be > 0"))
	}
	if c.DebounceCycles < 1 {
		errs = append(errs, errors.New("debounce_cycles must be >= 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("killswitch.Config: %w", errors.Join(errs...))
	}
	return nil
}
