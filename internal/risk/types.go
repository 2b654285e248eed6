package risk

import (
	"fmt"
	"time"
)

// Tier is one balance band. Base percentage grows with balance: fee drag is
// proportionally larger for very small accounts, so they need a larger
// fraction per trade to clear fees at all.
type Tier struct {
	Name       string  `yaml:"name"`
	MinBalance float64 `yaml:"min_balance"` // band lower bound, inclusive
	BasePct    float64 `yaml:"base_pct"`    // fraction of balance per position
	MinUSD     float64 `yaml:"min_usd"`
	MaxUSD     float64 `yaml:"max_usd"`
}

// DrawdownStep is one explicit throttle breakpoint. Operators reason about
// exact thresholds, so this is a step table, not a curve.
type DrawdownStep struct {
	Threshold float64 `yaml:"threshold"` // drawdown fraction from equity peak
	Scale     float64 `yaml:"scale"`     // exposure multiplier at/above threshold
}

// Config defines capital scaling and exposure parameters for one account.
type Config struct {
	Tiers []Tier `yaml:"tiers"`

	// Quality multiplier: [MinQualityMult, 1.0], bypassed below
	// QualityBypassBalance where compounding sub-1.0 multipliers would
	// shrink positions under the venue minimum and guarantee rejection.
	MinQualityMult       float64 `yaml:"min_quality_mult"`
	QualityBypassBalance float64 `yaml:"quality_bypass_balance"`

	DrawdownSteps []DrawdownStep `yaml:"drawdown_steps"`

	// Fee/profit co-design: every tier minimum must clear the round trip
	// at the smallest profit target.
	RoundTripFeePct  float64 `yaml:"round_trip_fee_pct"`
	MinProfitTarget  float64 `yaml:"min_profit_target"` // smallest TP rung, net
	MaxPositionUSD   float64 `yaml:"max_position_usd"`  // hard per-position cap, 0 = off
	GroupCaps        map[string]float64 `yaml:"group_caps"`
	CorrelatedGroups map[string]string  `yaml:"correlated_groups"` // symbol -> group
}

// Metrics tracks one account's realized performance.
type Metrics struct {
	DailyPnL         float64
	DailyTrades      int
	DailyLosses      float64
	TotalRealizedPnL float64
	EquityPeak       float64
	CurrentDrawdown  float64
	WinStreak        int
}

// DefaultConfig returns the stock scaling configuration.
func DefaultConfig() Config {
	return Config{
		Tiers: []Tier{
			{Name: "micro", MinBalance: 0, BasePct: 0.90, MinUSD: 2.00, MaxUSD: 10},
			{Name: "small", MinBalance: 25, BasePct: 0.35, MinUSD: 5.00, MaxUSD: 75},
			{Name: "standard", MinBalance: 250, BasePct: 0.20, MinUSD: 20.00, MaxUSD: 500},
			{Name: "large", MinBalance: 5000, BasePct: 0.10, MinUSD: 100.00, MaxUSD: 2500},
		},
		MinQualityMult:       0.40,
		QualityBypassBalance: 5.00,
		DrawdownSteps: []DrawdownStep{
			{Threshold: 0.05, Scale: 0.75},
			{Threshold: 0.10, Scale: 0.40},
			{Threshold: 0.20, Scale: 0.20},
		},
		RoundTripFeePct: 0.002, // 0.1% taker each way
		MinProfitTarget: 0.008,
		MaxPositionUSD:  0,
		GroupCaps:       map[string]float64{},
		CorrelatedGroups: map[string]string{},
	}
}

// Validate enforces structural invariants. Sizing and profit-target
// configuration are co-designed: a config whose smallest position cannot
// net a profit at the smallest target is rejected outright.
func (c Config) Validate() error {
	if len(c.Tiers) == 0 {
		return fmt.Errorf("risk config: no tiers")
	}
	for i, tier := range c.Tiers {
		if tier.BasePct <= 0 || tier.BasePct > 1 {
			return fmt.Errorf("risk config: tier %s base_pct %.3f out of (0,1]", tier.Name, tier.BasePct)
		}
		if tier.MinUSD <= 0 || tier.MaxUSD < tier.MinUSD {
			return fmt.Errorf("risk config: tier %s bad min/max %.2f/%.2f", tier.Name, tier.MinUSD, tier.MaxUSD)
		}
		if i > 0 && tier.MinBalance <= c.Tiers[i-1].MinBalance {
			return fmt.Errorf("risk config: tiers not in ascending balance order at %s", tier.Name)
		}
	}
	if c.MinQualityMult <= 0 || c.MinQualityMult > 1 {
		return fmt.Errorf("risk config: min_quality_mult %.3f out of (0,1]", c.MinQualityMult)
	}
	if c.MinProfitTarget <= c.RoundTripFeePct {
		return fmt.Errorf("risk config: min profit target %.4f does not clear round-trip fee %.4f",
			c.MinProfitTarget, c.RoundTripFeePct)
	}
	prevScale := 1.0
	prevThreshold := 0.0
	for _, step := range c.DrawdownSteps {
		if step.Threshold <= prevThreshold {
			return fmt.Errorf("risk config: drawdown thresholds must be ascending")
		}
		if step.Scale >= prevScale || step.Scale <= 0 {
			return fmt.Errorf("risk config: drawdown scales must be strictly decreasing in (0,1)")
		}
		prevThreshold = step.Threshold
		prevScale = step.Scale
	}
	return nil
}

// dayKey buckets metrics by calendar date.
func dayKey(t time.Time) string { return t.Format("2006-01-02") }
