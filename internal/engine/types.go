package engine

import "time"

// PositionState is a position's lifecycle stage inside the engine.
type PositionState string

const (
	StateOpen          PositionState = "OPEN"
	StateMonitoring    PositionState = "MONITORING"
	StateExitTriggered PositionState = "EXIT_TRIGGERED"
	StateClosed        PositionState = "CLOSED"
)

// Rung is one take-profit ladder step. TargetPct is the net gain (after the
// round-trip fee) that arms the rung; ExitFraction is the share of the
// remaining quantity to sell when it fires.
type Rung struct {
	TargetPct    float64 `yaml:"target_pct"`
	ExitFraction float64 `yaml:"exit_fraction"`
}

// Controls gates entry-side behavior. Exits are never gated: the engine
// must always be able to reduce risk.
type Controls interface {
	EntriesHalted() bool
	EmergencyStop() bool
}

// PriceSource resolves a live price for a generic symbol. The second return
// is false when no fresh price is available.
type PriceSource interface {
	Price(symbol string) (float64, bool)
}

// Config tunes one engine instance.
type Config struct {
	Symbols          []string      `yaml:"symbols"`
	CycleInterval    time.Duration `yaml:"cycle_interval"`
	MaxOpenPositions int           `yaml:"max_open_positions"`

	StopLossPct     float64       `yaml:"stop_loss_pct"`    // fraction below entry
	TrailingOffset  float64       `yaml:"trailing_offset"`  // 0 disables trailing
	TakeProfitRungs []Rung        `yaml:"take_profit_rungs"`
	MaxHoldDuration time.Duration `yaml:"max_hold_duration"` // 0 disables time exit
	CatastrophicPct float64       `yaml:"catastrophic_pct"`  // loss that trips the breaker
}

// DefaultConfig returns engine defaults for spot copy trading.
func DefaultConfig() Config {
	return Config{
		CycleInterval:    15 * time.Second,
		MaxOpenPositions: 3,
		StopLossPct:      0.02,
		TrailingOffset:   0.015,
		TakeProfitRungs: []Rung{
			{TargetPct: 0.008, ExitFraction: 0.40},
			{TargetPct: 0.015, ExitFraction: 0.35},
			{TargetPct: 0.030, ExitFraction: 1.00},
		},
		MaxHoldDuration: 4 * time.Hour,
		CatastrophicPct: 0.08,
	}
}
