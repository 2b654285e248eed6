// Package risk sizes positions and throttles exposure for one account.
// All sizing decisions flow from the account's live balance through the
// tier table, signal-quality multiplier, and drawdown throttle, so two
// accounts with different balances never receive the same notional for
// the same signal.
package risk

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"copytrade-core/internal/account"
	"copytrade-core/pkg/db"
)

// Manager is the capital scaler and risk gate for a single account.
type Manager struct {
	mu        sync.RWMutex
	cfg       Config
	accountID string

	metrics  Metrics
	day      string
	exposure map[string]float64 // symbol -> open notional

	breakerTripped bool
	breakerReason  string

	store *db.Database // optional, equity history persistence
	now   func() time.Time
}

// NewManager validates cfg and returns a Manager for accountID.
// store may be nil when audit persistence is not wanted.
func NewManager(accountID string, cfg Config, store *db.Database) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:       cfg,
		accountID: accountID,
		exposure:  make(map[string]float64),
		store:     store,
		now:       time.Now,
	}
	m.day = dayKey(m.now())
	return m, nil
}

// SizePosition converts the account's current balance and a signal quality
// score in [0,1] into a position notional in quote currency. The returned
// value is never below the account's exchange minimum and never above the
// tier maximum or the live balance.
func (m *Manager) SizePosition(acct account.Context, signalQuality float64) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	balance := acct.Balance
	if balance <= 0 {
		return 0, fmt.Errorf("account %s has no balance to size against", m.accountID)
	}

	tier := m.tierFor(balance)
	notional := balance * tier.BasePct

	// Below the bypass threshold every sub-1.0 multiplier just pushes the
	// order under the venue minimum, so quality scaling is skipped there.
	if balance >= m.cfg.QualityBypassBalance {
		notional *= m.qualityMult(signalQuality)
	}

	if notional < tier.MinUSD {
		notional = tier.MinUSD
	}
	if notional > tier.MaxUSD {
		notional = tier.MaxUSD
	}

	if scale := m.drawdownScaleLocked(); scale < 1 {
		notional *= scale
	}

	if m.cfg.MaxPositionUSD > 0 && notional > m.cfg.MaxPositionUSD {
		notional = m.cfg.MaxPositionUSD
	}
	if notional > balance {
		notional = balance
	}
	// The exchange minimum is a hard floor: a throttled size below it
	// would only ever be rejected. An account that cannot fund the minimum
	// cannot trade at all.
	if notional < acct.MinTradeNotional {
		if balance < acct.MinTradeNotional {
			return 0, fmt.Errorf("account %s balance %.2f below venue minimum notional %.2f", m.accountID, balance, acct.MinTradeNotional)
		}
		notional = acct.MinTradeNotional
	}
	return notional, nil
}

// CheckExposure reports whether adding notional for symbol would breach the
// per-position cap or its correlated group's cap.
func (m *Manager) CheckExposure(symbol string, notional float64) (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.cfg.MaxPositionUSD > 0 && m.exposure[symbol]+notional > m.cfg.MaxPositionUSD {
		return false, fmt.Sprintf("position cap %.2f exceeded for %s", m.cfg.MaxPositionUSD, symbol)
	}
	group, ok := m.cfg.CorrelatedGroups[symbol]
	if !ok {
		return true, ""
	}
	groupCap, ok := m.cfg.GroupCaps[group]
	if !ok || groupCap <= 0 {
		return true, ""
	}
	total := notional
	for sym, n := range m.exposure {
		if m.cfg.CorrelatedGroups[sym] == group {
			total += n
		}
	}
	if total > groupCap {
		return false, fmt.Sprintf("group %s cap %.2f exceeded (would be %.2f)", group, groupCap, total)
	}
	return true, ""
}

// RegisterEntry records open notional for exposure accounting.
func (m *Manager) RegisterEntry(symbol string, notional float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exposure[symbol] += notional
}

// RegisterExit releases exposure for symbol. fraction in (0,1] releases a
// partial ladder exit; 1 releases everything.
func (m *Manager) RegisterExit(symbol string, fraction float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fraction >= 1 {
		delete(m.exposure, symbol)
		return
	}
	m.exposure[symbol] *= 1 - fraction
	if m.exposure[symbol] < 0.01 {
		delete(m.exposure, symbol)
	}
}

// ObserveEquity folds a fresh balance reading into the peak/drawdown state
// and persists the daily equity point when a store is attached.
func (m *Manager) ObserveEquity(ctx context.Context, equity float64) float64 {
	m.mu.Lock()
	m.rolloverLocked()
	if equity > m.metrics.EquityPeak {
		m.metrics.EquityPeak = equity
	}
	if m.metrics.EquityPeak > 0 {
		m.metrics.CurrentDrawdown = (m.metrics.EquityPeak - equity) / m.metrics.EquityPeak
	}
	point := db.EquityPoint{
		AccountID: m.accountID,
		Date:      m.day,
		Equity:    equity,
		Peak:      m.metrics.EquityPeak,
		Drawdown:  m.metrics.CurrentDrawdown,
	}
	dd := m.metrics.CurrentDrawdown
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.UpsertEquity(ctx, point); err != nil {
			log.Printf("risk %s: persist equity: %v", m.accountID, err)
		}
	}
	return dd
}

// RecordTrade folds a realized result into the running metrics.
func (m *Manager) RecordTrade(netPnL float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()

	m.metrics.DailyPnL += netPnL
	m.metrics.DailyTrades++
	m.metrics.TotalRealizedPnL += netPnL
	if netPnL < 0 {
		m.metrics.DailyLosses += -netPnL
		m.metrics.WinStreak = 0
	} else if netPnL > 0 {
		m.metrics.WinStreak++
	}
}

// GetMetrics returns a snapshot of the account's metrics.
func (m *Manager) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// DrawdownScale exposes the current throttle multiplier.
func (m *Manager) DrawdownScale() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.drawdownScaleLocked()
}

// TripBreaker halts new entries until an operator acknowledges. Trips are
// sticky across cycles; only AcknowledgeBreaker clears them.
func (m *Manager) TripBreaker(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.breakerTripped {
		log.Printf("risk %s: circuit breaker tripped: %s", m.accountID, reason)
	}
	m.breakerTripped = true
	m.breakerReason = reason
}

// BreakerTripped reports breaker state and the trip reason.
func (m *Manager) BreakerTripped() (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breakerTripped, m.breakerReason
}

// AcknowledgeBreaker clears a tripped breaker. Operator action only.
func (m *Manager) AcknowledgeBreaker() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breakerTripped {
		log.Printf("risk %s: circuit breaker acknowledged, entries re-enabled", m.accountID)
	}
	m.breakerTripped = false
	m.breakerReason = ""
}

// MinProfitTarget returns the smallest configured take-profit, net of fees.
func (m *Manager) MinProfitTarget() float64 { return m.cfg.MinProfitTarget }

// RoundTripFeePct returns the configured round-trip fee fraction.
func (m *Manager) RoundTripFeePct() float64 { return m.cfg.RoundTripFeePct }

func (m *Manager) tierFor(balance float64) Tier {
	tier := m.cfg.Tiers[0]
	for _, t := range m.cfg.Tiers {
		if balance >= t.MinBalance {
			tier = t
		}
	}
	return tier
}

func (m *Manager) qualityMult(quality float64) float64 {
	if quality < 0 {
		quality = 0
	}
	if quality > 1 {
		quality = 1
	}
	return m.cfg.MinQualityMult + (1-m.cfg.MinQualityMult)*quality
}

func (m *Manager) drawdownScaleLocked() float64 {
	scale := 1.0
	for _, step := range m.cfg.DrawdownSteps {
		if m.metrics.CurrentDrawdown >= step.Threshold {
			scale = step.Scale
		}
	}
	return scale
}

// rolloverLocked resets daily counters when the calendar date changes.
func (m *Manager) rolloverLocked() {
	today := dayKey(m.now())
	if today == m.day {
		return
	}
	m.day = today
	m.metrics.DailyPnL = 0
	m.metrics.DailyTrades = 0
	m.metrics.DailyLosses = 0
}
