// Package position is the durable record of one account's open positions.
// The tracker exclusively owns its Position set; every mutation is persisted
// atomically before the call returns.
package position

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultDustUSD is the quote-currency value below which a balance is not a
// manageable position: it cannot be meaningfully sized, managed, or sold.
const DefaultDustUSD = 1.00

// Position is one tracked holding.
type Position struct {
	Symbol          string    `json:"symbol"` // generic ASSET-QUOTE form
	Side            string    `json:"side"`   // LONG (spot)
	EntryPrice      float64   `json:"entry_price"`
	Quantity        float64   `json:"quantity"`
	NotionalAtEntry float64   `json:"notional_at_entry"`
	StopLoss        float64   `json:"stop_loss"`
	TakeProfit      float64   `json:"take_profit"`
	TrailingStop    float64   `json:"trailing_stop"` // active trailed stop level, 0 if off
	TrailingOffset  float64   `json:"trailing_offset"`
	HighWaterMark   float64   `json:"high_water_mark"`
	RungsFilled     int       `json:"rungs_filled"` // take-profit ladder progress
	OpenedAt        time.Time `json:"opened_at"`
	AccountID       string    `json:"account_id"`
	Synthetic       bool      `json:"synthetic"` // adopted orphan, entry = market at adoption
}

// PnL describes a position's unrealized result at a given price.
type PnL struct {
	Pct float64
	USD float64
}

// Tracker holds positions for one account and persists them to one file.
type Tracker struct {
	mu        sync.RWMutex
	path      string
	accountID string
	quote     string
	dustUSD   float64
	positions map[string]*Position
}

// NewTracker loads (or creates) the position store at path.
func NewTracker(path, accountID, quoteAsset string, dustUSD float64) (*Tracker, error) {
	if dustUSD <= 0 {
		dustUSD = DefaultDustUSD
	}
	t := &Tracker{
		path:      path,
		accountID: accountID,
		quote:     strings.ToUpper(quoteAsset),
		dustUSD:   dustUSD,
		positions: make(map[string]*Position),
	}
	if err := t.load(); err != nil {
		return nil, fmt.Errorf("position tracker %s: %w", accountID, err)
	}
	return t, nil
}

// TrackEntry records a filled entry.
func (t *Tracker) TrackEntry(symbol string, price, qty, notional float64) (Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := &Position{
		Symbol:          strings.ToUpper(symbol),
		Side:            "LONG",
		EntryPrice:      price,
		Quantity:        qty,
		NotionalAtEntry: notional,
		HighWaterMark:   price,
		OpenedAt:        time.Now(),
		AccountID:       t.accountID,
	}
	t.positions[p.Symbol] = p
	if err := t.persistLocked(); err != nil {
		delete(t.positions, p.Symbol)
		return Position{}, err
	}
	return *p, nil
}

// TrackExit removes a position after its exit order filled.
func (t *Tracker) TrackExit(symbol string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	old, ok := t.positions[symbol]
	if !ok {
		return fmt.Errorf("no tracked position for %s", symbol)
	}
	delete(t.positions, symbol)
	if err := t.persistLocked(); err != nil {
		t.positions[symbol] = old
		return err
	}
	return nil
}

// Reduce lowers a position's quantity after a partial (laddered) exit and
// advances the take-profit rung counter.
func (t *Tracker) Reduce(symbol string, soldQty float64) (Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[strings.ToUpper(symbol)]
	if !ok {
		return Position{}, fmt.Errorf("no tracked position for %s", symbol)
	}
	prev := *p
	p.Quantity -= soldQty
	if p.Quantity < 0 {
		p.Quantity = 0
	}
	p.RungsFilled++
	if err := t.persistLocked(); err != nil {
		*p = prev
		return Position{}, err
	}
	return *p, nil
}

// SetStops sets protective levels on a tracked position.
func (t *Tracker) SetStops(symbol string, stopLoss, takeProfit, trailingOffset float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[strings.ToUpper(symbol)]
	if !ok {
		return fmt.Errorf("no tracked position for %s", symbol)
	}
	prev := *p
	p.StopLoss = stopLoss
	p.TakeProfit = takeProfit
	p.TrailingOffset = trailingOffset
	if trailingOffset > 0 {
		p.TrailingStop = p.HighWaterMark * (1 - trailingOffset)
	}
	if err := t.persistLocked(); err != nil {
		*p = prev
		return err
	}
	return nil
}

// RatchetTrailing raises the trailing stop if price made a new high.
// The stop only ever moves up.
func (t *Tracker) RatchetTrailing(symbol string, price float64) (Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[strings.ToUpper(symbol)]
	if !ok || p.TrailingOffset <= 0 {
		return Position{}, false
	}
	if price <= p.HighWaterMark {
		return *p, false
	}
	p.HighWaterMark = price
	p.TrailingStop = price * (1 - p.TrailingOffset)
	if err := t.persistLocked(); err != nil {
		return *p, false
	}
	return *p, true
}

// Get returns a snapshot of one position.
func (t *Tracker) Get(symbol string) (Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[strings.ToUpper(symbol)]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// List returns a snapshot of all positions.
func (t *Tracker) List() []Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, *p)
	}
	return out
}

// Count returns the number of open positions.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.positions)
}

// CalculatePnL returns the unrealized PnL for a position at currentPrice.
func (t *Tracker) CalculatePnL(symbol string, currentPrice float64) (PnL, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.positions[strings.ToUpper(symbol)]
	if !ok {
		return PnL{}, fmt.Errorf("no tracked position for %s", symbol)
	}
	if p.EntryPrice <= 0 {
		return PnL{}, fmt.Errorf("position %s has no entry price", symbol)
	}
	pct := (currentPrice - p.EntryPrice) / p.EntryPrice
	return PnL{Pct: pct, USD: (currentPrice - p.EntryPrice) * p.Quantity}, nil
}

func (t *Tracker) load() error {
	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var stored map[string]*Position
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("corrupt position store %s: %w", t.path, err)
	}
	t.positions = stored
	if t.positions == nil {
		t.positions = make(map[string]*Position)
	}
	return nil
}

// persistLocked writes the full position map via temp file + rename so a
// crash never leaves a truncated store.
func (t *Tracker) persistLocked() error {
	data, err := json.MarshalIndent(t.positions, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, t.path)
}
