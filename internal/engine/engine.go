// Package engine runs the per-account trading loop: refresh, reconcile,
// evaluate exits in strict priority order, and execute intents through the
// venue connection. One Engine instance serves exactly one account.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"copytrade-core/internal/account"
	"copytrade-core/internal/broker"
	"copytrade-core/internal/events"
	"copytrade-core/internal/position"
	"copytrade-core/internal/risk"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/exchanges/common"
)

// Params collects the engine's collaborators.
type Params struct {
	AccountID string
	IsMaster  bool
	Account   *account.Manager
	Conn      *broker.Connection
	Adapter   *broker.Adapter
	Tracker   *position.Tracker
	Risk      *risk.Manager
	Prices    PriceSource
	Controls  Controls
	Bus       *events.Bus
	Store     *db.Database // optional
	Config    Config
}

// Engine is the trading core for one account.
type Engine struct {
	accountID string
	isMaster  bool
	acct      *account.Manager
	conn      *broker.Connection
	adapter   *broker.Adapter
	tracker   *position.Tracker
	risk      *risk.Manager
	prices    PriceSource
	controls  Controls
	bus       *events.Bus
	store     *db.Database
	cfg       Config

	mu     sync.Mutex
	states map[string]PositionState
}

// New wires an Engine from its collaborators.
func New(p Params) (*Engine, error) {
	if p.Account == nil || p.Conn == nil || p.Adapter == nil || p.Tracker == nil || p.Risk == nil {
		return nil, fmt.Errorf("engine %s: missing collaborator", p.AccountID)
	}
	if len(p.Config.TakeProfitRungs) == 0 {
		p.Config.TakeProfitRungs = DefaultConfig().TakeProfitRungs
	}
	return &Engine{
		accountID: p.AccountID,
		isMaster:  p.IsMaster,
		acct:      p.Account,
		conn:      p.Conn,
		adapter:   p.Adapter,
		tracker:   p.Tracker,
		risk:      p.Risk,
		prices:    p.Prices,
		controls:  p.Controls,
		bus:       p.Bus,
		store:     p.Store,
		cfg:       p.Config,
		states:    make(map[string]PositionState),
	}, nil
}

// AccountID returns the owning account's identifier.
func (e *Engine) AccountID() string { return e.accountID }

// State returns the engine's lifecycle state for a tracked symbol.
func (e *Engine) State(symbol string) PositionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[symbol]; ok {
		return s
	}
	return StateClosed
}

// PositionQuantity exposes the tracked quantity for a symbol.
func (e *Engine) PositionQuantity(symbol string) (float64, bool) {
	p, ok := e.tracker.Get(symbol)
	if !ok {
		return 0, false
	}
	return p.Quantity, true
}

// RunCycle executes one full engine cycle: refresh balances, fold equity
// into risk state, reconcile against the exchange, then walk every open
// position through the exit ladder. Entries never happen here; they arrive
// through SubmitIntent.
func (e *Engine) RunCycle(ctx context.Context) error {
	e.conn.ResetCycle()

	balances, err := e.acct.Refresh(ctx)
	if err != nil {
		log.Printf("engine %s: balance refresh failed, skipping cycle: %v", e.accountID, err)
		return err
	}
	acct := e.acct.Context()
	e.risk.ObserveEquity(ctx, acct.Balance)

	report, err := e.tracker.Reconcile(balances, e.reconcilePrice(ctx))
	if err != nil {
		log.Printf("engine %s: reconcile: %v", e.accountID, err)
	}
	for _, symbol := range report.ExternallyClosed {
		e.setState(symbol, StateClosed)
		e.risk.RegisterExit(symbol, 1)
		e.publish(events.EventPositionClosed, symbol)
	}
	for _, symbol := range report.Orphaned {
		// Adopted orphans get protective levels immediately so they are
		// managed like any other position from the next evaluation on.
		if p, ok := e.tracker.Get(symbol); ok {
			stop := p.EntryPrice * (1 - e.cfg.StopLossPct)
			if err := e.tracker.SetStops(symbol, stop, 0, e.cfg.TrailingOffset); err != nil {
				log.Printf("engine %s: stops for adopted %s: %v", e.accountID, symbol, err)
			}
			e.risk.RegisterEntry(symbol, p.Quantity*p.EntryPrice)
		}
		e.setState(symbol, StateMonitoring)
	}

	e.evaluateExits(ctx)
	return nil
}

// SubmitIntent validates, gates, and executes one trade intent against this
// account. The outcome is always an OrderResult: gate refusals and venue
// rejections come back as data with Status REJECTED, never as an error.
func (e *Engine) SubmitIntent(ctx context.Context, intent broker.TradeIntent) (common.OrderResult, error) {
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	acct := e.acct.Context()

	price, ok := e.price(ctx, intent.Symbol)
	if !ok {
		return e.refuse(ctx, intent, 0, "no fresh price for "+intent.Symbol), nil
	}

	notional := intent.Size
	if intent.SizeMode == common.SizeBaseQty {
		notional = intent.Size * price
	}

	// Entry gates. Exits are never gated: a sell must always be able to
	// reach the venue.
	if intent.Side == common.SideBuy && !intent.ForceExecute {
		quality := intent.Quality
		if quality <= 0 {
			quality = 1.0
		}
		sized, err := e.risk.SizePosition(acct, quality)
		if err != nil {
			return e.refuse(ctx, intent, notional, "sizing: "+err.Error()), nil
		}
		// The scaler caps every entry; an explicit requested size is honored
		// only up to the sized notional.
		if notional <= 0 || notional > sized {
			notional = sized
		}
		intent.Size = notional
		intent.SizeMode = common.SizeQuoteNotional

		if reason := e.entryBlocked(intent.Symbol, notional); reason != "" {
			log.Printf("engine %s: entry %s blocked: %s", e.accountID, intent.Symbol, reason)
			return e.refuse(ctx, intent, notional, reason), nil
		}
	}

	ni, rej := e.adapter.ValidateAndNormalize(intent, acct, price)
	if rej != nil {
		return e.refuse(ctx, intent, notional, rej.Code+": "+rej.Reason), nil
	}
	ni.ClientID = intent.ID

	e.publish(events.EventOrderSubmitted, intent)
	res := e.conn.PlaceMarketOrder(ctx, ni)
	e.recordOrder(ctx, intent, res, notional)

	if !res.Filled() {
		e.publish(events.EventOrderRejected, res)
		return res, nil
	}

	if intent.Side == common.SideBuy {
		e.applyBuyFill(ctx, intent, res, notional)
	} else {
		e.applySellFill(ctx, intent, res)
	}
	e.publish(events.EventOrderFilled, res)
	return res, nil
}

// AcknowledgeBreaker forwards the operator acknowledgement to risk state.
func (e *Engine) AcknowledgeBreaker() { e.risk.AcknowledgeBreaker() }

// evaluateExits walks open positions applying the exit rules in strict
// priority: emergency stop, catastrophic loss, protective stop, trailing
// stop, take-profit ladder, then max-hold. A failed exit leaves the
// position in MONITORING so the next cycle tries again.
func (e *Engine) evaluateExits(ctx context.Context) {
	for _, pos := range e.tracker.List() {
		if s := e.State(pos.Symbol); s == StateClosed || s == StateOpen {
			e.setState(pos.Symbol, StateMonitoring)
		}

		price, ok := e.price(ctx, pos.Symbol)
		if !ok {
			log.Printf("engine %s: no price for %s, skipping evaluation", e.accountID, pos.Symbol)
			continue
		}
		if ratcheted, moved := e.tracker.RatchetTrailing(pos.Symbol, price); moved {
			pos = ratcheted
		}
		pnlPct := 0.0
		if pos.EntryPrice > 0 {
			pnlPct = (price - pos.EntryPrice) / pos.EntryPrice
		}

		fraction, reason := e.exitDecision(pos, price, pnlPct)
		if reason == "" {
			continue
		}
		if err := e.executeExit(ctx, pos, price, fraction, reason); err != nil {
			log.Printf("engine %s: exit %s (%s) failed, staying in monitoring: %v",
				e.accountID, pos.Symbol, reason, err)
		}
	}
}

// exitDecision returns the fraction of the position to close and the reason,
// or an empty reason when the position should keep running.
func (e *Engine) exitDecision(pos position.Position, price, pnlPct float64) (float64, string) {
	if e.controls != nil && e.controls.EmergencyStop() {
		return 1, "emergency_stop"
	}
	if e.cfg.CatastrophicPct > 0 && pnlPct <= -e.cfg.CatastrophicPct {
		e.risk.TripBreaker(fmt.Sprintf("catastrophic loss %.2f%% on %s", pnlPct*100, pos.Symbol))
		e.publish(events.EventRiskAlert, pos.Symbol)
		return 1, "catastrophic_loss"
	}
	if pos.StopLoss > 0 && price <= pos.StopLoss {
		return 1, "stop_loss"
	}
	if pos.TrailingStop > 0 && price <= pos.TrailingStop {
		return 1, "trailing_stop"
	}
	if pos.RungsFilled < len(e.cfg.TakeProfitRungs) {
		rung := e.cfg.TakeProfitRungs[pos.RungsFilled]
		// Rung targets are net: the position must clear the round trip
		// fee on top of the target before any rung fires.
		if pnlPct >= rung.TargetPct+e.risk.RoundTripFeePct() {
			if rung.ExitFraction >= 1 {
				return 1, "take_profit_final"
			}
			return rung.ExitFraction, "take_profit_rung"
		}
	}
	if e.cfg.MaxHoldDuration > 0 && pnlPct < 0 && time.Since(pos.OpenedAt) >= e.cfg.MaxHoldDuration {
		return 1, "max_hold_at_loss"
	}
	return 0, ""
}

// executeExit sells fraction of the position. On any failure the position
// state returns to MONITORING and tracker state is untouched.
func (e *Engine) executeExit(ctx context.Context, pos position.Position, price, fraction float64, reason string) error {
	e.setState(pos.Symbol, StateExitTriggered)

	qty := pos.Quantity
	if fraction < 1 {
		qty = pos.Quantity * fraction
	}
	intent := broker.TradeIntent{
		ID:           uuid.NewString(),
		Symbol:       pos.Symbol,
		Side:         common.SideSell,
		Size:         qty,
		SizeMode:     common.SizeBaseQty,
		Reason:       reason,
		ForceExecute: true,
		CreatedAt:    time.Now(),
	}
	ni, rej := e.adapter.ValidateAndNormalize(intent, e.acct.Context(), price)
	if rej != nil {
		e.setState(pos.Symbol, StateMonitoring)
		return fmt.Errorf("exit rejected by adapter: %s", rej.Reason)
	}
	ni.ClientID = intent.ID

	res := e.conn.PlaceMarketOrder(ctx, ni)
	e.recordOrder(ctx, intent, res, qty*price)
	if !res.Filled() {
		e.setState(pos.Symbol, StateMonitoring)
		e.publish(events.EventOrderRejected, res)
		return fmt.Errorf("exit order %s: %s", res.Status, res.ErrorMsg)
	}

	e.applySellFill(ctx, intent, res)
	e.publish(events.EventOrderFilled, res)
	return nil
}

// applyBuyFill records an entry fill: tracker, protective levels, exposure,
// and the master fan-out when this account leads followers.
func (e *Engine) applyBuyFill(ctx context.Context, intent broker.TradeIntent, res common.OrderResult, notional float64) {
	entryPrice := res.AvgPrice
	p, err := e.tracker.TrackEntry(intent.Symbol, entryPrice, res.FilledQty, notional)
	if err != nil {
		log.Printf("engine %s: track entry %s: %v", e.accountID, intent.Symbol, err)
		return
	}
	stop := entryPrice * (1 - e.cfg.StopLossPct)
	if err := e.tracker.SetStops(intent.Symbol, stop, 0, e.cfg.TrailingOffset); err != nil {
		log.Printf("engine %s: set stops %s: %v", e.accountID, intent.Symbol, err)
	}
	e.risk.RegisterEntry(intent.Symbol, notional)
	e.setState(intent.Symbol, StateOpen)
	e.publish(events.EventPositionOpened, p)

	if e.isMaster && e.bus != nil {
		e.bus.PublishSync(ctx, events.EventMasterIntent, broker.MasterSignal{
			Intent:        intent,
			MasterAccount: e.accountID,
		})
	}
}

// applySellFill folds an exit fill into tracker and risk state. The sold
// fraction is derived from the fill itself, not from what was requested.
func (e *Engine) applySellFill(ctx context.Context, intent broker.TradeIntent, res common.OrderResult) {
	pos, ok := e.tracker.Get(intent.Symbol)
	if !ok {
		return
	}
	grossPnL := (res.AvgPrice - pos.EntryPrice) * res.FilledQty
	feeEstimate := pos.EntryPrice * res.FilledQty * e.risk.RoundTripFeePct()
	e.risk.RecordTrade(grossPnL - feeEstimate)

	fraction := 1.0
	if pos.Quantity > 0 {
		fraction = res.FilledQty / pos.Quantity
	}
	remaining := pos.Quantity - res.FilledQty
	if fraction >= 1 || remaining*res.AvgPrice < position.DefaultDustUSD {
		fraction = 1
		if err := e.tracker.TrackExit(intent.Symbol); err != nil {
			log.Printf("engine %s: track exit %s: %v", e.accountID, intent.Symbol, err)
			return
		}
		e.risk.RegisterExit(intent.Symbol, 1)
		e.clearState(intent.Symbol) // absent reads as CLOSED
		e.publish(events.EventPositionClosed, intent.Symbol)
	} else {
		if _, err := e.tracker.Reduce(intent.Symbol, res.FilledQty); err != nil {
			log.Printf("engine %s: reduce %s: %v", e.accountID, intent.Symbol, err)
			return
		}
		e.risk.RegisterExit(intent.Symbol, fraction)
		e.setState(intent.Symbol, StateMonitoring)
	}

	if e.isMaster && e.bus != nil {
		e.bus.PublishSync(ctx, events.EventMasterIntent, broker.MasterSignal{
			Intent:        intent,
			MasterAccount: e.accountID,
			ExitFraction:  fraction,
		})
	}
}

// entryBlocked returns a non-empty reason when a new entry must not reach
// the venue.
func (e *Engine) entryBlocked(symbol string, notional float64) string {
	if e.controls != nil {
		if e.controls.EmergencyStop() {
			return "emergency stop active"
		}
		if e.controls.EntriesHalted() {
			return "entries halted by operator"
		}
	}
	if tripped, why := e.risk.BreakerTripped(); tripped {
		return "circuit breaker tripped: " + why
	}
	if _, ok := e.tracker.Get(symbol); ok {
		return "position already open for " + symbol
	}
	if e.cfg.MaxOpenPositions > 0 && e.tracker.Count() >= e.cfg.MaxOpenPositions {
		return fmt.Sprintf("max open positions (%d) reached", e.cfg.MaxOpenPositions)
	}
	if ok, why := e.risk.CheckExposure(symbol, notional); !ok {
		return why
	}
	return ""
}

// refuse records and returns a data-level rejection without touching the
// venue.
func (e *Engine) refuse(ctx context.Context, intent broker.TradeIntent, notional float64, reason string) common.OrderResult {
	res := common.OrderResult{
		Status:   common.StatusRejected,
		ClientID: intent.ID,
		ErrorMsg: reason,
	}
	e.recordOrder(ctx, intent, res, notional)
	e.publish(events.EventOrderRejected, res)
	return res
}

func (e *Engine) recordOrder(ctx context.Context, intent broker.TradeIntent, res common.OrderResult, notional float64) {
	if e.store == nil {
		return
	}
	rec := db.OrderRecord{
		ID:        intent.ID,
		AccountID: e.accountID,
		Broker:    e.adapter.Venue(),
		Symbol:    intent.Symbol,
		Side:      string(intent.Side),
		Qty:       res.FilledQty,
		AvgPrice:  res.AvgPrice,
		Notional:  notional,
		Status:    string(res.Status),
		ErrorKind: string(res.ErrorKind),
		Reason:    intent.Reason,
		CreatedAt: time.Now(),
	}
	if res.ErrorMsg != "" && rec.Reason == "" {
		rec.Reason = res.ErrorMsg
	}
	if err := e.store.InsertOrder(ctx, rec); err != nil {
		log.Printf("engine %s: persist order %s: %v", e.accountID, intent.ID, err)
	}
}

// price resolves a price from the feed, falling back to the venue REST API
// when the feed has nothing fresh.
func (e *Engine) price(ctx context.Context, symbol string) (float64, bool) {
	if e.prices != nil {
		if p, ok := e.prices.Price(symbol); ok && p > 0 {
			return p, true
		}
	}
	venueSymbol, err := e.adapter.VenueSymbol(symbol)
	if err != nil {
		return 0, false
	}
	p, err := e.conn.GetPrice(ctx, venueSymbol)
	if err != nil || p <= 0 {
		return 0, false
	}
	return p, true
}

func (e *Engine) reconcilePrice(ctx context.Context) position.PriceFunc {
	return func(symbol string) (float64, error) {
		p, ok := e.price(ctx, symbol)
		if !ok {
			return 0, fmt.Errorf("no price for %s", symbol)
		}
		return p, nil
	}
}

func (e *Engine) setState(symbol string, s PositionState) {
	e.mu.Lock()
	e.states[symbol] = s
	e.mu.Unlock()
}

func (e *Engine) clearState(symbol string) {
	e.mu.Lock()
	delete(e.states, symbol)
	e.mu.Unlock()
}

func (e *Engine) publish(ev events.Event, payload any) {
	if e.bus != nil {
		e.bus.Publish(ev, payload)
	}
}
