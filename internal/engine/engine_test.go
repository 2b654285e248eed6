package engine

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"copytrade-core/internal/account"
	"copytrade-core/internal/broker"
	"copytrade-core/internal/position"
	"copytrade-core/internal/risk"
	"copytrade-core/pkg/exchanges/common"
)

type fakeGateway struct {
	mu       sync.Mutex
	balances []common.Balance
	prices   map[string]float64 // venue symbol -> price
	orderErr error              // returned for every order when set
	placed   []common.OrderRequest
}

func (g *fakeGateway) Venue() string { return "binance" }

func (g *fakeGateway) GetBalances(ctx context.Context) ([]common.Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]common.Balance(nil), g.balances...), nil
}

func (g *fakeGateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prices[symbol], nil
}

func (g *fakeGateway) PlaceMarketOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placed = append(g.placed, req)
	if g.orderErr != nil {
		return common.OrderResult{}, g.orderErr
	}
	price := g.prices[req.Symbol]
	qty := req.Size
	if req.SizeMode == common.SizeQuoteNotional {
		qty = req.Size / price
	}
	return common.OrderResult{
		Status:          common.StatusFilled,
		FilledQty:       qty,
		AvgPrice:        price,
		ExchangeOrderID: "EX-1",
		ClientID:        req.ClientID,
	}, nil
}

func (g *fakeGateway) ListRecentOrders(ctx context.Context, symbol string, limit int) ([]common.Order, error) {
	return nil, nil
}

func (g *fakeGateway) placedOrders() []common.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]common.OrderRequest(nil), g.placed...)
}

type stubPrices map[string]float64

func (s stubPrices) Price(symbol string) (float64, bool) {
	p, ok := s[symbol]
	return p, ok
}

type stubControls struct {
	halt  bool
	estop bool
}

func (s *stubControls) EntriesHalted() bool { return s.halt }
func (s *stubControls) EmergencyStop() bool { return s.estop }

type rig struct {
	gw       *fakeGateway
	eng      *Engine
	tracker  *position.Tracker
	controls *stubControls
	prices   stubPrices
	riskMgr  *risk.Manager
}

func newRig(t *testing.T) *rig {
	t.Helper()

	gw := &fakeGateway{
		balances: []common.Balance{{Currency: "USDT", Available: 1000}},
		prices:   map[string]float64{"BTCUSDT": 100},
	}
	conn := broker.NewConnection(gw, broker.ConnectionConfig{
		CredentialID:   "binance:acct-1",
		MinCallSpacing: time.Nanosecond,
		ConnectDelay:   time.Nanosecond,
		MaxAttempts:    1,
		BaseBackoff:    time.Nanosecond,
		SeqBackoff:     time.Nanosecond,
	}, nil)
	adapter, err := broker.NewAdapter("binance")
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	tracker, err := position.NewTracker(
		filepath.Join(t.TempDir(), "positions.json"), "acct-1", "USDT", position.DefaultDustUSD)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	riskMgr, err := risk.NewManager("acct-1", risk.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("risk.NewManager: %v", err)
	}
	acct := account.NewManager(account.Context{
		AccountID:        "acct-1",
		Broker:           "binance",
		QuoteAsset:       "USDT",
		Balance:          1000,
		MinTradeNotional: 1.00,
	}, conn)
	controls := &stubControls{}
	prices := stubPrices{"BTC-USDT": 100}

	eng, err := New(Params{
		AccountID: "acct-1",
		Account:   acct,
		Conn:      conn,
		Adapter:   adapter,
		Tracker:   tracker,
		Risk:      riskMgr,
		Prices:    prices,
		Controls:  controls,
		Config:    DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &rig{gw: gw, eng: eng, tracker: tracker, controls: controls, prices: prices, riskMgr: riskMgr}
}

// openPosition fills an entry through the full submit path.
func (r *rig) openPosition(t *testing.T, notional float64) {
	t.Helper()
	res, err := r.eng.SubmitIntent(context.Background(), broker.TradeIntent{
		Symbol:   "BTC-USDT",
		Side:     common.SideBuy,
		Size:     notional,
		SizeMode: common.SizeQuoteNotional,
	})
	if err != nil {
		t.Fatalf("SubmitIntent: %v", err)
	}
	if !res.Filled() {
		t.Fatalf("entry not filled: %+v", res)
	}
	// Exchange now holds the base asset for reconciliation.
	p, _ := r.tracker.Get("BTC-USDT")
	r.gw.mu.Lock()
	r.gw.balances = []common.Balance{
		{Currency: "USDT", Available: 1000 - notional},
		{Currency: "BTC", Available: p.Quantity},
	}
	r.gw.mu.Unlock()
}

func (r *rig) setPrice(p float64) {
	r.prices["BTC-USDT"] = p
	r.gw.mu.Lock()
	r.gw.prices["BTCUSDT"] = p
	r.gw.mu.Unlock()
}

func TestStopLossExitsFullPosition(t *testing.T) {
	r := newRig(t)
	r.openPosition(t, 100)

	// Entry 100, stop loss 2% -> 98. Price at 97.50 is through the stop.
	r.setPrice(97.50)
	if err := r.eng.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if r.tracker.Count() != 0 {
		t.Fatalf("position still tracked after stop loss")
	}
	orders := r.gw.placedOrders()
	last := orders[len(orders)-1]
	if last.Side != common.SideSell {
		t.Fatalf("last order side=%s, expected SELL", last.Side)
	}
	if r.eng.State("BTC-USDT") != StateClosed {
		t.Fatalf("state=%s, expected CLOSED", r.eng.State("BTC-USDT"))
	}
}

func TestRejectedExitStaysMonitoring(t *testing.T) {
	r := newRig(t)
	r.openPosition(t, 100)

	r.setPrice(97.50)
	r.gw.mu.Lock()
	r.gw.orderErr = &common.APIError{Kind: common.ErrInsufficientFunds, Venue: "binance", Msg: "insufficient balance"}
	r.gw.mu.Unlock()

	if err := r.eng.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if r.tracker.Count() != 1 {
		t.Fatalf("position lost after rejected exit")
	}
	if got := r.eng.State("BTC-USDT"); got != StateMonitoring {
		t.Fatalf("state=%s, expected MONITORING after rejected exit", got)
	}

	// Venue recovers: the very next cycle completes the exit.
	r.gw.mu.Lock()
	r.gw.orderErr = nil
	r.gw.mu.Unlock()
	if err := r.eng.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle retry: %v", err)
	}
	if r.tracker.Count() != 0 {
		t.Fatalf("exit not retried on next cycle")
	}
}

func TestTakeProfitRungRequiresFeeClearance(t *testing.T) {
	r := newRig(t)
	r.openPosition(t, 100)

	// First rung target 0.8% net + 0.2% round trip fee = 1.0% gross.
	// 0.9% up must NOT fire the rung.
	r.setPrice(100.90)
	if err := r.eng.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	p, ok := r.tracker.Get("BTC-USDT")
	if !ok || p.RungsFilled != 0 {
		t.Fatalf("rung fired below fee clearance: %+v", p)
	}

	// 1.2% up clears fee plus target: 40% of the position comes off.
	r.setPrice(101.20)
	if err := r.eng.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	p, ok = r.tracker.Get("BTC-USDT")
	if !ok {
		t.Fatalf("position fully closed by a partial rung")
	}
	if p.RungsFilled != 1 {
		t.Fatalf("rungs filled=%d, expected 1", p.RungsFilled)
	}
	if p.Quantity >= 1.0 {
		t.Fatalf("quantity=%v not reduced by ladder exit", p.Quantity)
	}
}

func TestHaltBlocksEntriesNotExits(t *testing.T) {
	r := newRig(t)
	r.openPosition(t, 100)
	r.controls.halt = true
	r.prices["ETH-USDT"] = 2000

	res, err := r.eng.SubmitIntent(context.Background(), broker.TradeIntent{
		Symbol:   "ETH-USDT",
		Side:     common.SideBuy,
		Size:     50,
		SizeMode: common.SizeQuoteNotional,
	})
	if err != nil {
		t.Fatalf("SubmitIntent: %v", err)
	}
	if res.Status != common.StatusRejected {
		t.Fatalf("entry not blocked during halt: %+v", res)
	}

	// The stop still fires with entries halted.
	r.setPrice(97.50)
	if err := r.eng.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if r.tracker.Count() != 0 {
		t.Fatalf("halt prevented a protective exit")
	}
}

func TestCatastrophicLossTripsBreaker(t *testing.T) {
	r := newRig(t)
	r.openPosition(t, 100)

	// -10% is past the 8% catastrophic threshold.
	r.setPrice(90)
	if err := r.eng.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if r.tracker.Count() != 0 {
		t.Fatalf("catastrophic loss did not flatten the position")
	}
	if tripped, _ := r.riskMgr.BreakerTripped(); !tripped {
		t.Fatalf("breaker not tripped on catastrophic loss")
	}

	// Entries stay blocked until an operator acknowledges.
	res, err := r.eng.SubmitIntent(context.Background(), broker.TradeIntent{
		Symbol:   "BTC-USDT",
		Side:     common.SideBuy,
		Size:     50,
		SizeMode: common.SizeQuoteNotional,
	})
	if err != nil {
		t.Fatalf("SubmitIntent: %v", err)
	}
	if res.Status != common.StatusRejected {
		t.Fatalf("entry allowed with tripped breaker: %+v", res)
	}

	r.eng.AcknowledgeBreaker()
	res, err = r.eng.SubmitIntent(context.Background(), broker.TradeIntent{
		Symbol:   "BTC-USDT",
		Side:     common.SideBuy,
		Size:     50,
		SizeMode: common.SizeQuoteNotional,
	})
	if err != nil {
		t.Fatalf("SubmitIntent after ack: %v", err)
	}
	if !res.Filled() {
		t.Fatalf("entry still blocked after acknowledgement: %+v", res)
	}
}

func TestDuplicateEntryRefused(t *testing.T) {
	r := newRig(t)
	r.openPosition(t, 100)

	res, err := r.eng.SubmitIntent(context.Background(), broker.TradeIntent{
		Symbol:   "BTC-USDT",
		Side:     common.SideBuy,
		Size:     50,
		SizeMode: common.SizeQuoteNotional,
	})
	if err != nil {
		t.Fatalf("SubmitIntent: %v", err)
	}
	if res.Status != common.StatusRejected {
		t.Fatalf("duplicate entry not refused: %+v", res)
	}
}

func TestEntryNotionalCappedByCapitalScaler(t *testing.T) {
	r := newRig(t)

	// Balance 1000 sits in the standard tier (20% base), so entries are
	// sized at 200 regardless of what the intent asks for.
	res, err := r.eng.SubmitIntent(context.Background(), broker.TradeIntent{
		Symbol:   "BTC-USDT",
		Side:     common.SideBuy,
		Size:     900,
		SizeMode: common.SizeQuoteNotional,
	})
	if err != nil {
		t.Fatalf("SubmitIntent: %v", err)
	}
	if !res.Filled() {
		t.Fatalf("entry not filled: %+v", res)
	}
	orders := r.gw.placedOrders()
	if len(orders) != 1 {
		t.Fatalf("placed %d orders, expected 1", len(orders))
	}
	if got := orders[0].Size; math.Abs(got-200) > 1e-9 {
		t.Fatalf("placed notional %v, expected the sized 200", got)
	}

	// An intent without an explicit size is fully sized by the scaler.
	r.prices["ETH-USDT"] = 2000
	r.gw.mu.Lock()
	r.gw.prices["ETHUSDT"] = 2000
	r.gw.mu.Unlock()
	res, err = r.eng.SubmitIntent(context.Background(), broker.TradeIntent{
		Symbol:   "ETH-USDT",
		Side:     common.SideBuy,
		SizeMode: common.SizeQuoteNotional,
	})
	if err != nil {
		t.Fatalf("SubmitIntent: %v", err)
	}
	if !res.Filled() {
		t.Fatalf("unsized entry not filled: %+v", res)
	}
	orders = r.gw.placedOrders()
	if got := orders[len(orders)-1].Size; math.Abs(got-200) > 1e-9 {
		t.Fatalf("placed notional %v, expected the sized 200", got)
	}
}
