package position

import (
	"math"
	"path/filepath"
	"testing"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := NewTracker(filepath.Join(t.TempDir(), "positions.json"), "acct-1", "USDT", DefaultDustUSD)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tr
}

func TestTrackEntryAndExit(t *testing.T) {
	tr := newTestTracker(t)

	p, err := tr.TrackEntry("BTC-USDT", 50000, 0.002, 100)
	if err != nil {
		t.Fatalf("TrackEntry: %v", err)
	}
	if p.EntryPrice != 50000 || p.Quantity != 0.002 {
		t.Fatalf("unexpected position: %+v", p)
	}
	if tr.Count() != 1 {
		t.Fatalf("count=%d, expected 1", tr.Count())
	}

	if err := tr.TrackExit("BTC-USDT"); err != nil {
		t.Fatalf("TrackExit: %v", err)
	}
	if tr.Count() != 0 {
		t.Fatalf("count=%d after exit, expected 0", tr.Count())
	}
	if err := tr.TrackExit("BTC-USDT"); err == nil {
		t.Fatalf("expected error exiting untracked symbol")
	}
}

func TestPersistenceSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")

	tr1, err := NewTracker(path, "acct-1", "USDT", DefaultDustUSD)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	if _, err := tr1.TrackEntry("ETH-USDT", 3000, 0.5, 1500); err != nil {
		t.Fatalf("TrackEntry: %v", err)
	}
	if err := tr1.SetStops("ETH-USDT", 2940, 3150, 0.015); err != nil {
		t.Fatalf("SetStops: %v", err)
	}

	tr2, err := NewTracker(path, "acct-1", "USDT", DefaultDustUSD)
	if err != nil {
		t.Fatalf("NewTracker reload: %v", err)
	}
	p, ok := tr2.Get("ETH-USDT")
	if !ok {
		t.Fatalf("position lost across reload")
	}
	if p.StopLoss != 2940 || p.TakeProfit != 3150 {
		t.Fatalf("protective levels lost: %+v", p)
	}
}

func TestCalculatePnL(t *testing.T) {
	tr := newTestTracker(t)
	if _, err := tr.TrackEntry("BTC-USDT", 100, 2, 200); err != nil {
		t.Fatalf("TrackEntry: %v", err)
	}

	pnl, err := tr.CalculatePnL("BTC-USDT", 105)
	if err != nil {
		t.Fatalf("CalculatePnL: %v", err)
	}
	if pnl.Pct != 0.05 {
		t.Fatalf("pct=%v, expected 0.05", pnl.Pct)
	}
	if pnl.USD != 10 {
		t.Fatalf("usd=%v, expected 10", pnl.USD)
	}
}

func TestRatchetTrailingOnlyMovesUp(t *testing.T) {
	tr := newTestTracker(t)
	if _, err := tr.TrackEntry("BTC-USDT", 100, 1, 100); err != nil {
		t.Fatalf("TrackEntry: %v", err)
	}
	if err := tr.SetStops("BTC-USDT", 98, 110, 0.02); err != nil {
		t.Fatalf("SetStops: %v", err)
	}

	p, moved := tr.RatchetTrailing("BTC-USDT", 105)
	if !moved {
		t.Fatalf("expected ratchet on new high")
	}
	// The tracker computes 105 * (1 - 0.02); compare within float tolerance.
	if math.Abs(p.TrailingStop-105*0.98) > 1e-9 {
		t.Fatalf("trailing stop=%v, expected %v", p.TrailingStop, 105*0.98)
	}

	// Price falling back must not lower the stop.
	p2, moved := tr.RatchetTrailing("BTC-USDT", 101)
	if moved {
		t.Fatalf("ratchet moved on lower price")
	}
	if p2.TrailingStop != p.TrailingStop {
		t.Fatalf("trailing stop changed on lower price: %v -> %v", p.TrailingStop, p2.TrailingStop)
	}
}

func TestReduceAdvancesLadder(t *testing.T) {
	tr := newTestTracker(t)
	if _, err := tr.TrackEntry("SOL-USDT", 100, 10, 1000); err != nil {
		t.Fatalf("TrackEntry: %v", err)
	}

	p, err := tr.Reduce("SOL-USDT", 4)
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if p.Quantity != 6 {
		t.Fatalf("quantity=%v, expected 6", p.Quantity)
	}
	if p.RungsFilled != 1 {
		t.Fatalf("rungs=%d, expected 1", p.RungsFilled)
	}
}
