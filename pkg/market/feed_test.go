package market

import (
	"testing"
	"time"
)

func TestParseMiniTicker(t *testing.T) {
	msg := []byte(`{"stream":"btcusdt@miniTicker","data":{"e":"24hrMiniTicker","s":"BTCUSDT","c":"65123.40","o":"64000.00"}}`)
	symbol, price, err := parseMiniTicker(msg)
	if err != nil {
		t.Fatalf("parseMiniTicker: %v", err)
	}
	if symbol != "BTCUSDT" {
		t.Fatalf("symbol=%s, expected BTCUSDT", symbol)
	}
	if price != 65123.40 {
		t.Fatalf("price=%v, expected 65123.40", price)
	}
}

func TestPriceStaleness(t *testing.T) {
	f := NewFeed([]string{"BTCUSDT"}, false)
	f.set("btcusdt", 50000)

	if p, ok := f.Price("BTCUSDT"); !ok || p != 50000 {
		t.Fatalf("Price=%v ok=%v, expected fresh 50000", p, ok)
	}

	// Age the tick beyond maxAge; the cache must report it stale.
	f.mu.Lock()
	f.prices["BTCUSDT"] = tick{price: 50000, at: time.Now().Add(-time.Minute)}
	f.mu.Unlock()

	if _, ok := f.Price("BTCUSDT"); ok {
		t.Fatalf("expected stale price to be rejected")
	}
}
