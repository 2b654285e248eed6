package account

import (
	"context"
	"errors"
	"testing"

	"copytrade-core/pkg/exchanges/common"
)

type staticSource struct {
	balances []common.Balance
	err      error
}

func (s *staticSource) GetBalances(ctx context.Context) ([]common.Balance, error) {
	return s.balances, s.err
}

func TestRefreshUpdatesQuoteBalance(t *testing.T) {
	src := &staticSource{balances: []common.Balance{
		{Currency: "BTC", Available: 0.5},
		{Currency: "usdt", Available: 1234.56},
	}}
	m := NewManager(Context{AccountID: "acct-1", Broker: "binance", QuoteAsset: "USDT"}, src)

	balances, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(balances) != 2 {
		t.Fatalf("balances=%d, expected passthrough of 2", len(balances))
	}
	got := m.Context()
	if got.Balance != 1234.56 {
		t.Fatalf("balance=%v, expected 1234.56 (case-insensitive quote match)", got.Balance)
	}
	if got.RefreshedAt.IsZero() {
		t.Fatalf("RefreshedAt not set")
	}
}

func TestRefreshErrorKeepsSnapshot(t *testing.T) {
	src := &staticSource{err: errors.New("venue down")}
	m := NewManager(Context{AccountID: "acct-1", Broker: "binance", Balance: 500}, src)

	if _, err := m.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	if got := m.Context().Balance; got != 500 {
		t.Fatalf("balance=%v, stale snapshot should survive a failed refresh", got)
	}
}

func TestDefaultsAppliedAtConstruction(t *testing.T) {
	m := NewManager(Context{AccountID: "a1", Broker: "kraken"}, nil)
	got := m.Context()
	if got.QuoteAsset != "USDT" {
		t.Fatalf("quote=%q", got.QuoteAsset)
	}
	if got.CredentialID != "kraken:a1" {
		t.Fatalf("credential=%q", got.CredentialID)
	}
}
