package position

import (
	"fmt"
	"log"
	"strings"
	"time"

	"copytrade-core/pkg/exchanges/common"
)

// Report summarizes the outcome of one reconciliation pass.
type Report struct {
	ExternallyClosed []string // tracked here, gone on the exchange
	Orphaned         []string // held on the exchange, untracked here
	Dust             []string // exchange balances below the dust threshold
}

// Changed reports whether the pass mutated tracker state.
func (r Report) Changed() bool {
	return len(r.ExternallyClosed) > 0 || len(r.Orphaned) > 0
}

// PriceFunc resolves a current price for a generic symbol.
type PriceFunc func(symbol string) (float64, error)

// Reconcile compares tracked positions against the exchange's authoritative
// balances. The exchange always wins: tracked positions the exchange no
// longer holds are removed, and untracked balances above the dust threshold
// are adopted with a synthetic entry at the current market price so they
// immediately participate in exit evaluation instead of being ignored.
// Running it twice against unchanged balances is a no-op the second time.
func (t *Tracker) Reconcile(balances []common.Balance, priceOf PriceFunc) (Report, error) {
	held := make(map[string]float64, len(balances))
	for _, b := range balances {
		held[strings.ToUpper(b.Currency)] += b.Available + b.Held
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var report Report
	dirty := false

	// Pass 1: tracked positions the exchange no longer holds.
	for symbol, pos := range t.positions {
		base := baseAsset(symbol)
		qty := held[base]
		if qty*pos.EntryPrice >= t.dustUSD && qty >= pos.Quantity*0.5 {
			continue
		}
		// Near-zero or vanished: closed outside this engine.
		log.Printf("reconcile %s: %s externally closed (exchange holds %.8f)", t.accountID, symbol, qty)
		delete(t.positions, symbol)
		report.ExternallyClosed = append(report.ExternallyClosed, symbol)
		dirty = true
	}

	// Pass 2: exchange balances with no tracked entry.
	for asset, qty := range held {
		if asset == t.quote || qty <= 0 {
			continue
		}
		symbol := asset + "-" + t.quote
		if _, ok := t.positions[symbol]; ok {
			continue
		}
		price, err := priceOf(symbol)
		if err != nil || price <= 0 {
			// Unpriceable assets cannot be classified; leave them alone.
			continue
		}
		if qty*price < t.dustUSD {
			report.Dust = append(report.Dust, symbol)
			continue
		}
		// Adopt with a conservative synthetic entry at current market price.
		t.positions[symbol] = &Position{
			Symbol:        symbol,
			Side:          "LONG",
			EntryPrice:    price,
			Quantity:      qty,
			HighWaterMark: price,
			OpenedAt:      time.Now(),
			AccountID:     t.accountID,
			Synthetic:     true,
		}
		log.Printf("reconcile %s: adopted orphan %s qty=%.8f at synthetic entry %.4f", t.accountID, symbol, qty, price)
		report.Orphaned = append(report.Orphaned, symbol)
		dirty = true
	}

	if dirty {
		if err := t.persistLocked(); err != nil {
			return report, fmt.Errorf("persist after reconcile: %w", err)
		}
	}
	return report, nil
}

func baseAsset(symbol string) string {
	if i := strings.Index(symbol, "-"); i > 0 {
		return symbol[:i]
	}
	return symbol
}
