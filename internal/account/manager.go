// Package account holds the per-account context shared read-only by the
// risk, engine, and copy-trade layers. There is no ambient account registry;
// each consumer receives an explicit Context value.
package account

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"copytrade-core/pkg/exchanges/common"
)

// Context is one account's identity and latest balance snapshot.
type Context struct {
	AccountID        string
	Broker           string
	CredentialID     string
	IsMaster         bool
	CopyEnabled      bool
	QuoteAsset       string
	Balance          float64 // free quote-currency balance
	MinTradeNotional float64 // venue minimum order notional
	RefreshedAt      time.Time
}

// BalanceSource supplies authoritative balances, typically a broker.Connection.
type BalanceSource interface {
	GetBalances(ctx context.Context) ([]common.Balance, error)
}

// Manager refreshes and serves one account's Context.
type Manager struct {
	mu  sync.RWMutex
	ctx Context
	src BalanceSource
}

func NewManager(initial Context, src BalanceSource) *Manager {
	if initial.QuoteAsset == "" {
		initial.QuoteAsset = "USDT"
	}
	if initial.CredentialID == "" {
		initial.CredentialID = fmt.Sprintf("%s:%s", initial.Broker, initial.AccountID)
	}
	return &Manager{ctx: initial, src: src}
}

// Context returns the latest snapshot.
func (m *Manager) Context() Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ctx
}

// Refresh pulls balances from the venue and updates the quote-balance
// snapshot. Called at the top of each trading cycle.
func (m *Manager) Refresh(ctx context.Context) ([]common.Balance, error) {
	balances, err := m.src.GetBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh account %s: %w", m.ctx.AccountID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range balances {
		if strings.EqualFold(b.Currency, m.ctx.QuoteAsset) {
			if m.ctx.Balance != b.Available {
				log.Printf("account %s: balance %.2f -> %.2f %s",
					m.ctx.AccountID, m.ctx.Balance, b.Available, m.ctx.QuoteAsset)
			}
			m.ctx.Balance = b.Available
			break
		}
	}
	m.ctx.RefreshedAt = time.Now()
	return balances, nil
}
