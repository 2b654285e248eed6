package market

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// MockFeed generates random-walk prices for local development and dry runs.
// It exposes the same Price/Run surface as the live Feed.
type MockFeed struct {
	interval time.Duration
	step     float64 // walk step as a fraction of price

	mu     sync.RWMutex
	prices map[string]float64
}

// NewMockFeed seeds a mock feed with starting prices per venue symbol.
func NewMockFeed(start map[string]float64, interval time.Duration) *MockFeed {
	if interval <= 0 {
		interval = time.Second
	}
	prices := make(map[string]float64, len(start))
	for sym, p := range start {
		prices[strings.ToUpper(sym)] = p
	}
	return &MockFeed{
		interval: interval,
		step:     0.001,
		prices:   prices,
	}
}

// Price returns the current synthetic price for a venue symbol.
func (m *MockFeed) Price(symbol string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prices[strings.ToUpper(symbol)]
	return p, ok
}

// Run walks every price until ctx is cancelled.
func (m *MockFeed) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			for sym, p := range m.prices {
				m.prices[sym] = p * (1 + (rand.Float64()*2-1)*m.step)
			}
			m.mu.Unlock()
		}
	}
}
