// Package market maintains a live price cache fed by a public websocket
// ticker stream. Consumers fall back to REST price lookups while the
// stream is cold or reconnecting.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Feed subscribes to miniTicker streams for a set of venue symbols and keeps
// the latest price per symbol.
type Feed struct {
	streamURL string
	symbols   []string
	dialer    *websocket.Dialer

	mu     sync.RWMutex
	prices map[string]tick
	maxAge time.Duration
}

type tick struct {
	price float64
	at    time.Time
}

// NewFeed builds a feed for the given venue symbols. testnet toggles the host.
func NewFeed(symbols []string, testnet bool) *Feed {
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	return &Feed{
		streamURL: (&url.URL{Scheme: "wss", Host: host, Path: "/stream"}).String(),
		symbols:   symbols,
		dialer:    websocket.DefaultDialer,
		prices:    make(map[string]tick),
		maxAge:    30 * time.Second,
	}
}

// Price returns the cached price for a venue symbol if it is fresh enough.
func (f *Feed) Price(symbol string) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.prices[strings.ToUpper(symbol)]
	if !ok || time.Since(t.at) > f.maxAge {
		return 0, false
	}
	return t.price, true
}

// Run connects and consumes the stream until ctx is cancelled, reconnecting
// with capped backoff on failure.
func (f *Feed) Run(ctx context.Context) {
	if len(f.symbols) == 0 {
		return
	}
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := f.consume(ctx); err != nil && ctx.Err() == nil {
			log.Printf("market feed: stream error: %v (reconnect in %v)", err, backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (f *Feed) consume(ctx context.Context) error {
	streams := make([]string, len(f.symbols))
	for i, s := range f.symbols {
		streams[i] = strings.ToLower(s) + "@miniTicker"
	}
	u := f.streamURL + "?streams=" + strings.Join(streams, "/")

	conn, _, err := f.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial ticker stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		symbol, price, err := parseMiniTicker(msg)
		if err != nil {
			log.Printf("market feed: parse error: %v", err)
			continue
		}
		f.set(symbol, price)
	}
}

func (f *Feed) set(symbol string, price float64) {
	f.mu.Lock()
	f.prices[strings.ToUpper(symbol)] = tick{price: price, at: time.Now()}
	f.mu.Unlock()
}

func parseMiniTicker(msg []byte) (string, float64, error) {
	var wrapper struct {
		Data struct {
			Symbol string `json:"s"`
			Close  string `json:"c"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg, &wrapper); err != nil {
		return "", 0, err
	}
	if wrapper.Data.Symbol == "" {
		return "", 0, fmt.Errorf("no symbol in ticker message")
	}
	price, err := strconv.ParseFloat(wrapper.Data.Close, 64)
	if err != nil {
		return "", 0, fmt.Errorf("bad close price %q: %w", wrapper.Data.Close, err)
	}
	return wrapper.Data.Symbol, price, nil
}
