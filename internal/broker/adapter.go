package broker

import (
	"fmt"
	"strings"

	"copytrade-core/internal/account"
	"copytrade-core/pkg/exchanges/common"
)

// Adapter validates and normalizes generic trade intents for one venue.
// It is pure: no network calls, so invalid-symbol detection stays cheap and
// never counts against the connection's failure accounting.
type Adapter struct {
	venue string
	rules venueRules
}

type venueRules struct {
	quoteAssets map[string]bool
	minNotional float64
	baseAliases map[string]string // generic base -> venue base
}

// NewAdapter returns the adapter for a supported venue.
func NewAdapter(venue string) (*Adapter, error) {
	switch venue {
	case "binance":
		return &Adapter{venue: venue, rules: venueRules{
			quoteAssets: map[string]bool{"USDT": true, "USDC": true, "FDUSD": true},
			minNotional: 5.0,
		}}, nil
	case "kraken":
		return &Adapter{venue: venue, rules: venueRules{
			quoteAssets: map[string]bool{"USD": true, "USDT": true, "EUR": true},
			minNotional: 1.0,
			baseAliases: map[string]string{"BTC": "XBT", "DOGE": "XDG"},
		}}, nil
	default:
		return nil, fmt.Errorf("broker: unsupported venue %q", venue)
	}
}

func (a *Adapter) Venue() string { return a.venue }

// MinNotional returns the venue's minimum order notional in quote terms.
func (a *Adapter) MinNotional() float64 { return a.rules.minNotional }

// SupportsSymbol reports whether the venue can trade the generic symbol.
func (a *Adapter) SupportsSymbol(symbol string) bool {
	_, quote, err := splitSymbol(symbol)
	if err != nil {
		return false
	}
	return a.rules.quoteAssets[quote]
}

// VenueSymbol maps a generic ASSET-QUOTE symbol to the venue's native form.
func (a *Adapter) VenueSymbol(symbol string) (string, error) {
	base, quote, err := splitSymbol(symbol)
	if err != nil {
		return "", err
	}
	if alias, ok := a.rules.baseAliases[base]; ok {
		base = alias
	}
	// Both supported venues concatenate base and quote (BTCUSDT, XBTUSD).
	return base + quote, nil
}

// ValidateAndNormalize converts a generic intent into a venue-ready order
// using the supplied current price, or explains why it cannot be placed.
func (a *Adapter) ValidateAndNormalize(intent TradeIntent, acct account.Context, price float64) (NormalizedIntent, *Rejection) {
	if intent.Size <= 0 {
		return NormalizedIntent{}, &Rejection{Code: RejectBadIntent, Reason: "non-positive size"}
	}
	if intent.Side != common.SideBuy && intent.Side != common.SideSell {
		return NormalizedIntent{}, &Rejection{Code: RejectBadIntent, Reason: fmt.Sprintf("bad side %q", intent.Side)}
	}

	base, quote, err := splitSymbol(intent.Symbol)
	if err != nil {
		return NormalizedIntent{}, &Rejection{Code: RejectUnsupportedSymbol, Reason: err.Error()}
	}
	if !a.rules.quoteAssets[quote] {
		return NormalizedIntent{}, &Rejection{
			Code:   RejectUnsupportedQuote,
			Reason: fmt.Sprintf("%s does not trade %s-quoted pairs", a.venue, quote),
		}
	}
	if price <= 0 {
		return NormalizedIntent{}, &Rejection{Code: RejectNoPrice, Reason: "no current price for " + intent.Symbol}
	}

	var baseQty, notional float64
	switch intent.SizeMode {
	case common.SizeQuoteNotional:
		notional = intent.Size
		baseQty = intent.Size / price
	default:
		baseQty = intent.Size
		notional = intent.Size * price
	}

	minNotional := a.rules.minNotional
	if acct.MinTradeNotional > minNotional {
		minNotional = acct.MinTradeNotional
	}
	// Sells are exempt: an exit must always be able to flush a position,
	// even one the venue would no longer accept as a fresh entry.
	if intent.Side == common.SideBuy && notional < minNotional {
		return NormalizedIntent{}, &Rejection{
			Code:   RejectBelowMinNotional,
			Reason: fmt.Sprintf("notional %.2f below minimum %.2f %s", notional, minNotional, quote),
		}
	}

	venueBase := base
	if alias, ok := a.rules.baseAliases[base]; ok {
		venueBase = alias
	}

	return NormalizedIntent{
		VenueSymbol: venueBase + quote,
		Side:        intent.Side,
		BaseQty:     baseQty,
		Notional:    notional,
		Price:       price,
		SizeMode:    intent.SizeMode,
	}, nil
}

func splitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(strings.ToUpper(symbol), "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("symbol %q is not in ASSET-QUOTE form", symbol)
	}
	return parts[0], parts[1], nil
}
