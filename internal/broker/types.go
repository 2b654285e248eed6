package broker

import (
	"time"

	"copytrade-core/pkg/exchanges/common"
)

// TradeIntent is a venue-neutral request to open or close exposure.
// Immutable once created; each target account consumes it exactly once.
type TradeIntent struct {
	ID           string
	Symbol       string // generic ASSET-QUOTE form, e.g. BTC-USDT
	Side         common.Side
	Size         float64
	SizeMode     common.SizeMode
	Quality      float64 // signal quality in [0,1], 0 treated as unknown
	Reason       string
	ForceExecute bool
	CreatedAt    time.Time
}

// NormalizedIntent is a venue-ready order derived from a TradeIntent.
type NormalizedIntent struct {
	VenueSymbol string
	Side        common.Side
	BaseQty     float64
	Notional    float64
	Price       float64
	SizeMode    common.SizeMode
	ClientID    string
}

// MasterSignal is the fan-out payload published when a master account's
// order fills. ExitFraction is zero for entries; for exits it is the share
// of the position the master closed, so followers can mirror partial exits.
type MasterSignal struct {
	Intent        TradeIntent
	MasterAccount string
	ExitFraction  float64
}

// Rejection explains why an intent failed validation. Rejections are data:
// they never touch the network and never count against connection health.
type Rejection struct {
	Code   string
	Reason string
}

const (
	RejectUnsupportedSymbol = "UNSUPPORTED_SYMBOL"
	RejectUnsupportedQuote  = "UNSUPPORTED_QUOTE"
	RejectBelowMinNotional  = "BELOW_MIN_NOTIONAL"
	RejectBadIntent         = "BAD_INTENT"
	RejectNoPrice           = "NO_PRICE"
)
