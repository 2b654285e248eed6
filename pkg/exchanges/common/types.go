package common

import (
	"context"
	"time"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// SizeMode distinguishes base-asset quantity sizing from quote-notional sizing.
type SizeMode string

const (
	SizeBaseQty       SizeMode = "BASE_QTY"
	SizeQuoteNotional SizeMode = "QUOTE_NOTIONAL"
)

// OrderStatus normalizes exchange ack status into a small set.
type OrderStatus string

const (
	StatusFilled   OrderStatus = "FILLED"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusRejected OrderStatus = "REJECTED"
	StatusError    OrderStatus = "ERROR"
)

// OrderRequest captures a market order to be sent to a venue.
// Symbol is already in the venue's native form.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Size     float64
	SizeMode SizeMode
	ClientID string
}

// OrderResult is always returned from order placement; expected exchange-side
// outcomes (rejections, insufficient funds) are data here, never Go errors.
type OrderResult struct {
	Status          OrderStatus
	FilledQty       float64
	AvgPrice        float64
	ExchangeOrderID string
	ClientID        string
	ErrorKind       ErrorKind
	ErrorMsg        string
}

// Filled reports whether the order moved any quantity.
func (r OrderResult) Filled() bool {
	return r.Status == StatusFilled || r.Status == StatusPartial
}

// Balance represents one asset balance on a venue.
type Balance struct {
	Currency  string
	Available float64
	Held      float64
}

// Order is a simplified historical order view.
type Order struct {
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Qty             float64
	Price           float64
	Status          string
	CreatedAt       time.Time
}

// Gateway abstracts one trading venue for one credential identity.
// Implementations classify venue errors into *APIError before returning them.
type Gateway interface {
	Venue() string
	GetBalances(ctx context.Context) ([]Balance, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	ListRecentOrders(ctx context.Context, symbol string, limit int) ([]Order, error)
}
