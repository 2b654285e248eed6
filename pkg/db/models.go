package db

import "time"

// OrderRecord is one submitted order outcome.
type OrderRecord struct {
	ID        string
	AccountID string
	Broker    string
	Symbol    string
	Side      string
	Qty       float64
	AvgPrice  float64
	Notional  float64
	Status    string
	ErrorKind string
	Reason    string
	CreatedAt time.Time
}

// CopyAuditRecord is one follower's outcome for one master signal. Every
// follower gets exactly one row per intent, forwarded or not.
type CopyAuditRecord struct {
	ID              string
	IntentID        string
	MasterAccount   string
	FollowerAccount string
	Symbol          string
	Forwarded       bool
	Reason          string
	Notional        float64
	CreatedAt       time.Time
}

// EquityPoint is one account's end-of-day equity snapshot.
type EquityPoint struct {
	AccountID string
	Date      string
	Equity    float64
	Peak      float64
	Drawdown  float64
	DailyPnL  float64
	Trades    int
}
