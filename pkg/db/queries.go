package db

import (
	"context"
	"fmt"
)

// InsertOrder stores one order outcome.
func (d *Database) InsertOrder(ctx context.Context, o OrderRecord) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (id, account_id, broker, symbol, side, qty, avg_price, notional, status, error_kind, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.AccountID, o.Broker, o.Symbol, o.Side, o.Qty, o.AvgPrice, o.Notional, o.Status, o.ErrorKind, o.Reason)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// ListOrders returns the most recent orders for an account.
func (d *Database) ListOrders(ctx context.Context, accountID string, limit int) ([]OrderRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, account_id, broker, symbol, side, qty, avg_price, notional, status, error_kind, reason, created_at
		FROM orders WHERE account_id = ? ORDER BY created_at DESC LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var o OrderRecord
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Broker, &o.Symbol, &o.Side, &o.Qty,
			&o.AvgPrice, &o.Notional, &o.Status, &o.ErrorKind, &o.Reason, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// InsertCopyAudit stores one follower outcome for a master signal.
func (d *Database) InsertCopyAudit(ctx context.Context, r CopyAuditRecord) error {
	forwarded := 0
	if r.Forwarded {
		forwarded = 1
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO copy_audit (id, intent_id, master_account, follower_account, symbol, forwarded, reason, notional)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.IntentID, r.MasterAccount, r.FollowerAccount, r.Symbol, forwarded, r.Reason, r.Notional)
	if err != nil {
		return fmt.Errorf("insert copy audit: %w", err)
	}
	return nil
}

// ListCopyAudit returns all follower outcomes for one intent.
func (d *Database) ListCopyAudit(ctx context.Context, intentID string) ([]CopyAuditRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, intent_id, master_account, follower_account, symbol, forwarded, reason, notional, created_at
		FROM copy_audit WHERE intent_id = ? ORDER BY follower_account
	`, intentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CopyAuditRecord
	for rows.Next() {
		var r CopyAuditRecord
		var forwarded int
		if err := rows.Scan(&r.ID, &r.IntentID, &r.MasterAccount, &r.FollowerAccount,
			&r.Symbol, &forwarded, &r.Reason, &r.Notional, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Forwarded = forwarded == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertEquity records or updates the daily equity snapshot for an account.
func (d *Database) UpsertEquity(ctx context.Context, p EquityPoint) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO equity_history (account_id, date, equity, peak, drawdown, daily_pnl, trades)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, date) DO UPDATE SET
			equity = excluded.equity,
			peak = excluded.peak,
			drawdown = excluded.drawdown,
			daily_pnl = daily_pnl + excluded.daily_pnl,
			trades = trades + excluded.trades
	`, p.AccountID, p.Date, p.Equity, p.Peak, p.Drawdown, p.DailyPnL, p.Trades)
	if err != nil {
		return fmt.Errorf("upsert equity: %w", err)
	}
	return nil
}
