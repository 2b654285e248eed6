// Package copytrade fans master account signals out to follower accounts.
// Every follower is evaluated exactly once per signal and every outcome,
// forwarded or skipped, lands in the copy audit trail. Followers never
// receive the master's size: each one is resized through its own risk
// manager against its own balance.
package copytrade

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"copytrade-core/internal/account"
	"copytrade-core/internal/broker"
	"copytrade-core/internal/engine"
	"copytrade-core/internal/events"
	"copytrade-core/internal/risk"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/exchanges/common"
)

// Follower bundles one follower account's pipeline.
type Follower struct {
	Account *account.Manager
	Risk    *risk.Manager
	Engine  *engine.Engine
	Adapter *broker.Adapter
}

// FollowerResult is one follower's outcome for one master signal.
type FollowerResult struct {
	AccountID string
	Forwarded bool
	Reason    string
	Result    common.OrderResult
}

// Engine routes master signals to followers.
type Engine struct {
	followers []Follower // evaluation order is fixed at construction
	store     *db.Database
	bus       *events.Bus
}

// New builds a copy engine over a fixed follower set.
func New(followers []Follower, bus *events.Bus, store *db.Database) *Engine {
	return &Engine{followers: followers, store: store, bus: bus}
}

// Run consumes master signals from the bus until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ch, unsub := e.bus.Subscribe(events.EventMasterIntent, 64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-ch:
			sig, ok := payload.(broker.MasterSignal)
			if !ok {
				continue
			}
			e.OnMasterSignal(ctx, sig)
		}
	}
}

// OnMasterSignal evaluates every follower exactly once for one master
// signal. A follower failure never blocks or alters the outcome for the
// others, and a follower never receives more than one order per signal.
func (e *Engine) OnMasterSignal(ctx context.Context, sig broker.MasterSignal) []FollowerResult {
	results := make([]FollowerResult, 0, len(e.followers))
	for _, f := range e.followers {
		res := e.handleFollower(ctx, f, sig)
		results = append(results, res)
		e.audit(ctx, sig, res)
	}
	if e.bus != nil {
		e.bus.Publish(events.EventCopyFanOut, results)
	}
	return results
}

func (e *Engine) handleFollower(ctx context.Context, f Follower, sig broker.MasterSignal) FollowerResult {
	acct := f.Account.Context()
	out := FollowerResult{AccountID: acct.AccountID}

	if sig.Intent.Side == common.SideSell {
		return e.mirrorExit(ctx, f, sig, out)
	}

	if !acct.CopyEnabled {
		out.Reason = "copy trading disabled"
		return out
	}
	if !f.Adapter.SupportsSymbol(sig.Intent.Symbol) {
		out.Reason = fmt.Sprintf("%s not tradable on %s", sig.Intent.Symbol, f.Adapter.Venue())
		return out
	}
	quality := sig.Intent.Quality
	if quality <= 0 {
		quality = 1
	}
	notional, err := f.Risk.SizePosition(acct, quality)
	if err != nil {
		out.Reason = "sizing: " + err.Error()
		return out
	}
	if notional < acct.MinTradeNotional {
		out.Reason = fmt.Sprintf("sized notional %.2f below account minimum %.2f", notional, acct.MinTradeNotional)
		return out
	}

	res, err := f.Engine.SubmitIntent(ctx, broker.TradeIntent{
		ID:        uuid.NewString(),
		Symbol:    sig.Intent.Symbol,
		Side:      common.SideBuy,
		Size:      notional,
		SizeMode:  common.SizeQuoteNotional,
		Quality:   quality,
		Reason:    "copy:" + sig.Intent.ID,
		CreatedAt: time.Now(),
	})
	if err != nil {
		log.Printf("copytrade: follower %s submit failed: %v", acct.AccountID, err)
		out.Reason = "submit: " + err.Error()
		return out
	}
	out.Forwarded = true
	out.Result = res
	if !res.Filled() {
		out.Reason = res.ErrorMsg
	}
	return out
}

// mirrorExit closes the follower's share of a position the master exited.
// Followers without the position simply skip.
func (e *Engine) mirrorExit(ctx context.Context, f Follower, sig broker.MasterSignal, out FollowerResult) FollowerResult {
	qty, ok := f.Engine.PositionQuantity(sig.Intent.Symbol)
	if !ok || qty <= 0 {
		out.Reason = "no open position to mirror"
		return out
	}
	if sig.ExitFraction > 0 && sig.ExitFraction < 1 {
		qty *= sig.ExitFraction
	}

	res, err := f.Engine.SubmitIntent(ctx, broker.TradeIntent{
		ID:           uuid.NewString(),
		Symbol:       sig.Intent.Symbol,
		Side:         common.SideSell,
		Size:         qty,
		SizeMode:     common.SizeBaseQty,
		Reason:       "copy-exit:" + sig.Intent.ID,
		ForceExecute: true,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		out.Reason = "submit: " + err.Error()
		return out
	}
	out.Forwarded = true
	out.Result = res
	if !res.Filled() {
		out.Reason = res.ErrorMsg
	}
	return out
}

func (e *Engine) audit(ctx context.Context, sig broker.MasterSignal, res FollowerResult) {
	if e.store == nil {
		return
	}
	notional := res.Result.FilledQty * res.Result.AvgPrice
	rec := db.CopyAuditRecord{
		ID:              uuid.NewString(),
		IntentID:        sig.Intent.ID,
		MasterAccount:   sig.MasterAccount,
		FollowerAccount: res.AccountID,
		Symbol:          sig.Intent.Symbol,
		Forwarded:       res.Forwarded,
		Reason:          res.Reason,
		Notional:        notional,
		CreatedAt:       time.Now(),
	}
	if err := e.store.InsertCopyAudit(ctx, rec); err != nil {
		log.Printf("copytrade: audit %s/%s: %v", sig.Intent.ID, res.AccountID, err)
	}
}
