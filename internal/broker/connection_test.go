package broker

import (
	"context"
	"testing"
	"time"

	"copytrade-core/pkg/exchanges/common"
)

// fakeGateway returns a scripted sequence of errors before succeeding.
type fakeGateway struct {
	errs   []error
	calls  int
	result common.OrderResult
}

func (f *fakeGateway) Venue() string { return "fake" }

func (f *fakeGateway) next() error {
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeGateway) PlaceMarketOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := f.next(); err != nil {
		return common.OrderResult{}, err
	}
	res := f.result
	res.ClientID = req.ClientID
	return res, nil
}

func (f *fakeGateway) GetBalances(ctx context.Context) ([]common.Balance, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return []common.Balance{{Currency: "USDT", Available: 100}}, nil
}

func (f *fakeGateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := f.next(); err != nil {
		return 0, err
	}
	return 100, nil
}

func (f *fakeGateway) ListRecentOrders(ctx context.Context, symbol string, limit int) ([]common.Order, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return nil, nil
}

type fakeBumper struct{ bumps []string }

func (b *fakeBumper) Bump(id string) { b.bumps = append(b.bumps, id) }

func newTestConnection(gw common.Gateway, bumper Bumper) *Connection {
	c := NewConnection(gw, ConnectionConfig{
		CredentialID:   "fake:acct",
		MinCallSpacing: time.Millisecond,
		ConnectDelay:   time.Millisecond,
		MaxAttempts:    3,
		BaseBackoff:    time.Millisecond,
		SeqBackoff:     time.Millisecond,
	}, bumper)
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func apiErr(kind common.ErrorKind) error {
	return &common.APIError{Kind: kind, Venue: "fake", Msg: string(kind)}
}

func TestPlaceOrderRetriesTransientThenSucceeds(t *testing.T) {
	gw := &fakeGateway{
		errs:   []error{apiErr(common.ErrTransientNetwork), apiErr(common.ErrRateLimited)},
		result: common.OrderResult{Status: common.StatusFilled, FilledQty: 1, AvgPrice: 100},
	}
	c := newTestConnection(gw, nil)

	res := c.PlaceMarketOrder(context.Background(), NormalizedIntent{
		VenueSymbol: "BTCUSDT", Side: common.SideBuy, BaseQty: 1, SizeMode: common.SizeBaseQty,
	})
	if res.Status != common.StatusFilled {
		t.Fatalf("status=%s, expected FILLED (err=%s)", res.Status, res.ErrorMsg)
	}
	if gw.calls != 3 {
		t.Fatalf("calls=%d, expected 3", gw.calls)
	}
	if c.FailStreak() != 0 {
		t.Fatalf("fail streak=%d after success, expected 0", c.FailStreak())
	}
}

func TestSequencingErrorBumpsNonceAndRetries(t *testing.T) {
	gw := &fakeGateway{
		errs:   []error{apiErr(common.ErrAuthSequencing), apiErr(common.ErrAuthSequencing)},
		result: common.OrderResult{Status: common.StatusFilled},
	}
	bumper := &fakeBumper{}
	c := newTestConnection(gw, bumper)

	res := c.PlaceMarketOrder(context.Background(), NormalizedIntent{
		VenueSymbol: "XBTUSD", Side: common.SideBuy, BaseQty: 1, SizeMode: common.SizeBaseQty,
	})
	if res.Status != common.StatusFilled {
		t.Fatalf("status=%s, expected FILLED", res.Status)
	}
	if len(bumper.bumps) != 2 {
		t.Fatalf("bump count=%d, expected 2", len(bumper.bumps))
	}
	if bumper.bumps[0] != "fake:acct" {
		t.Fatalf("bumped credential %q, expected fake:acct", bumper.bumps[0])
	}
}

func TestInvalidParamsIsRejectionNotRetry(t *testing.T) {
	gw := &fakeGateway{errs: []error{apiErr(common.ErrInvalidParams)}}
	c := newTestConnection(gw, nil)

	res := c.PlaceMarketOrder(context.Background(), NormalizedIntent{
		VenueSymbol: "NOPEUSDT", Side: common.SideBuy, BaseQty: 1, SizeMode: common.SizeBaseQty,
	})
	if res.Status != common.StatusRejected {
		t.Fatalf("status=%s, expected REJECTED", res.Status)
	}
	if res.ErrorKind != common.ErrInvalidParams {
		t.Fatalf("kind=%s, expected INVALID_PARAMS", res.ErrorKind)
	}
	if gw.calls != 1 {
		t.Fatalf("calls=%d, expected no retries", gw.calls)
	}
	// Permanent rejections must not poison connection health accounting.
	if c.FailStreak() != 0 {
		t.Fatalf("fail streak=%d, expected 0 for permanent rejection", c.FailStreak())
	}
}

func TestInsufficientFundsIsRejection(t *testing.T) {
	gw := &fakeGateway{errs: []error{apiErr(common.ErrInsufficientFunds)}}
	c := newTestConnection(gw, nil)

	res := c.PlaceMarketOrder(context.Background(), NormalizedIntent{
		VenueSymbol: "ETHUSDT", Side: common.SideBuy, BaseQty: 5, SizeMode: common.SizeBaseQty,
	})
	if res.Status != common.StatusRejected || res.ErrorKind != common.ErrInsufficientFunds {
		t.Fatalf("got %s/%s, expected REJECTED/INSUFFICIENT_FUNDS", res.Status, res.ErrorKind)
	}
}

func TestExhaustedRetriesCountAgainstHealth(t *testing.T) {
	gw := &fakeGateway{errs: []error{
		apiErr(common.ErrTransientNetwork),
		apiErr(common.ErrTransientNetwork),
		apiErr(common.ErrTransientNetwork),
	}}
	c := newTestConnection(gw, nil)

	if _, err := c.GetBalances(context.Background()); err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if gw.calls != 3 {
		t.Fatalf("calls=%d, expected max attempts 3", gw.calls)
	}
	if c.FailStreak() != 1 {
		t.Fatalf("fail streak=%d, expected 1", c.FailStreak())
	}
}
