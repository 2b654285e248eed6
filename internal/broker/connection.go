package broker

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"copytrade-core/pkg/exchanges/common"
)

// Bumper arms a nonce jump after a sequencing error (see pkg/nonce).
type Bumper interface {
	Bump(credentialID string)
}

// Connection owns authenticated access to one venue for one credential
// identity: request pacing, failure classification, and retry policy.
// Expected exchange outcomes come back inside OrderResult; Go errors are
// reserved for failures the caller cannot act on as data.
type Connection struct {
	gw           common.Gateway
	credentialID string
	bumper       Bumper

	limiter     *rate.Limiter
	maxAttempts int
	baseBackoff time.Duration
	seqBackoff  time.Duration

	// A burst right after connecting is the most common trigger of
	// sequencing errors, so the first call waits out a cooldown.
	createdAt time.Time
	cooldown  time.Duration

	mu           sync.Mutex
	firstDone    bool
	failStreak   int
	seqErrLogged bool

	sleep func(context.Context, time.Duration) error
}

// ConnectionConfig tunes retry and pacing behavior.
type ConnectionConfig struct {
	CredentialID   string
	MinCallSpacing time.Duration // minimum gap between any two calls
	ConnectDelay   time.Duration // cooldown after connection creation
	MaxAttempts    int
	BaseBackoff    time.Duration // exponential base for transient retries
	SeqBackoff     time.Duration // linear step for sequencing retries
}

func NewConnection(gw common.Gateway, cfg ConnectionConfig, bumper Bumper) *Connection {
	if cfg.MinCallSpacing <= 0 {
		cfg.MinCallSpacing = 250 * time.Millisecond
	}
	if cfg.ConnectDelay <= 0 {
		cfg.ConnectDelay = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.SeqBackoff <= 0 {
		cfg.SeqBackoff = 3 * time.Second
	}
	return &Connection{
		gw:           gw,
		credentialID: cfg.CredentialID,
		bumper:       bumper,
		limiter:      rate.NewLimiter(rate.Every(cfg.MinCallSpacing), 1),
		maxAttempts:  cfg.MaxAttempts,
		baseBackoff:  cfg.BaseBackoff,
		seqBackoff:   cfg.SeqBackoff,
		createdAt:    time.Now(),
		cooldown:     cfg.ConnectDelay,
		sleep:        sleepCtx,
	}
}

func (c *Connection) Venue() string { return c.gw.Venue() }

// FailStreak returns consecutive transient/unknown failures. Permanent
// rejections (bad params, insufficient funds) never increment it.
func (c *Connection) FailStreak() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failStreak
}

// ResetCycle clears per-cycle log suppression. Engines call it at cycle start.
func (c *Connection) ResetCycle() {
	c.mu.Lock()
	c.seqErrLogged = false
	c.mu.Unlock()
}

// PlaceMarketOrder submits a market order and always returns an OrderResult.
func (c *Connection) PlaceMarketOrder(ctx context.Context, ni NormalizedIntent) common.OrderResult {
	req := common.OrderRequest{
		Symbol:   ni.VenueSymbol,
		Side:     ni.Side,
		ClientID: ni.ClientID,
		SizeMode: ni.SizeMode,
	}
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	switch ni.SizeMode {
	case common.SizeQuoteNotional:
		req.Size = ni.Notional
	default:
		req.Size = ni.BaseQty
	}

	var res common.OrderResult
	err := c.call(ctx, func(callCtx context.Context) error {
		var opErr error
		res, opErr = c.gw.PlaceMarketOrder(callCtx, req)
		return opErr
	})
	if err == nil {
		return res
	}

	kind := common.KindOf(err)
	status := common.StatusError
	if common.Permanent(kind) {
		status = common.StatusRejected
	}
	return common.OrderResult{
		Status:    status,
		ClientID:  req.ClientID,
		ErrorKind: kind,
		ErrorMsg:  err.Error(),
	}
}

// GetBalances fetches authoritative balances.
func (c *Connection) GetBalances(ctx context.Context) ([]common.Balance, error) {
	var out []common.Balance
	err := c.call(ctx, func(callCtx context.Context) error {
		var opErr error
		out, opErr = c.gw.GetBalances(callCtx)
		return opErr
	})
	return out, err
}

// GetPrice fetches the current price for a venue symbol.
func (c *Connection) GetPrice(ctx context.Context, venueSymbol string) (float64, error) {
	var price float64
	err := c.call(ctx, func(callCtx context.Context) error {
		var opErr error
		price, opErr = c.gw.GetPrice(callCtx, venueSymbol)
		return opErr
	})
	return price, err
}

// ListRecentOrders fetches recent orders for a venue symbol.
func (c *Connection) ListRecentOrders(ctx context.Context, venueSymbol string, limit int) ([]common.Order, error) {
	var orders []common.Order
	err := c.call(ctx, func(callCtx context.Context) error {
		var opErr error
		orders, opErr = c.gw.ListRecentOrders(callCtx, venueSymbol, limit)
		return opErr
	})
	return orders, err
}

// call enforces pacing and applies the retry policy:
// rate-limited / transient network -> exponential backoff with jitter;
// auth-sequencing -> nonce jump plus longer linear backoff (the venue
// enforces a cooldown window, not just a rate limit); everything else
// surfaces immediately.
func (c *Connection) call(ctx context.Context, op func(context.Context) error) error {
	if err := c.pace(ctx); err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			c.mu.Lock()
			c.failStreak = 0
			c.mu.Unlock()
			return nil
		}

		kind := common.KindOf(err)
		switch {
		case kind == common.ErrAuthSequencing:
			if c.bumper != nil && c.credentialID != "" {
				c.bumper.Bump(c.credentialID)
			}
			c.mu.Lock()
			if !c.seqErrLogged {
				c.seqErrLogged = true
				log.Printf("%s: sequencing error on %s, jumping nonce and backing off: %v",
					c.gw.Venue(), c.credentialID, err)
			}
			c.mu.Unlock()
			if attempt >= c.maxAttempts {
				c.noteFailure()
				return err
			}
			if serr := c.sleep(ctx, time.Duration(attempt)*c.seqBackoff); serr != nil {
				return serr
			}

		case common.Retryable(kind):
			if attempt >= c.maxAttempts {
				c.noteFailure()
				return err
			}
			backoff := c.baseBackoff << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(c.baseBackoff)))
			if serr := c.sleep(ctx, backoff); serr != nil {
				return serr
			}

		case common.Permanent(kind):
			// Data, not a health problem: do not touch the fail streak.
			return err

		default:
			c.noteFailure()
			return err
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
}

func (c *Connection) pace(ctx context.Context) error {
	c.mu.Lock()
	first := !c.firstDone
	c.firstDone = true
	c.mu.Unlock()

	if first {
		if remaining := c.cooldown - time.Since(c.createdAt); remaining > 0 {
			if err := c.sleep(ctx, remaining); err != nil {
				return err
			}
		}
	}
	return c.limiter.Wait(ctx)
}

func (c *Connection) noteFailure() {
	c.mu.Lock()
	c.failStreak++
	c.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
