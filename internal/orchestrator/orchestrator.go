// Package orchestrator runs one independent cycle loop per account. A slow
// or failing account never delays the others; shutdown waits for every
// in-flight cycle to finish so no account is interrupted mid-order.
package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"
)

// Runner is one account's cycle entry point.
type Runner interface {
	AccountID() string
	RunCycle(ctx context.Context) error
}

// Orchestrator drives a fixed set of runners on independent tickers.
type Orchestrator struct {
	interval time.Duration
	runners  []Runner
	wg       sync.WaitGroup
}

// New builds an Orchestrator with the given cycle interval.
func New(interval time.Duration) *Orchestrator {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Orchestrator{interval: interval}
}

// Add registers a runner. Must be called before Start.
func (o *Orchestrator) Add(r Runner) {
	o.runners = append(o.runners, r)
}

// Start launches one goroutine per runner. Each loop runs an immediate
// first cycle, then ticks until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	for _, r := range o.runners {
		o.wg.Add(1)
		go o.loop(ctx, r)
	}
	log.Printf("orchestrator: started %d account loops, interval %s", len(o.runners), o.interval)
}

// Wait blocks until every account loop has exited.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) loop(ctx context.Context, r Runner) {
	defer o.wg.Done()

	o.cycle(ctx, r)
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("orchestrator: %s loop stopped", r.AccountID())
			return
		case <-ticker.C:
			o.cycle(ctx, r)
		}
	}
}

func (o *Orchestrator) cycle(ctx context.Context, r Runner) {
	if ctx.Err() != nil {
		return
	}
	if err := r.RunCycle(ctx); err != nil {
		log.Printf("orchestrator: %s cycle: %v", r.AccountID(), err)
	}
}
