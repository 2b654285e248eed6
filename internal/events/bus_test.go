package events

import (
	"context"
	"testing"
	"time"
)

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventOrderFilled, 1)
	defer unsub()

	b.Publish(EventOrderFilled, 1)
	b.Publish(EventOrderFilled, 2) // buffer full, dropped

	select {
	case got := <-ch:
		if got != 1 {
			t.Fatalf("got %v, expected first payload", got)
		}
	default:
		t.Fatalf("no payload delivered")
	}
	select {
	case got := <-ch:
		t.Fatalf("second payload should have been dropped, got %v", got)
	default:
	}
}

func TestPublishSyncDeliversToEverySubscriber(t *testing.T) {
	b := NewBus()
	a, unsubA := b.Subscribe(EventMasterIntent, 1)
	defer unsubA()
	c, unsubC := b.Subscribe(EventMasterIntent, 1)
	defer unsubC()

	done := make(chan struct{})
	go func() {
		b.PublishSync(context.Background(), EventMasterIntent, "intent")
		close(done)
	}()

	for _, ch := range []<-chan any{a, c} {
		select {
		case got := <-ch:
			if got != "intent" {
				t.Fatalf("got %v", got)
			}
		case <-time.After(time.Second):
			t.Fatalf("sync publish did not deliver")
		}
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("PublishSync did not return")
	}
}

func TestPublishSyncUnblocksOnCancel(t *testing.T) {
	b := NewBus()
	_, unsub := b.Subscribe(EventMasterIntent, 1)

	ctx, cancel := context.WithCancel(context.Background())
	b.PublishSync(ctx, EventMasterIntent, "first") // fills the buffer

	done := make(chan struct{})
	go func() {
		b.PublishSync(ctx, EventMasterIntent, "second") // blocks until cancel
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("PublishSync did not return after cancel")
	}

	// The read lock was released, so unsubscribe must not deadlock.
	unsubDone := make(chan struct{})
	go func() {
		unsub()
		close(unsubDone)
	}()
	select {
	case <-unsubDone:
	case <-time.After(time.Second):
		t.Fatalf("unsubscribe blocked after cancelled publish")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventRiskAlert, 1)
	unsub()

	b.Publish(EventRiskAlert, "x")
	if _, open := <-ch; open {
		t.Fatalf("channel still open after unsubscribe")
	}
}
