package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishRoutesByTopic(t *testing.T) {
	t.Parallel()
	b := NewMemory()
	ctx := context.Background()

	a, unsubA := b.Subscribe("home/a", 4)
	defer unsubA()
	c, unsubC := b.Subscribe("home/c", 4)
	defer unsubC()

	if err := b.Publish(ctx, "home/a", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case m := <-a:
		if string(m.Payload) != "x" || m.Topic != "home/a" {
			t.Fatalf("unexpected message: %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive message")
	}

	select {
	case m := <-c:
		t.Fatalf("wrong topic received message: %+v", m)
	default:
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()
	b := NewMemory()
	ctx := context.Background()

	ch, unsub := b.Subscribe("t", 1)
	defer unsub()

	for i := 0; i < 5; i++ {
		if err := b.Publish(ctx, "t", []byte{byte(i)}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if got := len(ch); got != 1 {
		t.Fatalf("buffered = %d, want 1", got)
	}
}

func TestUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := NewMemory()
	ctx := context.Background()

	ch, unsub := b.Subscribe("t", 4)
	unsub()
	unsub() // second call must be a no-op

	if err := b.Publish(ctx, "t", []byte("x")); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
}

func TestPublishHonorsCancelledContext(t *testing.T) {
	t.Parallel()
	b := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Publish(ctx, "t", nil); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
