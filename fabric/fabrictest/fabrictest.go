// Package fabrictest provides a conformance suite for fabric
// implementations.
package fabrictest

import (
	"context"
	"testing"
	"time"

	"github.com/xiucall/push/fabric"
)

// Factory creates a fresh Fabric instance for testing.
type Factory func(t *testing.T) fabric.Fabric

// Run runs the complete fabric conformance suite against the factory.
func Run(t *testing.T, factory Factory) {
	t.Run("PublishReachesSubscriber", func(t *testing.T) { testPublishReachesSubscriber(t, factory) })
	t.Run("PublishCountsReceivers", func(t *testing.T) { testPublishCountsReceivers(t, factory) })
	t.Run("PatternSubscription", func(t *testing.T) { testPatternSubscription(t, factory) })
	t.Run("SubscriberIsolation", func(t *testing.T) { testSubscriberIsolation(t, factory) })
	t.Run("CounterMonotonic", func(t *testing.T) { testCounterMonotonic(t, factory) })
	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) { testUnsubscribeStopsDelivery(t, factory) })
	t.Run("CloseClosesMessages", func(t *testing.T) { testCloseClosesMessages(t, factory) })
}

func recvMessage(t *testing.T, sub fabric.Subscriber, timeout time.Duration) (fabric.Message, bool) {
	t.Helper()
	select {
	case m, ok := <-sub.Messages():
		return m, ok
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for message")
		return fabric.Message{}, false
	}
}

func testPublishReachesSubscriber(t *testing.T, factory Factory) {
	f := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := f.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	sub, err := f.NewSubscriber(ctx)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	defer sub.Close()

	if err := sub.Subscribe(ctx, "mch_alice"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if _, err := conn.Publish(ctx, "mch_alice", "hello"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	m, ok := recvMessage(t, sub, 3*time.Second)
	if !ok {
		t.Fatalf("message channel closed")
	}
	if m.Topic != "mch_alice" || m.Payload != "hello" {
		t.Fatalf("unexpected message %+v", m)
	}
}

func testPublishCountsReceivers(t *testing.T, factory Factory) {
	f := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := f.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	n, err := conn.Publish(ctx, "mch_nobody", "x")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 receivers, got %d", n)
	}

	sub, err := f.NewSubscriber(ctx)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	defer sub.Close()
	if err := sub.Subscribe(ctx, "mch_somebody"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	n, err = conn.Publish(ctx, "mch_somebody", "x")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 receiver, got %d", n)
	}
}

func testPatternSubscription(t *testing.T, factory Factory) {
	f := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := f.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	sub, err := f.NewSubscriber(ctx)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	defer sub.Close()

	if err := sub.PSubscribe(ctx, "session_bob_*"); err != nil {
		t.Fatalf("PSubscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if _, err := conn.Publish(ctx, "session_bob_1a2b", "7"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	m, ok := recvMessage(t, sub, 3*time.Second)
	if !ok {
		t.Fatalf("message channel closed")
	}
	if m.Topic != "session_bob_1a2b" || m.Payload != "7" {
		t.Fatalf("unexpected message %+v", m)
	}
	if m.Pattern != "session_bob_*" {
		t.Fatalf("expected pattern session_bob_*, got %q", m.Pattern)
	}
}

func testSubscriberIsolation(t *testing.T, factory Factory) {
	f := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := f.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	subA, err := f.NewSubscriber(ctx)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	defer subA.Close()
	subB, err := f.NewSubscriber(ctx)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	defer subB.Close()

	if err := subA.Subscribe(ctx, "mch_a"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := subB.Subscribe(ctx, "mch_b"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	// Dropping A's subscription must not disturb B.
	if err := subA.Unsubscribe(ctx, "mch_a"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := conn.Publish(ctx, "mch_b", "still here"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	m, ok := recvMessage(t, subB, 3*time.Second)
	if !ok {
		t.Fatalf("message channel closed")
	}
	if m.Payload != "still here" {
		t.Fatalf("unexpected message %+v", m)
	}
}

func testCounterMonotonic(t *testing.T, factory Factory) {
	f := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := f.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	key := "index_counter-test-" + time.Now().Format("150405.000000000")
	var prev int64
	for i := 0; i < 5; i++ {
		n, err := conn.Incr(ctx, key)
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if n <= prev {
			t.Fatalf("counter not strictly increasing: %d after %d", n, prev)
		}
		prev = n
	}
}

func testUnsubscribeStopsDelivery(t *testing.T, factory Factory) {
	f := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := f.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	sub, err := f.NewSubscriber(ctx)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	defer sub.Close()

	if err := sub.Subscribe(ctx, "mch_gone"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sub.Unsubscribe(ctx, "mch_gone"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	n, err := conn.Publish(ctx, "mch_gone", "x")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 receivers after unsubscribe, got %d", n)
	}

	select {
	case m := <-sub.Messages():
		t.Fatalf("unexpected delivery after unsubscribe: %+v", m)
	case <-time.After(200 * time.Millisecond):
	}
}

func testCloseClosesMessages(t *testing.T, factory Factory) {
	f := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := f.NewSubscriber(ctx)
	if err != nil {
		t.Fatalf("NewSubscriber: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Fatalf("expected closed channel, got message")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Messages channel not closed after Close")
	}
}
