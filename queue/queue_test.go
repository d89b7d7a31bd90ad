package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xiucall/push/fabric"
	"github.com/xiucall/push/fabric/memfabric"
	"github.com/xiucall/push/queue"
	"github.com/xiucall/push/store"
	"github.com/xiucall/push/store/memstore"
)

func newTestBroker(t *testing.T) *queue.Broker {
	t.Helper()
	ms := memstore.New()
	hub := memfabric.New()
	b := queue.NewBroker(queue.Config{
		DialStore: func(ctx context.Context) (store.Store, error) { return ms, nil },
		Fabric:    hub,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func TestFIFOPerChannel(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pub, err := b.Get(ctx, "alice", queue.GetOptions{Mode: queue.ModePublish, AutoCreate: true})
	if err != nil {
		t.Fatalf("Get pub: %v", err)
	}
	for i := 1; i <= 100; i++ {
		if _, err := pub.Push(ctx, map[string]any{"index": i}); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}

	sub, err := b.Get(ctx, "alice", queue.GetOptions{Mode: queue.ModeSubscribe})
	if err != nil {
		t.Fatalf("Get sub: %v", err)
	}

	sum, prev := 0, 0
	for i := 0; i < 100; i++ {
		rec, err := sub.Peek(ctx)
		if err != nil {
			t.Fatalf("Peek %d: %v", i, err)
		}
		idx := rec.Payload["index"].(int)
		if idx <= prev {
			t.Fatalf("out of order: %d after %d", idx, prev)
		}
		prev = idx
		sum += idx
		if ok, err := sub.Commit(ctx); err != nil || !ok {
			t.Fatalf("Commit %d: ok=%v err=%v", i, ok, err)
		}
	}
	if sum != 5050 {
		t.Fatalf("sum of indices = %d, want 5050", sum)
	}
}

func TestPeekBeforePushDoesNotDeadlock(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub, err := b.Get(ctx, "bob", queue.GetOptions{Mode: queue.ModeSubscribe, AutoCreate: true})
	if err != nil {
		t.Fatalf("Get sub: %v", err)
	}

	type result struct {
		rec *store.Record
		err error
	}
	got := make(chan result, 1)
	go func() {
		rec, err := sub.Peek(ctx)
		got <- result{rec, err}
	}()

	// Let the peek register its wait before the push happens.
	time.Sleep(100 * time.Millisecond)

	pub, err := b.Get(ctx, "bob", queue.GetOptions{Mode: queue.ModePublish})
	if err != nil {
		t.Fatalf("Get pub: %v", err)
	}
	woken, err := pub.Push(ctx, map[string]any{"index": 42})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if woken == 0 {
		t.Fatalf("expected at least one woken listener")
	}

	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("Peek: %v", r.err)
		}
		if r.rec.Payload["index"].(int) != 42 {
			t.Fatalf("unexpected payload %v", r.rec.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("peek-then-push deadlocked")
	}
}

func TestPushThenPeek(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pub, err := b.Get(ctx, "carol", queue.GetOptions{Mode: queue.ModePublish, AutoCreate: true})
	if err != nil {
		t.Fatalf("Get pub: %v", err)
	}
	if _, err := pub.Push(ctx, map[string]any{"index": 7}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	sub, err := b.Get(ctx, "carol", queue.GetOptions{Mode: queue.ModeSubscribe})
	if err != nil {
		t.Fatalf("Get sub: %v", err)
	}
	rec, err := sub.Peek(ctx)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if rec.Payload["index"].(int) != 7 {
		t.Fatalf("unexpected payload %v", rec.Payload)
	}
}

func TestPeekReturnsSameRecordUntilCommit(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub, err := b.Get(ctx, "dave", queue.GetOptions{Mode: queue.ModeSubscribe, AutoCreate: true})
	if err != nil {
		t.Fatalf("Get sub: %v", err)
	}
	for i := 1; i <= 2; i++ {
		if _, err := sub.Push(ctx, map[string]any{"index": i}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	first, err := sub.Peek(ctx)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	again, err := sub.Peek(ctx)
	if err != nil {
		t.Fatalf("Peek again: %v", err)
	}
	if first.Payload["index"].(int) != 1 || again.Payload["index"].(int) != 1 {
		t.Fatalf("peek moved without commit: %v then %v", first.Payload, again.Payload)
	}

	if ok, err := sub.Commit(ctx); err != nil || !ok {
		t.Fatalf("Commit: ok=%v err=%v", ok, err)
	}
	next, err := sub.Peek(ctx)
	if err != nil {
		t.Fatalf("Peek after commit: %v", err)
	}
	if next.Payload["index"].(int) != 2 {
		t.Fatalf("expected index 2 after commit, got %v", next.Payload)
	}
}

func TestChannelIndependence(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pub, err := b.Get(ctx, "erin", queue.GetOptions{Mode: queue.ModePublish, AutoCreate: true})
	if err != nil {
		t.Fatalf("Get pub: %v", err)
	}
	for i := 1; i <= 100; i++ {
		if _, err := pub.Push(ctx, map[string]any{"index": i}); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}

	for _, ch := range []uint8{0, 1} {
		sub, err := b.Get(ctx, "erin", queue.GetOptions{Mode: queue.ModeSubscribe, Channel: ch})
		if err != nil {
			t.Fatalf("Get sub ch%d: %v", ch, err)
		}
		sum := 0
		for i := 0; i < 100; i++ {
			rec, err := sub.Peek(ctx)
			if err != nil {
				t.Fatalf("Peek ch%d: %v", ch, err)
			}
			sum += rec.Payload["index"].(int)
			if ok, err := sub.Commit(ctx); err != nil || !ok {
				t.Fatalf("Commit ch%d: ok=%v err=%v", ch, ok, err)
			}
		}
		if sum != 5050 {
			t.Fatalf("channel %d sum = %d, want 5050", ch, sum)
		}
		if err := sub.Close(ctx); err != nil {
			t.Fatalf("Close ch%d: %v", ch, err)
		}
	}
}

func TestBroadcastToManyRecipients(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recipients := []string{"r1", "r2", "r3", "r4", "r5"}
	for _, r := range recipients {
		pub, err := b.Get(ctx, r, queue.GetOptions{Mode: queue.ModePublish, AutoCreate: true})
		if err != nil {
			t.Fatalf("Get pub %s: %v", r, err)
		}
		if _, err := pub.Push(ctx, map[string]any{"note": "fanout"}); err != nil {
			t.Fatalf("Push %s: %v", r, err)
		}
	}

	for _, r := range recipients {
		sub, err := b.Get(ctx, r, queue.GetOptions{Mode: queue.ModeSubscribe})
		if err != nil {
			t.Fatalf("Get sub %s: %v", r, err)
		}
		rec, err := sub.Peek(ctx)
		if err != nil {
			t.Fatalf("Peek %s: %v", r, err)
		}
		if rec.Payload["note"] != "fanout" {
			t.Fatalf("unexpected payload for %s: %v", r, rec.Payload)
		}
		if ok, err := sub.Commit(ctx); err != nil || !ok {
			t.Fatalf("Commit %s: ok=%v err=%v", r, ok, err)
		}
		// Exactly one record.
		waitCtx, waitCancel := context.WithTimeout(ctx, 200*time.Millisecond)
		if _, err := sub.Peek(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
			waitCancel()
			t.Fatalf("expected no second record for %s, got err=%v", r, err)
		}
		waitCancel()
	}
}

func TestDumpThenGetNotFound(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q, err := b.Get(ctx, "frank", queue.GetOptions{Mode: queue.ModePublish, AutoCreate: true})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := q.Push(ctx, map[string]any{"index": 1}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := q.CloseDump(ctx); err != nil {
		t.Fatalf("CloseDump: %v", err)
	}

	_, err = b.Get(ctx, "frank", queue.GetOptions{Mode: queue.ModePublish})
	if !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after dump, got %v", err)
	}
}

func TestCascadeCancellationOnBrokerClose(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub, err := b.Get(ctx, "grace", queue.GetOptions{Mode: queue.ModeSubscribe, AutoCreate: true})
	if err != nil {
		t.Fatalf("Get sub: %v", err)
	}

	peekErr := make(chan error, 1)
	go func() {
		_, err := sub.Peek(ctx)
		peekErr <- err
	}()

	time.Sleep(100 * time.Millisecond)
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-peekErr:
		if !errors.Is(err, queue.ErrCanceled) {
			t.Fatalf("expected ErrCanceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("peek hung across broker close")
	}
}

func TestSecondSubscriberSameChannelRejected(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := b.Get(ctx, "heidi", queue.GetOptions{Mode: queue.ModeSubscribe, AutoCreate: true}); err != nil {
		t.Fatalf("Get first sub: %v", err)
	}
	_, err := b.Get(ctx, "heidi", queue.GetOptions{Mode: queue.ModeSubscribe})
	if !errors.Is(err, queue.ErrChannelBusy) {
		t.Fatalf("expected ErrChannelBusy, got %v", err)
	}
	// A different channel is fine.
	if _, err := b.Get(ctx, "heidi", queue.GetOptions{Mode: queue.ModeSubscribe, Channel: 1}); err != nil {
		t.Fatalf("Get ch1 sub: %v", err)
	}
}

func TestPeekGuards(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pub, err := b.Get(ctx, "ivan", queue.GetOptions{Mode: queue.ModePublish, AutoCreate: true})
	if err != nil {
		t.Fatalf("Get pub: %v", err)
	}
	if _, err := pub.Peek(ctx); !errors.Is(err, queue.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState peeking a publish queue, got %v", err)
	}

	sub, err := b.Get(ctx, "ivan", queue.GetOptions{Mode: queue.ModeSubscribe})
	if err != nil {
		t.Fatalf("Get sub: %v", err)
	}
	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = sub.Peek(ctx)
	}()
	<-started
	time.Sleep(100 * time.Millisecond)

	if _, err := sub.Peek(ctx); !errors.Is(err, queue.ErrPeekInFlight) {
		t.Fatalf("expected ErrPeekInFlight, got %v", err)
	}
}

func TestPushValidation(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q, err := b.Get(ctx, "judy", queue.GetOptions{Mode: queue.ModePublish, AutoCreate: true})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := q.Push(ctx, nil); !errors.Is(err, queue.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestBrokerLifecycle(t *testing.T) {
	ms := memstore.New()
	hub := memfabric.New()
	b := queue.NewBroker(queue.Config{
		DialStore: func(ctx context.Context) (store.Store, error) { return ms, nil },
		Fabric:    hub,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Get before connect is a state violation.
	if _, err := b.Get(ctx, "k", queue.GetOptions{}); !errors.Is(err, queue.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before connect, got %v", err)
	}

	if err := b.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// Re-entrant connect is rejected.
	if err := b.Connect(ctx); !errors.Is(err, queue.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double connect, got %v", err)
	}

	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Double close is a no-op.
	if err := b.Close(ctx); err != nil {
		t.Fatalf("double Close: %v", err)
	}

	// Reopenable from end.
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("reopen Connect: %v", err)
	}
	if _, err := b.Get(ctx, "k", queue.GetOptions{AutoCreate: true}); err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("final Close: %v", err)
	}
}

func TestGetWithoutAutoCreate(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := b.Get(ctx, "nobody-here", queue.GetOptions{Mode: queue.ModeSubscribe})
	if !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !errors.Is(err, queue.ErrQueueCreate) {
		t.Fatalf("expected ErrQueueCreate wrapper, got %v", err)
	}
}

func TestQueueCloseIdempotent(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q, err := b.Get(ctx, "mallory", queue.GetOptions{Mode: queue.ModeSubscribe, AutoCreate: true})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Close(ctx); err != nil {
		t.Fatalf("double Close: %v", err)
	}
	if _, err := q.Peek(ctx); !errors.Is(err, queue.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after close, got %v", err)
	}

	// The channel slot frees up for a new subscriber.
	if _, err := b.Get(ctx, "mallory", queue.GetOptions{Mode: queue.ModeSubscribe}); err != nil {
		t.Fatalf("Get after close: %v", err)
	}
}

func TestQueryDoesNotConsume(t *testing.T) {
	b := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub, err := b.Get(ctx, "nina", queue.GetOptions{Mode: queue.ModeSubscribe, AutoCreate: true})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if _, err := sub.Push(ctx, map[string]any{"index": i}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	recs, err := sub.Query(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}

	// Query did not ack anything.
	rec, err := sub.Peek(ctx)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if rec.Payload["index"].(int) != 1 {
		t.Fatalf("query consumed records: peek sees %v", rec.Payload)
	}

	recs, err = sub.Query(ctx, time.Time{}, 2)
	if err != nil {
		t.Fatalf("Query limit: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records with limit, got %d", len(recs))
	}
}

// gatedFabric delays private subscriber dials until released so a Get
// can be held open across a concurrent broker shutdown.
type gatedFabric struct {
	*memfabric.Hub
	gate chan struct{}
}

func (f *gatedFabric) NewSubscriber(ctx context.Context) (fabric.Subscriber, error) {
	select {
	case <-f.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return f.Hub.NewSubscriber(ctx)
}

func TestGetDuringCloseCannotEscapeCascade(t *testing.T) {
	ms := memstore.New()
	gf := &gatedFabric{Hub: memfabric.New(), gate: make(chan struct{}, 1)}
	gf.gate <- struct{}{} // one token for the broker's base subscriber

	b := queue.NewBroker(queue.Config{
		DialStore: func(ctx context.Context) (store.Store, error) { return ms, nil },
		Fabric:    gf,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	type result struct {
		q   *queue.Queue
		err error
	}
	got := make(chan result, 1)
	go func() {
		q, err := b.Get(ctx, "dave", queue.GetOptions{Mode: queue.ModeSubscribe, AutoCreate: true})
		got <- result{q, err}
	}()

	// Let the Get reach the gated dial, close the broker underneath
	// it, then release the dial.
	time.Sleep(100 * time.Millisecond)
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(gf.gate)

	select {
	case r := <-got:
		if r.err == nil {
			// A handle that survived the shutdown must still have its
			// peek rejected rather than hang under an ended broker.
			peeked := make(chan error, 1)
			go func() {
				_, err := r.q.Peek(ctx)
				peeked <- err
			}()
			select {
			case err := <-peeked:
				t.Fatalf("Get survived broker close; peek returned %v", err)
			case <-time.After(3 * time.Second):
				t.Fatal("Get survived broker close and its peek hung")
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Get never returned")
	}

	if got := b.State(); got != queue.StateEnd {
		t.Fatalf("broker state %s after close, want %s", got, queue.StateEnd)
	}
}
