// Package storetest provides a conformance suite for store
// implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/xiucall/push/store"
)

// Factory creates a fresh Store instance for testing. Implementations
// backed by shared infrastructure should namespace recipients per test
// or clean up in t.Cleanup.
type Factory func(t *testing.T) store.Store

// Run runs the complete store conformance suite against the factory.
func Run(t *testing.T, factory Factory) {
	t.Run("OpenMissingIsNotFound", func(t *testing.T) { testOpenMissing(t, factory) })
	t.Run("CreateTwiceIsExists", func(t *testing.T) { testCreateTwice(t, factory) })
	t.Run("InsertThenOldestUnacked", func(t *testing.T) { testInsertThenOldestUnacked(t, factory) })
	t.Run("AckAdvancesCursor", func(t *testing.T) { testAckAdvancesCursor(t, factory) })
	t.Run("AckExhaustedReturnsFalse", func(t *testing.T) { testAckExhausted(t, factory) })
	t.Run("ChannelsAreIndependent", func(t *testing.T) { testChannelsIndependent(t, factory) })
	t.Run("QueryReturnsInsertionOrder", func(t *testing.T) { testQueryOrder(t, factory) })
	t.Run("QueryHonorsLimit", func(t *testing.T) { testQueryLimit(t, factory) })
	t.Run("DropRemovesLog", func(t *testing.T) { testDrop(t, factory) })
}

func recipient(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("st_%d", time.Now().UnixNano())
}

func mustCreate(t *testing.T, ctx context.Context, s store.Store) (string, store.Log) {
	t.Helper()
	id := recipient(t)
	l, err := s.Create(ctx, id, 1<<20)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = s.Drop(context.Background(), id) })
	return id, l
}

func testOpenMissing(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	_, err := s.Open(ctx, recipient(t))
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testCreateTwice(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	id, _ := mustCreate(t, ctx, s)
	if _, err := s.Create(ctx, id, 1<<20); !errors.Is(err, store.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func testInsertThenOldestUnacked(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	_, l := mustCreate(t, ctx, s)

	if _, err := l.OldestUnacked(ctx, 0); !errors.Is(err, store.ErrNoRecord) {
		t.Fatalf("expected ErrNoRecord on empty log, got %v", err)
	}

	if err := l.Insert(ctx, map[string]any{"index": 1}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	rec, err := l.OldestUnacked(ctx, 0)
	if err != nil {
		t.Fatalf("OldestUnacked: %v", err)
	}
	if rec.AckMask != 0 {
		t.Fatalf("fresh record has ack mask %04x", rec.AckMask)
	}
	if got := toInt(rec.Payload["index"]); got != 1 {
		t.Fatalf("expected payload index 1, got %v", rec.Payload["index"])
	}
	if rec.LastModified.IsZero() {
		t.Fatalf("record missing LastModified")
	}
}

func testAckAdvancesCursor(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	_, l := mustCreate(t, ctx, s)

	for i := 1; i <= 3; i++ {
		if err := l.Insert(ctx, map[string]any{"index": i}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	for want := 1; want <= 3; want++ {
		rec, err := l.OldestUnacked(ctx, 0)
		if err != nil {
			t.Fatalf("OldestUnacked: %v", err)
		}
		if got := toInt(rec.Payload["index"]); got != want {
			t.Fatalf("expected index %d, got %d", want, got)
		}
		ok, err := l.AckOldest(ctx, 0)
		if err != nil {
			t.Fatalf("AckOldest: %v", err)
		}
		if !ok {
			t.Fatalf("AckOldest reported no record at index %d", want)
		}
	}
	if _, err := l.OldestUnacked(ctx, 0); !errors.Is(err, store.ErrNoRecord) {
		t.Fatalf("expected ErrNoRecord after full drain, got %v", err)
	}
}

func testAckExhausted(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	_, l := mustCreate(t, ctx, s)

	ok, err := l.AckOldest(ctx, 0)
	if err != nil {
		t.Fatalf("AckOldest: %v", err)
	}
	if ok {
		t.Fatalf("AckOldest on empty log reported an update")
	}
}

func testChannelsIndependent(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	_, l := mustCreate(t, ctx, s)

	if err := l.Insert(ctx, map[string]any{"index": 1}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if ok, err := l.AckOldest(ctx, 0); err != nil || !ok {
		t.Fatalf("AckOldest(0): ok=%v err=%v", ok, err)
	}

	// Channel 1 still sees the record; channel 0 does not.
	rec, err := l.OldestUnacked(ctx, 1)
	if err != nil {
		t.Fatalf("OldestUnacked(1): %v", err)
	}
	if rec.Acked(1) || !rec.Acked(0) {
		t.Fatalf("unexpected ack mask %04x", rec.AckMask)
	}
	if _, err := l.OldestUnacked(ctx, 0); !errors.Is(err, store.ErrNoRecord) {
		t.Fatalf("expected ErrNoRecord on channel 0, got %v", err)
	}
}

func testQueryOrder(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	_, l := mustCreate(t, ctx, s)

	for i := 1; i <= 5; i++ {
		if err := l.Insert(ctx, map[string]any{"index": i}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	recs, err := l.Query(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("expected 5 records, got %d", len(recs))
	}
	for i, r := range recs {
		if got := toInt(r.Payload["index"]); got != i+1 {
			t.Fatalf("record %d has index %d", i, got)
		}
	}
}

func testQueryLimit(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	_, l := mustCreate(t, ctx, s)

	for i := 1; i <= 5; i++ {
		if err := l.Insert(ctx, map[string]any{"index": i}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	recs, err := l.Query(ctx, time.Time{}, 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
}

func testDrop(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	id, l := mustCreate(t, ctx, s)

	if err := l.Insert(ctx, map[string]any{"index": 1}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := l.Drop(ctx); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if _, err := s.Open(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after drop, got %v", err)
	}
}

// toInt normalizes the numeric types different backends round-trip
// payload values through.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return -1
	}
}
