package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xiucall/push/fabric"
	"github.com/xiucall/push/internal/state"
	"github.com/xiucall/push/store"
)

// Mode selects which side of the queue a handle works.
type Mode string

const (
	// ModePublish handles push only and shares the broker's write
	// connection.
	ModePublish = Mode("pub")
	// ModeSubscribe additionally owns a private fabric subscriber and
	// may peek and commit.
	ModeSubscribe = Mode("sub")
)

// Queue lifecycle states.
const (
	QueueConnecting = state.State("connecting")
	QueueReady      = state.State("ready")
	QueuePeeking    = state.State("peeking")
	QueueClosing    = state.State("closing")
	QueueEnd        = state.State("end")
)

// createAttempts bounds the open→create retry loop when autoCreate
// races a concurrent creator.
const createAttempts = 2

// Queue is a typed handle bound to one recipient, one channel and one
// mode. Handles are created by Broker.Get and cannot be reused after
// Close. Many handles, possibly across processes, may reference the
// same underlying log.
type Queue struct {
	broker    *Broker
	recipient string
	channel   uint8
	mode      Mode
	auto      bool
	topic     string

	fsm  *state.Machine
	log  store.Log
	conn fabric.Conn

	// mu guards the sub handoff between connect and close, which can
	// race when the owning broker shuts down mid-dial.
	mu  sync.Mutex
	sub fabric.Subscriber

	// closed is closed exactly once when the queue starts closing; an
	// outstanding peek selects on it.
	closed chan struct{}
}

func newQueue(b *Broker, recipient string, opts GetOptions) *Queue {
	return &Queue{
		broker:    b,
		recipient: recipient,
		channel:   opts.Channel,
		mode:      opts.Mode,
		auto:      opts.AutoCreate,
		topic:     Topic(recipient),
		fsm:       state.New(QueueConnecting),
		closed:    make(chan struct{}),
	}
}

// Topic returns the notification topic for a recipient. All channels
// of one recipient share a topic; a notification is a wakeup, not
// data, and every waiter re-reads the store.
func Topic(recipient string) string {
	return "mch_" + recipient
}

// connect builds the log handle and, in subscribe mode, the private
// fabric subscription. The open→create pair retries once to absorb the
// race where another process creates the log between our existence
// check and create. The store and conn snapshots come from the broker
// under its lock, so a concurrent broker shutdown cannot nil them
// underneath the dial.
func (q *Queue) connect(ctx context.Context, st store.Store, conn fabric.Conn) error {
	b := q.broker

	var lost error
	for i := 0; i < createAttempts; i++ {
		l, err := st.Open(ctx, q.recipient)
		if err == nil {
			q.log = l
			break
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if !q.auto {
			return err
		}
		l, err = st.Create(ctx, q.recipient, b.cfg.CappedSize)
		if err == nil {
			q.log = l
			break
		}
		if !errors.Is(err, store.ErrExists) {
			return err
		}
		lost = err
	}
	if q.log == nil {
		return fmt.Errorf("%w: %v", ErrCreateRace, lost)
	}

	q.conn = conn

	var sub fabric.Subscriber
	if q.mode == ModeSubscribe {
		s, err := b.cfg.Fabric.NewSubscriber(ctx)
		if err != nil {
			return fmt.Errorf("subscriber for %s: %w", q.recipient, err)
		}
		if err := s.Subscribe(ctx, q.topic); err != nil {
			_ = s.Close()
			return fmt.Errorf("subscribe %s: %w", q.topic, err)
		}
		sub = s
	}

	// A broker shutdown during the dial has already moved the handle
	// to closing; it must not come back ready under an ended broker.
	q.mu.Lock()
	ready := q.fsm.CompareAndSet(QueueReady, QueueConnecting)
	if ready {
		q.sub = sub
	}
	q.mu.Unlock()
	if !ready {
		if sub != nil {
			_ = sub.Close()
		}
		return fmt.Errorf("%w: broker closed while opening", ErrInvalidState)
	}
	return nil
}

// Recipient returns the recipient identifier the handle is bound to.
func (q *Queue) Recipient() string { return q.recipient }

// Channel returns the acknowledgement channel the handle consumes.
func (q *Queue) Channel() uint8 { return q.channel }

// Mode returns the handle's mode.
func (q *Queue) Mode() Mode { return q.mode }

// State returns the queue's current lifecycle state.
func (q *Queue) State() state.State { return q.fsm.State() }

// Push appends payload to the recipient's log with a zero ack mask and
// publishes a content-free wakeup on the recipient's topic. It returns
// the number of live listeners the fabric woke synchronously; zero
// does not mean the push failed, only that nobody was waiting. The
// record is durable either way.
func (q *Queue) Push(ctx context.Context, payload map[string]any) (int64, error) {
	if !q.fsm.Is(QueueReady, QueuePeeking) {
		return 0, fmt.Errorf("%w: push from %s", ErrInvalidState, q.fsm.State())
	}
	if payload == nil {
		return 0, ErrInvalidPayload
	}
	if err := q.log.Insert(ctx, payload); err != nil {
		return 0, fmt.Errorf("push to %s: %w", q.recipient, err)
	}
	woken, err := q.conn.Publish(ctx, q.topic, "")
	if err != nil {
		// The record is stored; a lost wakeup costs latency, not
		// data, because peek re-reads on its own subscription churn.
		return 0, fmt.Errorf("push notify %s: %w", q.recipient, err)
	}
	return woken, nil
}

// Peek blocks until the oldest unacknowledged record on this handle's
// channel is available and returns it without consuming it. Repeated
// peeks return the same record until Commit acknowledges it. Valid
// only in subscribe mode from the ready state; a second concurrent
// peek on the same handle is rejected with ErrPeekInFlight.
//
// The wait is level-triggered: after every wakeup the store is
// re-read, so a notification that fires before the waiter is
// registered is never lost.
func (q *Queue) Peek(ctx context.Context) (*store.Record, error) {
	if q.mode != ModeSubscribe {
		return nil, fmt.Errorf("%w: peek on %s queue", ErrInvalidState, q.mode)
	}
	if !q.fsm.CompareAndSet(QueuePeeking, QueueReady) {
		if q.fsm.Is(QueuePeeking) {
			return nil, ErrPeekInFlight
		}
		return nil, fmt.Errorf("%w: peek from %s", ErrInvalidState, q.fsm.State())
	}
	defer q.fsm.CompareAndSet(QueueReady, QueuePeeking)

	// Watch the owning broker's lifecycle too: a broker reaching
	// closing or end must reject this peek even if the handle's own
	// close signal is late.
	bw := q.broker.fsm.Watch()
	defer q.broker.fsm.Unwatch(bw)

	msgs := q.sub.Messages()
	for {
		rec, err := q.log.OldestUnacked(ctx, q.channel)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, store.ErrNoRecord) {
			return nil, fmt.Errorf("peek %s: %w", q.recipient, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, ErrCanceled
		case st := <-bw:
			if st == StateClosing || st == StateEnd {
				return nil, ErrCanceled
			}
		case _, ok := <-msgs:
			if !ok {
				// Subscriber released while we waited.
				return nil, ErrCanceled
			}
		}
	}
}

// Commit acknowledges the oldest unacknowledged record on this
// handle's channel: the channel bit is set atomically in the store and
// LastModified refreshed. It reports whether a record was updated;
// false means everything was already acknowledged and is not an
// error. Valid only in subscribe mode.
func (q *Queue) Commit(ctx context.Context) (bool, error) {
	if q.mode != ModeSubscribe {
		return false, fmt.Errorf("%w: commit on %s queue", ErrInvalidState, q.mode)
	}
	if !q.fsm.Is(QueueReady, QueuePeeking) {
		return false, fmt.Errorf("%w: commit from %s", ErrInvalidState, q.fsm.State())
	}
	ok, err := q.log.AckOldest(ctx, q.channel)
	if err != nil {
		return false, fmt.Errorf("commit %s: %w", q.recipient, err)
	}
	return ok, nil
}

// Query reads raw records in insertion order without touching the ack
// mask, optionally bounded below by since and capped to limit results.
// Intended for inspection, not consumption.
func (q *Queue) Query(ctx context.Context, since time.Time, limit int) ([]store.Record, error) {
	if !q.fsm.Is(QueueReady, QueuePeeking) {
		return nil, fmt.Errorf("%w: query from %s", ErrInvalidState, q.fsm.State())
	}
	recs, err := q.log.Query(ctx, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.recipient, err)
	}
	return recs, nil
}

// Close releases the handle. An outstanding peek is rejected with
// ErrCanceled; the private subscriber, if any, is released. Closing an
// already closing or ended queue is a no-op.
func (q *Queue) Close(ctx context.Context) error {
	return q.close(ctx, false)
}

// CloseDump closes the handle and destructively drops the whole
// underlying log. Irreversible; must not be used while other handles
// still reference the log.
func (q *Queue) CloseDump(ctx context.Context) error {
	return q.close(ctx, true)
}

func (q *Queue) close(ctx context.Context, dump bool) error {
	if q.fsm.Is(QueueClosing, QueueEnd) {
		return nil
	}
	q.mu.Lock()
	if !q.fsm.CompareAndSet(QueueClosing, QueueConnecting, QueueReady, QueuePeeking) {
		q.mu.Unlock()
		return nil
	}
	sub := q.sub
	q.mu.Unlock()
	close(q.closed)

	var errs []error
	if sub != nil {
		if err := sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("release subscriber: %w", err))
		}
	}
	if dump && q.log != nil {
		if err := q.log.Drop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dump log: %w", err))
		}
	}

	q.fsm.Set(QueueEnd)
	q.broker.release(q)
	return errors.Join(errs...)
}
