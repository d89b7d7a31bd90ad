// Package queue implements the durable per-recipient message queues
// and the broker that owns their shared connections. A queue is a
// capped durable log plus one live read cursor per channel; the broker
// owns the log store connection and the notification fabric
// connections and is the only factory for queues.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xiucall/push/fabric"
	"github.com/xiucall/push/internal/state"
	"github.com/xiucall/push/store"
)

// Broker lifecycle states.
const (
	StateWait       = state.State("wait")
	StateConnecting = state.State("connecting")
	StateConnected  = state.State("connected")
	StateClosing    = state.State("closing")
	StateEnd        = state.State("end")
)

// DefaultCappedSize bounds each recipient log when the configuration
// does not say otherwise.
const DefaultCappedSize = 2 * 1024 * 1024

// Config for a Broker.
type Config struct {
	// DialStore establishes the durable log store connection.
	DialStore func(ctx context.Context) (store.Store, error)

	// Fabric dials the notification fabric connections: one shared
	// write connection plus one private read connection per
	// subscribe-mode queue.
	Fabric fabric.Fabric

	// CappedSize bounds each recipient log in bytes. Defaults to
	// DefaultCappedSize.
	CappedSize int64

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Broker owns the store and fabric connections and is the factory and
// lifecycle owner of queues. Lifecycle: wait → connecting → connected
// → closing → end, reopenable from end.
type Broker struct {
	cfg Config
	fsm *state.Machine
	log *slog.Logger

	mu      sync.Mutex
	store   store.Store
	conn    fabric.Conn
	baseSub fabric.Subscriber
	queues  map[*Queue]struct{}
	// subChans tracks live subscribe handles per recipient+channel so
	// a second subscriber on the same cursor is rejected.
	subChans map[string]struct{}
}

// NewBroker builds an unconnected Broker in the wait state.
func NewBroker(cfg Config) *Broker {
	if cfg.CappedSize <= 0 {
		cfg.CappedSize = DefaultCappedSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broker{
		cfg:      cfg,
		fsm:      state.New(StateWait),
		log:      cfg.Logger,
		queues:   make(map[*Queue]struct{}),
		subChans: make(map[string]struct{}),
	}
}

// State returns the broker's current lifecycle state.
func (b *Broker) State() state.State {
	return b.fsm.State()
}

// Connect establishes the store connection and the fabric connections
// concurrently. Any sub-connection failure fails the whole operation
// and the broker returns to the end state.
func (b *Broker) Connect(ctx context.Context) error {
	if !b.fsm.CompareAndSet(StateConnecting, StateWait, StateEnd) {
		return fmt.Errorf("%w: connect from %s", ErrInvalidState, b.fsm.State())
	}

	var (
		wg   sync.WaitGroup
		st   store.Store
		conn fabric.Conn
		sub  fabric.Subscriber
		errs = make([]error, 3)
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		st, errs[0] = b.cfg.DialStore(ctx)
	}()
	go func() {
		defer wg.Done()
		conn, errs[1] = b.cfg.Fabric.Connect(ctx)
	}()
	go func() {
		defer wg.Done()
		sub, errs[2] = b.cfg.Fabric.NewSubscriber(ctx)
	}()
	wg.Wait()

	var failed []error
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		if st != nil {
			_ = st.Close(context.WithoutCancel(ctx))
		}
		if conn != nil {
			_ = conn.Close()
		}
		if sub != nil {
			_ = sub.Close()
		}
		b.fsm.Set(StateEnd)
		return &ConnectError{Errs: failed}
	}

	b.mu.Lock()
	b.store = st
	b.conn = conn
	b.baseSub = sub
	b.mu.Unlock()

	b.fsm.Set(StateConnected)
	b.log.Debug("broker connected")
	return nil
}

// GetOptions selects how a queue handle is opened.
type GetOptions struct {
	// Mode defaults to ModePublish.
	Mode Mode
	// AutoCreate makes Get create the recipient log when absent.
	AutoCreate bool
	// Channel selects the acknowledgement cursor, 0..15.
	Channel uint8
}

// Get opens a queue handle for recipient. Only valid while connected.
func (b *Broker) Get(ctx context.Context, recipient string, opts GetOptions) (*Queue, error) {
	if recipient == "" {
		return nil, fmt.Errorf("%w: empty recipient", ErrBadRecipient)
	}
	if opts.Channel >= store.Channels {
		return nil, fmt.Errorf("%w: channel %d out of range", ErrBadRecipient, opts.Channel)
	}
	if opts.Mode == "" {
		opts.Mode = ModePublish
	}

	q := newQueue(b, recipient, opts)

	// The state check and the registration share one critical section
	// with Close's snapshot: either Close sees this queue and
	// cascade-closes it, or this Get sees the closing state and is
	// rejected. A queue can never slip between the two.
	b.mu.Lock()
	if !b.fsm.Is(StateConnected) {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: get from %s", ErrInvalidState, b.fsm.State())
	}
	key := subKey(recipient, opts.Channel)
	if opts.Mode == ModeSubscribe {
		if _, busy := b.subChans[key]; busy {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: %s channel %d", ErrChannelBusy, recipient, opts.Channel)
		}
		b.subChans[key] = struct{}{}
	}
	b.queues[q] = struct{}{}
	st, conn := b.store, b.conn
	b.mu.Unlock()

	if err := q.connect(ctx, st, conn); err != nil {
		b.release(q)
		return nil, fmt.Errorf("%w %q: %w", ErrQueueCreate, recipient, err)
	}
	return q, nil
}

// Close tears down the fabric connections and the store connection.
// Every queue this broker spawned is force-closed first; their
// outstanding peeks are rejected, never left hanging. Closing a broker
// that is already closing or ended is a no-op.
func (b *Broker) Close(ctx context.Context) error {
	if b.fsm.Is(StateClosing, StateEnd) {
		return nil
	}
	if !b.fsm.CompareAndSet(StateClosing, StateConnected) {
		return fmt.Errorf("%w: close from %s", ErrInvalidState, b.fsm.State())
	}

	b.mu.Lock()
	queues := make([]*Queue, 0, len(b.queues))
	for q := range b.queues {
		queues = append(queues, q)
	}
	st, conn, sub := b.store, b.conn, b.baseSub
	b.store, b.conn, b.baseSub = nil, nil, nil
	b.mu.Unlock()

	var errs []error
	for _, q := range queues {
		if err := q.Close(ctx); err != nil && !errors.Is(err, ErrInvalidState) {
			errs = append(errs, err)
		}
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if st != nil {
		if err := st.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	b.fsm.Set(StateEnd)
	b.log.Debug("broker closed", "queues", len(queues))
	return errors.Join(errs...)
}

// release drops the broker's bookkeeping for a queue handle.
func (b *Broker) release(q *Queue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, q)
	if q.mode == ModeSubscribe {
		delete(b.subChans, subKey(q.recipient, q.channel))
	}
}

func subKey(recipient string, channel uint8) string {
	return fmt.Sprintf("%s/%d", recipient, channel)
}
