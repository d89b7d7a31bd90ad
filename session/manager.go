// Package session arbitrates which connection owns delivery rights
// for an identity across a fleet of connector processes. There is no
// shared memory and no lock service: each join takes a strictly
// increasing token from the fabric's atomic counter and announces it
// on the identity's topic; every holder compares tokens and the lower
// one kicks itself. Duplicate or reordered announcements are harmless
// because the comparison is idempotent, so the protocol self-corrects
// through repeated gossip.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/xiucall/push/fabric"
)

const (
	topicPrefix   = "session_"
	counterPrefix = "index_"
)

// Kick reports that a local session lost arbitration. The consumer
// must force-disconnect the associated connection.
type Kick struct {
	// Handle identifies the losing session.
	Handle string
	// Ref is the opaque connection reference passed to Join.
	Ref any
}

type entry struct {
	token int64
	ref   any
}

// Manager is one process's view of the fleet-wide session registry.
type Manager struct {
	conn fabric.Conn
	sub  fabric.Subscriber
	log  *slog.Logger

	mu sync.Mutex
	// entries: identity → suffix → {token, ref}
	entries map[string]map[string]entry
	closed  bool

	kicks chan Kick
	quit  chan struct{}
	done  chan struct{}
}

// Open dials the manager's two fabric connections and starts the
// arbitration dispatcher.
func Open(ctx context.Context, fab fabric.Fabric, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := fab.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("session manager connect: %w", err)
	}
	sub, err := fab.NewSubscriber(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("session manager subscriber: %w", err)
	}
	m := &Manager{
		conn:    conn,
		sub:     sub,
		log:     logger,
		entries: make(map[string]map[string]entry),
		kicks:   make(chan Kick, 64),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.dispatch()
	return m, nil
}

// Kicks returns the channel of lost-arbitration events.
func (m *Manager) Kicks() <-chan Kick {
	return m.kicks
}

// Join registers a new session for identity and announces its token to
// the fleet. The returned handle encodes identity and a random suffix
// and is the argument to Remove. The announcement does not wait for
// remote acknowledgement.
func (m *Manager) Join(ctx context.Context, identity string, ref any) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("session: identity required")
	}

	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("session: random suffix: %w", err)
	}
	suffix := hex.EncodeToString(buf[:])
	handle := topicPrefix + identity + "_" + suffix

	token, err := m.conn.Incr(ctx, counterPrefix+identity)
	if err != nil {
		return "", fmt.Errorf("session: token for %s: %w", identity, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", fmt.Errorf("session: manager closed")
	}
	byID := m.entries[identity]
	if byID == nil {
		byID = make(map[string]entry)
		m.entries[identity] = byID
	}
	byID[suffix] = entry{token: token, ref: ref}
	m.mu.Unlock()

	// Pattern-subscribe before announcing so our own announcement (or
	// one racing it) can never slip past us.
	if err := m.sub.PSubscribe(ctx, topicPrefix+identity+"_*"); err != nil {
		m.dropEntry(ctx, identity, suffix)
		return "", fmt.Errorf("session: subscribe %s: %w", identity, err)
	}
	if _, err := m.conn.Publish(ctx, handle, strconv.FormatInt(token, 10)); err != nil {
		m.dropEntry(ctx, identity, suffix)
		return "", fmt.Errorf("session: announce %s: %w", handle, err)
	}

	m.log.Debug("session joined", "identity", identity, "token", token)
	return handle, nil
}

// Remove deletes the session registered under handle. When it was the
// identity's last local session the pattern subscription is released.
// Removing an unknown or malformed handle is a no-op.
func (m *Manager) Remove(ctx context.Context, handle string) error {
	identity, suffix, ok := parseHandle(handle)
	if !ok {
		return nil
	}
	return m.dropEntry(ctx, identity, suffix)
}

// Close releases both fabric connections. Pending kicks are dropped.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.entries = make(map[string]map[string]entry)
	m.mu.Unlock()

	close(m.quit)
	err := m.sub.Close()
	if cerr := m.conn.Close(); err == nil {
		err = cerr
	}
	<-m.done
	return err
}

// dispatch consumes arbitration announcements until the subscriber
// closes.
func (m *Manager) dispatch() {
	defer close(m.done)
	for msg := range m.sub.Messages() {
		m.arbitrate(msg)
	}
}

// arbitrate applies one received token to every local session of that
// identity. A higher remote token evicts the local session; a lower
// one means the remote side lost, so the local (higher) token is
// republished on the loser's topic for the out-of-order case where
// the loser never saw it.
func (m *Manager) arbitrate(msg fabric.Message) {
	identity, senderSuffix, ok := parseHandle(msg.Topic)
	if !ok {
		return
	}
	remote, err := strconv.ParseInt(msg.Payload, 10, 64)
	if err != nil {
		return
	}

	type loser struct {
		handle string
		ref    any
	}
	var kicked []loser
	var outrank []string

	m.mu.Lock()
	byID := m.entries[identity]
	for suffix, e := range byID {
		if suffix == senderSuffix {
			continue
		}
		switch {
		case remote > e.token:
			delete(byID, suffix)
			kicked = append(kicked, loser{
				handle: topicPrefix + identity + "_" + suffix,
				ref:    e.ref,
			})
		case remote < e.token:
			outrank = append(outrank, strconv.FormatInt(e.token, 10))
		}
	}
	unsubscribe := byID != nil && len(byID) == 0
	if unsubscribe {
		delete(m.entries, identity)
	}
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return
	}

	ctx := context.Background()
	for _, l := range kicked {
		m.log.Debug("session kicked", "handle", l.handle, "token", remote)
		select {
		case m.kicks <- Kick{Handle: l.handle, Ref: l.ref}:
		case <-m.quit:
			return
		}
	}
	for _, tok := range outrank {
		// Tell the stale sender it lost.
		if _, err := m.conn.Publish(ctx, msg.Topic, tok); err != nil {
			m.log.Debug("session outrank publish failed", "topic", msg.Topic, "err", err)
		}
	}
	if unsubscribe {
		_ = m.sub.PUnsubscribe(ctx, topicPrefix+identity+"_*")
	}
}

func (m *Manager) dropEntry(ctx context.Context, identity, suffix string) error {
	m.mu.Lock()
	byID := m.entries[identity]
	if byID == nil {
		m.mu.Unlock()
		return nil
	}
	delete(byID, suffix)
	last := len(byID) == 0
	if last {
		delete(m.entries, identity)
	}
	closed := m.closed
	m.mu.Unlock()

	if last && !closed {
		if err := m.sub.PUnsubscribe(ctx, topicPrefix+identity+"_*"); err != nil {
			return fmt.Errorf("session: unsubscribe %s: %w", identity, err)
		}
	}
	return nil
}

// parseHandle splits "session_<identity>_<suffix>". The identity may
// itself contain underscores, so the suffix is taken from the last
// separator.
func parseHandle(handle string) (identity, suffix string, ok bool) {
	rest, found := strings.CutPrefix(handle, topicPrefix)
	if !found {
		return "", "", false
	}
	i := strings.LastIndexByte(rest, '_')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}
