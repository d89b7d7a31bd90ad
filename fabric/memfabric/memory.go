// Package memfabric provides an in-process implementation of the
// fabric interfaces using channels. It is suitable for tests and
// single-node deployments; nothing crosses a process boundary.
package memfabric

import (
	"context"
	"path"
	"sync"

	"github.com/xiucall/push/fabric"
)

// Hub is an in-memory fabric. One Hub stands in for one external
// fabric deployment: counters and subscriptions are shared by every
// Conn and Subscriber it hands out.
type Hub struct {
	mu       sync.Mutex
	counters map[string]int64
	subs     map[*Subscriber]struct{}
	closed   bool
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{
		counters: make(map[string]int64),
		subs:     make(map[*Subscriber]struct{}),
	}
}

// Connect returns a shared write connection backed by this Hub.
func (h *Hub) Connect(ctx context.Context) (fabric.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Conn{hub: h}, nil
}

// NewSubscriber returns a fresh private read connection.
func (h *Hub) NewSubscriber(ctx context.Context) (fabric.Subscriber, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &Subscriber{
		hub:      h,
		topics:   make(map[string]struct{}),
		patterns: make(map[string]struct{}),
		ch:       make(chan fabric.Message, 64),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fabric.ErrClosed
	}
	h.subs[s] = struct{}{}
	return s, nil
}

// Close shuts the Hub down and closes every live Subscriber.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[*Subscriber]struct{})
	h.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

func (h *Hub) publish(topic, payload string) int64 {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	var n int64
	for _, s := range subs {
		if s.deliver(topic, payload) {
			n++
		}
	}
	return n
}

func (h *Hub) incr(key string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counters[key]++
	return h.counters[key]
}

func (h *Hub) drop(s *Subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Conn is the write side of a Hub.
type Conn struct {
	hub    *Hub
	mu     sync.Mutex
	closed bool
}

var _ fabric.Conn = (*Conn)(nil)

func (c *Conn) Publish(ctx context.Context, topic string, payload string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, fabric.ErrClosed
	}
	return c.hub.publish(topic, payload), nil
}

func (c *Conn) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, fabric.ErrClosed
	}
	return c.hub.incr(key), nil
}

func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fabric.ErrClosed
	}
	return ctx.Err()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Subscriber is the private read side of a Hub.
type Subscriber struct {
	hub      *Hub
	mu       sync.Mutex
	topics   map[string]struct{}
	patterns map[string]struct{}
	ch       chan fabric.Message
	closed   bool
}

var _ fabric.Subscriber = (*Subscriber)(nil)

func (s *Subscriber) Subscribe(ctx context.Context, topics ...string) error {
	return s.update(ctx, func() {
		for _, t := range topics {
			s.topics[t] = struct{}{}
		}
	})
}

func (s *Subscriber) PSubscribe(ctx context.Context, patterns ...string) error {
	return s.update(ctx, func() {
		for _, p := range patterns {
			s.patterns[p] = struct{}{}
		}
	})
}

func (s *Subscriber) Unsubscribe(ctx context.Context, topics ...string) error {
	return s.update(ctx, func() {
		for _, t := range topics {
			delete(s.topics, t)
		}
	})
}

func (s *Subscriber) PUnsubscribe(ctx context.Context, patterns ...string) error {
	return s.update(ctx, func() {
		for _, p := range patterns {
			delete(s.patterns, p)
		}
	})
}

func (s *Subscriber) update(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fabric.ErrClosed
	}
	fn()
	return nil
}

func (s *Subscriber) Messages() <-chan fabric.Message {
	return s.ch
}

func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	s.hub.drop(s)
	return nil
}

// deliver routes one published message to this subscriber. It reports
// whether any subscription matched. A lagging subscriber has its
// oldest buffered message evicted rather than blocking the publisher;
// consumers treat notifications as wakeups and re-read their store, so
// coalescing is safe.
func (s *Subscriber) deliver(topic, payload string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	matched := ""
	if _, ok := s.topics[topic]; ok {
		matched = topic
	}
	pattern := ""
	if matched == "" {
		for p := range s.patterns {
			if ok, _ := path.Match(p, topic); ok {
				matched = topic
				pattern = p
				break
			}
		}
	}
	if matched == "" {
		return false
	}

	msg := fabric.Message{Topic: topic, Pattern: pattern, Payload: payload}
	select {
	case s.ch <- msg:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- msg:
		default:
		}
	}
	return true
}
