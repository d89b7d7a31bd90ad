// Package redisfabric implements the fabric interfaces on Redis
// pub/sub and INCR. A sentinel-managed master can be targeted by
// setting MasterName.
package redisfabric

import (
	"context"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/xiucall/push/fabric"
)

// Config for the Redis fabric. Defaults can be loaded via envdecode.
type Config struct {
	// Addrs are seed addresses: the single node, or sentinel
	// addresses when MasterName is set. ENV: REDIS_ADDRS
	Addrs []string `env:"REDIS_ADDRS,default=localhost:6379"`
	// MasterName enables sentinel failover mode. ENV: REDIS_MASTER_NAME
	MasterName string `env:"REDIS_MASTER_NAME"`
	// KeyPrefix is prepended to counter keys. ENV: FABRIC_KEY_PREFIX
	KeyPrefix string `env:"FABRIC_KEY_PREFIX"`
}

// Redis dials fabric connections against one Redis deployment.
type Redis struct {
	cfg Config
}

var _ fabric.Fabric = (*Redis)(nil)

// New creates a Redis fabric from cfg.
func New(cfg Config) *Redis {
	if len(cfg.Addrs) == 0 {
		cfg.Addrs = []string{"localhost:6379"}
	}
	return &Redis{cfg: cfg}
}

// NewFromEnv builds a Redis fabric using envdecode to populate Config.
func NewFromEnv() (*Redis, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode redis fabric config: %w", err)
	}
	return New(cfg), nil
}

func (r *Redis) client() redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      r.cfg.Addrs,
		MasterName: r.cfg.MasterName,
	})
}

// Connect returns the shared write connection. The connection is
// verified with a ping before it is handed out.
func (r *Redis) Connect(ctx context.Context) (fabric.Conn, error) {
	cl := r.client()
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Conn{client: cl, keyPrefix: r.cfg.KeyPrefix}, nil
}

// NewSubscriber returns a private read connection with its own
// underlying pub/sub state.
func (r *Redis) NewSubscriber(ctx context.Context) (fabric.Subscriber, error) {
	cl := r.client()
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	ps := cl.Subscribe(ctx)
	s := &Subscriber{
		client: cl,
		pubsub: ps,
		ch:     make(chan fabric.Message, 64),
	}
	go s.pump()
	return s, nil
}

// Close is a no-op: connections are owned by their callers.
func (r *Redis) Close() error { return nil }

// Conn is a shared write connection over one Redis client.
type Conn struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ fabric.Conn = (*Conn)(nil)

func (c *Conn) Publish(ctx context.Context, topic string, payload string) (int64, error) {
	n, err := c.client.Publish(ctx, topic, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", topic, err)
	}
	return n, nil
}

func (c *Conn) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Incr(ctx, c.keyPrefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

func (c *Conn) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Conn) Close() error {
	return c.client.Close()
}

// Subscriber adapts a go-redis PubSub to the fabric.Subscriber
// interface.
type Subscriber struct {
	client redis.UniversalClient
	pubsub *redis.PubSub
	ch     chan fabric.Message
}

var _ fabric.Subscriber = (*Subscriber)(nil)

func (s *Subscriber) Subscribe(ctx context.Context, topics ...string) error {
	return s.pubsub.Subscribe(ctx, topics...)
}

func (s *Subscriber) PSubscribe(ctx context.Context, patterns ...string) error {
	return s.pubsub.PSubscribe(ctx, patterns...)
}

func (s *Subscriber) Unsubscribe(ctx context.Context, topics ...string) error {
	return s.pubsub.Unsubscribe(ctx, topics...)
}

func (s *Subscriber) PUnsubscribe(ctx context.Context, patterns ...string) error {
	return s.pubsub.PUnsubscribe(ctx, patterns...)
}

func (s *Subscriber) Messages() <-chan fabric.Message {
	return s.ch
}

func (s *Subscriber) Close() error {
	err := s.pubsub.Close()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// pump converts go-redis messages until the PubSub closes.
func (s *Subscriber) pump() {
	defer close(s.ch)
	for m := range s.pubsub.Channel() {
		offer(s.ch, fabric.Message{
			Topic:   m.Channel,
			Pattern: m.Pattern,
			Payload: m.Payload,
		})
	}
}

// offer delivers without ever blocking the pump: a lagging or
// abandoned consumer has its oldest buffered wakeup evicted instead.
// Consumers re-read their store after any wakeup, so coalescing is
// safe.
func offer(ch chan fabric.Message, m fabric.Message) {
	select {
	case ch <- m:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- m:
		default:
		}
	}
}
