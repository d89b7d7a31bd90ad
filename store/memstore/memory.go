// Package memstore provides an in-memory implementation of the store
// interfaces. Capped eviction approximates byte accounting by JSON
// size. Intended for tests and single-node runs.
package memstore

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/xiucall/push/store"
)

// Store holds every recipient log in process memory.
type Store struct {
	mu     sync.Mutex
	logs   map[string]*logData
	closed bool
}

var _ store.Store = (*Store)(nil)

type logData struct {
	mu      sync.Mutex
	records []*store.Record
	size    int64
	capped  int64
	nextID  int64
	dropped bool
}

// New creates an empty Store.
func New() *Store {
	return &Store{logs: make(map[string]*logData)}
}

func (s *Store) Open(ctx context.Context, recipient string) (store.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ld, ok := s.logs[recipient]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &Log{store: s, recipient: recipient, data: ld}, nil
}

func (s *Store) Create(ctx context.Context, recipient string, cappedSize int64) (store.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[recipient]; ok {
		return nil, store.ErrExists
	}
	ld := &logData{capped: cappedSize}
	s.logs[recipient] = ld
	return &Log{store: s, recipient: recipient, data: ld}, nil
}

func (s *Store) Drop(ctx context.Context, recipient string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ld, ok := s.logs[recipient]; ok {
		ld.mu.Lock()
		ld.dropped = true
		ld.mu.Unlock()
		delete(s.logs, recipient)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Log is a handle onto one recipient's in-memory log.
type Log struct {
	store     *Store
	recipient string
	data      *logData
}

var _ store.Log = (*Log)(nil)

func (l *Log) Insert(ctx context.Context, payload map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.data.mu.Lock()
	defer l.data.mu.Unlock()
	if l.data.dropped {
		return store.ErrNotFound
	}
	l.data.nextID++
	rec := &store.Record{
		ID:           l.recipient + "-" + strconv.FormatInt(l.data.nextID, 10),
		Payload:      payload,
		LastModified: time.Now().UTC(),
	}
	l.data.records = append(l.data.records, rec)
	l.data.size += recordSize(payload)
	// Capped eviction: oldest entries go first once the byte bound is
	// exceeded, regardless of acknowledgement state.
	for l.data.capped > 0 && l.data.size > l.data.capped && len(l.data.records) > 1 {
		evicted := l.data.records[0]
		l.data.records = l.data.records[1:]
		l.data.size -= recordSize(evicted.Payload)
	}
	return nil
}

func (l *Log) OldestUnacked(ctx context.Context, channel uint8) (*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.data.mu.Lock()
	defer l.data.mu.Unlock()
	if l.data.dropped {
		return nil, store.ErrNotFound
	}
	for _, r := range l.data.records {
		if !r.Acked(channel) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNoRecord
}

func (l *Log) AckOldest(ctx context.Context, channel uint8) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.data.mu.Lock()
	defer l.data.mu.Unlock()
	if l.data.dropped {
		return false, store.ErrNotFound
	}
	for _, r := range l.data.records {
		if !r.Acked(channel) {
			r.AckMask |= 1 << channel
			r.LastModified = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

func (l *Log) Query(ctx context.Context, since time.Time, limit int) ([]store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.data.mu.Lock()
	defer l.data.mu.Unlock()
	if l.data.dropped {
		return nil, store.ErrNotFound
	}
	out := make([]store.Record, 0, len(l.data.records))
	for _, r := range l.data.records {
		if !since.IsZero() && r.LastModified.Before(since) {
			continue
		}
		out = append(out, *r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l *Log) Drop(ctx context.Context) error {
	return l.store.Drop(ctx, l.recipient)
}

func recordSize(payload map[string]any) int64 {
	b, err := json.Marshal(payload)
	if err != nil {
		return 1
	}
	return int64(len(b))
}
