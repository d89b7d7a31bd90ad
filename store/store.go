// Package store defines the durable log store the queue layer persists
// into: one append-only, size-bounded log per recipient, each record
// carrying a 16-bit acknowledgement mask with one bit per channel.
package store

import (
	"context"
	"errors"
	"time"
)

// Channels is the number of independent acknowledgement cursors per
// log. Channel numbers are 0..Channels-1.
const Channels = 16

var (
	// ErrNotFound is returned by Open when no log exists for the
	// recipient.
	ErrNotFound = errors.New("store: log not found")
	// ErrExists is returned by Create when the log already exists,
	// including when a concurrent creator won the race.
	ErrExists = errors.New("store: log already exists")
	// ErrNoRecord is returned by OldestUnacked when every record on
	// the channel has been acknowledged.
	ErrNoRecord = errors.New("store: no unacknowledged record")
)

// Record is one persisted message. Records are never rewritten except
// for AckMask and LastModified, and never removed except by capped
// eviction or dropping the whole log.
type Record struct {
	// ID is a storage-assigned identifier, opaque to callers.
	ID string
	// Payload is the producer-supplied body.
	Payload map[string]any
	// AckMask has bit c set when channel c has acknowledged the
	// record.
	AckMask uint16
	// LastModified is set on insert and refreshed on each
	// acknowledgement.
	LastModified time.Time
}

// Acked reports whether the record has been acknowledged on channel.
func (r *Record) Acked(channel uint8) bool {
	return r.AckMask&(1<<channel) != 0
}

// Store is a connection to the durable log backend.
type Store interface {
	// Open returns the existing log for recipient, or ErrNotFound.
	Open(ctx context.Context, recipient string) (Log, error)

	// Create makes a new capped log bounded to cappedSize bytes and
	// returns it. Returns ErrExists if the log already exists.
	Create(ctx context.Context, recipient string, cappedSize int64) (Log, error)

	// Drop destructively removes the recipient's log. Dropping an
	// absent log is not an error.
	Drop(ctx context.Context, recipient string) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close(ctx context.Context) error
}

// Log is one recipient's durable log. Many handles, possibly in many
// processes, may reference the same log; AckOldest is the only
// cross-handle synchronization point and must be atomic in the
// backend.
type Log interface {
	// Insert appends a record with a zero ack mask.
	Insert(ctx context.Context, payload map[string]any) error

	// OldestUnacked returns the oldest record whose channel bit is
	// unset, or ErrNoRecord.
	OldestUnacked(ctx context.Context, channel uint8) (*Record, error)

	// AckOldest atomically sets the channel bit on the oldest record
	// that does not have it, refreshing LastModified. It reports
	// whether a record was updated; false means everything was
	// already acknowledged.
	AckOldest(ctx context.Context, channel uint8) (bool, error)

	// Query returns records in insertion order, optionally bounded
	// below by since (zero means unbounded) and capped to limit
	// results (0 means unlimited). The ack mask is not consulted or
	// modified.
	Query(ctx context.Context, since time.Time, limit int) ([]Record, error)

	// Drop destructively removes the whole log.
	Drop(ctx context.Context) error
}
