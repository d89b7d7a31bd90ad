package queue

import (
	"errors"
	"strings"

	"github.com/xiucall/push/store"
)

var (
	// ErrInvalidState is returned when an operation is attempted in a
	// lifecycle state that does not permit it.
	ErrInvalidState = errors.New("queue: invalid lifecycle state")

	// ErrInvalidPayload is returned by Push when the payload is not a
	// keyed record.
	ErrInvalidPayload = errors.New("queue: payload must be a keyed record")

	// ErrBadRecipient is returned by Get for an empty recipient
	// identifier or an out-of-range channel.
	ErrBadRecipient = errors.New("queue: bad recipient or channel")

	// ErrCanceled is returned from an outstanding Peek when the queue
	// or its broker closes underneath it.
	ErrCanceled = errors.New("queue: peek canceled by close")

	// ErrPeekInFlight is returned by Peek while another Peek on the
	// same handle has not completed.
	ErrPeekInFlight = errors.New("queue: a peek is already outstanding")

	// ErrCreateRace is returned when autoCreate lost the concurrent
	// creation race more times than the retry budget allows.
	ErrCreateRace = errors.New("queue: log creation race retry budget exhausted")

	// ErrChannelBusy is returned by Get when this broker already has a
	// live subscribe handle for the recipient+channel pair. Two
	// subscribers on one channel would shadow each other's cursor, so
	// the combination is rejected rather than left to double-deliver.
	ErrChannelBusy = errors.New("queue: channel already has a live subscriber")

	// ErrQueueCreate wraps the underlying cause when Get fails to
	// build a queue.
	ErrQueueCreate = errors.New("queue: create failed")

	// ErrNotFound aliases the store sentinel so callers need only the
	// queue package to classify a missing recipient log.
	ErrNotFound = store.ErrNotFound
)

// ConnectError aggregates the sub-connection failures of a broker
// connect attempt. Any one failure fails the whole operation.
type ConnectError struct {
	Errs []error
}

func (e *ConnectError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return "queue: broker connect failed: " + strings.Join(msgs, "; ")
}

// Unwrap exposes the individual causes to errors.Is/As.
func (e *ConnectError) Unwrap() []error {
	return e.Errs
}
