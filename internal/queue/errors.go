package queue

import (
	"context"
	"errors"
	"fmt"

	"qms/queue-engine/internal/store"
)

type Kind string

const (
	KindNoTicketsWaiting   Kind = "no_tickets_waiting"
	KindConflictLost       Kind = "conflict_lost"
	KindTransient          Kind = "transient"
	KindInvalidTransition  Kind = "invalid_transition"
	KindNotFound           Kind = "not_found"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindArchiveUnavailable Kind = "archive_unavailable"
)

// Error is what every engine operation returns on failure. Err keeps the
// store sentinel so errors.Is still works through it.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retriable reports whether re-issuing the same operation is safe and may succeed.
func (e *Error) Retriable() bool {
	switch e.Kind {
	case KindConflictLost, KindTransient, KindStorageUnavailable, KindArchiveUnavailable:
		return true
	default:
		return false
	}
}

// KindOf returns the kind of err, or "" when err is nil or not an *Error.
func KindOf(err error) Kind {
	var qerr *Error
	if errors.As(err, &qerr) {
		return qerr.Kind
	}
	return ""
}

func IsRetriable(err error) bool {
	var qerr *Error
	if errors.As(err, &qerr) {
		return qerr.Retriable()
	}
	return false
}

func newError(op string, kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// classify converts a store error into the engine taxonomy. Anything the
// store does not name is treated as an unknown outcome.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var qerr *Error
	if errors.As(err, &qerr) {
		return err
	}
	switch {
	case errors.Is(err, store.ErrNoTicket):
		return newError(op, KindNoTicketsWaiting, "no tickets waiting", err)
	case errors.Is(err, store.ErrConflict):
		return newError(op, KindConflictLost, "lost a concurrent update", err)
	case errors.Is(err, store.ErrInvalidState), errors.Is(err, store.ErrNotArchived):
		return newError(op, KindInvalidTransition, "ticket state does not allow this action", err)
	case errors.Is(err, store.ErrTicketNotFound):
		return newError(op, KindNotFound, "ticket not found", err)
	case errors.Is(err, store.ErrServiceNotFound), errors.Is(err, store.ErrServiceInactive):
		return newError(op, KindNotFound, "service not found or inactive", err)
	case errors.Is(err, store.ErrQueueNotFound):
		return newError(op, KindNotFound, "queue not found", err)
	case errors.Is(err, store.ErrArchiveUnavailable):
		return newError(op, KindArchiveUnavailable, "archive unavailable", err)
	case errors.Is(err, context.Canceled):
		return newError(op, KindStorageUnavailable, "request cancelled, outcome unknown", err)
	default:
		return newError(op, KindStorageUnavailable, "storage unavailable, outcome unknown, safe to retry", err)
	}
}
