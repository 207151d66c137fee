package store

import "errors"

var (
	ErrQueueNotFound      = errors.New("queue not found")
	ErrServiceNotFound    = errors.New("service not found")
	ErrServiceInactive    = errors.New("service inactive")
	ErrNoTicket           = errors.New("no ticket available")
	ErrTicketNotFound     = errors.New("ticket not found")
	ErrInvalidState       = errors.New("invalid ticket state")
	ErrConflict           = errors.New("concurrent update lost")
	ErrArchiveUnavailable = errors.New("archive unavailable")
	ErrNotArchived        = errors.New("ticket not archived")
)
