package models

const (
	EventTicketCreated     = "ticket.created"
	EventTicketCalled      = "ticket.called"
	EventTicketCompleted   = "ticket.completed"
	EventTicketCancelled   = "ticket.cancelled"
	EventTicketTransferred = "ticket.transferred"
	EventQueueReset        = "queue.reset"
	EventTicketArchived    = "ticket.archived"
)
