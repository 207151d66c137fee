package store

import (
	"context"
	"encoding/json"
	"time"

	"qms/queue-engine/internal/models"
)

type IssueTicketInput struct {
	RequestID            string
	ServiceID            string
	Priority             int
	CustomerPhone        string
	EstimatedServiceTime int
	CreatedAt            time.Time
}

// ClaimInput moves TicketID from waiting to serving. The write only lands
// while the department's current ticket still equals ExpectedCurrentID
// ("" meaning nothing is being served).
type ClaimInput struct {
	RequestID         string
	DepartmentID      string
	TicketID          string
	ExpectedCurrentID string
	CompleteCurrent   bool
	Actor             string
	CalledAt          time.Time
}

type ClaimResult struct {
	Called    models.Ticket
	Completed *models.Ticket
}

type FinishInput struct {
	RequestID    string
	DepartmentID string
	TicketID     string
	Action       string
	Actor        string
	OccurredAt   time.Time
}

type TransferInput struct {
	RequestID       string
	TicketID        string
	TargetServiceID string
	Reason          string
	Notes           string
	Actor           string
	OccurredAt      time.Time
}

type TransferResult struct {
	Ticket     models.Ticket
	Record     models.TransferRecord
	WasServing bool
}

type ResetInput struct {
	DepartmentID string
	Actor        string
	OccurredAt   time.Time
}

type ResetResult struct {
	Cancelled []models.Ticket
}

// TerminalFilter selects completed or cancelled tickets of a department.
// A zero UpdatedBefore applies no age limit.
type TerminalFilter struct {
	DepartmentID  string
	UpdatedBefore time.Time
	Limit         int
}

type TicketStore interface {
	IssueTicket(ctx context.Context, input IssueTicketInput) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	// FindAction looks up an earlier request by id within scope: the
	// department for call_next, complete and skip, the service for issue
	// and the ticket for transfer.
	FindAction(ctx context.Context, action, scope, requestID string) (models.Ticket, bool, error)
	GetQueueSettings(ctx context.Context, departmentID string) (models.QueueSettings, error)
	ListWaiting(ctx context.Context, departmentID string) ([]models.Ticket, error)
	PeekNext(ctx context.Context, departmentID string) (models.Ticket, error)
	ClaimTicket(ctx context.Context, input ClaimInput) (ClaimResult, bool, error)
	FinishTicket(ctx context.Context, input FinishInput) (models.Ticket, bool, error)
	TransferTicket(ctx context.Context, input TransferInput) (TransferResult, bool, error)
	ListTransfers(ctx context.Context, ticketID string) ([]models.TransferRecord, error)
	ResetQueue(ctx context.Context, input ResetInput) (ResetResult, error)
	ListTerminalTickets(ctx context.Context, filter TerminalFilter) ([]models.Ticket, error)
	DeleteArchivedTicket(ctx context.Context, ticketID string) error
	ListDepartments(ctx context.Context) ([]string, error)
	ListOutboxEvents(ctx context.Context, departmentID string, after time.Time, limit int) ([]OutboxEvent, error)
	ListTicketEvents(ctx context.Context, ticketID string) ([]TicketEvent, error)
}

// ArchiveSink is append-only and idempotent on the original ticket id.
type ArchiveSink interface {
	AppendArchived(ctx context.Context, archived models.ArchivedTicket) error
}

type OutboxEvent struct {
	EventID      string          `json:"event_id"`
	DepartmentID string          `json:"department_id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}
