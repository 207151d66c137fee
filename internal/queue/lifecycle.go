package queue

import (
	"context"
	"time"

	"qms/queue-engine/internal/events"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"go.opentelemetry.io/otel/attribute"
)

// Complete finishes the ticket being served in departmentID. When ticketID
// is set the call only succeeds if that ticket is still the current one, so
// a retry after a timeout cannot complete the next customer by mistake.
func (e *Engine) Complete(ctx context.Context, departmentID, ticketID string, meta Meta) (models.Ticket, error) {
	return e.finish(ctx, store.ActionComplete, departmentID, ticketID, meta)
}

// Skip cancels the ticket being served in departmentID.
func (e *Engine) Skip(ctx context.Context, departmentID, ticketID string, meta Meta) (models.Ticket, error) {
	return e.finish(ctx, store.ActionSkip, departmentID, ticketID, meta)
}

func (e *Engine) finish(ctx context.Context, action, departmentID, ticketID string, meta Meta) (ticket models.Ticket, err error) {
	ctx, span := e.startSpan(ctx, action,
		attribute.String("department_id", departmentID),
		attribute.String("ticket_id", ticketID),
	)
	defer func() { endSpan(span, err) }()

	ticket, created, err := e.store.FinishTicket(ctx, store.FinishInput{
		RequestID:    meta.RequestID,
		DepartmentID: departmentID,
		TicketID:     ticketID,
		Action:       action,
		Actor:        meta.Actor,
		OccurredAt:   e.now(),
	})
	if err != nil {
		return models.Ticket{}, classify(action, err)
	}
	if created {
		eventType := store.EventType(action)
		done := ticket
		e.publish(ctx, events.Event{
			Type:         eventType,
			DepartmentID: departmentID,
			Ticket:       &done,
			Actor:        meta.Actor,
			OccurredAt:   timeOr(ticket.CompletedAt, e.now()),
		})
		e.logger.Info().
			Str("department_id", departmentID).
			Str("ticket_id", ticket.TicketID).
			Str("status", ticket.Status).
			Str("actor", meta.Actor).
			Msg("ticket finished")
		if action == store.ActionSkip {
			e.notify(eventType, departmentID, ticket, meta.Actor)
		}
	}
	return ticket, nil
}

// IssueTicket creates a waiting ticket. Issuance belongs to the ticketing
// collaborator; the engine exposes it so that collaborator shares the
// numbering lock with transfers.
func (e *Engine) IssueTicket(ctx context.Context, input store.IssueTicketInput) (ticket models.Ticket, err error) {
	const op = "issue_ticket"
	ctx, span := e.startSpan(ctx, op, attribute.String("service_id", input.ServiceID))
	defer func() { endSpan(span, err) }()

	if input.CreatedAt.IsZero() {
		input.CreatedAt = e.now()
	}
	ticket, _, err = e.store.IssueTicket(ctx, input)
	if err != nil {
		return models.Ticket{}, classify(op, err)
	}
	return ticket, nil
}

func timeOr(value *time.Time, fallback time.Time) time.Time {
	if value == nil {
		return fallback
	}
	return *value
}
