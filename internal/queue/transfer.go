package queue

import (
	"context"
	"strings"

	"qms/queue-engine/internal/events"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"go.opentelemetry.io/otel/attribute"
)

type TransferRequest struct {
	TicketID        string
	TargetServiceID string
	Reason          string
	Notes           string
	Meta            Meta
}

type TransferOutcome struct {
	TicketID    string                `json:"ticket_id"`
	TransferID  string                `json:"transfer_id"`
	NewPosition int                   `json:"new_position"`
	Ticket      models.Ticket         `json:"ticket"`
	Record      models.TransferRecord `json:"transfer"`
}

// Transfer moves a non-terminal ticket to the end of another service's
// queue in one store transaction. The number and creation time survive;
// a ticket that was being served frees its source department.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (outcome TransferOutcome, err error) {
	const op = "transfer"
	ctx, span := e.startSpan(ctx, op,
		attribute.String("ticket_id", req.TicketID),
		attribute.String("target_service_id", req.TargetServiceID),
	)
	defer func() { endSpan(span, err) }()

	result, created, err := e.store.TransferTicket(ctx, store.TransferInput{
		RequestID:       req.Meta.RequestID,
		TicketID:        req.TicketID,
		TargetServiceID: req.TargetServiceID,
		Reason:          strings.TrimSpace(req.Reason),
		Notes:           strings.TrimSpace(req.Notes),
		Actor:           req.Meta.Actor,
		OccurredAt:      e.now(),
	})
	if err != nil {
		return TransferOutcome{}, classify(op, err)
	}

	outcome = TransferOutcome{
		TicketID:    result.Ticket.TicketID,
		TransferID:  result.Record.TransferID,
		NewPosition: result.Record.NewPosition,
		Ticket:      result.Ticket,
		Record:      result.Record,
	}
	span.SetAttributes(attribute.Int("new_position", outcome.NewPosition))

	if created {
		ticket := result.Ticket
		record := result.Record
		e.publish(ctx, events.Event{
			Type:               events.TicketTransferred,
			DepartmentID:       record.FromDepartmentID,
			TargetDepartmentID: record.ToDepartmentID,
			Ticket:             &ticket,
			Transfer:           &record,
			Actor:              req.Meta.Actor,
			OccurredAt:         record.TransferredAt,
		})
		e.logger.Info().
			Str("ticket_id", ticket.TicketID).
			Str("from_service_id", record.FromServiceID).
			Str("to_service_id", record.ToServiceID).
			Int("new_position", record.NewPosition).
			Bool("was_serving", result.WasServing).
			Str("actor", req.Meta.Actor).
			Msg("ticket transferred")
		e.notify(events.TicketTransferred, record.ToDepartmentID, ticket, req.Meta.Actor)
	}
	return outcome, nil
}
