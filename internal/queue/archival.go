package queue

import (
	"context"
	"fmt"

	"qms/queue-engine/internal/events"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"go.opentelemetry.io/otel/attribute"
)

type ResetOutcome struct {
	DepartmentID    string          `json:"department_id"`
	Cancelled       int             `json:"cancelled"`
	Tickets         []models.Ticket `json:"tickets"`
	Archived        int             `json:"archived"`
	ArchiveFailures int             `json:"archive_failures"`
}

type CleanupOutcome struct {
	DepartmentID string `json:"department_id"`
	Candidates   int    `json:"candidates"`
	Archived     int    `json:"archived"`
	Failures     int    `json:"failures"`
	// Warning is set when some tickets could not be archived; they stay
	// live and are picked up again by the next run.
	Warning *Error `json:"-"`
}

func (o CleanupOutcome) NoOp() bool {
	return o.Candidates == 0
}

// ResetQueue cancels every active ticket of departmentID, clears the
// current-serving pointer and restarts numbering. With includeCleanup the
// tickets that were already terminal before the reset are archived and
// removed as well; the ones the reset just cancelled stay visible until the
// periodic cleanup takes them.
func (e *Engine) ResetQueue(ctx context.Context, departmentID string, includeCleanup bool, meta Meta) (outcome ResetOutcome, err error) {
	const op = "reset_queue"
	ctx, span := e.startSpan(ctx, op,
		attribute.String("department_id", departmentID),
		attribute.Bool("include_cleanup", includeCleanup),
	)
	defer func() { endSpan(span, err) }()

	// Taken before the reset so the just-cancelled tickets are excluded.
	var priorTerminal []models.Ticket
	if includeCleanup {
		priorTerminal, err = e.store.ListTerminalTickets(ctx, store.TerminalFilter{DepartmentID: departmentID})
		if err != nil {
			return ResetOutcome{}, classify(op, err)
		}
	}

	at := e.now()
	result, err := e.store.ResetQueue(ctx, store.ResetInput{
		DepartmentID: departmentID,
		Actor:        meta.Actor,
		OccurredAt:   at,
	})
	if err != nil {
		return ResetOutcome{}, classify(op, err)
	}

	outcome = ResetOutcome{
		DepartmentID: departmentID,
		Cancelled:    len(result.Cancelled),
		Tickets:      result.Cancelled,
	}
	if outcome.Tickets == nil {
		outcome.Tickets = []models.Ticket{}
	}
	e.publish(ctx, events.Event{
		Type:         events.QueueReset,
		DepartmentID: departmentID,
		Tickets:      result.Cancelled,
		Actor:        meta.Actor,
		OccurredAt:   at,
	})
	e.logger.Info().
		Str("department_id", departmentID).
		Int("cancelled", outcome.Cancelled).
		Str("actor", meta.Actor).
		Msg("queue reset")

	if includeCleanup {
		archived, failures := e.archiveAndDelete(ctx, priorTerminal)
		outcome.Archived = archived
		outcome.ArchiveFailures = failures
	}
	return outcome, nil
}

// PerformCleanup archives and removes terminal tickets of departmentID that
// have not changed for the retention window. Archive failures leave the
// ticket live and are reported on the outcome, not as an error.
func (e *Engine) PerformCleanup(ctx context.Context, departmentID string) (outcome CleanupOutcome, err error) {
	const op = "cleanup"
	ctx, span := e.startSpan(ctx, op, attribute.String("department_id", departmentID))
	defer func() { endSpan(span, err) }()

	cutoff := e.now().Add(-e.retention)
	candidates, err := e.store.ListTerminalTickets(ctx, store.TerminalFilter{
		DepartmentID:  departmentID,
		UpdatedBefore: cutoff,
		Limit:         e.cleanupBatch,
	})
	if err != nil {
		return CleanupOutcome{}, classify(op, err)
	}

	outcome = CleanupOutcome{DepartmentID: departmentID, Candidates: len(candidates)}
	if len(candidates) == 0 {
		return outcome, nil
	}
	outcome.Archived, outcome.Failures = e.archiveAndDelete(ctx, candidates)
	if outcome.Failures > 0 {
		outcome.Warning = newError(op, KindArchiveUnavailable,
			fmt.Sprintf("%d of %d tickets could not be archived", outcome.Failures, outcome.Candidates),
			store.ErrArchiveUnavailable)
	}
	span.SetAttributes(attribute.Int("archived", outcome.Archived), attribute.Int("failures", outcome.Failures))
	e.logger.Info().
		Str("department_id", departmentID).
		Int("candidates", outcome.Candidates).
		Int("archived", outcome.Archived).
		Int("failures", outcome.Failures).
		Msg("cleanup finished")
	return outcome, nil
}

// archiveAndDelete never deletes a ticket whose archive write failed; the
// store additionally refuses to delete anything without an archive row.
func (e *Engine) archiveAndDelete(ctx context.Context, tickets []models.Ticket) (int, int) {
	if e.archive == nil {
		if len(tickets) > 0 {
			e.logger.Warn().Int("tickets", len(tickets)).Msg("no archive configured, skipping removal")
		}
		return 0, len(tickets)
	}

	archived, failures := 0, 0
	for _, ticket := range tickets {
		if err := e.archiveOne(ctx, ticket); err != nil {
			failures++
			e.logger.Warn().Err(err).
				Str("ticket_id", ticket.TicketID).
				Str("department_id", ticket.DepartmentID).
				Msg("archive ticket failed, keeping live row")
			continue
		}
		archived++
	}
	return archived, failures
}

func (e *Engine) archiveOne(ctx context.Context, ticket models.Ticket) error {
	transfers, err := e.store.ListTransfers(ctx, ticket.TicketID)
	if err != nil {
		return fmt.Errorf("load transfers: %w", err)
	}
	record := models.ArchivedTicket{
		OriginalTicketID: ticket.TicketID,
		Ticket:           ticket,
		Transfers:        transfers,
		ArchivedAt:       e.now(),
	}
	if err := e.archive.AppendArchived(ctx, record); err != nil {
		return fmt.Errorf("%w: %v", store.ErrArchiveUnavailable, err)
	}
	if err := e.store.DeleteArchivedTicket(ctx, ticket.TicketID); err != nil {
		return fmt.Errorf("delete archived ticket: %w", err)
	}
	return nil
}
