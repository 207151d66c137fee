package queue

import (
	"context"
	"errors"

	"qms/queue-engine/internal/events"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"go.opentelemetry.io/otel/attribute"
)

// CallNext hands the next waiting ticket of departmentID to the caller.
//
// Each attempt observes the current-serving pointer, peeks the head of the
// queue and claims it with a write guarded on both. Losing either guard to a
// concurrent caller re-reads and retries against the new head, up to
// MaxAttempts; after that the caller gets a Transient error.
func (e *Engine) CallNext(ctx context.Context, departmentID string, meta Meta) (ticket models.Ticket, err error) {
	const op = "call_next"
	ctx, span := e.startSpan(ctx, op, attribute.String("department_id", departmentID))
	defer func() { endSpan(span, err) }()

	if meta.RequestID != "" {
		previous, found, err := e.store.FindAction(ctx, store.ActionCallNext, departmentID, meta.RequestID)
		if err != nil {
			return models.Ticket{}, classify(op, err)
		}
		if found {
			return previous, nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, e.backoff.Delay(attempt-1)); err != nil {
				return models.Ticket{}, classify(op, err)
			}
		}

		result, created, err := e.tryCallNext(ctx, departmentID, meta)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt))
			if created {
				e.afterCallNext(ctx, departmentID, result, meta)
			}
			return result.Called, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return models.Ticket{}, classify(op, err)
		}
		lastErr = err
		e.logger.Debug().
			Str("department_id", departmentID).
			Int("attempt", attempt).
			Msg("call next lost race, retrying")
	}

	return models.Ticket{}, newError(op, KindTransient, "lost every attempt to a concurrent caller, retry", lastErr)
}

func (e *Engine) tryCallNext(ctx context.Context, departmentID string, meta Meta) (store.ClaimResult, bool, error) {
	settings, err := e.store.GetQueueSettings(ctx, departmentID)
	if err != nil {
		return store.ClaimResult{}, false, err
	}
	current := settings.CurrentID()
	if current != "" && e.strict {
		return store.ClaimResult{}, false, newError("call_next", KindInvalidTransition, "a ticket is already being served", store.ErrInvalidState)
	}

	next, err := e.store.PeekNext(ctx, departmentID)
	if err != nil {
		return store.ClaimResult{}, false, err
	}

	return e.store.ClaimTicket(ctx, store.ClaimInput{
		RequestID:         meta.RequestID,
		DepartmentID:      departmentID,
		TicketID:          next.TicketID,
		ExpectedCurrentID: current,
		CompleteCurrent:   current != "",
		Actor:             meta.Actor,
		CalledAt:          e.now(),
	})
}

func (e *Engine) afterCallNext(ctx context.Context, departmentID string, result store.ClaimResult, meta Meta) {
	if result.Completed != nil {
		completed := *result.Completed
		e.publish(ctx, events.Event{
			Type:         events.TicketCompleted,
			DepartmentID: departmentID,
			Ticket:       &completed,
			Actor:        meta.Actor,
			OccurredAt:   timeOr(completed.CompletedAt, e.now()),
		})
	}
	called := result.Called
	e.publish(ctx, events.Event{
		Type:         events.TicketCalled,
		DepartmentID: departmentID,
		Ticket:       &called,
		Actor:        meta.Actor,
		OccurredAt:   timeOr(called.CalledAt, e.now()),
	})
	e.logger.Info().
		Str("department_id", departmentID).
		Str("ticket_id", called.TicketID).
		Int64("number", called.Number).
		Str("actor", meta.Actor).
		Msg("ticket called")
	e.notify(events.TicketCalled, departmentID, called, meta.Actor)
}
