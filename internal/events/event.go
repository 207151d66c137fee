// Package events carries committed queue state changes to realtime clients,
// Redis subscribers and RabbitMQ consumers. Delivery is at-least-once and
// best-effort; clients fall back to polling the outbox.
package events

import (
	"context"
	"encoding/json"
	"time"

	"qms/queue-engine/internal/models"
)

const (
	TicketCalled      = models.EventTicketCalled
	TicketCompleted   = models.EventTicketCompleted
	TicketCancelled   = models.EventTicketCancelled
	TicketTransferred = models.EventTicketTransferred
	QueueReset        = models.EventQueueReset
)

// Event describes one committed change. TargetDepartmentID is set when a
// transfer crosses departments.
type Event struct {
	Type               string                 `json:"type"`
	DepartmentID       string                 `json:"department_id"`
	TargetDepartmentID string                 `json:"target_department_id,omitempty"`
	Ticket             *models.Ticket         `json:"ticket,omitempty"`
	Tickets            []models.Ticket        `json:"tickets,omitempty"`
	Transfer           *models.TransferRecord `json:"transfer,omitempty"`
	Actor              string                 `json:"actor,omitempty"`
	OccurredAt         time.Time              `json:"occurred_at"`
}

// Departments lists every department whose view the event changes.
func (e Event) Departments() []string {
	if e.TargetDepartmentID == "" || e.TargetDepartmentID == e.DepartmentID {
		return []string{e.DepartmentID}
	}
	return []string{e.DepartmentID, e.TargetDepartmentID}
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) error { return nil })
