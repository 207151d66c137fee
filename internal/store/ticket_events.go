package store

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qms/queue-engine/internal/models"
)

var ErrBrokenChain = errors.New("ticket event chain broken")

type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// TicketPayload is the body written to both the outbox and the audit chain.
type TicketPayload struct {
	TicketID         string     `json:"ticket_id"`
	Number           int64      `json:"number"`
	Status           string     `json:"status"`
	DepartmentID     string     `json:"department_id"`
	ServiceID        string     `json:"service_id"`
	Priority         int        `json:"priority"`
	Actor            string     `json:"actor,omitempty"`
	RequestID        string     `json:"request_id,omitempty"`
	FromServiceID    string     `json:"from_service_id,omitempty"`
	ToServiceID      string     `json:"to_service_id,omitempty"`
	FromDepartmentID string     `json:"from_department_id,omitempty"`
	TransferID       string     `json:"transfer_id,omitempty"`
	NewPosition      int        `json:"new_position,omitempty"`
	Reason           string     `json:"reason,omitempty"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
	QueuedAt         *time.Time `json:"queued_at,omitempty"`
	CalledAt         *time.Time `json:"called_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

func NewTicketPayload(ticket models.Ticket, actor, requestID string) TicketPayload {
	createdAt := ticket.CreatedAt
	queuedAt := ticket.QueuedAt
	return TicketPayload{
		TicketID:     ticket.TicketID,
		Number:       ticket.Number,
		Status:       ticket.Status,
		DepartmentID: ticket.DepartmentID,
		ServiceID:    ticket.ServiceID,
		Priority:     ticket.Priority,
		Actor:        actor,
		RequestID:    requestID,
		CreatedAt:    &createdAt,
		QueuedAt:     &queuedAt,
		CalledAt:     ticket.CalledAt,
		CompletedAt:  ticket.CompletedAt,
	}
}

// WithTransfer attaches the transfer details of record to the payload.
func (p TicketPayload) WithTransfer(record models.TransferRecord) TicketPayload {
	p.FromServiceID = record.FromServiceID
	p.ToServiceID = record.ToServiceID
	p.FromDepartmentID = record.FromDepartmentID
	p.TransferID = record.TransferID
	p.NewPosition = record.NewPosition
	p.Reason = record.Reason
	return p
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// NextTicketEvent builds the event that follows last in a ticket's chain.
// A nil last starts a new chain at sequence 1.
func NextTicketEvent(last *TicketEvent, ticketID, eventType string, payload json.RawMessage, createdAt time.Time) TicketEvent {
	// Postgres keeps microseconds; the hash must survive a round trip.
	createdAt = createdAt.UTC().Truncate(time.Microsecond)
	seq := 1
	prev := ""
	if last != nil {
		seq = last.TicketSeq + 1
		prev = last.Hash
	}
	return TicketEvent{
		TicketID:  ticketID,
		TicketSeq: seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prev,
		Hash:      ComputeTicketEventHash(prev, ticketID, eventType, payload, createdAt, seq),
	}
}

// VerifyTicketEvents checks sequence continuity and every hash link.
func VerifyTicketEvents(events []TicketEvent) error {
	prev := ""
	for i, event := range events {
		if event.TicketSeq != i+1 {
			return fmt.Errorf("%w: seq %d at position %d", ErrBrokenChain, event.TicketSeq, i)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("%w: prev hash mismatch at seq %d", ErrBrokenChain, event.TicketSeq)
		}
		want := ComputeTicketEventHash(prev, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
		if event.Hash != want {
			return fmt.Errorf("%w: hash mismatch at seq %d", ErrBrokenChain, event.TicketSeq)
		}
		prev = event.Hash
	}
	return nil
}

// RehydrateTicket folds a chain back into the ticket state it records.
func RehydrateTicket(events []TicketEvent) (models.Ticket, error) {
	var ticket models.Ticket
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload TicketPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Ticket{}, err
		}
		if payload.TicketID != "" {
			ticket.TicketID = payload.TicketID
		}
		if payload.Number != 0 {
			ticket.Number = payload.Number
		}
		if payload.DepartmentID != "" {
			ticket.DepartmentID = payload.DepartmentID
		}
		if payload.ServiceID != "" {
			ticket.ServiceID = payload.ServiceID
		}
		if payload.ToServiceID != "" {
			ticket.ServiceID = payload.ToServiceID
		}
		if payload.Status != "" {
			ticket.Status = payload.Status
		}
		ticket.Priority = payload.Priority
		if payload.CreatedAt != nil {
			ticket.CreatedAt = *payload.CreatedAt
		}
		if payload.QueuedAt != nil {
			ticket.QueuedAt = *payload.QueuedAt
		}
		ticket.CalledAt = payload.CalledAt
		ticket.CompletedAt = payload.CompletedAt
	}
	return ticket, nil
}
