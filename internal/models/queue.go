package models

import "time"

// QueueSettings is the per-department row every dispatcher contends on.
type QueueSettings struct {
	DepartmentID     string    `json:"department_id"`
	CurrentServing   *int64    `json:"current_serving,omitempty"`
	CurrentTicketID  *string   `json:"current_ticket_id,omitempty"`
	LastTicketNumber int64     `json:"last_ticket_number"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (q QueueSettings) Serving() bool {
	return q.CurrentTicketID != nil && *q.CurrentTicketID != ""
}

func (q QueueSettings) CurrentID() string {
	if q.CurrentTicketID == nil {
		return ""
	}
	return *q.CurrentTicketID
}

type TransferRecord struct {
	TransferID       string    `json:"transfer_id"`
	TicketID         string    `json:"ticket_id"`
	FromServiceID    string    `json:"from_service_id"`
	ToServiceID      string    `json:"to_service_id"`
	FromDepartmentID string    `json:"from_department_id"`
	ToDepartmentID   string    `json:"to_department_id"`
	Reason           string    `json:"reason,omitempty"`
	Notes            string    `json:"notes,omitempty"`
	Actor            string    `json:"actor,omitempty"`
	NewPosition      int       `json:"new_position"`
	TransferredAt    time.Time `json:"transferred_at"`
}

type ArchivedTicket struct {
	OriginalTicketID string           `json:"original_ticket_id"`
	Ticket           Ticket           `json:"ticket"`
	Transfers        []TransferRecord `json:"transfers"`
	ArchivedAt       time.Time        `json:"archived_at"`
}
