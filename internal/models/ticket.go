package models

import "time"

type Ticket struct {
	TicketID             string     `json:"ticket_id"`
	Number               int64      `json:"number"`
	DepartmentID         string     `json:"department_id"`
	OriginDepartmentID   string     `json:"origin_department_id"`
	ServiceID            string     `json:"service_id"`
	Status               string     `json:"status"`
	Priority             int        `json:"priority"`
	CreatedAt            time.Time  `json:"created_at"`
	QueuedAt             time.Time  `json:"queued_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	CalledAt             *time.Time `json:"called_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	CustomerPhone        string     `json:"customer_phone,omitempty"`
	EstimatedServiceTime int        `json:"estimated_service_time,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusServing   = "serving"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// IsTerminal reports whether no further transition is possible from status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

// Before reports whether t is served ahead of other: higher priority first,
// then the earliest queue entry, then the lowest number.
func (t Ticket) Before(other Ticket) bool {
	if t.Priority != other.Priority {
		return t.Priority > other.Priority
	}
	if !t.QueuedAt.Equal(other.QueuedAt) {
		return t.QueuedAt.Before(other.QueuedAt)
	}
	return t.Number < other.Number
}
