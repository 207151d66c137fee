// Package notify hands committed queue changes to the customer-facing
// notification channel. Content and delivery belong to the provider; the
// engine only calls Notify and never waits on the result.
package notify

import (
	"context"
	"strconv"
	"strings"

	"qms/queue-engine/internal/models"
)

type Notification struct {
	Type         string
	DepartmentID string
	Ticket       models.Ticket
	Actor        string
	// Waiting is the department's queue right after the change.
	Waiting []models.Ticket
}

type Sender interface {
	Notify(ctx context.Context, n Notification) error
}

var templates = map[string]string{
	models.EventTicketCalled:      "Ticket {number}: it is your turn.",
	models.EventTicketTransferred: "Ticket {number} moved to a new queue, you are number {position} in line.",
	models.EventTicketCancelled:   "Ticket {number} was cancelled.",
}

// Render returns the customer message for n, or "" when the event type
// carries no customer message.
func Render(n Notification) string {
	template, ok := templates[n.Type]
	if !ok {
		return ""
	}
	result := template
	result = strings.ReplaceAll(result, "{number}", strconv.FormatInt(n.Ticket.Number, 10))
	result = strings.ReplaceAll(result, "{department_id}", n.DepartmentID)
	result = strings.ReplaceAll(result, "{position}", strconv.Itoa(Position(n.Waiting, n.Ticket.TicketID)))
	return result
}

// Position is the 1-based place of ticketID in waiting, or 0 when absent.
func Position(waiting []models.Ticket, ticketID string) int {
	for i, ticket := range waiting {
		if ticket.TicketID == ticketID {
			return i + 1
		}
	}
	return 0
}
