package store

import "qms/queue-engine/internal/models"

const (
	ActionIssue    = "issue"
	ActionCallNext = "call_next"
	ActionAdvance  = "advance"
	ActionComplete = "complete"
	ActionSkip     = "skip"
	ActionTransfer = "transfer"
	ActionReset    = "reset"
)

var transitionMap = map[string][]string{
	ActionCallNext: {models.StatusWaiting},
	ActionAdvance:  {models.StatusServing},
	ActionComplete: {models.StatusServing},
	ActionSkip:     {models.StatusServing},
	ActionTransfer: {models.StatusWaiting, models.StatusServing},
	ActionReset:    {models.StatusWaiting, models.StatusServing},
}

var targetStatus = map[string]string{
	ActionCallNext: models.StatusServing,
	ActionAdvance:  models.StatusCompleted,
	ActionComplete: models.StatusCompleted,
	ActionSkip:     models.StatusCancelled,
	ActionTransfer: models.StatusWaiting,
	ActionReset:    models.StatusCancelled,
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// TargetStatus returns the status a ticket lands in after action.
func TargetStatus(action string) (string, bool) {
	status, ok := targetStatus[action]
	return status, ok
}

// EventType maps a finishing action to the outbox event it produces.
func EventType(action string) string {
	switch action {
	case ActionCallNext:
		return models.EventTicketCalled
	case ActionAdvance, ActionComplete:
		return models.EventTicketCompleted
	case ActionSkip, ActionReset:
		return models.EventTicketCancelled
	case ActionTransfer:
		return models.EventTicketTransferred
	default:
		return ""
	}
}
