// Package memory is an in-process TicketStore. Every operation holds the
// store mutex for its whole duration, which stands in for the row locks
// and conditional writes of the Postgres store. Select and claim are
// separate calls, so callers race exactly as they do against a database.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
)

var (
	_ store.TicketStore = (*Store)(nil)
	_ store.ArchiveSink = (*Store)(nil)
)

type actionRecord struct {
	ticketID   string
	transferID string
}

type Store struct {
	mu sync.Mutex

	tickets      map[string]*models.Ticket
	settings     map[string]*models.QueueSettings
	services     map[string]models.Service
	transfers    map[string][]models.TransferRecord
	archived     map[string]models.ArchivedTicket
	actions      map[string]actionRecord
	ticketEvents map[string][]store.TicketEvent
	outbox       []store.OutboxEvent

	now func() time.Time
}

func New() *Store {
	return &Store{
		tickets:      make(map[string]*models.Ticket),
		settings:     make(map[string]*models.QueueSettings),
		services:     make(map[string]models.Service),
		transfers:    make(map[string][]models.TransferRecord),
		archived:     make(map[string]models.ArchivedTicket),
		actions:      make(map[string]actionRecord),
		ticketEvents: make(map[string][]store.TicketEvent),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the clock used for timestamps the caller leaves zero.
func (m *Store) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// UpsertService registers a service and makes sure its department has a queue.
func (m *Store) UpsertService(_ context.Context, service models.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[service.ServiceID] = service
	m.ensureQueue(service.DepartmentID)
	return nil
}

// CreateQueue makes an empty queue for departmentID if none exists.
func (m *Store) CreateQueue(_ context.Context, departmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureQueue(departmentID)
	return nil
}

// SetUpdatedAt rewrites a ticket's last mutation time. Used to age tickets.
func (m *Store) SetUpdatedAt(ticketID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ticket, ok := m.tickets[ticketID]; ok {
		ticket.UpdatedAt = at
	}
}

// Archived returns the archive row for ticketID.
func (m *Store) Archived(ticketID string) (models.ArchivedTicket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	archived, ok := m.archived[ticketID]
	return archived, ok
}

func (m *Store) ensureQueue(departmentID string) *models.QueueSettings {
	settings, ok := m.settings[departmentID]
	if !ok {
		settings = &models.QueueSettings{DepartmentID: departmentID, UpdatedAt: m.now()}
		m.settings[departmentID] = settings
	}
	return settings
}

func (m *Store) IssueTicket(_ context.Context, input store.IssueTicketInput) (models.Ticket, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record, ok := m.findAction(store.ActionIssue, input.ServiceID, input.RequestID); ok {
		if ticket, found := m.tickets[record.ticketID]; found {
			return *ticket, false, nil
		}
		return models.Ticket{}, false, store.ErrTicketNotFound
	}

	service, ok := m.services[input.ServiceID]
	if !ok {
		return models.Ticket{}, false, store.ErrServiceNotFound
	}
	if !service.Active {
		return models.Ticket{}, false, store.ErrServiceInactive
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = m.now()
	}
	settings := m.ensureQueue(service.DepartmentID)
	settings.LastTicketNumber++
	settings.UpdatedAt = createdAt

	ticket := &models.Ticket{
		TicketID:             uuid.NewString(),
		Number:               settings.LastTicketNumber,
		DepartmentID:         service.DepartmentID,
		OriginDepartmentID:   service.DepartmentID,
		ServiceID:            service.ServiceID,
		Status:               models.StatusWaiting,
		Priority:             input.Priority,
		CreatedAt:            createdAt,
		QueuedAt:             createdAt,
		UpdatedAt:            createdAt,
		CustomerPhone:        input.CustomerPhone,
		EstimatedServiceTime: input.EstimatedServiceTime,
	}
	m.tickets[ticket.TicketID] = ticket
	m.recordAction(store.ActionIssue, service.ServiceID, input.RequestID, actionRecord{ticketID: ticket.TicketID})
	m.appendEvent(ticket.DepartmentID, models.EventTicketCreated, store.NewTicketPayload(*ticket, "", input.RequestID), createdAt)
	return *ticket, true, nil
}

func (m *Store) GetTicket(_ context.Context, ticketID string) (models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ticket, ok := m.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return *ticket, nil
}

// FindAction returns the ticket a previous request with the same id acted
// on within scope.
func (m *Store) FindAction(_ context.Context, action, scope, requestID string) (models.Ticket, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.findAction(action, scope, requestID)
	if !ok {
		return models.Ticket{}, false, nil
	}
	ticket, found := m.tickets[record.ticketID]
	if !found {
		return models.Ticket{}, false, store.ErrTicketNotFound
	}
	return *ticket, true, nil
}

func (m *Store) GetQueueSettings(_ context.Context, departmentID string) (models.QueueSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	settings, ok := m.settings[departmentID]
	if !ok {
		return models.QueueSettings{}, store.ErrQueueNotFound
	}
	return copySettings(*settings), nil
}

func (m *Store) ListWaiting(_ context.Context, departmentID string) ([]models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.settings[departmentID]; !ok {
		return nil, store.ErrQueueNotFound
	}
	return m.waiting(func(t *models.Ticket) bool { return t.DepartmentID == departmentID }), nil
}

func (m *Store) PeekNext(_ context.Context, departmentID string) (models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.settings[departmentID]; !ok {
		return models.Ticket{}, store.ErrQueueNotFound
	}
	waiting := m.waiting(func(t *models.Ticket) bool { return t.DepartmentID == departmentID })
	if len(waiting) == 0 {
		return models.Ticket{}, store.ErrNoTicket
	}
	return waiting[0], nil
}

func (m *Store) waiting(match func(t *models.Ticket) bool) []models.Ticket {
	var out []models.Ticket
	for _, ticket := range m.tickets {
		if ticket.Status == models.StatusWaiting && match(ticket) {
			out = append(out, *ticket)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (m *Store) ClaimTicket(_ context.Context, input store.ClaimInput) (store.ClaimResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record, ok := m.findAction(store.ActionCallNext, input.DepartmentID, input.RequestID); ok {
		ticket, found := m.tickets[record.ticketID]
		if !found {
			return store.ClaimResult{}, false, store.ErrTicketNotFound
		}
		return store.ClaimResult{Called: *ticket}, false, nil
	}

	settings, ok := m.settings[input.DepartmentID]
	if !ok {
		return store.ClaimResult{}, false, store.ErrQueueNotFound
	}
	if settings.CurrentID() != input.ExpectedCurrentID {
		return store.ClaimResult{}, false, store.ErrConflict
	}
	ticket, ok := m.tickets[input.TicketID]
	if !ok || ticket.DepartmentID != input.DepartmentID || ticket.Status != models.StatusWaiting {
		return store.ClaimResult{}, false, store.ErrConflict
	}

	var previous *models.Ticket
	if input.ExpectedCurrentID != "" {
		if !input.CompleteCurrent {
			return store.ClaimResult{}, false, store.ErrInvalidState
		}
		previous = m.tickets[input.ExpectedCurrentID]
		if previous == nil || !store.ValidTransition(store.ActionAdvance, previous.Status) {
			return store.ClaimResult{}, false, store.ErrConflict
		}
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = m.now()
	}

	var result store.ClaimResult
	if previous != nil {
		completedAt := calledAt
		previous.Status = models.StatusCompleted
		previous.CompletedAt = &completedAt
		previous.UpdatedAt = calledAt
		done := *previous
		result.Completed = &done
		m.appendEvent(previous.DepartmentID, models.EventTicketCompleted, store.NewTicketPayload(done, input.Actor, input.RequestID), calledAt)
	}

	ticket.Status = models.StatusServing
	ticket.CalledAt = &calledAt
	ticket.UpdatedAt = calledAt
	number := ticket.Number
	id := ticket.TicketID
	settings.CurrentServing = &number
	settings.CurrentTicketID = &id
	settings.UpdatedAt = calledAt

	result.Called = *ticket
	m.recordAction(store.ActionCallNext, input.DepartmentID, input.RequestID, actionRecord{ticketID: ticket.TicketID})
	m.appendEvent(ticket.DepartmentID, models.EventTicketCalled, store.NewTicketPayload(*ticket, input.Actor, input.RequestID), calledAt)
	return result, true, nil
}

func (m *Store) FinishTicket(_ context.Context, input store.FinishInput) (models.Ticket, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record, ok := m.findAction(input.Action, input.DepartmentID, input.RequestID); ok {
		ticket, found := m.tickets[record.ticketID]
		if !found {
			return models.Ticket{}, false, store.ErrTicketNotFound
		}
		return *ticket, false, nil
	}

	target, ok := store.TargetStatus(input.Action)
	if !ok || (input.Action != store.ActionComplete && input.Action != store.ActionSkip) {
		return models.Ticket{}, false, store.ErrInvalidState
	}
	settings, ok := m.settings[input.DepartmentID]
	if !ok {
		return models.Ticket{}, false, store.ErrQueueNotFound
	}
	if input.TicketID != "" {
		if _, exists := m.tickets[input.TicketID]; !exists {
			return models.Ticket{}, false, store.ErrTicketNotFound
		}
		if settings.CurrentID() != input.TicketID {
			return models.Ticket{}, false, store.ErrInvalidState
		}
	}
	if !settings.Serving() {
		return models.Ticket{}, false, store.ErrInvalidState
	}
	ticket, ok := m.tickets[settings.CurrentID()]
	if !ok || !store.ValidTransition(input.Action, ticket.Status) {
		return models.Ticket{}, false, store.ErrInvalidState
	}

	at := input.OccurredAt
	if at.IsZero() {
		at = m.now()
	}
	ticket.Status = target
	ticket.CompletedAt = &at
	ticket.UpdatedAt = at
	settings.CurrentServing = nil
	settings.CurrentTicketID = nil
	settings.UpdatedAt = at

	m.recordAction(input.Action, input.DepartmentID, input.RequestID, actionRecord{ticketID: ticket.TicketID})
	m.appendEvent(ticket.DepartmentID, store.EventType(input.Action), store.NewTicketPayload(*ticket, input.Actor, input.RequestID), at)
	return *ticket, true, nil
}

func (m *Store) TransferTicket(_ context.Context, input store.TransferInput) (store.TransferResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record, ok := m.findAction(store.ActionTransfer, input.TicketID, input.RequestID); ok {
		return m.replayTransfer(record)
	}

	service, ok := m.services[input.TargetServiceID]
	if !ok {
		return store.TransferResult{}, false, store.ErrServiceNotFound
	}
	if !service.Active {
		return store.TransferResult{}, false, store.ErrServiceInactive
	}
	ticket, ok := m.tickets[input.TicketID]
	if !ok {
		return store.TransferResult{}, false, store.ErrTicketNotFound
	}
	if !store.ValidTransition(store.ActionTransfer, ticket.Status) {
		return store.TransferResult{}, false, store.ErrInvalidState
	}
	if ticket.Status == models.StatusWaiting && ticket.ServiceID == service.ServiceID {
		return store.TransferResult{}, false, store.ErrInvalidState
	}

	at := input.OccurredAt
	if at.IsZero() {
		at = m.now()
	}
	position := len(m.waiting(func(t *models.Ticket) bool { return t.ServiceID == service.ServiceID })) + 1

	wasServing := ticket.Status == models.StatusServing
	if wasServing {
		if source, ok := m.settings[ticket.DepartmentID]; ok && source.CurrentID() == ticket.TicketID {
			source.CurrentServing = nil
			source.CurrentTicketID = nil
			source.UpdatedAt = at
		}
	}
	m.ensureQueue(service.DepartmentID)

	record := models.TransferRecord{
		TransferID:       uuid.NewString(),
		TicketID:         ticket.TicketID,
		FromServiceID:    ticket.ServiceID,
		ToServiceID:      service.ServiceID,
		FromDepartmentID: ticket.DepartmentID,
		ToDepartmentID:   service.DepartmentID,
		Reason:           input.Reason,
		Notes:            input.Notes,
		Actor:            input.Actor,
		NewPosition:      position,
		TransferredAt:    at,
	}
	ticket.ServiceID = service.ServiceID
	ticket.DepartmentID = service.DepartmentID
	ticket.Status = models.StatusWaiting
	ticket.CalledAt = nil
	ticket.QueuedAt = at
	ticket.UpdatedAt = at
	m.transfers[ticket.TicketID] = append(m.transfers[ticket.TicketID], record)

	m.recordAction(store.ActionTransfer, input.TicketID, input.RequestID, actionRecord{ticketID: ticket.TicketID, transferID: record.TransferID})
	payload := store.NewTicketPayload(*ticket, input.Actor, input.RequestID).WithTransfer(record)
	m.appendEvent(record.FromDepartmentID, models.EventTicketTransferred, payload, at)
	if record.ToDepartmentID != record.FromDepartmentID {
		m.appendOutbox(record.ToDepartmentID, models.EventTicketTransferred, payload, at)
	}
	return store.TransferResult{Ticket: *ticket, Record: record, WasServing: wasServing}, true, nil
}

func (m *Store) replayTransfer(record actionRecord) (store.TransferResult, bool, error) {
	ticket, ok := m.tickets[record.ticketID]
	if !ok {
		return store.TransferResult{}, false, store.ErrTicketNotFound
	}
	for _, transfer := range m.transfers[record.ticketID] {
		if transfer.TransferID == record.transferID {
			return store.TransferResult{Ticket: *ticket, Record: transfer}, false, nil
		}
	}
	return store.TransferResult{}, false, store.ErrTicketNotFound
}

func (m *Store) ListTransfers(_ context.Context, ticketID string) ([]models.TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tickets[ticketID]; !ok {
		if archived, found := m.archived[ticketID]; found {
			return append([]models.TransferRecord(nil), archived.Transfers...), nil
		}
		return nil, store.ErrTicketNotFound
	}
	return append([]models.TransferRecord(nil), m.transfers[ticketID]...), nil
}

func (m *Store) ResetQueue(_ context.Context, input store.ResetInput) (store.ResetResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	settings, ok := m.settings[input.DepartmentID]
	if !ok {
		return store.ResetResult{}, store.ErrQueueNotFound
	}
	at := input.OccurredAt
	if at.IsZero() {
		at = m.now()
	}

	var cancelled []models.Ticket
	for _, ticket := range m.tickets {
		if ticket.DepartmentID != input.DepartmentID || !store.ValidTransition(store.ActionReset, ticket.Status) {
			continue
		}
		ticket.Status = models.StatusCancelled
		ticket.CompletedAt = &at
		ticket.UpdatedAt = at
		cancelled = append(cancelled, *ticket)
	}
	sort.Slice(cancelled, func(i, j int) bool { return cancelled[i].Number < cancelled[j].Number })
	for _, ticket := range cancelled {
		m.appendTicketEvent(ticket.TicketID, models.EventTicketCancelled, store.NewTicketPayload(ticket, input.Actor, ""), at)
	}

	settings.CurrentServing = nil
	settings.CurrentTicketID = nil
	settings.LastTicketNumber = 0
	settings.UpdatedAt = at

	ids := make([]string, 0, len(cancelled))
	for _, ticket := range cancelled {
		ids = append(ids, ticket.TicketID)
	}
	m.appendOutbox(input.DepartmentID, models.EventQueueReset, map[string]interface{}{
		"department_id": input.DepartmentID,
		"cancelled":     ids,
		"actor":         input.Actor,
	}, at)
	return store.ResetResult{Cancelled: cancelled}, nil
}

func (m *Store) ListTerminalTickets(_ context.Context, filter store.TerminalFilter) ([]models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Ticket
	for _, ticket := range m.tickets {
		if ticket.DepartmentID != filter.DepartmentID || !models.IsTerminal(ticket.Status) {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !ticket.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		out = append(out, *ticket)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Store) AppendArchived(_ context.Context, archived models.ArchivedTicket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.archived[archived.OriginalTicketID]; exists {
		return nil
	}
	archived.Transfers = append([]models.TransferRecord(nil), archived.Transfers...)
	m.archived[archived.OriginalTicketID] = archived
	return nil
}

func (m *Store) DeleteArchivedTicket(_ context.Context, ticketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ticket, ok := m.tickets[ticketID]
	if !ok {
		return store.ErrTicketNotFound
	}
	if !models.IsTerminal(ticket.Status) {
		return store.ErrInvalidState
	}
	if _, archived := m.archived[ticketID]; !archived {
		return store.ErrNotArchived
	}
	delete(m.tickets, ticketID)
	delete(m.transfers, ticketID)
	return nil
}

func (m *Store) ListDepartments(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.settings))
	for id := range m.settings {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Store) ListOutboxEvents(_ context.Context, departmentID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []store.OutboxEvent
	for _, event := range m.outbox {
		if departmentID != "" && event.DepartmentID != departmentID {
			continue
		}
		if !event.CreatedAt.After(after) {
			continue
		}
		out = append(out, event)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Store) ListTicketEvents(_ context.Context, ticketID string) ([]store.TicketEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.TicketEvent(nil), m.ticketEvents[ticketID]...), nil
}

func (m *Store) findAction(action, scope, requestID string) (actionRecord, bool) {
	if requestID == "" {
		return actionRecord{}, false
	}
	record, ok := m.actions[actionKey(action, scope, requestID)]
	return record, ok
}

func (m *Store) recordAction(action, scope, requestID string, record actionRecord) {
	if requestID == "" {
		return
	}
	m.actions[actionKey(action, scope, requestID)] = record
}

func actionKey(action, scope, requestID string) string {
	return action + "|" + scope + "|" + requestID
}

func (m *Store) appendEvent(departmentID, eventType string, payload store.TicketPayload, at time.Time) {
	m.appendOutbox(departmentID, eventType, payload, at)
	m.appendTicketEvent(payload.TicketID, eventType, payload, at)
}

func (m *Store) appendOutbox(departmentID, eventType string, payload interface{}, at time.Time) {
	body, _ := json.Marshal(payload)
	m.outbox = append(m.outbox, store.OutboxEvent{
		EventID:      uuid.NewString(),
		DepartmentID: departmentID,
		Type:         eventType,
		Payload:      body,
		CreatedAt:    at,
	})
}

func (m *Store) appendTicketEvent(ticketID, eventType string, payload store.TicketPayload, at time.Time) {
	body, _ := json.Marshal(payload)
	chain := m.ticketEvents[ticketID]
	var last *store.TicketEvent
	if len(chain) > 0 {
		last = &chain[len(chain)-1]
	}
	m.ticketEvents[ticketID] = append(chain, store.NextTicketEvent(last, ticketID, eventType, body, at))
}

func copySettings(settings models.QueueSettings) models.QueueSettings {
	if settings.CurrentServing != nil {
		number := *settings.CurrentServing
		settings.CurrentServing = &number
	}
	if settings.CurrentTicketID != nil {
		id := *settings.CurrentTicketID
		settings.CurrentTicketID = &id
	}
	return settings
}
