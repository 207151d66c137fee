// Package postgres implements store.TicketStore on PostgreSQL.
//
// Every mutating operation is one transaction. Locks are always taken in
// the order services, queue_settings, tickets so concurrent operations
// cannot deadlock each other.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	_ store.TicketStore = (*Store)(nil)
	_ store.ArchiveSink = (*Store)(nil)
)

const ticketColumns = `ticket_id, number, department_id, origin_department_id, service_id, status, priority,
	created_at, queued_at, updated_at, called_at, completed_at, customer_phone, estimated_service_time`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpsertService registers or updates a service and makes sure its
// department has a settings row.
func (s *Store) UpsertService(ctx context.Context, service models.Service) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO services (service_id, department_id, name, active)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (service_id)
			DO UPDATE SET department_id = EXCLUDED.department_id, name = EXCLUDED.name, active = EXCLUDED.active
		`, service.ServiceID, service.DepartmentID, service.Name, service.Active); err != nil {
			return err
		}
		return ensureQueue(ctx, tx, service.DepartmentID, time.Now().UTC())
	})
}

func (s *Store) CreateQueue(ctx context.Context, departmentID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return ensureQueue(ctx, tx, departmentID, time.Now().UTC())
	})
}

func (s *Store) IssueTicket(ctx context.Context, input store.IssueTicketInput) (models.Ticket, bool, error) {
	var ticket models.Ticket
	var created bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		existing, found, err := findAction(ctx, tx, store.ActionIssue, input.ServiceID, input.RequestID)
		if err != nil || found {
			ticket = existing
			return err
		}

		service, err := lockService(ctx, tx, input.ServiceID, "FOR SHARE")
		if err != nil {
			return err
		}
		createdAt := input.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}

		var number int64
		row := tx.QueryRow(ctx, `
			INSERT INTO queue_settings (department_id, last_ticket_number, updated_at)
			VALUES ($1, 1, $2)
			ON CONFLICT (department_id)
			DO UPDATE SET last_ticket_number = queue_settings.last_ticket_number + 1, updated_at = EXCLUDED.updated_at
			RETURNING last_ticket_number
		`, service.DepartmentID, createdAt)
		if err := row.Scan(&number); err != nil {
			return err
		}

		ticket, err = scanTicket(tx.QueryRow(ctx, `
			INSERT INTO tickets (
				ticket_id, request_id, number, department_id, origin_department_id, service_id, status,
				priority, created_at, queued_at, updated_at, customer_phone, estimated_service_time
			) VALUES ($1,$2,$3,$4,$4,$5,$6,$7,$8,$8,$8,$9,$10)
			RETURNING `+ticketColumns,
			uuid.NewString(), nullIfEmpty(input.RequestID), number, service.DepartmentID, service.ServiceID,
			models.StatusWaiting, input.Priority, createdAt, nullIfEmpty(input.CustomerPhone), input.EstimatedServiceTime))
		if err != nil {
			return err
		}
		if err := insertActionRequest(ctx, tx, store.ActionIssue, input.ServiceID, input.RequestID, ticket.TicketID, ""); err != nil {
			return err
		}
		created = true
		return insertEvent(ctx, tx, ticket.DepartmentID, models.EventTicketCreated, store.NewTicketPayload(ticket, "", input.RequestID), createdAt)
	})
	if err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, created, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return getTicket(ctx, s.pool, ticketID, "")
}

func (s *Store) FindAction(ctx context.Context, action, scope, requestID string) (models.Ticket, bool, error) {
	return findAction(ctx, s.pool, action, scope, requestID)
}

func (s *Store) GetQueueSettings(ctx context.Context, departmentID string) (models.QueueSettings, error) {
	return getSettings(ctx, s.pool, departmentID, "")
}

func (s *Store) ListWaiting(ctx context.Context, departmentID string) ([]models.Ticket, error) {
	if err := queueExists(ctx, s.pool, departmentID); err != nil {
		return nil, err
	}
	return queryTickets(ctx, s.pool, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE department_id = $1 AND status = 'waiting'
		ORDER BY priority DESC, queued_at ASC, number ASC
	`, departmentID)
}

func (s *Store) PeekNext(ctx context.Context, departmentID string) (models.Ticket, error) {
	ticket, err := scanTicket(s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE department_id = $1 AND status = 'waiting'
		ORDER BY priority DESC, queued_at ASC, number ASC
		LIMIT 1
	`, departmentID))
	if errors.Is(err, pgx.ErrNoRows) {
		if err := queueExists(ctx, s.pool, departmentID); err != nil {
			return models.Ticket{}, err
		}
		return models.Ticket{}, store.ErrNoTicket
	}
	return ticket, err
}

// ClaimTicket locks the department's settings row first. The claim only
// lands when the current ticket still matches the caller's observation
// and the chosen ticket is still waiting; otherwise it reports
// store.ErrConflict and writes nothing.
func (s *Store) ClaimTicket(ctx context.Context, input store.ClaimInput) (store.ClaimResult, bool, error) {
	var result store.ClaimResult
	var created bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		existing, found, err := findAction(ctx, tx, store.ActionCallNext, input.DepartmentID, input.RequestID)
		if err != nil || found {
			result.Called = existing
			return err
		}

		settings, err := getSettings(ctx, tx, input.DepartmentID, "FOR UPDATE")
		if err != nil {
			return err
		}
		if settings.CurrentID() != input.ExpectedCurrentID {
			return store.ErrConflict
		}
		if input.ExpectedCurrentID != "" && !input.CompleteCurrent {
			return store.ErrInvalidState
		}

		calledAt := input.CalledAt
		if calledAt.IsZero() {
			calledAt = time.Now().UTC()
		}

		if input.ExpectedCurrentID != "" {
			previous, err := scanTicket(tx.QueryRow(ctx, `
				UPDATE tickets
				SET status = 'completed', completed_at = $2, updated_at = $2
				WHERE ticket_id = $1 AND status = 'serving'
				RETURNING `+ticketColumns,
				input.ExpectedCurrentID, calledAt))
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return store.ErrConflict
				}
				return err
			}
			result.Completed = &previous
		}

		called, err := scanTicket(tx.QueryRow(ctx, `
			UPDATE tickets
			SET status = 'serving', called_at = $3, updated_at = $3
			WHERE ticket_id = $1 AND department_id = $2 AND status = 'waiting'
			RETURNING `+ticketColumns,
			input.TicketID, input.DepartmentID, calledAt))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrConflict
			}
			return err
		}
		result.Called = called

		if _, err := tx.Exec(ctx, `
			UPDATE queue_settings
			SET current_serving = $2, current_ticket_id = $3, updated_at = $4
			WHERE department_id = $1
		`, input.DepartmentID, called.Number, called.TicketID, calledAt); err != nil {
			return err
		}
		if err := insertActionRequest(ctx, tx, store.ActionCallNext, input.DepartmentID, input.RequestID, called.TicketID, ""); err != nil {
			return err
		}
		if result.Completed != nil {
			payload := store.NewTicketPayload(*result.Completed, input.Actor, input.RequestID)
			if err := insertEvent(ctx, tx, result.Completed.DepartmentID, models.EventTicketCompleted, payload, calledAt); err != nil {
				return err
			}
		}
		created = true
		return insertEvent(ctx, tx, called.DepartmentID, models.EventTicketCalled, store.NewTicketPayload(called, input.Actor, input.RequestID), calledAt)
	})
	if err != nil {
		return store.ClaimResult{}, false, err
	}
	return result, created, nil
}

func (s *Store) FinishTicket(ctx context.Context, input store.FinishInput) (models.Ticket, bool, error) {
	target, ok := store.TargetStatus(input.Action)
	if !ok || (input.Action != store.ActionComplete && input.Action != store.ActionSkip) {
		return models.Ticket{}, false, store.ErrInvalidState
	}

	var ticket models.Ticket
	var created bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		existing, found, err := findAction(ctx, tx, input.Action, input.DepartmentID, input.RequestID)
		if err != nil || found {
			ticket = existing
			return err
		}

		settings, err := getSettings(ctx, tx, input.DepartmentID, "FOR UPDATE")
		if err != nil {
			return err
		}
		if input.TicketID != "" {
			if _, err := getTicket(ctx, tx, input.TicketID, ""); err != nil {
				return err
			}
			if settings.CurrentID() != input.TicketID {
				return store.ErrInvalidState
			}
		}
		if !settings.Serving() {
			return store.ErrInvalidState
		}

		at := input.OccurredAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		ticket, err = scanTicket(tx.QueryRow(ctx, `
			UPDATE tickets
			SET status = $2, completed_at = $3, updated_at = $3
			WHERE ticket_id = $1 AND status = 'serving'
			RETURNING `+ticketColumns,
			settings.CurrentID(), target, at))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrInvalidState
			}
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE queue_settings
			SET current_serving = NULL, current_ticket_id = NULL, updated_at = $2
			WHERE department_id = $1
		`, input.DepartmentID, at); err != nil {
			return err
		}
		if err := insertActionRequest(ctx, tx, input.Action, input.DepartmentID, input.RequestID, ticket.TicketID, ""); err != nil {
			return err
		}
		created = true
		return insertEvent(ctx, tx, ticket.DepartmentID, store.EventType(input.Action), store.NewTicketPayload(ticket, input.Actor, input.RequestID), at)
	})
	if err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, created, nil
}

// TransferTicket holds the target service row for the whole transaction,
// so concurrent transfers into one service are numbered one after another.
func (s *Store) TransferTicket(ctx context.Context, input store.TransferInput) (store.TransferResult, bool, error) {
	var result store.TransferResult
	var created bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		replay, found, err := findTransferAction(ctx, tx, input.TicketID, input.RequestID)
		if err != nil || found {
			result = replay
			return err
		}

		service, err := lockService(ctx, tx, input.TargetServiceID, "FOR UPDATE")
		if err != nil {
			return err
		}
		observed, err := getTicket(ctx, tx, input.TicketID, "")
		if err != nil {
			return err
		}
		source, err := getSettings(ctx, tx, observed.DepartmentID, "FOR UPDATE")
		if err != nil && !errors.Is(err, store.ErrQueueNotFound) {
			return err
		}
		ticket, err := getTicket(ctx, tx, input.TicketID, "FOR UPDATE")
		if err != nil {
			return err
		}
		if ticket.DepartmentID != observed.DepartmentID {
			return store.ErrConflict
		}
		if !store.ValidTransition(store.ActionTransfer, ticket.Status) {
			return store.ErrInvalidState
		}
		if ticket.Status == models.StatusWaiting && ticket.ServiceID == service.ServiceID {
			return store.ErrInvalidState
		}

		at := input.OccurredAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		var waiting int
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM tickets WHERE service_id = $1 AND status = 'waiting'
		`, service.ServiceID).Scan(&waiting); err != nil {
			return err
		}
		if err := ensureQueue(ctx, tx, service.DepartmentID, at); err != nil {
			return err
		}

		result.WasServing = ticket.Status == models.StatusServing
		if result.WasServing && source.CurrentID() == ticket.TicketID {
			if _, err := tx.Exec(ctx, `
				UPDATE queue_settings
				SET current_serving = NULL, current_ticket_id = NULL, updated_at = $2
				WHERE department_id = $1
			`, ticket.DepartmentID, at); err != nil {
				return err
			}
		}

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
			NewPosition:      waiting + 1,
			TransferredAt:    at,
		}
		moved, err := scanTicket(tx.QueryRow(ctx, `
			UPDATE tickets
			SET service_id = $2, department_id = $3, status = 'waiting', called_at = NULL, queued_at = $4, updated_at = $4
			WHERE ticket_id = $1
			RETURNING `+ticketColumns,
			ticket.TicketID, service.ServiceID, service.DepartmentID, at))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO transfer_records (
				transfer_id, ticket_id, from_service_id, to_service_id, from_department_id, to_department_id,
				reason, notes, actor, new_position, transferred_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, record.TransferID, record.TicketID, record.FromServiceID, record.ToServiceID, record.FromDepartmentID,
			record.ToDepartmentID, nullIfEmpty(record.Reason), nullIfEmpty(record.Notes), nullIfEmpty(record.Actor),
			record.NewPosition, record.TransferredAt); err != nil {
			return err
		}
		if err := insertActionRequest(ctx, tx, store.ActionTransfer, input.TicketID, input.RequestID, moved.TicketID, record.TransferID); err != nil {
			return err
		}

		payload := store.NewTicketPayload(moved, input.Actor, input.RequestID).WithTransfer(record)
		if err := insertEvent(ctx, tx, record.FromDepartmentID, models.EventTicketTransferred, payload, at); err != nil {
			return err
		}
		if record.ToDepartmentID != record.FromDepartmentID {
			body, err := jsonBytes(payload)
			if err != nil {
				return err
			}
			if err := insertOutboxEvent(ctx, tx, record.ToDepartmentID, models.EventTicketTransferred, body, at); err != nil {
				return err
			}
		}
		result.Ticket = moved
		result.Record = record
		created = true
		return nil
	})
	if err != nil {
		return store.TransferResult{}, false, err
	}
	return result, created, nil
}

// ListTransfers reads live history first and falls back to the archived
// copy once the ticket has been cleaned up.
func (s *Store) ListTransfers(ctx context.Context, ticketID string) ([]models.TransferRecord, error) {
	if _, err := getTicket(ctx, s.pool, ticketID, ""); err != nil {
		if !errors.Is(err, store.ErrTicketNotFound) {
			return nil, err
		}
		archived, found, err := s.getArchived(ctx, ticketID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, store.ErrTicketNotFound
		}
		return archived.Transfers, nil
	}
	return listTransfers(ctx, s.pool, ticketID)
}

func (s *Store) ResetQueue(ctx context.Context, input store.ResetInput) (store.ResetResult, error) {
	var cancelled []models.Ticket
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := getSettings(ctx, tx, input.DepartmentID, "FOR UPDATE"); err != nil {
			return err
		}
		at := input.OccurredAt
		if at.IsZero() {
			at = time.Now().UTC()
		}

		var err error
		cancelled, err = queryTickets(ctx, tx, `
			UPDATE tickets
			SET status = 'cancelled', completed_at = $2, updated_at = $2
			WHERE department_id = $1 AND status IN ('waiting', 'serving')
			RETURNING `+ticketColumns,
			input.DepartmentID, at)
		if err != nil {
			return err
		}
		sort.Slice(cancelled, func(i, j int) bool { return cancelled[i].Number < cancelled[j].Number })

		ids := make([]string, 0, len(cancelled))
		for _, ticket := range cancelled {
			ids = append(ids, ticket.TicketID)
			body, err := jsonBytes(store.NewTicketPayload(ticket, input.Actor, ""))
			if err != nil {
				return err
			}
			if err := insertTicketEvent(ctx, tx, ticket.TicketID, models.EventTicketCancelled, body, at); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE queue_settings
			SET current_serving = NULL, current_ticket_id = NULL, last_ticket_number = 0, updated_at = $2
			WHERE department_id = $1
		`, input.DepartmentID, at); err != nil {
			return err
		}
		body, err := jsonBytes(map[string]interface{}{
			"department_id": input.DepartmentID,
			"cancelled":     ids,
			"actor":         input.Actor,
		})
		if err != nil {
			return err
		}
		return insertOutboxEvent(ctx, tx, input.DepartmentID, models.EventQueueReset, body, at)
	})
	if err != nil {
		return store.ResetResult{}, err
	}
	return store.ResetResult{Cancelled: cancelled}, nil
}

func (s *Store) ListTerminalTickets(ctx context.Context, filter store.TerminalFilter) ([]models.Ticket, error) {
	query := `
		SELECT ` + ticketColumns + `
		FROM tickets
		WHERE department_id = $1 AND status IN ('completed', 'cancelled')
	`
	args := []interface{}{filter.DepartmentID}
	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore)
		query += " AND updated_at < $2"
	}
	query += " ORDER BY updated_at ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		if len(args) == 3 {
			query += " LIMIT $3"
		} else {
			query += " LIMIT $2"
		}
	}
	return queryTickets(ctx, s.pool, query, args...)
}

// AppendArchived keeps the first archive row written for a ticket.
func (s *Store) AppendArchived(ctx context.Context, archived models.ArchivedTicket) error {
	if archived.Transfers == nil {
		archived.Transfers = []models.TransferRecord{}
	}
	body, err := jsonBytes(archived)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO archived_tickets (original_ticket_id, department_id, payload, archived_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (original_ticket_id) DO NOTHING
	`, archived.OriginalTicketID, archived.Ticket.DepartmentID, body, archived.ArchivedAt)
	return err
}

// DeleteArchivedTicket removes a terminal ticket only when its archive row
// exists; the guard lives in the statement itself.
func (s *Store) DeleteArchivedTicket(ctx context.Context, ticketID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM tickets t
		WHERE t.ticket_id = $1
		  AND t.status IN ('completed', 'cancelled')
		  AND EXISTS (SELECT 1 FROM archived_tickets a WHERE a.original_ticket_id = t.ticket_id)
	`, ticketID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	ticket, err := getTicket(ctx, s.pool, ticketID, "")
	if err != nil {
		return err
	}
	if !models.IsTerminal(ticket.Status) {
		return store.ErrInvalidState
	}
	return store.ErrNotArchived
}

func (s *Store) ListDepartments(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT department_id FROM queue_settings ORDER BY department_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var departments []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		departments = append(departments, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return departments, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, departmentID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, department_id, type, payload_json, created_at
		FROM outbox_events
		WHERE created_at > $1
	`
	args := []interface{}{after}
	if departmentID != "" {
		query += " AND department_id = $3"
	}
	query += " ORDER BY created_at ASC LIMIT $2"
	args = append(args, limit)
	if departmentID != "" {
		args = append(args, departmentID)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.DepartmentID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		var payload []byte
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = json.RawMessage(payload)
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) getArchived(ctx context.Context, ticketID string) (models.ArchivedTicket, bool, error) {
	var body []byte
	row := s.pool.QueryRow(ctx, `
		SELECT payload FROM archived_tickets WHERE original_ticket_id = $1
	`, ticketID)
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ArchivedTicket{}, false, nil
		}
		return models.ArchivedTicket{}, false, err
	}
	var archived models.ArchivedTicket
	if err := json.Unmarshal(body, &archived); err != nil {
		return models.ArchivedTicket{}, false, err
	}
	return archived, true, nil
}

func ensureQueue(ctx context.Context, tx pgx.Tx, departmentID string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO queue_settings (department_id, updated_at)
		VALUES ($1, $2)
		ON CONFLICT (department_id) DO NOTHING
	`, departmentID, at)
	return err
}

func queueExists(ctx context.Context, q querier, departmentID string) error {
	var one int
	row := q.QueryRow(ctx, `SELECT 1 FROM queue_settings WHERE department_id = $1`, departmentID)
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrQueueNotFound
		}
		return err
	}
	return nil
}

// lockService reads a service row under lock ("FOR SHARE" or "FOR UPDATE").
func lockService(ctx context.Context, tx pgx.Tx, serviceID, lock string) (models.Service, error) {
	var service models.Service
	row := tx.QueryRow(ctx, `
		SELECT service_id, department_id, name, active
		FROM services
		WHERE service_id = $1
	`+lock, serviceID)
	if err := row.Scan(&service.ServiceID, &service.DepartmentID, &service.Name, &service.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Service{}, store.ErrServiceNotFound
		}
		return models.Service{}, err
	}
	if !service.Active {
		return models.Service{}, store.ErrServiceInactive
	}
	return service, nil
}

func getSettings(ctx context.Context, q querier, departmentID, lock string) (models.QueueSettings, error) {
	var settings models.QueueSettings
	var currentServing sql.NullInt64
	var currentTicketID sql.NullString
	row := q.QueryRow(ctx, `
		SELECT department_id, current_serving, current_ticket_id, last_ticket_number, updated_at
		FROM queue_settings
		WHERE department_id = $1
	`+lock, departmentID)
	if err := row.Scan(&settings.DepartmentID, &currentServing, &currentTicketID, &settings.LastTicketNumber, &settings.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueSettings{}, store.ErrQueueNotFound
		}
		return models.QueueSettings{}, err
	}
	if currentServing.Valid {
		settings.CurrentServing = &currentServing.Int64
	}
	settings.CurrentTicketID = nullStringPtr(currentTicketID)
	return settings, nil
}

func getTicket(ctx context.Context, q querier, ticketID, lock string) (models.Ticket, error) {
	ticket, err := scanTicket(q.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = $1
	`+lock, ticketID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, err
}

func queryTickets(ctx context.Context, q querier, query string, args ...interface{}) ([]models.Ticket, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var calledAt sql.NullTime
	var completedAt sql.NullTime
	var phone sql.NullString
	if err := row.Scan(&ticket.TicketID, &ticket.Number, &ticket.DepartmentID, &ticket.OriginDepartmentID, &ticket.ServiceID,
		&ticket.Status, &ticket.Priority, &ticket.CreatedAt, &ticket.QueuedAt, &ticket.UpdatedAt, &calledAt, &completedAt,
		&phone, &ticket.EstimatedServiceTime); err != nil {
		return models.Ticket{}, err
	}
	ticket.CreatedAt = ticket.CreatedAt.UTC()
	ticket.QueuedAt = ticket.QueuedAt.UTC()
	ticket.UpdatedAt = ticket.UpdatedAt.UTC()
	ticket.CalledAt = nullTimePtr(calledAt)
	ticket.CompletedAt = nullTimePtr(completedAt)
	if phone.Valid {
		ticket.CustomerPhone = phone.String
	}
	return ticket, nil
}

func listTransfers(ctx context.Context, q querier, ticketID string) ([]models.TransferRecord, error) {
	rows, err := q.Query(ctx, `
		SELECT transfer_id, ticket_id, from_service_id, to_service_id, from_department_id, to_department_id,
			reason, notes, actor, new_position, transferred_at
		FROM transfer_records
		WHERE ticket_id = $1
		ORDER BY transferred_at ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.TransferRecord
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func scanTransfer(row pgx.Row) (models.TransferRecord, error) {
	var record models.TransferRecord
	var reason, notes, actor sql.NullString
	if err := row.Scan(&record.TransferID, &record.TicketID, &record.FromServiceID, &record.ToServiceID,
		&record.FromDepartmentID, &record.ToDepartmentID, &reason, &notes, &actor, &record.NewPosition,
		&record.TransferredAt); err != nil {
		return models.TransferRecord{}, err
	}
	record.Reason = reason.String
	record.Notes = notes.String
	record.Actor = actor.String
	record.TransferredAt = record.TransferredAt.UTC()
	return record, nil
}

// findAction returns the ticket an earlier request with the same id acted
// on within scope. An empty request id never matches.
func findAction(ctx context.Context, q querier, action, scope, requestID string) (models.Ticket, bool, error) {
	if requestID == "" {
		return models.Ticket{}, false, nil
	}
	var ticketID sql.NullString
	row := q.QueryRow(ctx, `
		SELECT ticket_id
		FROM ticket_action_requests
		WHERE request_id = $1 AND action = $2 AND scope_id = $3
	`, requestID, action, scope)
	if err := row.Scan(&ticketID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	if !ticketID.Valid {
		return models.Ticket{}, false, store.ErrTicketNotFound
	}
	ticket, err := getTicket(ctx, q, ticketID.String, "")
	if err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func findTransferAction(ctx context.Context, tx pgx.Tx, ticketID, requestID string) (store.TransferResult, bool, error) {
	if requestID == "" {
		return store.TransferResult{}, false, nil
	}
	var movedID, transferID sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT ticket_id, transfer_id
		FROM ticket_action_requests
		WHERE request_id = $1 AND action = $2 AND scope_id = $3
	`, requestID, store.ActionTransfer, ticketID)
	if err := row.Scan(&movedID, &transferID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.TransferResult{}, false, nil
		}
		return store.TransferResult{}, false, err
	}
	ticket, err := getTicket(ctx, tx, movedID.String, "")
	if err != nil {
		return store.TransferResult{}, false, err
	}
	record, err := scanTransfer(tx.QueryRow(ctx, `
		SELECT transfer_id, ticket_id, from_service_id, to_service_id, from_department_id, to_department_id,
			reason, notes, actor, new_position, transferred_at
		FROM transfer_records
		WHERE transfer_id = $1
	`, transferID.String))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.TransferResult{}, false, store.ErrTicketNotFound
		}
		return store.TransferResult{}, false, err
	}
	return store.TransferResult{Ticket: ticket, Record: record}, true, nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, action, scope, requestID, ticketID, transferID string) error {
	if requestID == "" {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO ticket_action_requests (request_id, action, scope_id, ticket_id, transfer_id)
		VALUES ($1, $2, $3, $4, $5)
	`, requestID, action, scope, nullIfEmpty(ticketID), nullIfEmpty(transferID))
	return err
}

func insertEvent(ctx context.Context, tx pgx.Tx, departmentID, eventType string, payload store.TicketPayload, at time.Time) error {
	body, err := jsonBytes(payload)
	if err != nil {
		return err
	}
	if err := insertOutboxEvent(ctx, tx, departmentID, eventType, body, at); err != nil {
		return err
	}
	return insertTicketEvent(ctx, tx, payload.TicketID, eventType, body, at)
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, departmentID, eventType string, payload []byte, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, department_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), departmentID, eventType, payload, at)
	return err
}

func insertTicketEvent(ctx context.Context, tx pgx.Tx, ticketID, eventType string, payload []byte, at time.Time) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ticketID); err != nil {
		return err
	}

	var last *store.TicketEvent
	var previous store.TicketEvent
	row := tx.QueryRow(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticketID)
	switch err := row.Scan(&previous.TicketSeq, &previous.Hash); {
	case err == nil:
		last = &previous
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	event := store.NextTicketEvent(last, ticketID, eventType, payload, at)
	_, err := tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.TicketID, event.TicketSeq, event.Type, string(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return err
}

func jsonBytes(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
