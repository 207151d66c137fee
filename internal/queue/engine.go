// Package queue is the ticket queue engine. It owns the state transitions
// of tickets and queue ordering on top of a store.TicketStore and keeps no
// shared mutable state of its own: every guarantee comes from the store's
// conditional writes.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"qms/queue-engine/internal/events"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/notify"
	"qms/queue-engine/internal/store"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxAttempts    = 3
	DefaultRetention      = 24 * time.Hour
	DefaultNotifyTimeout  = 5 * time.Second
	DefaultPublishTimeout = 2 * time.Second
	DefaultCleanupBatch   = 500
)

// Meta identifies who issued an operation and, optionally, the client key
// that makes a retry of it idempotent.
type Meta struct {
	RequestID string
	Actor     string
}

type Options struct {
	// MaxAttempts bounds callNext retries after a lost race.
	MaxAttempts int
	// StrictSingleServer rejects callNext while a ticket is being served
	// instead of completing it.
	StrictSingleServer bool
	Retention          time.Duration
	CleanupBatch       int
	NotifyTimeout      time.Duration
	// PublishTimeout bounds how long a committed operation waits on the
	// event publisher before returning.
	PublishTimeout time.Duration
	Backoff        Backoff
	Archive        store.ArchiveSink
	Publisher      events.Publisher
	Notifier       notify.Sender
	Logger         zerolog.Logger
	Now            func() time.Time
}

type Engine struct {
	store          store.TicketStore
	archive        store.ArchiveSink
	publisher      events.Publisher
	notifier       notify.Sender
	logger         zerolog.Logger
	tracer         trace.Tracer
	backoff        Backoff
	maxAttempts    int
	strict         bool
	retention      time.Duration
	cleanupBatch   int
	notifyTimeout  time.Duration
	publishTimeout time.Duration
	now            func() time.Time

	inflight sync.WaitGroup
}

func NewEngine(st store.TicketStore, options Options) *Engine {
	e := &Engine{
		store:          st,
		archive:        options.Archive,
		publisher:      options.Publisher,
		notifier:       options.Notifier,
		logger:         options.Logger,
		tracer:         otel.Tracer("qms/queue-engine/queue"),
		backoff:        options.Backoff,
		maxAttempts:    options.MaxAttempts,
		strict:         options.StrictSingleServer,
		retention:      options.Retention,
		cleanupBatch:   options.CleanupBatch,
		notifyTimeout:  options.NotifyTimeout,
		publishTimeout: options.PublishTimeout,
		now:            options.Now,
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = DefaultMaxAttempts
	}
	if e.retention <= 0 {
		e.retention = DefaultRetention
	}
	if e.cleanupBatch <= 0 {
		e.cleanupBatch = DefaultCleanupBatch
	}
	if e.notifyTimeout <= 0 {
		e.notifyTimeout = DefaultNotifyTimeout
	}
	if e.publishTimeout <= 0 {
		e.publishTimeout = DefaultPublishTimeout
	}
	if e.backoff == nil {
		e.backoff = JitterBackoff{Initial: 5 * time.Millisecond, Max: 50 * time.Millisecond}
	}
	if e.publisher == nil {
		e.publisher = events.Discard
	}
	if e.archive == nil {
		if sink, ok := st.(store.ArchiveSink); ok {
			e.archive = sink
		}
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// Wait blocks until every background notification has returned.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

func (e *Engine) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "queue."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
	}
	span.End()
}

// publish runs strictly after the store committed; a failure here never
// undoes the transition.
func (e *Engine) publish(ctx context.Context, event events.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.now()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.publishTimeout)
	defer cancel()
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn().Err(err).
			Str("event_type", event.Type).
			Str("department_id", event.DepartmentID).
			Msg("event publish failed")
	}
}

// notify is fire-and-forget with its own deadline. It reads the queue after
// the commit so the notification sees the post-change order.
func (e *Engine) notify(eventType, departmentID string, ticket models.Ticket, actor string) {
	if e.notifier == nil {
		return
	}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.notifyTimeout)
		defer cancel()

		waiting, err := e.store.ListWaiting(ctx, departmentID)
		if err != nil {
			e.logger.Debug().Err(err).Str("department_id", departmentID).Msg("notification snapshot unavailable")
		}
		n := notify.Notification{
			Type:         eventType,
			DepartmentID: departmentID,
			Ticket:       ticket,
			Actor:        actor,
			Waiting:      waiting,
		}
		if err := e.notifier.Notify(ctx, n); err != nil {
			e.logger.Warn().Err(err).
				Str("event_type", eventType).
				Str("ticket_id", ticket.TicketID).
				Msg("notification failed")
		}
	}()
}

// QueueSnapshot is the admin view of one department.
type QueueSnapshot struct {
	Settings models.QueueSettings `json:"settings"`
	Serving  *models.Ticket       `json:"serving,omitempty"`
	Waiting  []models.Ticket      `json:"waiting"`
}

func (e *Engine) Snapshot(ctx context.Context, departmentID string) (QueueSnapshot, error) {
	const op = "snapshot"
	settings, err := e.store.GetQueueSettings(ctx, departmentID)
	if err != nil {
		return QueueSnapshot{}, classify(op, err)
	}
	waiting, err := e.store.ListWaiting(ctx, departmentID)
	if err != nil {
		return QueueSnapshot{}, classify(op, err)
	}
	if waiting == nil {
		waiting = []models.Ticket{}
	}
	snapshot := QueueSnapshot{Settings: settings, Waiting: waiting}
	if settings.Serving() {
		current, err := e.store.GetTicket(ctx, settings.CurrentID())
		if err != nil {
			return QueueSnapshot{}, classify(op, err)
		}
		snapshot.Serving = &current
	}
	return snapshot, nil
}

func (e *Engine) Departments(ctx context.Context) ([]string, error) {
	departments, err := e.store.ListDepartments(ctx)
	return departments, classify("departments", err)
}

func (e *Engine) TransferHistory(ctx context.Context, ticketID string) ([]models.TransferRecord, error) {
	records, err := e.store.ListTransfers(ctx, ticketID)
	if err != nil {
		return nil, classify("transfer_history", err)
	}
	if records == nil {
		records = []models.TransferRecord{}
	}
	return records, nil
}

// TicketEvents returns the audit chain of a ticket after checking every link.
func (e *Engine) TicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	const op = "ticket_events"
	list, err := e.store.ListTicketEvents(ctx, ticketID)
	if err != nil {
		return nil, classify(op, err)
	}
	if len(list) == 0 {
		return nil, newError(op, KindNotFound, "ticket not found", store.ErrTicketNotFound)
	}
	if err := store.VerifyTicketEvents(list); err != nil {
		e.logger.Error().Err(err).Str("ticket_id", ticketID).Msg("ticket audit chain broken")
		return nil, newError(op, KindStorageUnavailable, "audit chain failed verification", err)
	}
	if err := e.checkAgainstLive(ctx, ticketID, list); err != nil {
		return nil, err
	}
	return list, nil
}

// checkAgainstLive replays the chain and compares it with the live row.
// Archived tickets have no live row and are not checked.
func (e *Engine) checkAgainstLive(ctx context.Context, ticketID string, list []store.TicketEvent) error {
	const op = "ticket_events"
	replayed, err := store.RehydrateTicket(list)
	if err != nil {
		return newError(op, KindStorageUnavailable, "audit chain payload unreadable", err)
	}
	live, err := e.store.GetTicket(ctx, ticketID)
	if errors.Is(err, store.ErrTicketNotFound) {
		return nil
	}
	if err != nil {
		return classify(op, err)
	}
	if replayed.Status != live.Status || replayed.DepartmentID != live.DepartmentID {
		e.logger.Error().
			Str("ticket_id", ticketID).
			Str("chain_status", replayed.Status).
			Str("live_status", live.Status).
			Msg("ticket audit chain disagrees with live ticket")
		return newError(op, KindStorageUnavailable, "audit chain does not match ticket", store.ErrBrokenChain)
	}
	return nil
}

func (e *Engine) Outbox(ctx context.Context, departmentID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	list, err := e.store.ListOutboxEvents(ctx, departmentID, after, limit)
	if err != nil {
		return nil, classify("outbox", err)
	}
	if list == nil {
		list = []store.OutboxEvent{}
	}
	return list, nil
}
