package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/queue"
	"qms/queue-engine/internal/store"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// QueueService is the engine surface the HTTP layer drives.
type QueueService interface {
	CallNext(ctx context.Context, departmentID string, meta queue.Meta) (models.Ticket, error)
	Complete(ctx context.Context, departmentID, ticketID string, meta queue.Meta) (models.Ticket, error)
	Skip(ctx context.Context, departmentID, ticketID string, meta queue.Meta) (models.Ticket, error)
	Transfer(ctx context.Context, req queue.TransferRequest) (queue.TransferOutcome, error)
	ResetQueue(ctx context.Context, departmentID string, includeCleanup bool, meta queue.Meta) (queue.ResetOutcome, error)
	PerformCleanup(ctx context.Context, departmentID string) (queue.CleanupOutcome, error)
	IssueTicket(ctx context.Context, input store.IssueTicketInput) (models.Ticket, error)
	Snapshot(ctx context.Context, departmentID string) (queue.QueueSnapshot, error)
	TransferHistory(ctx context.Context, ticketID string) ([]models.TransferRecord, error)
	TicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error)
	Outbox(ctx context.Context, departmentID string, after time.Time, limit int) ([]store.OutboxEvent, error)
}

type Handler struct {
	queue    QueueService
	validate *validator.Validate
	logger   zerolog.Logger
}

type departmentActionRequest struct {
	RequestID      string `json:"request_id" validate:"omitempty,uuid"`
	TicketID       string `json:"ticket_id" validate:"omitempty,uuid"`
	IncludeCleanup bool   `json:"include_cleanup"`
}

type transferRequest struct {
	RequestID       string `json:"request_id" validate:"omitempty,uuid"`
	TargetServiceID string `json:"target_service_id" validate:"required,max=64"`
	Reason          string `json:"reason" validate:"max=500"`
	Notes           string `json:"notes" validate:"max=2000"`
}

type issueTicketRequest struct {
	RequestID            string `json:"request_id" validate:"omitempty,uuid"`
	ServiceID            string `json:"service_id" validate:"required,max=64"`
	Priority             int    `json:"priority" validate:"min=0,max=100"`
	CustomerPhone        string `json:"customer_phone" validate:"omitempty,numeric,min=8,max=16"`
	EstimatedServiceTime int    `json:"estimated_service_time" validate:"min=0"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code      string `json:"code"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

type cleanupResponse struct {
	queue.CleanupOutcome
	Warning string `json:"warning,omitempty"`
}

type transferResponse struct {
	TicketID    string `json:"ticket_id"`
	TransferID  string `json:"transfer_id"`
	NewPosition int    `json:"new_position"`
}

func NewHandler(service QueueService, logger zerolog.Logger) *Handler {
	return &Handler{
		queue:    service,
		validate: validator.New(),
		logger:   logger,
	}
}

func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/departments/", h.handleDepartmentActions)
	mux.HandleFunc("/api/tickets", h.handleIssueTicket)
	mux.HandleFunc("/api/tickets/", h.handleTicketRoutes)
	mux.HandleFunc("/api/queues/", h.handleSnapshot)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleDepartmentActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/departments/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[1] != "actions" || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	departmentID := parts[0]

	var req departmentActionRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	meta := requestMeta(r, req.RequestID)

	switch parts[2] {
	case "call-next":
		ticket, err := h.queue.CallNext(r.Context(), departmentID, meta)
		h.respond(w, meta.RequestID, ticket, err)
	case "complete", "skip":
		// ticket_id is optional; when set it must name the serving ticket.
		var (
			ticket models.Ticket
			err    error
		)
		if parts[2] == "complete" {
			ticket, err = h.queue.Complete(r.Context(), departmentID, req.TicketID, meta)
		} else {
			ticket, err = h.queue.Skip(r.Context(), departmentID, req.TicketID, meta)
		}
		h.respond(w, meta.RequestID, ticket, err)
	case "reset":
		outcome, err := h.queue.ResetQueue(r.Context(), departmentID, req.IncludeCleanup, meta)
		h.respond(w, meta.RequestID, outcome, err)
	case "cleanup":
		outcome, err := h.queue.PerformCleanup(r.Context(), departmentID)
		if err != nil {
			h.writeQueueError(w, meta.RequestID, err)
			return
		}
		resp := cleanupResponse{CleanupOutcome: outcome}
		if outcome.Warning != nil {
			resp.Warning = outcome.Warning.Message
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleIssueTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req issueTicketRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	meta := requestMeta(r, req.RequestID)

	ticket, err := h.queue.IssueTicket(r.Context(), store.IssueTicketInput{
		RequestID:            meta.RequestID,
		ServiceID:            req.ServiceID,
		Priority:             req.Priority,
		CustomerPhone:        req.CustomerPhone,
		EstimatedServiceTime: req.EstimatedServiceTime,
	})
	if err != nil {
		h.writeQueueError(w, meta.RequestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleTicketRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	ticketID := parts[0]
	if !isValidUUID(ticketID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	switch {
	case len(parts) == 3 && parts[1] == "actions" && parts[2] == "transfer":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleTransfer(w, r, ticketID)
	case len(parts) == 2 && parts[1] == "transfers":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		records, err := h.queue.TransferHistory(r.Context(), ticketID)
		h.respond(w, "", records, err)
	case len(parts) == 2 && parts[1] == "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		list, err := h.queue.TicketEvents(r.Context(), ticketID)
		h.respond(w, "", list, err)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request, ticketID string) {
	var req transferRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	meta := requestMeta(r, req.RequestID)

	outcome, err := h.queue.Transfer(r.Context(), queue.TransferRequest{
		TicketID:        ticketID,
		TargetServiceID: req.TargetServiceID,
		Reason:          req.Reason,
		Notes:           req.Notes,
		Meta:            meta,
	})
	if err != nil {
		h.writeQueueError(w, meta.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, transferResponse{
		TicketID:    outcome.TicketID,
		TransferID:  outcome.TransferID,
		NewPosition: outcome.NewPosition,
	})
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	departmentID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/queues/"), "/")
	if departmentID == "" || strings.Contains(departmentID, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	snapshot, err := h.queue.Snapshot(r.Context(), departmentID)
	h.respond(w, "", snapshot, err)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	departmentID := strings.TrimSpace(r.URL.Query().Get("department_id"))
	if departmentID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "department_id is required")
		return
	}

	var after time.Time
	if afterRaw := strings.TrimSpace(r.URL.Query().Get("after")); afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, afterRaw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp")
			return
		}
		after = parsed
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	list, err := h.queue.Outbox(r.Context(), departmentID, after, limit)
	h.respond(w, "", list, err)
}

// decodeRequest reads an optional JSON body into target and validates it.
// An empty body leaves target at its zero value.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, headerRequestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	trimStrings(target)
	if err := h.validate.Struct(target); err != nil {
		writeError(w, headerRequestID(r), http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}

func trimStrings(target any) {
	switch t := target.(type) {
	case *departmentActionRequest:
		t.RequestID = strings.TrimSpace(t.RequestID)
		t.TicketID = strings.TrimSpace(t.TicketID)
	case *transferRequest:
		t.RequestID = strings.TrimSpace(t.RequestID)
		t.TargetServiceID = strings.TrimSpace(t.TargetServiceID)
		t.Reason = strings.TrimSpace(t.Reason)
		t.Notes = strings.TrimSpace(t.Notes)
	case *issueTicketRequest:
		t.RequestID = strings.TrimSpace(t.RequestID)
		t.ServiceID = strings.TrimSpace(t.ServiceID)
		t.CustomerPhone = strings.TrimSpace(t.CustomerPhone)
	}
}

// requestMeta prefers the body's request_id over the X-Request-ID header.
func requestMeta(r *http.Request, bodyRequestID string) queue.Meta {
	requestID := bodyRequestID
	if requestID == "" {
		requestID = headerRequestID(r)
	}
	return queue.Meta{
		RequestID: requestID,
		Actor:     strings.TrimSpace(r.Header.Get("X-Actor-ID")),
	}
}

func headerRequestID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func (h *Handler) respond(w http.ResponseWriter, requestID string, payload any, err error) {
	if err != nil {
		h.writeQueueError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) writeQueueError(w http.ResponseWriter, requestID string, err error) {
	status, code, message := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn().Err(err).Str("request_id", requestID).Msg("queue operation failed")
	}
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:      code,
			Kind:      string(queue.KindOf(err)),
			Message:   message,
			Retriable: queue.IsRetriable(err),
		},
	})
}

func mapError(err error) (int, string, string) {
	message := "internal server error"
	var qerr *queue.Error
	if errors.As(err, &qerr) {
		message = qerr.Message
	}
	switch queue.KindOf(err) {
	case queue.KindNoTicketsWaiting:
		return http.StatusConflict, "no_tickets_waiting", message
	case queue.KindInvalidTransition:
		return http.StatusConflict, "invalid_transition", message
	case queue.KindConflictLost, queue.KindTransient:
		return http.StatusServiceUnavailable, "busy", message
	case queue.KindNotFound:
		return http.StatusNotFound, "not_found", message
	case queue.KindStorageUnavailable:
		return http.StatusServiceUnavailable, "storage_unavailable", message
	case queue.KindArchiveUnavailable:
		return http.StatusServiceUnavailable, "archive_unavailable", message
	default:
		return http.StatusInternalServerError, "internal_error", message
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
