package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type ProviderConfig struct {
	Kind       string
	WebhookURL string
	Token      string
}

func NewSender(cfg ProviderConfig, logger zerolog.Logger) Sender {
	switch cfg.Kind {
	case "", "stub", "log":
		return logSender{logger: logger}
	case "noop":
		return noopSender{}
	case "webhook":
		if cfg.WebhookURL == "" {
			return logSender{logger: logger}
		}
		return newWebhookSender(cfg.WebhookURL, cfg.Token)
	default:
		if strings.HasPrefix(cfg.Kind, "http://") || strings.HasPrefix(cfg.Kind, "https://") {
			return newWebhookSender(cfg.Kind, cfg.Token)
		}
		return logSender{logger: logger}
	}
}

type logSender struct {
	logger zerolog.Logger
}

func (s logSender) Notify(_ context.Context, n Notification) error {
	message := Render(n)
	if message == "" {
		return nil
	}
	s.logger.Info().
		Str("event_type", n.Type).
		Str("department_id", n.DepartmentID).
		Str("ticket_id", n.Ticket.TicketID).
		Bool("has_recipient", n.Ticket.CustomerPhone != "").
		Msg(message)
	return nil
}

type noopSender struct{}

func (noopSender) Notify(context.Context, Notification) error {
	return nil
}

type webhookSender struct {
	url    string
	token  string
	client *http.Client
}

func newWebhookSender(url, token string) webhookSender {
	return webhookSender{url: url, token: token, client: &http.Client{Timeout: 5 * time.Second}}
}

type webhookPayload struct {
	Type         string `json:"type"`
	DepartmentID string `json:"department_id"`
	TicketID     string `json:"ticket_id"`
	Number       int64  `json:"number"`
	Recipient    string `json:"recipient,omitempty"`
	Message      string `json:"message"`
	Position     int    `json:"position,omitempty"`
	Waiting      int    `json:"waiting"`
}

func (s webhookSender) Notify(ctx context.Context, n Notification) error {
	message := Render(n)
	if message == "" || n.Ticket.CustomerPhone == "" {
		return nil
	}
	body, err := json.Marshal(webhookPayload{
		Type:         n.Type,
		DepartmentID: n.DepartmentID,
		TicketID:     n.Ticket.TicketID,
		Number:       n.Ticket.Number,
		Recipient:    n.Ticket.CustomerPhone,
		Message:      message,
		Position:     Position(n.Waiting, n.Ticket.TicketID),
		Waiting:      len(n.Waiting),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New("provider rejected request")
	}
	return nil
}
