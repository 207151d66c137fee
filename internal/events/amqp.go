package events

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	DefaultExchange = "qms.queue.events"
	// DefaultDialTimeout caps the TCP connect plus the AMQP handshake.
	DefaultDialTimeout = 5 * time.Second
)

// AMQPPublisher writes persistent messages to a durable topic exchange.
// The connection is opened lazily and re-opened after a failed publish.
type AMQPPublisher struct {
	url         string
	exchange    string
	dialTimeout time.Duration
	logger      zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPPublisher(url, exchange string, logger zerolog.Logger) *AMQPPublisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPPublisher{url: url, exchange: exchange, dialTimeout: DefaultDialTimeout, logger: logger}
}

// RoutingKey is department.<id>.<event type>, so consumers can bind per
// department or per event type.
func RoutingKey(departmentID, eventType string) string {
	return "department." + departmentID + "." + eventType
}

func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	body, err := event.Marshal()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Type:         event.Type,
		Body:         body,
	}
	var errs []error
	for _, dept := range event.Departments() {
		if err := ch.PublishWithContext(ctx, p.exchange, RoutingKey(dept, event.Type), false, false, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.Warn().Err(err).Msg("rabbitmq publish failed, dropping connection")
		p.closeLocked()
		return err
	}
	return nil
}

// channel reuses the open channel or dials a new one. The dial never
// outlives ctx's deadline.
func (p *AMQPPublisher) channel(ctx context.Context) (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.closeLocked()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := p.dialTimeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(
		p.exchange, // name
		"topic",    // kind
		true,       // durable
		false,      // autoDelete
		false,      // internal
		false,      // noWait
		nil,        // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	p.ch = ch
	return ch, nil
}

func (p *AMQPPublisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}
