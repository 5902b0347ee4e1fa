package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/slot-booking/internal/logger"
	"github.com/iliyamo/slot-booking/internal/txn"
)

// channel is the subset of *amqp.Channel the publisher needs.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialFunc opens a channel and returns a closer for the whole connection.
type dialFunc func() (channel, func() error, error)

// Publisher sends booking events and operator alerts to RabbitMQ.  Each
// publish opens its own short-lived connection; failures are logged and
// returned so callers can decide to ignore them.
type Publisher struct {
	dial dialFunc
	log  *logger.Logger
	now  func() time.Time
}

func NewPublisher(url string, log *logger.Logger) *Publisher {
	return &Publisher{
		dial: func() (channel, func() error, error) {
			conn, err := amqp.Dial(url)
			if err != nil {
				return nil, nil, fmt.Errorf("dial: %w", err)
			}
			ch, err := conn.Channel()
			if err != nil {
				_ = conn.Close()
				return nil, nil, fmt.Errorf("channel open: %w", err)
			}
			return ch, conn.Close, nil
		},
		log: logger.OrNop(log).With("component", "publisher"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// PublishBooking emits a booking lifecycle event.
func (p *Publisher) PublishBooking(ctx context.Context, ev BookingEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = p.now()
	}
	return p.publish(ctx, BookingEventsQueue, ev.Type, ev)
}

// Alert implements txn.Alerter by publishing to the alerts queue.
func (p *Publisher) Alert(ctx context.Context, a txn.Alert) error {
	if a.OccurredAt.IsZero() {
		a.OccurredAt = p.now()
	}
	return p.publish(ctx, AlertsQueue, a.Kind, a)
}

func (p *Publisher) publish(ctx context.Context, queue, typ string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}

	ch, closeConn, err := p.dial()
	if err != nil {
		p.log.Warn("rabbitmq unavailable", "queue", queue, "error", err)
		return err
	}
	defer func() {
		_ = ch.Close()
		_ = closeConn()
	}()

	// Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		p.log.Warn("queue declare failed", "queue", queue, "error", err)
		return fmt.Errorf("queue declare: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         typ,
		Timestamp:    p.now(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		p.log.Warn("publish failed", "queue", queue, "type", typ, "error", err)
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}
