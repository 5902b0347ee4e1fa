package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/slot-booking/internal/logger"
	"github.com/iliyamo/slot-booking/internal/txn"
)

const (
	bookingLogFile        = "booking.log"
	reconciliationLogFile = "reconciliation.log"
)

// Consumer drains the booking-events and alerts queues into append-only
// log files under Dir.
type Consumer struct {
	URL string
	Dir string
	Log *logger.Logger
}

// Run connects, consumes and reconnects with backoff until ctx ends.
func (c *Consumer) Run(ctx context.Context) error {
	log := logger.OrNop(c.Log).With("component", "consumer")
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.URL)
		if err != nil {
			log.Warn("failed to dial broker", "error", err, "retry_in", backoff)
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn, log)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("consume loop ended; reconnecting", "error", err)
		if !sleepCtx(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection, log *logger.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Warn("set QoS failed", "error", err)
	}

	bookings, err := c.subscribe(ch, BookingEventsQueue)
	if err != nil {
		return err
	}
	alerts, err := c.subscribe(ch, AlertsQueue)
	if err != nil {
		return err
	}

	for {
		var (
			d      amqp.Delivery
			ok     bool
			handle func([]byte) error
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok = <-bookings:
			handle = c.HandleBooking
		case d, ok = <-alerts:
			handle = c.HandleAlert
		}
		if !ok {
			return errors.New("deliveries channel closed")
		}
		if err := handle(d.Body); err != nil {
			log.Error("handle message failed", "routing_key", d.RoutingKey, "error", err)
			_ = d.Nack(false, false) // reject without requeue to avoid tight loops
			continue
		}
		_ = d.Ack(false)
	}
}

func (c *Consumer) subscribe(ch *amqp.Channel, queue string) (<-chan amqp.Delivery, error) {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("queue declare %s: %w", queue, err)
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("queue consume %s: %w", queue, err)
	}
	return msgs, nil
}

// HandleBooking appends one booking event to booking.log.
func (c *Consumer) HandleBooking(body []byte) error {
	var ev BookingEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	ids := make([]string, len(ev.SlotIDs))
	for i, id := range ev.SlotIDs {
		ids[i] = fmt.Sprint(id)
	}
	line := fmt.Sprintf("[%s] %s | booking_id=%d | tenant=%q | resource_id=%d | user_id=%d | window=%s..%s | units=%d | slots=[%s]",
		ev.OccurredAt.Format(time.RFC3339), ev.Type, ev.BookingID, ev.TenantID, ev.ResourceID, ev.UserID,
		ev.StartsAt.Format(time.RFC3339), ev.EndsAt.Format(time.RFC3339), ev.Units, strings.Join(ids, ","))
	if ev.PreviousID != 0 {
		line += fmt.Sprintf(" | previous_booking_id=%d", ev.PreviousID)
	}
	return c.appendLine(bookingLogFile, line)
}

// HandleAlert appends one operator alert to reconciliation.log.
func (c *Consumer) HandleAlert(body []byte) error {
	var a txn.Alert
	if err := json.Unmarshal(body, &a); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if a.Kind == "" {
		return errors.New("alert without kind")
	}
	line := fmt.Sprintf("[%s] %s | transaction_id=%s | saga_id=%s | participants=[%s] | %s",
		a.OccurredAt.Format(time.RFC3339), a.Kind, a.TransactionID, a.SagaID,
		strings.Join(a.Participants, ","), a.Message)
	return c.appendLine(reconciliationLogFile, line)
}

func (c *Consumer) appendLine(name, line string) error {
	dir := c.Dir
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
