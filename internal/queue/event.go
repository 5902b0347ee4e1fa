// Package queue defines the messages exchanged over RabbitMQ, the
// publisher the booking core uses to emit them, and the consumer that
// appends them to the booking and reconciliation logs.
package queue

import "time"

// Queue names.  Routing keys equal queue names on the default exchange.
const (
	BookingEventsQueue = "booking.events"
	AlertsQueue        = "booking.alerts"
)

// Booking event types.
const (
	EventBookingConfirmed   = "booking.confirmed"
	EventBookingCancelled   = "booking.cancelled"
	EventBookingRescheduled = "booking.rescheduled"
)

// BookingEvent is published after a booking changes state.  It carries
// enough for downstream consumers to log, notify or trigger analytics
// without querying the primary database.
type BookingEvent struct {
	Type          string    `json:"type"`
	BookingID     uint64    `json:"booking_id"`
	PreviousID    uint64    `json:"previous_booking_id,omitempty"`
	TenantID      string    `json:"tenant_id"`
	ResourceID    uint64    `json:"resource_id"`
	UserID        uint64    `json:"user_id"`
	StartsAt      time.Time `json:"starts_at"`
	EndsAt        time.Time `json:"ends_at"`
	SlotIDs       []uint64  `json:"slot_ids"`
	Units         int       `json:"units"`
	TransactionID string    `json:"transaction_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}
