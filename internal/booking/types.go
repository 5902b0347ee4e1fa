// Package booking composes idempotency, locking, slot reservation and the
// transaction coordinators into the create, cancel and reschedule flows.
package booking

import (
	"context"
	"time"

	"github.com/iliyamo/slot-booking/internal/apperror"
	"github.com/iliyamo/slot-booking/internal/model"
	"github.com/iliyamo/slot-booking/internal/queue"
	"github.com/iliyamo/slot-booking/internal/reservation"
	"github.com/iliyamo/slot-booking/internal/txn"
)

// Participant is an additional system that must agree to a booking, such
// as payment or inventory.  It takes part in a two-phase commit after the
// slots are reserved; Compensate undoes a committed participant when the
// booking is rolled back afterwards.
type Participant struct {
	txn.Operation
	Compensate func(ctx context.Context) error
}

// CreateRequest books a continuous block on one resource.
type CreateRequest struct {
	TenantID        string    `json:"tenant_id"`
	UserID          uint64    `json:"user_id"`
	ResourceID      uint64    `json:"resource_id"`
	StartTime       time.Time `json:"start_time"`
	DurationMin     int       `json:"duration_min"`
	BufferBeforeMin int       `json:"buffer_before_min"`
	BufferAfterMin  int       `json:"buffer_after_min"`
	GranularityMin  int       `json:"granularity_min"`
	Units           int       `json:"units"`

	IdempotencyKey string        `json:"-"`
	Participants   []Participant `json:"-"`
}

func (r CreateRequest) reserveRequest() reservation.ReserveRequest {
	return reservation.ReserveRequest{
		TenantID:         r.TenantID,
		ResourceID:       r.ResourceID,
		UserID:           r.UserID,
		StartTime:        r.StartTime,
		DurationMin:      r.DurationMin,
		BufferBeforeMin:  r.BufferBeforeMin,
		BufferAfterMin:   r.BufferAfterMin,
		GranularityMin:   r.GranularityMin,
		RequiredCapacity: r.Units,
	}
}

// CancelRequest releases a confirmed booking.
type CancelRequest struct {
	TenantID       string `json:"tenant_id"`
	UserID         uint64 `json:"user_id"`
	BookingID      uint64 `json:"booking_id"`
	IdempotencyKey string `json:"-"`
}

// RescheduleRequest moves a confirmed booking to a new window.  The new
// booking is reserved before the old one is released.
type RescheduleRequest struct {
	BookingID uint64 `json:"booking_id"`
	CreateRequest
}

// Result is the response of every orchestrator operation.  It is what gets
// cached under an idempotency key, so failures that must replay identically
// are encoded here too.
type Result struct {
	Success       bool                      `json:"success"`
	Outcome       apperror.Outcome          `json:"outcome"`
	Kind          apperror.Kind             `json:"kind,omitempty"`
	Code          string                    `json:"code,omitempty"`
	Message       string                    `json:"message,omitempty"`
	Details       map[string]any            `json:"details,omitempty"`
	Booking       *model.Booking            `json:"booking,omitempty"`
	Previous      *model.Booking            `json:"previous_booking,omitempty"`
	TransactionID string                    `json:"transaction_id,omitempty"`
	Alternatives  []reservation.Alternative `json:"alternatives,omitempty"`
}

func okResult(b *model.Booking) *Result {
	return &Result{Success: true, Outcome: apperror.OutcomeOK, Booking: b}
}

func failedResult(err error) *Result {
	e := apperror.Ensure(err, "booking failed")
	return &Result{
		Outcome: apperror.OutcomeOf(e),
		Kind:    e.Kind,
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Err rebuilds the typed error a failed result was made from.
func (r *Result) Err() error {
	if r == nil || r.Success {
		return nil
	}
	return &apperror.Error{
		Kind:      r.Kind,
		Code:      r.Code,
		Message:   r.Message,
		Details:   r.Details,
		Retryable: r.Kind == apperror.KindConflict || r.Kind == apperror.KindTimeout,
	}
}

// Slots reserves, releases and restores slot capacity.
type Slots interface {
	ReserveContinuous(ctx context.Context, req reservation.ReserveRequest) (*reservation.Reservation, error)
	Release(ctx context.Context, tenantID string, bookingID uint64) (*model.Booking, error)
	Restore(ctx context.Context, tenantID string, bookingID uint64) (*model.Booking, error)
	FindAlternatives(ctx context.Context, q reservation.AlternativesQuery) ([]reservation.Alternative, error)
}

// Deduplicator runs a request body at most once per idempotency key.
type Deduplicator interface {
	Execute(ctx context.Context, key, tenantID, fingerprint string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error)
}

// Sagas runs compensating step sequences.
type Sagas interface {
	Run(ctx context.Context, name string, steps []txn.Step) (*model.SagaExecution, error)
}

// Committer runs two-phase commits.
type Committer interface {
	Execute(ctx context.Context, ops []txn.Operation) (*model.DistributedTransactionContext, error)
}

// Events publishes booking lifecycle events.
type Events interface {
	PublishBooking(ctx context.Context, ev queue.BookingEvent) error
}
