// Package reservation implements atomic continuous-slot reservation.  A
// booking takes k contiguous granular slots of a resource; the slots are
// locked in ascending start order with skip-locked semantics, re-checked
// for contiguity and decremented under a capacity guard, all inside the
// same transaction that creates the booking.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/slot-booking/internal/apperror"
	"github.com/iliyamo/slot-booking/internal/logger"
	"github.com/iliyamo/slot-booking/internal/model"
	"github.com/iliyamo/slot-booking/internal/repository"
	"github.com/iliyamo/slot-booking/internal/validation"
)

// ReserveRequest describes one continuous reservation.  StartTime is the
// start of the reserved block, buffers included.
type ReserveRequest struct {
	TenantID         string    `json:"tenant_id" validate:"required"`
	ResourceID       uint64    `json:"resource_id" validate:"gt=0"`
	UserID           uint64    `json:"user_id"`
	StartTime        time.Time `json:"start_time"`
	DurationMin      int       `json:"duration_min" validate:"gt=0"`
	BufferBeforeMin  int       `json:"buffer_before_min" validate:"gte=0"`
	BufferAfterMin   int       `json:"buffer_after_min" validate:"gte=0"`
	GranularityMin   int       `json:"granularity_min" validate:"gt=0"`
	RequiredCapacity int       `json:"required_capacity" validate:"gt=0"`
}

// TotalMinutes is the duration including both buffers.
func (r ReserveRequest) TotalMinutes() int {
	return r.DurationMin + r.BufferBeforeMin + r.BufferAfterMin
}

// SlotCount returns how many granular slots the request covers, or a
// validation error when the total duration is not a whole number of
// slots.
func (r ReserveRequest) SlotCount() (int, error) {
	total := r.TotalMinutes()
	if r.GranularityMin <= 0 || total <= 0 || total%r.GranularityMin != 0 {
		return 0, apperror.Validation(apperror.CodeInvalidGranularity,
			fmt.Sprintf("duration of %d minutes is not a multiple of %d-minute granularity", total, r.GranularityMin)).
			WithDetails(map[string]any{"total_min": total, "granularity_min": r.GranularityMin})
	}
	return (total + r.GranularityMin - 1) / r.GranularityMin, nil
}

// Window returns the half-open interval [start, end) covered by k slots.
func (r ReserveRequest) Window(k int) (time.Time, time.Time) {
	start := r.StartTime.UTC()
	return start, start.Add(time.Duration(k*r.GranularityMin) * time.Minute)
}

// Reservation is the successful result of ReserveContinuous.
type Reservation struct {
	BookingID uint64         `json:"booking_id"`
	SlotIDs   []uint64       `json:"slot_ids"`
	StartAt   time.Time      `json:"start_at"`
	EndAt     time.Time      `json:"end_at"`
	Booking   *model.Booking `json:"booking"`
}

type Engine struct {
	store    Store
	validate *validation.Validator
	log      *logger.Logger
	now      func() time.Time
}

func NewEngine(store Store, log *logger.Logger) *Engine {
	if store == nil {
		panic("nil store passed to NewEngine")
	}
	return &Engine{
		store:    store,
		validate: validation.New(),
		log:      logger.OrNop(log).With("component", "reservation"),
		now:      time.Now,
	}
}

// ReserveContinuous reserves RequiredCapacity units on every slot in the
// requested window and creates the booking, atomically.  Conflicts are
// retryable *apperror.Error values coded INSUFFICIENT_CONTINUOUS_SLOTS or
// SOLD_OUT.
func (e *Engine) ReserveContinuous(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, err
	}
	if req.StartTime.IsZero() {
		return nil, apperror.InvalidInput("start_time is required")
	}
	k, err := req.SlotCount()
	if err != nil {
		return nil, err
	}
	from, to := req.Window(k)

	var res *Reservation
	err = e.store.InTx(ctx, func(tx Tx) error {
		slots, err := tx.LockRange(ctx, req.TenantID, req.ResourceID, from, to, k)
		if err != nil {
			return apperror.Storage("lock candidate slots", err)
		}
		n := contiguousPrefix(slots, from)
		if n < k {
			return e.shortRange(ctx, tx, req, from, to, k, n)
		}
		ids := slotIDs(slots[:k])

		updated, err := tx.DecrementCapacity(ctx, ids, req.RequiredCapacity)
		if err != nil {
			return apperror.Storage("decrement slot capacity", err)
		}
		if updated < int64(k) {
			return soldOut(k, int(updated))
		}

		b := &model.Booking{
			TenantID:   req.TenantID,
			ResourceID: req.ResourceID,
			UserID:     req.UserID,
			StartAt:    from,
			EndAt:      to,
			Units:      req.RequiredCapacity,
			Status:     model.BookingConfirmed,
			SlotIDs:    ids,
		}
		if err := tx.CreateBooking(ctx, b); err != nil {
			return apperror.Storage("create booking", err)
		}
		res = &Reservation{BookingID: b.ID, SlotIDs: ids, StartAt: from, EndAt: to, Booking: b}
		return nil
	})
	if err != nil {
		return nil, apperror.Ensure(err, "reservation transaction")
	}
	e.log.Debug("slots reserved",
		"tenant_id", req.TenantID,
		"resource_id", req.ResourceID,
		"booking_id", res.BookingID,
		"slots", len(res.SlotIDs),
	)
	return res, nil
}

// shortRange classifies a candidate set with fewer than k contiguous
// slots.  When the unlocked view of the range is complete and has the
// capacity, the missing rows are held by concurrent reservations and the
// range is treated as sold out; otherwise the range has a real gap.
func (e *Engine) shortRange(ctx context.Context, tx Tx, req ReserveRequest, from, to time.Time, k, n int) error {
	all, err := tx.ListRange(ctx, req.TenantID, req.ResourceID, from, to)
	if err != nil {
		return apperror.Storage("inspect slot range", err)
	}
	if contiguousPrefix(all, from) >= k {
		return soldOut(k, n).WithDetails(map[string]any{"contended": true})
	}
	return apperror.Conflict(apperror.CodeInsufficientContinuousSlots,
		fmt.Sprintf("only %d of %d required contiguous slots are available", n, k)).
		WithDetails(map[string]any{"required": k, "available": n})
}

func soldOut(required, available int) *apperror.Error {
	return apperror.Conflict(apperror.CodeSoldOut, "requested slots are sold out").
		WithDetails(map[string]any{"required": required, "available": available})
}

// Release cancels a confirmed booking and gives its capacity back.
func (e *Engine) Release(ctx context.Context, tenantID string, bookingID uint64) (*model.Booking, error) {
	var out *model.Booking
	err := e.store.InTx(ctx, func(tx Tx) error {
		b, err := e.lockBooking(ctx, tx, tenantID, bookingID)
		if err != nil {
			return err
		}
		if b.Status != model.BookingConfirmed {
			return apperror.Conflict(apperror.CodeInvalidTransition,
				fmt.Sprintf("booking %d is %s", bookingID, b.Status))
		}
		if _, err := tx.LockByIDs(ctx, b.SlotIDs); err != nil {
			return apperror.Storage("lock booking slots", err)
		}
		if _, err := tx.IncrementCapacity(ctx, b.SlotIDs, b.Units); err != nil {
			return apperror.Storage("increment slot capacity", err)
		}
		if err := tx.UpdateBookingStatus(ctx, b.ID, model.BookingCancelled); err != nil {
			return apperror.Storage("update booking status", err)
		}
		b.Status = model.BookingCancelled
		out = b
		return nil
	})
	if err != nil {
		return nil, apperror.Ensure(err, "release transaction")
	}
	return out, nil
}

// Restore re-confirms a cancelled booking, taking its capacity again under
// the same guard as ReserveContinuous.
func (e *Engine) Restore(ctx context.Context, tenantID string, bookingID uint64) (*model.Booking, error) {
	var out *model.Booking
	err := e.store.InTx(ctx, func(tx Tx) error {
		b, err := e.lockBooking(ctx, tx, tenantID, bookingID)
		if err != nil {
			return err
		}
		if b.Status != model.BookingCancelled {
			return apperror.Conflict(apperror.CodeInvalidTransition,
				fmt.Sprintf("booking %d is %s", bookingID, b.Status))
		}
		if _, err := tx.LockByIDs(ctx, b.SlotIDs); err != nil {
			return apperror.Storage("lock booking slots", err)
		}
		updated, err := tx.DecrementCapacity(ctx, b.SlotIDs, b.Units)
		if err != nil {
			return apperror.Storage("decrement slot capacity", err)
		}
		if updated < int64(len(b.SlotIDs)) {
			return soldOut(len(b.SlotIDs), int(updated))
		}
		if err := tx.UpdateBookingStatus(ctx, b.ID, model.BookingConfirmed); err != nil {
			return apperror.Storage("update booking status", err)
		}
		b.Status = model.BookingConfirmed
		out = b
		return nil
	})
	if err != nil {
		return nil, apperror.Ensure(err, "restore transaction")
	}
	return out, nil
}

func (e *Engine) lockBooking(ctx context.Context, tx Tx, tenantID string, bookingID uint64) (*model.Booking, error) {
	b, err := tx.GetBookingForUpdate(ctx, tenantID, bookingID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperror.NotFound("booking")
	}
	if err != nil {
		return nil, apperror.Storage("load booking", err)
	}
	return b, nil
}

// contiguousPrefix returns how many slots, starting with one that begins
// exactly at from, follow each other without a gap.
func contiguousPrefix(slots []model.TimeSlot, from time.Time) int {
	if len(slots) == 0 || !slots[0].StartAt.Equal(from) {
		return 0
	}
	n := 1
	for n < len(slots) && slots[n-1].Contiguous(slots[n]) {
		n++
	}
	return n
}

func slotIDs(slots []model.TimeSlot) []uint64 {
	ids := make([]uint64, len(slots))
	for i, s := range slots {
		ids[i] = s.ID
	}
	return ids
}
