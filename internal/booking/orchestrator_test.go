package booking

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/slot-booking/internal/apperror"
	"github.com/iliyamo/slot-booking/internal/lock"
	"github.com/iliyamo/slot-booking/internal/model"
	"github.com/iliyamo/slot-booking/internal/queue"
	"github.com/iliyamo/slot-booking/internal/reservation"
	"github.com/iliyamo/slot-booking/internal/txn"
)

func TestCreate_ConfirmsAndPublishes(t *testing.T) {
	f := newFixture(t)
	res, err := f.orch.Create(context.Background(), createReq())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, apperror.OutcomeOK, res.Outcome)
	require.NotNil(t, res.Booking)
	assert.Len(t, res.Booking.SlotIDs, 2, "30 minutes at the default 15-minute granularity")
	assert.Equal(t, nine.Add(30*time.Minute), res.Booking.EndAt)

	require.Len(t, f.events.events, 1)
	assert.Equal(t, queue.EventBookingConfirmed, f.events.events[0].Type)
	assert.Equal(t, res.Booking.ID, f.events.events[0].BookingID)

	assert.Empty(t, f.mr.Keys(), "window lock is released after booking")
	stats := f.locks.Stats()
	assert.Equal(t, int64(1), stats.Acquisitions)
	assert.Equal(t, int64(1), stats.Releases)
}

func TestCreate_SoldOutOffersAlternatives(t *testing.T) {
	f := newFixture(t)
	f.slots.reserveErr = apperror.Conflict(apperror.CodeSoldOut, "no capacity")
	f.slots.alternatives = []reservation.Alternative{{StartAt: nine.Add(time.Hour), EndAt: nine.Add(90 * time.Minute)}}

	res, err := f.orch.Create(context.Background(), createReq())
	require.Error(t, err)
	assert.Equal(t, apperror.CodeSoldOut, apperror.CodeOf(err))
	assert.False(t, res.Success)
	assert.Equal(t, apperror.OutcomeConflict, res.Outcome)
	assert.Equal(t, f.slots.alternatives, res.Alternatives)
	assert.Empty(t, f.events.events)
	assert.Empty(t, f.mr.Keys())
}

func TestCreate_InvalidGranularityHasNoAlternatives(t *testing.T) {
	f := newFixture(t)
	req := createReq()
	req.DurationMin = 20
	f.slots.alternatives = []reservation.Alternative{{StartAt: nine}}

	res, err := f.orch.Create(context.Background(), req)
	assert.Equal(t, apperror.CodeInvalidGranularity, apperror.CodeOf(err))
	assert.Empty(t, res.Alternatives)
	assert.Zero(t, f.slots.calls())
}

func TestCreate_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	req := createReq()
	req.IdempotencyKey = "k-1"

	first, err := f.orch.Create(context.Background(), req)
	require.NoError(t, err)
	second, err := f.orch.Create(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, f.slots.calls())
	assert.Equal(t, first.Booking.ID, second.Booking.ID)
	assert.Len(t, f.events.events, 1)
}

func TestCreate_ReplaysCachedConflict(t *testing.T) {
	f := newFixture(t)
	f.slots.reserveErr = apperror.Conflict(apperror.CodeSoldOut, "no capacity")
	req := createReq()
	req.IdempotencyKey = "k-2"

	_, err := f.orch.Create(context.Background(), req)
	require.Error(t, err)
	f.slots.reserveErr = nil
	res, err := f.orch.Create(context.Background(), req)

	assert.Equal(t, apperror.CodeSoldOut, apperror.CodeOf(err))
	assert.Equal(t, apperror.CodeSoldOut, res.Code)
	assert.Equal(t, 1, f.slots.calls())
}

func TestCreate_ContendedConflictIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.slots.reserveErr = apperror.Conflict(apperror.CodeSoldOut, "locked").
		WithDetails(map[string]any{"contended": true})
	req := createReq()
	req.IdempotencyKey = "k-3"

	_, err := f.orch.Create(context.Background(), req)
	require.Error(t, err)
	f.slots.reserveErr = nil
	res, err := f.orch.Create(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, f.slots.calls())
}

func TestCreate_FingerprintMismatch(t *testing.T) {
	f := newFixture(t)
	req := createReq()
	req.IdempotencyKey = "k-4"
	_, err := f.orch.Create(context.Background(), req)
	require.NoError(t, err)

	req.StartTime = nine.Add(time.Hour)
	res, err := f.orch.Create(context.Background(), req)
	assert.Equal(t, apperror.CodeFingerprintMismatch, apperror.CodeOf(err))
	assert.False(t, res.Success)
	assert.Equal(t, 1, f.slots.calls())
}

func TestCreate_LockContentionTimesOut(t *testing.T) {
	f := newFixture(t)
	other, err := f.locks.Acquire(context.Background(), "acme:1", []string{
		itoa(nine.Add(15 * time.Minute).Unix()),
	}, "acme:99", lock.AcquireOptions{})
	require.NoError(t, err)
	f.slots.alternatives = []reservation.Alternative{{StartAt: nine.Add(time.Hour)}}

	res, err := f.orch.Create(context.Background(), createReq())
	assert.Equal(t, apperror.CodeLockTimeout, apperror.CodeOf(err))
	assert.Equal(t, apperror.OutcomeTimeout, res.Outcome)
	assert.NotEmpty(t, res.Alternatives)
	assert.Zero(t, f.slots.calls(), "no database work without the window lock")

	_, err = f.locks.Release(context.Background(), other.Record)
	require.NoError(t, err)
	_, err = f.orch.Create(context.Background(), createReq())
	assert.NoError(t, err)
}

func TestCreate_ParticipantsCommit(t *testing.T) {
	f := newFixture(t)
	var committed atomic.Int32
	req := createReq()
	req.Participants = []Participant{{
		Operation: txn.Operation{
			ParticipantID: "payment",
			Commit:        func(context.Context) error { committed.Add(1); return nil },
		},
		Compensate: func(context.Context) error { return nil },
	}}

	res, err := f.orch.Create(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, res.TransactionID)
	assert.Equal(t, int32(1), committed.Load())
	assert.Equal(t, res.TransactionID, f.events.events[0].TransactionID)
}

func TestCreate_ParticipantRefusalReleasesSlots(t *testing.T) {
	f := newFixture(t)
	var committed atomic.Int32
	req := createReq()
	req.Participants = []Participant{
		{Operation: txn.Operation{ParticipantID: "inventory", Commit: func(context.Context) error { committed.Add(1); return nil }}},
		{Operation: txn.Operation{ParticipantID: "payment", Prepare: func(context.Context) error { return errors.New("card declined") }}},
	}

	res, err := f.orch.Create(context.Background(), req)
	assert.Equal(t, apperror.CodePrepareFailed, apperror.CodeOf(err))
	assert.False(t, res.Success)
	assert.Zero(t, committed.Load())
	assert.Equal(t, model.BookingCancelled, f.slots.status(101), "reservation compensated")
	assert.Empty(t, f.events.events)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	created, err := f.orch.Create(context.Background(), createReq())
	require.NoError(t, err)

	res, err := f.orch.Cancel(context.Background(), CancelRequest{TenantID: "acme", BookingID: created.Booking.ID})
	require.NoError(t, err)
	assert.Equal(t, model.BookingCancelled, res.Booking.Status)
	assert.Equal(t, queue.EventBookingCancelled, f.events.events[1].Type)

	_, err = f.orch.Cancel(context.Background(), CancelRequest{TenantID: "acme", BookingID: created.Booking.ID})
	assert.Equal(t, apperror.CodeInvalidTransition, apperror.CodeOf(err))

	_, err = f.orch.Cancel(context.Background(), CancelRequest{TenantID: "other", BookingID: created.Booking.ID})
	assert.Equal(t, apperror.CodeNotFound, apperror.CodeOf(err))

	_, err = f.orch.Cancel(context.Background(), CancelRequest{TenantID: "acme"})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestCancel_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	created, err := f.orch.Create(context.Background(), createReq())
	require.NoError(t, err)

	req := CancelRequest{TenantID: "acme", BookingID: created.Booking.ID, IdempotencyKey: "c-1"}
	_, err = f.orch.Cancel(context.Background(), req)
	require.NoError(t, err)
	res, err := f.orch.Cancel(context.Background(), req)
	require.NoError(t, err, "a replayed cancel returns the first result, not INVALID_TRANSITION")
	assert.Equal(t, model.BookingCancelled, res.Booking.Status)
}

func TestReschedule(t *testing.T) {
	f := newFixture(t)
	created, err := f.orch.Create(context.Background(), createReq())
	require.NoError(t, err)

	req := RescheduleRequest{BookingID: created.Booking.ID, CreateRequest: createReq()}
	req.StartTime = nine.Add(2 * time.Hour)
	res, err := f.orch.Reschedule(context.Background(), req)
	require.NoError(t, err)

	assert.NotEqual(t, created.Booking.ID, res.Booking.ID)
	assert.Equal(t, nine.Add(2*time.Hour), res.Booking.StartAt)
	require.NotNil(t, res.Previous)
	assert.Equal(t, model.BookingCancelled, f.slots.status(created.Booking.ID))
	assert.Equal(t, model.BookingConfirmed, f.slots.status(res.Booking.ID))

	last := f.events.events[len(f.events.events)-1]
	assert.Equal(t, queue.EventBookingRescheduled, last.Type)
	assert.Equal(t, created.Booking.ID, last.PreviousID)
}

func TestReschedule_ReleaseOldFailsKeepsOriginal(t *testing.T) {
	f := newFixture(t)
	created, err := f.orch.Create(context.Background(), createReq())
	require.NoError(t, err)
	f.slots.releaseErr[created.Booking.ID] = apperror.Storage("db down", errors.New("conn reset"))

	req := RescheduleRequest{BookingID: created.Booking.ID, CreateRequest: createReq()}
	req.StartTime = nine.Add(2 * time.Hour)
	_, err = f.orch.Reschedule(context.Background(), req)
	assert.Equal(t, apperror.KindStorage, apperror.KindOf(err))

	assert.Equal(t, model.BookingConfirmed, f.slots.status(created.Booking.ID))
	assert.Equal(t, model.BookingCancelled, f.slots.status(created.Booking.ID+1), "new booking compensated")
}

func TestReschedule_RequiresBookingID(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Reschedule(context.Background(), RescheduleRequest{CreateRequest: createReq()})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestResult_Err(t *testing.T) {
	var nilResult *Result
	assert.NoError(t, nilResult.Err())
	assert.NoError(t, okResult(nil).Err())

	r := failedResult(apperror.Conflict(apperror.CodeSoldOut, "gone"))
	err := r.Err()
	assert.Equal(t, apperror.CodeSoldOut, apperror.CodeOf(err))
	e, _ := apperror.As(err)
	assert.True(t, e.Retryable)
}

func TestCacheable(t *testing.T) {
	assert.True(t, cacheable(apperror.InvalidInput("bad")))
	assert.True(t, cacheable(apperror.Conflict(apperror.CodeSoldOut, "x")))
	assert.False(t, cacheable(apperror.Conflict(apperror.CodeSoldOut, "x").WithDetails(map[string]any{"contended": true})))
	assert.False(t, cacheable(apperror.Conflict(apperror.CodeLockHeld, "x")))
	assert.False(t, cacheable(apperror.Timeout(apperror.CodeLockTimeout, "x")))
	assert.False(t, cacheable(errors.New("raw")))
}
