package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/iliyamo/slot-booking/internal/apperror"
	"github.com/iliyamo/slot-booking/internal/config"
	"github.com/iliyamo/slot-booking/internal/idempotency"
	"github.com/iliyamo/slot-booking/internal/lock"
	"github.com/iliyamo/slot-booking/internal/logger"
	"github.com/iliyamo/slot-booking/internal/model"
	"github.com/iliyamo/slot-booking/internal/queue"
	"github.com/iliyamo/slot-booking/internal/reservation"
	"github.com/iliyamo/slot-booking/internal/txn"
)

// Locker fences a slot-grid window across processes.
type Locker interface {
	Acquire(ctx context.Context, resourceID string, slotIDs []string, ownerID string, opts lock.AcquireOptions) (*lock.LockResult, error)
	Release(ctx context.Context, rec *model.LockRecord) (bool, error)
}

// Deps are the collaborators of an Orchestrator.  Events may be nil.
type Deps struct {
	Slots       Slots
	Locks       Locker
	Idempotency Deduplicator
	Sagas       Sagas
	Committer   Committer
	Events      Events
}

type Orchestrator struct {
	Deps
	cfg    config.BookingConfig
	resCfg config.ReservationConfig
	log    *logger.Logger
}

func NewOrchestrator(deps Deps, cfg config.BookingConfig, resCfg config.ReservationConfig, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		Deps:   deps,
		cfg:    cfg,
		resCfg: resCfg,
		log:    logger.OrNop(log).With("component", "booking"),
	}
}

// Create books the requested window.  With an idempotency key the whole
// flow runs at most once and repeats replay the first result.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*Result, error) {
	if req.GranularityMin == 0 {
		req.GranularityMin = o.resCfg.DefaultGranularityMin
	}
	return o.dedupe(ctx, req.IdempotencyKey, req.TenantID, "create", req, func(ctx context.Context) (*Result, error) {
		return o.create(ctx, req)
	})
}

// Cancel releases a confirmed booking and returns its capacity.
func (o *Orchestrator) Cancel(ctx context.Context, req CancelRequest) (*Result, error) {
	return o.dedupe(ctx, req.IdempotencyKey, req.TenantID, "cancel", req, func(ctx context.Context) (*Result, error) {
		return o.cancel(ctx, req)
	})
}

// Reschedule reserves the new window and then releases the old booking.
// If releasing fails the new booking is released again.
func (o *Orchestrator) Reschedule(ctx context.Context, req RescheduleRequest) (*Result, error) {
	if req.GranularityMin == 0 {
		req.GranularityMin = o.resCfg.DefaultGranularityMin
	}
	return o.dedupe(ctx, req.IdempotencyKey, req.TenantID, "reschedule", req, func(ctx context.Context) (*Result, error) {
		return o.reschedule(ctx, req)
	})
}

func (o *Orchestrator) create(ctx context.Context, req CreateRequest) (*Result, error) {
	rr := req.reserveRequest()
	held, err := o.lockWindow(ctx, rr)
	if err != nil {
		return o.conflictResult(ctx, rr, err)
	}
	defer o.unlock(ctx, held)

	var (
		res  *reservation.Reservation
		txID string
	)
	steps := []txn.Step{{
		StepID:     "reserve-slots",
		Execute:    o.reserveStep(rr, &res),
		Compensate: o.releaseStep(req.TenantID, &res),
	}}
	if len(req.Participants) > 0 {
		steps = append(steps, txn.Step{
			StepID:       "commit-participants",
			Dependencies: []string{"reserve-slots"},
			Execute: func(ctx context.Context) error {
				ops := make([]txn.Operation, len(req.Participants))
				for i, p := range req.Participants {
					ops[i] = p.Operation
				}
				tx, err := o.Committer.Execute(ctx, ops)
				if tx != nil {
					txID = tx.TransactionID
				}
				return err
			},
			Compensate: func(ctx context.Context) error {
				for i := len(req.Participants) - 1; i >= 0; i-- {
					if c := req.Participants[i].Compensate; c != nil {
						if err := c(ctx); err != nil {
							return fmt.Errorf("compensate %s: %w", req.Participants[i].ParticipantID, err)
						}
					}
				}
				return nil
			},
		})
	}

	if _, err := o.Sagas.Run(ctx, "create-booking", steps); err != nil {
		return o.conflictResult(ctx, rr, err)
	}

	out := okResult(res.Booking)
	out.TransactionID = txID
	o.publish(ctx, queue.EventBookingConfirmed, res.Booking, 0, txID)
	o.log.Info("booking confirmed", "booking_id", res.BookingID, "tenant_id", req.TenantID,
		"resource_id", req.ResourceID, "slots", len(res.SlotIDs))
	return out, nil
}

func (o *Orchestrator) cancel(ctx context.Context, req CancelRequest) (*Result, error) {
	if req.TenantID == "" || req.BookingID == 0 {
		err := apperror.InvalidInput("tenant_id and booking_id are required")
		return failedResult(err), err
	}
	b, err := o.Slots.Release(ctx, req.TenantID, req.BookingID)
	if err != nil {
		return failedResult(err), err
	}
	o.publish(ctx, queue.EventBookingCancelled, b, 0, "")
	o.log.Info("booking cancelled", "booking_id", b.ID, "tenant_id", req.TenantID)
	return okResult(b), nil
}

func (o *Orchestrator) reschedule(ctx context.Context, req RescheduleRequest) (*Result, error) {
	if req.BookingID == 0 {
		err := apperror.InvalidInput("booking_id is required")
		return failedResult(err), err
	}
	rr := req.reserveRequest()
	held, err := o.lockWindow(ctx, rr)
	if err != nil {
		return o.conflictResult(ctx, rr, err)
	}
	defer o.unlock(ctx, held)

	var (
		res *reservation.Reservation
		old *model.Booking
	)
	steps := []txn.Step{
		{
			StepID:     "reserve-new",
			Execute:    o.reserveStep(rr, &res),
			Compensate: o.releaseStep(req.TenantID, &res),
		},
		{
			StepID:       "release-old",
			Dependencies: []string{"reserve-new"},
			Execute: func(ctx context.Context) error {
				b, err := o.Slots.Release(ctx, req.TenantID, req.BookingID)
				if err != nil {
					return err
				}
				old = b
				return nil
			},
			Compensate: func(ctx context.Context) error {
				_, err := o.Slots.Restore(ctx, req.TenantID, req.BookingID)
				return err
			},
		},
	}
	if _, err := o.Sagas.Run(ctx, "reschedule-booking", steps); err != nil {
		return o.conflictResult(ctx, rr, err)
	}

	out := okResult(res.Booking)
	out.Previous = old
	o.publish(ctx, queue.EventBookingRescheduled, res.Booking, req.BookingID, "")
	o.log.Info("booking rescheduled", "booking_id", res.BookingID, "previous_booking_id", req.BookingID,
		"tenant_id", req.TenantID)
	return out, nil
}

// reserveStep reserves the slots and stores the reservation in *out.  A
// reservation that lands after the step's deadline is released at once,
// since the saga will not compensate a step it considers failed.
func (o *Orchestrator) reserveStep(rr reservation.ReserveRequest, out **reservation.Reservation) func(context.Context) error {
	return func(ctx context.Context) error {
		r, err := o.Slots.ReserveContinuous(ctx, rr)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			if _, rerr := o.Slots.Release(context.WithoutCancel(ctx), rr.TenantID, r.BookingID); rerr != nil {
				o.log.Error("release of late reservation failed", "booking_id", r.BookingID, "error", rerr)
			}
			return ctx.Err()
		}
		*out = r
		return nil
	}
}

func (o *Orchestrator) releaseStep(tenantID string, res **reservation.Reservation) func(context.Context) error {
	return func(ctx context.Context) error {
		if *res == nil {
			return nil
		}
		_, err := o.Slots.Release(ctx, tenantID, (*res).BookingID)
		return err
	}
}

// lockWindow fences the slot grid of the requested window.  Keys are grid
// start times, so overlapping requests contend even before slot rows are
// read.
func (o *Orchestrator) lockWindow(ctx context.Context, rr reservation.ReserveRequest) (*model.LockRecord, error) {
	k, err := rr.SlotCount()
	if err != nil {
		return nil, err
	}
	start, _ := rr.Window(k)
	step := time.Duration(rr.GranularityMin) * time.Minute
	grid := make([]string, k)
	for i := range grid {
		grid[i] = strconv.FormatInt(start.Add(time.Duration(i)*step).Unix(), 10)
	}
	resource := rr.TenantID + ":" + strconv.FormatUint(rr.ResourceID, 10)
	owner := rr.TenantID + ":" + strconv.FormatUint(rr.UserID, 10)

	res, err := o.Locks.Acquire(ctx, resource, grid, owner, lock.AcquireOptions{
		TTL:         o.cfg.LockTTL,
		Priority:    model.PriorityNormal,
		Timeout:     o.cfg.LockWait,
		WaitForLock: true,
	})
	if err != nil {
		return nil, err
	}
	return res.Record, nil
}

func (o *Orchestrator) unlock(ctx context.Context, rec *model.LockRecord) {
	ok, err := o.Locks.Release(context.WithoutCancel(ctx), rec)
	if err != nil {
		o.log.Error("lock release failed", "lock_key", rec.LockKey(), "error", err)
		return
	}
	if !ok {
		o.log.Warn("lock expired before release", "lock_key", rec.LockKey())
	}
}

// conflictResult turns err into a failed result and, for slot conflicts,
// attaches alternative start times.
func (o *Orchestrator) conflictResult(ctx context.Context, rr reservation.ReserveRequest, err error) (*Result, error) {
	out := failedResult(err)
	if !suggestsAlternatives(err) {
		return out, err
	}
	alts, aerr := o.Slots.FindAlternatives(ctx, reservation.AlternativesQuery{
		Request: rr,
		Window:  o.resCfg.AlternativesWindow,
		Limit:   o.resCfg.AlternativesLimit,
	})
	if aerr != nil {
		o.log.Warn("alternative search failed", "resource_id", rr.ResourceID, "error", aerr)
		return out, err
	}
	out.Alternatives = alts
	return out, err
}

func suggestsAlternatives(err error) bool {
	switch apperror.CodeOf(err) {
	case apperror.CodeSoldOut, apperror.CodeInsufficientContinuousSlots,
		apperror.CodeLockHeld, apperror.CodeLockTimeout:
		return true
	}
	return false
}

func (o *Orchestrator) publish(ctx context.Context, typ string, b *model.Booking, previousID uint64, txID string) {
	if o.Events == nil || b == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PublishTimeout)
	defer cancel()
	ev := queue.BookingEvent{
		Type:          typ,
		BookingID:     b.ID,
		PreviousID:    previousID,
		TenantID:      b.TenantID,
		ResourceID:    b.ResourceID,
		UserID:        b.UserID,
		StartsAt:      b.StartAt,
		EndsAt:        b.EndAt,
		SlotIDs:       b.SlotIDs,
		Units:         b.Units,
		TransactionID: txID,
	}
	if err := o.Events.PublishBooking(pctx, ev); err != nil {
		o.log.Warn("booking event not published", "type", typ, "booking_id", b.ID, "error", err)
	}
}

// dedupe runs fn under the idempotency key.  Successful results and
// deterministic rejections are cached; timeouts, lock contention and fatal
// errors leave the key retryable.
func (o *Orchestrator) dedupe(ctx context.Context, key, tenantID, op string, body any, fn func(ctx context.Context) (*Result, error)) (*Result, error) {
	if key == "" || o.Idempotency == nil {
		return fn(ctx)
	}
	fp, err := idempotency.Fingerprint(struct {
		Op   string `json:"op"`
		Body any    `json:"body"`
	}{op, body})
	if err != nil {
		return failedResult(err), err
	}

	var live *Result
	raw, err := o.Idempotency.Execute(ctx, key, tenantID, fp, func(ctx context.Context) ([]byte, error) {
		res, ferr := fn(ctx)
		live = res
		if ferr != nil && !cacheable(ferr) {
			return nil, ferr
		}
		return json.Marshal(res)
	})
	if err != nil {
		if live != nil {
			return live, err
		}
		return failedResult(err), err
	}
	if live != nil {
		return live, live.Err()
	}

	var replay Result
	if uerr := json.Unmarshal(raw, &replay); uerr != nil {
		err := apperror.Storage("decode cached response", uerr)
		return failedResult(err), err
	}
	return &replay, replay.Err()
}

// cacheable reports whether a failure would repeat for an identical
// request, so replaying it is correct.
func cacheable(err error) bool {
	e, ok := apperror.As(err)
	if !ok {
		return false
	}
	switch e.Kind {
	case apperror.KindValidation:
		return true
	case apperror.KindConflict:
		if contended, _ := e.Details["contended"].(bool); contended {
			return false
		}
		switch e.Code {
		case apperror.CodeSoldOut, apperror.CodeInsufficientContinuousSlots,
			apperror.CodeNotFound, apperror.CodeInvalidTransition, apperror.CodePrepareFailed:
			return true
		}
	}
	return false
}
