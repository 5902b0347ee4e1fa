package booking

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/slot-booking/internal/apperror"
	"github.com/iliyamo/slot-booking/internal/config"
	"github.com/iliyamo/slot-booking/internal/idempotency"
	"github.com/iliyamo/slot-booking/internal/lock"
	"github.com/iliyamo/slot-booking/internal/model"
	"github.com/iliyamo/slot-booking/internal/queue"
	"github.com/iliyamo/slot-booking/internal/reservation"
	"github.com/iliyamo/slot-booking/internal/txn"
)

// fakeSlots books every request that fits under capacity per start time.
type fakeSlots struct {
	mu           sync.Mutex
	nextID       uint64
	bookings     map[uint64]*model.Booking
	reserveCalls int
	reserveErr   error
	releaseErr   map[uint64]error
	alternatives []reservation.Alternative
}

func newFakeSlots() *fakeSlots {
	return &fakeSlots{
		nextID:     100,
		bookings:   make(map[uint64]*model.Booking),
		releaseErr: make(map[uint64]error),
	}
}

func (f *fakeSlots) ReserveContinuous(_ context.Context, req reservation.ReserveRequest) (*reservation.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserveCalls++
	k, err := req.SlotCount()
	if err != nil {
		return nil, err
	}
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	f.nextID++
	start, end := req.Window(k)
	b := &model.Booking{
		ID:         f.nextID,
		TenantID:   req.TenantID,
		ResourceID: req.ResourceID,
		UserID:     req.UserID,
		StartAt:    start,
		EndAt:      end,
		Units:      req.RequiredCapacity,
		Status:     model.BookingConfirmed,
	}
	for i := 0; i < k; i++ {
		b.SlotIDs = append(b.SlotIDs, uint64(i+1))
	}
	f.bookings[b.ID] = b
	cp := *b
	return &reservation.Reservation{BookingID: b.ID, SlotIDs: b.SlotIDs, StartAt: start, EndAt: end, Booking: &cp}, nil
}

func (f *fakeSlots) Release(_ context.Context, tenantID string, id uint64) (*model.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.releaseErr[id]; err != nil {
		return nil, err
	}
	b, ok := f.bookings[id]
	if !ok || b.TenantID != tenantID {
		return nil, apperror.NotFound("booking")
	}
	if b.Status != model.BookingConfirmed {
		return nil, apperror.Conflict(apperror.CodeInvalidTransition, "booking is not confirmed")
	}
	b.Status = model.BookingCancelled
	cp := *b
	return &cp, nil
}

func (f *fakeSlots) Restore(_ context.Context, tenantID string, id uint64) (*model.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bookings[id]
	if !ok || b.TenantID != tenantID {
		return nil, apperror.NotFound("booking")
	}
	if b.Status != model.BookingCancelled {
		return nil, apperror.Conflict(apperror.CodeInvalidTransition, "booking is not cancelled")
	}
	b.Status = model.BookingConfirmed
	cp := *b
	return &cp, nil
}

func (f *fakeSlots) FindAlternatives(context.Context, reservation.AlternativesQuery) ([]reservation.Alternative, error) {
	return f.alternatives, nil
}

func (f *fakeSlots) status(id uint64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.bookings[id]; ok {
		return b.Status
	}
	return ""
}

func (f *fakeSlots) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reserveCalls
}

type fakeEvents struct {
	mu     sync.Mutex
	events []queue.BookingEvent
}

func (f *fakeEvents) PublishBooking(_ context.Context, ev queue.BookingEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

// nopState satisfies txn.StateStore without persisting anything.
type nopState struct{}

func (nopState) SaveTransaction(context.Context, *model.DistributedTransactionContext) error {
	return nil
}
func (nopState) GetTransaction(context.Context, string) (*model.DistributedTransactionContext, error) {
	return nil, nil
}
func (nopState) ListStaleTransactions(context.Context, []model.TxStatus, time.Time) ([]*model.DistributedTransactionContext, error) {
	return nil, nil
}
func (nopState) SaveSaga(context.Context, *model.SagaExecution) error { return nil }
func (nopState) GetSaga(context.Context, string) (*model.SagaExecution, error) {
	return nil, nil
}
func (nopState) ListStaleSagas(context.Context, []model.SagaStatus, time.Time) ([]*model.SagaExecution, error) {
	return nil, nil
}

type fixture struct {
	orch   *Orchestrator
	slots  *fakeSlots
	events *fakeEvents
	locks  *lock.Manager
	mr     *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	locks := lock.NewManager(rdb, config.LockConfig{
		Prefix:         "lock",
		DefaultTTL:     5 * time.Second,
		DefaultTimeout: time.Second,
		RetryInterval:  5 * time.Millisecond,
		BackoffBase:    2 * time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}, nil)
	idem := idempotency.NewCoordinator(idempotency.NewRedisStore(rdb, "idem"), config.IdempotencyConfig{
		DefaultTTL:       time.Hour,
		MaxRetries:       3,
		MaxResponseBytes: 64 * 1024,
		PollInterval:     5 * time.Millisecond,
		WaitTimeout:      time.Second,
	}, nil)
	txCfg := config.TxnConfig{
		ParticipantTimeout: time.Second,
		StepTimeout:        time.Second,
		AbortRetries:       1,
	}
	slots := newFakeSlots()
	events := &fakeEvents{}
	orch := NewOrchestrator(Deps{
		Slots:       slots,
		Locks:       locks,
		Idempotency: idem,
		Sagas:       txn.NewSagaOrchestrator(nopState{}, nil, txCfg, nil),
		Committer:   txn.NewCoordinator(nopState{}, nil, txCfg, nil),
		Events:      events,
	}, config.BookingConfig{
		LockTTL:        5 * time.Second,
		LockWait:       50 * time.Millisecond,
		PublishTimeout: time.Second,
	}, config.ReservationConfig{
		DefaultGranularityMin: 15,
		AlternativesLimit:     3,
		AlternativesWindow:    time.Hour,
	}, nil)
	return &fixture{orch: orch, slots: slots, events: events, locks: locks, mr: mr}
}

var nine = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func createReq() CreateRequest {
	return CreateRequest{
		TenantID:    "acme",
		UserID:      7,
		ResourceID:  1,
		StartTime:   nine,
		DurationMin: 30,
		Units:       1,
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
