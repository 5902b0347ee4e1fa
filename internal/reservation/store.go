package reservation

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/slot-booking/internal/model"
	"github.com/iliyamo/slot-booking/internal/repository"
)

// Store is the relational gateway the engine runs against.  InTx runs fn
// inside one database transaction: a nil return commits, anything else
// rolls back.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	ListRange(ctx context.Context, tenantID string, resourceID uint64, from, to time.Time) ([]model.TimeSlot, error)
}

// Tx is the set of row-level primitives available inside a transaction.
type Tx interface {
	LockRange(ctx context.Context, tenantID string, resourceID uint64, from, to time.Time, limit int) ([]model.TimeSlot, error)
	ListRange(ctx context.Context, tenantID string, resourceID uint64, from, to time.Time) ([]model.TimeSlot, error)
	LockByIDs(ctx context.Context, ids []uint64) ([]model.TimeSlot, error)
	DecrementCapacity(ctx context.Context, ids []uint64, units int) (int64, error)
	IncrementCapacity(ctx context.Context, ids []uint64, units int) (int64, error)
	CreateBooking(ctx context.Context, b *model.Booking) error
	GetBookingForUpdate(ctx context.Context, tenantID string, bookingID uint64) (*model.Booking, error)
	UpdateBookingStatus(ctx context.Context, bookingID uint64, status string) error
}

// SQLStore implements Store on MySQL through the slot and booking
// repositories.
type SQLStore struct {
	Slots    *repository.TimeSlotRepo
	Bookings *repository.BookingRepo
}

// NewSQLStore constructs a SQLStore.  Both repositories must share a
// database handle.
func NewSQLStore(slots *repository.TimeSlotRepo, bookings *repository.BookingRepo) *SQLStore {
	if slots == nil || bookings == nil {
		panic("nil repository passed to NewSQLStore")
	}
	return &SQLStore{Slots: slots, Bookings: bookings}
}

func (s *SQLStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.Slots.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&sqlTx{tx: tx, slots: s.Slots, bookings: s.Bookings}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLStore) ListRange(ctx context.Context, tenantID string, resourceID uint64, from, to time.Time) ([]model.TimeSlot, error) {
	return s.Slots.ListRange(ctx, tenantID, resourceID, from, to)
}

type sqlTx struct {
	tx       *sql.Tx
	slots    *repository.TimeSlotRepo
	bookings *repository.BookingRepo
}

func (t *sqlTx) LockRange(ctx context.Context, tenantID string, resourceID uint64, from, to time.Time, limit int) ([]model.TimeSlot, error) {
	return t.slots.LockRangeTx(ctx, t.tx, tenantID, resourceID, from, to, limit)
}

func (t *sqlTx) ListRange(ctx context.Context, tenantID string, resourceID uint64, from, to time.Time) ([]model.TimeSlot, error) {
	return t.slots.ListRangeTx(ctx, t.tx, tenantID, resourceID, from, to)
}

func (t *sqlTx) LockByIDs(ctx context.Context, ids []uint64) ([]model.TimeSlot, error) {
	return t.slots.LockByIDsTx(ctx, t.tx, ids)
}

func (t *sqlTx) DecrementCapacity(ctx context.Context, ids []uint64, units int) (int64, error) {
	return t.slots.DecrementCapacityTx(ctx, t.tx, ids, units)
}

func (t *sqlTx) IncrementCapacity(ctx context.Context, ids []uint64, units int) (int64, error) {
	return t.slots.IncrementCapacityTx(ctx, t.tx, ids, units)
}

// CreateBooking inserts the booking and its slot links.
func (t *sqlTx) CreateBooking(ctx context.Context, b *model.Booking) error {
	if err := t.bookings.CreateTx(ctx, t.tx, b); err != nil {
		return err
	}
	return t.bookings.CreateSlotsBulkTx(ctx, t.tx, b.ID, b.SlotIDs)
}

func (t *sqlTx) GetBookingForUpdate(ctx context.Context, tenantID string, bookingID uint64) (*model.Booking, error) {
	return t.bookings.GetForUpdateTx(ctx, t.tx, tenantID, bookingID)
}

func (t *sqlTx) UpdateBookingStatus(ctx context.Context, bookingID uint64, status string) error {
	return t.bookings.UpdateStatusTx(ctx, t.tx, bookingID, status)
}
