package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/slot-booking/internal/model"
)

// BookingRepo persists bookings and their slot links.  Bookings are always
// created inside the reservation transaction so that capacity decrement
// and booking creation commit or roll back together.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a new BookingRepo bound to the given database.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

// CreateTx inserts a booking and populates its generated ID and timestamps.
func (r *BookingRepo) CreateTx(ctx context.Context, tx *sql.Tx, b *model.Booking) error {
	const q = `INSERT INTO bookings (tenant_id, resource_id, user_id, start_at, end_at, units, status)
               VALUES (?, ?, ?, ?, ?, ?, ?)`
	result, err := tx.ExecContext(ctx, q, b.TenantID, b.ResourceID, b.UserID, b.StartAt.UTC(), b.EndAt.UTC(), b.Units, b.Status)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	b.ID = uint64(id)
	// Query back the timestamps set by column defaults.
	const sel = `SELECT created_at, updated_at FROM bookings WHERE id = ?`
	if err := tx.QueryRowContext(ctx, sel, b.ID).Scan(&b.CreatedAt, &b.UpdatedAt); err != nil {
		return err
	}
	return nil
}

// CreateSlotsBulkTx links a booking to its slots in a single statement.
// Passing an empty slice has no effect and returns nil.
func (r *BookingRepo) CreateSlotsBulkTx(ctx context.Context, tx *sql.Tx, bookingID uint64, slotIDs []uint64) error {
	if len(slotIDs) == 0 {
		return nil
	}
	query := `INSERT INTO booking_slots (booking_id, slot_id) VALUES `
	args := make([]interface{}, 0, len(slotIDs)*2)
	for i, sid := range slotIDs {
		if i > 0 {
			query += ","
		}
		query += "(?, ?)"
		args = append(args, bookingID, sid)
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

const bookingColumns = `id, tenant_id, resource_id, user_id, start_at, end_at, units, status, created_at, updated_at`

// GetForUpdateTx loads a booking of the tenant and locks its row for the
// rest of the transaction.  It returns ErrNotFound when no such booking
// exists.
func (r *BookingRepo) GetForUpdateTx(ctx context.Context, tx *sql.Tx, tenantID string, bookingID uint64) (*model.Booking, error) {
	const q = `SELECT ` + bookingColumns + ` FROM bookings WHERE id = ? AND tenant_id = ? FOR UPDATE`
	b, err := scanBooking(tx.QueryRowContext(ctx, q, bookingID, tenantID))
	if err != nil {
		return nil, err
	}
	if b.SlotIDs, err = r.slotIDs(ctx, tx, bookingID); err != nil {
		return nil, err
	}
	return b, nil
}

// GetByID loads a booking of the tenant with its slot IDs.
func (r *BookingRepo) GetByID(ctx context.Context, tenantID string, bookingID uint64) (*model.Booking, error) {
	const q = `SELECT ` + bookingColumns + ` FROM bookings WHERE id = ? AND tenant_id = ?`
	b, err := scanBooking(r.db.QueryRowContext(ctx, q, bookingID, tenantID))
	if err != nil {
		return nil, err
	}
	if b.SlotIDs, err = r.slotIDs(ctx, r.db, bookingID); err != nil {
		return nil, err
	}
	return b, nil
}

// UpdateStatusTx sets the status of a booking inside tx.
func (r *BookingRepo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, bookingID uint64, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE bookings SET status = ? WHERE id = ?`, status, bookingID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (r *BookingRepo) slotIDs(ctx context.Context, q queryer, bookingID uint64) ([]uint64, error) {
	const sel = `SELECT bs.slot_id
                 FROM booking_slots bs
                 JOIN timeslots t ON t.id = bs.slot_id
                 WHERE bs.booking_id = ?
                 ORDER BY t.start_at ASC`
	rows, err := q.QueryContext(ctx, sel, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make([]uint64, 0)
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func scanBooking(row *sql.Row) (*model.Booking, error) {
	var b model.Booking
	err := row.Scan(&b.ID, &b.TenantID, &b.ResourceID, &b.UserID, &b.StartAt, &b.EndAt,
		&b.Units, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.StartAt = b.StartAt.UTC()
	b.EndAt = b.EndAt.UTC()
	return &b, nil
}
