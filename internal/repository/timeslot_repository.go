package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/slot-booking/internal/model"
)

// TimeSlotRepo provides the row-locking primitives the reservation engine
// needs on the timeslots table.  Locking methods take an existing
// transaction; the caller owns commit and rollback.  All timestamps are UTC.
type TimeSlotRepo struct {
	db *sql.DB
}

// NewTimeSlotRepo returns a new TimeSlotRepo bound to the provided database.
func NewTimeSlotRepo(db *sql.DB) *TimeSlotRepo { return &TimeSlotRepo{db: db} }

// DB exposes the underlying handle so callers can begin transactions.
func (r *TimeSlotRepo) DB() *sql.DB { return r.db }

const slotColumns = `id, tenant_id, resource_id, start_at, end_at, available_capacity`

// LockRangeTx selects at most limit slots of a resource starting in
// [from, to), ordered by start time ascending, and locks them.  Rows that
// another transaction already holds are skipped instead of waited on, so
// a concurrent reservation sees them as unavailable and fails fast.
func (r *TimeSlotRepo) LockRangeTx(ctx context.Context, tx *sql.Tx, tenantID string, resourceID uint64, from, to time.Time, limit int) ([]model.TimeSlot, error) {
	const q = `SELECT ` + slotColumns + `
               FROM timeslots
               WHERE tenant_id = ? AND resource_id = ? AND start_at >= ? AND start_at < ?
               ORDER BY start_at ASC
               LIMIT ?
               FOR UPDATE SKIP LOCKED`
	rows, err := tx.QueryContext(ctx, q, tenantID, resourceID, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanSlots(rows)
}

// LockByIDsTx locks the given slots in ascending start order, waiting for
// concurrent holders.  It is used when giving capacity back, where skipping
// a row would lose the increment.
func (r *TimeSlotRepo) LockByIDsTx(ctx context.Context, tx *sql.Tx, ids []uint64) ([]model.TimeSlot, error) {
	if len(ids) == 0 {
		return []model.TimeSlot{}, nil
	}
	q := `SELECT ` + slotColumns + `
          FROM timeslots
          WHERE id IN (` + inClause(len(ids)) + `)
          ORDER BY start_at ASC
          FOR UPDATE`
	rows, err := tx.QueryContext(ctx, q, uint64Args(ids)...)
	if err != nil {
		return nil, err
	}
	return scanSlots(rows)
}

// DecrementCapacityTx subtracts units from every listed slot that still has
// at least units available and returns how many rows were changed.  A
// result smaller than len(ids) means at least one slot is sold out; the
// caller must roll back.
func (r *TimeSlotRepo) DecrementCapacityTx(ctx context.Context, tx *sql.Tx, ids []uint64, units int) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	q := `UPDATE timeslots
          SET available_capacity = available_capacity - ?
          WHERE id IN (` + inClause(len(ids)) + `) AND available_capacity >= ?`
	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, units)
	args = append(args, uint64Args(ids)...)
	args = append(args, units)
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// IncrementCapacityTx gives units back to every listed slot.
func (r *TimeSlotRepo) IncrementCapacityTx(ctx context.Context, tx *sql.Tx, ids []uint64, units int) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	q := `UPDATE timeslots
          SET available_capacity = available_capacity + ?
          WHERE id IN (` + inClause(len(ids)) + `)`
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, units)
	args = append(args, uint64Args(ids)...)
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListRange returns the slots of a resource starting in [from, to) without
// taking locks.  The result may be stale by the time it is used and is only
// suitable for suggesting alternatives.
func (r *TimeSlotRepo) ListRange(ctx context.Context, tenantID string, resourceID uint64, from, to time.Time) ([]model.TimeSlot, error) {
	return listRange(ctx, r.db, tenantID, resourceID, from, to)
}

// ListRangeTx is ListRange inside tx.  Rows locked by other transactions
// are still returned, which lets the caller tell a contended range from a
// missing one.
func (r *TimeSlotRepo) ListRangeTx(ctx context.Context, tx *sql.Tx, tenantID string, resourceID uint64, from, to time.Time) ([]model.TimeSlot, error) {
	return listRange(ctx, tx, tenantID, resourceID, from, to)
}

func listRange(ctx context.Context, q queryer, tenantID string, resourceID uint64, from, to time.Time) ([]model.TimeSlot, error) {
	const sel = `SELECT ` + slotColumns + `
                 FROM timeslots
                 WHERE tenant_id = ? AND resource_id = ? AND start_at >= ? AND start_at < ?
                 ORDER BY start_at ASC`
	rows, err := q.QueryContext(ctx, sel, tenantID, resourceID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	return scanSlots(rows)
}

func scanSlots(rows *sql.Rows) ([]model.TimeSlot, error) {
	defer rows.Close()
	slots := make([]model.TimeSlot, 0)
	for rows.Next() {
		var s model.TimeSlot
		if err := rows.Scan(&s.ID, &s.TenantID, &s.ResourceID, &s.StartAt, &s.EndAt, &s.AvailableCapacity); err != nil {
			return nil, err
		}
		s.StartAt = s.StartAt.UTC()
		s.EndAt = s.EndAt.UTC()
		slots = append(slots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return slots, nil
}
