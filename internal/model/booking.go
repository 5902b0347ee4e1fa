package model

import "time"

const (
	BookingConfirmed = "CONFIRMED"
	BookingCancelled = "CANCELLED"
)

// Booking is the record created in the same transaction that decrements slot
// capacity.  Units is the capacity taken from every covered slot.
//
// Fields:
//  ID          – primary key identifier.
//  TenantID    – tenant owning the booking.
//  ResourceID  – resource being booked.
//  UserID      – user who made the booking.
//  StartAt     – start of the reserved block (buffers included).
//  EndAt       – end of the reserved block (buffers included).
//  Units       – capacity consumed per slot.
//  Status      – CONFIRMED or CANCELLED.
//  SlotIDs     – covered timeslots in ascending start order.
type Booking struct {
	ID         uint64    `json:"id"`          // bookings.id
	TenantID   string    `json:"tenant_id"`   // bookings.tenant_id
	ResourceID uint64    `json:"resource_id"` // bookings.resource_id
	UserID     uint64    `json:"user_id"`     // bookings.user_id
	StartAt    time.Time `json:"start_at"`    // bookings.start_at
	EndAt      time.Time `json:"end_at"`      // bookings.end_at
	Units      int       `json:"units"`       // bookings.units
	Status     string    `json:"status"`      // bookings.status
	SlotIDs    []uint64  `json:"slot_ids"`    // booking_slots.slot_id
	CreatedAt  time.Time `json:"created_at"`  // bookings.created_at
	UpdatedAt  time.Time `json:"updated_at"`  // bookings.updated_at
}
