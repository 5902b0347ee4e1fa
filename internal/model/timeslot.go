package model

import "time"

// TimeSlot is one granular unit of bookable time on a resource.  Adjacent
// slots of a resource are contiguous and never overlap.  Capacity is only
// ever changed through a guarded decrement or increment inside a database
// transaction, so AvailableCapacity never drops below zero.
//
// Fields:
//  ID                – primary key identifier.
//  TenantID          – tenant that owns the resource.
//  ResourceID        – bookable resource (room, court, practitioner).
//  StartAt / EndAt   – half-open interval [StartAt, EndAt) in UTC.
//  AvailableCapacity – units that can still be booked.
type TimeSlot struct {
	ID                uint64    // timeslots.id
	TenantID          string    // timeslots.tenant_id
	ResourceID        uint64    // timeslots.resource_id
	StartAt           time.Time // timeslots.start_at
	EndAt             time.Time // timeslots.end_at
	AvailableCapacity int       // timeslots.available_capacity
}

// Contiguous reports whether next starts exactly where s ends.
func (s TimeSlot) Contiguous(next TimeSlot) bool {
	return s.EndAt.Equal(next.StartAt)
}
