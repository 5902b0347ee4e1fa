package model

import "time"

// LockPriority orders waiters queued on the same lock key.
type LockPriority int

const (
	PriorityLow LockPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p LockPriority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

// LockRecord describes a held multi-key lock.  Ownership is proven by
// OwnerToken equality against the value stored under every key, never by
// key presence alone.
type LockRecord struct {
	LockKeys       []string      `json:"lock_keys"` // sorted
	OwnerID        string        `json:"owner_id"`
	OwnerToken     string        `json:"owner_token"`
	TTL            time.Duration `json:"ttl"`
	AcquiredAt     time.Time     `json:"acquired_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	ResourceID     string        `json:"resource_id"`
	CoveredSlotIDs []string      `json:"covered_slot_ids"`
}

// LockKey returns the first (lowest-ordered) key.  It identifies the record
// in logs and local bookkeeping.
func (r *LockRecord) LockKey() string {
	if r == nil || len(r.LockKeys) == 0 {
		return ""
	}
	return r.LockKeys[0]
}

// Expired reports whether the record's TTL has elapsed at now.
func (r *LockRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
