package model

import "time"

// IdempotencyStatus is the lifecycle state of an idempotency record.
type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "PENDING"
	IdempotencyCompleted IdempotencyStatus = "COMPLETED"
	IdempotencyFailed    IdempotencyStatus = "FAILED"
	IdempotencyExpired   IdempotencyStatus = "EXPIRED"
)

// Terminal reports whether s is COMPLETED or FAILED.
func (s IdempotencyStatus) Terminal() bool {
	return s == IdempotencyCompleted || s == IdempotencyFailed
}

// IdempotencyRecord binds a (TenantID, Key) pair to exactly one request
// fingerprint for its lifetime.
//
// Fields:
//  Key                – client supplied idempotency key.
//  TenantID           – tenant scope of the key.
//  RequestFingerprint – hash of the request's semantic content.
//  Status             – PENDING, COMPLETED, FAILED or EXPIRED.
//  CachedResponse     – response replayed for COMPLETED records.
//  ErrorMessage       – failure reason for FAILED records.
//  RetryCount         – how many times a FAILED record was re-claimed.
//  MaxRetries         – retry budget for FAILED records.
type IdempotencyRecord struct {
	Key                string            `json:"key"`
	TenantID           string            `json:"tenant_id"`
	RequestFingerprint string            `json:"fingerprint"`
	Status             IdempotencyStatus `json:"status"`
	CachedResponse     []byte            `json:"response,omitempty"`
	ErrorMessage       string            `json:"error,omitempty"`
	RetryCount         int               `json:"retry_count"`
	MaxRetries         int               `json:"max_retries"`
	CreatedAt          time.Time         `json:"created_at"`
	ExpiresAt          time.Time         `json:"expires_at"`
}

// Expired reports whether the record is past its expiry at now.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return r.Status == IdempotencyExpired || !r.ExpiresAt.After(now)
}

// CanRetry reports whether a FAILED record still has retry budget.
func (r *IdempotencyRecord) CanRetry() bool {
	return r.Status == IdempotencyFailed && r.RetryCount < r.MaxRetries
}
