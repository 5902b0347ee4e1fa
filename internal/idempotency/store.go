package idempotency

import (
	"context"
	"time"

	"github.com/iliyamo/slot-booking/internal/model"
)

// Store persists idempotency records.  Every mutating method is a single
// atomic compare-and-set so that concurrent processes agree on who owns a
// key.  repository.IdempotencyRepo (MySQL) and RedisStore implement it.
type Store interface {
	// Insert writes rec unless a live record holds its key, returning
	// created=true or the record that already holds the key.
	Insert(ctx context.Context, rec *model.IdempotencyRecord) (bool, *model.IdempotencyRecord, error)
	// Get returns the record or nil when absent.
	Get(ctx context.Context, tenantID, key string) (*model.IdempotencyRecord, error)
	// Complete moves a PENDING record to a terminal status, at most once.
	Complete(ctx context.Context, tenantID, key string, status model.IdempotencyStatus, response []byte, errMsg string) (bool, error)
	// Reclaim moves a FAILED record with retry budget back to PENDING.
	Reclaim(ctx context.Context, tenantID, key string) (bool, error)
	// ExpireBefore marks records expired at now and returns the count.
	ExpireBefore(ctx context.Context, now time.Time) (int64, error)
}
