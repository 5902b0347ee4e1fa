package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/slot-booking/internal/model"
)

// IdempotencyRepo is the durable MySQL store for idempotency records.  The
// (tenant_id, idem_key) primary key is the cross-process coordination point:
// exactly one INSERT wins for a live key.
type IdempotencyRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewIdempotencyRepo returns a new IdempotencyRepo bound to the given database.
func NewIdempotencyRepo(db *sql.DB) *IdempotencyRepo {
	return &IdempotencyRepo{db: db, now: time.Now}
}

const idempotencyColumns = `tenant_id, idem_key, fingerprint, status, response, error_message, retry_count, max_retries, created_at, expires_at`

// Insert stores rec unless a live record already exists for its key.  An
// expired record is replaced.  It returns created=true when rec was
// written, otherwise the record that won.
func (r *IdempotencyRepo) Insert(ctx context.Context, rec *model.IdempotencyRecord) (bool, *model.IdempotencyRecord, error) {
	const ins = `INSERT INTO idempotency_keys (` + idempotencyColumns + `)
                 VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, ins, rec.TenantID, rec.Key, rec.RequestFingerprint, rec.Status,
		rec.CachedResponse, rec.RetryCount, rec.MaxRetries, rec.CreatedAt.UTC(), rec.ExpiresAt.UTC())
	if err == nil {
		return true, rec, nil
	}
	if !isDuplicate(err) {
		return false, nil, err
	}

	// Take over the key only if the existing row is expired.  The WHERE
	// clause makes this a compare-and-set against concurrent takeovers.
	const takeover = `UPDATE idempotency_keys
                      SET fingerprint = ?, status = ?, response = NULL, error_message = NULL,
                          retry_count = ?, max_retries = ?, created_at = ?, expires_at = ?
                      WHERE tenant_id = ? AND idem_key = ? AND (status = ? OR expires_at <= ?)`
	res, err := r.db.ExecContext(ctx, takeover, rec.RequestFingerprint, rec.Status, rec.RetryCount, rec.MaxRetries,
		rec.CreatedAt.UTC(), rec.ExpiresAt.UTC(), rec.TenantID, rec.Key, model.IdempotencyExpired, r.now().UTC())
	if err != nil {
		return false, nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, nil, err
	} else if n == 1 {
		return true, rec, nil
	}
	existing, err := r.Get(ctx, rec.TenantID, rec.Key)
	if err != nil {
		return false, nil, err
	}
	if existing == nil {
		// Row vanished between the duplicate error and the read; report
		// a conflict so the caller retries through Check.
		return false, nil, ErrConflict
	}
	return false, existing, nil
}

// Get returns the record for (tenantID, key), or nil when none exists.
func (r *IdempotencyRepo) Get(ctx context.Context, tenantID, key string) (*model.IdempotencyRecord, error) {
	const q = `SELECT ` + idempotencyColumns + ` FROM idempotency_keys WHERE tenant_id = ? AND idem_key = ?`
	var rec model.IdempotencyRecord
	var status string
	var response []byte
	var errMsg sql.NullString
	err := r.db.QueryRowContext(ctx, q, tenantID, key).Scan(
		&rec.TenantID, &rec.Key, &rec.RequestFingerprint, &status, &response, &errMsg,
		&rec.RetryCount, &rec.MaxRetries, &rec.CreatedAt, &rec.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Status = model.IdempotencyStatus(status)
	rec.CachedResponse = response
	if errMsg.Valid {
		rec.ErrorMessage = errMsg.String
	}
	return &rec, nil
}

// Complete moves a PENDING record to a terminal status.  It returns false
// when the record is not PENDING, so the transition happens at most once.
func (r *IdempotencyRepo) Complete(ctx context.Context, tenantID, key string, status model.IdempotencyStatus, response []byte, errMsg string) (bool, error) {
	const q = `UPDATE idempotency_keys
               SET status = ?, response = ?, error_message = ?
               WHERE tenant_id = ? AND idem_key = ? AND status = ?`
	var msg sql.NullString
	if errMsg != "" {
		msg = sql.NullString{String: errMsg, Valid: true}
	}
	res, err := r.db.ExecContext(ctx, q, status, response, msg, tenantID, key, model.IdempotencyPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Reclaim moves a FAILED record with retry budget left back to PENDING and
// counts the retry.  Only one caller can win the reclaim.
func (r *IdempotencyRepo) Reclaim(ctx context.Context, tenantID, key string) (bool, error) {
	const q = `UPDATE idempotency_keys
               SET status = ?, retry_count = retry_count + 1, error_message = NULL
               WHERE tenant_id = ? AND idem_key = ? AND status = ? AND retry_count < max_retries`
	res, err := r.db.ExecContext(ctx, q, model.IdempotencyPending, tenantID, key, model.IdempotencyFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ExpireBefore marks every record whose expiry is at or before now as
// EXPIRED and returns how many were marked.
func (r *IdempotencyRepo) ExpireBefore(ctx context.Context, now time.Time) (int64, error) {
	const q = `UPDATE idempotency_keys SET status = ?, response = NULL
               WHERE expires_at <= ? AND status <> ?`
	res, err := r.db.ExecContext(ctx, q, model.IdempotencyExpired, now.UTC(), model.IdempotencyExpired)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
