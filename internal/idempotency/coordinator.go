// Package idempotency deduplicates client requests by (tenant, key).  The
// first caller to store a PENDING record for a key performs the work and
// records the outcome exactly once; later callers with the same request
// fingerprint wait for and replay that outcome, and callers with a
// different fingerprint are refused.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/iliyamo/slot-booking/internal/apperror"
	"github.com/iliyamo/slot-booking/internal/config"
	"github.com/iliyamo/slot-booking/internal/logger"
	"github.com/iliyamo/slot-booking/internal/model"
	"github.com/iliyamo/slot-booking/internal/repository"
)

// lookupTimeout bounds a shared record lookup.
const lookupTimeout = 5 * time.Second

// CheckResult tells a caller what to do with a request.
type CheckResult struct {
	Exists         bool
	ShouldProceed  bool
	ShouldWait     bool
	CachedResponse []byte
	Record         *model.IdempotencyRecord
}

type Coordinator struct {
	store Store
	cfg   config.IdempotencyConfig
	log   *logger.Logger
	group singleflight.Group
	now   func() time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCoordinator(store Store, cfg config.IdempotencyConfig, log *logger.Logger) *Coordinator {
	if store == nil {
		panic("nil store passed to idempotency.NewCoordinator")
	}
	return &Coordinator{
		store: store,
		cfg:   cfg,
		log:   logger.OrNop(log).With("component", "idempotency"),
		now:   time.Now,
	}
}

// Create claims key for fingerprint.  A nil error means the caller owns a
// PENDING record and must finish it with Update.  A live record with the
// same fingerprint yields REQUEST_IN_PROGRESS (or RETRIES_EXHAUSTED for a
// spent FAILED record); a different fingerprint yields FINGERPRINT_MISMATCH.
func (c *Coordinator) Create(ctx context.Context, key, tenantID, fingerprint string, ttl time.Duration) (*model.IdempotencyRecord, error) {
	if key == "" || tenantID == "" || fingerprint == "" {
		return nil, apperror.InvalidInput("idempotency key, tenant and fingerprint are required")
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := c.now().UTC()
	rec := &model.IdempotencyRecord{
		Key:                key,
		TenantID:           tenantID,
		RequestFingerprint: fingerprint,
		Status:             model.IdempotencyPending,
		MaxRetries:         c.cfg.MaxRetries,
		CreatedAt:          now,
		ExpiresAt:          now.Add(ttl),
	}
	created, existing, err := c.store.Insert(ctx, rec)
	if errors.Is(err, repository.ErrConflict) {
		return nil, apperror.Conflict(apperror.CodeRequestInProgress, "idempotency key is being claimed")
	}
	if err != nil {
		return nil, apperror.Storage("create idempotency record", err)
	}
	if created {
		return rec, nil
	}
	if existing.RequestFingerprint != fingerprint {
		return nil, mismatch(key)
	}
	switch {
	case existing.CanRetry():
		ok, err := c.store.Reclaim(ctx, tenantID, key)
		if err != nil {
			return nil, apperror.Storage("reclaim idempotency record", err)
		}
		if ok {
			existing.Status = model.IdempotencyPending
			existing.RetryCount++
			existing.ErrorMessage = ""
			return existing, nil
		}
		return nil, inProgress(existing)
	case existing.Status == model.IdempotencyFailed:
		return nil, exhausted(existing)
	default:
		return nil, inProgress(existing)
	}
}

// Check looks key up and classifies it.  Concurrent checks of the same key
// in this process share one storage round trip.
func (c *Coordinator) Check(ctx context.Context, key, tenantID, fingerprint string) (*CheckResult, error) {
	v, err, _ := c.group.Do(tenantID+"\x00"+key, func() (any, error) {
		// Shared by every waiter, so one caller's cancellation must not fail the rest.
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		return c.store.Get(lctx, tenantID, key)
	})
	if err != nil {
		return nil, apperror.Storage("check idempotency record", err)
	}
	shared, _ := v.(*model.IdempotencyRecord)
	if shared == nil || shared.Expired(c.now()) {
		return &CheckResult{ShouldProceed: true}, nil
	}
	rec := *shared
	if rec.RequestFingerprint != fingerprint {
		return nil, mismatch(key)
	}
	res := &CheckResult{Exists: true, Record: &rec}
	switch rec.Status {
	case model.IdempotencyPending:
		res.ShouldWait = true
	case model.IdempotencyCompleted:
		res.CachedResponse = rec.CachedResponse
	case model.IdempotencyFailed:
		if !rec.CanRetry() {
			return nil, exhausted(&rec)
		}
		res.ShouldProceed = true
	}
	return res, nil
}

// Update records the outcome of the work for key.  Only COMPLETED and
// FAILED are accepted and only the first Update of a PENDING record takes
// effect.  Responses above the configured size are rejected, not cached.
func (c *Coordinator) Update(ctx context.Context, key, tenantID string, status model.IdempotencyStatus, response []byte, errMsg string) error {
	if !status.Terminal() {
		return apperror.InvalidInput("status must be COMPLETED or FAILED")
	}
	if status == model.IdempotencyCompleted && len(response) > c.cfg.MaxResponseBytes {
		return apperror.Validation(apperror.CodePayloadTooLarge, "response too large to cache").
			WithDetails(map[string]any{"size": len(response), "limit": c.cfg.MaxResponseBytes})
	}
	ok, err := c.store.Complete(ctx, tenantID, key, status, response, errMsg)
	if err != nil {
		return apperror.Storage("update idempotency record", err)
	}
	if !ok {
		return apperror.Conflict(apperror.CodeInvalidTransition, "idempotency record is not pending")
	}
	return nil
}

// WaitForCompletion polls key until it leaves PENDING or timeout elapses.
func (c *Coordinator) WaitForCompletion(ctx context.Context, key, tenantID, fingerprint string, timeout time.Duration) (*CheckResult, error) {
	if timeout <= 0 {
		timeout = c.cfg.WaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		res, err := c.Check(ctx, key, tenantID, fingerprint)
		if err != nil || !res.ShouldWait {
			return res, err
		}
		select {
		case <-ctx.Done():
			return nil, apperror.Timeout(apperror.CodeWaitTimeout, "wait for idempotent request cancelled")
		case <-timer.C:
			return nil, apperror.Timeout(apperror.CodeWaitTimeout, "timed out waiting for in-flight request").
				WithDetails(map[string]any{"key": key})
		case <-ticker.C:
		}
	}
}

// Execute runs fn at most once for (tenantID, key, fingerprint) and returns
// its response, replaying the cached response for repeated requests.  An
// error from fn marks the record FAILED, which makes it retryable while
// budget remains.  A response too large to cache is returned to the first
// caller only; the record still completes and replays get
// PAYLOAD_TOO_LARGE.
func (c *Coordinator) Execute(ctx context.Context, key, tenantID, fingerprint string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	const maxRounds = 3
	for round := 0; round < maxRounds; round++ {
		res, err := c.Check(ctx, key, tenantID, fingerprint)
		if err != nil {
			return nil, err
		}
		if res.ShouldWait {
			if res, err = c.WaitForCompletion(ctx, key, tenantID, fingerprint, c.cfg.WaitTimeout); err != nil {
				return nil, err
			}
		}
		if res.Exists && res.Record.Status == model.IdempotencyCompleted {
			if res.Record.ErrorMessage == errResponseNotCached {
				return nil, notCached(key)
			}
			return res.CachedResponse, nil
		}

		if _, err := c.Create(ctx, key, tenantID, fingerprint, c.cfg.DefaultTTL); err != nil {
			if apperror.HasCode(err, apperror.CodeRequestInProgress) {
				continue
			}
			return nil, err
		}
		return c.run(ctx, key, tenantID, fn)
	}
	return nil, apperror.Conflict(apperror.CodeRequestInProgress, "request with this idempotency key is in progress")
}

func (c *Coordinator) run(ctx context.Context, key, tenantID string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	resp, err := fn(ctx)
	if err != nil {
		if uerr := c.Update(ctx, key, tenantID, model.IdempotencyFailed, nil, err.Error()); uerr != nil {
			c.log.Error("failed to record idempotent failure", "key", key, "tenant_id", tenantID, "error", uerr)
		}
		return nil, err
	}
	uerr := c.Update(ctx, key, tenantID, model.IdempotencyCompleted, resp, "")
	if apperror.HasCode(uerr, apperror.CodePayloadTooLarge) {
		// The work happened; replays must not run it again.
		_, uerr = c.store.Complete(ctx, tenantID, key, model.IdempotencyCompleted, nil, errResponseNotCached)
		c.log.Warn("response too large to cache", "key", key, "tenant_id", tenantID, "size", len(resp))
	}
	if uerr != nil {
		c.log.Warn("response not cached", "key", key, "tenant_id", tenantID, "error", uerr)
	}
	return resp, nil
}

// Sweep marks expired records and returns how many were marked.
func (c *Coordinator) Sweep(ctx context.Context) (int64, error) {
	n, err := c.store.ExpireBefore(ctx, c.now())
	if err != nil {
		return 0, apperror.Storage("expire idempotency records", err)
	}
	return n, nil
}

// Start runs Sweep every SweepInterval until Stop is called or ctx ends.
func (c *Coordinator) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil || c.cfg.SweepInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := c.Sweep(ctx)
				if err != nil {
					c.log.Error("idempotency sweep failed", "error", err)
				} else if n > 0 {
					c.log.Info("idempotency records expired", "count", n)
				}
			}
		}
	}(c.done)
}

// Stop halts the sweep and waits for it to exit.
func (c *Coordinator) Stop() {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// errResponseNotCached marks a COMPLETED record whose response was dropped.
const errResponseNotCached = "response too large to cache"

func notCached(key string) *apperror.Error {
	return apperror.Validation(apperror.CodePayloadTooLarge, "request already completed but its response was too large to keep").
		WithDetails(map[string]any{"key": key})
}

func mismatch(key string) *apperror.Error {
	return apperror.Conflict(apperror.CodeFingerprintMismatch, "idempotency key was used with a different request").
		WithDetails(map[string]any{"key": key})
}

func inProgress(rec *model.IdempotencyRecord) *apperror.Error {
	return apperror.Conflict(apperror.CodeRequestInProgress, "request with this idempotency key is in progress").
		WithDetails(map[string]any{"key": rec.Key, "status": string(rec.Status)})
}

func exhausted(rec *model.IdempotencyRecord) *apperror.Error {
	e := apperror.Conflict(apperror.CodeRetriesExhausted, "retry budget for this idempotency key is spent").
		WithDetails(map[string]any{"key": rec.Key, "retry_count": rec.RetryCount, "last_error": rec.ErrorMessage})
	e.Retryable = false
	return e
}
