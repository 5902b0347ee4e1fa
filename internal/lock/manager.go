// Package lock implements a Redis-backed distributed lock over sets of slot
// keys.  A lock covers every slot key of a request and is taken or refused
// as a unit by a single script, in sorted key order.  Ownership is proven by
// an owner token stored under each key; release and extension are
// compare-and-act on that token.  Local callers that choose to wait are
// queued per key by priority, then arrival.
package lock

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/slot-booking/internal/apperror"
	"github.com/iliyamo/slot-booking/internal/config"
	"github.com/iliyamo/slot-booking/internal/logger"
	"github.com/iliyamo/slot-booking/internal/model"
)

// AcquireOptions tunes a single Acquire call.  Zero values fall back to the
// manager's configuration.
type AcquireOptions struct {
	TTL         time.Duration
	Priority    model.LockPriority
	Timeout     time.Duration // overall bound, waiting included
	Retries     int           // attempts after the first when not waiting; negative disables retries
	WaitForLock bool
	Token       string // reuse an existing token to extend a lock re-entrantly
}

// LockResult describes a successful acquisition.
type LockResult struct {
	Record   *model.LockRecord
	Attempts int
	Waited   time.Duration
}

type Manager struct {
	rdb   redis.Cmdable
	cfg   config.LockConfig
	log   *logger.Logger
	graph *DependencyGraph
	stats counters
	now   func() time.Time

	mu     sync.Mutex
	queues map[string]*waitQueue
	active map[string]*model.LockRecord // by owner token

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(rdb redis.Cmdable, cfg config.LockConfig, log *logger.Logger) *Manager {
	if rdb == nil {
		panic("nil redis client passed to lock.NewManager")
	}
	return &Manager{
		rdb:    rdb,
		cfg:    cfg,
		log:    logger.OrNop(log).With("component", "lock"),
		graph:  NewDependencyGraph(),
		now:    time.Now,
		queues: make(map[string]*waitQueue),
		active: make(map[string]*model.LockRecord),
	}
}

// NewToken returns a fresh owner token for ownerID.  The owner can be read
// back from a token with OwnerOf.
func NewToken(ownerID string) string {
	return ownerID + ":" + uuid.NewString()
}

// OwnerOf returns the owner ID encoded in token.
func OwnerOf(token string) string {
	if i := strings.LastIndex(token, ":"); i >= 0 {
		return token[:i]
	}
	return token
}

// Keys returns the sorted, de-duplicated lock keys for the given slots.
func (m *Manager) Keys(resourceID string, slotIDs []string) []string {
	seen := make(map[string]struct{}, len(slotIDs))
	keys := make([]string, 0, len(slotIDs))
	for _, s := range slotIDs {
		k := fmt.Sprintf("%s:%s:%s", m.cfg.Prefix, resourceID, s)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Acquire locks every slot of resourceID for ownerID, all or nothing.
//
// Without WaitForLock a held key is retried with exponential backoff up to
// Retries times and then reported as LOCK_HELD.  With WaitForLock the
// caller queues on the blocking key until it is released, the Timeout
// elapses (LOCK_TIMEOUT) or the wait would deadlock (DEADLOCK_DETECTED).
func (m *Manager) Acquire(ctx context.Context, resourceID string, slotIDs []string, ownerID string, opts AcquireOptions) (*LockResult, error) {
	if resourceID == "" || ownerID == "" || len(slotIDs) == 0 {
		return nil, apperror.InvalidInput("resource, owner and at least one slot are required")
	}
	keys := m.Keys(resourceID, slotIDs)
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	retries := opts.Retries
	if retries == 0 {
		retries = m.cfg.MaxRetries
	}
	token := opts.Token
	if token == "" {
		token = NewToken(ownerID)
	}

	start := time.Now()
	deadline := start.Add(timeout)
	var w *waiter
	defer func() {
		if w != nil {
			m.leaveQueue(w)
		}
	}()

	for attempts := 1; ; attempts++ {
		idx, err := m.tryAcquire(ctx, keys, token, ttl)
		if err != nil {
			return nil, apperror.Storage("acquire lock", err)
		}
		if idx == 0 {
			rec := m.track(keys, ownerID, token, ttl, resourceID, slotIDs)
			return &LockResult{Record: rec, Attempts: attempts, Waited: time.Since(start)}, nil
		}
		m.stats.conflicts.Add(1)
		blocking := keys[idx-1]

		if !opts.WaitForLock {
			if attempts > retries || !m.sleep(ctx, m.backoff(attempts), deadline) {
				return nil, apperror.Conflict(apperror.CodeLockHeld, "lock is held by another owner").
					WithDetails(map[string]any{"key": blocking, "attempts": attempts})
			}
			continue
		}

		if w == nil {
			w = newWaiter(ownerID, opts.Priority, start)
		}
		// Edges join tokens, not owners: two requests of one owner are
		// independent, and only a token that holds keys while it waits
		// can close a cycle.
		holder := m.holderOf(ctx, blocking)
		if holder == token {
			holder = ""
		}
		if holder != "" && !m.graph.TryAddEdge(token, holder) {
			m.stats.deadlocks.Add(1)
			m.log.Warn("deadlock detected", "owner", ownerID, "holder", OwnerOf(holder), "key", blocking)
			return nil, apperror.Conflict(apperror.CodeDeadlockDetected, "waiting would deadlock").
				WithDetails(map[string]any{"key": blocking, "holder": OwnerOf(holder)})
		}
		err = m.waitTurn(ctx, w, blocking, deadline)
		if holder != "" {
			m.graph.RemoveEdge(token, holder)
		}
		if err != nil {
			return nil, err
		}
	}
}

// Release deletes every key of rec that still carries its token.  It
// returns true only when all keys were released; a non-owner or an expired
// lock releases nothing of anyone else's.
func (m *Manager) Release(ctx context.Context, rec *model.LockRecord) (bool, error) {
	if rec == nil || len(rec.LockKeys) == 0 {
		return false, nil
	}
	n, err := releaseScript.Run(ctx, m.rdb, rec.LockKeys, rec.OwnerToken).Int64()
	if err != nil {
		return false, apperror.Storage("release lock", err)
	}
	m.untrack(rec.OwnerToken)
	for _, k := range rec.LockKeys {
		m.notifyKey(k)
	}
	if n != int64(len(rec.LockKeys)) {
		m.log.Warn("lock not fully owned at release",
			"key", rec.LockKey(),
			"owner", rec.OwnerID,
			"released", n,
			"keys", len(rec.LockKeys),
		)
		return false, nil
	}
	m.stats.releases.Add(1)
	return true, nil
}

// Extend adds additional to the remaining TTL of every key of rec, only if
// rec's token still owns all of them.
func (m *Manager) Extend(ctx context.Context, rec *model.LockRecord, additional time.Duration) (bool, error) {
	if rec == nil || len(rec.LockKeys) == 0 || additional <= 0 {
		return false, nil
	}
	ok, err := extendScript.Run(ctx, m.rdb, rec.LockKeys, rec.OwnerToken, additional.Milliseconds()).Int64()
	if err != nil {
		return false, apperror.Storage("extend lock", err)
	}
	if ok != 1 {
		return false, nil
	}
	// rec is usually the tracked record itself, which Sweep reads under mu.
	m.mu.Lock()
	rec.TTL += additional
	rec.ExpiresAt = rec.ExpiresAt.Add(additional)
	if tracked, ok := m.active[rec.OwnerToken]; ok && tracked != rec {
		tracked.TTL = rec.TTL
		tracked.ExpiresAt = rec.ExpiresAt
	}
	m.mu.Unlock()
	m.stats.extensions.Add(1)
	return true, nil
}

// CheckAvailable reports whether none of the slots is currently locked.
func (m *Manager) CheckAvailable(ctx context.Context, resourceID string, slotIDs []string) (bool, error) {
	keys := m.Keys(resourceID, slotIDs)
	if len(keys) == 0 {
		return true, nil
	}
	n, err := m.rdb.Exists(ctx, keys...).Result()
	if err != nil {
		return false, apperror.Storage("check lock availability", err)
	}
	return n == 0, nil
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	return m.stats.snapshot()
}

// tryAcquire runs the acquire script.  It returns 0 on success or the
// 1-based index of the first key held by another token.
func (m *Manager) tryAcquire(ctx context.Context, keys []string, token string, ttl time.Duration) (int, error) {
	vals, err := acquireScript.Run(ctx, m.rdb, keys, token, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, err
	}
	if len(vals) != 2 {
		return 0, fmt.Errorf("unexpected acquire result %v", vals)
	}
	if vals[0] == 1 {
		return 0, nil
	}
	return int(vals[1]), nil
}

// holderOf returns the token currently holding key, or "" when it is free
// or cannot be read.
func (m *Manager) holderOf(ctx context.Context, key string) string {
	token, err := m.rdb.Get(ctx, key).Result()
	if err != nil {
		return ""
	}
	return token
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.BackoffBase
	for i := 1; i < attempt && d < m.cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > m.cfg.BackoffMax {
		d = m.cfg.BackoffMax
	}
	return d
}

// sleep waits for d unless ctx ends or the deadline would pass first.
func (m *Manager) sleep(ctx context.Context, d time.Duration, deadline time.Time) bool {
	if time.Now().Add(d).After(deadline) {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// waitTurn queues w on key and returns once w is at the head of the queue
// and has been woken by a release or a poll tick.
func (m *Manager) waitTurn(ctx context.Context, w *waiter, key string, deadline time.Time) error {
	m.enqueue(w, key)
	m.stats.waiting.Add(1)
	defer m.stats.waiting.Add(-1)

	remaining := time.Until(deadline)
	if remaining <= 0 {
		m.stats.timeouts.Add(1)
		return apperror.Timeout(apperror.CodeLockTimeout, "timed out waiting for lock")
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	ticker := time.NewTicker(m.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stats.timeouts.Add(1)
			return apperror.Timeout(apperror.CodeLockTimeout, "lock wait cancelled").
				WithDetails(map[string]any{"key": key, "cause": ctx.Err().Error()})
		case <-timer.C:
			m.stats.timeouts.Add(1)
			return apperror.Timeout(apperror.CodeLockTimeout, "timed out waiting for lock").
				WithDetails(map[string]any{"key": key})
		case <-w.notifyCh:
		case <-ticker.C:
		}
		if m.isHead(w) {
			return nil
		}
	}
}

func (m *Manager) enqueue(w *waiter, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.index >= 0 {
		if w.key == key {
			return
		}
		m.removeLocked(w)
	}
	q, ok := m.queues[key]
	if !ok {
		q = &waitQueue{}
		m.queues[key] = q
	}
	w.key = key
	heap.Push(q, w)
}

func (m *Manager) isHead(w *waiter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[w.key]
	return ok && q.head() == w
}

// leaveQueue removes w from its queue and wakes whoever is next.
func (m *Manager) leaveQueue(w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(w)
}

func (m *Manager) removeLocked(w *waiter) {
	if w.index < 0 {
		return
	}
	q := m.queues[w.key]
	heap.Remove(q, w.index)
	if q.Len() == 0 {
		delete(m.queues, w.key)
		return
	}
	q.head().notify()
}

func (m *Manager) notifyKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[key]; ok {
		if h := q.head(); h != nil {
			h.notify()
		}
	}
}

// waiting returns the number of local waiters queued on key.
func (m *Manager) waiting(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[key]; ok {
		return q.Len()
	}
	return 0
}

func (m *Manager) track(keys []string, ownerID, token string, ttl time.Duration, resourceID string, slotIDs []string) *model.LockRecord {
	now := m.now()
	rec := &model.LockRecord{
		LockKeys:       keys,
		OwnerID:        ownerID,
		OwnerToken:     token,
		TTL:            ttl,
		AcquiredAt:     now,
		ExpiresAt:      now.Add(ttl),
		ResourceID:     resourceID,
		CoveredSlotIDs: append([]string(nil), slotIDs...),
	}
	m.mu.Lock()
	_, reentrant := m.active[token]
	m.active[token] = rec
	m.mu.Unlock()
	m.stats.acquisitions.Add(1)
	if !reentrant {
		m.stats.held()
	}
	return rec
}

func (m *Manager) untrack(token string) {
	m.mu.Lock()
	_, ok := m.active[token]
	delete(m.active, token)
	m.mu.Unlock()
	if ok {
		m.stats.active.Add(-1)
	}
}
