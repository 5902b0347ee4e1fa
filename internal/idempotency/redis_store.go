package idempotency

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/slot-booking/internal/model"
)

// RedisStore keeps each record in a hash whose key expiry is the record's
// expiry, so expired records disappear on their own.
type RedisStore struct {
	rdb    redis.Cmdable
	prefix string
	now    func() time.Time
}

func NewRedisStore(rdb redis.Cmdable, prefix string) *RedisStore {
	if rdb == nil {
		panic("nil redis client passed to idempotency.NewRedisStore")
	}
	return &RedisStore{rdb: rdb, prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(tenantID, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, tenantID, key)
}

var insertScript = redis.NewScript(`
    local status = redis.call('HGET', KEYS[1], 'status')
    if status and status ~= 'EXPIRED' then
        return 0
    end
    redis.call('DEL', KEYS[1])
    redis.call('HSET', KEYS[1],
        'tenant_id', ARGV[1], 'key', ARGV[2], 'fingerprint', ARGV[3], 'status', ARGV[4],
        'retry_count', ARGV[5], 'max_retries', ARGV[6], 'created_at', ARGV[7], 'expires_at', ARGV[8])
    redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[9]))
    return 1
`)

var completeScript = redis.NewScript(`
    if redis.call('HGET', KEYS[1], 'status') ~= 'PENDING' then
        return 0
    end
    redis.call('HSET', KEYS[1], 'status', ARGV[1], 'response', ARGV[2], 'error', ARGV[3])
    return 1
`)

var reclaimScript = redis.NewScript(`
    if redis.call('HGET', KEYS[1], 'status') ~= 'FAILED' then
        return 0
    end
    local retries = tonumber(redis.call('HGET', KEYS[1], 'retry_count'))
    local max = tonumber(redis.call('HGET', KEYS[1], 'max_retries'))
    if retries >= max then
        return 0
    end
    redis.call('HSET', KEYS[1], 'status', 'PENDING', 'retry_count', retries + 1, 'error', '')
    return 1
`)

func (s *RedisStore) Insert(ctx context.Context, rec *model.IdempotencyRecord) (bool, *model.IdempotencyRecord, error) {
	ttl := rec.ExpiresAt.Sub(s.now())
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	n, err := insertScript.Run(ctx, s.rdb, []string{s.key(rec.TenantID, rec.Key)},
		rec.TenantID, rec.Key, rec.RequestFingerprint, string(rec.Status),
		rec.RetryCount, rec.MaxRetries, rec.CreatedAt.UnixMilli(), rec.ExpiresAt.UnixMilli(),
		ttl.Milliseconds()).Int64()
	if err != nil {
		return false, nil, err
	}
	if n == 1 {
		return true, rec, nil
	}
	existing, err := s.Get(ctx, rec.TenantID, rec.Key)
	if err != nil {
		return false, nil, err
	}
	if existing == nil {
		// Expired between the script and the read; the caller retries.
		return s.Insert(ctx, rec)
	}
	return false, existing, nil
}

func (s *RedisStore) Get(ctx context.Context, tenantID, key string) (*model.IdempotencyRecord, error) {
	h, err := s.rdb.HGetAll(ctx, s.key(tenantID, key)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, nil
	}
	rec := &model.IdempotencyRecord{
		Key:                h["key"],
		TenantID:           h["tenant_id"],
		RequestFingerprint: h["fingerprint"],
		Status:             model.IdempotencyStatus(h["status"]),
		ErrorMessage:       h["error"],
		RetryCount:         atoi(h["retry_count"]),
		MaxRetries:         atoi(h["max_retries"]),
		CreatedAt:          time.UnixMilli(int64(atoi(h["created_at"]))).UTC(),
		ExpiresAt:          time.UnixMilli(int64(atoi(h["expires_at"]))).UTC(),
	}
	if resp, ok := h["response"]; ok && resp != "" {
		rec.CachedResponse = []byte(resp)
	}
	return rec, nil
}

func (s *RedisStore) Complete(ctx context.Context, tenantID, key string, status model.IdempotencyStatus, response []byte, errMsg string) (bool, error) {
	n, err := completeScript.Run(ctx, s.rdb, []string{s.key(tenantID, key)}, string(status), response, errMsg).Int64()
	return n == 1, err
}

func (s *RedisStore) Reclaim(ctx context.Context, tenantID, key string) (bool, error) {
	n, err := reclaimScript.Run(ctx, s.rdb, []string{s.key(tenantID, key)}).Int64()
	return n == 1, err
}

// ExpireBefore is a no-op: Redis drops records when their key expires.
func (s *RedisStore) ExpireBefore(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
