package middleware

import (
    "context"
    "fmt"
    "net/http"
    "strconv"
    "strings"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"

    "github.com/iliyamo/slot-booking/internal/config"
    "github.com/iliyamo/slot-booking/internal/logger"
)

// takeTokenScript refills the bucket for the whole intervals elapsed since
// the last refill and takes one token.  It returns {allowed, remaining,
// retry_after_ms}.
//
// KEYS[1] bucket hash
// ARGV    now_ms, capacity, refill_tokens, interval_ms, ttl_ms
var takeTokenScript = redis.NewScript(`
local now, cap, refill, interval, ttl =
    tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[4]), tonumber(ARGV[5])

local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens'))
local stamp  = tonumber(redis.call('HGET', KEYS[1], 'stamp'))
if not tokens or not stamp then
    tokens, stamp = cap, now
end

local n = math.floor(math.max(0, now - stamp) / interval)
if n > 0 then
    tokens = math.min(cap, tokens + n * refill)
    stamp = stamp + n * interval
end

local allowed, wait = 0, 0
if tokens >= 1 then
    allowed = 1
    tokens = tokens - 1
else
    wait = math.max(0, interval - (now - stamp))
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'stamp', stamp)
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, tokens, wait}
`)

// verdict is one token bucket decision.
type verdict struct {
    allowed    bool
    remaining  int64
    retryAfter time.Duration
}

// tokenBucket is a Redis token bucket shared by every API instance.
type tokenBucket struct {
    cfg config.RateLimitConfig
    rdb redis.Cmdable
    now func() time.Time
}

func (b *tokenBucket) take(ctx context.Context, key string) (verdict, error) {
    interval := b.cfg.RefillInterval
    if interval <= 0 {
        interval = time.Second
    }
    res, err := takeTokenScript.Run(ctx, b.rdb, []string{key},
        b.now().UnixMilli(), b.cfg.Capacity, b.cfg.RefillTokens, interval.Milliseconds(), b.cfg.TTL.Milliseconds(),
    ).Int64Slice()
    if err != nil {
        return verdict{}, err
    }
    if len(res) != 3 {
        return verdict{}, fmt.Errorf("token bucket script returned %d values", len(res))
    }
    return verdict{
        allowed:    res[0] == 1,
        remaining:  res[1],
        retryAfter: time.Duration(res[2]) * time.Millisecond,
    }, nil
}

// NewTokenBucket limits requests per key (see buildRateKey) with a Redis
// token bucket.  Redis failures let the request through.
func NewTokenBucket(cfg config.RateLimitConfig, rdb redis.Cmdable, log *logger.Logger) echo.MiddlewareFunc {
    if !cfg.Enabled || rdb == nil {
        return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
    }
    bucket := &tokenBucket{cfg: cfg, rdb: rdb, now: time.Now}
    log = logger.OrNop(log).With("component", "ratelimit")

    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            key := buildRateKey(cfg, c)
            v, err := bucket.take(c.Request().Context(), key)
            if err != nil {
                log.Warn("rate limit check failed", "key", key, "error", err)
                return next(c)
            }

            h := c.Response().Header()
            h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
            h.Set("X-RateLimit-Remaining", strconv.FormatInt(v.remaining, 10))
            if cfg.Debug {
                h.Set("X-RateLimit-Key", key)
            }
            if v.allowed {
                return next(c)
            }

            secs := int((v.retryAfter + time.Second - 1) / time.Second)
            h.Set("Retry-After", strconv.Itoa(secs))
            log.Debug("rate limited", "key", key, "retry_after", v.retryAfter)
            return c.JSON(http.StatusTooManyRequests, echo.Map{
                "code":        "RATE_LIMITED",
                "message":     "rate limit exceeded",
                "retry_after": secs,
            })
        }
    }
}

// buildRateKey derives the bucket key.  The default strategy gives every
// user of every tenant its own budget per route.
func buildRateKey(cfg config.RateLimitConfig, c echo.Context) string {
    ip := c.RealIP()
    if ip == "" {
        ip = "unknown"
    }
    tenant := TenantID(c)
    if tenant == "" {
        tenant = "anon"
    }
    user := "anon"
    if id := UserID(c); id != 0 {
        user = strconv.FormatUint(id, 10)
    }
    route := c.Request().Method + " " + c.Path()

    var parts []string
    switch strings.ToLower(cfg.KeyStrategy) {
    case "ip":
        parts = []string{"ip", ip}
    case "tenant":
        parts = []string{"tenant", tenant}
    case "user":
        parts = []string{"tenant", tenant, "user", user}
    case "route":
        parts = []string{"route", route}
    case "ip_route":
        parts = []string{"ip", ip, "route", route}
    case "tenant_route":
        parts = []string{"tenant", tenant, "route", route}
    default:
        parts = []string{"tenant", tenant, "user", user, "route", route}
    }
    return cfg.Prefix + ":" + strings.Join(parts, ":")
}
