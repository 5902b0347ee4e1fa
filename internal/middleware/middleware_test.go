package middleware

import (
    "net/http"
    "net/http/httptest"
    "sync/atomic"
    "testing"
    "time"

    "github.com/alicebob/miniredis/v2"
    "github.com/golang-jwt/jwt/v5"
    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/iliyamo/slot-booking/internal/config"
)

const secret = "test-secret"

func sign(t *testing.T, claims jwt.MapClaims) string {
    t.Helper()
    s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
    require.NoError(t, err)
    return s
}

func identityEcho(mw ...echo.MiddlewareFunc) *echo.Echo {
    e := echo.New()
    e.GET("/who", func(c echo.Context) error {
        return c.JSON(http.StatusOK, echo.Map{"tenant": TenantID(c), "user": UserID(c), "role": Role(c)})
    }, mw...)
    return e
}

func do(e *echo.Echo, method, path, token string) *httptest.ResponseRecorder {
    req := httptest.NewRequest(method, path, nil)
    if token != "" {
        req.Header.Set("Authorization", "Bearer "+token)
    }
    rec := httptest.NewRecorder()
    e.ServeHTTP(rec, req)
    return rec
}

func TestJWTAuth_SetsIdentity(t *testing.T) {
    e := identityEcho(JWTAuth(secret))
    tok := sign(t, jwt.MapClaims{"sub": 42, "tenant_id": "acme", "role": "ops", "exp": time.Now().Add(time.Hour).Unix()})

    rec := do(e, http.MethodGet, "/who", tok)
    require.Equal(t, http.StatusOK, rec.Code)
    assert.JSONEq(t, `{"tenant":"acme","user":42,"role":"ops"}`, rec.Body.String())
}

func TestJWTAuth_StringSubject(t *testing.T) {
    e := identityEcho(JWTAuth(secret))
    rec := do(e, http.MethodGet, "/who", sign(t, jwt.MapClaims{"sub": "7", "tenant_id": "acme"}))
    require.Equal(t, http.StatusOK, rec.Code)
    assert.Contains(t, rec.Body.String(), `"user":7`)
}

func TestJWTAuth_Rejects(t *testing.T) {
    e := identityEcho(JWTAuth(secret))

    assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/who", "").Code)
    assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/who", "garbage").Code)

    noTenant := sign(t, jwt.MapClaims{"sub": 1})
    assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/who", noTenant).Code)

    expired := sign(t, jwt.MapClaims{"sub": 1, "tenant_id": "acme", "exp": time.Now().Add(-time.Minute).Unix()})
    assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/who", expired).Code)

    other, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": 1, "tenant_id": "acme"}).SignedString([]byte("other"))
    require.NoError(t, err)
    assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/who", other).Code)
}

func TestRequireRole(t *testing.T) {
    e := identityEcho(JWTAuth(secret), RequireRole("ops"))
    assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/who", sign(t, jwt.MapClaims{"sub": 1, "tenant_id": "a", "role": "ops"})).Code)
    assert.Equal(t, http.StatusForbidden, do(e, http.MethodGet, "/who", sign(t, jwt.MapClaims{"sub": 1, "tenant_id": "a"})).Code)
}

func TestClaimUint(t *testing.T) {
    n, ok := claimUint(float64(12))
    assert.True(t, ok)
    assert.Equal(t, uint64(12), n)
    _, ok = claimUint(1.5)
    assert.False(t, ok)
    _, ok = claimUint(float64(-3))
    assert.False(t, ok)
    _, ok = claimUint("x")
    assert.False(t, ok)
    _, ok = claimUint(nil)
    assert.False(t, ok)
}

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
    t.Helper()
    mr := miniredis.RunT(t)
    rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
    t.Cleanup(func() { _ = rdb.Close() })
    return rdb, mr
}

func TestTokenBucket_BlocksAfterCapacity(t *testing.T) {
    rdb, _ := newRedis(t)
    cfg := config.RateLimitConfig{
        Enabled:        true,
        Capacity:       2,
        RefillTokens:   1,
        RefillInterval: time.Hour,
        TTL:            time.Hour,
        KeyStrategy:    "tenant_user_route",
        Prefix:         "rl",
    }
    e := identityEcho(JWTAuth(secret), NewTokenBucket(cfg, rdb, nil))
    alice := sign(t, jwt.MapClaims{"sub": 1, "tenant_id": "acme"})
    bob := sign(t, jwt.MapClaims{"sub": 2, "tenant_id": "acme"})

    assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/who", alice).Code)
    rec := do(e, http.MethodGet, "/who", alice)
    assert.Equal(t, http.StatusOK, rec.Code)
    assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

    rec = do(e, http.MethodGet, "/who", alice)
    assert.Equal(t, http.StatusTooManyRequests, rec.Code)
    assert.NotEmpty(t, rec.Header().Get("Retry-After"))

    assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/who", bob).Code, "buckets are per user")
}

func TestTokenBucket_FailsOpen(t *testing.T) {
    rdb, mr := newRedis(t)
    mr.Close()
    cfg := config.RateLimitConfig{Enabled: true, Capacity: 1, RefillTokens: 1, RefillInterval: time.Second, TTL: time.Minute, Prefix: "rl"}
    e := identityEcho(NewTokenBucket(cfg, rdb, nil))
    for i := 0; i < 3; i++ {
        assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/who", "").Code)
    }
}

func TestBuildRateKey(t *testing.T) {
    e := echo.New()
    c := e.NewContext(httptest.NewRequest(http.MethodPost, "/v1/resources/1/bookings", nil), httptest.NewRecorder())
    c.SetPath("/v1/resources/:id/bookings")
    c.Set(ctxTenantID, "acme")
    c.Set(ctxUserID, uint64(9))

    cfg := config.RateLimitConfig{Prefix: "rl"}
    assert.Equal(t, "rl:tenant:acme:user:9:route:POST /v1/resources/:id/bookings", buildRateKey(cfg, c))
    cfg.KeyStrategy = "tenant"
    assert.Equal(t, "rl:tenant:acme", buildRateKey(cfg, c))
}

func TestRedisCache_HitsAndScopesByTenant(t *testing.T) {
    rdb, _ := newRedis(t)
    var calls atomic.Int32
    e := echo.New()
    e.GET("/v1/resources/:id/availability", func(c echo.Context) error {
        calls.Add(1)
        return c.JSON(http.StatusOK, echo.Map{"resource": c.Param("id")})
    }, JWTAuth(secret), NewRedisCache(config.CacheConfig{
        Enabled:     true,
        Methods:     map[string]bool{"GET": true},
        TTL:         time.Minute,
        KeyStrategy: "route_query",
        Prefix:      "cache",
    }, rdb))
    acme := sign(t, jwt.MapClaims{"sub": 1, "tenant_id": "acme"})
    globex := sign(t, jwt.MapClaims{"sub": 1, "tenant_id": "globex"})

    first := do(e, http.MethodGet, "/v1/resources/1/availability", acme)
    assert.Equal(t, "MISS", first.Header().Get("X-Cache"))
    second := do(e, http.MethodGet, "/v1/resources/1/availability", acme)
    assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
    assert.Equal(t, first.Body.String(), second.Body.String())
    assert.Equal(t, int32(1), calls.Load())

    assert.Equal(t, "MISS", do(e, http.MethodGet, "/v1/resources/2/availability", acme).Header().Get("X-Cache"))
    assert.Equal(t, "MISS", do(e, http.MethodGet, "/v1/resources/1/availability", globex).Header().Get("X-Cache"))
    assert.Equal(t, int32(3), calls.Load())
}

func TestRedisCache_SkipsOversizeAndErrors(t *testing.T) {
    rdb, _ := newRedis(t)
    var calls atomic.Int32
    e := echo.New()
    cache := NewRedisCache(config.CacheConfig{
        Enabled:      true,
        Methods:      map[string]bool{"GET": true},
        TTL:          time.Minute,
        Prefix:       "cache",
        MaxBodyBytes: 16,
    }, rdb)
    e.GET("/big", func(c echo.Context) error {
        calls.Add(1)
        return c.String(http.StatusOK, "this body is longer than sixteen bytes")
    }, cache)
    e.GET("/missing", func(c echo.Context) error {
        calls.Add(1)
        return c.String(http.StatusNotFound, "nope")
    }, cache)

    for i := 0; i < 2; i++ {
        assert.Equal(t, "MISS", do(e, http.MethodGet, "/big", "").Header().Get("X-Cache"))
        assert.Equal(t, "MISS", do(e, http.MethodGet, "/missing", "").Header().Get("X-Cache"))
    }
    assert.Equal(t, int32(4), calls.Load())
}
