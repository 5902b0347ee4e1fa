package middleware

// identity.go holds the context keys set by JWTAuth and the accessors that
// handlers and the rate limiter use to read them.

import (
    "strconv"

    "github.com/labstack/echo/v4"
)

const (
    ctxUserID   = "user_id"
    ctxTenantID = "tenant_id"
    ctxRole     = "role"
)

// TenantID returns the authenticated tenant, or "" when unauthenticated.
func TenantID(c echo.Context) string {
    s, _ := c.Get(ctxTenantID).(string)
    return s
}

// UserID returns the authenticated user, or 0 when unauthenticated.
func UserID(c echo.Context) uint64 {
    n, _ := c.Get(ctxUserID).(uint64)
    return n
}

// Role returns the role claim, or "" when absent.
func Role(c echo.Context) string {
    s, _ := c.Get(ctxRole).(string)
    return s
}

// claimUint accepts the numeric forms a JSON claim can take.  encoding/json
// decodes numbers as float64; string subjects are parsed.
func claimUint(v interface{}) (uint64, bool) {
    switch t := v.(type) {
    case float64:
        if t < 1 || t != float64(uint64(t)) {
            return 0, false
        }
        return uint64(t), true
    case string:
        n, err := strconv.ParseUint(t, 10, 64)
        return n, err == nil
    }
    return 0, false
}
