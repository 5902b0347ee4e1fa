package router // package router defines how HTTP routes are registered for the API

import (
    "github.com/labstack/echo/v4"

    "github.com/iliyamo/slot-booking/internal/handler"
    "github.com/iliyamo/slot-booking/internal/middleware"
)

// OpsRole is the role claim required for /v1/ops endpoints.
const OpsRole = "ops"

// Handlers groups everything RegisterRoutes mounts.  RateLimit and Cache
// may be nil to disable them.
type Handlers struct {
    Health       *handler.HealthHandler
    Bookings     *handler.BookingHandler
    Availability *handler.AvailabilityHandler
    Ops          *handler.OpsHandler
    JWTSecret    string
    RateLimit    echo.MiddlewareFunc
    Cache        echo.MiddlewareFunc
}

// RegisterRoutes registers the health probes and the authenticated /v1 API.
func RegisterRoutes(e *echo.Echo, h Handlers) {
    // Load balancers probe these without credentials.
    health := h.Health
    if health == nil {
        health = handler.NewHealthHandler()
    }
    e.GET("/healthz", health.Live)
    e.GET("/readyz", health.Ready)

    v1 := e.Group("/v1", middleware.JWTAuth(h.JWTSecret))
    if h.RateLimit != nil {
        v1.Use(h.RateLimit)
    }

    v1.POST("/resources/:id/bookings", h.Bookings.Create)
    v1.DELETE("/bookings/:id", h.Bookings.Cancel)
    v1.POST("/bookings/:id/reschedule", h.Bookings.Reschedule)

    if h.Availability != nil {
        var mw []echo.MiddlewareFunc
        if h.Cache != nil {
            mw = append(mw, h.Cache)
        }
        v1.GET("/resources/:id/availability", h.Availability.List, mw...)
    }

    ops := v1.Group("/ops", middleware.RequireRole(OpsRole))
    ops.GET("/locks/stats", h.Ops.LockStats)
}
