package handler

import (
    "context"
    "net/http"
    "time"

    "github.com/labstack/echo/v4"
)

// Dependency is a backend the readiness probe pings.
type Dependency struct {
    Name string
    Ping func(ctx context.Context) error
}

// HealthResponse is the body of both probes.
type HealthResponse struct {
    Status       string            `json:"status"`
    Dependencies map[string]string `json:"dependencies,omitempty"`
}

// HealthHandler serves liveness and readiness for load balancers.
type HealthHandler struct {
    deps    []Dependency
    timeout time.Duration
}

func NewHealthHandler(deps ...Dependency) *HealthHandler {
    return &HealthHandler{deps: deps, timeout: 2 * time.Second}
}

// Live handles GET /healthz.
func (h *HealthHandler) Live(c echo.Context) error {
    return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Ready handles GET /readyz.  Any failing dependency makes it 503.
func (h *HealthHandler) Ready(c echo.Context) error {
    ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
    defer cancel()

    resp := HealthResponse{Status: "ready", Dependencies: make(map[string]string, len(h.deps))}
    code := http.StatusOK
    for _, d := range h.deps {
        if err := d.Ping(ctx); err != nil {
            c.Logger().Errorf("readiness: %s: %v", d.Name, err)
            resp.Dependencies[d.Name] = "error"
            resp.Status = "unavailable"
            code = http.StatusServiceUnavailable
            continue
        }
        resp.Dependencies[d.Name] = "ok"
    }
    return c.JSON(code, resp)
}
