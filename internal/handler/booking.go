package handler

import (
    "context"
    "net/http"
    "strconv"
    "time"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/slot-booking/internal/apperror"
    "github.com/iliyamo/slot-booking/internal/booking"
    "github.com/iliyamo/slot-booking/internal/middleware"
    "github.com/iliyamo/slot-booking/internal/validation"
)

// IdempotencyHeader carries the client's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// BookingService is implemented by booking.Orchestrator.
type BookingService interface {
    Create(ctx context.Context, req booking.CreateRequest) (*booking.Result, error)
    Cancel(ctx context.Context, req booking.CancelRequest) (*booking.Result, error)
    Reschedule(ctx context.Context, req booking.RescheduleRequest) (*booking.Result, error)
}

// BookingHandler serves the booking endpoints.  Tenant and user always
// come from the access token, never from the body.
type BookingHandler struct {
    svc      BookingService
    validate *validation.Validator
}

func NewBookingHandler(svc BookingService) *BookingHandler {
    return &BookingHandler{svc: svc, validate: validation.New()}
}

// windowBody is the JSON body of create and reschedule.
type windowBody struct {
    ResourceID      uint64    `json:"resource_id"`
    StartTime       time.Time `json:"start_time" validate:"required"`
    DurationMin     int       `json:"duration_min" validate:"gt=0"`
    BufferBeforeMin int       `json:"buffer_before_min" validate:"gte=0"`
    BufferAfterMin  int       `json:"buffer_after_min" validate:"gte=0"`
    GranularityMin  int       `json:"granularity_min" validate:"gte=0"`
    Units           int       `json:"units" validate:"gte=0"`
}

func (b windowBody) createRequest(c echo.Context, resourceID uint64) booking.CreateRequest {
    units := b.Units
    if units == 0 {
        units = 1
    }
    return booking.CreateRequest{
        TenantID:        middleware.TenantID(c),
        UserID:          middleware.UserID(c),
        ResourceID:      resourceID,
        StartTime:       b.StartTime,
        DurationMin:     b.DurationMin,
        BufferBeforeMin: b.BufferBeforeMin,
        BufferAfterMin:  b.BufferAfterMin,
        GranularityMin:  b.GranularityMin,
        Units:           units,
        IdempotencyKey:  c.Request().Header.Get(IdempotencyHeader),
    }
}

// Create handles POST /v1/resources/:id/bookings.  It answers 201 with the
// booking, or the error status with a result that may list alternative
// start times.
func (h *BookingHandler) Create(c echo.Context) error {
    resourceID, err := pathID(c, "id")
    if err != nil {
        return renderError(c, err)
    }
    var body windowBody
    if err := h.bind(c, &body); err != nil {
        return renderError(c, err)
    }
    res, err := h.svc.Create(c.Request().Context(), body.createRequest(c, resourceID))
    return render(c, http.StatusCreated, res, err)
}

// Cancel handles DELETE /v1/bookings/:id.
func (h *BookingHandler) Cancel(c echo.Context) error {
    bookingID, err := pathID(c, "id")
    if err != nil {
        return renderError(c, err)
    }
    res, err := h.svc.Cancel(c.Request().Context(), booking.CancelRequest{
        TenantID:       middleware.TenantID(c),
        UserID:         middleware.UserID(c),
        BookingID:      bookingID,
        IdempotencyKey: c.Request().Header.Get(IdempotencyHeader),
    })
    return render(c, http.StatusOK, res, err)
}

// Reschedule handles POST /v1/bookings/:id/reschedule.  The body names the
// resource and the new window.
func (h *BookingHandler) Reschedule(c echo.Context) error {
    bookingID, err := pathID(c, "id")
    if err != nil {
        return renderError(c, err)
    }
    var body windowBody
    if err := h.bind(c, &body); err != nil {
        return renderError(c, err)
    }
    if body.ResourceID == 0 {
        return renderError(c, apperror.InvalidInput("resource_id is required"))
    }
    res, err := h.svc.Reschedule(c.Request().Context(), booking.RescheduleRequest{
        BookingID:     bookingID,
        CreateRequest: body.createRequest(c, body.ResourceID),
    })
    return render(c, http.StatusOK, res, err)
}

func (h *BookingHandler) bind(c echo.Context, body *windowBody) error {
    if err := c.Bind(body); err != nil {
        return apperror.InvalidInput("malformed request body")
    }
    return h.validate.Struct(body)
}

func pathID(c echo.Context, name string) (uint64, error) {
    id, err := strconv.ParseUint(c.Param(name), 10, 64)
    if err != nil || id == 0 {
        return 0, apperror.InvalidInput("invalid " + name)
    }
    return id, nil
}

// render writes res with okStatus on success, or with the status derived
// from err.  A nil res on failure falls back to the bare error.
func render(c echo.Context, okStatus int, res *booking.Result, err error) error {
    if err == nil {
        return c.JSON(okStatus, res)
    }
    if res == nil {
        return renderError(c, err)
    }
    return c.JSON(apperror.HTTPStatus(err), res)
}

func renderError(c echo.Context, err error) error {
    e := apperror.Ensure(err, "request failed")
    body := echo.Map{
        "success": false,
        "outcome": apperror.OutcomeOf(e),
        "kind":    e.Kind,
        "code":    e.Code,
        "message": e.Message,
    }
    if len(e.Details) > 0 {
        body["details"] = e.Details
    }
    return c.JSON(apperror.HTTPStatus(e), body)
}
