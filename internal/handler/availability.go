package handler

import (
    "context"
    "net/http"
    "time"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/slot-booking/internal/apperror"
    "github.com/iliyamo/slot-booking/internal/middleware"
    "github.com/iliyamo/slot-booking/internal/model"
)

// maxAvailabilitySpan bounds one availability query.
const maxAvailabilitySpan = 7 * 24 * time.Hour

// SlotLister reads slots without locking them.
type SlotLister interface {
    ListRange(ctx context.Context, tenantID string, resourceID uint64, from, to time.Time) ([]model.TimeSlot, error)
}

type AvailabilityHandler struct {
    slots SlotLister
}

func NewAvailabilityHandler(slots SlotLister) *AvailabilityHandler {
    return &AvailabilityHandler{slots: slots}
}

// List handles GET /v1/resources/:id/availability?from=...&to=... with
// RFC 3339 bounds.  Without bounds it returns the next 24 hours.  The
// answer is advisory; booking re-checks everything under row locks.
func (h *AvailabilityHandler) List(c echo.Context) error {
    resourceID, err := pathID(c, "id")
    if err != nil {
        return renderError(c, err)
    }
    from := time.Now().UTC().Truncate(time.Minute)
    to := from.Add(24 * time.Hour)
    if v := c.QueryParam("from"); v != "" {
        if from, err = time.Parse(time.RFC3339, v); err != nil {
            return renderError(c, apperror.InvalidInput("from must be RFC 3339"))
        }
        to = from.Add(24 * time.Hour)
    }
    if v := c.QueryParam("to"); v != "" {
        if to, err = time.Parse(time.RFC3339, v); err != nil {
            return renderError(c, apperror.InvalidInput("to must be RFC 3339"))
        }
    }
    if !to.After(from) || to.Sub(from) > maxAvailabilitySpan {
        return renderError(c, apperror.InvalidInput("to must be after from and within 7 days"))
    }

    slots, err := h.slots.ListRange(c.Request().Context(), middleware.TenantID(c), resourceID, from.UTC(), to.UTC())
    if err != nil {
        return renderError(c, apperror.Ensure(err, "list slots"))
    }
    out := make([]slotView, len(slots))
    for i, s := range slots {
        out[i] = slotView{ID: s.ID, StartAt: s.StartAt, EndAt: s.EndAt, AvailableCapacity: s.AvailableCapacity}
    }
    return c.JSON(http.StatusOK, echo.Map{
        "resource_id": resourceID,
        "from":        from.UTC(),
        "to":          to.UTC(),
        "slots":       out,
    })
}

type slotView struct {
    ID                uint64    `json:"id"`
    StartAt           time.Time `json:"start_at"`
    EndAt             time.Time `json:"end_at"`
    AvailableCapacity int       `json:"available_capacity"`
}
