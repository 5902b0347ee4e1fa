package handler

import (
    "net/http"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/slot-booking/internal/lock"
    "github.com/iliyamo/slot-booking/internal/model"
)

// LockStatser is implemented by lock.Manager.
type LockStatser interface {
    Stats() lock.Stats
}

// InFlighter is implemented by txn.Coordinator.
type InFlighter interface {
    InFlight() map[string]model.TxStatus
}

// OpsHandler exposes operational counters to operators.
type OpsHandler struct {
    locks LockStatser
    txns  InFlighter
}

func NewOpsHandler(locks LockStatser, txns InFlighter) *OpsHandler {
    return &OpsHandler{locks: locks, txns: txns}
}

// LockStats handles GET /v1/ops/locks/stats.
func (h *OpsHandler) LockStats(c echo.Context) error {
    body := echo.Map{"locks": h.locks.Stats()}
    if h.txns != nil {
        body["transactions_in_flight"] = h.txns.InFlight()
    }
    return c.JSON(http.StatusOK, body)
}
