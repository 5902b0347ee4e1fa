package txn

import (
	"context"
	"errors"
	"time"

	"github.com/iliyamo/slot-booking/internal/logger"
)

// Alert kinds.
const (
	AlertPartialCommit      = "PARTIAL_COMMIT"
	AlertAbortIncomplete    = "ABORT_INCOMPLETE"
	AlertCompensationFailed = "COMPENSATION_FAILED"
	AlertStuckCommit        = "STUCK_COMMIT"
	AlertStuckSaga          = "STUCK_SAGA"
)

// Alert is raised when a transaction or saga needs operator attention.
type Alert struct {
	Kind          string    `json:"kind"`
	TransactionID string    `json:"transaction_id,omitempty"`
	SagaID        string    `json:"saga_id,omitempty"`
	Message       string    `json:"message"`
	Participants  []string  `json:"participants,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Alerter delivers alerts.  The queue package publishes them to RabbitMQ.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to the log at error level.
type LogAlerter struct {
	Log *logger.Logger
}

func (a LogAlerter) Alert(ctx context.Context, al Alert) error {
	logger.OrNop(a.Log).Error("operator alert",
		"kind", al.Kind,
		"transaction_id", al.TransactionID,
		"saga_id", al.SagaID,
		"participants", al.Participants,
		"message", al.Message,
	)
	return nil
}

// raise sends al and logs delivery failures; alerting never fails the
// operation that raised it.
func raise(ctx context.Context, alerter Alerter, log *logger.Logger, al Alert) {
	if alerter == nil {
		return
	}
	if al.OccurredAt.IsZero() {
		al.OccurredAt = time.Now().UTC()
	}
	if err := alerter.Alert(ctx, al); err != nil {
		log.Error("alert delivery failed", "kind", al.Kind, "error", err)
	}
}

// FallbackAlerter tries Primary and hands the alert to Fallback when
// delivery fails, so a broker outage still leaves a trace in the log.
type FallbackAlerter struct {
	Primary  Alerter
	Fallback Alerter
}

func (a FallbackAlerter) Alert(ctx context.Context, al Alert) error {
	err := a.Primary.Alert(ctx, al)
	if err == nil || a.Fallback == nil {
		return err
	}
	if ferr := a.Fallback.Alert(ctx, al); ferr != nil {
		return errors.Join(err, ferr)
	}
	return nil
}
