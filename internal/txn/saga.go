package txn

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/slot-booking/internal/apperror"
	"github.com/iliyamo/slot-booking/internal/config"
	"github.com/iliyamo/slot-booking/internal/logger"
	"github.com/iliyamo/slot-booking/internal/model"
)

// Step is one unit of a saga.  Execute and Compensate are both required.
// Dependencies name steps that must have completed earlier in the same
// saga.  A zero Timeout uses the orchestrator default.
type Step struct {
	StepID       string
	Data         map[string]any
	Execute      func(ctx context.Context) error
	Compensate   func(ctx context.Context) error
	Dependencies []string
	Timeout      time.Duration
	Retryable    bool
}

// SagaOrchestrator executes sagas step by step and compensates completed
// steps in reverse order when one fails.
type SagaOrchestrator struct {
	store   StateStore
	alerter Alerter
	cfg     config.TxnConfig
	log     *logger.Logger
	now     func() time.Time
}

func NewSagaOrchestrator(store StateStore, alerter Alerter, cfg config.TxnConfig, log *logger.Logger) *SagaOrchestrator {
	log = logger.OrNop(log).With("component", "saga")
	if alerter == nil {
		alerter = LogAlerter{Log: log}
	}
	return &SagaOrchestrator{
		store:   store,
		alerter: alerter,
		cfg:     cfg,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run executes steps in order.  On failure every completed step is
// compensated, newest first.  The returned execution reflects the final
// persisted state.
func (o *SagaOrchestrator) Run(ctx context.Context, name string, steps []Step) (*model.SagaExecution, error) {
	if err := validateSteps(steps); err != nil {
		return nil, err
	}

	now := o.now()
	exec := &model.SagaExecution{
		SagaID:         uuid.NewString(),
		Name:           name,
		Status:         model.SagaRunning,
		CompletedSteps: []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, s := range steps {
		exec.Steps = append(exec.Steps, s.StepID)
	}
	if err := o.store.SaveSaga(ctx, exec); err != nil {
		return nil, apperror.Storage("persist saga", err)
	}
	log := o.log.With("saga_id", exec.SagaID, "saga", name)

	for _, s := range steps {
		if err := o.runStep(ctx, s); err != nil {
			exec.FailedStep = s.StepID
			exec.Error = err.Error()
			log.Warn("saga step failed", "step", s.StepID, "error", err)
			o.compensate(ctx, exec, steps, log)
			if exec.Status == model.SagaFailed {
				return exec, apperror.Inconsistency(apperror.CodeCompensationFailed, "saga compensation incomplete", err).
					WithDetails(map[string]any{"saga_id": exec.SagaID, "failed_step": s.StepID, "uncompensated": exec.CompletedSteps})
			}
			return exec, stepError(s.StepID, err)
		}
		exec.CompletedSteps = append(exec.CompletedSteps, s.StepID)
		o.save(ctx, exec)
	}

	exec.Status = model.SagaCompleted
	o.save(ctx, exec)
	log.Info("saga completed", "steps", len(steps))
	return exec, nil
}

func (o *SagaOrchestrator) runStep(ctx context.Context, s Step) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = o.cfg.StepTimeout
	}
	attempts := 1
	if s.Retryable {
		attempts += o.cfg.StepRetries
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = callWithTimeout(ctx, timeout, s.Execute); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// compensate undoes completed steps in reverse.  A failing compensation is
// recorded and the remaining ones still run.
func (o *SagaOrchestrator) compensate(ctx context.Context, exec *model.SagaExecution, steps []Step, log *logger.Logger) {
	exec.Status = model.SagaCompensating
	o.save(ctx, exec)

	byID := make(map[string]Step, len(steps))
	for _, s := range steps {
		byID[s.StepID] = s
	}
	// Compensation must finish even if the caller has gone away.
	cctx := context.WithoutCancel(ctx)

	var stuck []string
	for i := len(exec.CompletedSteps) - 1; i >= 0; i-- {
		id := exec.CompletedSteps[i]
		s := byID[id]
		timeout := s.Timeout
		if timeout <= 0 {
			timeout = o.cfg.StepTimeout
		}
		if err := callWithTimeout(cctx, timeout, s.Compensate); err != nil {
			log.Error("compensation failed", "step", id, "error", err)
			stuck = append(stuck, id)
			continue
		}
		exec.CompletedSteps = slices.Delete(exec.CompletedSteps, i, i+1)
		o.save(cctx, exec)
	}

	if len(stuck) > 0 {
		exec.Status = model.SagaFailed
		exec.NeedsReconciliation = true
		o.save(cctx, exec)
		raise(cctx, o.alerter, log, Alert{
			Kind:         AlertCompensationFailed,
			SagaID:       exec.SagaID,
			Message:      "compensation failed for completed steps",
			Participants: stuck,
		})
		return
	}
	exec.Status = model.SagaCompensated
	o.save(cctx, exec)
}

func (o *SagaOrchestrator) save(ctx context.Context, exec *model.SagaExecution) {
	exec.UpdatedAt = o.now()
	if err := o.store.SaveSaga(context.WithoutCancel(ctx), exec); err != nil {
		o.log.Error("persist saga state", "saga_id", exec.SagaID, "status", exec.Status, "error", err)
	}
}

func validateSteps(steps []Step) error {
	if len(steps) == 0 {
		return apperror.InvalidInput("saga needs at least one step")
	}
	seen := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		if s.StepID == "" {
			return apperror.InvalidInput("step_id is required")
		}
		if _, dup := seen[s.StepID]; dup {
			return apperror.InvalidInput("duplicate step " + s.StepID)
		}
		if s.Execute == nil {
			return apperror.InvalidInput("step " + s.StepID + " has no execute action")
		}
		if s.Compensate == nil {
			return apperror.InvalidInput("step " + s.StepID + " has no compensating action")
		}
		for _, dep := range s.Dependencies {
			if _, ok := seen[dep]; !ok {
				return apperror.InvalidInput("step " + s.StepID + " depends on " + dep + " which does not run before it")
			}
		}
		seen[s.StepID] = struct{}{}
	}
	return nil
}

// stepError surfaces typed step errors unchanged and wraps anything else.
func stepError(stepID string, err error) error {
	if errors.Is(err, errCallTimeout) {
		return apperror.Timeout(apperror.CodeStepTimeout, "saga step "+stepID+" timed out")
	}
	if e, ok := apperror.As(err); ok {
		return e
	}
	return apperror.Wrap(apperror.KindConflict, apperror.CodeStepFailed, "saga step "+stepID+" failed", err)
}
