package model

import "time"

// SagaStatus is the lifecycle state of a saga execution.
type SagaStatus string

const (
	SagaRunning      SagaStatus = "RUNNING"
	SagaCompleted    SagaStatus = "COMPLETED"
	SagaCompensating SagaStatus = "COMPENSATING"
	SagaCompensated  SagaStatus = "COMPENSATED"
	SagaFailed       SagaStatus = "FAILED"
)

// SagaExecution is the persisted record of one saga run.  Steps lists the
// step IDs in execution order; CompletedSteps those that executed
// successfully and have not been compensated.
type SagaExecution struct {
	SagaID              string     `json:"saga_id"`
	Name                string     `json:"name"`
	Status              SagaStatus `json:"status"`
	Steps               []string   `json:"steps"`
	CompletedSteps      []string   `json:"completed_steps"`
	FailedStep          string     `json:"failed_step,omitempty"`
	Error               string     `json:"error,omitempty"`
	NeedsReconciliation bool       `json:"needs_reconciliation"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}
