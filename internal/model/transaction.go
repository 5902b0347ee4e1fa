package model

import (
	"errors"
	"time"
)

// ErrTxSettled is returned by a state store asked to move a transaction
// out of a final status.
var ErrTxSettled = errors.New("transaction already settled")

// TxStatus is a state of the two-phase commit state machine.
type TxStatus string

const (
	TxInitiated  TxStatus = "INITIATED"
	TxPreparing  TxStatus = "PREPARING"
	TxPrepared   TxStatus = "PREPARED"
	TxCommitting TxStatus = "COMMITTING"
	TxCommitted  TxStatus = "COMMITTED"
	TxAborting   TxStatus = "ABORTING"
	TxAborted    TxStatus = "ABORTED"
	TxFailed     TxStatus = "FAILED"
)

// txTransitions lists the forward edges of the state machine.  PREPARED ->
// ABORTING is only taken by the recovery sweep.
var txTransitions = map[TxStatus][]TxStatus{
	TxInitiated:  {TxPreparing, TxAborting},
	TxPreparing:  {TxPrepared, TxAborting},
	TxPrepared:   {TxCommitting, TxAborting},
	TxCommitting: {TxCommitted, TxFailed},
	TxAborting:   {TxAborted},
}

// CanTransition reports whether to is a legal successor of s.
func (s TxStatus) CanTransition(to TxStatus) bool {
	for _, next := range txTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Final reports whether no further transition is possible.
func (s TxStatus) Final() bool {
	return s == TxCommitted || s == TxAborted || s == TxFailed
}

// ParticipantStatus tracks one participant through prepare and commit.
type ParticipantStatus string

const (
	ParticipantPending   ParticipantStatus = "PENDING"
	ParticipantPrepared  ParticipantStatus = "PREPARED"
	ParticipantCommitted ParticipantStatus = "COMMITTED"
	ParticipantAborted   ParticipantStatus = "ABORTED"
	ParticipantFailed    ParticipantStatus = "FAILED"
)

// Participant is the persisted view of one 2PC participant.
type Participant struct {
	ParticipantID        string            `json:"participant_id"`
	Service              string            `json:"service"`
	Operation            string            `json:"operation"`
	Status               ParticipantStatus `json:"status"`
	CompensationRequired bool              `json:"compensation_required"`
	Error                string            `json:"error,omitempty"`
}

// DistributedTransactionContext is the persisted state of one 2PC run.
type DistributedTransactionContext struct {
	TransactionID       string        `json:"transaction_id"`
	Status              TxStatus      `json:"status"`
	Participants        []Participant `json:"participants"`
	Error               string        `json:"error,omitempty"`
	NeedsReconciliation bool          `json:"needs_reconciliation"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
	ExpiresAt           time.Time     `json:"expires_at"`
}

// Participant returns a pointer to the participant with the given ID.
func (t *DistributedTransactionContext) Participant(id string) *Participant {
	for i := range t.Participants {
		if t.Participants[i].ParticipantID == id {
			return &t.Participants[i]
		}
	}
	return nil
}
