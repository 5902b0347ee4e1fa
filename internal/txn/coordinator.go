// Package txn coordinates work that spans several participants: a
// two-phase commit coordinator for all-or-nothing updates, a saga
// orchestrator for long-running sequences with compensation, and a recovery
// sweep that settles anything a crashed coordinator left behind.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/slot-booking/internal/apperror"
	"github.com/iliyamo/slot-booking/internal/config"
	"github.com/iliyamo/slot-booking/internal/logger"
	"github.com/iliyamo/slot-booking/internal/model"
)

// Operation is one participant's share of a distributed transaction.  A nil
// Prepare votes yes; nil Commit and Abort are no-ops.
type Operation struct {
	ParticipantID  string
	Service        string
	Operation      string
	Data           map[string]any
	IdempotencyKey string

	Prepare func(ctx context.Context) error
	Commit  func(ctx context.Context) error
	Abort   func(ctx context.Context) error
}

// Coordinator runs two-phase commits and persists every state transition.
type Coordinator struct {
	store   StateStore
	alerter Alerter
	cfg     config.TxnConfig
	log     *logger.Logger
	now     func() time.Time

	mu       sync.Mutex
	inFlight map[string]model.TxStatus
}

func NewCoordinator(store StateStore, alerter Alerter, cfg config.TxnConfig, log *logger.Logger) *Coordinator {
	log = logger.OrNop(log).With("component", "2pc")
	if alerter == nil {
		alerter = LogAlerter{Log: log}
	}
	return &Coordinator{
		store:    store,
		alerter:  alerter,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		inFlight: make(map[string]model.TxStatus),
	}
}

// InFlight returns the status of every transaction this coordinator is
// currently driving.
func (c *Coordinator) InFlight() map[string]model.TxStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]model.TxStatus, len(c.inFlight))
	for k, v := range c.inFlight {
		out[k] = v
	}
	return out
}

// Execute runs ops as one distributed transaction and returns the final
// context.  Any prepare failure aborts every participant.  Once commit
// starts there is no abort: a commit failure leaves the transaction FAILED
// and flagged for reconciliation.
func (c *Coordinator) Execute(ctx context.Context, ops []Operation) (*model.DistributedTransactionContext, error) {
	if err := validateOps(ops); err != nil {
		return nil, err
	}

	now := c.now()
	tx := &model.DistributedTransactionContext{
		TransactionID: uuid.NewString(),
		Status:        model.TxInitiated,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(c.cfg.TransactionTTL),
	}
	for _, op := range ops {
		tx.Participants = append(tx.Participants, model.Participant{
			ParticipantID: op.ParticipantID,
			Service:       op.Service,
			Operation:     op.Operation,
			Status:        model.ParticipantPending,
		})
	}
	if err := c.store.SaveTransaction(ctx, tx); err != nil {
		return nil, apperror.Storage("persist transaction", err)
	}
	c.track(tx)
	defer c.untrack(tx.TransactionID)

	log := c.log.With("transaction_id", tx.TransactionID)
	log.Info("transaction started", "participants", len(ops))

	if err := c.transition(ctx, tx, model.TxPreparing); err != nil {
		return tx, settledError(tx, err)
	}
	if perr := c.prepareAll(ctx, tx, ops); perr != nil {
		tx.Error = perr.Error()
		c.abort(ctx, tx, ops)
		log.Warn("transaction aborted", "error", perr)
		if errors.Is(perr, errCallTimeout) {
			return tx, apperror.Wrap(apperror.KindTimeout, apperror.CodeParticipantTimeout, "participant prepare timed out", perr)
		}
		return tx, apperror.Wrap(apperror.KindConflict, apperror.CodePrepareFailed, "participant refused to prepare", perr)
	}
	// The recovery sweep may have aborted a slow prepare; then nothing commits.
	for _, next := range []model.TxStatus{model.TxPrepared, model.TxCommitting} {
		if err := c.transition(ctx, tx, next); err != nil {
			c.abort(ctx, tx, ops)
			log.Warn("transaction settled before commit", "status", tx.Status)
			return tx, settledError(tx, err)
		}
	}

	failed, err := c.commitAll(ctx, tx, ops)
	if err != nil {
		log.Error("transaction settled during commit", "status", tx.Status, "failed", failed)
		return tx, settledError(tx, err)
	}
	if len(failed) > 0 {
		for i := range tx.Participants {
			if tx.Participants[i].Status == model.ParticipantCommitted {
				tx.Participants[i].CompensationRequired = true
			}
		}
		tx.NeedsReconciliation = true
		tx.Error = fmt.Sprintf("commit failed for %v", failed)
		_ = c.transition(ctx, tx, model.TxFailed)
		log.Error("partial commit", "failed", failed)
		raise(ctx, c.alerter, log, Alert{
			Kind:          AlertPartialCommit,
			TransactionID: tx.TransactionID,
			Message:       tx.Error,
			Participants:  failed,
		})
		return tx, apperror.Inconsistency(apperror.CodePartialCommit, "transaction partially committed", nil).
			WithDetails(map[string]any{"transaction_id": tx.TransactionID, "failed": failed})
	}
	if err := c.transition(ctx, tx, model.TxCommitted); err != nil {
		log.Error("transaction settled after commit", "status", tx.Status)
		return tx, settledError(tx, err)
	}
	log.Info("transaction committed")
	return tx, nil
}

// settledError reports a transaction whose stored state was finalized by
// someone else, normally the recovery sweep.
func settledError(tx *model.DistributedTransactionContext, err error) error {
	if tx.Status == model.TxAborted {
		return apperror.Wrap(apperror.KindTimeout, apperror.CodeParticipantTimeout, "transaction aborted by recovery", err)
	}
	return apperror.Inconsistency(apperror.CodePartialCommit, "transaction settled while committing", err).
		WithDetails(map[string]any{"transaction_id": tx.TransactionID, "status": tx.Status})
}

func validateOps(ops []Operation) error {
	if len(ops) == 0 {
		return apperror.InvalidInput("transaction needs at least one participant")
	}
	seen := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		if op.ParticipantID == "" {
			return apperror.InvalidInput("participant_id is required")
		}
		if _, dup := seen[op.ParticipantID]; dup {
			return apperror.InvalidInput("duplicate participant " + op.ParticipantID)
		}
		seen[op.ParticipantID] = struct{}{}
	}
	return nil
}

// prepareAll asks every participant to prepare in parallel and returns the
// first failure, preferring timeouts so the caller can report them.
func (c *Coordinator) prepareAll(ctx context.Context, tx *model.DistributedTransactionContext, ops []Operation) error {
	errs := make([]error, len(ops))
	var g errgroup.Group
	for i, op := range ops {
		i, op := i, op
		g.Go(func() error {
			errs[i] = callWithTimeout(ctx, c.cfg.ParticipantTimeout, op.Prepare)
			return nil
		})
	}
	_ = g.Wait()

	var first error
	for i, err := range errs {
		p := &tx.Participants[i]
		if err != nil {
			p.Status = model.ParticipantFailed
			p.Error = err.Error()
			werr := fmt.Errorf("%s: %w", p.ParticipantID, err)
			if first == nil || (errors.Is(err, errCallTimeout) && !errors.Is(first, errCallTimeout)) {
				first = werr
			}
			continue
		}
		p.Status = model.ParticipantPrepared
	}
	return first
}

// abort runs every abort callback and settles tx as ABORTED unless the
// store already holds a final status.
func (c *Coordinator) abort(ctx context.Context, tx *model.DistributedTransactionContext, ops []Operation) {
	if !tx.Status.Final() {
		_ = c.transition(ctx, tx, model.TxAborting)
	}
	c.abortAll(ctx, tx, ops)
	if !tx.Status.Final() {
		_ = c.transition(ctx, tx, model.TxAborted)
	}
}

func (c *Coordinator) abortAll(ctx context.Context, tx *model.DistributedTransactionContext, ops []Operation) {
	var incomplete []string
	for i, op := range ops {
		var err error
		for attempt := 0; attempt < max(1, c.cfg.AbortRetries); attempt++ {
			if err = callWithTimeout(ctx, c.cfg.ParticipantTimeout, op.Abort); err == nil {
				break
			}
		}
		p := &tx.Participants[i]
		if err != nil {
			incomplete = append(incomplete, op.ParticipantID)
			p.Error = err.Error()
			c.log.Error("abort failed", "transaction_id", tx.TransactionID, "participant", op.ParticipantID, "error", err)
			continue
		}
		if p.Status != model.ParticipantFailed {
			p.Status = model.ParticipantAborted
		}
	}
	if len(incomplete) > 0 {
		raise(ctx, c.alerter, c.log, Alert{
			Kind:          AlertAbortIncomplete,
			TransactionID: tx.TransactionID,
			Message:       "abort callbacks failed after retries",
			Participants:  incomplete,
		})
	}
}

// commitAll commits sequentially, continuing past failures so every
// participant that can commit does.  Progress is saved after each call; if
// the stored transaction was settled meanwhile, it stops and returns
// model.ErrTxSettled.
func (c *Coordinator) commitAll(ctx context.Context, tx *model.DistributedTransactionContext, ops []Operation) ([]string, error) {
	var failed []string
	for i, op := range ops {
		p := &tx.Participants[i]
		if err := callWithTimeout(ctx, c.cfg.ParticipantTimeout, op.Commit); err != nil {
			p.Status = model.ParticipantFailed
			p.Error = err.Error()
			failed = append(failed, op.ParticipantID)
		} else {
			p.Status = model.ParticipantCommitted
		}
		tx.UpdatedAt = c.now()
		if err := c.save(ctx, tx); err != nil {
			return failed, err
		}
	}
	return failed, nil
}

// errIllegalTransition is returned by transition for an edge the state
// machine does not have.
var errIllegalTransition = errors.New("illegal transaction transition")

// transition moves tx to next and persists it.  Storage failures after the
// initial write are logged and the in-memory state machine keeps going;
// only a settled transaction or an illegal edge returns an error.
func (c *Coordinator) transition(ctx context.Context, tx *model.DistributedTransactionContext, next model.TxStatus) error {
	if !tx.Status.CanTransition(next) {
		c.log.Error("illegal transaction transition", "transaction_id", tx.TransactionID, "from", tx.Status, "to", next)
		return errIllegalTransition
	}
	tx.Status = next
	tx.UpdatedAt = c.now()
	c.track(tx)
	return c.save(ctx, tx)
}

// save persists tx.  When the store refuses because the transaction is
// already final, tx adopts the stored outcome and model.ErrTxSettled is
// returned.
func (c *Coordinator) save(ctx context.Context, tx *model.DistributedTransactionContext) error {
	sctx := context.WithoutCancel(ctx)
	err := c.store.SaveTransaction(sctx, tx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, model.ErrTxSettled) {
		c.log.Error("persist transaction state", "transaction_id", tx.TransactionID, "status", tx.Status, "error", err)
		return nil
	}
	if stored, gerr := c.store.GetTransaction(sctx, tx.TransactionID); gerr == nil && stored != nil {
		tx.Status = stored.Status
		tx.Error = stored.Error
		tx.NeedsReconciliation = stored.NeedsReconciliation
	} else {
		c.log.Error("load settled transaction", "transaction_id", tx.TransactionID, "error", gerr)
	}
	c.track(tx)
	c.log.Warn("transaction already settled", "transaction_id", tx.TransactionID, "status", tx.Status)
	return err
}

func (c *Coordinator) track(tx *model.DistributedTransactionContext) {
	c.mu.Lock()
	c.inFlight[tx.TransactionID] = tx.Status
	c.mu.Unlock()
}

func (c *Coordinator) untrack(id string) {
	c.mu.Lock()
	delete(c.inFlight, id)
	c.mu.Unlock()
}
