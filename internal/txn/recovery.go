package txn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/iliyamo/slot-booking/internal/config"
	"github.com/iliyamo/slot-booking/internal/logger"
	"github.com/iliyamo/slot-booking/internal/model"
)

// RecoveryReport summarises one sweep.
type RecoveryReport struct {
	Aborted       []string `json:"aborted"`
	FailedCommits []string `json:"failed_commits"`
	FailedSagas   []string `json:"failed_sagas"`
	Errors        int      `json:"errors"`
}

// Recovery settles transactions and sagas whose coordinator stopped
// updating them.  StaleAfter must exceed the participant and step timeouts
// or the sweep can race a live coordinator.
type Recovery struct {
	store   StateStore
	alerter Alerter
	cfg     config.TxnConfig
	log     *logger.Logger
	now     func() time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRecovery(store StateStore, alerter Alerter, cfg config.TxnConfig, log *logger.Logger) *Recovery {
	log = logger.OrNop(log).With("component", "txn-recovery")
	if alerter == nil {
		alerter = LogAlerter{Log: log}
	}
	return &Recovery{
		store:   store,
		alerter: alerter,
		cfg:     cfg,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

var staleTxStatuses = []model.TxStatus{
	model.TxInitiated, model.TxPreparing, model.TxPrepared, model.TxCommitting, model.TxAborting,
}

var staleSagaStatuses = []model.SagaStatus{model.SagaRunning, model.SagaCompensating}

// Sweep moves every stale, unfinished transaction and saga to a final
// state.  Nothing that reached COMMITTING is ever aborted.
func (r *Recovery) Sweep(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	before := r.now().Add(-r.cfg.StaleAfter)

	txs, err := r.store.ListStaleTransactions(ctx, staleTxStatuses, before)
	if err != nil {
		return rep, err
	}
	for _, tx := range txs {
		r.recoverTransaction(ctx, tx, &rep)
	}

	sagas, err := r.store.ListStaleSagas(ctx, staleSagaStatuses, before)
	if err != nil {
		return rep, err
	}
	for _, s := range sagas {
		s.Status = model.SagaFailed
		s.NeedsReconciliation = true
		if s.Error == "" {
			s.Error = "saga abandoned by coordinator"
		}
		s.UpdatedAt = r.now()
		if err := r.store.SaveSaga(ctx, s); err != nil {
			r.log.Error("persist recovered saga", "saga_id", s.SagaID, "error", err)
			rep.Errors++
			continue
		}
		rep.FailedSagas = append(rep.FailedSagas, s.SagaID)
		raise(ctx, r.alerter, r.log, Alert{
			Kind:         AlertStuckSaga,
			SagaID:       s.SagaID,
			Message:      "stale saga marked failed; completed steps may need compensation",
			Participants: s.CompletedSteps,
		})
	}

	if len(rep.Aborted)+len(rep.FailedCommits)+len(rep.FailedSagas) > 0 {
		r.log.Warn("recovery sweep settled stale work",
			"aborted", len(rep.Aborted), "failed_commits", len(rep.FailedCommits), "failed_sagas", len(rep.FailedSagas))
	}
	return rep, nil
}

func (r *Recovery) recoverTransaction(ctx context.Context, tx *model.DistributedTransactionContext, rep *RecoveryReport) {
	var path []model.TxStatus
	switch tx.Status {
	case model.TxInitiated, model.TxPreparing, model.TxPrepared:
		path = []model.TxStatus{model.TxAborting, model.TxAborted}
	case model.TxAborting:
		path = []model.TxStatus{model.TxAborted}
	case model.TxCommitting:
		path = []model.TxStatus{model.TxFailed}
	default:
		return
	}
	for _, next := range path {
		if !tx.Status.CanTransition(next) {
			r.log.Error("illegal recovery transition", "transaction_id", tx.TransactionID, "from", tx.Status, "to", next)
			rep.Errors++
			return
		}
		tx.Status = next
	}
	tx.UpdatedAt = r.now()

	if tx.Status == model.TxFailed {
		tx.NeedsReconciliation = true
		var unsure []string
		for i := range tx.Participants {
			if tx.Participants[i].Status == model.ParticipantCommitted {
				tx.Participants[i].CompensationRequired = true
			} else {
				unsure = append(unsure, tx.Participants[i].ParticipantID)
			}
		}
		tx.Error = "coordinator stopped during commit"
		if err := r.store.SaveTransaction(ctx, tx); err != nil {
			r.saveFailed(tx, err, rep)
			return
		}
		rep.FailedCommits = append(rep.FailedCommits, tx.TransactionID)
		raise(ctx, r.alerter, r.log, Alert{
			Kind:          AlertStuckCommit,
			TransactionID: tx.TransactionID,
			Message:       tx.Error,
			Participants:  unsure,
		})
		return
	}

	for i := range tx.Participants {
		if tx.Participants[i].Status != model.ParticipantFailed {
			tx.Participants[i].Status = model.ParticipantAborted
		}
	}
	if tx.Error == "" {
		tx.Error = "aborted by recovery"
	}
	if err := r.store.SaveTransaction(ctx, tx); err != nil {
		r.saveFailed(tx, err, rep)
		return
	}
	rep.Aborted = append(rep.Aborted, tx.TransactionID)
}

// saveFailed records a failed write.  A transaction its coordinator
// finished after the scan is not an error.
func (r *Recovery) saveFailed(tx *model.DistributedTransactionContext, err error, rep *RecoveryReport) {
	if errors.Is(err, model.ErrTxSettled) {
		r.log.Info("transaction settled before recovery", "transaction_id", tx.TransactionID)
		return
	}
	r.log.Error("persist recovered transaction", "transaction_id", tx.TransactionID, "error", err)
	rep.Errors++
}

// Start runs Sweep every RecoveryInterval until Stop or ctx ends.
func (r *Recovery) Start(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel != nil || r.cfg.RecoveryInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(r.cfg.RecoveryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Sweep(ctx); err != nil {
					r.log.Error("recovery sweep failed", "error", err)
				}
			}
		}
	}(r.done)
}

// Stop halts the sweep and waits for it to exit.
func (r *Recovery) Stop() {
	r.runMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
