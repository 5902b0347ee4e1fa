package txn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/slot-booking/internal/apperror"
	"github.com/iliyamo/slot-booking/internal/config"
	"github.com/iliyamo/slot-booking/internal/model"
)

func testTxnConfig() config.TxnConfig {
	return config.TxnConfig{
		ParticipantTimeout: 200 * time.Millisecond,
		StepTimeout:        200 * time.Millisecond,
		AbortRetries:       3,
		StepRetries:        2,
		TransactionTTL:     time.Minute,
		StaleAfter:         time.Minute,
		RecoveryInterval:   10 * time.Millisecond,
	}
}

func op(id string, c *calls) Operation {
	return Operation{
		ParticipantID: id,
		Service:       "svc-" + id,
		Operation:     "write",
		Prepare:       c.record("prepare:" + id),
		Commit:        c.record("commit:" + id),
		Abort:         c.record("abort:" + id),
	}
}

func TestCoordinator_CommitsAll(t *testing.T) {
	store := newMemStore()
	c := &calls{}
	coord := NewCoordinator(store, nil, testTxnConfig(), nil)

	tx, err := coord.Execute(context.Background(), []Operation{op("a", c), op("b", c)})
	require.NoError(t, err)
	assert.Equal(t, model.TxCommitted, tx.Status)
	for _, p := range tx.Participants {
		assert.Equal(t, model.ParticipantCommitted, p.Status)
	}
	assert.Equal(t, []model.TxStatus{
		model.TxInitiated, model.TxPreparing, model.TxPrepared, model.TxCommitting,
		model.TxCommitting, model.TxCommitting, // one save per committed participant
		model.TxCommitted,
	}, store.path(tx.TransactionID))
	assert.False(t, c.has("abort:a"))
	assert.Empty(t, coord.InFlight())
}

func TestCoordinator_PrepareFailureAbortsEveryoneAndCommitsNoOne(t *testing.T) {
	store := newMemStore()
	c := &calls{}
	bad := op("b", c)
	bad.Prepare = c.fail("prepare:b", errors.New("no capacity"))

	coord := NewCoordinator(store, nil, testTxnConfig(), nil)
	tx, err := coord.Execute(context.Background(), []Operation{op("a", c), bad, op("c", c)})
	require.Error(t, err)
	assert.Equal(t, apperror.CodePrepareFailed, apperror.CodeOf(err))
	assert.Equal(t, apperror.OutcomeConflict, apperror.OutcomeOf(err))
	assert.Equal(t, model.TxAborted, tx.Status)

	for _, id := range []string{"a", "b", "c"} {
		assert.False(t, c.has("commit:"+id), "commit must never run for %s", id)
		assert.True(t, c.has("abort:"+id), "abort must run for %s", id)
	}
	assert.Equal(t, model.ParticipantFailed, tx.Participant("b").Status)
	assert.Equal(t, model.ParticipantAborted, tx.Participant("a").Status)
	assert.Equal(t, []model.TxStatus{
		model.TxInitiated, model.TxPreparing, model.TxAborting, model.TxAborted,
	}, store.path(tx.TransactionID))
}

func TestCoordinator_PrepareTimeout(t *testing.T) {
	c := &calls{}
	slow := op("slow", c)
	slow.Prepare = func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return nil
	}
	coord := NewCoordinator(newMemStore(), nil, testTxnConfig(), nil)

	tx, err := coord.Execute(context.Background(), []Operation{op("a", c), slow})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeParticipantTimeout, apperror.CodeOf(err))
	assert.Equal(t, apperror.OutcomeTimeout, apperror.OutcomeOf(err))
	assert.Equal(t, model.TxAborted, tx.Status)
	assert.False(t, c.has("commit:a"))
}

func TestCoordinator_PreparePanicIsAFailure(t *testing.T) {
	c := &calls{}
	boom := op("boom", c)
	boom.Prepare = func(context.Context) error { panic("kaput") }
	coord := NewCoordinator(newMemStore(), nil, testTxnConfig(), nil)

	tx, err := coord.Execute(context.Background(), []Operation{boom})
	require.Error(t, err)
	assert.Equal(t, model.TxAborted, tx.Status)
	assert.Contains(t, tx.Participant("boom").Error, "kaput")
}

func TestCoordinator_AbortRetried(t *testing.T) {
	c := &calls{}
	attempts := 0
	a := op("a", c)
	a.Abort = func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("flaky")
		}
		return nil
	}
	b := op("b", c)
	b.Prepare = c.fail("prepare:b", errors.New("no"))
	spy := &alertSpy{}
	coord := NewCoordinator(newMemStore(), spy, testTxnConfig(), nil)

	_, err := coord.Execute(context.Background(), []Operation{a, b})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Empty(t, spy.kinds())
}

func TestCoordinator_AbortExhaustedRaisesAlert(t *testing.T) {
	c := &calls{}
	a := op("a", c)
	a.Prepare = c.fail("prepare:a", errors.New("no"))
	a.Abort = c.fail("abort:a", errors.New("still down"))
	spy := &alertSpy{}
	coord := NewCoordinator(newMemStore(), spy, testTxnConfig(), nil)

	tx, err := coord.Execute(context.Background(), []Operation{a})
	require.Error(t, err)
	assert.Equal(t, model.TxAborted, tx.Status)
	assert.Equal(t, []string{AlertAbortIncomplete}, spy.kinds())
}

func TestCoordinator_CommitFailureIsPartialCommit(t *testing.T) {
	store := newMemStore()
	c := &calls{}
	b := op("b", c)
	b.Commit = c.fail("commit:b", errors.New("disk full"))
	spy := &alertSpy{}
	coord := NewCoordinator(store, spy, testTxnConfig(), nil)

	tx, err := coord.Execute(context.Background(), []Operation{op("a", c), b, op("c", c)})
	require.Error(t, err)
	assert.Equal(t, apperror.KindInconsistency, apperror.KindOf(err))
	assert.Equal(t, apperror.CodePartialCommit, apperror.CodeOf(err))
	assert.Equal(t, apperror.OutcomeFatal, apperror.OutcomeOf(err))

	assert.Equal(t, model.TxFailed, tx.Status)
	assert.True(t, tx.NeedsReconciliation)
	assert.True(t, tx.Participant("a").CompensationRequired)
	assert.True(t, tx.Participant("c").CompensationRequired)
	assert.Equal(t, model.ParticipantFailed, tx.Participant("b").Status)
	assert.True(t, c.has("commit:c"), "commit continues past a failure")
	for _, id := range []string{"a", "b", "c"} {
		assert.False(t, c.has("abort:"+id), "no abort once committing")
	}
	assert.Equal(t, []string{AlertPartialCommit}, spy.kinds())

	saved, err := store.GetTransaction(context.Background(), tx.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.TxFailed, saved.Status)
	assert.True(t, saved.NeedsReconciliation)
}

// lateRecovery returns a recovery whose clock is far enough ahead that
// every non-final transaction in store looks abandoned.
func lateRecovery(store *memStore) *Recovery {
	rec := NewRecovery(store, &alertSpy{}, testTxnConfig(), nil)
	rec.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	return rec
}

func TestCoordinator_RecoverySettlesDuringCommit(t *testing.T) {
	store := newMemStore()
	c := &calls{}
	rec := lateRecovery(store)
	a := op("a", c)
	a.Commit = func(ctx context.Context) error {
		c.add("commit:a")
		_, err := rec.Sweep(ctx)
		return err
	}
	spy := &alertSpy{}
	coord := NewCoordinator(store, spy, testTxnConfig(), nil)

	tx, err := coord.Execute(context.Background(), []Operation{a, op("b", c)})
	require.Error(t, err)
	assert.Equal(t, apperror.CodePartialCommit, apperror.CodeOf(err))
	assert.ErrorIs(t, err, model.ErrTxSettled)
	assert.Equal(t, model.TxFailed, tx.Status)
	assert.True(t, tx.NeedsReconciliation)
	assert.False(t, c.has("commit:b"), "commit stops once the transaction is settled")

	saved, err := store.GetTransaction(context.Background(), tx.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.TxFailed, saved.Status)
	assert.NotContains(t, store.path(tx.TransactionID), model.TxCommitted)
	assert.Empty(t, coord.InFlight())
}

func TestCoordinator_RecoveryAbortsDuringPrepare(t *testing.T) {
	store := newMemStore()
	c := &calls{}
	rec := lateRecovery(store)
	a := op("a", c)
	a.Prepare = func(ctx context.Context) error {
		c.add("prepare:a")
		_, err := rec.Sweep(ctx)
		return err
	}
	coord := NewCoordinator(store, nil, testTxnConfig(), nil)

	tx, err := coord.Execute(context.Background(), []Operation{a, op("b", c)})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeParticipantTimeout, apperror.CodeOf(err))
	assert.ErrorIs(t, err, model.ErrTxSettled)
	assert.Equal(t, model.TxAborted, tx.Status)
	for _, id := range []string{"a", "b"} {
		assert.False(t, c.has("commit:"+id), "no commit after recovery aborted %s", id)
		assert.True(t, c.has("abort:"+id), "abort callbacks still run for %s", id)
	}

	saved, err := store.GetTransaction(context.Background(), tx.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, model.TxAborted, saved.Status)
	assert.NotContains(t, store.path(tx.TransactionID), model.TxCommitting)
}

func TestCoordinator_RejectsInvalidParticipants(t *testing.T) {
	c := &calls{}
	coord := NewCoordinator(newMemStore(), nil, testTxnConfig(), nil)

	_, err := coord.Execute(context.Background(), nil)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	_, err = coord.Execute(context.Background(), []Operation{op("a", c), op("a", c)})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
	assert.Empty(t, c.list())
}

func TestCoordinator_InitialSaveFailure(t *testing.T) {
	store := newMemStore()
	store.failSaves = true
	c := &calls{}
	coord := NewCoordinator(store, nil, testTxnConfig(), nil)

	_, err := coord.Execute(context.Background(), []Operation{op("a", c)})
	require.Error(t, err)
	assert.Equal(t, apperror.KindStorage, apperror.KindOf(err))
	assert.Empty(t, c.list(), "nothing runs before the transaction is durable")
}

func TestCallWithTimeout_DropsLateResult(t *testing.T) {
	release := make(chan struct{})
	err := callWithTimeout(context.Background(), 20*time.Millisecond, func(context.Context) error {
		<-release
		return errors.New("late")
	})
	close(release)
	assert.ErrorIs(t, err, errCallTimeout)
	assert.NoError(t, callWithTimeout(context.Background(), time.Second, nil))
}
