package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/slot-booking/internal/model"
)

func TestTxnStateRepo_SaveTransaction_UpsertsContextAndParticipants(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTxnStateRepo(db)
	now := time.Now()
	tc := &model.DistributedTransactionContext{
		TransactionID: "tx-1", Status: model.TxPrepared, CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(time.Minute),
		Participants: []model.Participant{
			{ParticipantID: "inventory", Service: "inventory", Operation: "hold", Status: model.ParticipantPrepared},
			{ParticipantID: "payment", Service: "payment", Operation: "charge", Status: model.ParticipantPrepared},
		},
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM distributed_transaction_contexts")).
		WithArgs("tx-1").WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO distributed_transaction_contexts")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO distributed_transaction_participants")).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, repo.SaveTransaction(context.Background(), tc))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTxnStateRepo_SaveTransaction_RollsBackOnParticipantError(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTxnStateRepo(db)
	now := time.Now()
	tc := &model.DistributedTransactionContext{
		TransactionID: "tx-1", Status: model.TxPreparing, CreatedAt: now, UpdatedAt: now, ExpiresAt: now,
		Participants: []model.Participant{{ParticipantID: "p"}},
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM distributed_transaction_contexts").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("PREPARING"))
	mock.ExpectExec("INSERT INTO distributed_transaction_contexts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO distributed_transaction_participants").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	require.ErrorIs(t, repo.SaveTransaction(context.Background(), tc), assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTxnStateRepo_SaveTransaction_RefusesToReopenFinalStatus(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTxnStateRepo(db)
	now := time.Now()
	tc := &model.DistributedTransactionContext{
		TransactionID: "tx-1", Status: model.TxCommitted, CreatedAt: now, UpdatedAt: now, ExpiresAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM distributed_transaction_contexts WHERE transaction_id = ? FOR UPDATE")).
		WithArgs("tx-1").WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("FAILED"))
	mock.ExpectRollback()

	require.ErrorIs(t, repo.SaveTransaction(context.Background(), tc), model.ErrTxSettled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTxnStateRepo_SaveTransaction_RewritesSameFinalStatus(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTxnStateRepo(db)
	now := time.Now()
	tc := &model.DistributedTransactionContext{
		TransactionID: "tx-1", Status: model.TxAborted, CreatedAt: now, UpdatedAt: now, ExpiresAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM distributed_transaction_contexts")).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("ABORTED"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO distributed_transaction_contexts")).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, repo.SaveTransaction(context.Background(), tc))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTxnStateRepo_ListStaleSagas(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTxnStateRepo(db)
	now := time.Now()

	cols := []string{"saga_id", "name", "status", "steps", "completed_steps", "failed_step", "error_message",
		"needs_reconciliation", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status IN (?, ?) AND updated_at < ?")).
		WithArgs(model.SagaRunning, model.SagaCompensating, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("s-1", "create-booking", "RUNNING", []byte(`["reserve","commit"]`), []byte(`["reserve"]`),
				nil, nil, false, now, now))

	sagas, err := repo.ListStaleSagas(context.Background(),
		[]model.SagaStatus{model.SagaRunning, model.SagaCompensating}, now)
	require.NoError(t, err)
	require.Len(t, sagas, 1)
	assert.Equal(t, []string{"reserve", "commit"}, sagas[0].Steps)
	assert.Equal(t, []string{"reserve"}, sagas[0].CompletedSteps)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTxnStateRepo_SaveSaga_KeepsFinalStatus(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTxnStateRepo(db)
	now := time.Now()

	mock.ExpectExec(regexp.QuoteMeta(
		"status = IF(status IN ('COMPLETED', 'COMPENSATED', 'FAILED'), status, VALUES(status))")).
		WithArgs("s-1", "create-booking", model.SagaCompleted, []byte(`["reserve"]`), []byte(`["reserve"]`),
			nil, nil, false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.SaveSaga(context.Background(), &model.SagaExecution{
		SagaID: "s-1", Name: "create-booking", Status: model.SagaCompleted,
		Steps: []string{"reserve"}, CompletedSteps: []string{"reserve"}, CreatedAt: now, UpdatedAt: now,
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}
