package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/slot-booking/internal/model"
)

// TxnStateRepo persists distributed transaction contexts, their
// participants and saga executions so the recovery sweep can find work
// abandoned by a crashed or stalled coordinator.
type TxnStateRepo struct {
	db *sql.DB
}

// NewTxnStateRepo returns a new TxnStateRepo bound to the given database.
func NewTxnStateRepo(db *sql.DB) *TxnStateRepo { return &TxnStateRepo{db: db} }

// SaveTransaction upserts a transaction context and all of its participants
// in one database transaction.  A context already in a final status is
// never moved to another one; that save fails with model.ErrTxSettled.
func (r *TxnStateRepo) SaveTransaction(ctx context.Context, t *model.DistributedTransactionContext) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM distributed_transaction_contexts WHERE transaction_id = ? FOR UPDATE`,
		t.TransactionID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	case model.TxStatus(current).Final() && model.TxStatus(current) != t.Status:
		return model.ErrTxSettled
	}

	const upsertCtx = `INSERT INTO distributed_transaction_contexts
                         (transaction_id, status, error_message, needs_reconciliation, created_at, updated_at, expires_at)
                       VALUES (?, ?, ?, ?, ?, ?, ?)
                       ON DUPLICATE KEY UPDATE status = VALUES(status), error_message = VALUES(error_message),
                         needs_reconciliation = VALUES(needs_reconciliation), updated_at = VALUES(updated_at),
                         expires_at = VALUES(expires_at)`
	if _, err := tx.ExecContext(ctx, upsertCtx, t.TransactionID, t.Status, nullString(t.Error), t.NeedsReconciliation,
		t.CreatedAt.UTC(), t.UpdatedAt.UTC(), t.ExpiresAt.UTC()); err != nil {
		return err
	}

	if len(t.Participants) > 0 {
		query := `INSERT INTO distributed_transaction_participants
                    (transaction_id, participant_id, service, operation, status, compensation_required, error_message)
                  VALUES `
		args := make([]interface{}, 0, len(t.Participants)*7)
		for i, p := range t.Participants {
			if i > 0 {
				query += ","
			}
			query += "(?, ?, ?, ?, ?, ?, ?)"
			args = append(args, t.TransactionID, p.ParticipantID, p.Service, p.Operation, p.Status,
				p.CompensationRequired, nullString(p.Error))
		}
		query += ` ON DUPLICATE KEY UPDATE status = VALUES(status),
                     compensation_required = VALUES(compensation_required), error_message = VALUES(error_message)`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// GetTransaction loads a transaction context with its participants, or nil
// when none exists.
func (r *TxnStateRepo) GetTransaction(ctx context.Context, id string) (*model.DistributedTransactionContext, error) {
	const q = `SELECT transaction_id, status, error_message, needs_reconciliation, created_at, updated_at, expires_at
               FROM distributed_transaction_contexts WHERE transaction_id = ?`
	t, err := scanTransaction(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t.Participants, err = r.participants(ctx, id); err != nil {
		return nil, err
	}
	return t, nil
}

// ListStaleTransactions returns transactions in one of statuses whose last
// update is older than before, oldest first.
func (r *TxnStateRepo) ListStaleTransactions(ctx context.Context, statuses []model.TxStatus, before time.Time) ([]*model.DistributedTransactionContext, error) {
	if len(statuses) == 0 {
		return []*model.DistributedTransactionContext{}, nil
	}
	q := `SELECT transaction_id, status, error_message, needs_reconciliation, created_at, updated_at, expires_at
          FROM distributed_transaction_contexts
          WHERE status IN (` + inClause(len(statuses)) + `) AND updated_at < ?
          ORDER BY updated_at ASC`
	args := make([]interface{}, 0, len(statuses)+1)
	for _, s := range statuses {
		args = append(args, s)
	}
	args = append(args, before.UTC())
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*model.DistributedTransactionContext, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range out {
		if t.Participants, err = r.participants(ctx, t.TransactionID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CountByStatus returns how many transactions are in each status.
func (r *TxnStateRepo) CountByStatus(ctx context.Context) (map[model.TxStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM distributed_transaction_contexts GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[model.TxStatus]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[model.TxStatus(s)] = n
	}
	return counts, rows.Err()
}

func (r *TxnStateRepo) participants(ctx context.Context, id string) ([]model.Participant, error) {
	const q = `SELECT participant_id, service, operation, status, compensation_required, error_message
               FROM distributed_transaction_participants
               WHERE transaction_id = ?
               ORDER BY participant_id`
	rows, err := r.db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ps := make([]model.Participant, 0)
	for rows.Next() {
		var p model.Participant
		var status string
		var errMsg sql.NullString
		if err := rows.Scan(&p.ParticipantID, &p.Service, &p.Operation, &status, &p.CompensationRequired, &errMsg); err != nil {
			return nil, err
		}
		p.Status = model.ParticipantStatus(status)
		p.Error = errMsg.String
		ps = append(ps, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ps, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*model.DistributedTransactionContext, error) {
	var t model.DistributedTransactionContext
	var status string
	var errMsg sql.NullString
	if err := row.Scan(&t.TransactionID, &status, &errMsg, &t.NeedsReconciliation, &t.CreatedAt, &t.UpdatedAt, &t.ExpiresAt); err != nil {
		return nil, err
	}
	t.Status = model.TxStatus(status)
	t.Error = errMsg.String
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
