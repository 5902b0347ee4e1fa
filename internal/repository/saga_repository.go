package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/iliyamo/slot-booking/internal/model"
)

const sagaColumns = `saga_id, name, status, steps, completed_steps, failed_step, error_message, needs_reconciliation, created_at, updated_at`

// sagaFinal lists the statuses a saga never leaves.  status is assigned
// last in the upsert so the other columns still see the stored value.
const sagaFinal = `('COMPLETED', 'COMPENSATED', 'FAILED')`

// SaveSaga upserts a saga execution.  Step lists are stored as JSON arrays.
// A saga already in a final status is left untouched.
func (r *TxnStateRepo) SaveSaga(ctx context.Context, s *model.SagaExecution) error {
	steps, err := json.Marshal(nonNil(s.Steps))
	if err != nil {
		return err
	}
	completed, err := json.Marshal(nonNil(s.CompletedSteps))
	if err != nil {
		return err
	}
	const q = `INSERT INTO saga_executions (` + sagaColumns + `)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
               ON DUPLICATE KEY UPDATE
                 completed_steps = IF(status IN ` + sagaFinal + `, completed_steps, VALUES(completed_steps)),
                 failed_step = IF(status IN ` + sagaFinal + `, failed_step, VALUES(failed_step)),
                 error_message = IF(status IN ` + sagaFinal + `, error_message, VALUES(error_message)),
                 needs_reconciliation = IF(status IN ` + sagaFinal + `, needs_reconciliation, VALUES(needs_reconciliation)),
                 updated_at = IF(status IN ` + sagaFinal + `, updated_at, VALUES(updated_at)),
                 status = IF(status IN ` + sagaFinal + `, status, VALUES(status))`
	_, err = r.db.ExecContext(ctx, q, s.SagaID, s.Name, s.Status, steps, completed, nullString(s.FailedStep),
		nullString(s.Error), s.NeedsReconciliation, s.CreatedAt.UTC(), s.UpdatedAt.UTC())
	return err
}

// GetSaga loads a saga execution, or nil when none exists.
func (r *TxnStateRepo) GetSaga(ctx context.Context, id string) (*model.SagaExecution, error) {
	const q = `SELECT ` + sagaColumns + ` FROM saga_executions WHERE saga_id = ?`
	s, err := scanSaga(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ListStaleSagas returns sagas in one of statuses not updated since before.
func (r *TxnStateRepo) ListStaleSagas(ctx context.Context, statuses []model.SagaStatus, before time.Time) ([]*model.SagaExecution, error) {
	if len(statuses) == 0 {
		return []*model.SagaExecution{}, nil
	}
	q := `SELECT ` + sagaColumns + `
          FROM saga_executions
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
	out := make([]*model.SagaExecution, 0)
	for rows.Next() {
		s, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSaga(row rowScanner) (*model.SagaExecution, error) {
	var s model.SagaExecution
	var status string
	var steps, completed []byte
	var failedStep, errMsg sql.NullString
	if err := row.Scan(&s.SagaID, &s.Name, &status, &steps, &completed, &failedStep, &errMsg,
		&s.NeedsReconciliation, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Status = model.SagaStatus(status)
	s.FailedStep = failedStep.String
	s.Error = errMsg.String
	if err := json.Unmarshal(steps, &s.Steps); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(completed, &s.CompletedSteps); err != nil {
		return nil, err
	}
	return &s, nil
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
