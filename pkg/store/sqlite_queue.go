package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/loanerr"
	"github.com/growwyouwithus-tech/new-loan-management/pkg/models"
)

const opColumns = `id, kind, loan_id, idempotency_key, payload, state, created_at, retry_count, last_error, next_attempt_at`

// InsertOperation adds op to the queue unless its idempotency key is taken.
func (s *SQLiteStore) InsertOperation(op *models.QueuedOperation) (bool, error) {
	result, err := s.q.Exec(
		`INSERT OR IGNORE INTO queue (`+opColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID.String(), op.Kind, op.LoanID.String(), op.IdempotencyKey, string(op.Payload), op.State, op.CreatedAt,
		op.RetryCount, op.LastError, op.NextAttemptAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue operation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n == 1, nil
}

// GetOperation retrieves a queued operation by id.
func (s *SQLiteStore) GetOperation(id uuid.UUID) (*models.QueuedOperation, error) {
	return s.getOperation(`SELECT `+opColumns+` FROM queue WHERE id = ?`, id.String())
}

// GetOperationByKey retrieves a queued operation by idempotency key.
func (s *SQLiteStore) GetOperationByKey(key string) (*models.QueuedOperation, error) {
	return s.getOperation(`SELECT `+opColumns+` FROM queue WHERE idempotency_key = ?`, key)
}

func (s *SQLiteStore) getOperation(query string, arg any) (*models.QueuedOperation, error) {
	op, err := scanOperation(s.q.QueryRow(query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("operation %v: %w", arg, loanerr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	return op, nil
}

// UpdateOperation rewrites a queued operation.
func (s *SQLiteStore) UpdateOperation(op *models.QueuedOperation) error {
	result, err := s.q.Exec(
		`UPDATE queue SET idempotency_key = ?, payload = ?, state = ?, retry_count = ?, last_error = ?, next_attempt_at = ? WHERE id = ?`,
		op.IdempotencyKey, string(op.Payload), op.State, op.RetryCount, op.LastError, op.NextAttemptAt, op.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("operation %s: %w", op.ID, loanerr.ErrNotFound)
	}
	return nil
}

// DeleteOperation removes an operation from the queue.
func (s *SQLiteStore) DeleteOperation(id uuid.UUID) error {
	if _, err := s.q.Exec(`DELETE FROM queue WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete operation: %w", err)
	}
	return nil
}

// ListOperations returns operations in any of states, oldest first. No states
// means all operations.
func (s *SQLiteStore) ListOperations(states ...models.OperationState) ([]*models.QueuedOperation, error) {
	query := `SELECT ` + opColumns + ` FROM queue`
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = st
	}
	if len(states) > 0 {
		query += ` WHERE state IN (` + placeholders(len(states)) + `)`
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []*models.QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation row: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for queue: %w", err)
	}
	return ops, nil
}

func scanOperation(row rowScanner) (*models.QueuedOperation, error) {
	var op models.QueuedOperation
	var idStr, loanIDStr, payload string
	var next sql.NullTime
	if err := row.Scan(&idStr, &op.Kind, &loanIDStr, &op.IdempotencyKey, &payload, &op.State, &op.CreatedAt,
		&op.RetryCount, &op.LastError, &next); err != nil {
		return nil, err
	}
	var err error
	if op.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("corrupt operation id %q: %w", idStr, err)
	}
	if op.LoanID, err = uuid.Parse(loanIDStr); err != nil {
		return nil, fmt.Errorf("corrupt loan id %q: %w", loanIDStr, err)
	}
	op.Payload = []byte(payload)
	if next.Valid {
		op.NextAttemptAt = &next.Time
	}
	return &op, nil
}
